// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"

	"github.com/AleutianAI/netcontrol/pkg/validation"
	"github.com/go-playground/validator/v10"
)

// inputValidate is the validator instance for mutation input records.
// Initialized in init() with the identifier validator.
var inputValidate *validator.Validate

func init() {
	inputValidate = validator.New()
	_ = inputValidate.RegisterValidation("identifier", validateIdentifier)
}

func validateIdentifier(fl validator.FieldLevel) bool {
	return validation.ValidateIdentifier(fl.Field().String()) == nil
}

// Ref is a foreign-key stub: an ID plus optional embedded hint fields that
// are never trusted over the stored record.
type Ref struct {
	ID   string `json:"id" validate:"required,identifier"`
	Name string `json:"name,omitempty"`
}

// ElementRef references a node or an edge.
type ElementRef struct {
	Kind Kind   `json:"kind" validate:"required,oneof=node edge"`
	ID   string `json:"id" validate:"required,identifier"`
	Name string `json:"name,omitempty"`
}

// SourceInput creates or edits a Source.
type SourceInput struct {
	ID   string `json:"id,omitempty" validate:"omitempty,identifier"`
	Name string `json:"name" validate:"required,max=256"`
	Type string `json:"type" validate:"required,max=64"`
}

// FieldInput creates or edits a Field. Source is required.
type FieldInput struct {
	ID         string    `json:"id,omitempty" validate:"omitempty,identifier"`
	Name       string    `json:"name" validate:"required,max=256"`
	Kind       FieldKind `json:"kind" validate:"required,oneof=node edge interaction"`
	Searchable bool      `json:"searchable"`
	Source     Ref       `json:"source"`
}

// FieldValueInput attaches a value for one Field to an element.
type FieldValueInput struct {
	Field Ref    `json:"field"`
	Value string `json:"value" validate:"max=4096"`
}

// NodeInput creates or edits a node (protein).
type NodeInput struct {
	ID      string            `json:"id,omitempty" validate:"omitempty,identifier"`
	Name    string            `json:"name" validate:"required,max=256"`
	Sources []Ref             `json:"sources" validate:"dive"`
	Fields  []FieldValueInput `json:"fields" validate:"dive"`
}

// EndpointInput is one typed endpoint of an edge.
type EndpointInput struct {
	Node Ref          `json:"node"`
	Role EndpointRole `json:"role" validate:"required,oneof=source target"`
}

// EdgeInput creates or edits an edge (interaction).
type EdgeInput struct {
	ID        string            `json:"id,omitempty" validate:"omitempty,identifier"`
	Name      string            `json:"name" validate:"max=256"`
	Sources   []Ref             `json:"sources" validate:"dive"`
	Fields    []FieldValueInput `json:"fields" validate:"dive"`
	Endpoints []EndpointInput   `json:"endpoints" validate:"required,min=2,dive"`
}

// CollectionInput creates or edits a Collection.
type CollectionInput struct {
	ID       string       `json:"id,omitempty" validate:"omitempty,identifier"`
	Name     string       `json:"name" validate:"required,max=256"`
	Roles    []string     `json:"roles" validate:"required,min=1,dive,required,max=64"`
	Sources  []Ref        `json:"sources" validate:"dive"`
	Elements []ElementRef `json:"elements" validate:"dive"`
}

// NetworkInput creates or edits a Network. InteractionSource is required.
// Non-public networks must name at least one member.
type NetworkInput struct {
	ID                string          `json:"id,omitempty" validate:"omitempty,identifier"`
	Name              string          `json:"name" validate:"required,max=256"`
	Algorithm         Algorithm       `json:"algorithm" validate:"required"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Public            bool            `json:"public"`
	InteractionSource Ref             `json:"interaction_source"`
	Sources           []Ref           `json:"sources" validate:"dive"`
	Collections       []Ref           `json:"collections" validate:"dive"`
	Elements          []ElementRef    `json:"elements" validate:"dive"`
	Members           []string        `json:"members" validate:"required_if=Public false,dive,email"`
}

// AnalysisInput creates or edits an Analysis over one or more Networks.
type AnalysisInput struct {
	ID             string          `json:"id,omitempty" validate:"omitempty,identifier"`
	Name           string          `json:"name" validate:"required,max=256"`
	Algorithm      Algorithm       `json:"algorithm" validate:"required"`
	MaxIterations  int             `json:"max_iterations" validate:"gte=0,lte=100000"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Public         bool            `json:"public"`
	Networks       []Ref           `json:"networks" validate:"required,min=1,dive"`
	Sources        []Ref           `json:"sources" validate:"dive"`
	Collections    []Ref           `json:"collections" validate:"dive"`
	SourceElements []Ref           `json:"source_elements" validate:"dive"`
	TargetElements []Ref           `json:"target_elements" validate:"dive"`
	Members        []string        `json:"members" validate:"required_if=Public false,dive,email"`
}

// Validate checks structural constraints expressible as struct tags.
func (in *SourceInput) Validate() error { return inputValidate.Struct(in) }

// Validate checks structural constraints expressible as struct tags.
func (in *FieldInput) Validate() error { return inputValidate.Struct(in) }

// Validate checks structural constraints expressible as struct tags.
func (in *NodeInput) Validate() error { return inputValidate.Struct(in) }

// Validate checks structural constraints expressible as struct tags.
func (in *EdgeInput) Validate() error { return inputValidate.Struct(in) }

// Validate checks structural constraints expressible as struct tags.
func (in *CollectionInput) Validate() error { return inputValidate.Struct(in) }

// Validate checks structural constraints and the algorithm tag.
func (in *NetworkInput) Validate() error {
	if err := inputValidate.Struct(in); err != nil {
		return err
	}
	if !in.Algorithm.ValidFor(KindNetwork) {
		return ErrInvalidAlgorithm
	}
	return nil
}

// Validate checks structural constraints and the algorithm tag.
func (in *AnalysisInput) Validate() error {
	if err := inputValidate.Struct(in); err != nil {
		return err
	}
	if !in.Algorithm.ValidFor(KindAnalysis) {
		return ErrInvalidAlgorithm
	}
	return nil
}

// RegisterUserInput registers a user and resolves pending invitations.
type RegisterUserInput struct {
	ID    string `json:"id,omitempty" validate:"omitempty,identifier"`
	Email string `json:"email" validate:"required,email"`
}

// Validate checks structural constraints expressible as struct tags.
func (in *RegisterUserInput) Validate() error { return inputValidate.Struct(in) }
