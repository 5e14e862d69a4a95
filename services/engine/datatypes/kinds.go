// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the persisted entity records, the mutation input
// records accepted by the batch processor, and the error taxonomy shared by
// every engine component.
//
// # Entity Families
//
// Sources back Fields and Elements. Elements are nodes (proteins) and edges
// (interactions). Collections group Elements. Networks are generated from
// Sources, Collections and Elements; Analyses are generated from Networks.
// All relationships are stored as explicit links keyed by ID, never as
// in-memory pointers.
package datatypes

import "fmt"

// Kind names a storage namespace for one entity family.
type Kind string

const (
	KindSource     Kind = "source"
	KindField      Kind = "field"
	KindNode       Kind = "node"
	KindEdge       Kind = "edge"
	KindCollection Kind = "collection"
	KindNetwork    Kind = "network"
	KindAnalysis   Kind = "analysis"
	KindMembership Kind = "membership"
	KindUser       Kind = "user"
	KindTask       Kind = "task"
	KindSetting    Kind = "setting"
)

var allKinds = map[Kind]bool{
	KindSource: true, KindField: true, KindNode: true, KindEdge: true,
	KindCollection: true, KindNetwork: true, KindAnalysis: true,
	KindMembership: true, KindUser: true, KindTask: true, KindSetting: true,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool { return allKinds[k] }

// IsElement reports whether k is a node or edge kind.
func (k Kind) IsElement() bool { return k == KindNode || k == KindEdge }

// IsArtifact reports whether k is a generated artifact kind.
func (k Kind) IsArtifact() bool { return k == KindNetwork || k == KindAnalysis }

// Key identifies one stored entity.
type Key struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

func (k Key) String() string { return fmt.Sprintf("%s %q", k.Kind, k.ID) }

// Relation names a link table between an owner and a target entity.
type Relation string

const (
	RelSource            Relation = "source"
	RelSources           Relation = "sources"
	RelFields            Relation = "fields"
	RelEndpointSource    Relation = "endpoint.source"
	RelEndpointTarget    Relation = "endpoint.target"
	RelElements          Relation = "elements"
	RelCollections       Relation = "collections"
	RelInteractionSource Relation = "interaction_source"
	RelNetworks          Relation = "networks"
	RelRoleSource        Relation = "roles.source"
	RelRoleTarget        Relation = "roles.target"
	RelParent            Relation = "parent"
)

// SourceTypeGeneric is the reserved source type for ad-hoc, non-sharable data.
const SourceTypeGeneric = "generic"

// FieldKind is the element family a Field applies to.
type FieldKind string

const (
	FieldKindNode        FieldKind = "node"
	FieldKindEdge        FieldKind = "edge"
	FieldKindInteraction FieldKind = "interaction"
)

// AppliesTo reports whether values of this field may be attached to an
// element of the given kind.
func (f FieldKind) AppliesTo(k Kind) bool {
	switch f {
	case FieldKindNode:
		return k == KindNode
	case FieldKindEdge, FieldKindInteraction:
		return k == KindEdge
	default:
		return false
	}
}

// EndpointRole is the typed side of an edge endpoint.
type EndpointRole string

const (
	EndpointSource EndpointRole = "source"
	EndpointTarget EndpointRole = "target"
)
