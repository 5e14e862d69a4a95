// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generation

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/AleutianAI/netcontrol/services/engine/datatypes"
)

// ErrStopped is returned by a computation that honored a stop request.
var ErrStopped = errors.New("generation stopped on request")

// Request is the context handed to a computation.
type Request struct {
	Kind              datatypes.Kind      `json:"kind"`
	ID                string              `json:"id"`
	Name              string              `json:"name"`
	Algorithm         datatypes.Algorithm `json:"algorithm"`
	Attempt           int                 `json:"attempt"`
	Payload           json.RawMessage     `json:"payload,omitempty"`
	MaxIterations     int                 `json:"max_iterations,omitempty"`
	InteractionSource string              `json:"interaction_source,omitempty"`
	Sources           []string            `json:"sources,omitempty"`
	Collections       []string            `json:"collections,omitempty"`
	Elements          []datatypes.Key     `json:"elements,omitempty"`
	Networks          []string            `json:"networks,omitempty"`
	SourceElements    []string            `json:"source_elements,omitempty"`
	TargetElements    []string            `json:"target_elements,omitempty"`
}

// StopSignal lets a running computation observe a user stop request.
// Computations must poll it at their checkpoints and return ErrStopped.
type StopSignal interface {
	StopRequested(ctx context.Context) bool
}

// Computation runs one algorithm for one item. The engine only observes
// success or failure.
type Computation interface {
	Run(ctx context.Context, req Request, stop StopSignal) error
}

// ComputationFunc adapts a function to Computation.
type ComputationFunc func(ctx context.Context, req Request, stop StopSignal) error

// Run calls f.
func (f ComputationFunc) Run(ctx context.Context, req Request, stop StopSignal) error {
	return f(ctx, req, stop)
}

// StaticComputation is an in-process stand-in for an algorithm service. It
// walks Steps checkpoints, sleeping Delay at each, and honors stop requests.
type StaticComputation struct {
	Steps int
	Delay time.Duration
}

// Run implements Computation.
func (c StaticComputation) Run(ctx context.Context, _ Request, stop StopSignal) error {
	steps := max(c.Steps, 1)
	for i := 0; i < steps; i++ {
		if stop != nil && stop.StopRequested(ctx) {
			return ErrStopped
		}
		if c.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.Delay):
			}
		}
	}
	return nil
}
