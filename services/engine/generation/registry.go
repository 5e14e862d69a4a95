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
	"errors"
	"fmt"
	"sync"

	"github.com/AleutianAI/netcontrol/services/engine/datatypes"
)

// ErrUnknownAlgorithm is returned for a tag outside the kind's closed set
// or with no registered computation.
var ErrUnknownAlgorithm = errors.New("unknown algorithm")

// Registry maps algorithm tags to computations.
type Registry struct {
	mu       sync.RWMutex
	handlers map[datatypes.Algorithm]Computation
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[datatypes.Algorithm]Computation)}
}

// Register binds c to alg.
func (r *Registry) Register(alg datatypes.Algorithm, c Computation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[alg] = c
}

// RegisterAll binds c to every algorithm of every artifact kind.
func (r *Registry) RegisterAll(c Computation) {
	for _, kind := range []datatypes.Kind{datatypes.KindNetwork, datatypes.KindAnalysis} {
		for _, alg := range datatypes.AlgorithmsFor(kind) {
			r.Register(alg, c)
		}
	}
}

// Lookup returns the computation for alg on an artifact of kind.
func (r *Registry) Lookup(kind datatypes.Kind, alg datatypes.Algorithm) (Computation, error) {
	if !alg.ValidFor(kind) {
		return nil, fmt.Errorf("%w: %q for %s", ErrUnknownAlgorithm, alg, kind)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.handlers[alg]
	if !ok {
		return nil, fmt.Errorf("%w: %q has no computation", ErrUnknownAlgorithm, alg)
	}
	return c, nil
}
