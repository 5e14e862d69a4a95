// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package batch

import (
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/netcontrol/services/engine/datatypes"
	"github.com/AleutianAI/netcontrol/services/engine/store"
)

// Resolver builds the reference index for one chunk.
//
// Items register every foreign key they carry with Want. Fetch then issues
// one multi-get per referenced kind, never one per item, and the resulting
// index is reused to materialize every item of the chunk.
type Resolver struct {
	wanted  map[datatypes.Kind]map[string]struct{}
	index   map[datatypes.Kind]map[string][]byte
	fetches int
}

// NewResolver returns an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{
		wanted: make(map[datatypes.Kind]map[string]struct{}),
		index:  make(map[datatypes.Kind]map[string][]byte),
	}
}

// Want registers a referenced identifier.
func (r *Resolver) Want(kind datatypes.Kind, id string) {
	if id == "" {
		return
	}
	set, ok := r.wanted[kind]
	if !ok {
		set = make(map[string]struct{})
		r.wanted[kind] = set
	}
	set[id] = struct{}{}
}

// WantRefs registers every stub in refs.
func (r *Resolver) WantRefs(kind datatypes.Kind, refs []datatypes.Ref) {
	for _, ref := range refs {
		r.Want(kind, ref.ID)
	}
}

// WantElements registers node and edge stubs under their own kinds.
func (r *Resolver) WantElements(refs []datatypes.ElementRef) {
	for _, ref := range refs {
		r.Want(ref.Kind, ref.ID)
	}
}

// Fetch loads every wanted identifier, one request per kind.
func (r *Resolver) Fetch(sess *store.Session) error {
	for kind, set := range r.wanted {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		found, err := sess.GetMany(kind, ids)
		if err != nil {
			return fmt.Errorf("resolve %s references: %w", kind, err)
		}
		r.index[kind] = found
		r.fetches++
	}
	return nil
}

// Fetches is the number of storage requests Fetch issued.
func (r *Resolver) Fetches() int { return r.fetches }

// Has reports whether the referenced entity exists.
func (r *Resolver) Has(kind datatypes.Kind, id string) bool {
	_, ok := r.index[kind][id]
	return ok
}

// Keep returns the resolvable identifiers of refs in input order without
// duplicates. Dangling optional references are dropped.
func (r *Resolver) Keep(kind datatypes.Kind, refs []datatypes.Ref) []string {
	seen := make(map[string]bool, len(refs))
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		if seen[ref.ID] || !r.Has(kind, ref.ID) {
			continue
		}
		seen[ref.ID] = true
		out = append(out, ref.ID)
	}
	return out
}

// KeepElements is Keep for node and edge stubs.
func (r *Resolver) KeepElements(refs []datatypes.ElementRef) []datatypes.Key {
	seen := make(map[datatypes.Key]bool, len(refs))
	out := make([]datatypes.Key, 0, len(refs))
	for _, ref := range refs {
		key := datatypes.Key{Kind: ref.Kind, ID: ref.ID}
		if seen[key] || !r.Has(ref.Kind, ref.ID) {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	return out
}

// Lookup decodes a resolved record. ok is false when it did not resolve.
func Lookup[T any](r *Resolver, kind datatypes.Kind, id string) (v T, ok bool, err error) {
	raw, found := r.index[kind][id]
	if !found {
		return v, false, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("decode %s %q: %w", kind, id, err)
	}
	return v, true, nil
}
