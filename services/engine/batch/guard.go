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
	"github.com/AleutianAI/netcontrol/services/engine/datatypes"
	"github.com/AleutianAI/netcontrol/services/engine/store"
)

// GuardResult is the outcome of the identity guard for one chunk.
type GuardResult struct {
	// Existing holds client identifiers already present in storage. Items
	// carrying them are skipped.
	Existing map[string]bool

	// Records holds the stored record of every existing identifier.
	Records map[string][]byte
}

// Skip reports whether an item with this identifier must be skipped.
func (g GuardResult) Skip(id string) bool { return id != "" && g.Existing[id] }

// GuardIdentifiers checks the client-supplied identifiers of one chunk.
//
// # Description
//
// A repeated identifier within the chunk rejects the whole chunk with a
// validation error. Identifiers already stored are returned so their items
// can be skipped, which keeps re-submission of a partially applied batch
// idempotent. Empty identifiers are ignored; those items get a generated ID.
//
// Detection is scoped to the chunk. Two items with the same identifier in
// different chunks of one request are not compared against each other; the
// second one is skipped as already existing once the first chunk commits.
func GuardIdentifiers(sess *store.Session, kind datatypes.Kind, ids []string) (GuardResult, error) {
	seen := make(map[string]bool, len(ids))
	var present []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if seen[id] {
			return GuardResult{}, &datatypes.ValidationError{
				Kind:   kind,
				ItemID: id,
				Err:    datatypes.ErrDuplicateIdentifier,
			}
		}
		seen[id] = true
		present = append(present, id)
	}

	existing, err := sess.GetMany(kind, present)
	if err != nil {
		return GuardResult{}, err
	}
	res := GuardResult{Existing: make(map[string]bool, len(existing)), Records: existing}
	for id := range existing {
		res.Existing[id] = true
	}
	return res, nil
}
