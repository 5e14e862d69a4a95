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
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors classified as validation failures.
var (
	ErrMissingReference    = errors.New("missing required reference")
	ErrDuplicateIdentifier = errors.New("duplicate identifier within chunk")
	ErrInvalidAlgorithm    = errors.New("invalid algorithm tag")
	ErrEmptyRequiredSet    = errors.New("no valid references left in required set")
	ErrInvalidEndpoints    = errors.New("edge must resolve to exactly one source and one target endpoint")
	ErrDuplicateName       = errors.New("name already used within its kind")
	ErrFieldKindMismatch   = errors.New("field does not apply to this element kind")
	ErrItemNotFound        = errors.New("item does not exist")
	ErrMissingMembers      = errors.New("non-public item requires at least one member")
	ErrInvalidInput        = errors.New("invalid input")
)

// ValidationError is raised per item and aborts the whole mutation request.
//
// Item holds the offending record's JSON and is only populated when the
// originating request contained more than one item.
type ValidationError struct {
	Kind   Kind
	ItemID string
	Reason string
	Ref    *Key
	Item   string
	Err    error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("validation failed for ")
	b.WriteString(string(e.Kind))
	if e.ItemID != "" {
		fmt.Fprintf(&b, " %q", e.ItemID)
	}
	b.WriteString(": ")
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	}
	if e.Ref != nil {
		fmt.Fprintf(&b, " %s", e.Ref)
	}
	if e.Reason != "" {
		if e.Err != nil {
			b.WriteString(" (")
			b.WriteString(e.Reason)
			b.WriteString(")")
		} else {
			b.WriteString(e.Reason)
		}
	}
	if e.Item != "" {
		b.WriteString("; item: ")
		b.WriteString(e.Item)
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidationError reports whether err is, or wraps, a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// MissingReference builds the error for a required reference that did not
// resolve against storage.
func MissingReference(kind Kind, itemID string, ref Key) *ValidationError {
	return &ValidationError{Kind: kind, ItemID: itemID, Ref: &ref, Err: ErrMissingReference}
}
