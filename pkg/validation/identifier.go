// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input sanitization for identifiers and email
// addresses that end up inside storage keys or outbound notifications.
package validation

import (
	"fmt"
	"net/mail"
	"strings"
)

// MaxIdentifierLength bounds client-supplied identifiers.
const MaxIdentifierLength = 128

// ValidateIdentifier checks that a client-supplied identifier is safe to embed
// in a storage key.
//
// Identifiers must be 1-128 characters of ASCII letters, digits, '.', '_', ':'
// or '-', and must start with a letter or digit. The '/' separator used by the
// key layout is rejected.
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(id) > MaxIdentifierLength {
		return fmt.Errorf("identifier %q exceeds %d characters", id, MaxIdentifierLength)
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case i > 0 && (c == '.' || c == '_' || c == ':' || c == '-'):
		default:
			return fmt.Errorf("invalid identifier format: %q (letters, digits, '.', '_', ':', '-' only)", id)
		}
	}
	return nil
}

// ValidateIdentifiers validates a batch and reports every invalid entry at once.
func ValidateIdentifiers(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateIdentifier(id); err != nil {
			invalid = append(invalid, id)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid identifiers: %q", invalid)
	}
	return nil
}

// SanitizeEmail trims and lowercases an address and checks that it parses as
// a bare RFC 5322 address (no display name).
func SanitizeEmail(email string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(email))
	if normalized == "" {
		return "", fmt.Errorf("email cannot be empty")
	}
	addr, err := mail.ParseAddress(normalized)
	if err != nil || addr.Address != normalized {
		return "", fmt.Errorf("invalid email address: %q", email)
	}
	return normalized, nil
}
