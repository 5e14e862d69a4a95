// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"testing"
)

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		// Valid identifiers
		{"simple", "P12345", false},
		{"uuid", "1b4e28ba-2fa1-11d2-883f-0016d3cca427", false},
		{"namespaced", "uniprot:P04637", false},
		{"dotted", "ENSG00000141510.17", false},
		{"underscore", "edge_1", false},

		// Invalid identifiers
		{"empty", "", true},
		{"slash", "a/b", true},
		{"space", "a b", true},
		{"leading dash", "-abc", true},
		{"leading dot", ".abc", true},
		{"unicode", "pr\u00f6tein", true},
		{"newline", "abc\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifier(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIdentifier(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestValidateIdentifier_TooLong(t *testing.T) {
	id := make([]byte, MaxIdentifierLength+1)
	for i := range id {
		id[i] = 'a'
	}
	if err := ValidateIdentifier(string(id)); err == nil {
		t.Error("expected error for identifier over the length limit")
	}
	if err := ValidateIdentifier(string(id[:MaxIdentifierLength])); err != nil {
		t.Errorf("identifier at the limit should be valid, got %v", err)
	}
}

func TestValidateIdentifiers(t *testing.T) {
	tests := []struct {
		name    string
		ids     []string
		wantErr bool
	}{
		{"all valid", []string{"a", "b", "c"}, false},
		{"one invalid", []string{"a", "b/c", "d"}, true},
		{"empty slice", []string{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifiers(tt.ids)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIdentifiers(%v) error = %v, wantErr %v", tt.ids, err, tt.wantErr)
			}
		})
	}
}

func TestSanitizeEmail(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"alice@example.org", "alice@example.org", false},
		{"  Bob@Example.ORG ", "bob@example.org", false},
		{"", "", true},
		{"not-an-email", "", true},
		{"Carol <carol@example.org>", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := SanitizeEmail(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SanitizeEmail(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("SanitizeEmail(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
