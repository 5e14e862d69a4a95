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

import "time"

// Status is the generation lifecycle state of a Network or Analysis.
//
// Statuses are assigned only by the generation state machine. Input records
// never carry one.
type Status string

const (
	StatusDefined    Status = "defined"
	StatusScheduled  Status = "scheduled"
	StatusGenerating Status = "generating"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusStopping   Status = "stopping"
	StatusStopped    Status = "stopped"
)

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusStopped
}

// Algorithm is the closed set of computation selectors.
type Algorithm string

const (
	AlgorithmNone      Algorithm = "none"
	AlgorithmExpansion Algorithm = "expansion"
	AlgorithmSteiner   Algorithm = "steiner"
	AlgorithmMDN       Algorithm = "mdn"
	AlgorithmGreedy    Algorithm = "greedy"
)

var algorithmsByKind = map[Kind][]Algorithm{
	KindNetwork:  {AlgorithmNone, AlgorithmExpansion, AlgorithmSteiner},
	KindAnalysis: {AlgorithmMDN, AlgorithmGreedy},
}

// AlgorithmsFor returns the algorithm tags accepted for an artifact kind.
func AlgorithmsFor(kind Kind) []Algorithm {
	return append([]Algorithm(nil), algorithmsByKind[kind]...)
}

// ValidFor reports whether a is accepted for the given artifact kind.
func (a Algorithm) ValidFor(kind Kind) bool {
	for _, candidate := range algorithmsByKind[kind] {
		if candidate == a {
			return true
		}
	}
	return false
}

// LogEvent classifies an entry in an artifact's generation log.
type LogEvent string

const (
	LogStarted   LogEvent = "started"
	LogFailed    LogEvent = "failed"
	LogCompleted LogEvent = "completed"
	LogStopped   LogEvent = "stopped"
	LogError     LogEvent = "error"
)

// LogEntry is one append-only record in an artifact's generation log.
type LogEntry struct {
	At      time.Time `json:"at"`
	Event   LogEvent  `json:"event"`
	Attempt int       `json:"attempt,omitempty"`
	Message string    `json:"message"`
}
