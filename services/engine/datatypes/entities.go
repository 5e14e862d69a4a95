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
	"slices"
	"time"
)

// Source is a named external data provider.
type Source struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

// Generic reports whether the source is the reserved ad-hoc type.
func (s Source) Generic() bool { return s.Type == SourceTypeGeneric }

// Field is an attribute definition scoped to exactly one Source (link RelSource).
type Field struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Kind       FieldKind `json:"kind"`
	Searchable bool      `json:"searchable"`
	CreatedAt  time.Time `json:"created_at"`
}

// Element is the stored record for both nodes and edges. Relations (sources,
// field values, endpoints) live in link tables.
type Element struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Collection is a named group of Elements carrying one or more role tags.
type Collection struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Roles     []string  `json:"roles"`
	CreatedAt time.Time `json:"created_at"`
}

// Artifact is the stored record for a Network or an Analysis.
type Artifact struct {
	ID             string          `json:"id"`
	Kind           Kind            `json:"kind"`
	Name           string          `json:"name"`
	Status         Status          `json:"status"`
	Algorithm      Algorithm       `json:"algorithm"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Public         bool            `json:"public"`
	MaxIterations  int             `json:"max_iterations,omitempty"`
	DeleteAfter    time.Time       `json:"delete_after"`
	CreatedAt      time.Time       `json:"created_at"`
	Log            []LogEntry      `json:"log"`
}

// AppendLog adds an entry to the artifact's log.
func (a *Artifact) AppendLog(at time.Time, event LogEvent, attempt int, message string) {
	a.Log = append(a.Log, LogEntry{At: at, Event: event, Attempt: attempt, Message: message})
}

// CountLog returns the number of log entries with the given event.
func (a *Artifact) CountLog(event LogEvent) int {
	n := 0
	for _, e := range a.Log {
		if e.Event == event {
			n++
		}
	}
	return n
}

// Membership links a parent entity to an email address, resolved to a User
// once one registers with that address.
type Membership struct {
	ID         string    `json:"id"`
	ParentKind Kind      `json:"parent_kind"`
	ParentID   string    `json:"parent_id"`
	Email      string    `json:"email"`
	UserID     string    `json:"user_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Resolved reports whether a registered user accepted the invitation.
func (m Membership) Resolved() bool { return m.UserID != "" }

// User is the minimal identity record the engine needs for notifications.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// BackgroundTask is a persisted, named unit of deferred work (outbox row).
type BackgroundTask struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Payload     []byte        `json:"payload"`
	CreatedAt   time.Time     `json:"created_at"`
	Recurring   bool          `json:"recurring"`
	RepeatEvery time.Duration `json:"repeat_every,omitempty"`
	SubmittedAt *time.Time    `json:"submitted_at,omitempty"`
	LastRunAt   *time.Time    `json:"last_run_at,omitempty"`
}

// Submitted reports whether the task has been handed to the job queue.
func (t BackgroundTask) Submitted() bool { return t.SubmittedAt != nil }

// DemoSettingID is the singleton key of the demo settings row.
const DemoSettingID = "demo"

// DemoSettings lists artifacts shown as demonstrations. Demo items are never
// expired by maintenance sweeps.
type DemoSettings struct {
	NetworkIDs  []string `json:"network_ids"`
	AnalysisIDs []string `json:"analysis_ids"`
}

// Contains reports whether the artifact is a demo item.
func (d DemoSettings) Contains(kind Kind, id string) bool {
	switch kind {
	case KindNetwork:
		return slices.Contains(d.NetworkIDs, id)
	case KindAnalysis:
		return slices.Contains(d.AnalysisIDs, id)
	default:
		return false
	}
}
