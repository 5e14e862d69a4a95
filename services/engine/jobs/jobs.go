// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package jobs hands named units of deferred work to a queue and runs them.
//
// # Description
//
// Work is described by a datatypes.BackgroundTask row written in the same
// store transaction as the state change that requires it (the outbox). The
// row is then submitted to a Queue as a JSON Envelope. A Dispatcher decodes
// envelopes and calls the Handler registered for the job name; on success
// the row is removed (or, for recurring tasks, rescheduled).
//
// Two queues are provided: PoolQueue runs jobs on an in-process worker pool
// and JetStreamQueue routes them through NATS JetStream.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/netcontrol/services/engine/datatypes"
)

// Job names.
const (
	GenerateNetwork  = "generate_network"
	GenerateAnalysis = "generate_analysis"
	NotifyCompletion = "notify_completion"
	VerifyAudit      = "verify_audit"
)

var (
	// ErrUnknownJob is returned when no handler is registered for a job name.
	ErrUnknownJob = errors.New("no handler registered for job")

	// ErrQueueFull is returned by PoolQueue when its buffer is exhausted.
	ErrQueueFull = errors.New("job queue is full")

	// ErrQueueStopped is returned when enqueueing on a stopped queue.
	ErrQueueStopped = errors.New("job queue is stopped")

	// ErrQueueNotStarted is returned when enqueueing before Start.
	ErrQueueNotStarted = errors.New("job queue is not started")

	// ErrStopTimeout is returned when workers do not drain in time.
	ErrStopTimeout = errors.New("timed out waiting for job workers")
)

// Queue accepts a named, serialized unit of work for asynchronous
// execution. Execution timing and queue-level redelivery are the queue's
// concern.
type Queue interface {
	Enqueue(ctx context.Context, name string, payload []byte) error
}

// WorkerQueue is a Queue that also runs the jobs it accepts.
type WorkerQueue interface {
	Queue
	Start(ctx context.Context, d *Dispatcher) error
	Stop(timeout time.Duration) error
}

// Envelope is the serialized form of a job on the queue.
type Envelope struct {
	TaskID  string          `json:"task_id,omitempty"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Job is a decoded envelope handed to a Handler.
type Job struct {
	TaskID  string
	Name    string
	Payload []byte
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Name, err)
	}
	return nil
}

// Handler runs one job.
type Handler func(ctx context.Context, job Job) error

// IDsPayload is the payload of the generation jobs.
type IDsPayload struct {
	IDs []string `json:"ids"`
}

// CompletionPayload is the payload of NotifyCompletion.
type CompletionPayload struct {
	Kind   datatypes.Kind   `json:"kind"`
	ID     string           `json:"id"`
	Status datatypes.Status `json:"status"`
}

// Observer receives job measurements. nil disables reporting.
type Observer interface {
	ObserveEnqueue(name string)
	ObserveJob(name string, err error)
}

// EncodeEnvelope serializes a job for a queue.
func EncodeEnvelope(taskID, name string, payload []byte) ([]byte, error) {
	env := Envelope{TaskID: taskID, Name: name}
	if len(payload) > 0 {
		env.Payload = json.RawMessage(payload)
	}
	return json.Marshal(env)
}

// DecodeEnvelope parses a queue message.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode job envelope: %w", err)
	}
	if env.Name == "" {
		return Envelope{}, errors.New("decode job envelope: missing name")
	}
	return env, nil
}
