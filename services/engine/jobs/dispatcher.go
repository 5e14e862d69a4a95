// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Dispatcher routes decoded envelopes to registered handlers.
//
// # Thread Safety
//
// Safe for concurrent use. Handlers may be registered at any time.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	outbox   *Outbox
	logger   *slog.Logger
	observer Observer
}

// NewDispatcher creates a dispatcher. outbox may be nil, in which case task
// rows are neither checked nor completed.
func NewDispatcher(outbox *Outbox, logger *slog.Logger, observer Observer) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers: make(map[string]Handler),
		outbox:   outbox,
		logger:   logger,
		observer: observer,
	}
}

// Register binds a handler to a job name, replacing any previous one.
func (d *Dispatcher) Register(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = h
}

// Dispatch decodes one queue message and runs its handler.
//
// A message whose task row no longer exists was already handled by an
// earlier delivery and is acknowledged without running again.
func (d *Dispatcher) Dispatch(ctx context.Context, data []byte) error {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return err
	}

	d.mu.RLock()
	h, ok := d.handlers[env.Name]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, env.Name)
	}

	if env.TaskID != "" && d.outbox != nil {
		pending, err := d.outbox.Pending(ctx, env.TaskID)
		if err != nil {
			return fmt.Errorf("check task %s: %w", env.TaskID, err)
		}
		if !pending {
			d.logger.Debug("jobs.dispatcher: task already handled",
				slog.String("task_id", env.TaskID),
				slog.String("name", env.Name))
			return nil
		}
	}

	start := time.Now()
	err = h(ctx, Job{TaskID: env.TaskID, Name: env.Name, Payload: env.Payload})
	if d.observer != nil {
		d.observer.ObserveJob(env.Name, err)
	}
	if err != nil {
		d.logger.Error("jobs.dispatcher: job failed",
			slog.String("task_id", env.TaskID),
			slog.String("name", env.Name),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()))
		return err
	}

	d.logger.Debug("jobs.dispatcher: job done",
		slog.String("task_id", env.TaskID),
		slog.String("name", env.Name),
		slog.Duration("duration", time.Since(start)))

	if env.TaskID != "" && d.outbox != nil {
		if err := d.outbox.Complete(ctx, env.TaskID); err != nil {
			return fmt.Errorf("complete task %s: %w", env.TaskID, err)
		}
	}
	return nil
}
