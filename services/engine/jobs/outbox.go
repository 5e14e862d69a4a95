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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/netcontrol/services/engine/datatypes"
	"github.com/AleutianAI/netcontrol/services/engine/store"
	"github.com/google/uuid"
)

// Stage writes a task row in the caller's session. The row is submitted
// to the queue by Outbox.Submit after the session commits.
func Stage(sess *store.Session, name string, payload any, now time.Time) (datatypes.BackgroundTask, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return datatypes.BackgroundTask{}, fmt.Errorf("encode %s payload: %w", name, err)
	}
	task := datatypes.BackgroundTask{
		ID:        uuid.NewString(),
		Name:      name,
		Payload:   raw,
		CreatedAt: now,
	}
	if err := sess.Put(datatypes.KindTask, task.ID, task); err != nil {
		return datatypes.BackgroundTask{}, err
	}
	return task, nil
}

// StageRecurring writes a task row under a fixed id that is resubmitted
// every interval after it completes. An existing row keeps its run history
// and only takes the new payload and interval.
func StageRecurring(sess *store.Session, id, name string, payload any, every time.Duration, now time.Time) (datatypes.BackgroundTask, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return datatypes.BackgroundTask{}, fmt.Errorf("encode %s payload: %w", name, err)
	}
	task, err := store.Load[datatypes.BackgroundTask](sess, datatypes.KindTask, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		task = datatypes.BackgroundTask{ID: id, CreatedAt: now}
	case err != nil:
		return datatypes.BackgroundTask{}, err
	}
	task.Name = name
	task.Payload = raw
	task.Recurring = true
	task.RepeatEvery = every
	return task, sess.Put(datatypes.KindTask, task.ID, task)
}

// Outbox submits staged task rows and tracks their completion.
type Outbox struct {
	store     *store.Store
	queue     Queue
	logger    *slog.Logger
	observer  Observer
	now       func() time.Time
	redeliver time.Duration
}

// NewOutbox creates an outbox submitting to q. observer may be nil.
func NewOutbox(st *store.Store, q Queue, logger *slog.Logger, observer Observer) *Outbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{store: st, queue: q, logger: logger, observer: observer, now: time.Now}
}

// WithRedelivery makes Reconcile resubmit rows that were handed to the
// queue more than d ago and never completed. Zero disables redelivery.
// d must exceed the longest job run, or a running job is delivered twice.
func (o *Outbox) WithRedelivery(d time.Duration) *Outbox {
	o.redeliver = d
	return o
}

// Submit enqueues tasks and marks each submitted. A task that fails to
// enqueue stays unsubmitted for Reconcile; the first such error is returned
// after every task has been tried.
func (o *Outbox) Submit(ctx context.Context, tasks ...datatypes.BackgroundTask) error {
	var firstErr error
	for _, task := range tasks {
		if err := o.submit(ctx, task); err != nil {
			o.logger.Warn("jobs.outbox: submit failed",
				slog.String("task_id", task.ID),
				slog.String("name", task.Name),
				slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// submit marks the row before enqueueing so a worker completing the task
// always runs after the mark. A failed enqueue clears the mark again.
func (o *Outbox) submit(ctx context.Context, task datatypes.BackgroundTask) error {
	data, err := EncodeEnvelope(task.ID, task.Name, task.Payload)
	if err != nil {
		return err
	}
	found, err := o.mark(ctx, task.ID, true)
	if err != nil {
		return fmt.Errorf("mark %s submitted: %w", task.ID, err)
	}
	if !found {
		// Already completed by an earlier delivery.
		return nil
	}
	if err := o.queue.Enqueue(ctx, task.Name, data); err != nil {
		if _, uerr := o.mark(context.WithoutCancel(ctx), task.ID, false); uerr != nil {
			o.logger.Warn("jobs.outbox: unmark failed",
				slog.String("task_id", task.ID),
				slog.String("error", uerr.Error()))
		}
		return fmt.Errorf("enqueue %s: %w", task.Name, err)
	}
	if o.observer != nil {
		o.observer.ObserveEnqueue(task.Name)
	}
	return nil
}

// mark sets or clears SubmittedAt. found is false when the row is gone.
func (o *Outbox) mark(ctx context.Context, taskID string, submitted bool) (found bool, err error) {
	err = o.store.UpdateWithRetry(ctx, 3, func(sess *store.Session) error {
		found = false
		task, err := store.Load[datatypes.BackgroundTask](sess, datatypes.KindTask, taskID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		if submitted {
			now := o.now()
			task.SubmittedAt = &now
		} else {
			task.SubmittedAt = nil
		}
		return sess.Put(datatypes.KindTask, task.ID, task)
	})
	return found, err
}

// Pending reports whether the task row still exists.
func (o *Outbox) Pending(ctx context.Context, taskID string) (bool, error) {
	var ok bool
	err := o.store.View(ctx, func(sess *store.Session) error {
		var err error
		ok, err = sess.Exists(datatypes.KindTask, taskID)
		return err
	})
	return ok, err
}

// Complete records a successful run: one-shot rows are deleted, recurring
// rows are rescheduled.
func (o *Outbox) Complete(ctx context.Context, taskID string) error {
	return o.store.UpdateWithRetry(ctx, 3, func(sess *store.Session) error {
		task, err := store.Load[datatypes.BackgroundTask](sess, datatypes.KindTask, taskID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !task.Recurring {
			return sess.DeleteEntity(datatypes.Key{Kind: datatypes.KindTask, ID: taskID})
		}
		now := o.now()
		task.LastRunAt = &now
		task.SubmittedAt = nil
		return sess.Put(datatypes.KindTask, task.ID, task)
	})
}

// Reconcile submits task rows that were written but never handed to the
// queue, for instance after a crash between commit and submission, rows
// handed over longer than the redelivery timeout ago, and recurring rows
// that are due again.
//
// # Outputs
//
//   - int: Number of tasks submitted.
//   - error: Storage failure, or the first enqueue failure.
func (o *Outbox) Reconcile(ctx context.Context, grace time.Duration) (int, error) {
	now := o.now()
	var due []datatypes.BackgroundTask
	err := o.store.View(ctx, func(sess *store.Session) error {
		tasks, err := store.LoadAll[datatypes.BackgroundTask](sess, datatypes.KindTask)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if isDue(t, now, grace, o.redeliver) {
				due = append(due, t)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}
	o.logger.Info("jobs.outbox: reconciling pending tasks", slog.Int("count", len(due)))
	return len(due), o.Submit(ctx, due...)
}

// ReleaseSubmitted clears the submitted mark of every task row. It is
// called at startup when the queue keeps nothing across restarts, so that
// the next Reconcile treats every row as never handed over.
func (o *Outbox) ReleaseSubmitted(ctx context.Context) (int, error) {
	var ids []string
	err := o.store.View(ctx, func(sess *store.Session) error {
		tasks, err := store.LoadAll[datatypes.BackgroundTask](sess, datatypes.KindTask)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if t.Submitted() {
				ids = append(ids, t.ID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if _, err := o.mark(ctx, id, false); err != nil {
			return 0, fmt.Errorf("release %s: %w", id, err)
		}
	}
	return len(ids), nil
}

func isDue(t datatypes.BackgroundTask, now time.Time, grace, redeliver time.Duration) bool {
	if t.Submitted() {
		return redeliver > 0 && !now.Before(t.SubmittedAt.Add(redeliver))
	}
	if t.Recurring && t.LastRunAt != nil {
		return !now.Before(t.LastRunAt.Add(t.RepeatEvery))
	}
	return !now.Before(t.CreatedAt.Add(grace))
}
