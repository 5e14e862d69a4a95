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
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type poolItem struct {
	name string
	data []byte
}

// PoolQueue runs jobs on a fixed set of in-process workers fed by a
// bounded buffer.
type PoolQueue struct {
	workers int
	size    int
	logger  *slog.Logger

	work       chan poolItem
	wg         sync.WaitGroup
	dispatcher *Dispatcher

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	cancel      context.CancelFunc

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// PoolStats is a snapshot of PoolQueue counters.
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// NewPoolQueue creates a pool with the given worker count and buffer size.
// Non-positive values fall back to 4 workers and 256 slots.
func NewPoolQueue(workers, size int, logger *slog.Logger) *PoolQueue {
	if workers <= 0 {
		workers = 4
	}
	if size <= 0 {
		size = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PoolQueue{
		workers: workers,
		size:    size,
		logger:  logger,
		work:    make(chan poolItem, size),
	}
}

// Start launches the workers. Jobs are dispatched through d.
func (q *PoolQueue) Start(ctx context.Context, d *Dispatcher) error {
	q.lifecycleMu.Lock()
	defer q.lifecycleMu.Unlock()

	if q.started {
		return nil
	}
	ctx, q.cancel = context.WithCancel(ctx)
	q.dispatcher = d
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.started = true
	q.logger.Info("jobs.pool: started", slog.Int("workers", q.workers), slog.Int("queue_size", q.size))
	return nil
}

// Enqueue buffers a job without blocking. ErrQueueFull is returned when the
// buffer is exhausted; the outbox row stays unsubmitted for reconciliation.
func (q *PoolQueue) Enqueue(_ context.Context, name string, payload []byte) error {
	q.lifecycleMu.Lock()
	defer q.lifecycleMu.Unlock()

	if !q.started {
		return ErrQueueNotStarted
	}
	if q.stopped {
		return ErrQueueStopped
	}
	select {
	case q.work <- poolItem{name: name, data: payload}:
		q.submitted.Add(1)
		return nil
	default:
		q.dropped.Add(1)
		return ErrQueueFull
	}
}

// Stop closes the buffer and waits for workers to drain it.
func (q *PoolQueue) Stop(timeout time.Duration) error {
	q.lifecycleMu.Lock()
	if !q.started || q.stopped {
		q.lifecycleMu.Unlock()
		return nil
	}
	close(q.work)
	q.stopped = true
	q.lifecycleMu.Unlock()

	// Workers may enqueue follow-up jobs while draining; those now fail
	// with ErrQueueStopped and stay in the outbox.
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-timer.C:
		q.cancel()
		return ErrStopTimeout
	}
}

// Stats returns current counters.
func (q *PoolQueue) Stats() PoolStats {
	return PoolStats{
		Workers:    q.workers,
		QueueSize:  q.size,
		QueueDepth: len(q.work),
		Submitted:  q.submitted.Load(),
		Processed:  q.processed.Load(),
		Failed:     q.failed.Load(),
		Dropped:    q.dropped.Load(),
	}
}

func (q *PoolQueue) worker(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-q.work:
			if !ok {
				return
			}
			err := q.dispatcher.Dispatch(ctx, item.data)
			q.processed.Add(1)
			if err != nil {
				q.failed.Add(1)
				q.logger.Debug("jobs.pool: job returned error", slog.String("name", item.name))
			}
		}
	}
}
