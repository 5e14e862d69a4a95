// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ttl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrSchedulerRunning is returned by Start on a running scheduler.
var ErrSchedulerRunning = errors.New("maintenance scheduler is already running")

// PhaseError records a failed sweep within a cycle.
type PhaseError struct {
	Phase string `json:"phase"`
	Err   string `json:"error"`
}

// CycleResult summarizes one maintenance cycle.
type CycleResult struct {
	StartTime   time.Time    `json:"start_time"`
	EndTime     time.Time    `json:"end_time"`
	Extended    int          `json:"extended"`
	Expired     int          `json:"expired"`
	Orphans     int          `json:"orphans"`
	Invitations int          `json:"invitations"`
	Resubmitted int          `json:"resubmitted"`
	Errors      []PhaseError `json:"errors,omitempty"`
}

// Duration is the wall time of the cycle.
func (r CycleResult) Duration() time.Duration { return r.EndTime.Sub(r.StartTime) }

// Err joins the phase failures, or returns nil if every sweep succeeded.
func (r CycleResult) Err() error {
	errs := make([]error, 0, len(r.Errors))
	for _, pe := range r.Errors {
		errs = append(errs, errors.New(pe.Err))
	}
	return errors.Join(errs...)
}

// Changed reports whether the cycle touched anything.
func (r CycleResult) Changed() bool {
	return r.Extended+r.Expired+r.Orphans+r.Invitations+r.Resubmitted > 0
}

// Scheduler runs maintenance cycles in the background.
//
// # Description
//
// Start launches one goroutine that runs a cycle immediately and then on
// every tick until Stop is called or the context is cancelled. A failing
// sweep does not abort the cycle; the remaining sweeps still run and the
// failure is recorded in the result and the audit log.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Cycles never overlap.
type Scheduler struct {
	sweeper  *Sweeper
	interval time.Duration
	logger   *slog.Logger

	cycleMu sync.Mutex

	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
}

// NewScheduler creates a scheduler ticking every interval.
func NewScheduler(sweeper *Sweeper, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultConfig().Interval
	}
	return &Scheduler{sweeper: sweeper, interval: interval, logger: logger}
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSchedulerRunning
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	s.logger.Info("ttl.scheduler: starting", slog.Duration("interval", s.interval))
	go s.loop(ctx, s.done, s.stopped)
	return nil
}

// Stop signals the loop and waits for the running cycle to finish. Safe to
// call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	stopped := s.stopped
	s.mu.Unlock()

	<-stopped
	s.logger.Info("ttl.scheduler: stopped")
}

// RunNow runs one cycle synchronously.
func (s *Scheduler) RunNow(ctx context.Context) CycleResult {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	return s.sweeper.Cycle(ctx)
}

func (s *Scheduler) loop(ctx context.Context, done, stopped chan struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.execute(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ttl.scheduler: context cancelled")
			return
		case <-done:
			return
		case <-ticker.C:
			s.execute(ctx)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context) {
	res := s.RunNow(ctx)
	attrs := []any{
		slog.Int("extended", res.Extended),
		slog.Int("expired", res.Expired),
		slog.Int("orphans", res.Orphans),
		slog.Int("invitations", res.Invitations),
		slog.Int("resubmitted", res.Resubmitted),
		slog.Int64("duration_ms", res.Duration().Milliseconds()),
	}
	switch {
	case len(res.Errors) > 0:
		s.logger.Warn("ttl.scheduler: cycle finished with errors", append(attrs, slog.Int("errors", len(res.Errors)))...)
	case res.Changed():
		s.logger.Info("ttl.scheduler: cycle finished", attrs...)
	default:
		s.logger.Debug("ttl.scheduler: cycle finished, nothing to do")
	}
}

// Cycle runs every sweep once, in order, and writes the summary to the
// audit log.
func (s *Sweeper) Cycle(ctx context.Context) CycleResult {
	res := CycleResult{StartTime: s.now()}
	phases := []struct {
		name string
		run  func(context.Context) (int, error)
		into *int
	}{
		{SweepExtend, s.Extend, &res.Extended},
		{SweepExpired, s.Expired, &res.Expired},
		{SweepOrphans, s.Orphans, &res.Orphans},
		{SweepInvitations, s.Invitations, &res.Invitations},
		{SweepOutbox, s.Outbox, &res.Resubmitted},
	}
	for _, ph := range phases {
		if ctx.Err() != nil {
			break
		}
		n, err := ph.run(ctx)
		*ph.into = n
		if err != nil {
			err = fmt.Errorf("%s: %w", ph.name, err)
			res.Errors = append(res.Errors, PhaseError{Phase: ph.name, Err: err.Error()})
			if logErr := s.audit.LogError(err, ph.name); logErr != nil {
				s.logger.Error("ttl.sweeper: audit write failed", slog.String("error", logErr.Error()))
			}
		}
	}
	res.EndTime = s.now()
	if err := s.audit.LogCycle(res); err != nil {
		s.logger.Error("ttl.sweeper: audit write failed", slog.String("error", err.Error()))
	}
	return res
}
