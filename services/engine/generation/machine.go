// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package generation drives networks and analyses through their generation
// lifecycle.
//
// # Description
//
// The Machine moves an artifact from Defined (or Scheduled, for analyses
// waiting on their networks) to Generating, invokes the computation
// registered for its algorithm tag, and settles on Completed, Error or
// Stopped. Failed attempts are retried in place by a bounded backoff
// combinator. Every status change is persisted before the next step runs,
// so a crash mid-computation leaves the item observably Generating.
//
// Terminal transitions write a notify_completion task in the same
// transaction (outbox) and submit it once committed.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/netcontrol/services/engine/batch"
	"github.com/AleutianAI/netcontrol/services/engine/datatypes"
	"github.com/AleutianAI/netcontrol/services/engine/jobs"
	"github.com/AleutianAI/netcontrol/services/engine/store"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxRetries is the number of retries after the first attempt.
const DefaultMaxRetries = 2

// commitAttempts bounds the retries of a status write that lost a commit
// race against another writer of the same row.
const commitAttempts = 5

// ErrInvalidTransition is returned when an item is not in a status that
// allows the requested transition.
var ErrInvalidTransition = errors.New("invalid status transition")

// Config configures the Machine.
type Config struct {
	// MaxRetries bounds retries after the first attempt. Default 2.
	MaxRetries int `yaml:"max_retries"`

	// InitialBackoff and MaxBackoff pace retries. Defaults 5s and 1m.
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`

	// ChunkSize bounds items handled per chunk of a generation job.
	ChunkSize int `yaml:"chunk_size"`

	// NewBackOff overrides retry pacing.
	NewBackOff func() backoff.BackOff `yaml:"-"`
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 5 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = batch.DefaultChunkSize
	}
	if c.NewBackOff == nil {
		initial, maxInterval := c.InitialBackoff, c.MaxBackoff
		c.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initial
			b.MaxInterval = maxInterval
			return b
		}
	}
	return c
}

// Observer receives generation measurements. nil disables reporting.
type Observer interface {
	ObserveAttempt(kind datatypes.Kind, alg datatypes.Algorithm, outcome string, d time.Duration)
	ObserveTerminal(kind datatypes.Kind, status datatypes.Status)
}

// Summary counts the outcomes of a Generate call.
type Summary struct {
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Stopped   int  `json:"stopped"`
	Waiting   int  `json:"waiting"`
	Cancelled bool `json:"cancelled"`
}

func (s *Summary) record(status datatypes.Status) {
	switch status {
	case datatypes.StatusCompleted:
		s.Completed++
	case datatypes.StatusStopped:
		s.Stopped++
	case datatypes.StatusScheduled:
		s.Waiting++
	default:
		s.Failed++
	}
}

// Machine is the generation state machine.
type Machine struct {
	store    *store.Store
	registry *Registry
	outbox   *jobs.Outbox
	cfg      Config
	logger   *slog.Logger
	observer Observer
	tracer   trace.Tracer
	now      func() time.Time
}

// NewMachine creates a state machine. outbox may be nil, in which case no
// follow-on tasks are written.
func NewMachine(st *store.Store, reg *Registry, outbox *jobs.Outbox, cfg Config, logger *slog.Logger, observer Observer) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		store:    st,
		registry: reg,
		outbox:   outbox,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		observer: observer,
		tracer:   otel.Tracer("netcontrol.generation"),
		now:      time.Now,
	}
}

// MaxAttempts is the total number of attempts per item.
func (m *Machine) MaxAttempts() int { return m.cfg.MaxRetries + 1 }

// InitialStatus returns the status a newly defined artifact starts in:
// Scheduled for an analysis whose networks are not all completed, Defined
// otherwise.
func (m *Machine) InitialStatus(sess *store.Session, kind datatypes.Kind, networkIDs []string) (datatypes.Status, error) {
	if kind != datatypes.KindAnalysis {
		return datatypes.StatusDefined, nil
	}
	ready, err := networksCompleted(sess, networkIDs)
	if err != nil {
		return "", err
	}
	if ready {
		return datatypes.StatusDefined, nil
	}
	return datatypes.StatusScheduled, nil
}

func networksCompleted(sess *store.Session, ids []string) (bool, error) {
	nets, err := store.LoadMany[datatypes.Artifact](sess, datatypes.KindNetwork, ids)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		n, ok := nets[id]
		if !ok || n.Status != datatypes.StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// Register binds the generation job handlers on d.
func (m *Machine) Register(d *jobs.Dispatcher) {
	d.Register(jobs.GenerateNetwork, m.handler(datatypes.KindNetwork))
	d.Register(jobs.GenerateAnalysis, m.handler(datatypes.KindAnalysis))
}

func (m *Machine) handler(kind datatypes.Kind) jobs.Handler {
	return func(ctx context.Context, job jobs.Job) error {
		var p jobs.IDsPayload
		if err := job.Decode(&p); err != nil {
			return err
		}
		_, err := m.Generate(ctx, kind, p.IDs)
		return err
	}
}

// Generate runs every listed item, chunk by chunk. Items are independent:
// a failing item never aborts its siblings, and per-item outcomes are
// visible only in the items' status and log.
func (m *Machine) Generate(ctx context.Context, kind datatypes.Kind, ids []string) (Summary, error) {
	if !kind.IsArtifact() {
		return Summary{}, fmt.Errorf("%w: %s is not generated", ErrInvalidTransition, kind)
	}
	var sum Summary
	_, cancelled, err := batch.Chunk(ctx, ids, m.cfg.ChunkSize, func(ctx context.Context, _ int, chunk []string) error {
		for _, id := range chunk {
			status, err := m.GenerateOne(ctx, kind, id)
			if err != nil && ctx.Err() != nil {
				return nil
			}
			sum.record(status)
		}
		return nil
	})
	sum.Cancelled = cancelled || ctx.Err() != nil
	return sum, err
}

// GenerateOne drives one item to a terminal status, or leaves a Scheduled
// analysis waiting when its networks are not complete.
//
// # Outputs
//
//   - Status: The status the item ended in.
//   - error: ErrInvalidTransition when the entry guard failed (the item is
//     then in Error), a storage failure, or the context error when
//     cancelled between attempts. Computation failures are not returned.
func (m *Machine) GenerateOne(ctx context.Context, kind datatypes.Kind, id string) (datatypes.Status, error) {
	ctx, span := m.tracer.Start(ctx, "generation.GenerateOne",
		trace.WithAttributes(attribute.String("item.kind", string(kind)), attribute.String("item.id", id)))
	defer span.End()

	key := datatypes.Key{Kind: kind, ID: id}
	status, err := m.generate(ctx, key)
	span.SetAttributes(attribute.String("item.status", string(status)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return status, err
}

func (m *Machine) generate(ctx context.Context, key datatypes.Key) (datatypes.Status, error) {
	var (
		art     datatypes.Artifact
		req     Request
		waiting bool
	)
	err := m.store.View(ctx, func(sess *store.Session) error {
		var err error
		art, err = store.Load[datatypes.Artifact](sess, key.Kind, key.ID)
		if err != nil {
			return err
		}
		if key.Kind == datatypes.KindAnalysis && art.Status == datatypes.StatusScheduled {
			nets, err := sess.LinkedIDs(key, datatypes.RelNetworks)
			if err != nil {
				return err
			}
			ready, err := networksCompleted(sess, nets)
			if err != nil {
				return err
			}
			waiting = !ready
		}
		req, err = buildRequest(sess, art)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("load %s: %w", key, err)
	}
	if waiting {
		m.logger.Debug("generation: analysis waiting on networks", slog.String("id", key.ID))
		return datatypes.StatusScheduled, nil
	}

	comp, err := m.registry.Lookup(key.Kind, art.Algorithm)
	if err != nil {
		m.logger.Error("generation: unknown algorithm",
			slog.String("kind", string(key.Kind)),
			slog.String("id", key.ID),
			slog.String("algorithm", string(art.Algorithm)))
		return m.settle(ctx, key, datatypes.StatusError, err.Error(), true)
	}

	stop := &persistedStop{store: m.store, key: key}
	maxTries := m.MaxAttempts()
	attempt := 0

	op := func() (struct{}, error) {
		attempt++
		if err := m.begin(ctx, key, attempt, maxTries); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}

		req.Attempt = attempt
		start := time.Now()
		runErr := m.run(ctx, comp, req, stop)
		elapsed := time.Since(start)

		if runErr == nil {
			m.observeAttempt(key.Kind, art.Algorithm, "success", elapsed)
			return struct{}{}, nil
		}
		if errors.Is(runErr, ErrStopped) || stop.StopRequested(ctx) {
			m.observeAttempt(key.Kind, art.Algorithm, "stopped", elapsed)
			return struct{}{}, backoff.Permanent(ErrStopped)
		}
		m.observeAttempt(key.Kind, art.Algorithm, "failure", elapsed)

		remaining := maxTries - attempt
		if ctx.Err() != nil {
			remaining = 0
		}
		stopped, err := m.fail(ctx, key, attempt, remaining, runErr)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if stopped {
			return struct{}{}, backoff.Permanent(ErrStopped)
		}
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		return struct{}{}, runErr
	}

	_, err = backoff.Retry(ctx, op,
		backoff.WithBackOff(m.cfg.NewBackOff()),
		backoff.WithMaxTries(uint(maxTries)),
		backoff.WithMaxElapsedTime(0),
	)

	switch {
	case err == nil:
		return m.finish(ctx, key, datatypes.StatusCompleted, "generation completed")
	case errors.Is(err, ErrStopped):
		return m.finish(ctx, key, datatypes.StatusStopped, "generation stopped on request")
	case errors.Is(err, ErrInvalidTransition):
		return datatypes.StatusError, err
	case ctx.Err() != nil:
		return datatypes.StatusDefined, ctx.Err()
	case errors.Is(err, store.ErrNotFound):
		return "", err
	default:
		msg := fmt.Sprintf("generation failed after %d attempts: %v", attempt, err)
		return m.finish(ctx, key, datatypes.StatusError, msg)
	}
}

// run invokes the computation under its own span.
func (m *Machine) run(ctx context.Context, comp Computation, req Request, stop StopSignal) error {
	ctx, span := m.tracer.Start(ctx, "generation.attempt",
		trace.WithAttributes(
			attribute.String("algorithm", string(req.Algorithm)),
			attribute.Int("attempt", req.Attempt)))
	defer span.End()

	err := comp.Run(ctx, req, stop)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// begin applies the entry guard and persists Generating plus a started log
// entry before the computation runs. An item in any other status is set to
// Error without retry.
func (m *Machine) begin(ctx context.Context, key datatypes.Key, attempt, maxTries int) error {
	var guardErr error
	err := m.store.UpdateWithRetry(ctx, commitAttempts, func(sess *store.Session) error {
		guardErr = nil
		art, err := store.Load[datatypes.Artifact](sess, key.Kind, key.ID)
		if err != nil {
			return err
		}
		now := m.now()
		if !entryAllowed(key.Kind, art.Status, attempt) {
			guardErr = rejectEntry(&art, key, attempt, now)
			return sess.Put(key.Kind, key.ID, art)
		}
		art.Status = datatypes.StatusGenerating
		art.AppendLog(now, datatypes.LogStarted, attempt,
			fmt.Sprintf("generation started (attempt %d of %d)", attempt, maxTries))
		return sess.Put(key.Kind, key.ID, art)
	})
	if err != nil {
		return err
	}
	if guardErr != nil {
		m.guardFailed(key, guardErr)
		return guardErr
	}
	return nil
}

// rejectEntry marks art as Error for a trigger the entry guard refuses.
func rejectEntry(art *datatypes.Artifact, key datatypes.Key, attempt int, now time.Time) error {
	guardErr := fmt.Errorf("%w: %s is %s", ErrInvalidTransition, key, art.Status)
	art.AppendLog(now, datatypes.LogError, attempt, fmt.Sprintf("generation triggered while %s", art.Status))
	art.Status = datatypes.StatusError
	return guardErr
}

func (m *Machine) guardFailed(key datatypes.Key, guardErr error) {
	m.logger.Error("generation: entry guard failed",
		slog.String("kind", string(key.Kind)),
		slog.String("id", key.ID),
		slog.String("error", guardErr.Error()))
	m.observeTerminal(key.Kind, datatypes.StatusError)
}

func entryAllowed(kind datatypes.Kind, status datatypes.Status, attempt int) bool {
	if status == datatypes.StatusDefined {
		return true
	}
	return attempt == 1 && kind == datatypes.KindAnalysis && status == datatypes.StatusScheduled
}

// fail reverts the item to Defined and logs the failed attempt. If a stop
// was requested meanwhile the item is left Stopping and stopped is true.
func (m *Machine) fail(ctx context.Context, key datatypes.Key, attempt, remaining int, cause error) (stopped bool, err error) {
	// The revert must land even when ctx was cancelled mid-attempt.
	wctx := context.WithoutCancel(ctx)
	err = m.store.UpdateWithRetry(wctx, commitAttempts, func(sess *store.Session) error {
		stopped = false
		art, err := store.Load[datatypes.Artifact](sess, key.Kind, key.ID)
		if err != nil {
			return err
		}
		if art.Status == datatypes.StatusStopping {
			stopped = true
			return nil
		}
		art.Status = datatypes.StatusDefined
		art.AppendLog(m.now(), datatypes.LogFailed, attempt,
			fmt.Sprintf("attempt %d failed, %d retries left: %v", attempt, remaining, cause))
		return sess.Put(key.Kind, key.ID, art)
	})
	if err == nil && !stopped {
		m.logger.Warn("generation: attempt failed",
			slog.String("kind", string(key.Kind)),
			slog.String("id", key.ID),
			slog.Int("attempt", attempt),
			slog.Int("remaining", remaining),
			slog.String("error", cause.Error()))
	}
	return stopped, err
}

// finish writes the terminal status. Completed clears the payload. A
// completion observed while Stopping settles on Stopped. Completed and
// Error write a notification task in the same transaction; a completed
// network also promotes scheduled analyses that were waiting on it.
func (m *Machine) finish(ctx context.Context, key datatypes.Key, status datatypes.Status, msg string) (datatypes.Status, error) {
	return m.settle(ctx, key, status, msg, false)
}

// settle is finish with an optional entry guard, used when an item is
// failed before any attempt began.
func (m *Machine) settle(ctx context.Context, key datatypes.Key, requested datatypes.Status, note string, guarded bool) (datatypes.Status, error) {
	wctx := context.WithoutCancel(ctx)
	var (
		staged   []datatypes.BackgroundTask
		status   datatypes.Status
		guardErr error
	)
	err := m.store.UpdateWithRetry(wctx, commitAttempts, func(sess *store.Session) error {
		staged, guardErr = staged[:0], nil
		status = requested
		msg := note
		art, err := store.Load[datatypes.Artifact](sess, key.Kind, key.ID)
		if err != nil {
			return err
		}
		now := m.now()
		if guarded && !entryAllowed(key.Kind, art.Status, 1) {
			status = datatypes.StatusError
			guardErr = rejectEntry(&art, key, 1, now)
			return sess.Put(key.Kind, key.ID, art)
		}
		if status == datatypes.StatusCompleted && art.Status == datatypes.StatusStopping {
			status, msg = datatypes.StatusStopped, "generation stopped on request"
		}
		art.Status = status
		art.AppendLog(now, terminalEvent(status), 0, msg)
		if status == datatypes.StatusCompleted {
			art.Payload = nil
		}
		if err := sess.Put(key.Kind, key.ID, art); err != nil {
			return err
		}
		if m.outbox == nil {
			return nil
		}
		if status == datatypes.StatusCompleted || status == datatypes.StatusError {
			task, err := jobs.Stage(sess, jobs.NotifyCompletion,
				jobs.CompletionPayload{Kind: key.Kind, ID: key.ID, Status: status}, now)
			if err != nil {
				return err
			}
			staged = append(staged, task)
		}
		if status == datatypes.StatusCompleted && key.Kind == datatypes.KindNetwork {
			ready, err := readyAnalyses(sess, key.ID)
			if err != nil {
				return err
			}
			if len(ready) > 0 {
				task, err := jobs.Stage(sess, jobs.GenerateAnalysis, jobs.IDsPayload{IDs: ready}, now)
				if err != nil {
					return err
				}
				staged = append(staged, task)
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("persist %s for %s: %w", requested, key, err)
	}
	if guardErr != nil {
		m.guardFailed(key, guardErr)
		return datatypes.StatusError, guardErr
	}

	m.observeTerminal(key.Kind, status)
	m.logger.Info("generation: finished",
		slog.String("kind", string(key.Kind)),
		slog.String("id", key.ID),
		slog.String("status", string(status)))

	if len(staged) > 0 {
		if err := m.outbox.Submit(wctx, staged...); err != nil {
			// Rows stay unsubmitted and are picked up by reconciliation.
			m.logger.Warn("generation: follow-on submission deferred",
				slog.String("id", key.ID),
				slog.String("error", err.Error()))
		}
	}
	return status, nil
}

func terminalEvent(s datatypes.Status) datatypes.LogEvent {
	switch s {
	case datatypes.StatusCompleted:
		return datatypes.LogCompleted
	case datatypes.StatusStopped:
		return datatypes.LogStopped
	default:
		return datatypes.LogError
	}
}

// readyAnalyses returns the Scheduled analyses over networkID whose
// networks are all completed.
func readyAnalyses(sess *store.Session, networkID string) ([]string, error) {
	refs, err := sess.Referrers(datatypes.Key{Kind: datatypes.KindNetwork, ID: networkID}, datatypes.KindAnalysis)
	if err != nil {
		return nil, err
	}
	var ready []string
	for _, ref := range refs {
		if ref.Relation != datatypes.RelNetworks {
			continue
		}
		an, err := store.Load[datatypes.Artifact](sess, datatypes.KindAnalysis, ref.Owner.ID)
		if err != nil {
			return nil, err
		}
		if an.Status != datatypes.StatusScheduled {
			continue
		}
		nets, err := sess.LinkedIDs(ref.Owner, datatypes.RelNetworks)
		if err != nil {
			return nil, err
		}
		ok, err := networksCompleted(sess, nets)
		if err != nil {
			return nil, err
		}
		if ok {
			ready = append(ready, ref.Owner.ID)
		}
	}
	return ready, nil
}

// Schedule queues Defined items for generation through the outbox. Items in
// any other status are refused since the entry guard would fail them.
func (m *Machine) Schedule(ctx context.Context, kind datatypes.Kind, ids []string) error {
	if !kind.IsArtifact() {
		return fmt.Errorf("%w: %s is not generated", ErrInvalidTransition, kind)
	}
	if m.outbox == nil {
		return errors.New("generation: no job queue configured")
	}
	name := jobs.GenerateNetwork
	if kind == datatypes.KindAnalysis {
		name = jobs.GenerateAnalysis
	}
	var task datatypes.BackgroundTask
	err := m.store.UpdateWithRetry(ctx, commitAttempts, func(sess *store.Session) error {
		arts, err := store.LoadMany[datatypes.Artifact](sess, kind, ids)
		if err != nil {
			return err
		}
		for _, id := range ids {
			art, ok := arts[id]
			if !ok {
				return fmt.Errorf("%w: %s %q", datatypes.ErrItemNotFound, kind, id)
			}
			if art.Status != datatypes.StatusDefined {
				return fmt.Errorf("%w: cannot generate %s %q while %s", ErrInvalidTransition, kind, id, art.Status)
			}
		}
		task, err = jobs.Stage(sess, name, jobs.IDsPayload{IDs: ids}, m.now())
		return err
	})
	if err != nil {
		return err
	}
	return m.outbox.Submit(ctx, task)
}

// RequestStop moves a Generating item to Stopping. The running computation
// observes the request through its StopSignal.
func (m *Machine) RequestStop(ctx context.Context, kind datatypes.Kind, id string) error {
	if !kind.IsArtifact() {
		return fmt.Errorf("%w: %s cannot be stopped", ErrInvalidTransition, kind)
	}
	return m.store.UpdateWithRetry(ctx, commitAttempts, func(sess *store.Session) error {
		art, err := store.Load[datatypes.Artifact](sess, kind, id)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s %q", datatypes.ErrItemNotFound, kind, id)
		}
		if err != nil {
			return err
		}
		if art.Status != datatypes.StatusGenerating {
			return fmt.Errorf("%w: cannot stop %s %q while %s", ErrInvalidTransition, kind, id, art.Status)
		}
		art.Status = datatypes.StatusStopping
		return sess.Put(kind, id, art)
	})
}

func (m *Machine) observeAttempt(kind datatypes.Kind, alg datatypes.Algorithm, outcome string, d time.Duration) {
	if m.observer != nil {
		m.observer.ObserveAttempt(kind, alg, outcome, d)
	}
}

func (m *Machine) observeTerminal(kind datatypes.Kind, status datatypes.Status) {
	if m.observer != nil {
		m.observer.ObserveTerminal(kind, status)
	}
}

// persistedStop reads the stored status at every check.
type persistedStop struct {
	store *store.Store
	key   datatypes.Key
}

func (s *persistedStop) StopRequested(ctx context.Context) bool {
	var stopping bool
	_ = s.store.View(context.WithoutCancel(ctx), func(sess *store.Session) error {
		art, err := store.Load[datatypes.Artifact](sess, s.key.Kind, s.key.ID)
		if err != nil {
			return err
		}
		stopping = art.Status == datatypes.StatusStopping
		return nil
	})
	return stopping
}
