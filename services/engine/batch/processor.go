// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package batch implements chunked, validated bulk mutation of entities.
//
// # Description
//
// A mutation request is an ordered slice of structurally identical input
// records. The Processor splits it into chunks and runs each chunk through
// the identity guard and the reference resolver before persisting it.
//
// Requests are all-or-nothing with respect to validation: a first pass
// validates every chunk in read-only sessions, and only when all of them
// pass does a second pass re-validate and commit each chunk in its own
// read-write session. Re-validation in the commit pass catches changes made
// by concurrent requests since the first pass.
//
// Deletions and edits that make derived data stale go through the cascade
// resolver before anything is written.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/AleutianAI/netcontrol/services/engine/cascade"
	"github.com/AleutianAI/netcontrol/services/engine/datatypes"
	"github.com/AleutianAI/netcontrol/services/engine/jobs"
	"github.com/AleutianAI/netcontrol/services/engine/store"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Op names a mutation operation.
type Op string

const (
	OpCreate Op = "create"
	OpEdit   Op = "edit"
	OpDelete Op = "delete"
)

// DefaultRetention is how long a new network or analysis is kept before
// the expiry sweep may remove it.
const DefaultRetention = 30 * 24 * time.Hour

// Config configures the Processor.
type Config struct {
	ChunkSize int           `yaml:"chunk_size"`
	Retention time.Duration `yaml:"retention"`
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	return c
}

// StatusAssigner supplies the initial status of new artifacts. Statuses are
// owned by the generation state machine; input records never carry one.
type StatusAssigner interface {
	InitialStatus(sess *store.Session, kind datatypes.Kind, networkIDs []string) (datatypes.Status, error)
}

// Observer receives batch measurements. nil disables reporting.
type Observer interface {
	ObserveBatch(kind datatypes.Kind, op string, written, skipped, chunks int, d time.Duration, err error)
}

// Result describes a completed mutation request.
type Result struct {
	Kind      datatypes.Kind  `json:"kind"`
	Op        Op              `json:"op"`
	Written   []string        `json:"written,omitempty"`
	Skipped   []string        `json:"skipped,omitempty"`
	Deleted   []datatypes.Key `json:"deleted,omitempty"`
	Chunks    int             `json:"chunks"`
	Cancelled bool            `json:"cancelled,omitempty"`
}

// Processor runs mutation requests.
type Processor struct {
	store    *store.Store
	cascade  *cascade.Resolver
	status   StatusAssigner
	outbox   *jobs.Outbox
	cfg      Config
	logger   *slog.Logger
	observer Observer
	tracer   trace.Tracer
	now      func() time.Time
}

// NewProcessor creates a processor. outbox may be nil, in which case new
// artifacts are not queued for generation.
func NewProcessor(st *store.Store, cr *cascade.Resolver, status StatusAssigner, outbox *jobs.Outbox, cfg Config, logger *slog.Logger, observer Observer) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:    st,
		cascade:  cr,
		status:   status,
		outbox:   outbox,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		observer: observer,
		tracer:   otel.Tracer("netcontrol.batch"),
		now:      time.Now,
	}
}

// plan is one validated item ready to be written.
type plan struct {
	key      datatypes.Key
	record   any
	links    []store.Link
	artifact bool
	members  []string
	generate bool
	indexes  [][2]string
}

func (pl *plan) link(rel datatypes.Relation, target datatypes.Key, value string) {
	pl.links = append(pl.links, store.Link{Owner: pl.key, Relation: rel, Target: target, Value: value})
}

// chunkState is the per-chunk context shared by an entity family's hooks.
type chunkState struct {
	sess     *store.Session
	res      *Resolver
	op       Op
	now      time.Time
	status   StatusAssigner
	records  map[string][]byte
	names    map[string]string
	cfg      Config
	emailIDs map[string]string
}

// createdAt keeps the creation time of an edited record.
func (cs *chunkState) createdAt(id string) time.Time {
	if raw, ok := cs.records[id]; ok {
		var rec struct {
			CreatedAt time.Time `json:"created_at"`
		}
		if json.Unmarshal(raw, &rec) == nil && !rec.CreatedAt.IsZero() {
			return rec.CreatedAt
		}
	}
	return cs.now
}

// family binds one entity kind to the generic chunk pipeline.
type family[T any] struct {
	kind     datatypes.Kind
	id       func(*T) string
	validate func(*T) error
	want     func(*Resolver, *T)
	prepare  func(*chunkState, []T) error
	build    func(*chunkState, *T, string) (*plan, error)
	after    func(*chunkState, []*plan) error
}

type chunkOutcome struct {
	written []string
	skipped []string
	deleted []datatypes.Key
	tasks   []datatypes.BackgroundTask
}

// run executes a create or edit request in two passes.
func run[T any](ctx context.Context, p *Processor, sp family[T], op Op, items []T) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, "batch."+string(op),
		trace.WithAttributes(
			attribute.String("batch.kind", string(sp.kind)),
			attribute.Int("batch.items", len(items))))
	defer span.End()

	start := time.Now()
	res := &Result{Kind: sp.kind, Op: op}
	items = slices.Clone(items)
	err := twoPass(ctx, p, sp, op, items, res)
	p.observe(res, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Warn("batch.processor: request failed",
			slog.String("kind", string(sp.kind)),
			slog.String("op", string(op)),
			slog.Int("items", len(items)),
			slog.Int("committed_chunks", res.Chunks),
			slog.String("error", err.Error()))
		return nil, err
	}
	p.logger.Info("batch.processor: request done",
		slog.String("kind", string(sp.kind)),
		slog.String("op", string(op)),
		slog.Int("written", len(res.Written)),
		slog.Int("skipped", len(res.Skipped)),
		slog.Int("invalidated", len(res.Deleted)),
		slog.Bool("cancelled", res.Cancelled))
	return res, nil
}

func twoPass[T any](ctx context.Context, p *Processor, sp family[T], op Op, items []T, res *Result) error {
	multi := len(items) > 1
	size := p.cfg.ChunkSize

	_, cancelled, err := Chunk(ctx, items, size, func(ctx context.Context, _ int, chunk []T) error {
		return p.store.View(ctx, func(sess *store.Session) error {
			_, err := processChunk(p, sess, sp, op, chunk, multi, false)
			return err
		})
	})
	if cancelled || isCancellation(ctx, err) {
		res.Cancelled = true
		return nil
	}
	if err != nil {
		return err
	}

	n, cancelled, err := Chunk(ctx, items, size, func(ctx context.Context, _ int, chunk []T) error {
		var out *chunkOutcome
		err := p.store.Update(ctx, func(sess *store.Session) error {
			var err error
			out, err = processChunk(p, sess, sp, op, chunk, multi, true)
			return err
		})
		if err != nil {
			return err
		}
		res.Written = append(res.Written, out.written...)
		res.Skipped = append(res.Skipped, out.skipped...)
		res.Deleted = append(res.Deleted, out.deleted...)
		p.submit(ctx, out.tasks)
		return nil
	})
	res.Chunks = n
	if cancelled || isCancellation(ctx, err) {
		res.Cancelled = true
		return nil
	}
	return err
}

// isCancellation reports whether err only reflects ctx being done between
// the chunk-boundary check and the session start.
func isCancellation(ctx context.Context, err error) bool {
	return err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err())
}

func processChunk[T any](p *Processor, sess *store.Session, sp family[T], op Op, chunk []T, multi, commit bool) (*chunkOutcome, error) {
	for i := range chunk {
		if err := sp.validate(&chunk[i]); err != nil {
			return nil, itemError(sp.kind, sp.id(&chunk[i]), &chunk[i], multi, inputError(err))
		}
	}

	ids := make([]string, len(chunk))
	for i := range chunk {
		ids[i] = sp.id(&chunk[i])
	}
	guard, err := GuardIdentifiers(sess, sp.kind, ids)
	if err != nil {
		var ve *datatypes.ValidationError
		if errors.As(err, &ve) {
			for i := range chunk {
				if ids[i] == ve.ItemID {
					return nil, itemError(sp.kind, ids[i], &chunk[i], multi, ve)
				}
			}
		}
		return nil, err
	}

	if op == OpEdit {
		for i := range chunk {
			if ids[i] == "" || !guard.Existing[ids[i]] {
				return nil, itemError(sp.kind, ids[i], &chunk[i], multi, &datatypes.ValidationError{
					Kind: sp.kind, ItemID: ids[i], Err: datatypes.ErrItemNotFound,
				})
			}
		}
	}

	r := NewResolver()
	for i := range chunk {
		sp.want(r, &chunk[i])
	}
	if err := r.Fetch(sess); err != nil {
		return nil, err
	}

	cs := &chunkState{
		sess:    sess,
		res:     r,
		op:      op,
		now:     p.now(),
		status:  p.status,
		records: guard.Records,
		cfg:     p.cfg,
	}
	if sp.prepare != nil {
		if err := sp.prepare(cs, chunk); err != nil {
			return nil, err
		}
	}

	out := &chunkOutcome{}
	plans := make([]*plan, 0, len(chunk))
	for i := range chunk {
		id := ids[i]
		if op == OpCreate && guard.Skip(id) {
			out.skipped = append(out.skipped, id)
			continue
		}
		if id == "" {
			id = uuid.NewString()
		}
		pl, err := sp.build(cs, &chunk[i], id)
		if err != nil {
			return nil, itemError(sp.kind, id, &chunk[i], multi, err)
		}
		plans = append(plans, pl)
	}

	if !commit {
		return out, nil
	}

	if op == OpEdit && len(plans) > 0 {
		roots := make([]datatypes.Key, len(plans))
		for i, pl := range plans {
			roots[i] = pl.key
		}
		stale, err := p.cascade.Invalidation(sess, roots)
		if err != nil {
			return nil, err
		}
		if err := p.cascade.Apply(sess, stale); err != nil {
			return nil, err
		}
		out.deleted = stale.Ordered()
		for _, pl := range plans {
			if err := sess.UnlinkAll(pl.key); err != nil {
				return nil, err
			}
		}
	}

	generate := make(map[datatypes.Kind][]string)
	for _, pl := range plans {
		if err := write(sess, pl, cs.now); err != nil {
			return nil, err
		}
		out.written = append(out.written, pl.key.ID)
		if pl.generate {
			generate[pl.key.Kind] = append(generate[pl.key.Kind], pl.key.ID)
		}
	}
	if sp.after != nil {
		if err := sp.after(cs, plans); err != nil {
			return nil, err
		}
	}

	if p.outbox != nil {
		for kind, ids := range generate {
			name := jobs.GenerateNetwork
			if kind == datatypes.KindAnalysis {
				name = jobs.GenerateAnalysis
			}
			task, err := jobs.Stage(sess, name, jobs.IDsPayload{IDs: ids}, cs.now)
			if err != nil {
				return nil, err
			}
			out.tasks = append(out.tasks, task)
		}
	}
	return out, nil
}

func write(sess *store.Session, pl *plan, now time.Time) error {
	if err := sess.Put(pl.key.Kind, pl.key.ID, pl.record); err != nil {
		return err
	}
	for _, l := range pl.links {
		if err := sess.Link(pl.key, l.Relation, l.Target, l.Value); err != nil {
			return err
		}
	}
	for _, ix := range pl.indexes {
		if err := sess.PutIndex(ix[0], ix[1], pl.key.ID); err != nil {
			return err
		}
	}
	if pl.artifact {
		if err := sess.Touch(pl.key, now); err != nil {
			return err
		}
		return syncMembers(sess, pl.key, pl.members, now)
	}
	return nil
}

// Delete removes the listed entities and everything depending on them.
// Unknown identifiers are ignored. Each chunk is one cascade committed in
// one transaction; chunks committed before a failure stay committed. A
// chunk whose cascade outgrows a transaction fails with cascade.ErrTooLarge
// and a smaller ChunkSize is needed.
func (p *Processor) Delete(ctx context.Context, kind datatypes.Kind, ids []string) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, "batch.delete",
		trace.WithAttributes(
			attribute.String("batch.kind", string(kind)),
			attribute.Int("batch.items", len(ids))))
	defer span.End()

	start := time.Now()
	res := &Result{Kind: kind, Op: OpDelete}
	n, cancelled, err := Chunk(ctx, ids, p.cfg.ChunkSize, func(ctx context.Context, _ int, chunk []string) error {
		roots := make([]datatypes.Key, len(chunk))
		for i, id := range chunk {
			roots[i] = datatypes.Key{Kind: kind, ID: id}
		}
		plan, err := p.cascade.Delete(ctx, p.store, roots)
		if err != nil {
			return err
		}
		res.Deleted = append(res.Deleted, plan.Ordered()...)
		for _, id := range plan.IDs(kind) {
			res.Written = append(res.Written, id)
		}
		return nil
	})
	res.Chunks = n
	res.Cancelled = cancelled || isCancellation(ctx, err)
	if res.Cancelled {
		err = nil
	}
	p.observe(res, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Error("batch.processor: delete failed",
			slog.String("kind", string(kind)),
			slog.Int("committed_chunks", n),
			slog.String("error", err.Error()))
		return nil, err
	}
	p.logger.Info("batch.processor: delete done",
		slog.String("kind", string(kind)),
		slog.Int("deleted", len(res.Deleted)),
		slog.Bool("cancelled", res.Cancelled))
	return res, nil
}

func (p *Processor) submit(ctx context.Context, tasks []datatypes.BackgroundTask) {
	if p.outbox == nil || len(tasks) == 0 {
		return
	}
	if err := p.outbox.Submit(context.WithoutCancel(ctx), tasks...); err != nil {
		p.logger.Warn("batch.processor: generation submission deferred", slog.String("error", err.Error()))
	}
}

func (p *Processor) observe(res *Result, d time.Duration, err error) {
	if p.observer == nil {
		return
	}
	p.observer.ObserveBatch(res.Kind, string(res.Op), len(res.Written), len(res.Skipped), res.Chunks, d, err)
}

// inputError classifies an error from an input's Validate method.
func inputError(err error) error {
	var ve *datatypes.ValidationError
	if errors.As(err, &ve) {
		return ve
	}
	if errors.Is(err, datatypes.ErrInvalidAlgorithm) {
		return &datatypes.ValidationError{Err: datatypes.ErrInvalidAlgorithm}
	}
	return &datatypes.ValidationError{Err: datatypes.ErrInvalidInput, Reason: err.Error()}
}

// itemError completes a validation error with the item identity, and with
// the item's content when the request holds more than one item. Other
// errors pass through unmodified.
func itemError(kind datatypes.Kind, id string, item any, multi bool, err error) error {
	var ve *datatypes.ValidationError
	if !errors.As(err, &ve) {
		return err
	}
	if ve.Kind == "" {
		ve.Kind = kind
	}
	if ve.ItemID == "" {
		ve.ItemID = id
	}
	if multi && ve.Item == "" {
		if raw, err := json.Marshal(item); err == nil {
			ve.Item = string(raw)
		}
	}
	return ve
}
