// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cascade computes and applies dependent-first deletions.
//
// The dependency graph between entity kinds is a small fixed DAG, so the set
// of entities that must go with a condemned set is computed as a fixpoint
// over the reverse link index rather than by walking the instance graph.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/netcontrol/services/engine/datatypes"
	"github.com/AleutianAI/netcontrol/services/engine/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrUnknownReferrer is returned when a referrer's kind has no place in the
// deletion order.
var ErrUnknownReferrer = errors.New("referrer kind not covered by deletion order")

// ErrTooLarge is returned by Delete when a cascade does not fit in one
// store transaction.
var ErrTooLarge = errors.New("cascade too large for one transaction")

// References lists, per referrer kind, the kinds it may reference.
var References = map[datatypes.Kind][]datatypes.Kind{
	datatypes.KindField:      {datatypes.KindSource},
	datatypes.KindNode:       {datatypes.KindSource, datatypes.KindField},
	datatypes.KindEdge:       {datatypes.KindSource, datatypes.KindField, datatypes.KindNode},
	datatypes.KindCollection: {datatypes.KindSource, datatypes.KindNode, datatypes.KindEdge},
	datatypes.KindNetwork:    {datatypes.KindSource, datatypes.KindCollection, datatypes.KindNode, datatypes.KindEdge},
	datatypes.KindAnalysis:   {datatypes.KindNetwork, datatypes.KindSource, datatypes.KindCollection, datatypes.KindNode, datatypes.KindEdge},
	datatypes.KindMembership: {datatypes.KindSource, datatypes.KindNetwork, datatypes.KindAnalysis},
}

// DeletionOrder lists kinds deepest dependent first. Deleting in this order
// never leaves a link pointing at a deleted entity.
var DeletionOrder = []datatypes.Kind{
	datatypes.KindMembership,
	datatypes.KindAnalysis,
	datatypes.KindNetwork,
	datatypes.KindCollection,
	datatypes.KindEdge,
	datatypes.KindNode,
	datatypes.KindField,
	datatypes.KindSource,
}

var orderIndex = func() map[datatypes.Kind]int {
	m := make(map[datatypes.Kind]int, len(DeletionOrder))
	for i, k := range DeletionOrder {
		m[k] = i
	}
	return m
}()

func refersTo(owner, target datatypes.Kind) bool {
	for _, k := range References[owner] {
		if k == target {
			return true
		}
	}
	return false
}

// Plan is a condemned entity set grouped by kind.
type Plan struct {
	layers map[datatypes.Kind][]string
	member map[datatypes.Key]bool
}

func newPlan() *Plan {
	return &Plan{
		layers: make(map[datatypes.Kind][]string),
		member: make(map[datatypes.Key]bool),
	}
}

func (p *Plan) add(key datatypes.Key) bool {
	if p.member[key] {
		return false
	}
	p.member[key] = true
	p.layers[key.Kind] = append(p.layers[key.Kind], key.ID)
	return true
}

// Contains reports whether key is condemned.
func (p *Plan) Contains(key datatypes.Key) bool { return p.member[key] }

// Len is the number of condemned entities.
func (p *Plan) Len() int { return len(p.member) }

// IDs returns the condemned identifiers of one kind.
func (p *Plan) IDs(kind datatypes.Kind) []string { return p.layers[kind] }

// Ordered returns every condemned key in deletion order.
func (p *Plan) Ordered() []datatypes.Key {
	out := make([]datatypes.Key, 0, len(p.member))
	for _, kind := range DeletionOrder {
		for _, id := range p.layers[kind] {
			out = append(out, datatypes.Key{Kind: kind, ID: id})
		}
	}
	return out
}

// Resolver computes and applies cascades.
type Resolver struct {
	logger   *slog.Logger
	tracer   trace.Tracer
	observer Observer

	// beforeDelete, when set, runs before each entity is deleted.
	beforeDelete func(datatypes.Key) error
}

// Observer receives cascade measurements. Implemented by the metrics
// package; nil disables reporting.
type Observer interface {
	ObserveCascade(deleted map[datatypes.Kind]int, duration time.Duration, err error)
}

// NewResolver creates a resolver. observer may be nil.
func NewResolver(logger *slog.Logger, observer Observer) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		logger:   logger,
		tracer:   otel.Tracer("netcontrol.cascade"),
		observer: observer,
	}
}

// Closure returns the roots that exist plus every entity depending on them,
// directly or transitively.
//
// # Description
//
// Each pass looks up, through the reverse link index, the entities that
// refer to anything condemned by the previous pass and condemns them too.
// Passes repeat until one adds nothing. Roots that do not exist are ignored.
func (r *Resolver) Closure(sess *store.Session, roots []datatypes.Key) (*Plan, error) {
	plan := newPlan()
	for _, root := range roots {
		if _, ok := orderIndex[root.Kind]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownReferrer, root.Kind)
		}
		ok, err := sess.Exists(root.Kind, root.ID)
		if err != nil {
			return nil, fmt.Errorf("check root %s: %w", root, err)
		}
		if ok {
			plan.add(root)
		}
	}

	frontier := plan.Ordered()
	for len(frontier) > 0 {
		var next []datatypes.Key
		for _, key := range frontier {
			refs, err := sess.Referrers(key, "")
			if err != nil {
				return nil, fmt.Errorf("referrers of %s: %w", key, err)
			}
			for _, ref := range refs {
				if !refersTo(ref.Owner.Kind, key.Kind) {
					return nil, fmt.Errorf("%w: %s references %s", ErrUnknownReferrer, ref.Owner, key)
				}
				if plan.add(ref.Owner) {
					next = append(next, ref.Owner)
				}
			}
		}
		frontier = next
	}
	return plan, nil
}

// Invalidation returns the derived artifacts made stale by an edit of
// roots, plus their memberships and dependent analyses. The roots
// themselves and non-artifact dependents are not part of the plan.
func (r *Resolver) Invalidation(sess *store.Session, roots []datatypes.Key) (*Plan, error) {
	full, err := r.Closure(sess, roots)
	if err != nil {
		return nil, err
	}
	isRoot := make(map[datatypes.Key]bool, len(roots))
	for _, k := range roots {
		isRoot[k] = true
	}
	var stale []datatypes.Key
	for _, kind := range []datatypes.Kind{datatypes.KindNetwork, datatypes.KindAnalysis} {
		for _, id := range full.IDs(kind) {
			key := datatypes.Key{Kind: kind, ID: id}
			if !isRoot[key] {
				stale = append(stale, key)
			}
		}
	}
	if len(stale) == 0 {
		return newPlan(), nil
	}
	return r.Closure(sess, stale)
}

// Apply deletes every entity in the plan in deletion order, each with all
// the links it owns.
func (r *Resolver) Apply(sess *store.Session, plan *Plan) error {
	for _, key := range plan.Ordered() {
		if r.beforeDelete != nil {
			if err := r.beforeDelete(key); err != nil {
				return fmt.Errorf("cascade delete %s: %w", key, err)
			}
		}
		if err := sess.DeleteEntity(key); err != nil {
			return fmt.Errorf("cascade delete %s: %w", key, err)
		}
	}
	return nil
}

// Delete condemns roots and everything depending on them and removes the
// lot in one transaction: either the whole closure is gone or nothing is.
//
// # Outputs
//
//   - *Plan: The deleted entities.
//   - error: ErrTooLarge (wrapping the store error) when the closure
//     outgrows one transaction, in which case fewer roots per call are
//     needed. Other failures are returned unmodified. Nothing is deleted on
//     error.
func (r *Resolver) Delete(ctx context.Context, st *store.Store, roots []datatypes.Key) (*Plan, error) {
	plan, err := r.run(ctx, "cascade.Delete", roots, func(fn func(*store.Session) error) error {
		return st.Update(ctx, fn)
	})
	if errors.Is(err, store.ErrTooLarge) {
		return nil, fmt.Errorf("%w: %d roots, retry with fewer per chunk: %w", ErrTooLarge, len(roots), err)
	}
	return plan, err
}

// Purge is Delete for maintenance sweeps. When the pending writes outgrow
// one badger transaction they are committed and a new transaction
// continues. Since deletions run deepest dependent first, every committed
// prefix is referentially consistent, and a later sweep finishes what a
// failed one left behind.
func (r *Resolver) Purge(ctx context.Context, st *store.Store, roots []datatypes.Key) (*Plan, error) {
	return r.run(ctx, "cascade.Purge", roots, func(fn func(*store.Session) error) error {
		return st.UpdateSplittable(ctx, fn)
	})
}

func (r *Resolver) run(ctx context.Context, name string, roots []datatypes.Key, update func(func(*store.Session) error) error) (*Plan, error) {
	_, span := r.tracer.Start(ctx, name,
		trace.WithAttributes(attribute.Int("cascade.roots", len(roots))))
	defer span.End()

	start := time.Now()
	var plan *Plan
	err := update(func(sess *store.Session) error {
		var err error
		plan, err = r.Closure(sess, roots)
		if err != nil {
			return err
		}
		return r.Apply(sess, plan)
	})
	r.report(plan, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("cascade: delete failed",
			slog.String("op", name),
			slog.Int("roots", len(roots)),
			slog.String("error", err.Error()))
		return nil, err
	}
	span.SetAttributes(attribute.Int("cascade.deleted", plan.Len()))
	r.logger.Debug("cascade: deleted",
		slog.String("op", name),
		slog.Int("roots", len(roots)),
		slog.Int("deleted", plan.Len()))
	return plan, nil
}

func (r *Resolver) report(plan *Plan, d time.Duration, err error) {
	if r.observer == nil {
		return
	}
	counts := make(map[datatypes.Kind]int)
	if plan != nil && err == nil {
		for kind, ids := range plan.layers {
			counts[kind] = len(ids)
		}
	}
	r.observer.ObserveCascade(counts, d, err)
}
