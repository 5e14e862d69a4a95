// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ttl runs periodic maintenance over stored entities.
//
// # Description
//
// A maintenance cycle extends the retention of recently used artifacts,
// deletes expired artifacts, removes orphaned ad-hoc data and stale
// invitations, and resubmits background tasks that never reached the job
// queue. Every deletion goes through the cascade resolver and is written to
// the audit log.
package ttl

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/AleutianAI/netcontrol/services/engine/batch"
	"github.com/AleutianAI/netcontrol/services/engine/cascade"
	"github.com/AleutianAI/netcontrol/services/engine/datatypes"
	"github.com/AleutianAI/netcontrol/services/engine/jobs"
	"github.com/AleutianAI/netcontrol/services/engine/store"
)

// Sweep names, used in audit records and metrics.
const (
	SweepExtend      = "extend"
	SweepExpired     = "expired"
	SweepOrphans     = "orphans"
	SweepInvitations = "invitations"
	SweepOutbox      = "outbox"
)

// Config configures maintenance.
type Config struct {
	Interval      time.Duration `yaml:"interval"`
	Retention     time.Duration `yaml:"retention"`
	ExtendWindow  time.Duration `yaml:"extend_window"`
	InvitationTTL time.Duration `yaml:"invitation_ttl"`
	OutboxGrace   time.Duration `yaml:"outbox_grace"`
	BatchSize     int           `yaml:"batch_size"`
	AuditLogPath  string        `yaml:"audit_log_path"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:      time.Hour,
		Retention:     batch.DefaultRetention,
		ExtendWindow:  7 * 24 * time.Hour,
		InvitationTTL: 14 * 24 * time.Hour,
		OutboxGrace:   time.Minute,
		BatchSize:     batch.DefaultChunkSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.ExtendWindow <= 0 {
		c.ExtendWindow = d.ExtendWindow
	}
	if c.InvitationTTL <= 0 {
		c.InvitationTTL = d.InvitationTTL
	}
	if c.OutboxGrace <= 0 {
		c.OutboxGrace = d.OutboxGrace
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	return c
}

// Observer receives sweep outcomes. nil disables reporting.
type Observer interface {
	ObserveSweep(sweep string, affected int, err error)
}

// Sweeper implements the individual maintenance sweeps.
type Sweeper struct {
	store    *store.Store
	cascade  *cascade.Resolver
	outbox   *jobs.Outbox
	cfg      Config
	audit    Auditor
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

// NewSweeper creates a sweeper. audit may be nil, in which case deletions
// are only written to the process log. outbox may be nil, which disables
// outbox reconciliation.
func NewSweeper(st *store.Store, cr *cascade.Resolver, outbox *jobs.Outbox, cfg Config, audit Auditor, logger *slog.Logger, observer Observer) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if audit == nil {
		audit = slogAuditor{logger: logger}
	}
	return &Sweeper{
		store:    st,
		cascade:  cr,
		outbox:   outbox,
		cfg:      cfg.withDefaults(),
		audit:    audit,
		logger:   logger,
		observer: observer,
		now:      time.Now,
	}
}

var artifactKinds = []datatypes.Kind{datatypes.KindNetwork, datatypes.KindAnalysis}

// Extend pushes back the deletion date of artifacts that are close to
// expiry and were accessed within the extension window. Each artifact is
// rewritten in its own transaction so a concurrent status change is never
// overwritten.
func (s *Sweeper) Extend(ctx context.Context) (int, error) {
	now := s.now()
	var due []datatypes.Key
	err := s.store.View(ctx, func(sess *store.Session) error {
		for _, kind := range artifactKinds {
			arts, err := store.LoadAll[datatypes.Artifact](sess, kind)
			if err != nil {
				return err
			}
			for _, art := range arts {
				ok, err := s.extendable(sess, art, now)
				if err != nil {
					return err
				}
				if ok {
					due = append(due, datatypes.Key{Kind: kind, ID: art.ID})
				}
			}
		}
		return nil
	})

	extended := 0
	for _, key := range due {
		if err != nil {
			break
		}
		var changed bool
		err = s.store.UpdateWithRetry(ctx, 3, func(sess *store.Session) error {
			changed = false
			art, err := store.Load[datatypes.Artifact](sess, key.Kind, key.ID)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			ok, err := s.extendable(sess, art, now)
			if err != nil || !ok {
				return err
			}
			art.DeleteAfter = now.Add(s.cfg.Retention)
			changed = true
			return sess.Put(key.Kind, key.ID, art)
		})
		if err == nil && changed {
			extended++
		}
	}
	s.observe(SweepExtend, extended, err)
	return extended, err
}

func (s *Sweeper) extendable(sess *store.Session, art datatypes.Artifact, now time.Time) (bool, error) {
	windowStart := art.DeleteAfter.Add(-s.cfg.ExtendWindow)
	if now.Before(windowStart) {
		return false, nil
	}
	at, ok, err := sess.AccessedAt(datatypes.Key{Kind: art.Kind, ID: art.ID})
	if err != nil || !ok {
		return false, err
	}
	return !at.Before(windowStart), nil
}

// Demo loads the demo settings row. A missing row means no demo items.
func Demo(sess *store.Session) (datatypes.DemoSettings, error) {
	var demo datatypes.DemoSettings
	err := sess.Get(datatypes.KindSetting, datatypes.DemoSettingID, &demo)
	if errors.Is(err, store.ErrNotFound) {
		return datatypes.DemoSettings{}, nil
	}
	return demo, err
}

// Expired deletes artifacts past their deletion date, except demo items.
func (s *Sweeper) Expired(ctx context.Context) (int, error) {
	now := s.now()
	var roots []datatypes.Key
	err := s.store.View(ctx, func(sess *store.Session) error {
		demo, err := Demo(sess)
		if err != nil {
			return err
		}
		for _, kind := range artifactKinds {
			arts, err := store.LoadAll[datatypes.Artifact](sess, kind)
			if err != nil {
				return err
			}
			for _, art := range arts {
				if art.DeleteAfter.IsZero() || !art.DeleteAfter.Before(now) || demo.Contains(kind, art.ID) {
					continue
				}
				roots = append(roots, datatypes.Key{Kind: kind, ID: art.ID})
			}
		}
		return nil
	})
	if err != nil {
		s.observe(SweepExpired, 0, err)
		return 0, err
	}
	n, err := s.delete(ctx, SweepExpired, roots)
	s.observe(SweepExpired, n, err)
	return n, err
}

// Orphans removes ad-hoc data nothing refers to: elements backed only by
// generic sources, then generic sources.
func (s *Sweeper) Orphans(ctx context.Context) (int, error) {
	total := 0
	elements, err := s.collect(ctx, func(sess *store.Session) ([]datatypes.Key, error) {
		generic, err := genericSources(sess)
		if err != nil {
			return nil, err
		}
		var out []datatypes.Key
		for _, kind := range []datatypes.Kind{datatypes.KindEdge, datatypes.KindNode} {
			ids, err := sess.IDs(kind)
			if err != nil {
				return nil, err
			}
			for _, id := range ids {
				key := datatypes.Key{Kind: kind, ID: id}
				orphan, err := orphanElement(sess, key, generic)
				if err != nil {
					return nil, err
				}
				if orphan {
					out = append(out, key)
				}
			}
		}
		return out, nil
	})
	if err == nil {
		total, err = s.delete(ctx, SweepOrphans, elements)
	}
	if err != nil {
		s.observe(SweepOrphans, total, err)
		return total, err
	}

	sources, err := s.collect(ctx, func(sess *store.Session) ([]datatypes.Key, error) {
		generic, err := genericSources(sess)
		if err != nil {
			return nil, err
		}
		var out []datatypes.Key
		for id := range generic {
			key := datatypes.Key{Kind: datatypes.KindSource, ID: id}
			refs, err := sess.Referrers(key, "")
			if err != nil {
				return nil, err
			}
			if len(refs) == 0 {
				out = append(out, key)
			}
		}
		slices.SortFunc(out, compareKeys)
		return out, nil
	})
	if err == nil {
		var n int
		n, err = s.delete(ctx, SweepOrphans, sources)
		total += n
	}
	s.observe(SweepOrphans, total, err)
	return total, err
}

func genericSources(sess *store.Session) (map[string]bool, error) {
	sources, err := store.LoadAll[datatypes.Source](sess, datatypes.KindSource)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, src := range sources {
		if src.Generic() {
			out[src.ID] = true
		}
	}
	return out, nil
}

// orphanElement reports whether an element is unreferenced and backed by
// generic sources only.
func orphanElement(sess *store.Session, key datatypes.Key, generic map[string]bool) (bool, error) {
	refs, err := sess.Referrers(key, "")
	if err != nil {
		return false, err
	}
	if len(refs) > 0 {
		return false, nil
	}
	sources, err := sess.LinkedIDs(key, datatypes.RelSources)
	if err != nil || len(sources) == 0 {
		return false, err
	}
	for _, id := range sources {
		if !generic[id] {
			return false, nil
		}
	}
	return true, nil
}

// Invitations removes memberships nobody accepted within InvitationTTL. The
// last membership of a non-public network or analysis is kept.
func (s *Sweeper) Invitations(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.InvitationTTL)
	stale, err := s.collect(ctx, func(sess *store.Session) ([]datatypes.Key, error) {
		members, err := store.LoadAll[datatypes.Membership](sess, datatypes.KindMembership)
		if err != nil {
			return nil, err
		}
		byParent := make(map[datatypes.Key][]datatypes.Membership)
		for _, m := range members {
			parent := datatypes.Key{Kind: m.ParentKind, ID: m.ParentID}
			byParent[parent] = append(byParent[parent], m)
		}

		var out []datatypes.Key
		for parent, ms := range byParent {
			var expired []datatypes.Membership
			for _, m := range ms {
				if !m.Resolved() && m.CreatedAt.Before(cutoff) {
					expired = append(expired, m)
				}
			}
			if len(expired) == 0 {
				continue
			}
			if len(expired) == len(ms) && parent.Kind.IsArtifact() {
				private, err := privateArtifact(sess, parent)
				if err != nil {
					return nil, err
				}
				if private {
					slices.SortFunc(expired, func(a, b datatypes.Membership) int { return a.CreatedAt.Compare(b.CreatedAt) })
					expired = expired[:len(expired)-1]
				}
			}
			for _, m := range expired {
				out = append(out, datatypes.Key{Kind: datatypes.KindMembership, ID: m.ID})
			}
		}
		slices.SortFunc(out, compareKeys)
		return out, nil
	})
	n := 0
	if err == nil {
		n, err = s.delete(ctx, SweepInvitations, stale)
	}
	s.observe(SweepInvitations, n, err)
	return n, err
}

func privateArtifact(sess *store.Session, key datatypes.Key) (bool, error) {
	art, err := store.Load[datatypes.Artifact](sess, key.Kind, key.ID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !art.Public, nil
}

// Outbox resubmits background tasks stranded before reaching the queue and
// recurring tasks that are due.
func (s *Sweeper) Outbox(ctx context.Context) (int, error) {
	if s.outbox == nil {
		return 0, nil
	}
	n, err := s.outbox.Reconcile(ctx, s.cfg.OutboxGrace)
	s.observe(SweepOutbox, n, err)
	return n, err
}

func (s *Sweeper) collect(ctx context.Context, fn func(*store.Session) ([]datatypes.Key, error)) ([]datatypes.Key, error) {
	var out []datatypes.Key
	err := s.store.View(ctx, func(sess *store.Session) error {
		var err error
		out, err = fn(sess)
		return err
	})
	return out, err
}

// delete removes roots in chunks through the cascade resolver and audits
// every removed entity. It returns the number of roots actually deleted.
func (s *Sweeper) delete(ctx context.Context, sweep string, roots []datatypes.Key) (int, error) {
	deleted := 0
	_, _, err := batch.Chunk(ctx, roots, s.cfg.BatchSize, func(ctx context.Context, _ int, chunk []datatypes.Key) error {
		plan, err := s.cascade.Purge(ctx, s.store, chunk)
		if err != nil {
			return fmt.Errorf("%s sweep: %w", sweep, err)
		}
		for _, key := range chunk {
			if plan.Contains(key) {
				deleted++
			}
		}
		for _, key := range plan.Ordered() {
			if _, err := s.audit.LogDeletion(sweep, key); err != nil {
				s.logger.Error("ttl.sweeper: audit write failed",
					slog.String("sweep", sweep),
					slog.String("kind", string(key.Kind)),
					slog.String("id", key.ID),
					slog.String("error", err.Error()))
			}
		}
		return nil
	})
	return deleted, err
}

func (s *Sweeper) observe(sweep string, n int, err error) {
	if s.observer != nil {
		s.observer.ObserveSweep(sweep, n, err)
	}
}

func compareKeys(a, b datatypes.Key) int {
	return cmp.Or(cmp.Compare(a.Kind, b.Kind), cmp.Compare(a.ID, b.ID))
}
