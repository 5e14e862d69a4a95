// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package notify delivers completion notifications for generated artifacts.
//
// The generation state machine stages a notify_completion task in the same
// transaction that writes a terminal status. CompletionHandler runs that
// task: it loads the artifact and its resolved memberships and sends one
// message per distinct user through a Notifier.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/netcontrol/services/engine/datatypes"
	"github.com/AleutianAI/netcontrol/services/engine/jobs"
	"github.com/AleutianAI/netcontrol/services/engine/store"
	"golang.org/x/time/rate"
)

// Notifier sends a completion message to one recipient.
type Notifier interface {
	SendCompletionEmail(ctx context.Context, recipient, itemID, itemName string, status datatypes.Status, detailURL, homeURL string) error
}

// Config configures completion notifications.
type Config struct {
	// HomeURL is the public base URL of the application.
	HomeURL string `yaml:"home_url"`

	// WebhookURL enables the webhook notifier when set. Otherwise
	// notifications are only logged.
	WebhookURL string `yaml:"webhook_url"`

	// RatePerSecond and Burst bound outgoing messages.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`

	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns conservative delivery limits.
func DefaultConfig() Config {
	return Config{
		HomeURL:       "http://localhost:8080",
		RatePerSecond: 5,
		Burst:         10,
		Timeout:       10 * time.Second,
	}
}

// Observer receives delivery outcomes. nil disables reporting.
type Observer interface {
	ObserveNotification(err error)
}

// CompletionHandler runs notify_completion jobs.
type CompletionHandler struct {
	store    *store.Store
	notifier Notifier
	limiter  *rate.Limiter
	homeURL  string
	logger   *slog.Logger
	observer Observer
}

// NewCompletionHandler creates a handler sending through n.
func NewCompletionHandler(st *store.Store, n Notifier, cfg Config, logger *slog.Logger, observer Observer) *CompletionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &CompletionHandler{
		store:    st,
		notifier: n,
		limiter:  rate.NewLimiter(limit, burst),
		homeURL:  strings.TrimRight(cfg.HomeURL, "/"),
		logger:   logger,
		observer: observer,
	}
}

// Register binds the handler to jobs.NotifyCompletion.
func (h *CompletionHandler) Register(d *jobs.Dispatcher) {
	d.Register(jobs.NotifyCompletion, h.Handle)
}

type recipient struct {
	userID string
	email  string
}

// Handle sends the notification for one completed or failed artifact. An
// artifact deleted in the meantime is not an error.
func (h *CompletionHandler) Handle(ctx context.Context, job jobs.Job) error {
	var p jobs.CompletionPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	if !p.Kind.IsArtifact() {
		return fmt.Errorf("notify: %s is not a generated artifact", p.Kind)
	}

	var (
		art        datatypes.Artifact
		recipients []recipient
	)
	err := h.store.View(ctx, func(sess *store.Session) error {
		var err error
		art, err = store.Load[datatypes.Artifact](sess, p.Kind, p.ID)
		if err != nil {
			return err
		}
		recipients, err = resolvedRecipients(sess, datatypes.Key{Kind: p.Kind, ID: p.ID})
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		h.logger.Info("notify: item no longer exists",
			slog.String("kind", string(p.Kind)),
			slog.String("id", p.ID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("notify: load %s %q: %w", p.Kind, p.ID, err)
	}

	detailURL := fmt.Sprintf("%s/%s/%s", h.homeURL, p.Kind, p.ID)
	var errs []error
	for _, r := range recipients {
		if err := h.limiter.Wait(ctx); err != nil {
			errs = append(errs, err)
			break
		}
		err := h.notifier.SendCompletionEmail(ctx, r.email, art.ID, art.Name, p.Status, detailURL, h.homeURL)
		if h.observer != nil {
			h.observer.ObserveNotification(err)
		}
		if err != nil {
			h.logger.Warn("notify: delivery failed",
				slog.String("id", art.ID),
				slog.String("user_id", r.userID),
				slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	h.logger.Debug("notify: completion handled",
		slog.String("kind", string(p.Kind)),
		slog.String("id", p.ID),
		slog.String("status", string(p.Status)),
		slog.Int("recipients", len(recipients)))
	return errors.Join(errs...)
}

// resolvedRecipients returns the distinct registered users invited to key.
func resolvedRecipients(sess *store.Session, key datatypes.Key) ([]recipient, error) {
	refs, err := sess.Referrers(key, datatypes.KindMembership)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		if ref.Relation == datatypes.RelParent {
			ids = append(ids, ref.Owner.ID)
		}
	}
	members, err := store.LoadMany[datatypes.Membership](sess, datatypes.KindMembership, ids)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var userIDs []string
	for _, id := range ids {
		m, ok := members[id]
		if !ok || !m.Resolved() || seen[m.UserID] {
			continue
		}
		seen[m.UserID] = true
		userIDs = append(userIDs, m.UserID)
	}
	users, err := store.LoadMany[datatypes.User](sess, datatypes.KindUser, userIDs)
	if err != nil {
		return nil, err
	}
	out := make([]recipient, 0, len(userIDs))
	for _, id := range userIDs {
		if u, ok := users[id]; ok {
			out = append(out, recipient{userID: id, email: u.Email})
		}
	}
	return out, nil
}
