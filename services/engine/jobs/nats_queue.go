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
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamConfig configures JetStreamQueue.
type JetStreamConfig struct {
	URL           string        `yaml:"url"`
	Stream        string        `yaml:"stream"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	Durable       string        `yaml:"durable"`
	MaxDeliver    int           `yaml:"max_deliver"`
	AckWait       time.Duration `yaml:"ack_wait"`
}

// DefaultJetStreamConfig returns settings for a local NATS server.
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:           nats.DefaultURL,
		Stream:        "NETCONTROL_JOBS",
		SubjectPrefix: "netcontrol.jobs",
		Durable:       "netcontrol-workers",
		MaxDeliver:    3,
		AckWait:       5 * time.Minute,
	}
}

func (c JetStreamConfig) withDefaults() JetStreamConfig {
	d := DefaultJetStreamConfig()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.Stream == "" {
		c.Stream = d.Stream
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = d.SubjectPrefix
	}
	if c.Durable == "" {
		c.Durable = d.Durable
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = d.MaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = d.AckWait
	}
	return c
}

// Subject returns the subject a job name is published on.
func (c JetStreamConfig) Subject(name string) string {
	return strings.TrimSuffix(c.SubjectPrefix, ".") + "." + name
}

// JetStreamQueue publishes jobs to a JetStream stream and consumes them
// through a durable pull consumer. Queue-level redelivery (MaxDeliver) is
// independent of the generation retry loop.
type JetStreamQueue struct {
	cfg    JetStreamConfig
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger

	mu sync.Mutex
	cc jetstream.ConsumeContext
}

// NewJetStreamQueue connects to NATS and ensures the job stream exists.
func NewJetStreamQueue(ctx context.Context, cfg JetStreamConfig, logger *slog.Logger) (*JetStreamQueue, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("netcontrol"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("jobs.jetstream: disconnected", slog.String("error", err.Error()))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject(">")},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}

	return &JetStreamQueue{cfg: cfg, nc: nc, js: js, logger: logger}, nil
}

// Enqueue publishes a job and waits for the stream acknowledgement.
func (q *JetStreamQueue) Enqueue(ctx context.Context, name string, payload []byte) error {
	if _, err := q.js.Publish(ctx, q.cfg.Subject(name), payload); err != nil {
		return fmt.Errorf("publish %s: %w", name, err)
	}
	return nil
}

// Start consumes jobs and dispatches them through d. A failed job is
// negatively acknowledged for redelivery.
func (q *JetStreamQueue) Start(ctx context.Context, d *Dispatcher) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cc != nil {
		return nil
	}
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       q.cfg.Durable,
		FilterSubject: q.cfg.Subject(">"),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.cfg.AckWait,
		MaxDeliver:    q.cfg.MaxDeliver,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", q.cfg.Durable, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := d.Dispatch(ctx, msg.Data()); err != nil {
			if errors.Is(err, ErrUnknownJob) {
				_ = msg.Term()
				return
			}
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.cfg.Stream, err)
	}
	q.cc = cc
	q.logger.Info("jobs.jetstream: consuming",
		slog.String("stream", q.cfg.Stream),
		slog.String("durable", q.cfg.Durable))
	return nil
}

// Stop stops consuming and drains the connection.
func (q *JetStreamQueue) Stop(timeout time.Duration) error {
	q.mu.Lock()
	if q.cc != nil {
		q.cc.Stop()
		q.cc = nil
	}
	q.mu.Unlock()

	done := make(chan struct{})
	q.nc.SetClosedHandler(func(*nats.Conn) { close(done) })
	if err := q.nc.Drain(); err != nil {
		q.nc.Close()
		return err
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		q.nc.Close()
		return ErrStopTimeout
	}
}
