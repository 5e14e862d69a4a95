// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine wires the netcontrol components into a runnable service.
//
// # Description
//
// New builds, in dependency order: the badger store, Prometheus metrics,
// the cascade resolver, the job queue with its transactional outbox and
// dispatcher, the generation state machine, the batch processor, the
// completion notifier, the maintenance sweeper and scheduler, and the gin
// router. Run serves HTTP, consumes jobs and runs maintenance until its
// context is cancelled.
//
// # Usage
//
//	eng, err := engine.New(ctx, engine.Config{Port: 12310}, logger)
//	if err != nil {
//	    return err
//	}
//	return eng.Run(ctx)
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/AleutianAI/netcontrol/pkg/logging"
	"github.com/AleutianAI/netcontrol/services/engine/batch"
	"github.com/AleutianAI/netcontrol/services/engine/cascade"
	"github.com/AleutianAI/netcontrol/services/engine/datatypes"
	"github.com/AleutianAI/netcontrol/services/engine/generation"
	"github.com/AleutianAI/netcontrol/services/engine/handlers"
	"github.com/AleutianAI/netcontrol/services/engine/jobs"
	"github.com/AleutianAI/netcontrol/services/engine/notify"
	"github.com/AleutianAI/netcontrol/services/engine/observability"
	"github.com/AleutianAI/netcontrol/services/engine/routes"
	badgerdb "github.com/AleutianAI/netcontrol/services/engine/storage/badger"
	"github.com/AleutianAI/netcontrol/services/engine/store"
	"github.com/AleutianAI/netcontrol/services/engine/ttl"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Trace exporters accepted by TracingConfig.Exporter.
const (
	ExporterNone   = "none"
	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"
)

// Job queue backends accepted by JobsConfig.Backend.
const (
	BackendPool      = "pool"
	BackendJetStream = "jetstream"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds engine configuration.
//
// # Description
//
// Every field is optional; applyConfigDefaults fills zero values. The
// struct is loaded from YAML by cmd/netcontrol and validated by New.
//
// # Examples
//
//	// In-memory store, in-process jobs, simulated algorithms
//	cfg := Config{Storage: badgerdb.Config{InMemory: true}}
//
//	// Durable store, JetStream jobs, remote algorithm service
//	cfg := Config{
//	    Storage:    badgerdb.Config{Path: "/var/lib/netcontrol"},
//	    Jobs:       JobsConfig{Backend: BackendJetStream},
//	    Generation: GenerationConfig{AlgorithmURL: "http://algorithms:9000"},
//	}
type Config struct {
	// Port is the HTTP server port. Default: 12310
	Port int `yaml:"port" validate:"omitempty,min=1,max=65535"`

	// GinMode is "debug", "release" or "test". Default: release
	GinMode string `yaml:"gin_mode" validate:"omitempty,oneof=debug release test"`

	// ServiceName identifies the service in traces. Default: netcontrol-engine
	ServiceName string `yaml:"service_name"`

	// ShutdownTimeout bounds the HTTP drain and the job queue drain.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Tracing    TracingConfig    `yaml:"tracing"`
	Storage    badgerdb.Config  `yaml:"storage"`
	Batch      batch.Config     `yaml:"batch"`
	Generation GenerationConfig `yaml:"generation"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Notify     notify.Config    `yaml:"notify"`
	TTL        TTLConfig        `yaml:"ttl"`
	Logging    logging.Config   `yaml:"logging"`
}

// TracingConfig selects the OpenTelemetry span exporter.
type TracingConfig struct {
	// Exporter is "none", "otlp" or "stdout". Default: none
	Exporter string `yaml:"exporter" validate:"omitempty,oneof=none otlp stdout"`

	// Endpoint is the OTLP gRPC collector address.
	// Default: localhost:4317
	Endpoint string `yaml:"endpoint"`
}

// GenerationConfig configures the generation state machine and the
// computations it dispatches to.
type GenerationConfig struct {
	generation.Config `yaml:",inline"`

	// AlgorithmURL is the base URL of an algorithm service that handles
	// every algorithm without an entry in Algorithms.
	AlgorithmURL string `yaml:"algorithm_url" validate:"omitempty,url"`

	// Algorithms overrides the service URL per algorithm tag.
	Algorithms map[datatypes.Algorithm]string `yaml:"algorithms" validate:"omitempty,dive,url"`

	// ComputeTimeout bounds one remote computation call.
	ComputeTimeout time.Duration `yaml:"compute_timeout"`

	// SimulatedSteps and SimulatedDelay shape the in-process computation
	// used for algorithms with no service URL.
	SimulatedSteps int           `yaml:"simulated_steps" validate:"omitempty,min=1"`
	SimulatedDelay time.Duration `yaml:"simulated_delay"`
}

// JobsConfig selects and sizes the job queue.
type JobsConfig struct {
	// Backend is "pool" (in-process) or "jetstream". Default: pool
	Backend string `yaml:"backend" validate:"omitempty,oneof=pool jetstream"`

	// Workers and QueueSize size the in-process pool.
	Workers   int `yaml:"workers" validate:"omitempty,min=1"`
	QueueSize int `yaml:"queue_size" validate:"omitempty,min=1"`

	// RedeliverAfter resubmits tasks handed to the queue this long ago and
	// never completed. It must exceed the longest job. Default: 1h
	RedeliverAfter time.Duration `yaml:"redeliver_after"`

	JetStream jobs.JetStreamConfig `yaml:"jetstream"`
}

// TTLConfig configures background maintenance.
type TTLConfig struct {
	ttl.Config `yaml:",inline"`

	// Disabled turns off the background scheduler. Sweeps can still be
	// run on demand through Engine.Sweep.
	Disabled bool `yaml:"disabled"`

	// AuditVerifyInterval is how often the recurring job re-verifies the
	// audit log chain when AuditLogPath is set. Default: 24h
	AuditVerifyInterval time.Duration `yaml:"audit_verify_interval"`
}

// DefaultConfig returns the configuration New uses for zero values.
func DefaultConfig() Config {
	return applyConfigDefaults(Config{})
}

// WithDefaults returns cfg with every zero value replaced by its default.
func WithDefaults(cfg Config) Config {
	return applyConfigDefaults(cfg)
}

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12310
	}
	if cfg.GinMode == "" {
		cfg.GinMode = gin.ReleaseMode
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "netcontrol-engine"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Tracing.Exporter == "" {
		cfg.Tracing.Exporter = ExporterNone
	}
	if cfg.Tracing.Endpoint == "" {
		cfg.Tracing.Endpoint = "localhost:4317"
	}
	if !cfg.Storage.InMemory && cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/netcontrol"
	}
	if cfg.Storage.GCInterval == 0 && !cfg.Storage.InMemory {
		d := badgerdb.DefaultConfig()
		cfg.Storage.GCInterval = d.GCInterval
		cfg.Storage.GCDiscardRatio = d.GCDiscardRatio
	}
	if cfg.Generation.SimulatedSteps == 0 {
		cfg.Generation.SimulatedSteps = 3
	}
	if cfg.Generation.SimulatedDelay == 0 {
		cfg.Generation.SimulatedDelay = 100 * time.Millisecond
	}
	if cfg.Jobs.Backend == "" {
		cfg.Jobs.Backend = BackendPool
	}
	if cfg.Jobs.Workers == 0 {
		cfg.Jobs.Workers = 4
	}
	if cfg.Jobs.QueueSize == 0 {
		cfg.Jobs.QueueSize = 256
	}
	if cfg.Jobs.RedeliverAfter == 0 {
		cfg.Jobs.RedeliverAfter = time.Hour
	}
	if cfg.TTL.AuditVerifyInterval == 0 {
		cfg.TTL.AuditVerifyInterval = 24 * time.Hour
	}
	nd := notify.DefaultConfig()
	if cfg.Notify.HomeURL == "" {
		cfg.Notify.HomeURL = nd.HomeURL
	}
	if cfg.Notify.RatePerSecond == 0 {
		cfg.Notify.RatePerSecond = nd.RatePerSecond
	}
	if cfg.Notify.Burst == 0 {
		cfg.Notify.Burst = nd.Burst
	}
	if cfg.Notify.Timeout == 0 {
		cfg.Notify.Timeout = nd.Timeout
	}
	if cfg.TTL.Retention == 0 && cfg.Batch.Retention > 0 {
		cfg.TTL.Retention = cfg.Batch.Retention
	}
	return cfg
}

// Validate checks cfg after defaults are applied.
func (cfg Config) Validate() error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid engine config: %w", err)
	}
	return nil
}

// =============================================================================
// Engine
// =============================================================================

// Engine owns every long-lived component of the service.
//
// # Thread Safety
//
// Safe for concurrent use after New returns. Run may be called once.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	db         *badgerdb.DB
	store      *store.Store
	registry   *prometheus.Registry
	metrics    *observability.Metrics
	queue      jobs.WorkerQueue
	outbox     *jobs.Outbox
	dispatcher *jobs.Dispatcher
	machine    *generation.Machine
	processor  *batch.Processor
	notifier   *notify.CompletionHandler
	audit      *ttl.AuditLog
	sweeper    *ttl.Sweeper
	scheduler  *ttl.Scheduler
	router     *gin.Engine

	tracerCleanup func(context.Context)
	closeOnce     sync.Once
	closeErr      error
}

// New creates an Engine from cfg.
//
// # Description
//
// Applies defaults, validates, then builds every component. On failure all
// components built so far are released.
//
// # Inputs
//
//   - ctx: Bounds connection setup (JetStream).
//   - cfg: Engine configuration. Zero values use defaults.
//   - logger: Structured logger. nil uses slog.Default().
//
// # Outputs
//
//   - *Engine: Ready to Run.
//   - error: Non-nil if configuration is invalid or a component fails to
//     start.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{cfg: cfg, logger: logger}

	cleanup, err := e.initTracer(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	e.tracerCleanup = cleanup

	if err := e.initStore(); err != nil {
		e.Close()
		return nil, err
	}

	e.registry = prometheus.NewRegistry()
	e.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	e.metrics = observability.NewMetrics(e.registry)

	if err := e.initJobs(ctx); err != nil {
		e.Close()
		return nil, err
	}

	resolver := cascade.NewResolver(logger, e.metrics)
	e.machine = generation.NewMachine(e.store, e.initRegistry(), e.outbox, cfg.Generation.Config, logger, e.metrics)
	e.machine.Register(e.dispatcher)
	e.processor = batch.NewProcessor(e.store, resolver, e.machine, e.outbox, cfg.Batch, logger, e.metrics)

	e.notifier = notify.NewCompletionHandler(e.store, notify.New(cfg.Notify, logger), cfg.Notify, logger, e.metrics)
	e.notifier.Register(e.dispatcher)

	if err := e.initTTL(resolver); err != nil {
		e.Close()
		return nil, err
	}

	e.initRouter()
	return e, nil
}

// Router returns the configured gin engine.
func (e *Engine) Router() *gin.Engine { return e.router }

// Processor returns the batch processor.
func (e *Engine) Processor() *batch.Processor { return e.processor }

// Machine returns the generation state machine.
func (e *Engine) Machine() *generation.Machine { return e.machine }

// Run serves HTTP, consumes jobs and runs maintenance until ctx is
// cancelled or the server fails. Resources are released on return.
func (e *Engine) Run(ctx context.Context) error {
	defer e.Close()

	g, ctx := errgroup.WithContext(ctx)

	if err := e.queue.Start(ctx, e.dispatcher); err != nil {
		return fmt.Errorf("start job queue: %w", err)
	}
	defer e.stopQueue()

	e.releaseLocalTasks(ctx)
	if e.audit != nil {
		if err := e.scheduleAuditVerification(ctx); err != nil {
			e.logger.Warn("engine: schedule audit verification", slog.String("error", err.Error()))
		}
	}
	if n, err := e.outbox.Reconcile(ctx, 0); err != nil {
		e.logger.Warn("engine: startup reconcile failed", slog.String("error", err.Error()))
	} else if n > 0 {
		e.logger.Info("engine: resubmitted pending tasks", slog.Int("tasks", n))
	}

	if !e.cfg.TTL.Disabled {
		if err := e.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start maintenance scheduler: %w", err)
		}
		defer e.scheduler.Stop()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", e.cfg.Port),
		Handler:           e.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		e.logger.Info("engine: listening", slog.Int("port", e.cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ShutdownTimeout)
		defer cancel()
		e.logger.Info("engine: shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Sweep runs one maintenance cycle with the job queue running, so tasks
// resubmitted by the outbox phase are executed before it returns.
func (e *Engine) Sweep(ctx context.Context) (ttl.CycleResult, error) {
	var res ttl.CycleResult
	err := e.withQueue(ctx, func(ctx context.Context) error {
		res = e.scheduler.RunNow(ctx)
		return res.Err()
	})
	return res, err
}

// Reconcile submits every pending outbox task that is older than the
// configured grace period and waits for the queue to drain.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	var n int
	err := e.withQueue(ctx, func(ctx context.Context) error {
		var err error
		n, err = e.outbox.Reconcile(ctx, e.cfg.TTL.OutboxGrace)
		return err
	})
	return n, err
}

func (e *Engine) withQueue(ctx context.Context, fn func(context.Context) error) error {
	if err := e.queue.Start(ctx, e.dispatcher); err != nil {
		return fmt.Errorf("start job queue: %w", err)
	}
	e.releaseLocalTasks(ctx)
	err := fn(ctx)
	return errors.Join(err, e.queue.Stop(e.cfg.ShutdownTimeout))
}

// releaseLocalTasks makes every task row due again when the queue is the
// in-process pool, which holds nothing from a previous process.
func (e *Engine) releaseLocalTasks(ctx context.Context) {
	if e.cfg.Jobs.Backend != BackendPool {
		return
	}
	n, err := e.outbox.ReleaseSubmitted(ctx)
	if err != nil {
		e.logger.Warn("engine: release submitted tasks", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		e.logger.Info("engine: released tasks from a previous run", slog.Int("tasks", n))
	}
}

// scheduleAuditVerification keeps the recurring chain check staged.
func (e *Engine) scheduleAuditVerification(ctx context.Context) error {
	return e.store.UpdateWithRetry(ctx, 3, func(sess *store.Session) error {
		_, err := jobs.StageRecurring(sess, ttl.VerificationTaskID, jobs.VerifyAudit,
			struct{}{}, e.cfg.TTL.AuditVerifyInterval, time.Now())
		return err
	})
}

func (e *Engine) stopQueue() {
	if err := e.queue.Stop(e.cfg.ShutdownTimeout); err != nil {
		e.logger.Warn("engine: job queue stop", slog.String("error", err.Error()))
	}
}

// Close releases the store, audit log and tracer. Safe to call more than
// once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		if e.scheduler != nil {
			e.scheduler.Stop()
		}
		var errs []error
		if e.audit != nil {
			if err := e.audit.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close audit log: %w", err))
			}
		}
		if e.db != nil {
			if err := e.db.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close store: %w", err))
			}
		}
		if e.tracerCleanup != nil {
			e.tracerCleanup(context.Background())
		}
		e.closeErr = errors.Join(errs...)
	})
	return e.closeErr
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initTracer installs the global tracer provider selected by
// cfg.Tracing.Exporter.
//
// # Limitations
//
//   - The OTLP exporter uses an insecure gRPC connection.
func (e *Engine) initTracer(ctx context.Context) (func(context.Context), error) {
	var exporter sdktrace.SpanExporter
	switch e.cfg.Tracing.Exporter {
	case ExporterNone:
		return func(context.Context) {}, nil
	case ExporterOTLP:
		conn, err := grpc.NewClient(e.cfg.Tracing.Endpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
	case ExporterStdout:
		var err error
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(e.cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			e.logger.Error("failed to shutdown tracer provider", slog.String("error", err.Error()))
		}
	}, nil
}

func (e *Engine) initStore() error {
	cfg := e.cfg.Storage
	if cfg.Logger == nil {
		cfg.Logger = e.logger
	}
	db, err := badgerdb.Open(cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	e.db = db
	e.store = store.New(db, e.logger)
	return nil
}

func (e *Engine) initJobs(ctx context.Context) error {
	switch e.cfg.Jobs.Backend {
	case BackendJetStream:
		q, err := jobs.NewJetStreamQueue(ctx, e.cfg.Jobs.JetStream, e.logger)
		if err != nil {
			return fmt.Errorf("failed to connect job queue: %w", err)
		}
		e.queue = q
	default:
		e.queue = jobs.NewPoolQueue(e.cfg.Jobs.Workers, e.cfg.Jobs.QueueSize, e.logger)
	}
	e.outbox = jobs.NewOutbox(e.store, e.queue, e.logger, e.metrics).WithRedelivery(e.cfg.Jobs.RedeliverAfter)
	e.dispatcher = jobs.NewDispatcher(e.outbox, e.logger, e.metrics)
	return nil
}

// initRegistry binds every algorithm to a computation: the per-algorithm
// URL if configured, then the shared service URL, then the in-process
// simulation.
func (e *Engine) initRegistry() *generation.Registry {
	gc := e.cfg.Generation
	reg := generation.NewRegistry()

	var fallback generation.Computation = generation.StaticComputation{
		Steps: gc.SimulatedSteps,
		Delay: gc.SimulatedDelay,
	}
	if gc.AlgorithmURL != "" {
		fallback = e.remote(gc.AlgorithmURL)
	}
	reg.RegisterAll(fallback)

	for alg, url := range gc.Algorithms {
		reg.Register(alg, e.remote(url))
	}
	return reg
}

func (e *Engine) remote(url string) *generation.HTTPComputation {
	c := generation.NewHTTPComputation(url)
	if e.cfg.Generation.ComputeTimeout > 0 {
		c = c.WithTimeout(e.cfg.Generation.ComputeTimeout)
	}
	return c
}

func (e *Engine) initTTL(resolver *cascade.Resolver) error {
	var auditor ttl.Auditor
	if path := e.cfg.TTL.AuditLogPath; path != "" {
		audit, err := ttl.OpenAuditLog(path)
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		e.audit = audit
		auditor = audit
		e.dispatcher.Register(jobs.VerifyAudit, audit.VerifyJob)
	}
	e.sweeper = ttl.NewSweeper(e.store, resolver, e.outbox, e.cfg.TTL.Config, auditor, e.logger, e.metrics)
	e.scheduler = ttl.NewScheduler(e.sweeper, e.cfg.TTL.Interval, e.logger)
	return nil
}

func (e *Engine) initRouter() {
	gin.SetMode(e.cfg.GinMode)
	e.router = gin.New()
	e.router.Use(gin.Recovery())
	e.router.Use(otelgin.Middleware(e.cfg.ServiceName))

	routes.SetupRoutes(e.router, routes.Deps{
		Store:     e.store,
		Processor: e.processor,
		Generator: e.machine,
		Demo:      handlers.NewDemoSettings(e.store),
		Gatherer:  e.registry,
	})
}
