// Package engine executes stored jobs: a Dispatcher claims work for idle
// executors of a fixed-size Pool, and a Reaper independently recovers claims
// that expired. All coordination goes through the store.
package engine

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/jobqueue/internal/events"
	"github.com/kiranshivaraju/jobqueue/internal/metrics"
	"github.com/kiranshivaraju/jobqueue/internal/registry"
	"github.com/kiranshivaraju/jobqueue/internal/retry"
	"github.com/kiranshivaraju/jobqueue/internal/store"
)

// tracerName is the instrumentation scope for job execution spans.
const tracerName = "github.com/kiranshivaraju/jobqueue/internal/engine"

// Config sizes and paces the engine.
type Config struct {
	WorkerID          string
	PoolSize          int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	ReaperInterval    time.Duration
	// ShutdownGrace is how long in-flight handlers may keep running after
	// shutdown starts before their contexts are cancelled.
	ShutdownGrace time.Duration
}

func (c *Config) setDefaults() {
	if c.WorkerID == "" {
		c.WorkerID = "worker"
	}
	if c.PoolSize < 1 {
		c.PoolSize = 1
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = 30 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
}

// WakeSource delivers wake signals published by other processes.
type WakeSource interface {
	SubscribeWake(ctx context.Context) (<-chan struct{}, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher sets where lifecycle events are sent.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithMetrics records execution metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer overrides the global OTel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithWakeSource subscribes the dispatcher to cross-process wake signals.
func WithWakeSource(w WakeSource) Option {
	return func(e *Engine) { e.wakeSource = w }
}

// Engine owns the Dispatcher, Pool and Reaper for one process.
type Engine struct {
	cfg        Config
	publisher  events.Publisher
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	wakeSource WakeSource
	logger     *slog.Logger

	dispatcher *Dispatcher
	pool       *Pool
	reaper     *Reaper
}

// New wires an Engine around st. reg must be fully populated before Run.
func New(st store.Store, reg *registry.Registry, policy *retry.Policy, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	cfg.setDefaults()
	e := &Engine{
		cfg:       cfg,
		publisher: events.Nop{},
		tracer:    otel.Tracer(tracerName),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.dispatcher = NewDispatcher(st, cfg.VisibilityTimeout, cfg.PollInterval, logger)
	e.pool = &Pool{
		size:       cfg.PoolSize,
		workerID:   cfg.WorkerID,
		dispatcher: e.dispatcher,
		store:      st,
		registry:   reg,
		policy:     policy,
		publisher:  e.publisher,
		metrics:    e.metrics,
		tracer:     e.tracer,
		logger:     logger,
		grace:      cfg.ShutdownGrace,
		activeJobs: make(map[string]context.CancelFunc),
	}
	e.reaper = NewReaper(st, policy, cfg.ReaperInterval, logger)
	e.reaper.publisher = e.publisher
	e.reaper.metrics = e.metrics
	return e
}

// NotifyWake wakes the local dispatcher. It satisfies the notifier used by
// the submission service.
func (e *Engine) NotifyWake(context.Context) error {
	e.dispatcher.Wake()
	return nil
}

// Reaper exposes the engine's reaper for on-demand sweeps.
func (e *Engine) Reaper() *Reaper {
	return e.reaper
}

// Run blocks until ctx is done and every component has stopped.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting",
		slog.String("worker_id", e.cfg.WorkerID),
		slog.Int("pool_size", e.cfg.PoolSize),
		slog.Duration("visibility_timeout", e.cfg.VisibilityTimeout),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.dispatcher.Run(gctx) })
	g.Go(func() error { return e.pool.Run(gctx) })
	g.Go(func() error { return e.reaper.Run(gctx) })

	if e.wakeSource != nil {
		wake, err := e.wakeSource.SubscribeWake(gctx)
		if err != nil {
			e.logger.Warn("cross-process wake disabled", slog.String("error", err.Error()))
		} else {
			g.Go(func() error {
				for range wake {
					e.dispatcher.Wake()
				}
				return nil
			})
		}
	}

	err := g.Wait()
	e.logger.Info("engine stopped")
	return err
}
