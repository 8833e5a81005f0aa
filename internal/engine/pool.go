package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/jobqueue/internal/events"
	"github.com/kiranshivaraju/jobqueue/internal/metrics"
	"github.com/kiranshivaraju/jobqueue/internal/registry"
	"github.com/kiranshivaraju/jobqueue/internal/retry"
	"github.com/kiranshivaraju/jobqueue/internal/store"
	"github.com/kiranshivaraju/jobqueue/pkg/models"
)

// persistTimeout bounds each store write after a handler returns.
const persistTimeout = 10 * time.Second

// ErrInvalidResult is returned for handler results that are not valid JSON.
var ErrInvalidResult = errors.New("handler returned invalid JSON result")

// Pool runs a fixed number of executors. Each one asks the Dispatcher for a
// job, runs its handler under the claim deadline and records the outcome.
type Pool struct {
	size       int
	workerID   string
	dispatcher *Dispatcher
	store      store.Store
	registry   *registry.Registry
	policy     *retry.Policy
	publisher  events.Publisher
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	logger     *slog.Logger
	grace      time.Duration

	activeMu   sync.Mutex
	activeJobs map[string]context.CancelFunc
}

// Run starts the executors and blocks until ctx is done and every in-flight
// job has been recorded. In-flight handlers keep running after ctx is done;
// if they have not returned within the shutdown grace period their contexts
// are cancelled.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID),
		slog.Int("size", p.size),
	)

	base := context.WithoutCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		select {
		case <-stopped:
			return
		case <-ctx.Done():
		}
		select {
		case <-stopped:
		case <-time.After(p.grace):
			p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
			p.cancelActiveJobs()
		}
	}()

	var g errgroup.Group
	for i := range p.size {
		executorID := fmt.Sprintf("%s/%d", p.workerID, i)
		g.Go(func() error {
			for {
				j, err := p.dispatcher.Next(ctx, executorID)
				if err != nil {
					return nil
				}
				p.execute(base, executorID, j)
			}
		})
	}
	err := g.Wait()
	close(stopped)

	p.logger.Info("worker pool stopped", slog.String("worker_id", p.workerID))
	return err
}

func (p *Pool) execute(base context.Context, executorID string, j *models.Job) {
	start := time.Now()
	p.metrics.JobClaimed(j.Type)

	logger := p.logger.With(
		slog.String("job_id", j.ID),
		slog.String("job_type", j.Type),
		slog.String("worker_id", executorID),
		slog.Int("attempt", j.Attempts),
	)
	logger.Info("job started")
	p.publish(base, logger, events.FromJob(events.JobStarted, j, start.UTC()))

	ctx, span := p.tracer.Start(base, "jobqueue.job.execute",
		trace.WithAttributes(
			attribute.String("jobqueue.job.id", j.ID),
			attribute.String("jobqueue.job.type", j.Type),
			attribute.Int("jobqueue.job.attempt", j.Attempts),
			attribute.Int("jobqueue.job.max_attempts", j.MaxAttempts),
			attribute.String("jobqueue.worker.id", executorID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	result, handlerErr := p.invoke(ctx, j)
	elapsed := time.Since(start)

	if handlerErr != nil {
		span.RecordError(handlerErr)
		span.SetStatus(codes.Error, handlerErr.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	persistCtx, cancel := context.WithTimeout(base, persistTimeout)
	defer cancel()
	fence := store.WithClaim(*j.ClaimedBy, j.Attempts)
	now := time.Now().UTC()

	if handlerErr == nil {
		if err := p.store.Complete(persistCtx, j.ID, result, fence); err != nil {
			p.dropped(logger, j, err)
			return
		}
		j.Status = models.JobStatusCompleted
		p.metrics.JobFinished(j.Type, metrics.OutcomeCompleted, elapsed)
		p.publish(persistCtx, logger, events.FromJob(events.JobCompleted, j, now))
		logger.Info("job completed", slog.Duration("duration", elapsed))
		return
	}

	outcome := p.policy.For(handlerErr, j.Attempts, j.MaxAttempts, now)
	msg := handlerErr.Error()
	if err := p.store.Fail(persistCtx, j.ID, msg, outcome, fence); err != nil {
		p.dropped(logger, j, err)
		return
	}

	j.Error = &msg
	if outcome.Decision == retry.Retry && j.Attempts < j.MaxAttempts {
		j.Status = models.JobStatusPending
		j.RunAt = outcome.RunAt
		p.metrics.JobFinished(j.Type, metrics.OutcomeRetried, elapsed)
		logger.Warn("job failed, scheduled for retry",
			slog.String("error", msg),
			slog.Time("run_at", outcome.RunAt),
		)
	} else {
		j.Status = models.JobStatusFailed
		p.metrics.JobFinished(j.Type, metrics.OutcomeFailed, elapsed)
		logger.Error("job failed", slog.String("error", msg))
	}
	p.publish(persistCtx, logger, events.FromJob(events.ForFailure(j), j, now))
}

// invoke runs the handler for j. Lookup failures, panics, invalid results and
// deadline overruns all come back as errors.
func (p *Pool) invoke(ctx context.Context, j *models.Job) (result json.RawMessage, err error) {
	handler, err := p.registry.Get(j.Type)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	ctx, cancel := context.WithDeadline(ctx, *j.ClaimExpiresAt)
	defer cancel()
	p.trackJob(j.ID, cancel)
	defer p.untrackJob(j.ID)

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("handler panicked",
				slog.String("job_id", j.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			result, err = nil, fmt.Errorf("handler panicked: %v", r)
		}
	}()

	result, err = handler(ctx, j.Payload)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("visibility timeout exceeded: %w", context.DeadlineExceeded)
	}
	if err != nil {
		return nil, err
	}
	if len(result) > 0 && !json.Valid(result) {
		return nil, retry.Permanent(ErrInvalidResult)
	}
	return result, nil
}

// dropped handles an outcome the store refused or could not record. The
// claim stays as it is and the reaper takes over once it expires.
func (p *Pool) dropped(logger *slog.Logger, j *models.Job, err error) {
	p.metrics.JobDropped()
	if errors.Is(err, store.ErrInvalidTransition) {
		logger.Warn("claim lost before outcome was recorded", slog.String("error", err.Error()))
		return
	}
	logger.Error("failed to record job outcome, leaving it for the reaper", slog.String("error", err.Error()))
}

func (p *Pool) publish(ctx context.Context, logger *slog.Logger, e events.Event) {
	if err := p.publisher.Publish(ctx, e); err != nil {
		logger.Warn("failed to publish job event",
			slog.String("event", e.Type),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}
