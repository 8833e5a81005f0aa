package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kiranshivaraju/jobqueue/internal/events"
	"github.com/kiranshivaraju/jobqueue/internal/metrics"
	"github.com/kiranshivaraju/jobqueue/internal/retry"
	"github.com/kiranshivaraju/jobqueue/internal/store"
	"github.com/kiranshivaraju/jobqueue/pkg/models"
)

// Reaper recovers jobs whose claim expired, which happens when a worker
// crashed or hung. Each expiry counts as a consumed attempt.
type Reaper struct {
	store     store.Store
	policy    *retry.Policy
	interval  time.Duration
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewReaper creates a Reaper that sweeps every interval once Run is called.
func NewReaper(st store.Store, policy *retry.Policy, interval time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		store:     st,
		policy:    policy,
		interval:  interval,
		publisher: events.Nop{},
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Sweep reclaims every expired claim once and returns the jobs as stored
// afterwards.
func (r *Reaper) Sweep(ctx context.Context) ([]*models.Job, error) {
	now := r.now()
	reclaimed, err := r.store.ReclaimExpired(ctx, now, r.policy)
	if err != nil {
		return nil, fmt.Errorf("reclaim expired: %w", err)
	}

	for _, j := range reclaimed {
		terminal := j.Status == models.JobStatusFailed
		r.metrics.JobReclaimed(j.Type, terminal)
		r.logger.Warn("reclaimed expired job",
			slog.String("job_id", j.ID),
			slog.String("job_type", j.Type),
			slog.String("status", j.Status),
			slog.Int("attempt", j.Attempts),
			slog.Int("max_attempts", j.MaxAttempts),
		)

		r.publish(ctx, events.FromJob(events.JobReclaimed, j, now))
		r.publish(ctx, events.FromJob(events.ForFailure(j), j, now))
	}
	return reclaimed, nil
}

// Run sweeps once immediately, then on the cron schedule "@every <interval>",
// until ctx is done. Overlapping sweeps are skipped.
func (r *Reaper) Run(ctx context.Context) error {
	r.sweep(ctx)

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc("@every "+r.interval.String(), func() { r.sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule reaper: %w", err)
	}
	c.Start()
	r.logger.Info("reaper started", slog.Duration("interval", r.interval))

	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.Info("reaper stopped")
	return nil
}

func (r *Reaper) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("reaper sweep failed", slog.String("error", err.Error()))
	}
}

func (r *Reaper) publish(ctx context.Context, e events.Event) {
	if err := r.publisher.Publish(ctx, e); err != nil {
		r.logger.Warn("failed to publish job event",
			slog.String("job_id", e.JobID),
			slog.String("event", e.Type),
			slog.String("error", err.Error()),
		)
	}
}
