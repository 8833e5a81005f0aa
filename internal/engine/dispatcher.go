package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/jobqueue/internal/store"
	"github.com/kiranshivaraju/jobqueue/pkg/models"
)

// ErrDispatcherStopped is returned by Next when the dispatcher shut down
// while the caller was waiting.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

type claimRequest struct {
	ctx      context.Context
	workerID string
	reply    chan *models.Job
}

// Dispatcher claims jobs from the store on behalf of idle workers. It only
// claims while a worker is waiting, so the number of claimed-but-unfinished
// jobs in this process never exceeds the number of workers. Jobs are never
// buffered in memory.
type Dispatcher struct {
	store        store.Store
	visibility   time.Duration
	pollInterval time.Duration
	logger       *slog.Logger

	requests chan claimRequest
	wake     chan struct{}
}

// NewDispatcher creates a Dispatcher. Run must be called for Next to make progress.
func NewDispatcher(st store.Store, visibility, pollInterval time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:        st,
		visibility:   visibility,
		pollInterval: pollInterval,
		logger:       logger,
		requests:     make(chan claimRequest),
		wake:         make(chan struct{}, 1),
	}
}

// Wake interrupts an idle wait so the next claim attempt happens immediately.
// It never blocks; wake-ups that arrive while one is pending coalesce.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Next blocks until a job has been claimed for workerID or ctx is done. A job
// claimed while ctx was being cancelled is still returned, with a nil error,
// and the caller owns it.
func (d *Dispatcher) Next(ctx context.Context, workerID string) (*models.Job, error) {
	req := claimRequest{ctx: ctx, workerID: workerID, reply: make(chan *models.Job, 1)}

	select {
	case d.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Run answers every request it accepted.
	if j := <-req.reply; j != nil {
		return j, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrDispatcherStopped
}

// Run serves worker requests one at a time until ctx is done. Every accepted
// request gets exactly one reply: the claimed job, or nil once either side
// gave up.
func (d *Dispatcher) Run(ctx context.Context) error {
	timer := time.NewTimer(d.pollInterval)
	defer timer.Stop()

	for {
		var req claimRequest
		select {
		case <-ctx.Done():
			return nil
		case req = <-d.requests:
		}

		req.reply <- d.claim(ctx, timer, req)
	}
}

// claim polls the store until a job is claimed for req, or returns nil when
// ctx or the requester's context is done. The store call itself runs under
// ctx only, so a claim in progress is never abandoned half way.
func (d *Dispatcher) claim(ctx context.Context, timer *time.Timer, req claimRequest) *models.Job {
	for {
		if ctx.Err() != nil || req.ctx.Err() != nil {
			return nil
		}

		j, err := d.store.ClaimNext(ctx, req.workerID, d.visibility)
		if err != nil && ctx.Err() == nil {
			d.logger.Error("claim failed",
				slog.String("worker_id", req.workerID),
				slog.String("error", err.Error()),
			)
		}
		if j != nil {
			return j
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d.pollInterval)

		select {
		case <-ctx.Done():
		case <-req.ctx.Done():
		case <-d.wake:
		case <-timer.C:
		}
	}
}
