package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/kiranshivaraju/jobqueue/internal/retry"
	"github.com/kiranshivaraju/jobqueue/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateJobID = errors.New("duplicate job id")
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface for job records. It is the only shared
// mutable resource of the engine: every operation is atomic with respect to
// concurrent callers, across goroutines and processes.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// Enqueue persists job as pending with zero attempts. On success missing
	// fields are defaulted in place (ID, MaxAttempts, Payload, timestamps) so
	// the caller sees the stored values. On error job is left untouched.
	Enqueue(ctx context.Context, job *models.Job) error

	// ClaimNext moves the oldest eligible pending job (run_at, then job_id) to
	// processing on behalf of workerID and increments its attempts. It returns
	// nil, nil when nothing is eligible. At most one concurrent caller can
	// claim a given job.
	ClaimNext(ctx context.Context, workerID string, visibility time.Duration) (*models.Job, error)

	// Complete moves a processing job to completed and stores result.
	Complete(ctx context.Context, id string, result json.RawMessage, opts ...TransitionOption) error

	// Fail records errMsg and applies outcome: back to pending at outcome.RunAt
	// while attempts remain, otherwise to failed.
	Fail(ctx context.Context, id string, errMsg string, outcome retry.Outcome, opts ...TransitionOption) error

	// ReclaimExpired transitions processing jobs whose claim expired before
	// now, counting the expiry as a failed attempt decided by policy. It
	// returns the jobs as stored after the transition.
	ReclaimExpired(ctx context.Context, now time.Time, policy *retry.Policy) ([]*models.Job, error)

	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// JobFilter selects jobs for ListJobs. Empty fields match everything.
type JobFilter struct {
	Status string
	Type   string
	Page   int
	Limit  int
}

// pagination normalizes Page/Limit into LIMIT/OFFSET values.
func (f JobFilter) pagination() (limit, offset int) {
	limit = f.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	return limit, (page - 1) * limit
}

type transitionParams struct {
	ClaimedBy *string
	Attempt   *int
}

// TransitionOption narrows Complete and Fail.
type TransitionOption func(*transitionParams)

// WithClaim fences a transition to the claim that produced it: the update only
// applies if the job is still held by workerID on the given attempt. A worker
// whose claim expired and was reclaimed gets ErrInvalidTransition instead of
// overwriting the newer claim.
func WithClaim(workerID string, attempt int) TransitionOption {
	return func(p *transitionParams) {
		p.ClaimedBy = &workerID
		p.Attempt = &attempt
	}
}

func buildParams(opts []TransitionOption) *transitionParams {
	params := &transitionParams{}
	for _, opt := range opts {
		opt(params)
	}
	return params
}
