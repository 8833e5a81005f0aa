// Package jobs is the submission boundary: it validates caller input, persists
// new jobs through the store and tells the engine there is work.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/kiranshivaraju/jobqueue/internal/cache"
	"github.com/kiranshivaraju/jobqueue/internal/events"
	"github.com/kiranshivaraju/jobqueue/internal/metrics"
	"github.com/kiranshivaraju/jobqueue/internal/store"
	"github.com/kiranshivaraju/jobqueue/pkg/models"
)

// ErrInvalidRequest wraps every validation failure of caller input.
var ErrInvalidRequest = errors.New("invalid request")

const (
	maxJobIDLength   = 255
	maxJobTypeLength = 100
)

// SubmitParams describes a job to submit. ID and MaxAttempts are optional.
type SubmitParams struct {
	ID          string
	Type        string
	Payload     json.RawMessage
	MaxAttempts int
}

// Notifier is told after each successful submission so idle workers can
// claim immediately instead of waiting for their next poll.
type Notifier interface {
	NotifyWake(ctx context.Context) error
}

// Option configures a Service.
type Option func(*Service)

// WithStatusCache serves Status lookups from c before falling back to the store.
func WithStatusCache(c cache.Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithPublisher sends a job.submitted event for every new job.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithNotifiers adds wake targets.
func WithNotifiers(n ...Notifier) Option {
	return func(s *Service) { s.notifiers = append(s.notifiers, n...) }
}

// WithMetrics counts submissions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service submits and inspects jobs.
type Service struct {
	store              store.Store
	cache              cache.Cache
	publisher          events.Publisher
	notifiers          []Notifier
	metrics            *metrics.Metrics
	defaultMaxAttempts int
	logger             *slog.Logger
}

// NewService creates a Service. Jobs submitted without MaxAttempts get
// defaultMaxAttempts.
func NewService(st store.Store, defaultMaxAttempts int, logger *slog.Logger, opts ...Option) *Service {
	if defaultMaxAttempts < 1 {
		defaultMaxAttempts = models.DefaultMaxAttempts
	}
	s := &Service{
		store:              st,
		publisher:          events.Nop{},
		defaultMaxAttempts: defaultMaxAttempts,
		logger:             logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates p and persists a new pending job. It returns
// store.ErrDuplicateJobID if p.ID is already taken.
func (s *Service) Submit(ctx context.Context, p SubmitParams) (*models.Job, error) {
	job, err := s.buildJob(p)
	if err != nil {
		return nil, err
	}

	if err := s.store.Enqueue(ctx, job); err != nil {
		if errors.Is(err, store.ErrDuplicateJobID) {
			return nil, err
		}
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	s.metrics.JobEnqueued(job.Type)
	s.logger.Info("job submitted",
		slog.String("job_id", job.ID),
		slog.String("job_type", job.Type),
		slog.Int("max_attempts", job.MaxAttempts),
	)

	if err := s.publisher.Publish(ctx, events.FromJob(events.JobSubmitted, job, job.CreatedAt)); err != nil {
		s.logger.Warn("failed to publish job event",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
	for _, n := range s.notifiers {
		if err := n.NotifyWake(ctx); err != nil {
			s.logger.Warn("failed to send wake signal", slog.String("error", err.Error()))
		}
	}
	return job, nil
}

func (s *Service) buildJob(p SubmitParams) (*models.Job, error) {
	id := strings.TrimSpace(p.ID)
	if len(id) > maxJobIDLength {
		return nil, fmt.Errorf("%w: job_id must be at most %d characters", ErrInvalidRequest, maxJobIDLength)
	}

	jobType := strings.TrimSpace(p.Type)
	if jobType == "" {
		return nil, fmt.Errorf("%w: job_type is required", ErrInvalidRequest)
	}
	if len(jobType) > maxJobTypeLength {
		return nil, fmt.Errorf("%w: job_type must be at most %d characters", ErrInvalidRequest, maxJobTypeLength)
	}

	payload := p.Payload
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload must be valid JSON", ErrInvalidRequest)
	}

	maxAttempts := p.MaxAttempts
	switch {
	case maxAttempts == 0:
		maxAttempts = s.defaultMaxAttempts
	case maxAttempts < 0:
		return nil, fmt.Errorf("%w: max_attempts must be at least 1", ErrInvalidRequest)
	}

	return &models.Job{
		ID:          id,
		Type:        jobType,
		Payload:     payload,
		MaxAttempts: maxAttempts,
	}, nil
}

// Get returns the job or store.ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*models.Job, error) {
	return s.store.GetJob(ctx, id)
}

// List returns one page of jobs matching filter and the total match count.
func (s *Service) List(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	if filter.Status != "" && !slices.Contains(statuses, filter.Status) {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, filter.Status)
	}
	return s.store.ListJobs(ctx, filter)
}

// Stats returns the number of jobs in every status, including empty ones.
func (s *Service) Stats(ctx context.Context) (map[string]int, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	out := make(map[string]int, len(statuses))
	for _, st := range statuses {
		out[st] = counts[st]
	}
	return out, nil
}

// Status returns only the job's status. The status cache answers when it
// can; misses and cache errors fall back to the store.
func (s *Service) Status(ctx context.Context, id string) (string, error) {
	if s.cache != nil {
		status, ok, err := s.cache.GetJobStatus(ctx, id)
		if err == nil && ok {
			return status, nil
		}
		if err != nil {
			s.logger.Warn("status cache lookup failed", slog.String("job_id", id), slog.String("error", err.Error()))
		}
	}

	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	if s.cache != nil {
		_ = s.cache.SetJobStatus(ctx, id, job.Status, job.Attempts, cache.JobStatusTTL)
	}
	return job.Status, nil
}

var statuses = []string{
	models.JobStatusPending,
	models.JobStatusProcessing,
	models.JobStatusCompleted,
	models.JobStatusFailed,
}
