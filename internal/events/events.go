// Package events describes job lifecycle notifications and the publishers that
// deliver them to collaborators. Publishing is best effort: a failed publish is
// logged by the caller and never rolls back a state change.
package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/kiranshivaraju/jobqueue/pkg/models"
)

const (
	JobSubmitted = "job.submitted"
	JobStarted   = "job.started"
	JobCompleted = "job.completed"
	JobRetrying  = "job.retrying"
	JobFailed    = "job.failed"
	JobReclaimed = "job.reclaimed"
)

// Event is a snapshot of a job right after a transition.
type Event struct {
	Type     string    `json:"type"`
	JobID    string    `json:"job_id"`
	JobType  string    `json:"job_type"`
	Status   string    `json:"status"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
	RunAt    time.Time `json:"run_at"`
	At       time.Time `json:"at"`
}

// Suffix is the event type without its "job." prefix.
func (e Event) Suffix() string {
	return strings.TrimPrefix(e.Type, "job.")
}

// FromJob builds an event of eventType describing j.
func FromJob(eventType string, j *models.Job, at time.Time) Event {
	e := Event{
		Type:     eventType,
		JobID:    j.ID,
		JobType:  j.Type,
		Status:   j.Status,
		Attempts: j.Attempts,
		RunAt:    j.RunAt,
		At:       at,
	}
	if j.Error != nil {
		e.Error = *j.Error
	}
	return e
}

// ForFailure picks the event type for a job that just left processing
// unsuccessfully.
func ForFailure(j *models.Job) string {
	if j.Status == models.JobStatusPending {
		return JobRetrying
	}
	return JobFailed
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout publishes each event to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
