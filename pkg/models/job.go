// Package models contains the record types shared across the job queue codebase.
package models

import (
	"encoding/json"
	"time"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// DefaultMaxAttempts matches the column default of the job_queue table.
const DefaultMaxAttempts = 3

// Job is the persistent record of one unit of asynchronous work. Submitters get a
// job_id back on POST /api/v1/jobs and poll GET /api/v1/jobs/{job_id} until the
// status is completed or failed.
//
// Payload and Result are opaque to the engine; only handlers interpret them.
type Job struct {
	ID             string          `db:"job_id"           json:"job_id"`
	Type           string          `db:"job_type"         json:"job_type"`
	Status         string          `db:"status"           json:"status"`
	Payload        json.RawMessage `db:"data"             json:"payload"`
	Result         json.RawMessage `db:"result"           json:"result,omitempty"`
	Error          *string         `db:"error"            json:"error,omitempty"`
	Attempts       int             `db:"attempts"         json:"attempts"`
	MaxAttempts    int             `db:"max_attempts"     json:"max_attempts"`
	RunAt          time.Time       `db:"run_at"           json:"run_at"`
	ClaimedBy      *string         `db:"claimed_by"       json:"claimed_by,omitempty"`
	ClaimExpiresAt *time.Time      `db:"claim_expires_at" json:"claim_expires_at,omitempty"`
	CreatedAt      time.Time       `db:"created_at"       json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"       json:"updated_at"`
	CompletedAt    *time.Time      `db:"completed_at"     json:"completed_at,omitempty"`
}

// IsTerminal reports whether the job can no longer change state.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// Clone returns a deep copy so callers can mutate it without touching shared state.
func (j *Job) Clone() *Job {
	cp := *j
	cp.Payload = cloneRaw(j.Payload)
	cp.Result = cloneRaw(j.Result)
	if j.Error != nil {
		e := *j.Error
		cp.Error = &e
	}
	if j.ClaimedBy != nil {
		c := *j.ClaimedBy
		cp.ClaimedBy = &c
	}
	if j.ClaimExpiresAt != nil {
		t := *j.ClaimExpiresAt
		cp.ClaimExpiresAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}
