package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/jobqueue/internal/retry"
	"github.com/kiranshivaraju/jobqueue/pkg/models"
)

// ClaimExpiredMessage is recorded as the job error when the reaper reclaims it.
const ClaimExpiredMessage = "claim expired"

var emptyObject = json.RawMessage(`{}`)

// The helpers below are the state machine shared by the memory and SQLite
// stores. PostgresStore expresses the same edges as SQL guards.
//
//	pending    -> processing            claim
//	processing -> completed             complete
//	processing -> pending | failed      fail, expire

func prepareEnqueue(j *models.Job, now time.Time) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.MaxAttempts < 1 {
		j.MaxAttempts = models.DefaultMaxAttempts
	}
	if len(j.Payload) == 0 {
		j.Payload = emptyObject
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.RunAt.IsZero() {
		j.RunAt = j.CreatedAt
	}
	j.UpdatedAt = j.CreatedAt
	j.Status = models.JobStatusPending
	j.Attempts = 0
	j.Result = nil
	j.Error = nil
	j.ClaimedBy = nil
	j.ClaimExpiresAt = nil
	j.CompletedAt = nil
}

func isEligible(j *models.Job, now time.Time) bool {
	return j.Status == models.JobStatusPending && !j.RunAt.After(now)
}

// claimsBefore orders eligible jobs: oldest eligibility first, job_id breaks ties.
func claimsBefore(a, b *models.Job) bool {
	if !a.RunAt.Equal(b.RunAt) {
		return a.RunAt.Before(b.RunAt)
	}
	return a.ID < b.ID
}

func applyClaim(j *models.Job, workerID string, now time.Time, visibility time.Duration) {
	expires := now.Add(visibility)
	j.Status = models.JobStatusProcessing
	j.Attempts++
	j.ClaimedBy = &workerID
	j.ClaimExpiresAt = &expires
	j.UpdatedAt = now
}

// checkHeld verifies j may leave processing under the given fence.
func checkHeld(j *models.Job, params *transitionParams) error {
	if j.Status != models.JobStatusProcessing {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, j.ID, j.Status)
	}
	if params.ClaimedBy != nil && (j.ClaimedBy == nil || *j.ClaimedBy != *params.ClaimedBy) {
		return fmt.Errorf("%w: job %s is no longer claimed by %s", ErrInvalidTransition, j.ID, *params.ClaimedBy)
	}
	if params.Attempt != nil && j.Attempts != *params.Attempt {
		return fmt.Errorf("%w: job %s moved past attempt %d", ErrInvalidTransition, j.ID, *params.Attempt)
	}
	return nil
}

func applyComplete(j *models.Job, result json.RawMessage, now time.Time) {
	j.Status = models.JobStatusCompleted
	j.Result = normalizeResult(result)
	j.ClaimExpiresAt = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// applyFail moves j out of processing. A Retry outcome is only honored while
// attempts remain, so attempts can never exceed max_attempts.
func applyFail(j *models.Job, errMsg string, outcome retry.Outcome, now time.Time) {
	msg := errMsg
	j.Error = &msg
	j.ClaimExpiresAt = nil
	j.UpdatedAt = now

	if outcome.Decision == retry.Retry && j.Attempts < j.MaxAttempts {
		j.Status = models.JobStatusPending
		j.RunAt = outcome.RunAt
		if j.RunAt.IsZero() {
			j.RunAt = now
		}
		return
	}

	j.Status = models.JobStatusFailed
	j.CompletedAt = &now
}

func applyExpire(j *models.Job, policy *retry.Policy, now time.Time) {
	applyFail(j, ClaimExpiredMessage, policy.Next(j.Attempts, j.MaxAttempts, now), now)
}

func isExpired(j *models.Job, now time.Time) bool {
	return j.Status == models.JobStatusProcessing && j.ClaimExpiresAt != nil && j.ClaimExpiresAt.Before(now)
}

func normalizeResult(result json.RawMessage) json.RawMessage {
	if len(result) == 0 {
		return emptyObject
	}
	return result
}
