package cache

import (
	"fmt"

	"github.com/kiranshivaraju/jobqueue/pkg/models"
)

// WakeChannel is the pub/sub channel submitters publish on after an enqueue.
const WakeChannel = "jobqueue:wake"

func JobStatusKey(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

// terminalVersion outranks every non-terminal state.
const terminalVersion = int64(1) << 40

// StatusVersion orders the states a job moves through. Attempt n runs as
// processing at 2n-1 and returns to pending at 2n; completed and failed are
// final. A cached status is only replaced by one with an equal or higher
// version.
func StatusVersion(status string, attempts int) int64 {
	switch status {
	case models.JobStatusCompleted, models.JobStatusFailed:
		return terminalVersion
	case models.JobStatusProcessing:
		return int64(2*attempts - 1)
	default:
		return int64(2 * attempts)
	}
}
