package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kiranshivaraju/jobqueue/internal/api/response"
	"github.com/kiranshivaraju/jobqueue/internal/jobs"
	"github.com/kiranshivaraju/jobqueue/internal/store"
	"github.com/kiranshivaraju/jobqueue/pkg/models"
)

const maxSubmitBodyBytes = 1 << 20

// JobService defines the interface the job handlers depend on.
type JobService interface {
	Submit(ctx context.Context, p jobs.SubmitParams) (*models.Job, error)
	Get(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error)
	Status(ctx context.Context, id string) (string, error)
	Stats(ctx context.Context) (map[string]int, error)
}

// NewSubmitJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewSubmitJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JobID       string          `json:"job_id"`
			JobType     string          `json:"job_type"`
			Payload     json.RawMessage `json:"payload"`
			MaxAttempts int             `json:"max_attempts"`
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxSubmitBodyBytes)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid JSON body", nil)
			return
		}

		job, err := svc.Submit(r.Context(), jobs.SubmitParams{
			ID:          req.JobID,
			Type:        req.JobType,
			Payload:     req.Payload,
			MaxAttempts: req.MaxAttempts,
		})
		if err != nil {
			response.JobError(w, r, err)
			return
		}

		response.Accepted(w, map[string]string{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := svc.Get(r.Context(), chi.URLParam(r, "jobID"))
		if err != nil {
			response.JobError(w, r, err)
			return
		}
		response.JSON(w, toJobView(job))
	}
}

// NewJobStatusHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/status.
func NewJobStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "jobID")
		status, err := svc.Status(r.Context(), id)
		if err != nil {
			response.JobError(w, r, err)
			return
		}
		response.JSON(w, map[string]string{
			"job_id": id,
			"status": status,
		})
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
func NewListJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		page, err := queryInt(q.Get("page"), 1)
		if err != nil || page < 1 {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "page must be a positive integer", nil)
			return
		}
		limit, err := queryInt(q.Get("limit"), defaultPageLimit)
		if err != nil || limit < 1 {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "limit must be a positive integer", nil)
			return
		}
		if limit > maxPageLimit {
			limit = maxPageLimit
		}

		list, total, err := svc.List(r.Context(), store.JobFilter{
			Status: q.Get("status"),
			Type:   q.Get("type"),
			Page:   page,
			Limit:  limit,
		})
		if err != nil {
			response.JobError(w, r, err)
			return
		}

		views := make([]jobView, 0, len(list))
		for _, j := range list {
			views = append(views, toJobView(j))
		}
		response.Collection(w, views, response.NewPaginationMeta(page, limit, total))
	}
}

// NewJobStatsHandler returns an http.HandlerFunc for GET /api/v1/stats.
func NewJobStatsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := svc.Stats(r.Context())
		if err != nil {
			response.InternalError(w, r, err)
			return
		}
		response.JSON(w, map[string]any{"jobs": counts})
	}
}

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// jobView is the external projection of a job. Claim bookkeeping stays internal.
type jobView struct {
	JobID       string          `json:"job_id"`
	JobType     string          `json:"job_type"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *string         `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	RunAt       string          `json:"run_at"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
	CompletedAt *string         `json:"completed_at"`
}

func toJobView(j *models.Job) jobView {
	v := jobView{
		JobID:       j.ID,
		JobType:     j.Type,
		Status:      j.Status,
		Result:      j.Result,
		Error:       j.Error,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		RunAt:       formatTime(j.RunAt),
		CreatedAt:   formatTime(j.CreatedAt),
		UpdatedAt:   formatTime(j.UpdatedAt),
	}
	if j.CompletedAt != nil {
		s := formatTime(*j.CompletedAt)
		v.CompletedAt = &s
	}
	return v
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func queryInt(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
