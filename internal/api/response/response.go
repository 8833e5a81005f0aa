// Package response writes the JSON envelopes of the job API and maps job
// errors onto HTTP statuses and error codes.
package response

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/kiranshivaraju/jobqueue/internal/jobs"
	"github.com/kiranshivaraju/jobqueue/internal/store"
)

// Error codes returned in the "error.code" field.
const (
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeJobNotFound       = "JOB_NOT_FOUND"
	CodeDuplicateJobID    = "DUPLICATE_JOB_ID"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeRateLimited       = "RATE_LIMIT_EXCEEDED"
	CodeDegraded          = "DEGRADED"
	CodeNotImplemented    = "NOT_IMPLEMENTED"
	CodeInternal          = "INTERNAL_ERROR"
)

type envelope struct {
	Data any `json:"data"`
}

type collectionEnvelope struct {
	Data any            `json:"data"`
	Meta PaginationMeta `json:"meta"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type PaginationMeta struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasNext bool `json:"has_next"`
}

// NewPaginationMeta fills HasNext from the page position and total.
func NewPaginationMeta(page, limit, total int) PaginationMeta {
	return PaginationMeta{
		Page:    page,
		Limit:   limit,
		Total:   total,
		HasNext: page*limit < total,
	}
}

func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

// Accepted answers a submission: the job is stored but not yet run.
func Accepted(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusAccepted, envelope{Data: data})
}

func Collection(w http.ResponseWriter, data any, meta PaginationMeta) {
	writeJSON(w, http.StatusOK, collectionEnvelope{Data: data, Meta: meta})
}

func Error(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

// JobError writes the response for an error returned by the job service.
// Caller errors keep their message; anything unrecognized is logged and
// reported as an internal error.
func JobError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, jobs.ErrInvalidRequest):
		Error(w, http.StatusBadRequest, CodeInvalidRequest, err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		Error(w, http.StatusNotFound, CodeJobNotFound, "Job not found", nil)
	case errors.Is(err, store.ErrDuplicateJobID):
		Error(w, http.StatusConflict, CodeDuplicateJobID, "A job with this job_id already exists", nil)
	case errors.Is(err, store.ErrInvalidTransition):
		Error(w, http.StatusConflict, CodeInvalidTransition, "The job is not in a state that allows this operation", nil)
	default:
		InternalError(w, r, err)
	}
}

// InternalError logs err with the request it failed and hides it from the client.
func InternalError(w http.ResponseWriter, r *http.Request, err any) {
	slog.Error("request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", chimw.GetReqID(r.Context()),
		"error", err,
	)
	Error(w, http.StatusInternalServerError, CodeInternal, "An unexpected error occurred", nil)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response body", "status", status, "error", err)
	}
}
