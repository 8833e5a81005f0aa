// Package registry maps job types to the handlers that execute them. New job
// types are added by registration at startup, never by changing the engine.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/kiranshivaraju/jobqueue/internal/retry"
)

var (
	ErrUnknownJobType      = errors.New("unknown job type")
	ErrDuplicateHandler    = errors.New("handler already registered")
	ErrInvalidRegistration = errors.New("invalid handler registration")
)

// HandlerFunc executes one job. It receives the payload exactly as submitted and
// returns the result to persist. Handlers must observe ctx: its deadline is the
// claim's visibility timeout.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds jobType to h. Registering the same type twice is an error.
func (r *Registry) Register(jobType string, h HandlerFunc) error {
	if jobType == "" || h == nil {
		return fmt.Errorf("%w: job type and handler are required", ErrInvalidRegistration)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[jobType]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateHandler, jobType)
	}
	r.handlers[jobType] = h
	return nil
}

// MustRegister is Register for startup code; it panics on error.
func (r *Registry) MustRegister(jobType string, h HandlerFunc) {
	if err := r.Register(jobType, h); err != nil {
		panic(err)
	}
}

// Get returns the handler for jobType, or ErrUnknownJobType.
func (r *Registry) Get(jobType string) (HandlerFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}
	return h, nil
}

// Types returns the registered job types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// RegisterTyped registers a handler that works on decoded values. The payload is
// JSON-decoded into In before fn runs and fn's Out is JSON-encoded as the result.
// A payload that does not decode is a permanent failure.
//
// This is a package-level function because Go does not allow generic methods.
func RegisterTyped[In, Out any](r *Registry, jobType string, fn func(ctx context.Context, in In) (Out, error)) error {
	if fn == nil {
		return fmt.Errorf("%w: job type and handler are required", ErrInvalidRegistration)
	}
	return r.Register(jobType, func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var in In
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &in); err != nil {
				return nil, retry.Permanent(fmt.Errorf("decode payload for %q: %w", jobType, err))
			}
		}

		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}

		b, err := json.Marshal(out)
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("encode result for %q: %w", jobType, err))
		}
		return b, nil
	})
}
