package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kiranshivaraju/jobqueue/internal/registry"
	"github.com/kiranshivaraju/jobqueue/internal/retry"
)

// maxSleep caps the diagnostic sleep handler.
const maxSleep = 10 * time.Minute

type sleepInput struct {
	Duration string `json:"duration"`
	// Fail makes the handler return an error after sleeping, to exercise retries.
	Fail bool `json:"fail"`
}

type sleepOutput struct {
	Slept string `json:"slept"`
}

// registerBuiltins adds the diagnostic job types every server ships with.
func registerBuiltins(reg *registry.Registry) error {
	if err := reg.Register("echo", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	}); err != nil {
		return err
	}
	return registry.RegisterTyped(reg, "sleep", sleep)
}

func sleep(ctx context.Context, in sleepInput) (sleepOutput, error) {
	d, err := time.ParseDuration(in.Duration)
	if err != nil || d < 0 || d > maxSleep {
		return sleepOutput{}, retry.Permanent(fmt.Errorf("duration must be between 0 and %s, got %q", maxSleep, in.Duration))
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return sleepOutput{}, ctx.Err()
	case <-t.C:
	}

	if in.Fail {
		return sleepOutput{}, fmt.Errorf("sleep finished after %s with requested failure", d)
	}
	return sleepOutput{Slept: d.String()}, nil
}
