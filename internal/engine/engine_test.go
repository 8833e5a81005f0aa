package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/kiranshivaraju/jobqueue/internal/engine"
	"github.com/kiranshivaraju/jobqueue/internal/events"
	"github.com/kiranshivaraju/jobqueue/internal/metrics"
	"github.com/kiranshivaraju/jobqueue/internal/registry"
	"github.com/kiranshivaraju/jobqueue/internal/retry"
	"github.com/kiranshivaraju/jobqueue/internal/store"
	"github.com/kiranshivaraju/jobqueue/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastPolicy() *retry.Policy {
	return retry.NewPolicy(time.Millisecond, 5*time.Millisecond, 0)
}

func testConfig() engine.Config {
	return engine.Config{
		WorkerID:          "test-worker",
		PoolSize:          2,
		VisibilityTimeout: time.Minute,
		PollInterval:      10 * time.Millisecond,
		ReaperInterval:    time.Hour,
		ShutdownGrace:     time.Second,
	}
}

// startEngine runs e until the test ends.
func startEngine(t *testing.T, e *engine.Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
	})
}

func waitForStatus(t *testing.T, st store.Store, id, status string) *models.Job {
	t.Helper()
	var got *models.Job
	require.Eventually(t, func() bool {
		j, err := st.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		got = j
		return j.Status == status
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, status)
	return got
}

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *eventRecorder) types(jobID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.JobID == jobID {
			out = append(out, e.Type)
		}
	}
	return out
}

// --- Scenario A: happy path ---

func TestEngine_CompletesJob(t *testing.T) {
	st := store.NewMemoryStore()
	reg := registry.New()
	reg.MustRegister("summarize", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"summary":"short"}`), nil
	})
	rec := &eventRecorder{}

	e := engine.New(st, reg, fastPolicy(), testConfig(), testLogger(), engine.WithPublisher(rec))
	startEngine(t, e)

	job := &models.Job{ID: "job-a", Type: "summarize", Payload: json.RawMessage(`{"text":"long"}`)}
	require.NoError(t, st.Enqueue(context.Background(), job))
	require.NoError(t, e.NotifyWake(context.Background()))

	got := waitForStatus(t, st, "job-a", models.JobStatusCompleted)
	assert.Equal(t, 1, got.Attempts)
	assert.JSONEq(t, `{"summary":"short"}`, string(got.Result))
	assert.NotNil(t, got.CompletedAt)

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{events.JobStarted, events.JobCompleted}, rec.types("job-a"))
	}, time.Second, 5*time.Millisecond)
}

// --- Scenario B: transient failure then success ---

func TestEngine_RetriesTransientFailure(t *testing.T) {
	st := store.NewMemoryStore()
	reg := registry.New()
	var calls atomic.Int32
	reg.MustRegister("index", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("search cluster unavailable")
		}
		return json.RawMessage(`{"indexed":true}`), nil
	})
	rec := &eventRecorder{}

	e := engine.New(st, reg, fastPolicy(), testConfig(), testLogger(), engine.WithPublisher(rec))
	startEngine(t, e)

	require.NoError(t, st.Enqueue(context.Background(), &models.Job{ID: "job-b", Type: "index", MaxAttempts: 3}))

	got := waitForStatus(t, st, "job-b", models.JobStatusCompleted)
	assert.Equal(t, 2, got.Attempts)
	assert.JSONEq(t, `{"indexed":true}`, string(got.Result))

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{
			events.JobStarted, events.JobRetrying,
			events.JobStarted, events.JobCompleted,
		}, rec.types("job-b"))
	}, time.Second, 5*time.Millisecond)
}

// --- Scenario C: attempts exhausted ---

func TestEngine_FailsAfterMaxAttempts(t *testing.T) {
	st := store.NewMemoryStore()
	reg := registry.New()
	var calls atomic.Int32
	reg.MustRegister("codegen", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		return nil, errors.New("model overloaded")
	})

	e := engine.New(st, reg, fastPolicy(), testConfig(), testLogger())
	startEngine(t, e)

	require.NoError(t, st.Enqueue(context.Background(), &models.Job{ID: "job-c", Type: "codegen", MaxAttempts: 3}))

	got := waitForStatus(t, st, "job-c", models.JobStatusFailed)
	assert.Equal(t, 3, got.Attempts)
	require.NotNil(t, got.Error)
	assert.Equal(t, "model overloaded", *got.Error)
	assert.Nil(t, got.Result)

	// No further attempts once failed.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}

// --- Scenario D: worker crashed mid-job ---

func TestEngine_RecoversCrashedClaim(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.Enqueue(ctx, &models.Job{ID: "job-d", Type: "summarize", MaxAttempts: 3}))

	// A worker claims the job and dies without reporting back.
	crashed, err := st.ClaimNext(ctx, "dead-worker", time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, crashed)
	time.Sleep(5 * time.Millisecond)

	reg := registry.New()
	reg.MustRegister("summarize", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
	rec := &eventRecorder{}

	e := engine.New(st, reg, fastPolicy(), testConfig(), testLogger(), engine.WithPublisher(rec))
	startEngine(t, e)

	got := waitForStatus(t, st, "job-d", models.JobStatusCompleted)
	assert.Equal(t, 2, got.Attempts)
	require.NotNil(t, got.ClaimedBy)
	assert.NotEqual(t, "dead-worker", *got.ClaimedBy)

	require.Eventually(t, func() bool {
		// The reaper and the pool publish independently, so only the set is fixed.
		got := rec.types("job-d")
		slices.Sort(got)
		want := []string{events.JobReclaimed, events.JobRetrying, events.JobStarted, events.JobCompleted}
		slices.Sort(want)
		return assert.ObjectsAreEqual(want, got)
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_UnknownJobTypeIsTerminal(t *testing.T) {
	st := store.NewMemoryStore()
	e := engine.New(st, registry.New(), fastPolicy(), testConfig(), testLogger())
	startEngine(t, e)

	require.NoError(t, st.Enqueue(context.Background(), &models.Job{ID: "job-u", Type: "translate", MaxAttempts: 5}))

	got := waitForStatus(t, st, "job-u", models.JobStatusFailed)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, registry.ErrUnknownJobType.Error())
}

func TestEngine_PanicIsRecovered(t *testing.T) {
	st := store.NewMemoryStore()
	reg := registry.New()
	reg.MustRegister("explode", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		panic("nil map write")
	})
	reg.MustRegister("echo", func(_ context.Context, p json.RawMessage) (json.RawMessage, error) {
		return p, nil
	})

	e := engine.New(st, reg, fastPolicy(), testConfig(), testLogger())
	startEngine(t, e)

	ctx := context.Background()
	require.NoError(t, st.Enqueue(ctx, &models.Job{ID: "job-p", Type: "explode", MaxAttempts: 2}))

	got := waitForStatus(t, st, "job-p", models.JobStatusFailed)
	assert.Equal(t, 2, got.Attempts)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "handler panicked: nil map write")

	// Workers survive the panic.
	require.NoError(t, st.Enqueue(ctx, &models.Job{ID: "job-after", Type: "echo", Payload: json.RawMessage(`{"x":1}`)}))
	waitForStatus(t, st, "job-after", models.JobStatusCompleted)
}

func TestEngine_DeadlineExceeded(t *testing.T) {
	st := store.NewMemoryStore()
	reg := registry.New()
	reg.MustRegister("slow", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	cfg := testConfig()
	cfg.VisibilityTimeout = 50 * time.Millisecond
	e := engine.New(st, reg, fastPolicy(), cfg, testLogger())
	startEngine(t, e)

	require.NoError(t, st.Enqueue(context.Background(), &models.Job{ID: "job-slow", Type: "slow", MaxAttempts: 1}))

	got := waitForStatus(t, st, "job-slow", models.JobStatusFailed)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "visibility timeout exceeded")
}

func TestEngine_InvalidResultIsTerminal(t *testing.T) {
	st := store.NewMemoryStore()
	reg := registry.New()
	reg.MustRegister("broken", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{not json`), nil
	})

	e := engine.New(st, reg, fastPolicy(), testConfig(), testLogger())
	startEngine(t, e)

	require.NoError(t, st.Enqueue(context.Background(), &models.Job{ID: "job-bad", Type: "broken", MaxAttempts: 3}))

	got := waitForStatus(t, st, "job-bad", models.JobStatusFailed)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.Error)
	assert.Equal(t, engine.ErrInvalidResult.Error(), *got.Error)
}

func TestEngine_PermanentErrorSkipsRetries(t *testing.T) {
	st := store.NewMemoryStore()
	reg := registry.New()
	reg.MustRegister("validate", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, retry.Permanent(errors.New("paper id missing"))
	})

	e := engine.New(st, reg, fastPolicy(), testConfig(), testLogger())
	startEngine(t, e)

	require.NoError(t, st.Enqueue(context.Background(), &models.Job{ID: "job-perm", Type: "validate", MaxAttempts: 5}))

	got := waitForStatus(t, st, "job-perm", models.JobStatusFailed)
	assert.Equal(t, 1, got.Attempts)
}

func TestEngine_InFlightBoundedByPoolSize(t *testing.T) {
	st := store.NewMemoryStore()
	reg := registry.New()

	var current, peak atomic.Int32
	release := make(chan struct{})
	reg.MustRegister("block", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer current.Add(-1)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return nil, nil
	})

	const jobs = 6
	ctx := context.Background()
	for i := 0; i < jobs; i++ {
		require.NoError(t, st.Enqueue(ctx, &models.Job{ID: fmt.Sprintf("job-%d", i), Type: "block"}))
	}

	cfg := testConfig()
	cfg.PoolSize = 2
	e := engine.New(st, reg, fastPolicy(), cfg, testLogger())
	startEngine(t, e)

	require.Eventually(t, func() bool { return current.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	counts, err := st.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.JobStatusProcessing], "only idle workers get claims")
	assert.Equal(t, jobs-2, counts[models.JobStatusPending])

	close(release)
	for i := 0; i < jobs; i++ {
		waitForStatus(t, st, fmt.Sprintf("job-%d", i), models.JobStatusCompleted)
	}
	assert.Equal(t, int32(2), peak.Load())
}

func TestEngine_RecordsMetrics(t *testing.T) {
	st := store.NewMemoryStore()
	reg := registry.New()
	reg.MustRegister("echo", func(_ context.Context, p json.RawMessage) (json.RawMessage, error) { return p, nil })
	m := metrics.New(prometheus.NewRegistry())

	e := engine.New(st, reg, fastPolicy(), testConfig(), testLogger(), engine.WithMetrics(m))
	startEngine(t, e)

	require.NoError(t, st.Enqueue(context.Background(), &models.Job{ID: "job-m", Type: "echo"}))
	waitForStatus(t, st, "job-m", models.JobStatusCompleted)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Completed.WithLabelValues("echo")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Claimed.WithLabelValues("echo")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.InFlight))
}

func TestEngine_TracesExecution(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	st := store.NewMemoryStore()
	reg := registry.New()
	reg.MustRegister("fail", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, retry.Permanent(errors.New("bad input"))
	})

	e := engine.New(st, reg, fastPolicy(), testConfig(), testLogger(), engine.WithTracer(tp.Tracer("test")))
	startEngine(t, e)

	require.NoError(t, st.Enqueue(context.Background(), &models.Job{ID: "job-t", Type: "fail"}))
	waitForStatus(t, st, "job-t", models.JobStatusFailed)

	require.Eventually(t, func() bool { return len(sr.Ended()) == 1 }, time.Second, 5*time.Millisecond)
	span := sr.Ended()[0]
	assert.Equal(t, "jobqueue.job.execute", span.Name())

	attrs := map[string]any{}
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, "job-t", attrs["jobqueue.job.id"])
	assert.Equal(t, "fail", attrs["jobqueue.job.type"])
	assert.Equal(t, int64(1), attrs["jobqueue.job.attempt"])
	assert.Equal(t, "Error", span.Status().Code.String())
}

type fakeWakeSource struct {
	ch chan struct{}
}

func (f *fakeWakeSource) SubscribeWake(ctx context.Context) (<-chan struct{}, error) {
	out := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-f.ch:
				select {
				case out <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func TestEngine_ExternalWake(t *testing.T) {
	st := store.NewMemoryStore()
	reg := registry.New()
	reg.MustRegister("echo", func(_ context.Context, p json.RawMessage) (json.RawMessage, error) { return p, nil })
	src := &fakeWakeSource{ch: make(chan struct{})}

	cfg := testConfig()
	cfg.PollInterval = time.Hour
	e := engine.New(st, reg, fastPolicy(), cfg, testLogger(), engine.WithWakeSource(src))
	startEngine(t, e)

	// Let the workers settle into the idle wait before enqueueing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, st.Enqueue(context.Background(), &models.Job{ID: "job-w", Type: "echo"}))
	src.ch <- struct{}{}

	waitForStatus(t, st, "job-w", models.JobStatusCompleted)
}
