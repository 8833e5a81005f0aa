package engine_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/jobqueue/internal/engine"
	"github.com/kiranshivaraju/jobqueue/internal/events"
	"github.com/kiranshivaraju/jobqueue/internal/registry"
	"github.com/kiranshivaraju/jobqueue/internal/store"
	"github.com/kiranshivaraju/jobqueue/pkg/models"
)

func runDispatcher(t *testing.T, d *engine.Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestDispatcher_NextClaimsForWorker(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.Enqueue(ctx, &models.Job{ID: "job-1", Type: "echo"}))

	d := engine.NewDispatcher(st, time.Minute, 10*time.Millisecond, testLogger())
	runDispatcher(t, d)

	j, err := d.Next(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", j.ID)
	assert.Equal(t, models.JobStatusProcessing, j.Status)
	require.NotNil(t, j.ClaimedBy)
	assert.Equal(t, "w-1", *j.ClaimedBy)
	assert.Equal(t, 1, j.Attempts)
}

func TestDispatcher_WakeSkipsPollInterval(t *testing.T) {
	st := store.NewMemoryStore()
	d := engine.NewDispatcher(st, time.Minute, time.Hour, testLogger())
	runDispatcher(t, d)

	got := make(chan *models.Job, 1)
	go func() {
		j, err := d.Next(context.Background(), "w-1")
		if err == nil {
			got <- j
		}
	}()

	// The first claim attempt finds nothing and the dispatcher starts waiting.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, st.Enqueue(context.Background(), &models.Job{ID: "late", Type: "echo"}))
	d.Wake()

	select {
	case j := <-got:
		assert.Equal(t, "late", j.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("wake did not trigger a claim")
	}
}

func TestDispatcher_WakeNeverBlocks(t *testing.T) {
	d := engine.NewDispatcher(store.NewMemoryStore(), time.Minute, time.Hour, testLogger())
	for i := 0; i < 100; i++ {
		d.Wake()
	}
}

func TestDispatcher_NextReturnsOnCancel(t *testing.T) {
	d := engine.NewDispatcher(store.NewMemoryStore(), time.Minute, 10*time.Millisecond, testLogger())
	runDispatcher(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	j, err := d.Next(ctx, "w-1")
	assert.Nil(t, j)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// slowClaimStore holds every ClaimNext call until release is closed.
type slowClaimStore struct {
	*store.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (s *slowClaimStore) ClaimNext(ctx context.Context, workerID string, visibility time.Duration) (*models.Job, error) {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return s.MemoryStore.ClaimNext(ctx, workerID, visibility)
}

func TestDispatcher_ClaimDuringShutdownIsHandedOver(t *testing.T) {
	st := &slowClaimStore{
		MemoryStore: store.NewMemoryStore(),
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
	require.NoError(t, st.Enqueue(context.Background(), &models.Job{ID: "in-flight", Type: "echo"}))

	d := engine.NewDispatcher(st, time.Minute, time.Hour, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = d.Run(ctx)
	}()

	type result struct {
		job *models.Job
		err error
	}
	got := make(chan result, 1)
	go func() {
		j, err := d.Next(ctx, "w-1")
		got <- result{j, err}
	}()

	<-st.entered
	cancel()
	close(st.release)

	select {
	case r := <-got:
		require.NoError(t, r.err)
		require.NotNil(t, r.job)
		assert.Equal(t, "in-flight", r.job.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return")
	}
	<-runDone
}

func TestDispatcher_NextAfterStopReturnsContextError(t *testing.T) {
	d := engine.NewDispatcher(store.NewMemoryStore(), time.Minute, time.Hour, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))

	j, err := d.Next(ctx, "w-1")
	assert.Nil(t, j)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReaper_SweepReclaimsAndPublishes(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.Enqueue(ctx, &models.Job{ID: "retryable", Type: "echo", MaxAttempts: 3}))
	require.NoError(t, st.Enqueue(ctx, &models.Job{ID: "exhausted", Type: "echo", MaxAttempts: 1}))
	require.NoError(t, st.Enqueue(ctx, &models.Job{ID: "healthy", Type: "echo", MaxAttempts: 1}))

	for i := 0; i < 2; i++ {
		j, err := st.ClaimNext(ctx, "dead", time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, j)
	}
	live, err := st.ClaimNext(ctx, "alive", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, live)
	time.Sleep(5 * time.Millisecond)

	rec := &eventRecorder{}
	e := engine.New(st, registry.New(), fastPolicy(), testConfig(), testLogger(), engine.WithPublisher(rec))

	reclaimed, err := e.Reaper().Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, reclaimed, 2)

	byID := map[string]*models.Job{}
	for _, j := range reclaimed {
		byID[j.ID] = j
	}
	require.Contains(t, byID, "retryable")
	require.Contains(t, byID, "exhausted")
	assert.Equal(t, models.JobStatusPending, byID["retryable"].Status)
	assert.Equal(t, models.JobStatusFailed, byID["exhausted"].Status)
	require.NotNil(t, byID["exhausted"].Error)
	assert.Equal(t, store.ClaimExpiredMessage, *byID["exhausted"].Error)

	assert.Equal(t, []string{events.JobReclaimed, events.JobRetrying}, rec.types("retryable"))
	assert.Equal(t, []string{events.JobReclaimed, events.JobFailed}, rec.types("exhausted"))
	assert.Empty(t, rec.types(live.ID))

	got, err := st.GetJob(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, got.Status)

	// A second sweep finds nothing new.
	again, err := e.Reaper().Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestEngine_StaleOutcomeIsRejected(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.Enqueue(ctx, &models.Job{ID: "job-s", Type: "echo", MaxAttempts: 3}))

	first, err := st.ClaimNext(ctx, "slow-worker", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	e := engine.New(st, registry.New(), fastPolicy(), testConfig(), testLogger())
	_, err = e.Reaper().Sweep(ctx)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	second, err := st.ClaimNext(ctx, "fresh-worker", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, 2, second.Attempts)

	// The slow worker finally reports back for its expired attempt.
	err = st.Complete(ctx, first.ID, json.RawMessage(`{"late":true}`), store.WithClaim(*first.ClaimedBy, first.Attempts))
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	got, err := st.GetJob(ctx, "job-s")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
	assert.Equal(t, "fresh-worker", *got.ClaimedBy)
}
