package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/loraforge/internal/apperr"
	"github.com/bobmcallan/loraforge/internal/common"
)

type stubBackend struct {
	pushErr      error
	pushed       []string
	pushAttempts int
	mu           sync.Mutex
	healthy      bool
	healthchecks int
}

func (b *stubBackend) Push(_ context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pushAttempts++
	if b.pushErr != nil {
		return b.pushErr
	}
	b.pushed = append(b.pushed, jobID)
	return nil
}

func (b *stubBackend) Healthcheck(_ context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.healthchecks++
	return b.healthy
}

func (b *stubBackend) Close() error { return nil }

func testLogger() *common.Logger { return common.NewSilentLogger() }

func TestSubmit_NoBackendDispatchesInProcess(t *testing.T) {
	var handled int32
	done := make(chan struct{})
	worker := func(ctx context.Context, jobID string) {
		atomic.AddInt32(&handled, 1)
		close(done)
	}
	o := NewOrchestrator(testLogger(), nil, worker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx, 1)

	_, err := o.Submit(context.Background(), "job-1")
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker was never invoked")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&handled))
}

func TestSubmit_HealthyBackendUsesPush(t *testing.T) {
	backend := &stubBackend{healthy: true}
	o := NewOrchestrator(testLogger(), backend, func(ctx context.Context, jobID string) {})

	_, err := o.Submit(context.Background(), "job-2")
	require.NoError(t, err)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, []string{"job-2"}, backend.pushed)
}

func TestSubmit_BackendPushFailureFallsBackToInProcess(t *testing.T) {
	backend := &stubBackend{healthy: true, pushErr: assert.AnError}
	var handled int32
	done := make(chan struct{})
	worker := func(ctx context.Context, jobID string) {
		atomic.AddInt32(&handled, 1)
		close(done)
	}
	o := NewOrchestrator(testLogger(), backend, worker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx, 1)

	_, err := o.Submit(context.Background(), "job-3")
	require.NoError(t, err, "in-process fallback should still succeed even though the broker push failed")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fallback worker was never invoked")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&handled))
}

func TestNewOrchestrator_SeedsHealthFromBackendHealthcheck(t *testing.T) {
	backend := &stubBackend{healthy: false}
	o := NewOrchestrator(testLogger(), backend, func(ctx context.Context, jobID string) {})

	backend.mu.Lock()
	checks := backend.healthchecks
	backend.mu.Unlock()
	require.Equal(t, 1, checks, "constructor should healthcheck the backend exactly once to seed brokerHealthy")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx, 1)

	_, err := o.Submit(context.Background(), "job-seed")
	require.NoError(t, err)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, 0, backend.pushAttempts, "an unhealthy backend at construction time should never be pushed to")
}

func TestSubmit_RepeatedPushFailuresOnlyAttemptBrokerOnce(t *testing.T) {
	backend := &stubBackend{healthy: true, pushErr: assert.AnError}
	var handled int32
	worker := func(ctx context.Context, jobID string) {
		atomic.AddInt32(&handled, 1)
	}
	o := NewOrchestrator(testLogger(), backend, worker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx, 1)

	for i := 0; i < 5; i++ {
		_, err := o.Submit(context.Background(), fmt.Sprintf("job-repeat-%d", i))
		require.NoError(t, err)
	}

	deadline := time.After(time.Second)
	for atomic.LoadInt32(&handled) < 5 {
		select {
		case <-deadline:
			t.Fatal("not all jobs were handled in-process")
		case <-time.After(time.Millisecond):
		}
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, 1, backend.pushAttempts, "once the broker is marked unhealthy after the first failed push, later submits must not retry it")
}

func TestSubmit_SaturatedQueueReturnsContextError(t *testing.T) {
	// No Run() started, so nothing drains inProc; fill its full capacity
	// then submit with a context that's already canceled to exercise the
	// saturation path without waiting out the real submit timeout.
	o := NewOrchestrator(testLogger(), nil, func(ctx context.Context, jobID string) {})
	for i := 0; i < defaultInProcessCapacity; i++ {
		o.inProc <- "filler"
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Submit(ctx, "overflow")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubmit_QueueSaturatedKindOnTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping slow saturation timeout test in short mode")
	}
	o := NewOrchestrator(testLogger(), nil, func(ctx context.Context, jobID string) {})
	for i := 0; i < defaultInProcessCapacity; i++ {
		o.inProc <- "filler"
	}

	_, err := o.Submit(context.Background(), "overflow")
	require.Error(t, err)
	kind, ok := apperr.Of(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindQueueSaturated, kind)
}

func TestRun_StopCancelsWorkerLoop(t *testing.T) {
	o := NewOrchestrator(testLogger(), nil, func(ctx context.Context, jobID string) {})
	runDone := make(chan struct{})
	go func() {
		o.Run(context.Background(), 2)
		close(runDone)
	}()

	// Give Run a moment to install cancel before calling Stop.
	time.Sleep(10 * time.Millisecond)
	o.Stop()

	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
