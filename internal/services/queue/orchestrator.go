// Package queue implements the Queue Orchestrator: one
// submit(job_id) contract in front of either a durable broker backend
// or a bounded in-process worker pool, with health-checked degradation
// between the two.
package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bobmcallan/loraforge/internal/apperr"
	"github.com/bobmcallan/loraforge/internal/common"
	"github.com/bobmcallan/loraforge/internal/interfaces"
)

const (
	defaultInProcessCapacity = 256
	defaultSubmitTimeout     = 5 * time.Second
	healthCheckInterval      = 30 * time.Second
)

// Backend abstracts the durable broker side of the orchestrator. A nil
// Backend means the orchestrator runs purely in-process.
type Backend interface {
	Push(ctx context.Context, jobID string) error
	Healthcheck(ctx context.Context) bool
	Close() error
}

// Orchestrator is the Queue Orchestrator. Construct with NewOrchestrator
// and call Run to start the in-process worker pool and (if a Backend is
// configured) the health-check loop; Submit dispatches to whichever
// backend is currently healthy.
type Orchestrator struct {
	backend Backend
	worker  func(ctx context.Context, jobID string)
	inProc  chan string
	logger  *common.Logger

	mu            sync.RWMutex
	brokerHealthy bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewOrchestrator constructs an Orchestrator. backend may be nil to
// force the in-process-only path (no broker configured). worker is
// invoked once per claimed job id — it is the Delivery Worker's entry
// point. Concurrency is supplied to Run, not here, since it governs how
// many worker goroutines Run starts rather than anything held by the
// Orchestrator between construction and Run. A configured backend is
// health-checked once here so Submit's initial routing decision
// reflects reality rather than optimistically assuming health until
// the first 30s tick.
func NewOrchestrator(logger *common.Logger, backend Backend, worker func(ctx context.Context, jobID string)) *Orchestrator {
	healthy := false
	if backend != nil {
		healthy = backend.Healthcheck(context.Background())
	}
	return &Orchestrator{
		backend:       backend,
		worker:        worker,
		inProc:        make(chan string, defaultInProcessCapacity),
		logger:        logger,
		brokerHealthy: healthy,
	}
}

// safeGo launches a goroutine with panic recovery and logging, in the
// same shape as the teacher's job manager's goroutine launcher.
func (o *Orchestrator) safeGo(name string, fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("recovered from panic in queue orchestrator goroutine")
			}
		}()
		fn()
	}()
}

// Run starts the in-process worker pool (concurrency goroutines
// draining inProc) and, if a backend is configured, the periodic
// health-check loop. Blocks until ctx is canceled, then waits for
// workers to drain.
func (o *Orchestrator) Run(ctx context.Context, concurrency int) {
	if concurrency <= 0 {
		concurrency = 2
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	for i := 0; i < concurrency; i++ {
		name := fmt.Sprintf("queue-worker-%d", i)
		o.safeGo(name, func() { o.workerLoop(runCtx) })
	}

	if o.backend != nil {
		o.safeGo("broker-healthcheck", func() { o.healthLoop(runCtx) })
	}

	<-runCtx.Done()
	o.wg.Wait()
}

// Stop cancels the run loop started by Run.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
}

func (o *Orchestrator) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-o.inProc:
			o.worker(ctx, jobID)
		}
	}
}

// healthLoop health-checks the broker every 30s and logs a single
// warning per unhealthy/healthy transition, never per submit call.
func (o *Orchestrator) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.setBrokerHealthy(o.backend.Healthcheck(ctx))
		}
	}
}

// setBrokerHealthy updates brokerHealthy under the write lock and logs
// only on a healthy/unhealthy transition, never on every call — both
// the periodic healthLoop tick and a failed Submit push route through
// here so a sustained outage with many submits in flight before the
// next tick produces exactly one warning, not one per submit.
func (o *Orchestrator) setBrokerHealthy(healthy bool) {
	o.mu.Lock()
	wasHealthy := o.brokerHealthy
	o.brokerHealthy = healthy
	o.mu.Unlock()

	if wasHealthy && !healthy {
		o.logger.Warn().Msg("broker backend unhealthy, falling back to in-process dispatch")
	} else if !wasHealthy && healthy {
		o.logger.Info().Msg("broker backend recovered, resuming broker dispatch")
	}
}

// Submit dispatches jobID to whichever backend is currently healthy.
// When running purely in-process (no backend, or the broker is
// unhealthy), a full channel blocks for up to 5s before failing with
// apperr.KindQueueSaturated.
func (o *Orchestrator) Submit(ctx context.Context, jobID string) (time.Time, error) {
	o.mu.RLock()
	useBroker := o.backend != nil && o.brokerHealthy
	o.mu.RUnlock()

	if useBroker {
		if err := o.backend.Push(ctx, jobID); err != nil {
			o.setBrokerHealthy(false)
			return o.submitInProcess(ctx, jobID)
		}
		return time.Now(), nil
	}
	return o.submitInProcess(ctx, jobID)
}

func (o *Orchestrator) submitInProcess(ctx context.Context, jobID string) (time.Time, error) {
	select {
	case o.inProc <- jobID:
		return time.Now(), nil
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	case <-time.After(defaultSubmitTimeout):
		return time.Time{}, apperr.New(apperr.KindQueueSaturated,
			fmt.Sprintf("in-process queue saturated, could not submit job %s within %s", jobID, defaultSubmitTimeout))
	}
}

var _ interfaces.QueueSubmitter = (*Orchestrator)(nil)
