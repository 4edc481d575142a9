// Package delivery implements the Delivery Worker: the state
// machine that drives a claimed job from queued through processing to
// a terminal state, polling the Generator Client and publishing
// normalized progress through the Progress Broadcaster.
package delivery

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/bobmcallan/loraforge/internal/apperr"
	"github.com/bobmcallan/loraforge/internal/common"
	"github.com/bobmcallan/loraforge/internal/interfaces"
	"github.com/bobmcallan/loraforge/internal/models"
	"github.com/bobmcallan/loraforge/internal/services/broadcast"
	"github.com/bobmcallan/loraforge/internal/statusnorm"
)

const (
	defaultPollInterval   = time.Second
	defaultMaxJobDuration = 30 * time.Minute
	pollJitterFraction    = 0.2
)

// Worker drives jobs claimed off the queue. It is constructed once and
// its Handle method is passed to queue.NewOrchestrator as the per-job
// worker function.
type Worker struct {
	store     interfaces.JobStore
	generator interfaces.GeneratorClient
	hub       *broadcast.Hub
	logger    *common.Logger

	pollInterval   time.Duration
	maxJobDuration time.Duration

	cancelMu sync.Mutex
	cancels  map[string]chan struct{}
}

// NewWorker constructs a Delivery Worker.
func NewWorker(store interfaces.JobStore, generator interfaces.GeneratorClient, hub *broadcast.Hub, logger *common.Logger, pollInterval, maxJobDuration time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if maxJobDuration <= 0 {
		maxJobDuration = defaultMaxJobDuration
	}
	return &Worker{
		store:          store,
		generator:      generator,
		hub:            hub,
		logger:         logger,
		pollInterval:   pollInterval,
		maxJobDuration: maxJobDuration,
		cancels:        make(map[string]chan struct{}),
	}
}

// RequestCancel asks a currently-processing job to stop. A no-op if the
// job isn't currently claimed by this process (e.g. it finished, or was
// claimed by another worker process — in that case the cancel request
// should be applied directly to the Store by the caller instead).
func (w *Worker) RequestCancel(jobID string) bool {
	w.cancelMu.Lock()
	defer w.cancelMu.Unlock()
	ch, ok := w.cancels[jobID]
	if !ok {
		return false
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
	return true
}

func (w *Worker) registerCancel(jobID string) chan struct{} {
	ch := make(chan struct{})
	w.cancelMu.Lock()
	w.cancels[jobID] = ch
	w.cancelMu.Unlock()
	return ch
}

func (w *Worker) unregisterCancel(jobID string) {
	w.cancelMu.Lock()
	delete(w.cancels, jobID)
	w.cancelMu.Unlock()
}

// Handle is the Queue Orchestrator's per-job entry point. It implements
// the full claim, processing, poll, and terminal-transition state
// machine, including the idempotency check for at-least-once redelivery.
func (w *Worker) Handle(ctx context.Context, jobID string) {
	job, err := w.store.Get(ctx, jobID)
	if err != nil {
		w.logger.Warn().Err(err).Str("job_id", jobID).Msg("delivery worker: job not found, dropping redelivery")
		return
	}

	// Step 1: idempotent redelivery — a terminal job is acknowledged
	// and dropped without re-processing.
	if job.Status.IsTerminal() {
		w.logger.Debug().Str("job_id", jobID).Str("status", string(job.Status)).Msg("job already terminal, acknowledging redelivery")
		return
	}

	cancelCh := w.registerCancel(jobID)
	defer w.unregisterCancel(jobID)

	// Step 2: transition to processing. BumpSequence persists the next
	// high-water-mark sequence alongside the status change, so the
	// sequence published below comes from the Job Store's own record
	// rather than being derived from attempt count.
	now := time.Now()
	status := models.StatusProcessing
	attempt := job.AttemptCount + 1
	job, err = w.store.Update(ctx, jobID, models.JobPatch{
		Status:       &status,
		StartedAt:    &now,
		AttemptCount: &attempt,
		BumpSequence: true,
	})
	if err != nil {
		w.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to transition job to processing")
		return
	}
	w.publish(jobID, job.LastSequence, models.StatusProcessing, job.Progress, "", nil)

	// Step 3: start generation.
	handle, err := w.generator.Start(ctx, job.Prompt, job.NegativePrompt, job.Params)
	if err != nil {
		w.fail(ctx, jobID, err)
		return
	}
	externalHandle := handle
	if _, err := w.store.Update(ctx, jobID, models.JobPatch{ExternalHandle: &externalHandle}); err != nil {
		w.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to persist external handle")
	}

	w.pollLoop(ctx, jobID, handle, now, cancelCh)
}

func (w *Worker) pollLoop(ctx context.Context, jobID, handle string, startedAt time.Time, cancelCh <-chan struct{}) {
	lastProgress := 0.0

	for {
		select {
		case <-ctx.Done():
			return
		case <-cancelCh:
			w.cancelJob(ctx, jobID, handle)
			return
		case <-time.After(jittered(w.pollInterval)):
		}

		if time.Since(startedAt) > w.maxJobDuration {
			w.timeoutJob(ctx, jobID, handle)
			return
		}

		ext, err := w.generator.Poll(ctx, handle)
		if err != nil {
			w.logger.Warn().Err(err).Str("job_id", jobID).Msg("poll failed, retrying")
			continue
		}

		canonical, message := statusnorm.Normalize(ext.RawStatus)
		progress := statusnorm.NormalizeProgress(ext.Progress, ext.HasProgress, canonical, lastProgress)

		if progress <= lastProgress && !canonical.IsTerminal() {
			continue
		}
		lastProgress = progress

		if !canonical.IsTerminal() {
			updated, err := w.store.Update(ctx, jobID, models.JobPatch{Progress: &progress, BumpSequence: true})
			if err != nil {
				w.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to persist progress update")
				continue
			}
			w.publish(jobID, updated.LastSequence, canonical, progress, "", nil)
			continue
		}

		result := ext.ResultPayload
		if result == nil {
			result = &models.JobResult{}
		}
		if canonical == models.StatusFailed {
			if result.Message == "" {
				result.Message = message
				if ext.Error != "" {
					result.Message = ext.Error
				}
			}
		}

		finished := time.Now()
		updated, err := w.store.Update(ctx, jobID, models.JobPatch{
			Status:       &canonical,
			Progress:     &progress,
			Result:       result,
			FinishedAt:   &finished,
			BumpSequence: true,
		})
		if err != nil {
			w.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to persist terminal update")
			return
		}
		w.publish(jobID, updated.LastSequence, canonical, progress, result.Message, result)
		return
	}
}

func (w *Worker) cancelJob(ctx context.Context, jobID, handle string) {
	w.generator.Cancel(ctx, handle)
	status := models.StatusCanceled
	finished := time.Now()
	result := &models.JobResult{ErrorKind: string(apperr.KindCanceled)}
	updated, err := w.store.Update(ctx, jobID, models.JobPatch{Status: &status, FinishedAt: &finished, Result: result, BumpSequence: true})
	if err != nil {
		w.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to persist cancellation")
		return
	}
	w.publish(jobID, updated.LastSequence, status, 0, "canceled by request", result)
}

func (w *Worker) timeoutJob(ctx context.Context, jobID, handle string) {
	w.generator.Cancel(ctx, handle)
	status := models.StatusFailed
	finished := time.Now()
	result := &models.JobResult{ErrorKind: string(apperr.KindTimeout), Message: "exceeded max_job_duration"}
	updated, err := w.store.Update(ctx, jobID, models.JobPatch{Status: &status, FinishedAt: &finished, Result: result, BumpSequence: true})
	if err != nil {
		w.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to persist timeout")
		return
	}
	w.publish(jobID, updated.LastSequence, status, 0, result.Message, result)
}

func (w *Worker) fail(ctx context.Context, jobID string, err error) {
	kind, ok := apperr.Of(err)
	if !ok {
		kind = apperr.KindGeneratorUnreach
	}
	status := models.StatusFailed
	finished := time.Now()
	result := &models.JobResult{ErrorKind: string(kind), Message: err.Error()}
	updated, uerr := w.store.Update(ctx, jobID, models.JobPatch{Status: &status, FinishedAt: &finished, Result: result, BumpSequence: true})
	if uerr != nil {
		w.logger.Warn().Err(uerr).Str("job_id", jobID).Msg("failed to persist failure")
		return
	}
	w.publish(jobID, updated.LastSequence, status, 0, result.Message, result)
}

func (w *Worker) publish(jobID string, seq int, status models.CanonicalStatus, progress float64, message string, result *models.JobResult) {
	w.hub.Publish(models.StatusEvent{
		Type:      "status",
		JobID:     jobID,
		Sequence:  seq,
		Status:    status,
		Progress:  progress,
		Message:   message,
		Result:    result,
		Timestamp: time.Now(),
	})
}

// jittered returns d adjusted by up to ±20%, spreading concurrent
// pollers instead of hammering the generator in lockstep.
func jittered(d time.Duration) time.Duration {
	delta := float64(d) * pollJitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return d + time.Duration(offset)
}

// StaleReaper periodically resets jobs stuck in processing past
// max_job_duration back to queued, releasing a crashed worker's claim.
// A reset job is not resubmitted to the Queue Orchestrator.
type StaleReaper struct {
	store    interfaces.JobStore
	logger   *common.Logger
	interval time.Duration
	maxAge   time.Duration
}

// NewStaleReaper constructs a StaleReaper.
func NewStaleReaper(store interfaces.JobStore, logger *common.Logger, interval, maxAge time.Duration) *StaleReaper {
	if interval <= 0 {
		interval = time.Minute
	}
	if maxAge <= 0 {
		maxAge = defaultMaxJobDuration
	}
	return &StaleReaper{store: store, logger: logger, interval: interval, maxAge: maxAge}
}

// Run sweeps periodically until ctx is canceled.
func (r *StaleReaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *StaleReaper) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-r.maxAge)
	count, err := r.store.ResetStaleProcessing(ctx, cutoff)
	if err != nil {
		r.logger.Warn().Err(err).Msg("stale processing sweep failed")
		return
	}
	if count > 0 {
		r.logger.Info().Int("count", count).Msg("reset stale processing jobs back to queued")
	}
}
