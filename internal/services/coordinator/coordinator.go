// Package coordinator implements the Generation Coordinator: a thin,
// synchronous front door that validates a generate request, composes
// the final prompt from selected LoRA adapters, creates the job
// record, and hands it to the Queue Orchestrator.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bobmcallan/loraforge/internal/apperr"
	"github.com/bobmcallan/loraforge/internal/common"
	"github.com/bobmcallan/loraforge/internal/interfaces"
	"github.com/bobmcallan/loraforge/internal/models"
)

const (
	minSteps, maxSteps       = 1, 150
	minCFGScale, maxCFGScale = 1.0, 30.0
	minDim, maxDim           = 64, 2048
	dimAlignment             = 8
	minBatchSize, maxBatch   = 1, 16

	defaultImmediateDeadline = 5 * time.Second
)

// AdapterSelection picks one adapter for a generate request, optionally
// overriding its configured weight.
type AdapterSelection struct {
	AdapterID     string
	WeightOverride *float64
}

// GenerateRequest is the Coordinator's input contract.
type GenerateRequest struct {
	Prefix         string
	Suffix         string
	NegativePrompt string
	Params         models.GenerationParams
	Mode           models.GenerationMode
	// LoraSelection is nil for "use currently active adapters" (implicit);
	// non-nil (possibly empty) selects an explicit adapter list.
	LoraSelection []AdapterSelection
}

// Coordinator is the Generation Coordinator.
type Coordinator struct {
	store             interfaces.JobStore
	adapters          interfaces.AdapterLookup
	queue             interfaces.QueueSubmitter
	logger            *common.Logger
	immediateDeadline time.Duration
}

// NewCoordinator constructs a Coordinator. immediateDeadline <= 0 falls
// back to the 5s default.
func NewCoordinator(store interfaces.JobStore, adapters interfaces.AdapterLookup, queue interfaces.QueueSubmitter, logger *common.Logger, immediateDeadline time.Duration) *Coordinator {
	if immediateDeadline <= 0 {
		immediateDeadline = defaultImmediateDeadline
	}
	return &Coordinator{
		store:             store,
		adapters:          adapters,
		queue:             queue,
		logger:            logger,
		immediateDeadline: immediateDeadline,
	}
}

// resolvedAdapter is an adapter plus the weight actually used for this
// request (the adapter's own weight, or an override).
type resolvedAdapter struct {
	adapter *models.Adapter
	weight  float64
}

// Generate validates req, composes the final prompt, creates the job,
// and submits it to the queue. In immediate mode it waits up to the
// configured deadline for the job to leave "queued" before returning.
func (c *Coordinator) Generate(ctx context.Context, req GenerateRequest) (*models.Job, error) {
	if err := validateParams(req.Params); err != nil {
		return nil, err
	}

	resolved, err := c.resolveAdapters(ctx, req.LoraSelection)
	if err != nil {
		return nil, err
	}

	prompt := composePrompt(req.Prefix, req.Suffix, resolved)

	mode := req.Mode
	if mode == "" {
		mode = models.ModeQueued
	}

	job := &models.Job{
		Prompt:         prompt,
		NegativePrompt: req.NegativePrompt,
		Mode:           mode,
		Params:         req.Params,
		Status:         models.StatusQueued,
	}

	created, err := c.store.Create(ctx, job)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidParameters, "failed to create job", err)
	}

	if _, err := c.queue.Submit(ctx, created.ID); err != nil {
		return created, err
	}

	if mode == models.ModeImmediate {
		return c.awaitLeaveQueued(ctx, created.ID)
	}
	return created, nil
}

// awaitLeaveQueued polls the Job Store until the job's status is no
// longer queued or the immediate-mode deadline elapses, whichever comes
// first. Timing out is not an error — the caller gets back the job id
// still in status queued.
func (c *Coordinator) awaitLeaveQueued(ctx context.Context, jobID string) (*models.Job, error) {
	deadline := time.After(c.immediateDeadline)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		job, err := c.store.Get(ctx, jobID)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInvalidTransition, "failed to read job during immediate wait", err)
		}
		if job.Status != models.StatusQueued {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return job, nil
		case <-deadline:
			return job, nil
		case <-ticker.C:
		}
	}
}

func validateParams(p models.GenerationParams) error {
	if p.Steps < minSteps || p.Steps > maxSteps {
		return apperr.New(apperr.KindInvalidParameters, fmt.Sprintf("steps must be between %d and %d, got %d", minSteps, maxSteps, p.Steps))
	}
	if p.CFGScale < minCFGScale || p.CFGScale > maxCFGScale {
		return apperr.New(apperr.KindInvalidParameters, fmt.Sprintf("cfg_scale must be between %.1f and %.1f, got %.2f", minCFGScale, maxCFGScale, p.CFGScale))
	}
	if err := validateDimension("width", p.Width); err != nil {
		return err
	}
	if err := validateDimension("height", p.Height); err != nil {
		return err
	}
	if p.BatchSize < minBatchSize || p.BatchSize > maxBatch {
		return apperr.New(apperr.KindInvalidParameters, fmt.Sprintf("batch_size must be between %d and %d, got %d", minBatchSize, maxBatch, p.BatchSize))
	}
	return nil
}

func validateDimension(name string, v int) error {
	if v < minDim || v > maxDim {
		return apperr.New(apperr.KindInvalidParameters, fmt.Sprintf("%s must be between %d and %d, got %d", name, minDim, maxDim, v))
	}
	if v%dimAlignment != 0 {
		return apperr.New(apperr.KindInvalidParameters, fmt.Sprintf("%s must be %d-pixel aligned, got %d", name, dimAlignment, v))
	}
	return nil
}

// resolveAdapters fetches the adapters a request should use: the
// currently active set (implicit), or an explicit list with optional
// per-adapter weight overrides.
func (c *Coordinator) resolveAdapters(ctx context.Context, selection []AdapterSelection) ([]resolvedAdapter, error) {
	if selection == nil {
		active, err := c.adapters.ListActive(ctx)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindUnknownAdapter, "failed to list active adapters", err)
		}
		resolved := make([]resolvedAdapter, 0, len(active))
		for _, a := range active {
			resolved = append(resolved, resolvedAdapter{adapter: a, weight: a.Weight})
		}
		return resolved, nil
	}

	resolved := make([]resolvedAdapter, 0, len(selection))
	for _, sel := range selection {
		a, err := c.adapters.Get(ctx, sel.AdapterID)
		if err != nil || a == nil {
			return nil, apperr.New(apperr.KindUnknownAdapter, fmt.Sprintf("unknown adapter %q", sel.AdapterID))
		}
		if a.FilePath == "" {
			return nil, apperr.New(apperr.KindUnknownAdapter, fmt.Sprintf("adapter %q has no file_path", sel.AdapterID))
		}
		weight := a.Weight
		if sel.WeightOverride != nil {
			weight = *sel.WeightOverride
		}
		resolved = append(resolved, resolvedAdapter{adapter: a, weight: weight})
	}
	return resolved, nil
}

// composePrompt builds the final prompt: prefix, then one
// <lora:NAME:WEIGHT> token per selected adapter ordered by
// (active desc, ordinal asc, id asc), then each adapter's trigger
// words, then suffix. Whitespace is single-spaced; empty segments are
// omitted.
func composePrompt(prefix, suffix string, resolved []resolvedAdapter) string {
	sort.SliceStable(resolved, func(i, j int) bool {
		a, b := resolved[i].adapter, resolved[j].adapter
		if a.Active != b.Active {
			return a.Active && !b.Active
		}
		if a.Ordinal != b.Ordinal {
			return a.Ordinal < b.Ordinal
		}
		return a.ID < b.ID
	})

	segments := make([]string, 0, len(resolved)*2+2)
	if s := strings.TrimSpace(prefix); s != "" {
		segments = append(segments, s)
	}
	for _, r := range resolved {
		segments = append(segments, fmt.Sprintf("<lora:%s:%.1f>", r.adapter.Name, r.weight))
	}
	for _, r := range resolved {
		if len(r.adapter.TriggerWords) > 0 {
			segments = append(segments, strings.Join(r.adapter.TriggerWords, ", "))
		}
	}
	if s := strings.TrimSpace(suffix); s != "" {
		segments = append(segments, s)
	}
	return strings.Join(segments, " ")
}
