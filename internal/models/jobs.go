// Package models defines the entities shared across the job lifecycle
// subsystem: adapters, generation jobs, status events, and the
// recommendation cache's key/value types.
package models

import "time"

// Adapter is the read-only view of a LoRA fine-tuning artifact. The
// core never writes Adapters; the external catalog component owns
// their lifecycle and is expected to satisfy AdapterLookup.
type Adapter struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	FilePath     string   `json:"file_path"`
	Weight       float64  `json:"weight"`
	Active       bool     `json:"active"`
	Ordinal      int      `json:"ordinal"`
	TriggerWords []string `json:"trigger_words,omitempty"`
}

// CanonicalStatus is one of the five statuses the core uses internally.
type CanonicalStatus string

const (
	StatusQueued     CanonicalStatus = "queued"
	StatusProcessing CanonicalStatus = "processing"
	StatusCompleted  CanonicalStatus = "completed"
	StatusFailed     CanonicalStatus = "failed"
	StatusCanceled   CanonicalStatus = "canceled"
)

// IsTerminal reports whether no further transitions are valid from s.
func (s CanonicalStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// GenerationMode decides a job's dispatch path.
type GenerationMode string

const (
	ModeImmediate GenerationMode = "immediate"
	ModeQueued    GenerationMode = "queued"
)

// GenerationParams are the structured parameters sent to the generator.
// Stored opaquely (as JSON) by the Job Store.
type GenerationParams struct {
	Sampler   string  `json:"sampler,omitempty"`
	Steps     int     `json:"steps"`
	CFGScale  float64 `json:"cfg_scale"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Seed      int64   `json:"seed,omitempty"`
	BatchSize int     `json:"batch_size"`
}

// ImageResult is one generated image reference in a job's result.
type ImageResult struct {
	URL      string `json:"url"`
	Ordinal  int    `json:"ordinal"`
	Metadata string `json:"metadata,omitempty"`
}

// JobResult is the opaque result payload: either Images on success, or
// ErrorKind/Message on failure. Images keep the order in which the
// generator's poll response lists them.
type JobResult struct {
	Images    []ImageResult `json:"images,omitempty"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Message   string        `json:"message,omitempty"`
}

// Job is the central entity. Every field after creation is owned by
// the Job Store; other components hold only the id and read-only
// snapshots returned by Get/List.
type Job struct {
	ID             string            `json:"id"`
	Prompt         string            `json:"prompt"`
	NegativePrompt string            `json:"negative_prompt,omitempty"`
	Mode           GenerationMode    `json:"mode"`
	Params         GenerationParams  `json:"params"`
	Status         CanonicalStatus   `json:"status"`
	Progress       float64           `json:"progress"`
	Result         *JobResult        `json:"result,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
	AttemptCount   int               `json:"attempt_count"`
	LastSequence   int               `json:"-"` // high-water mark for this job's published event sequence
	Rating         *int              `json:"rating,omitempty"`
	IsFavorite     bool              `json:"is_favorite"`
	ExternalHandle string            `json:"-"` // generator-assigned handle, never serialized to clients
}

// JobPatch is a partial update applied by the Job Store's update
// operation. Nil fields are left untouched. BumpSequence asks the
// store to atomically increment the persisted LastSequence as part of
// the same update, so the Delivery Worker never has to derive an
// event's sequence number from anything but the stored high-water
// mark — a crash mid poll-loop and subsequent redelivery resumes from
// whatever was last durably committed instead of recomputing from
// AttemptCount and risking a regression.
type JobPatch struct {
	Status       *CanonicalStatus
	Progress     *float64
	Result       *JobResult
	StartedAt    *time.Time
	FinishedAt   *time.Time
	AttemptCount *int
	BumpSequence bool
	Rating       *int
	IsFavorite   *bool
	ExternalHandle *string
}

// JobFilter narrows a list() call.
type JobFilter struct {
	Status CanonicalStatus // empty = any
	Since  time.Time       // zero = no lower bound
	Before time.Time       // zero = no upper bound
}

// ListPage bundles a page of jobs with the cursor for the next page.
type ListPage struct {
	Jobs   []*Job
	Cursor string // empty when there are no more pages
}

// StatusEvent is the ephemeral message the Progress Broadcaster fans
// out. Sequence is strictly increasing per JobID.
type StatusEvent struct {
	Type     string          `json:"type"` // "status"
	JobID    string          `json:"job_id"`
	Sequence int             `json:"sequence"`
	Status   CanonicalStatus `json:"status"`
	Progress float64         `json:"progress"`
	Message  string          `json:"message,omitempty"`
	Result   *JobResult      `json:"result,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// IsTerminalEvent reports whether e is the final event for its job.
func (e StatusEvent) IsTerminalEvent() bool {
	return e.Status.IsTerminal()
}
