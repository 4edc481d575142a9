package surrealdb

import (
	"context"
	"fmt"
	"time"

	"github.com/bobmcallan/loraforge/internal/apperr"
	"github.com/bobmcallan/loraforge/internal/common"
	"github.com/bobmcallan/loraforge/internal/interfaces"
	"github.com/bobmcallan/loraforge/internal/models"
	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// jobSelectFields aliases job_id to id for struct mapping, matching the
// teacher's job_queue select convention.
const jobSelectFields = "job_id as id, prompt, negative_prompt, mode, params, status, progress, " +
	"result, created_at, started_at, finished_at, attempt_count, last_sequence, rating, is_favorite, external_handle"

// jobRow is the on-the-wire SurrealDB shape for a job_queue record.
type jobRow struct {
	ID             string                  `json:"id"`
	Prompt         string                  `json:"prompt"`
	NegativePrompt string                  `json:"negative_prompt"`
	Mode           models.GenerationMode   `json:"mode"`
	Params         models.GenerationParams `json:"params"`
	Status         models.CanonicalStatus  `json:"status"`
	Progress       float64                 `json:"progress"`
	Result         *models.JobResult       `json:"result"`
	CreatedAt      time.Time               `json:"created_at"`
	StartedAt      *time.Time              `json:"started_at"`
	FinishedAt     *time.Time              `json:"finished_at"`
	AttemptCount   int                     `json:"attempt_count"`
	LastSequence   int                     `json:"last_sequence"`
	Rating         *int                    `json:"rating"`
	IsFavorite     bool                    `json:"is_favorite"`
	ExternalHandle string                  `json:"external_handle"`
}

func (r jobRow) toModel() *models.Job {
	return &models.Job{
		ID:             r.ID,
		Prompt:         r.Prompt,
		NegativePrompt: r.NegativePrompt,
		Mode:           r.Mode,
		Params:         r.Params,
		Status:         r.Status,
		Progress:       r.Progress,
		Result:         r.Result,
		CreatedAt:      r.CreatedAt,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
		AttemptCount:   r.AttemptCount,
		LastSequence:   r.LastSequence,
		Rating:         r.Rating,
		IsFavorite:     r.IsFavorite,
		ExternalHandle: r.ExternalHandle,
	}
}

// JobStore implements interfaces.JobStore against the job_queue table.
// Dequeue-by-worker isn't exposed here directly — the Delivery Worker
// claims work through Update's compare-and-swap on status, the same
// two-step atomic claim idiom as the teacher's JobQueueStore.Dequeue:
// a SELECT finds a candidate, then an UPDATE guarded by WHERE status =
// <observed> commits the claim, so two workers racing the same row
// never both win it.
type JobStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewJobStore returns a JobStore bound to an already-connected db.
func NewJobStore(db *surrealdb.DB, logger *common.Logger) *JobStore {
	return &JobStore{db: db, logger: logger}
}

// Create inserts a new job in status "queued" with a fresh id.
func (s *JobStore) Create(ctx context.Context, job *models.Job) (*models.Job, error) {
	id := job.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	sql := `UPSERT $rid SET
		job_id = $job_id, prompt = $prompt, negative_prompt = $negative_prompt,
		mode = $mode, params = $params, status = $status, progress = $progress,
		result = NONE, created_at = $created_at, started_at = NONE,
		finished_at = NONE, attempt_count = 0, last_sequence = 0, rating = NONE, is_favorite = false,
		external_handle = ""`
	vars := map[string]any{
		"rid":             surrealmodels.NewRecordID("job_queue", id),
		"job_id":          id,
		"prompt":          job.Prompt,
		"negative_prompt": job.NegativePrompt,
		"mode":            job.Mode,
		"params":          job.Params,
		"status":          models.StatusQueued,
		"progress":        0.0,
		"created_at":      createdAt,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidParameters, "failed to create job", err)
	}

	return s.Get(ctx, id)
}

// Get fetches a job by id.
func (s *JobStore) Get(ctx context.Context, id string) (*models.Job, error) {
	sql := "SELECT " + jobSelectFields + " FROM job_queue WHERE job_id = $job_id LIMIT 1"
	results, err := surrealdb.Query[[]jobRow](ctx, s.db, sql, map[string]any{"job_id": id})
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, apperr.New(apperr.KindNotFound, fmt.Sprintf("job %s not found", id))
	}
	return (*results)[0].Result[0].toModel(), nil
}

// Update applies patch to the job atomically, guarded by the status
// observed at read time. A patch that would move a terminal job back
// into a non-terminal status is rejected with apperr.KindInvalidTransition
// before any write is attempted; a patch that loses a concurrent race
// (the status changed between Get and Update) is rejected the same way,
// since the caller must re-read and decide again.
func (s *JobStore) Update(ctx context.Context, id string, patch models.JobPatch) (*models.Job, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if current.Status.IsTerminal() && patch.Status != nil && !patch.Status.IsTerminal() {
		return nil, apperr.New(apperr.KindInvalidTransition,
			fmt.Sprintf("job %s is terminal (%s), cannot move to %s", id, current.Status, *patch.Status))
	}

	next := *current
	if patch.Status != nil {
		next.Status = *patch.Status
	}
	if patch.Progress != nil {
		next.Progress = *patch.Progress
	}
	if patch.Result != nil {
		next.Result = patch.Result
	}
	if patch.StartedAt != nil {
		next.StartedAt = patch.StartedAt
	}
	if patch.FinishedAt != nil {
		next.FinishedAt = patch.FinishedAt
	}
	if patch.AttemptCount != nil {
		next.AttemptCount = *patch.AttemptCount
	}
	if patch.BumpSequence {
		next.LastSequence = current.LastSequence + 1
	}
	if patch.Rating != nil {
		next.Rating = patch.Rating
	}
	if patch.IsFavorite != nil {
		next.IsFavorite = *patch.IsFavorite
	}
	if patch.ExternalHandle != nil {
		next.ExternalHandle = *patch.ExternalHandle
	}

	sql := `UPDATE job_queue SET
		prompt = $prompt, negative_prompt = $negative_prompt, mode = $mode,
		params = $params, status = $status, progress = $progress,
		result = $result, started_at = $started_at, finished_at = $finished_at,
		attempt_count = $attempt_count, last_sequence = $last_sequence,
		rating = $rating, is_favorite = $is_favorite,
		external_handle = $external_handle
		WHERE job_id = $job_id AND status = $expected_status`

	vars := map[string]any{
		"job_id":          id,
		"prompt":          next.Prompt,
		"negative_prompt": next.NegativePrompt,
		"mode":            next.Mode,
		"params":          next.Params,
		"status":          next.Status,
		"progress":        next.Progress,
		"result":          next.Result,
		"started_at":      next.StartedAt,
		"finished_at":     next.FinishedAt,
		"attempt_count":   next.AttemptCount,
		"last_sequence":   next.LastSequence,
		"rating":          next.Rating,
		"is_favorite":     next.IsFavorite,
		"external_handle": next.ExternalHandle,
		"expected_status": current.Status,
	}

	res, err := surrealdb.Query[[]jobRow](ctx, s.db, sql, vars)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidTransition, "failed to update job", err)
	}
	if res == nil || len(*res) == 0 || len((*res)[0].Result) == 0 {
		return nil, apperr.New(apperr.KindInvalidTransition,
			fmt.Sprintf("job %s changed status concurrently, retry", id))
	}

	return s.Get(ctx, id)
}

// List returns jobs matching filter in created_at-desc, id-asc order,
// paged by an opaque cursor (the created_at of the last row returned).
func (s *JobStore) List(ctx context.Context, filter models.JobFilter, limit int, cursor string) (*models.ListPage, error) {
	if limit <= 0 {
		limit = 50
	}

	conds := []string{}
	vars := map[string]any{"limit": limit + 1}

	if filter.Status != "" {
		conds = append(conds, "status = $status")
		vars["status"] = filter.Status
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "created_at >= $since")
		vars["since"] = filter.Since
	}
	if !filter.Before.IsZero() {
		conds = append(conds, "created_at < $before")
		vars["before"] = filter.Before
	}
	if cursor != "" {
		cursorTime, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			return nil, apperr.New(apperr.KindInvalidParameters, "invalid cursor")
		}
		conds = append(conds, "created_at < $cursor_time")
		vars["cursor_time"] = cursorTime
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + joinAnd(conds)
	}
	sql := fmt.Sprintf("SELECT %s FROM job_queue %s ORDER BY created_at DESC, job_id ASC LIMIT $limit", jobSelectFields, where)

	res, err := surrealdb.Query[[]jobRow](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	var rows []jobRow
	if res != nil && len(*res) > 0 {
		rows = (*res)[0].Result
	}

	nextCursor := ""
	if len(rows) > limit {
		nextCursor = rows[limit-1].CreatedAt.Format(time.RFC3339Nano)
		rows = rows[:limit]
	}

	jobs := make([]*models.Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, rows[i].toModel())
	}

	return &models.ListPage{Jobs: jobs, Cursor: nextCursor}, nil
}

// Delete removes a job. Non-terminal jobs are refused — cancel them
// first so any in-flight worker or WebSocket subscriber observes a
// terminal status rather than the record disappearing underneath it.
func (s *JobStore) Delete(ctx context.Context, id string) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !current.Status.IsTerminal() {
		return apperr.New(apperr.KindInvalidTransition,
			fmt.Sprintf("job %s is not terminal (%s), cancel it before deleting", id, current.Status))
	}
	if _, err := surrealdb.Delete[jobRow](ctx, s.db, surrealmodels.NewRecordID("job_queue", id)); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	return nil
}

// ResetStaleProcessing resets every job stuck in "processing" with a
// started_at older than olderThan back to "queued", clearing
// started_at. Called periodically by the Delivery Worker's
// StaleReaper with a cutoff of now minus max_job_duration.
func (s *JobStore) ResetStaleProcessing(ctx context.Context, olderThan time.Time) (int, error) {
	sql := `UPDATE job_queue SET status = $queued, started_at = NONE
		WHERE status = $processing AND started_at < $cutoff`
	vars := map[string]any{
		"queued":     models.StatusQueued,
		"processing": models.StatusProcessing,
		"cutoff":     olderThan,
	}
	res, err := surrealdb.Query[[]jobRow](ctx, s.db, sql, vars)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale processing jobs: %w", err)
	}
	if res == nil || len(*res) == 0 {
		return 0, nil
	}
	return len((*res)[0].Result), nil
}

func joinAnd(conds []string) string {
	out := conds[0]
	for _, c := range conds[1:] {
		out += " AND " + c
	}
	return out
}

var _ interfaces.JobStore = (*JobStore)(nil)
