package surrealdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/loraforge/internal/apperr"
	"github.com/bobmcallan/loraforge/internal/models"
)

func TestJobStore_CreateAndGet(t *testing.T) {
	db := testDB(t)
	store := NewJobStore(db, testLogger())
	ctx := context.Background()

	created, err := store.Create(ctx, &models.Job{
		Prompt: "a dragon in a storm",
		Mode:   models.ModeQueued,
		Params: models.GenerationParams{Steps: 20, CFGScale: 7, Width: 512, Height: 512, BatchSize: 1},
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, models.StatusQueued, created.Status)

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "a dragon in a storm", got.Prompt)
	assert.Equal(t, 0.0, got.Progress)
}

func TestJobStore_Get_NotFound(t *testing.T) {
	db := testDB(t)
	store := NewJobStore(db, testLogger())

	_, err := store.Get(context.Background(), "does-not-exist")
	require.Error(t, err)
	kind, ok := apperr.Of(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindNotFound, kind)
}

func TestJobStore_Update_AppliesPatch(t *testing.T) {
	db := testDB(t)
	store := NewJobStore(db, testLogger())
	ctx := context.Background()

	job, err := store.Create(ctx, &models.Job{Prompt: "p", Mode: models.ModeQueued})
	require.NoError(t, err)

	processing := models.StatusProcessing
	progress := 0.25
	started := time.Now()
	updated, err := store.Update(ctx, job.ID, models.JobPatch{
		Status:    &processing,
		Progress:  &progress,
		StartedAt: &started,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, updated.Status)
	assert.Equal(t, 0.25, updated.Progress)
	require.NotNil(t, updated.StartedAt)
}

func TestJobStore_Update_RejectsTerminalToNonTerminal(t *testing.T) {
	db := testDB(t)
	store := NewJobStore(db, testLogger())
	ctx := context.Background()

	job, err := store.Create(ctx, &models.Job{Prompt: "p", Mode: models.ModeQueued})
	require.NoError(t, err)

	completed := models.StatusCompleted
	_, err = store.Update(ctx, job.ID, models.JobPatch{Status: &completed})
	require.NoError(t, err)

	queued := models.StatusQueued
	_, err = store.Update(ctx, job.ID, models.JobPatch{Status: &queued})
	require.Error(t, err)
	kind, _ := apperr.Of(err)
	assert.Equal(t, apperr.KindInvalidTransition, kind)
}

func TestJobStore_Update_UnknownJobFails(t *testing.T) {
	db := testDB(t)
	store := NewJobStore(db, testLogger())

	processing := models.StatusProcessing
	_, err := store.Update(context.Background(), "ghost", models.JobPatch{Status: &processing})
	require.Error(t, err)
	kind, _ := apperr.Of(err)
	assert.Equal(t, apperr.KindNotFound, kind)
}

func TestJobStore_List_FiltersByStatus(t *testing.T) {
	db := testDB(t)
	store := NewJobStore(db, testLogger())
	ctx := context.Background()

	first, err := store.Create(ctx, &models.Job{Prompt: "first", Mode: models.ModeQueued})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := store.Create(ctx, &models.Job{Prompt: "second", Mode: models.ModeQueued})
	require.NoError(t, err)

	completed := models.StatusCompleted
	_, err = store.Update(ctx, second.ID, models.JobPatch{Status: &completed})
	require.NoError(t, err)

	page, err := store.List(ctx, models.JobFilter{Status: models.StatusQueued}, 10, "")
	require.NoError(t, err)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, first.ID, page.Jobs[0].ID)
}

func TestJobStore_Delete_RefusesNonTerminal(t *testing.T) {
	db := testDB(t)
	store := NewJobStore(db, testLogger())
	ctx := context.Background()

	job, err := store.Create(ctx, &models.Job{Prompt: "p", Mode: models.ModeQueued})
	require.NoError(t, err)

	err = store.Delete(ctx, job.ID)
	require.Error(t, err)
	kind, _ := apperr.Of(err)
	assert.Equal(t, apperr.KindInvalidTransition, kind)
}

func TestJobStore_Delete_RemovesTerminalJob(t *testing.T) {
	db := testDB(t)
	store := NewJobStore(db, testLogger())
	ctx := context.Background()

	job, err := store.Create(ctx, &models.Job{Prompt: "p", Mode: models.ModeQueued})
	require.NoError(t, err)
	canceled := models.StatusCanceled
	_, err = store.Update(ctx, job.ID, models.JobPatch{Status: &canceled})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, job.ID))

	_, err = store.Get(ctx, job.ID)
	kind, _ := apperr.Of(err)
	assert.Equal(t, apperr.KindNotFound, kind)
}

func TestJobStore_ResetStaleProcessing(t *testing.T) {
	db := testDB(t)
	store := NewJobStore(db, testLogger())
	ctx := context.Background()

	job, err := store.Create(ctx, &models.Job{Prompt: "p", Mode: models.ModeQueued})
	require.NoError(t, err)

	processing := models.StatusProcessing
	old := time.Now().Add(-time.Hour)
	_, err = store.Update(ctx, job.ID, models.JobPatch{Status: &processing, StartedAt: &old})
	require.NoError(t, err)

	n, err := store.ResetStaleProcessing(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Nil(t, got.StartedAt)
}
