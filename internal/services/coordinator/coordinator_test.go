package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/loraforge/internal/apperr"
	"github.com/bobmcallan/loraforge/internal/common"
	"github.com/bobmcallan/loraforge/internal/models"
)

type fakeStore struct {
	mu      sync.Mutex
	jobs    map[string]*models.Job
	counter int
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[string]*models.Job)}
}

func (s *fakeStore) Create(_ context.Context, job *models.Job) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	cp := *job
	cp.ID = "job-" + string(rune('0'+s.counter))
	cp.CreatedAt = time.Now()
	s.jobs[cp.ID] = &cp
	return &cp, nil
}

func (s *fakeStore) Get(_ context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "not found")
	}
	cp := *j
	return &cp, nil
}

func (s *fakeStore) Update(_ context.Context, id string, patch models.JobPatch) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "not found")
	}
	if patch.Status != nil {
		j.Status = *patch.Status
	}
	cp := *j
	return &cp, nil
}

func (s *fakeStore) List(_ context.Context, _ models.JobFilter, _ int, _ string) (*models.ListPage, error) {
	return &models.ListPage{}, nil
}

func (s *fakeStore) Delete(_ context.Context, _ string) error { return nil }

func (s *fakeStore) ResetStaleProcessing(_ context.Context, _ time.Time) (int, error) { return 0, nil }

func (s *fakeStore) setStatus(id string, status models.CanonicalStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = status
	}
}

type fakeAdapterLookup struct {
	byID   map[string]*models.Adapter
	active []*models.Adapter
	err    error
}

func (f *fakeAdapterLookup) Get(_ context.Context, id string) (*models.Adapter, error) {
	if f.err != nil {
		return nil, f.err
	}
	a, ok := f.byID[id]
	if !ok {
		return nil, nil
	}
	return a, nil
}

func (f *fakeAdapterLookup) ListActive(_ context.Context) ([]*models.Adapter, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.active, nil
}

type fakeQueue struct {
	submitted []string
	err       error
}

func (q *fakeQueue) Submit(_ context.Context, jobID string) (time.Time, error) {
	if q.err != nil {
		return time.Time{}, q.err
	}
	q.submitted = append(q.submitted, jobID)
	return time.Now(), nil
}

func validParams() models.GenerationParams {
	return models.GenerationParams{Steps: 20, CFGScale: 7.0, Width: 512, Height: 512, BatchSize: 1}
}

func newCoordinator(store *fakeStore, adapters *fakeAdapterLookup, queue *fakeQueue) *Coordinator {
	return NewCoordinator(store, adapters, queue, common.NewSilentLogger(), time.Second)
}

func TestGenerate_RejectsOutOfRangeSteps(t *testing.T) {
	c := newCoordinator(newFakeStore(), &fakeAdapterLookup{}, &fakeQueue{})
	params := validParams()
	params.Steps = 0

	_, err := c.Generate(context.Background(), GenerateRequest{Params: params})
	require.Error(t, err)
	kind, ok := apperr.Of(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindInvalidParameters, kind)
}

func TestGenerate_RejectsUnalignedDimensions(t *testing.T) {
	c := newCoordinator(newFakeStore(), &fakeAdapterLookup{}, &fakeQueue{})
	params := validParams()
	params.Width = 513

	_, err := c.Generate(context.Background(), GenerateRequest{Params: params})
	require.Error(t, err)
	kind, _ := apperr.Of(err)
	assert.Equal(t, apperr.KindInvalidParameters, kind)
}

func TestGenerate_UnknownExplicitAdapterFails(t *testing.T) {
	c := newCoordinator(newFakeStore(), &fakeAdapterLookup{byID: map[string]*models.Adapter{}}, &fakeQueue{})

	_, err := c.Generate(context.Background(), GenerateRequest{
		Params:        validParams(),
		LoraSelection: []AdapterSelection{{AdapterID: "ghost"}},
	})
	require.Error(t, err)
	kind, _ := apperr.Of(err)
	assert.Equal(t, apperr.KindUnknownAdapter, kind)
}

func TestGenerate_ImplicitSelectionUsesActiveAdapters(t *testing.T) {
	store := newFakeStore()
	adapters := &fakeAdapterLookup{active: []*models.Adapter{
		{ID: "a1", Name: "AnimeStyle", Weight: 0.8, Active: true, TriggerWords: []string{"anime"}},
	}}
	queue := &fakeQueue{}
	c := newCoordinator(store, adapters, queue)

	job, err := c.Generate(context.Background(), GenerateRequest{
		Prefix: "a portrait",
		Params: validParams(),
	})
	require.NoError(t, err)
	assert.Contains(t, job.Prompt, "a portrait")
	assert.Contains(t, job.Prompt, "<lora:AnimeStyle:0.8>")
	assert.Contains(t, job.Prompt, "anime")
	assert.Equal(t, []string{job.ID}, queue.submitted)
}

func TestGenerate_ExplicitWeightOverrideWins(t *testing.T) {
	store := newFakeStore()
	adapters := &fakeAdapterLookup{byID: map[string]*models.Adapter{
		"a1": {ID: "a1", Name: "Dragon", Weight: 0.5, FilePath: "/loras/dragon.safetensors"},
	}}
	override := 0.9
	c := newCoordinator(store, adapters, &fakeQueue{})

	job, err := c.Generate(context.Background(), GenerateRequest{
		Params:        validParams(),
		LoraSelection: []AdapterSelection{{AdapterID: "a1", WeightOverride: &override}},
	})
	require.NoError(t, err)
	assert.Contains(t, job.Prompt, "<lora:Dragon:0.9>")
}

func TestGenerate_ExplicitAdapterMissingFilePathFails(t *testing.T) {
	store := newFakeStore()
	adapters := &fakeAdapterLookup{byID: map[string]*models.Adapter{
		"a1": {ID: "a1", Name: "NoFile"},
	}}
	c := newCoordinator(store, adapters, &fakeQueue{})

	_, err := c.Generate(context.Background(), GenerateRequest{
		Params:        validParams(),
		LoraSelection: []AdapterSelection{{AdapterID: "a1"}},
	})
	require.Error(t, err)
	kind, _ := apperr.Of(err)
	assert.Equal(t, apperr.KindUnknownAdapter, kind)
}

func TestGenerate_DefaultsToQueuedMode(t *testing.T) {
	store := newFakeStore()
	c := newCoordinator(store, &fakeAdapterLookup{}, &fakeQueue{})

	job, err := c.Generate(context.Background(), GenerateRequest{Params: validParams()})
	require.NoError(t, err)
	assert.Equal(t, models.ModeQueued, job.Mode)
	assert.Equal(t, models.StatusQueued, job.Status)
}

func TestGenerate_QueueSubmitFailurePropagates(t *testing.T) {
	store := newFakeStore()
	queue := &fakeQueue{err: apperr.New(apperr.KindQueueSaturated, "queue full")}
	c := newCoordinator(store, &fakeAdapterLookup{}, queue)

	_, err := c.Generate(context.Background(), GenerateRequest{Params: validParams()})
	require.Error(t, err)
	kind, _ := apperr.Of(err)
	assert.Equal(t, apperr.KindQueueSaturated, kind)
}

func TestGenerate_ImmediateModeWaitsForJobToLeaveQueued(t *testing.T) {
	store := newFakeStore()
	queue := &fakeQueue{}
	c := NewCoordinator(store, &fakeAdapterLookup{}, queue, common.NewSilentLogger(), time.Second)

	var jobID string
	go func() {
		for {
			store.mu.Lock()
			for id, j := range store.jobs {
				if j.Status == models.StatusQueued {
					jobID = id
				}
			}
			store.mu.Unlock()
			if jobID != "" {
				store.setStatus(jobID, models.StatusProcessing)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	job, err := c.Generate(context.Background(), GenerateRequest{
		Params: validParams(),
		Mode:   models.ModeImmediate,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, job.Status)
}

func TestGenerate_ImmediateModeTimesOutStillQueued(t *testing.T) {
	store := newFakeStore()
	c := NewCoordinator(store, &fakeAdapterLookup{}, &fakeQueue{}, common.NewSilentLogger(), 20*time.Millisecond)

	job, err := c.Generate(context.Background(), GenerateRequest{
		Params: validParams(),
		Mode:   models.ModeImmediate,
	})
	require.NoError(t, err, "timing out while still queued is not an error")
	assert.Equal(t, models.StatusQueued, job.Status)
}

func TestComposePrompt_OrdersByActiveThenOrdinalThenID(t *testing.T) {
	resolved := []resolvedAdapter{
		{adapter: &models.Adapter{ID: "b", Name: "B", Active: false, Ordinal: 0}, weight: 0.5},
		{adapter: &models.Adapter{ID: "a", Name: "A", Active: true, Ordinal: 2}, weight: 0.5},
		{adapter: &models.Adapter{ID: "c", Name: "C", Active: true, Ordinal: 1}, weight: 0.5},
	}
	prompt := composePrompt("", "", resolved)
	assert.True(t,
		indexOf(prompt, "<lora:C:") < indexOf(prompt, "<lora:A:") &&
			indexOf(prompt, "<lora:A:") < indexOf(prompt, "<lora:B:"),
		"expected order C, A, B but got: %s", prompt)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
