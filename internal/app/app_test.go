package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bobmcallan/loraforge/internal/models"
)

type fakeAdapterLookup struct {
	byID map[string]*models.Adapter
}

func (f *fakeAdapterLookup) Get(_ context.Context, id string) (*models.Adapter, error) {
	a, ok := f.byID[id]
	if !ok {
		return nil, nil
	}
	return a, nil
}

func (f *fakeAdapterLookup) ListActive(_ context.Context) ([]*models.Adapter, error) {
	return nil, nil
}

func TestAdapterName_ResolvesKnownAdapter(t *testing.T) {
	a := &App{Adapters: &fakeAdapterLookup{byID: map[string]*models.Adapter{
		"a1": {ID: "a1", Name: "AnimeStyle"},
	}}}

	assert.Equal(t, "AnimeStyle", a.AdapterName("a1"))
}

func TestAdapterName_FallsBackToRawIDWhenUnknown(t *testing.T) {
	a := &App{Adapters: &fakeAdapterLookup{byID: map[string]*models.Adapter{}}}

	assert.Equal(t, "ghost", a.AdapterName("ghost"))
}
