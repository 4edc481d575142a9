package surrealdb

import (
	"context"
	"fmt"

	"github.com/bobmcallan/loraforge/internal/common"
	"github.com/bobmcallan/loraforge/internal/interfaces"
	"github.com/bobmcallan/loraforge/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

// adapterSelectFields aliases adapter_id to id for struct mapping.
const adapterSelectFields = "adapter_id as id, name, version, file_path, weight, active, ordinal, trigger_words"

// AdapterStore is a read-only view of the adapter table. The catalog
// component that owns writes to this table lives outside the core;
// this type exists only to satisfy interfaces.AdapterLookup.
type AdapterStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewAdapterStore returns an AdapterStore bound to an already-connected db.
func NewAdapterStore(db *surrealdb.DB, logger *common.Logger) *AdapterStore {
	return &AdapterStore{db: db, logger: logger}
}

// Get fetches an adapter by id.
func (s *AdapterStore) Get(ctx context.Context, id string) (*models.Adapter, error) {
	sql := "SELECT " + adapterSelectFields + " FROM adapter WHERE adapter_id = $adapter_id LIMIT 1"
	results, err := surrealdb.Query[[]models.Adapter](ctx, s.db, sql, map[string]any{"adapter_id": id})
	if err != nil {
		return nil, fmt.Errorf("failed to get adapter %s: %w", id, err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("adapter %s not found", id)
	}
	adapter := (*results)[0].Result[0]
	return &adapter, nil
}

// ListActive returns every adapter with active = true, ordered by ordinal.
func (s *AdapterStore) ListActive(ctx context.Context) ([]*models.Adapter, error) {
	sql := "SELECT " + adapterSelectFields + " FROM adapter WHERE active = true ORDER BY ordinal ASC"
	results, err := surrealdb.Query[[]models.Adapter](ctx, s.db, sql, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list active adapters: %w", err)
	}
	if results == nil || len(*results) == 0 {
		return nil, nil
	}
	rows := (*results)[0].Result
	out := make([]*models.Adapter, 0, len(rows))
	for i := range rows {
		out = append(out, &rows[i])
	}
	return out, nil
}

var _ interfaces.AdapterLookup = (*AdapterStore)(nil)
