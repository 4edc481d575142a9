// Package surrealdb implements the persistence layer against SurrealDB:
// the durable Job Store plus the connection lifecycle the composition
// root depends on through interfaces.StorageManager.
package surrealdb

import (
	"context"
	"fmt"
	"os"

	"github.com/bobmcallan/loraforge/internal/common"
	"github.com/bobmcallan/loraforge/internal/interfaces"
	"github.com/surrealdb/surrealdb.go"
)

// Manager implements interfaces.StorageManager using SurrealDB.
type Manager struct {
	db       *surrealdb.DB
	logger   *common.Logger
	dataPath string

	jobStore     *JobStore
	adapterStore *AdapterStore
}

// NewManager creates a new StorageManager connected to SurrealDB.
func NewManager(logger *common.Logger, config *common.Config) (*Manager, error) {
	ctx := context.Background()

	db, err := surrealdb.New(config.Storage.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}

	if _, err := db.SignIn(ctx, map[string]interface{}{
		"user": config.Storage.Username,
		"pass": config.Storage.Password,
	}); err != nil {
		return nil, fmt.Errorf("failed to sign in to SurrealDB: %w", err)
	}

	if err := db.Use(ctx, config.Storage.Namespace, config.Storage.Database); err != nil {
		return nil, fmt.Errorf("failed to select namespace/database: %w", err)
	}

	// job_queue holds every Job; adapter is owned by the external catalog
	// component but lives in the same namespace/database so AdapterLookup
	// can read it without a second connection.
	tables := []string{"job_queue", "adapter"}
	for _, table := range tables {
		sql := fmt.Sprintf("DEFINE TABLE IF NOT EXISTS %s SCHEMALESS", table)
		if _, err := surrealdb.Query[any](ctx, db, sql, nil); err != nil {
			return nil, fmt.Errorf("failed to define table %s: %w", table, err)
		}
	}

	dataPath := config.Storage.DataPath
	if dataPath == "" {
		dataPath = "data"
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data path: %w", err)
	}

	m := &Manager{
		db:       db,
		logger:   logger,
		dataPath: dataPath,
	}
	m.jobStore = NewJobStore(db, logger)
	m.adapterStore = NewAdapterStore(db, logger)

	logger.Info().
		Str("address", config.Storage.Address).
		Str("namespace", config.Storage.Namespace).
		Str("database", config.Storage.Database).
		Msg("SurrealDB storage manager initialized")

	return m, nil
}

// JobStore returns the durable Job Store.
func (m *Manager) JobStore() interfaces.JobStore {
	return m.jobStore
}

// AdapterStore returns the read-only adapter accessor.
func (m *Manager) AdapterStore() interfaces.AdapterLookup {
	return m.adapterStore
}

// DataPath returns the on-disk directory the manager was configured with.
func (m *Manager) DataPath() string {
	return m.dataPath
}

// Close releases the underlying SurrealDB connection.
func (m *Manager) Close() error {
	m.db.Close(context.Background())
	return nil
}

var _ interfaces.StorageManager = (*Manager)(nil)
