// Package interfaces defines the service contracts the core job
// lifecycle subsystem depends on, so components can be constructed
// against an interface and swapped in tests without touching SurrealDB.
package interfaces

import (
	"context"
	"time"

	"github.com/bobmcallan/loraforge/internal/models"
)

// StorageManager is the composition root's handle on the persistence
// layer: the Job Store plus lifecycle management of the underlying
// connection. The catalog's Adapter CRUD surface lives outside the
// core and is not part of this interface.
type StorageManager interface {
	JobStore() JobStore
	DataPath() string
	Close() error
}

// JobStore is the durable, transactional record of every job: create
// is atomic, update rejects any patch that would move a terminal job
// back into a non-terminal status, and list returns a stable
// created_at-desc ordering with a cursor for paging.
type JobStore interface {
	Create(ctx context.Context, job *models.Job) (*models.Job, error)
	Get(ctx context.Context, id string) (*models.Job, error)
	Update(ctx context.Context, id string, patch models.JobPatch) (*models.Job, error)
	List(ctx context.Context, filter models.JobFilter, limit int, cursor string) (*models.ListPage, error)
	Delete(ctx context.Context, id string) error

	// ResetStaleProcessing resets jobs stuck in "processing" back to
	// "queued" — used by the Delivery Worker's StaleReaper on each
	// periodic sweep.
	ResetStaleProcessing(ctx context.Context, olderThan time.Time) (int, error)
}

// AdapterLookup is the read-only accessor the external LoRA catalog
// component is expected to satisfy. The core only ever reads adapters
// by id; it never creates, updates, or deletes them.
type AdapterLookup interface {
	Get(ctx context.Context, id string) (*models.Adapter, error)
	ListActive(ctx context.Context) ([]*models.Adapter, error)
}
