package workflow

import (
	"context"
	"time"
)

// SnapshotStore persists serialized workflow executions.
type SnapshotStore interface {
	// Create persists a new record. Returns CONFLICT if the id exists.
	Create(ctx context.Context, rec SnapshotRecord) error

	// Get retrieves a record by workflow id. Returns NOT_FOUND if it
	// doesn't exist.
	Get(ctx context.Context, id string) (SnapshotRecord, error)

	// Update replaces a record with optimistic locking. rec.Version must
	// match the stored version, which is then incremented. Returns CONFLICT
	// if the version has changed.
	Update(ctx context.Context, rec SnapshotRecord) error

	// Delete removes a record.
	Delete(ctx context.Context, id string) error

	// List returns records matching filters, newest first.
	List(ctx context.Context, filters SnapshotFilters) ([]SnapshotRecord, error)

	// HealthCheck reports whether the backing store is reachable.
	HealthCheck(ctx context.Context) error
}

// SnapshotRecord is a stored execution.
type SnapshotRecord struct {
	ID        string    `json:"id"`
	ProcessID string    `json:"process_id"`
	Status    string    `json:"status"`
	Data      []byte    `json:"data"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SnapshotFilters are optional filters for listing records.
type SnapshotFilters struct {
	ProcessID string
	Status    string
	Limit     int
	Offset    int
}

func (f SnapshotFilters) match(rec SnapshotRecord) bool {
	if f.ProcessID != "" && rec.ProcessID != f.ProcessID {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	return true
}

// page applies offset and limit to a sorted result.
func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
