package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/weft/model"
)

// MemorySnapshotStore is an in-memory SnapshotStore.
type MemorySnapshotStore struct {
	mu      sync.RWMutex
	records map[string]SnapshotRecord
}

// NewMemorySnapshotStore creates a new in-memory snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{
		records: make(map[string]SnapshotRecord),
	}
}

// Create persists a new record.
func (s *MemorySnapshotStore) Create(_ context.Context, rec SnapshotRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("snapshot %q already exists", rec.ID),
		)
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Data = append([]byte(nil), rec.Data...)
	s.records[rec.ID] = rec
	return nil
}

// Get retrieves a record by id.
func (s *MemorySnapshotStore) Get(_ context.Context, id string) (SnapshotRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[id]
	if !exists {
		return SnapshotRecord{}, model.NewNotFoundError(
			fmt.Sprintf("snapshot %q not found", id),
		)
	}
	rec.Data = append([]byte(nil), rec.Data...)
	return rec, nil
}

// Update replaces a record with optimistic locking.
func (s *MemorySnapshotStore) Update(_ context.Context, rec SnapshotRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.records[rec.ID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("snapshot %q not found", rec.ID),
		)
	}

	// Optimistic lock check.
	if existing.Version != rec.Version {
		return model.NewConflictError(
			fmt.Sprintf("snapshot %q version conflict (expected %d, got %d)", rec.ID, rec.Version, existing.Version),
		)
	}

	rec.Version++
	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = time.Now().UTC()
	rec.Data = append([]byte(nil), rec.Data...)
	s.records[rec.ID] = rec
	return nil
}

// Delete removes a record.
func (s *MemorySnapshotStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[id]; !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("snapshot %q not found", id),
		)
	}
	delete(s.records, id)
	return nil
}

// List returns matching records, newest first.
func (s *MemorySnapshotStore) List(_ context.Context, filters SnapshotFilters) ([]SnapshotRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []SnapshotRecord
	for _, rec := range s.records {
		if filters.match(rec) {
			result = append(result, rec)
		}
	}

	// Sort by created_at descending, id for ties.
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})

	return page(result, filters.Offset, filters.Limit), nil
}

// HealthCheck always succeeds.
func (s *MemorySnapshotStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the total number of records. For testing.
func (s *MemorySnapshotStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
