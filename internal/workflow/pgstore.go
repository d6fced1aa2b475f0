package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/weft/model"
)

// PgSchema creates the table used by PgSnapshotStore.
const PgSchema = `
CREATE TABLE IF NOT EXISTS workflow_snapshots (
	id         TEXT PRIMARY KEY,
	process_id TEXT NOT NULL,
	status     TEXT NOT NULL,
	data       BYTEA NOT NULL,
	version    INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_snapshots_process_idx
	ON workflow_snapshots (process_id, created_at DESC);
`

// PgSnapshotStore is a PostgreSQL-backed SnapshotStore using pgx/v5.
type PgSnapshotStore struct {
	pool *pgxpool.Pool
}

// NewPgSnapshotStore creates a new PostgreSQL snapshot store.
func NewPgSnapshotStore(pool *pgxpool.Pool) *PgSnapshotStore {
	return &PgSnapshotStore{pool: pool}
}

// EnsureSchema creates the snapshot table if it does not exist.
func (s *PgSnapshotStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PgSchema); err != nil {
		return fmt.Errorf("create snapshot schema: %w", err)
	}
	return nil
}

// Create inserts a new record.
func (s *PgSnapshotStore) Create(ctx context.Context, rec SnapshotRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_snapshots (
			id, process_id, status, data, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.ProcessID, rec.Status, rec.Data, rec.Version, rec.CreatedAt, now,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("snapshot %q already exists", rec.ID),
		)
	}
	return nil
}

// Get retrieves a record by id.
func (s *PgSnapshotStore) Get(ctx context.Context, id string) (SnapshotRecord, error) {
	var rec SnapshotRecord
	err := s.pool.QueryRow(ctx, `
		SELECT id, process_id, status, data, version, created_at, updated_at
		FROM workflow_snapshots
		WHERE id = $1`,
		id,
	).Scan(
		&rec.ID, &rec.ProcessID, &rec.Status, &rec.Data, &rec.Version,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return SnapshotRecord{}, model.NewNotFoundError(
			fmt.Sprintf("snapshot %q not found", id),
		)
	}
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("query snapshot: %w", err)
	}
	return rec, nil
}

// Update replaces a record with optimistic locking.
func (s *PgSnapshotStore) Update(ctx context.Context, rec SnapshotRecord) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_snapshots SET
			process_id = $1,
			status = $2,
			data = $3,
			version = $4,
			updated_at = $5
		WHERE id = $6 AND version = $7`,
		rec.ProcessID, rec.Status, rec.Data, rec.Version+1,
		time.Now().UTC(),
		rec.ID, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("update snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, rec.ID); err != nil {
			return err
		}
		return model.NewConflictError(
			fmt.Sprintf("snapshot %q version conflict (expected %d)", rec.ID, rec.Version),
		)
	}
	return nil
}

// Delete removes a record.
func (s *PgSnapshotStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workflow_snapshots WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(
			fmt.Sprintf("snapshot %q not found", id),
		)
	}
	return nil
}

// List returns matching records, newest first.
func (s *PgSnapshotStore) List(ctx context.Context, filters SnapshotFilters) ([]SnapshotRecord, error) {
	query := `SELECT id, process_id, status, data, version, created_at, updated_at
	          FROM workflow_snapshots
	          WHERE TRUE`
	var args []any
	argIdx := 1

	if filters.ProcessID != "" {
		query += fmt.Sprintf(" AND process_id = $%d", argIdx)
		args = append(args, filters.ProcessID)
		argIdx++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id ASC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var records []SnapshotRecord
	for rows.Next() {
		var rec SnapshotRecord
		if err := rows.Scan(
			&rec.ID, &rec.ProcessID, &rec.Status, &rec.Data, &rec.Version,
			&rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// HealthCheck pings the database.
func (s *PgSnapshotStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
