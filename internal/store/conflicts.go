package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/caisselink/caissesync/internal/model"
)

// InsertConflict persists a newly detected conflict record.
func (s *Store) InsertConflict(ctx context.Context, c *model.ConflictRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_conflicts
			(id, table_name, record_id, local_snapshot, server_snapshot, local_version, server_version, resolution, resolved_at, resolved_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, ?)`,
		c.ID, string(c.Table), c.RecordID, string(c.LocalSnapshot), string(c.ServerSnapshot),
		c.LocalVersion, c.ServerVersion, c.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert conflict record: %w", err)
	}
	return nil
}

// GetConflict loads a conflict record by id, or nil when unknown.
func (s *Store) GetConflict(ctx context.Context, id string) (*model.ConflictRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, table_name, record_id, local_snapshot, server_snapshot, local_version, server_version, resolution, resolved_at, resolved_by, created_at
		FROM sync_conflicts WHERE id = ?`, id)
	return scanConflict(row)
}

// ResolveConflict records the decision on a conflict. A conflict is only
// ever resolved once.
func (s *Store) ResolveConflict(ctx context.Context, id string, res model.Resolution, resolvedBy string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_conflicts
		SET resolution = ?, resolved_at = ?, resolved_by = ?
		WHERE id = ? AND resolution IS NULL`,
		string(res), at.UnixMilli(), resolvedBy, id)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict %s: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("conflict %s not found or already resolved", id)
	}
	return nil
}

// PendingConflicts returns all unresolved conflicts, oldest first.
func (s *Store) PendingConflicts(ctx context.Context) ([]model.ConflictRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, table_name, record_id, local_snapshot, server_snapshot, local_version, server_version, resolution, resolved_at, resolved_by, created_at
		FROM sync_conflicts
		WHERE resolution IS NULL
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []model.ConflictRecord
	for rows.Next() {
		c, err := scanConflictRows(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending conflicts: %w", err)
	}
	return conflicts, nil
}

// PendingConflictCount returns the number of unresolved conflicts.
func (s *Store) PendingConflictCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_conflicts WHERE resolution IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending conflicts: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConflict(row *sql.Row) (*model.ConflictRecord, error) {
	c, err := scanConflictFrom(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func scanConflictRows(rows *sql.Rows) (*model.ConflictRecord, error) {
	return scanConflictFrom(rows)
}

func scanConflictFrom(row rowScanner) (*model.ConflictRecord, error) {
	var (
		c                    model.ConflictRecord
		table, local, server string
		resolution           sql.NullString
		resolvedAt           sql.NullInt64
		resolvedBy           sql.NullString
		createdMs            int64
	)
	err := row.Scan(&c.ID, &table, &c.RecordID, &local, &server,
		&c.LocalVersion, &c.ServerVersion, &resolution, &resolvedAt, &resolvedBy, &createdMs)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("error scanning conflict record: %w", err)
	}
	c.Table = model.Table(table)
	c.LocalSnapshot = []byte(local)
	c.ServerSnapshot = []byte(server)
	if resolution.Valid {
		c.Resolution = model.Resolution(resolution.String)
	}
	if resolvedAt.Valid {
		c.ResolvedAt = time.UnixMilli(resolvedAt.Int64)
	}
	c.ResolvedBy = resolvedBy.String
	c.CreatedAt = time.UnixMilli(createdMs)
	return &c, nil
}
