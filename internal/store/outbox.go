package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/caisselink/caissesync/internal/model"
)

// AppendOperation appends one mutation to the durable outbox. Appends are
// serialized by the single SQLite writer connection, so concurrent callers
// cannot interleave partial writes.
func (s *Store) AppendOperation(ctx context.Context, op *model.SyncOperation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_outbox
			(id, table_name, operation, payload, local_id, enqueued_at, next_attempt_at, retries, status, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, string(op.Table), string(op.Op), string(op.Payload), op.LocalID,
		op.EnqueuedAt.UnixMilli(), op.NextAttemptAt.UnixMilli(), op.Retries, string(op.Status), op.LastError)
	if err != nil {
		return fmt.Errorf("failed to append outbox operation: %w", err)
	}
	return nil
}

// NextBatch returns up to limit PENDING operations whose retry delay has
// elapsed, in enqueue order. Enqueue order per local id is what preserves
// the CREATE-before-UPDATE invariant, so ordering ties are broken by rowid.
func (s *Store) NextBatch(ctx context.Context, limit int, now time.Time) ([]model.SyncOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, table_name, operation, payload, local_id, enqueued_at, next_attempt_at, retries, status, last_error
		FROM sync_outbox
		WHERE status = ? AND next_attempt_at <= ?
		ORDER BY enqueued_at ASC, rowid ASC
		LIMIT ?`,
		string(model.OpPending), now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox batch: %w", err)
	}
	defer rows.Close()
	return scanOperations(rows)
}

func scanOperations(rows *sql.Rows) ([]model.SyncOperation, error) {
	var ops []model.SyncOperation
	for rows.Next() {
		var (
			op                     model.SyncOperation
			table, operation, st   string
			payload                string
			enqueuedMs, nextMs     int64
		)
		if err := rows.Scan(&op.ID, &table, &operation, &payload, &op.LocalID,
			&enqueuedMs, &nextMs, &op.Retries, &st, &op.LastError); err != nil {
			return nil, fmt.Errorf("error scanning outbox operation: %w", err)
		}
		op.Table = model.Table(table)
		op.Op = model.Op(operation)
		op.Status = model.OpStatus(st)
		op.Payload = []byte(payload)
		op.EnqueuedAt = time.UnixMilli(enqueuedMs)
		op.NextAttemptAt = time.UnixMilli(nextMs)
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox operations: %w", err)
	}
	return ops, nil
}

// MarkProcessing transitions the given operations to PROCESSING.
func (s *Store) MarkProcessing(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE sync_outbox SET status = ? WHERE id = ?`,
			string(model.OpProcessing), id); err != nil {
			return fmt.Errorf("failed to mark operation %s processing: %w", id, err)
		}
	}
	return nil
}

// CompleteOperation removes a delivered operation from the outbox.
func (s *Store) CompleteOperation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_outbox WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to complete operation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no outbox operation found with id %s", id)
	}
	return nil
}

// RescheduleOperation puts a transiently failed operation back to PENDING
// with its retry counter bumped and the next attempt deferred.
func (s *Store) RescheduleOperation(ctx context.Context, id string, retries int, nextAttempt time.Time, lastErr string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_outbox
		SET status = ?, retries = ?, next_attempt_at = ?, last_error = ?
		WHERE id = ?`,
		string(model.OpPending), retries, nextAttempt.UnixMilli(), lastErr, id)
	if err != nil {
		return fmt.Errorf("failed to reschedule operation %s: %w", id, err)
	}
	return nil
}

// FailOperation marks an operation terminally FAILED. The row is retained
// for diagnostics and never retried automatically again.
func (s *Store) FailOperation(ctx context.Context, id, lastErr string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_outbox SET status = ?, last_error = ? WHERE id = ?`,
		string(model.OpFailed), lastErr, id)
	if err != nil {
		return fmt.Errorf("failed to fail operation %s: %w", id, err)
	}
	return nil
}

// RequeueProcessing resets PROCESSING operations back to PENDING. Called at
// startup: a crash mid-drain must not strand operations in PROCESSING.
func (s *Store) RequeueProcessing(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_outbox SET status = ? WHERE status = ?`,
		string(model.OpPending), string(model.OpProcessing))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue processing operations: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// QueueDepth returns the number of outbox operations per status.
func (s *Store) QueueDepth(ctx context.Context) (map[model.OpStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sync_outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue depth: %w", err)
	}
	defer rows.Close()

	depth := make(map[model.OpStatus]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("error scanning queue depth: %w", err)
		}
		depth[model.OpStatus(st)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue depth: %w", err)
	}
	return depth, nil
}

// FailedOperations returns terminally failed operations for operator
// inspection.
func (s *Store) FailedOperations(ctx context.Context) ([]model.SyncOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, table_name, operation, payload, local_id, enqueued_at, next_attempt_at, retries, status, last_error
		FROM sync_outbox
		WHERE status = ?
		ORDER BY enqueued_at ASC, rowid ASC`,
		string(model.OpFailed))
	if err != nil {
		return nil, fmt.Errorf("failed to query failed operations: %w", err)
	}
	defer rows.Close()
	return scanOperations(rows)
}
