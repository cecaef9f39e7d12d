package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/caisselink/caissesync/internal/model"
)

// Repository is the storage surface the sync engine needs per replicated
// table. One generic engine, many tables: dispatch goes through the closed
// model.Table enumeration via the Registry, never through raw strings.
type Repository interface {
	// SaveLocal writes a locally originated record state (business write
	// path or conflict resolution outcome).
	SaveLocal(ctx context.Context, rec model.Record) error
	// UpsertBySyncID applies a pulled CREATE/UPDATE keyed by sync id. The
	// record is created when absent; an existing record is overwritten only
	// when the incoming version is >= the local one, so a pull never
	// regresses a record pushed by this node in between.
	UpsertBySyncID(ctx context.Context, rec model.Record) error
	// MarkDeleted applies a pulled tombstone. The row is kept.
	MarkDeleted(ctx context.Context, syncID string, version int64, ts time.Time) error
	// FindByLocalID returns the record, or nil when unknown.
	FindByLocalID(ctx context.Context, localID string) (*model.Record, error)
	// FindBySyncID returns the record, or nil when unknown.
	FindBySyncID(ctx context.Context, syncID string) (*model.Record, error)
	// SetServerIdentity stores the server-assigned sync id and version
	// after an accepted push.
	SetServerIdentity(ctx context.Context, localID, syncID string, version int64, status model.SyncStatus) error
	// SetSyncStatus updates only the replication status of a record.
	SetSyncStatus(ctx context.Context, localID string, status model.SyncStatus) error
}

// Registry maps each replicated table to its Repository.
type Registry struct {
	repos map[model.Table]Repository
}

// NewRegistry builds a registry over the store for every replicated table.
func NewRegistry(s *Store) *Registry {
	repos := make(map[model.Table]Repository, len(model.Tables()))
	for _, t := range model.Tables() {
		repos[t] = &tableRepo{store: s, table: t}
	}
	return &Registry{repos: repos}
}

// For returns the repository for a table.
func (r *Registry) For(t model.Table) (Repository, bool) {
	repo, ok := r.repos[t]
	return repo, ok
}

// tableRepo is the SQLite Repository shared by all tables; the table value
// comes from the closed enumeration, so it is safe to key rows with it.
type tableRepo struct {
	store *Store
	table model.Table
}

func (r *tableRepo) SaveLocal(ctx context.Context, rec model.Record) error {
	var syncID any
	if rec.SyncID != "" {
		syncID = rec.SyncID
	}
	_, err := r.store.db.ExecContext(ctx, `
		INSERT INTO sync_records
			(table_name, local_id, sync_id, origin_node, version, payload, last_updated, is_deleted, sync_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (table_name, local_id) DO UPDATE SET
			sync_id = excluded.sync_id,
			origin_node = excluded.origin_node,
			version = excluded.version,
			payload = excluded.payload,
			last_updated = excluded.last_updated,
			is_deleted = excluded.is_deleted,
			sync_status = excluded.sync_status`,
		string(r.table), rec.LocalID, syncID, rec.OriginNode, rec.Version,
		string(rec.Payload), rec.LastUpdated.UnixMilli(), boolToInt(rec.IsDeleted), string(rec.SyncStatus))
	if err != nil {
		return fmt.Errorf("failed to save %s record %s: %w", r.table, rec.LocalID, err)
	}
	return nil
}

func (r *tableRepo) UpsertBySyncID(ctx context.Context, rec model.Record) error {
	existing, err := r.FindBySyncID(ctx, rec.SyncID)
	if err != nil {
		return err
	}
	if existing == nil {
		if rec.LocalID == "" {
			// Pulled records keep the server id as the local handle until
			// local business logic adopts them.
			rec.LocalID = rec.SyncID
		}
		return r.SaveLocal(ctx, rec)
	}
	if rec.Version < existing.Version {
		// Local copy was pushed more recently than this pulled change.
		return nil
	}
	rec.LocalID = existing.LocalID
	return r.SaveLocal(ctx, rec)
}

func (r *tableRepo) MarkDeleted(ctx context.Context, syncID string, version int64, ts time.Time) error {
	res, err := r.store.db.ExecContext(ctx, `
		UPDATE sync_records
		SET is_deleted = 1, version = ?, last_updated = ?, sync_status = ?
		WHERE table_name = ? AND sync_id = ? AND version <= ?`,
		version, ts.UnixMilli(), string(model.SyncSynced), string(r.table), syncID, version)
	if err != nil {
		return fmt.Errorf("failed to tombstone %s record %s: %w", r.table, syncID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	// Unknown record: keep the tombstone anyway so the deletion survives
	// a later create/update arriving out of order.
	existing, err := r.FindBySyncID(ctx, syncID)
	if err != nil || existing != nil {
		return err
	}
	return r.SaveLocal(ctx, model.Record{
		Table:       r.table,
		LocalID:     syncID,
		SyncID:      syncID,
		Version:     version,
		Payload:     []byte("{}"),
		LastUpdated: ts,
		IsDeleted:   true,
		SyncStatus:  model.SyncSynced,
	})
}

func (r *tableRepo) FindByLocalID(ctx context.Context, localID string) (*model.Record, error) {
	return r.findWhere(ctx, "local_id = ?", localID)
}

func (r *tableRepo) FindBySyncID(ctx context.Context, syncID string) (*model.Record, error) {
	if syncID == "" {
		return nil, nil
	}
	return r.findWhere(ctx, "sync_id = ?", syncID)
}

func (r *tableRepo) findWhere(ctx context.Context, cond string, arg any) (*model.Record, error) {
	row := r.store.db.QueryRowContext(ctx, `
		SELECT local_id, sync_id, origin_node, version, payload, last_updated, is_deleted, sync_status
		FROM sync_records
		WHERE table_name = ? AND `+cond,
		string(r.table), arg)

	var (
		rec       model.Record
		syncID    sql.NullString
		payload   string
		updatedMs int64
		deleted   int
		status    string
	)
	err := row.Scan(&rec.LocalID, &syncID, &rec.OriginNode, &rec.Version,
		&payload, &updatedMs, &deleted, &status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error scanning %s record: %w", r.table, err)
	}
	rec.Table = r.table
	rec.SyncID = syncID.String
	rec.Payload = []byte(payload)
	rec.LastUpdated = time.UnixMilli(updatedMs)
	rec.IsDeleted = deleted != 0
	rec.SyncStatus = model.SyncStatus(status)
	return &rec, nil
}

func (r *tableRepo) SetServerIdentity(ctx context.Context, localID, syncID string, version int64, status model.SyncStatus) error {
	_, err := r.store.db.ExecContext(ctx, `
		UPDATE sync_records
		SET sync_id = ?, version = ?, sync_status = ?
		WHERE table_name = ? AND local_id = ?`,
		syncID, version, string(status), string(r.table), localID)
	if err != nil {
		return fmt.Errorf("failed to set server identity on %s record %s: %w", r.table, localID, err)
	}
	return nil
}

func (r *tableRepo) SetSyncStatus(ctx context.Context, localID string, status model.SyncStatus) error {
	_, err := r.store.db.ExecContext(ctx, `
		UPDATE sync_records SET sync_status = ?
		WHERE table_name = ? AND local_id = ?`,
		string(status), string(r.table), localID)
	if err != nil {
		return fmt.Errorf("failed to set sync status on %s record %s: %w", r.table, localID, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
