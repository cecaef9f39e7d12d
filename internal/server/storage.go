package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/caisselink/caissesync/internal/model"
	"github.com/caisselink/caissesync/internal/wire"
)

// DefaultTableBatchCap bounds how many changes the pull feed returns per
// table in one request.
const DefaultTableBatchCap = 500

// Storage is the server-side persistence for records, conflicts and audit.
type Storage struct {
	pool     PgxIface
	batchCap int
	now      func() time.Time
}

// NewStorage creates server storage over a pgx pool (or pgxmock in tests).
func NewStorage(pool PgxIface) *Storage {
	return &Storage{pool: pool, batchCap: DefaultTableBatchCap, now: time.Now}
}

type serverRecord struct {
	SyncID      string
	Table       model.Table
	LocalID     string
	OriginNode  string
	Version     int64
	Payload     json.RawMessage
	LastUpdated time.Time
	IsDeleted   bool
}

// ApplyPush applies one pushed operation with optimistic-concurrency
// version checking. CREATE is idempotent on (table, origin, localId); a
// stale UPDATE/DELETE version yields a conflict outcome, never an
// overwrite.
func (s *Storage) ApplyPush(ctx context.Context, caisseID string, req *wire.PushRequest) (*wire.PushResponse, error) {
	switch req.Operation {
	case model.OpCreate:
		return s.applyCreate(ctx, caisseID, req)
	case model.OpUpdate:
		return s.applyMutation(ctx, caisseID, req, false)
	case model.OpDelete:
		return s.applyMutation(ctx, caisseID, req, true)
	default:
		return nil, fmt.Errorf("unsupported operation %q", req.Operation)
	}
}

func (s *Storage) applyCreate(ctx context.Context, caisseID string, req *wire.PushRequest) (*wire.PushResponse, error) {
	// Re-pushing a CREATE after a lost acknowledgment must return the same
	// identity, not a duplicate row.
	existing, err := s.findByOrigin(ctx, req.Table, caisseID, req.LocalID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return appliedResponse(existing.SyncID, req.LocalID, existing.Version, wire.StatusCreated), nil
	}

	syncID := uuid.New().String()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync_records (sync_id, table_name, local_id, origin_node, version, payload, last_updated, is_deleted)
		VALUES ($1, $2, $3, $4, 1, $5, now(), false)`,
		syncID, string(req.Table), req.LocalID, caisseID, string(req.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to insert record: %w", err)
	}
	return appliedResponse(syncID, req.LocalID, 1, wire.StatusCreated), nil
}

func (s *Storage) applyMutation(ctx context.Context, caisseID string, req *wire.PushRequest, tombstone bool) (*wire.PushResponse, error) {
	rec, err := s.locate(ctx, caisseID, req)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &wire.PushResponse{
			Success: true,
			Data:    &wire.PushData{ID: req.LocalID, Status: wire.StatusNotFound},
		}, nil
	}

	if req.Version < rec.Version {
		return s.recordConflict(ctx, caisseID, req, rec)
	}

	newVersion := rec.Version + 1
	status := wire.StatusUpdated
	if tombstone {
		status = wire.StatusDeleted
	}
	payload := string(req.Data)
	if tombstone && len(req.Data) == 0 {
		payload = string(rec.Payload)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE sync_records
		SET version = $2, payload = $3, origin_node = $4, last_updated = now(), is_deleted = $5
		WHERE sync_id = $1`,
		rec.SyncID, newVersion, payload, caisseID, tombstone)
	if err != nil {
		return nil, fmt.Errorf("failed to update record: %w", err)
	}
	return appliedResponse(rec.SyncID, req.LocalID, newVersion, status), nil
}

// recordConflict persists exactly one ConflictRecord for the rejected push
// and answers with both snapshots.
func (s *Storage) recordConflict(ctx context.Context, caisseID string, req *wire.PushRequest, rec *serverRecord) (*wire.PushResponse, error) {
	conflictID := uuid.New().String()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_conflicts (id, caisse_id, table_name, record_id, server_snapshot, client_snapshot, server_version, client_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		conflictID, caisseID, string(req.Table), req.LocalID,
		string(rec.Payload), string(req.Data), rec.Version, req.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to record conflict: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"caisse_id":      caisseID,
		"table":          req.Table,
		"record_id":      req.LocalID,
		"server_version": rec.Version,
		"client_version": req.Version,
	}).Info("Push rejected with conflict")

	return &wire.PushResponse{
		Success:       false,
		Conflict:      true,
		ServerData:    rec.Payload,
		ClientData:    req.Data,
		ServerVersion: rec.Version,
		ClientVersion: req.Version,
		ConflictID:    conflictID,
	}, nil
}

// locate finds the record a mutation targets: by the sync id embedded in
// the payload when present, falling back to the pusher's own (origin,
// localId) pair.
func (s *Storage) locate(ctx context.Context, caisseID string, req *wire.PushRequest) (*serverRecord, error) {
	if syncID := extractSyncID(req.Data); syncID != "" {
		rec, err := s.findBySyncID(ctx, req.Table, syncID)
		if err != nil || rec != nil {
			return rec, err
		}
	}
	return s.findByOrigin(ctx, req.Table, caisseID, req.LocalID)
}

func (s *Storage) findBySyncID(ctx context.Context, table model.Table, syncID string) (*serverRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT sync_id, table_name, local_id, origin_node, version, payload, last_updated, is_deleted
		FROM sync_records
		WHERE table_name = $1 AND sync_id = $2`,
		string(table), syncID)
	return scanServerRecord(row)
}

func (s *Storage) findByOrigin(ctx context.Context, table model.Table, origin, localID string) (*serverRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT sync_id, table_name, local_id, origin_node, version, payload, last_updated, is_deleted
		FROM sync_records
		WHERE table_name = $1 AND origin_node = $2 AND local_id = $3`,
		string(table), origin, localID)
	return scanServerRecord(row)
}

func scanServerRecord(row pgx.Row) (*serverRecord, error) {
	var (
		rec     serverRecord
		table   string
		payload string
	)
	err := row.Scan(&rec.SyncID, &table, &rec.LocalID, &rec.OriginNode,
		&rec.Version, &payload, &rec.LastUpdated, &rec.IsDeleted)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error scanning record: %w", err)
	}
	rec.Table = model.Table(table)
	rec.Payload = []byte(payload)
	return &rec, nil
}

// ChangeFeed returns all changes after since for the given tables,
// excluding rows originated by caisseID, each table capped at the batch
// cap, merged and sorted ascending by last_updated.
func (s *Storage) ChangeFeed(ctx context.Context, caisseID string, since time.Time, tables []model.Table) ([]wire.Change, bool, error) {
	var all []wire.Change
	truncated := false
	for _, table := range tables {
		changes, err := s.tableFeed(ctx, caisseID, since, table)
		if err != nil {
			return nil, false, err
		}
		if len(changes) >= s.batchCap {
			truncated = true
			logrus.WithFields(logrus.Fields{
				"table":     table,
				"caisse_id": caisseID,
				"cap":       s.batchCap,
			}).Warn("Pull feed truncated at table batch cap")
		}
		all = append(all, changes...)
	}

	// Merge across tables in wall-clock order so cross-table referential
	// changes apply in the order they were committed.
	sortChanges(all)
	return all, truncated, nil
}

func (s *Storage) tableFeed(ctx context.Context, caisseID string, since time.Time, table model.Table) ([]wire.Change, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sync_id, origin_node, version, payload, last_updated, is_deleted
		FROM sync_records
		WHERE table_name = $1 AND last_updated > $2 AND origin_node != $3
		ORDER BY last_updated ASC
		LIMIT $4`,
		string(table), since, caisseID, s.batchCap)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s feed: %w", table, err)
	}
	defer rows.Close()

	var changes []wire.Change
	for rows.Next() {
		var (
			c       wire.Change
			payload string
			deleted bool
		)
		if err := rows.Scan(&c.SyncID, &c.OriginNode, &c.Version, &payload, &c.Timestamp, &deleted); err != nil {
			return nil, fmt.Errorf("error scanning %s change: %w", table, err)
		}
		c.Table = table
		c.Data = []byte(payload)
		switch {
		case deleted:
			c.Operation = model.OpDelete
		case c.Version == 1:
			c.Operation = model.OpCreate
		default:
			c.Operation = model.OpUpdate
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s feed: %w", table, err)
	}
	return changes, nil
}

// AuditEntry is one logged push/pull attempt.
type AuditEntry struct {
	CaisseID  string
	Direction string // "push" | "pull"
	Operation string
	Table     string
	RecordID  string
	Status    string
	Error     string
}

// Audit appends one audit row. Audit failures are logged, not propagated:
// losing an audit row must not fail the sync operation itself.
func (s *Storage) Audit(ctx context.Context, e AuditEntry) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_audit (caisse_id, direction, operation, table_name, record_id, status, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.CaisseID, e.Direction, e.Operation, e.Table, e.RecordID, e.Status, e.Error)
	if err != nil {
		logrus.WithError(err).WithField("caisse_id", e.CaisseID).Error("Failed to write audit entry")
	}
}

// NodeStatus assembles the status endpoint payload for one caisse.
func (s *Storage) NodeStatus(ctx context.Context, caisseID string) (*wire.StatusResponse, error) {
	resp := &wire.StatusResponse{
		Success:      true,
		CaisseID:     caisseID,
		RecordCounts: make(map[model.Table]int64),
		Online:       true,
	}

	var lastPush, lastPull *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT MAX(ts) FILTER (WHERE direction = 'push'),
		       MAX(ts) FILTER (WHERE direction = 'pull')
		FROM sync_audit WHERE caisse_id = $1`, caisseID).Scan(&lastPush, &lastPull)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit watermarks: %w", err)
	}
	resp.LastPush = lastPush
	resp.LastPull = lastPull

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM sync_conflicts WHERE caisse_id = $1 AND NOT resolved`,
		caisseID).Scan(&resp.PendingConflicts)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending conflicts: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT table_name, COUNT(*) FROM sync_records GROUP BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var table string
		var n int64
		if err := rows.Scan(&table, &n); err != nil {
			return nil, fmt.Errorf("error scanning record counts: %w", err)
		}
		resp.RecordCounts[model.Table(table)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating record counts: %w", err)
	}
	return resp, nil
}

func appliedResponse(syncID, localID string, version int64, status wire.ApplyStatus) *wire.PushResponse {
	return &wire.PushResponse{
		Success: true,
		Data: &wire.PushData{
			SyncID:  syncID,
			ID:      localID,
			Version: version,
			Status:  status,
		},
	}
}

// extractSyncID pulls the server identity out of a pushed payload, when the
// client included one.
func extractSyncID(data json.RawMessage) string {
	var probe struct {
		SyncID string `json:"syncId"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.SyncID
}

func sortChanges(changes []wire.Change) {
	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].Timestamp.Before(changes[j].Timestamp)
	})
}
