package server

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caisselink/caissesync/internal/model"
	"github.com/caisselink/caissesync/internal/wire"
)

const testCaisseID = "caisse-11111111-2222-3333-4444-555555555555"

var recordColumns = []string{"sync_id", "table_name", "local_id", "origin_node", "version", "payload", "last_updated", "is_deleted"}

func recordRow(syncID string, version int64, payload string, deleted bool) *pgxmock.Rows {
	return pgxmock.NewRows(recordColumns).
		AddRow(syncID, "products", "p-1", testCaisseID, version, payload, time.Now(), deleted)
}

// TestApplyCreateInsertsNewRecord tests the first push of a new record
func TestApplyCreateInsertsNewRecord(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`WHERE table_name = \$1 AND origin_node = \$2 AND local_id = \$3`).
		WithArgs("products", testCaisseID, "p-1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(`INSERT INTO sync_records`).
		WithArgs(pgxmock.AnyArg(), "products", "p-1", testCaisseID, `{"name":"espresso"}`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	s := NewStorage(mock)
	resp, err := s.ApplyPush(context.Background(), testCaisseID, &wire.PushRequest{
		Operation: model.OpCreate,
		Table:     model.TableProducts,
		Data:      []byte(`{"name":"espresso"}`),
		LocalID:   "p-1",
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Data)
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.Data.SyncID)
	assert.EqualValues(t, 1, resp.Data.Version)
	assert.Equal(t, wire.StatusCreated, resp.Data.Status)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestApplyCreateIdempotent tests re-pushing a CREATE after a lost ack
func TestApplyCreateIdempotent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`WHERE table_name = \$1 AND origin_node = \$2 AND local_id = \$3`).
		WithArgs("products", testCaisseID, "p-1").
		WillReturnRows(recordRow("sid-existing", 1, `{"name":"espresso"}`, false))

	s := NewStorage(mock)
	resp, err := s.ApplyPush(context.Background(), testCaisseID, &wire.PushRequest{
		Operation: model.OpCreate,
		Table:     model.TableProducts,
		Data:      []byte(`{"name":"espresso"}`),
		LocalID:   "p-1",
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Data)
	assert.Equal(t, "sid-existing", resp.Data.SyncID, "retried CREATE returns the same identity, no duplicate")
	assert.EqualValues(t, 1, resp.Data.Version)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestApplyUpdateMatchingVersion tests a clean optimistic-concurrency update
func TestApplyUpdateMatchingVersion(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`WHERE table_name = \$1 AND origin_node = \$2 AND local_id = \$3`).
		WithArgs("products", testCaisseID, "p-1").
		WillReturnRows(recordRow("sid-1", 3, `{"name":"old"}`, false))
	mock.ExpectExec(`UPDATE sync_records`).
		WithArgs("sid-1", int64(4), `{"name":"new"}`, testCaisseID, false).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	s := NewStorage(mock)
	resp, err := s.ApplyPush(context.Background(), testCaisseID, &wire.PushRequest{
		Operation: model.OpUpdate,
		Table:     model.TableProducts,
		Data:      []byte(`{"name":"new"}`),
		LocalID:   "p-1",
		Version:   3,
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Data)
	assert.EqualValues(t, 4, resp.Data.Version, "accepted update increments the version")
	assert.Equal(t, wire.StatusUpdated, resp.Data.Status)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestApplyUpdateStaleVersionConflicts tests the conflict outcome
func TestApplyUpdateStaleVersionConflicts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`WHERE table_name = \$1 AND origin_node = \$2 AND local_id = \$3`).
		WithArgs("products", testCaisseID, "p-1").
		WillReturnRows(recordRow("sid-1", 5, `{"name":"server"}`, false))
	mock.ExpectExec(`INSERT INTO sync_conflicts`).
		WithArgs(pgxmock.AnyArg(), testCaisseID, "products", "p-1",
			`{"name":"server"}`, `{"name":"client"}`, int64(5), int64(3)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	s := NewStorage(mock)
	resp, err := s.ApplyPush(context.Background(), testCaisseID, &wire.PushRequest{
		Operation: model.OpUpdate,
		Table:     model.TableProducts,
		Data:      []byte(`{"name":"client"}`),
		LocalID:   "p-1",
		Version:   3,
	})
	require.NoError(t, err, "a conflict is a protocol outcome, not an error")
	assert.False(t, resp.Success)
	assert.True(t, resp.Conflict)
	assert.EqualValues(t, 5, resp.ServerVersion)
	assert.EqualValues(t, 3, resp.ClientVersion)
	assert.JSONEq(t, `{"name":"server"}`, string(resp.ServerData))
	assert.JSONEq(t, `{"name":"client"}`, string(resp.ClientData))
	assert.NotEmpty(t, resp.ConflictID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestApplyUpdateLocatesBySyncID tests locate preference for the payload's syncId
func TestApplyUpdateLocatesBySyncID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`WHERE table_name = \$1 AND sync_id = \$2`).
		WithArgs("products", "sid-1").
		WillReturnRows(recordRow("sid-1", 2, `{"name":"old"}`, false))
	mock.ExpectExec(`UPDATE sync_records`).
		WithArgs("sid-1", int64(3), `{"syncId":"sid-1","name":"new"}`, testCaisseID, false).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	s := NewStorage(mock)
	resp, err := s.ApplyPush(context.Background(), testCaisseID, &wire.PushRequest{
		Operation: model.OpUpdate,
		Table:     model.TableProducts,
		Data:      []byte(`{"syncId":"sid-1","name":"new"}`),
		LocalID:   "p-1",
		Version:   2,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, resp.Data.Version)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestApplyUpdateAdoptedRecordStaleVersion tests the request shape a caisse
// emits for a record it adopted from the pull feed: the local id equals the
// sync id, the payload embeds the sync id, and the pushing caisse is not the
// origin. A stale version must still come back as a conflict, never as a
// silent NOT_FOUND success.
func TestApplyUpdateAdoptedRecordStaleVersion(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`WHERE table_name = \$1 AND sync_id = \$2`).
		WithArgs("products", "s1").
		WillReturnRows(pgxmock.NewRows(recordColumns).
			AddRow("s1", "products", "p-9", "caisse-origin", int64(2), `{"name":"latte grande"}`, time.Now(), false))
	mock.ExpectExec(`INSERT INTO sync_conflicts`).
		WithArgs(pgxmock.AnyArg(), testCaisseID, "products", "s1",
			`{"name":"latte grande"}`, `{"syncId":"s1","name":"latte piccolo"}`, int64(2), int64(1)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	s := NewStorage(mock)
	resp, err := s.ApplyPush(context.Background(), testCaisseID, &wire.PushRequest{
		Operation: model.OpUpdate,
		Table:     model.TableProducts,
		Data:      []byte(`{"syncId":"s1","name":"latte piccolo"}`),
		LocalID:   "s1",
		Version:   1,
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.True(t, resp.Conflict)
	assert.EqualValues(t, 2, resp.ServerVersion)
	assert.EqualValues(t, 1, resp.ClientVersion)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestApplyDeleteUnknownRecord tests DELETE of a record the server never saw
func TestApplyDeleteUnknownRecord(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`WHERE table_name = \$1 AND origin_node = \$2 AND local_id = \$3`).
		WithArgs("products", testCaisseID, "p-ghost").
		WillReturnError(pgx.ErrNoRows)

	s := NewStorage(mock)
	resp, err := s.ApplyPush(context.Background(), testCaisseID, &wire.PushRequest{
		Operation: model.OpDelete,
		Table:     model.TableProducts,
		LocalID:   "p-ghost",
		Version:   1,
	})
	require.NoError(t, err)
	assert.True(t, resp.Success, "deleting an unknown record is not an error")
	assert.Equal(t, wire.StatusNotFound, resp.Data.Status)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestApplyDeleteTombstones tests that DELETE keeps the payload
func TestApplyDeleteTombstones(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`WHERE table_name = \$1 AND origin_node = \$2 AND local_id = \$3`).
		WithArgs("products", testCaisseID, "p-1").
		WillReturnRows(recordRow("sid-1", 2, `{"name":"espresso"}`, false))
	mock.ExpectExec(`UPDATE sync_records`).
		WithArgs("sid-1", int64(3), `{"name":"espresso"}`, testCaisseID, true).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	s := NewStorage(mock)
	resp, err := s.ApplyPush(context.Background(), testCaisseID, &wire.PushRequest{
		Operation: model.OpDelete,
		Table:     model.TableProducts,
		LocalID:   "p-1",
		Version:   2,
	})
	require.NoError(t, err)
	assert.Equal(t, wire.StatusDeleted, resp.Data.Status)
	assert.EqualValues(t, 3, resp.Data.Version)

	assert.NoError(t, mock.ExpectationsWereMet())
}

var feedColumns = []string{"sync_id", "origin_node", "version", "payload", "last_updated", "is_deleted"}

// TestChangeFeedDerivesOperations tests operation derivation and ordering
func TestChangeFeedDerivesOperations(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows(feedColumns).
		AddRow("sid-1", "caisse-other", int64(1), `{"name":"a"}`, base.Add(time.Minute), false).
		AddRow("sid-2", "caisse-other", int64(3), `{"name":"b"}`, base.Add(2*time.Minute), false).
		AddRow("sid-3", "caisse-other", int64(2), `{}`, base.Add(3*time.Minute), true)

	mock.ExpectQuery(`WHERE table_name = \$1 AND last_updated > \$2 AND origin_node != \$3`).
		WithArgs("products", base, testCaisseID, DefaultTableBatchCap).
		WillReturnRows(rows)

	s := NewStorage(mock)
	changes, truncated, err := s.ChangeFeed(context.Background(), testCaisseID, base, []model.Table{model.TableProducts})
	require.NoError(t, err)
	assert.False(t, truncated)
	require.Len(t, changes, 3)
	assert.Equal(t, model.OpCreate, changes[0].Operation, "version 1 reads as CREATE")
	assert.Equal(t, model.OpUpdate, changes[1].Operation)
	assert.Equal(t, model.OpDelete, changes[2].Operation, "tombstones read as DELETE")
	assert.True(t, changes[0].Timestamp.Before(changes[1].Timestamp))

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestChangeFeedTruncation tests the per-table batch cap
func TestChangeFeedTruncation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows(feedColumns).
		AddRow("sid-1", "caisse-other", int64(1), `{}`, base.Add(time.Minute), false)

	mock.ExpectQuery(`WHERE table_name = \$1 AND last_updated > \$2 AND origin_node != \$3`).
		WithArgs("products", base, testCaisseID, 1).
		WillReturnRows(rows)

	s := NewStorage(mock)
	s.batchCap = 1
	changes, truncated, err := s.ChangeFeed(context.Background(), testCaisseID, base, []model.Table{model.TableProducts})
	require.NoError(t, err)
	assert.Len(t, changes, 1)
	assert.True(t, truncated, "a full table batch reports truncation")

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestAuditFailureNotPropagated tests that a lost audit row never fails the call
func TestAuditFailureNotPropagated(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO sync_audit`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(assert.AnError)

	s := NewStorage(mock)
	s.Audit(context.Background(), AuditEntry{CaisseID: testCaisseID, Direction: "push", Status: "applied"})

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestNodeStatus tests assembling the status payload
func TestNodeStatus(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	lastPush := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	lastPull := lastPush.Add(time.Minute)

	mock.ExpectQuery(`FROM sync_audit WHERE caisse_id = \$1`).
		WithArgs(testCaisseID).
		WillReturnRows(pgxmock.NewRows([]string{"push", "pull"}).AddRow(&lastPush, &lastPull))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM sync_conflicts WHERE caisse_id = \$1 AND NOT resolved`).
		WithArgs(testCaisseID).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(`SELECT table_name, COUNT\(\*\) FROM sync_records GROUP BY table_name`).
		WillReturnRows(pgxmock.NewRows([]string{"table_name", "count"}).
			AddRow("products", int64(12)).
			AddRow("sales", int64(40)))

	s := NewStorage(mock)
	resp, err := s.NodeStatus(context.Background(), testCaisseID)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, testCaisseID, resp.CaisseID)
	require.NotNil(t, resp.LastPush)
	assert.True(t, resp.LastPush.Equal(lastPush))
	assert.Equal(t, 2, resp.PendingConflicts)
	assert.EqualValues(t, 12, resp.RecordCounts[model.TableProducts])
	assert.EqualValues(t, 40, resp.RecordCounts[model.TableSales])

	assert.NoError(t, mock.ExpectationsWereMet())
}
