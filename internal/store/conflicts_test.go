package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caisselink/caissesync/internal/model"
)

func testConflict(createdAt time.Time) *model.ConflictRecord {
	return &model.ConflictRecord{
		ID:             uuid.New().String(),
		Table:          model.TableProducts,
		RecordID:       "p-1",
		LocalSnapshot:  []byte(`{"name":"local"}`),
		ServerSnapshot: []byte(`{"name":"server"}`),
		LocalVersion:   2,
		ServerVersion:  3,
		CreatedAt:      createdAt,
	}
}

func TestConflictRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	c := testConflict(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))
	require.NoError(t, s.InsertConflict(ctx, c))

	got, err := s.GetConflict(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.TableProducts, got.Table)
	assert.Equal(t, "p-1", got.RecordID)
	assert.EqualValues(t, 2, got.LocalVersion)
	assert.EqualValues(t, 3, got.ServerVersion)
	assert.False(t, got.Resolved())

	missing, err := s.GetConflict(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestResolveConflictOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	c := testConflict(time.Now())
	require.NoError(t, s.InsertConflict(ctx, c))

	at := time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC)
	require.NoError(t, s.ResolveConflict(ctx, c.ID, model.ResolutionServerWins, "system", at))

	got, err := s.GetConflict(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.Resolved())
	assert.Equal(t, model.ResolutionServerWins, got.Resolution)
	assert.Equal(t, "system", got.ResolvedBy)
	assert.Equal(t, at.UnixMilli(), got.ResolvedAt.UnixMilli())

	err = s.ResolveConflict(ctx, c.ID, model.ResolutionClientWins, "operator", at)
	require.Error(t, err, "a conflict is only ever resolved once")
	assert.Contains(t, err.Error(), "already resolved")
}

func TestPendingConflicts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	older := testConflict(base)
	newer := testConflict(base.Add(time.Minute))
	resolved := testConflict(base.Add(2 * time.Minute))
	require.NoError(t, s.InsertConflict(ctx, newer))
	require.NoError(t, s.InsertConflict(ctx, older))
	require.NoError(t, s.InsertConflict(ctx, resolved))
	require.NoError(t, s.ResolveConflict(ctx, resolved.ID, model.ResolutionMerged, "operator", base.Add(time.Hour)))

	pending, err := s.PendingConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, older.ID, pending[0].ID, "oldest conflict first")
	assert.Equal(t, newer.ID, pending[1].ID)

	n, err := s.PendingConflictCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
