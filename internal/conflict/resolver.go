// Package conflict implements detection recording and resolution of push
// conflicts: a push rejected because the server holds a newer version than
// the one the node believed it was updating.
package conflict

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/caisselink/caissesync/internal/model"
	"github.com/caisselink/caissesync/internal/store"
	"github.com/caisselink/caissesync/internal/wire"
)

// Enqueuer re-enqueues a mutation into the outbox. Implemented by
// outbox.Queue; an interface here keeps the dependency one-directional.
type Enqueuer interface {
	EnqueueResolved(ctx context.Context, table model.Table, op model.Op, localID string, payload json.RawMessage) error
}

// Resolver records every rejected push as a ConflictRecord and applies the
// configured strategy. Conflicts are never silently dropped.
type Resolver struct {
	store    *store.Store
	registry *store.Registry
	strategy func() model.Strategy
	enqueuer Enqueuer
	notify   func(model.ConflictRecord)
	now      func() time.Time
}

// NewResolver creates a resolver. The strategy is read per conflict so a
// config update takes effect without restarting.
func NewResolver(st *store.Store, registry *store.Registry, strategy func() model.Strategy) *Resolver {
	return &Resolver{
		store:    st,
		registry: registry,
		strategy: strategy,
		now:      time.Now,
	}
}

// SetEnqueuer wires the outbox used by client-wins and merged resolutions.
func (r *Resolver) SetEnqueuer(e Enqueuer) { r.enqueuer = e }

// SetNotify registers the conflict-needs-attention callback the surrounding
// application receives for unresolved (manual) conflicts.
func (r *Resolver) SetNotify(fn func(model.ConflictRecord)) { r.notify = fn }

// Handle processes one conflict outcome returned by the server for a push
// of the given table/localId.
func (r *Resolver) Handle(ctx context.Context, table model.Table, localID string, resp *wire.PushResponse) error {
	repo, ok := r.registry.For(table)
	if !ok {
		return fmt.Errorf("no repository registered for table %s", table)
	}

	local, err := repo.FindByLocalID(ctx, localID)
	if err != nil {
		return fmt.Errorf("failed to load local record for conflict: %w", err)
	}
	localSnapshot := resp.ClientData
	localVersion := resp.ClientVersion
	if local != nil {
		localSnapshot = local.Payload
		localVersion = local.Version
	}

	// A genuine conflict needs diverging versions or payloads; otherwise the
	// server already holds what we hold and the record is simply synced.
	if localVersion == resp.ServerVersion && jsonEqual(localSnapshot, resp.ServerData) {
		logrus.WithFields(logrus.Fields{
			"table":    table,
			"local_id": localID,
		}).Debug("Push conflict was spurious, record already converged")
		return repo.SetSyncStatus(ctx, localID, model.SyncSynced)
	}

	record := model.ConflictRecord{
		ID:             uuid.New().String(),
		Table:          table,
		RecordID:       localID,
		LocalSnapshot:  localSnapshot,
		ServerSnapshot: resp.ServerData,
		LocalVersion:   localVersion,
		ServerVersion:  resp.ServerVersion,
		CreatedAt:      r.now(),
	}
	if err := r.store.InsertConflict(ctx, &record); err != nil {
		return err
	}

	strategy := r.strategy()
	logrus.WithFields(logrus.Fields{
		"table":          table,
		"local_id":       localID,
		"local_version":  localVersion,
		"server_version": resp.ServerVersion,
		"strategy":       strategy,
	}).Info("Conflict recorded")

	switch strategy {
	case model.StrategyClientWins:
		return r.applyClientWins(ctx, repo, &record, "auto")
	case model.StrategyServerWins:
		return r.applyServerWins(ctx, repo, &record, "auto")
	case model.StrategyManual:
		if r.notify != nil {
			r.notify(record)
		}
		return nil
	default:
		return fmt.Errorf("unknown conflict strategy %q", strategy)
	}
}

// ResolveManually completes a deferred conflict. For MERGED the caller
// supplies the merged payload, written with version max(local,server)+1 and
// re-enqueued.
func (r *Resolver) ResolveManually(ctx context.Context, conflictID string, resolution model.Resolution, merged json.RawMessage, resolvedBy string) error {
	record, err := r.store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("conflict %s not found", conflictID)
	}
	if record.Resolved() {
		return fmt.Errorf("conflict %s already resolved as %s", conflictID, record.Resolution)
	}

	repo, ok := r.registry.For(record.Table)
	if !ok {
		return fmt.Errorf("no repository registered for table %s", record.Table)
	}

	switch resolution {
	case model.ResolutionClientWins:
		return r.applyClientWins(ctx, repo, record, resolvedBy)
	case model.ResolutionServerWins:
		return r.applyServerWins(ctx, repo, record, resolvedBy)
	case model.ResolutionMerged:
		if len(merged) == 0 {
			return fmt.Errorf("merged resolution requires a payload")
		}
		return r.applyMerged(ctx, repo, record, merged, resolvedBy)
	default:
		return fmt.Errorf("unknown resolution %q", resolution)
	}
}

// Pending lists unresolved conflicts.
func (r *Resolver) Pending(ctx context.Context) ([]model.ConflictRecord, error) {
	return r.store.PendingConflicts(ctx)
}

// PendingCount returns the number of unresolved conflicts.
func (r *Resolver) PendingCount(ctx context.Context) (int, error) {
	return r.store.PendingConflictCount(ctx)
}

// applyClientWins re-enqueues the local payload carrying the server's
// current version, so the retried push is accepted and overrides the
// server state.
func (r *Resolver) applyClientWins(ctx context.Context, repo store.Repository, record *model.ConflictRecord, resolvedBy string) error {
	if r.enqueuer == nil {
		return fmt.Errorf("client-wins resolution requires an outbox")
	}
	local, err := repo.FindByLocalID(ctx, record.RecordID)
	if err != nil {
		return err
	}
	if local != nil {
		local.Version = record.ServerVersion
		local.SyncStatus = model.SyncPending
		if err := repo.SaveLocal(ctx, *local); err != nil {
			return err
		}
	}
	if err := r.enqueuer.EnqueueResolved(ctx, record.Table, model.OpUpdate, record.RecordID, record.LocalSnapshot); err != nil {
		return fmt.Errorf("failed to re-enqueue client-wins update: %w", err)
	}
	return r.finish(ctx, record, model.ResolutionClientWins, resolvedBy)
}

// applyServerWins overwrites the local record with the server snapshot.
func (r *Resolver) applyServerWins(ctx context.Context, repo store.Repository, record *model.ConflictRecord, resolvedBy string) error {
	local, err := repo.FindByLocalID(ctx, record.RecordID)
	if err != nil {
		return err
	}
	rec := model.Record{
		Table:       record.Table,
		LocalID:     record.RecordID,
		Version:     record.ServerVersion,
		Payload:     record.ServerSnapshot,
		LastUpdated: r.now(),
		SyncStatus:  model.SyncSynced,
	}
	if local != nil {
		rec.SyncID = local.SyncID
		rec.OriginNode = local.OriginNode
		rec.IsDeleted = local.IsDeleted
	}
	if err := repo.SaveLocal(ctx, rec); err != nil {
		return err
	}
	return r.finish(ctx, record, model.ResolutionServerWins, resolvedBy)
}

// applyMerged writes the caller-supplied payload one version past both
// sides and re-enqueues it.
func (r *Resolver) applyMerged(ctx context.Context, repo store.Repository, record *model.ConflictRecord, merged json.RawMessage, resolvedBy string) error {
	if r.enqueuer == nil {
		return fmt.Errorf("merged resolution requires an outbox")
	}
	version := record.LocalVersion
	if record.ServerVersion > version {
		version = record.ServerVersion
	}
	version++

	local, err := repo.FindByLocalID(ctx, record.RecordID)
	if err != nil {
		return err
	}
	rec := model.Record{
		Table:       record.Table,
		LocalID:     record.RecordID,
		Version:     version,
		Payload:     merged,
		LastUpdated: r.now(),
		SyncStatus:  model.SyncPending,
	}
	if local != nil {
		rec.SyncID = local.SyncID
		rec.OriginNode = local.OriginNode
	}
	if err := repo.SaveLocal(ctx, rec); err != nil {
		return err
	}
	if err := r.enqueuer.EnqueueResolved(ctx, record.Table, model.OpUpdate, record.RecordID, merged); err != nil {
		return fmt.Errorf("failed to re-enqueue merged update: %w", err)
	}
	return r.finish(ctx, record, model.ResolutionMerged, resolvedBy)
}

func (r *Resolver) finish(ctx context.Context, record *model.ConflictRecord, resolution model.Resolution, resolvedBy string) error {
	if err := r.store.ResolveConflict(ctx, record.ID, resolution, resolvedBy, r.now()); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"conflict_id": record.ID,
		"table":       record.Table,
		"record_id":   record.RecordID,
		"resolution":  resolution,
	}).Info("Conflict resolved")
	return nil
}

func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return bytes.Equal(a, b)
	}
	na, _ := json.Marshal(av)
	nb, _ := json.Marshal(bv)
	return bytes.Equal(na, nb)
}
