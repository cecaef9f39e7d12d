// Package outbox implements the durable outbox queue: the sole writer path
// from a caisse node to the server. Every locally accepted mutation is
// enqueued here and drained in batches, at-least-once, with idempotent
// application on the server side.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/caisselink/caissesync/internal/client"
	"github.com/caisselink/caissesync/internal/config"
	"github.com/caisselink/caissesync/internal/model"
	"github.com/caisselink/caissesync/internal/store"
	"github.com/caisselink/caissesync/internal/wire"
)

// Pusher delivers one operation to the server. Satisfied by client.Client.
type Pusher interface {
	Push(ctx context.Context, req *wire.PushRequest) (*wire.PushResponse, error)
}

// ConflictHandler consumes conflict outcomes. Satisfied by conflict.Resolver.
type ConflictHandler interface {
	Handle(ctx context.Context, table model.Table, localID string, resp *wire.PushResponse) error
}

// Queue is the durable outbox and its drain engine.
type Queue struct {
	store     *store.Store
	registry  *store.Registry
	cfg       *config.Manager
	pusher    Pusher
	conflicts ConflictHandler

	mu       sync.Mutex
	draining bool
	rerun    bool

	// trigger requests an asynchronous drain; set by the orchestrator so
	// retry timers and enqueues funnel into its guarded entry point.
	trigger func()
}

// NewQueue creates the outbox over the node store.
func NewQueue(st *store.Store, registry *store.Registry, cfg *config.Manager, pusher Pusher, conflicts ConflictHandler) *Queue {
	return &Queue{
		store:     st,
		registry:  registry,
		cfg:       cfg,
		pusher:    pusher,
		conflicts: conflicts,
	}
}

// SetTrigger registers the asynchronous drain trigger.
func (q *Queue) SetTrigger(fn func()) { q.trigger = fn }

// Recover requeues operations stranded in PROCESSING by a crash. Call once
// at startup before the first drain.
func (q *Queue) Recover(ctx context.Context) error {
	n, err := q.store.RequeueProcessing(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		logrus.WithField("count", n).Warn("Requeued operations left processing by a previous run")
	}
	return nil
}

// Enqueue appends one local mutation to the outbox, updates the local
// record's replication status and triggers a drain when online. Operations
// for the same local id keep their enqueue order.
func (q *Queue) Enqueue(ctx context.Context, table model.Table, op model.Op, localID string, payload json.RawMessage) error {
	if !table.Valid() {
		return fmt.Errorf("unsupported table %q", table)
	}
	if !op.Valid() {
		return fmt.Errorf("unsupported operation %q", op)
	}
	snap := q.cfg.Get()
	if !tracked(snap.TrackedTables, table) {
		return fmt.Errorf("table %s is not tracked on this node", table)
	}

	repo, _ := q.registry.For(table)
	existing, err := repo.FindByLocalID(ctx, localID)
	if err != nil {
		return err
	}
	rec := model.Record{
		Table:       table,
		LocalID:     localID,
		OriginNode:  snap.NodeID,
		Payload:     payload,
		LastUpdated: time.Now(),
		IsDeleted:   op == model.OpDelete,
		SyncStatus:  model.SyncPending,
	}
	if existing != nil {
		rec.SyncID = existing.SyncID
		rec.Version = existing.Version
		if op == model.OpDelete && len(payload) == 0 {
			rec.Payload = existing.Payload
		}
	}
	if err := repo.SaveLocal(ctx, rec); err != nil {
		return err
	}

	if err := q.append(ctx, table, op, localID, rec.Payload); err != nil {
		return err
	}

	if q.cfg.IsOnline() && q.trigger != nil {
		q.trigger()
	}
	return nil
}

// EnqueueResolved appends a mutation produced by conflict resolution. The
// resolver has already written the record state.
func (q *Queue) EnqueueResolved(ctx context.Context, table model.Table, op model.Op, localID string, payload json.RawMessage) error {
	if err := q.append(ctx, table, op, localID, payload); err != nil {
		return err
	}
	if q.cfg.IsOnline() && q.trigger != nil {
		q.trigger()
	}
	return nil
}

func (q *Queue) append(ctx context.Context, table model.Table, op model.Op, localID string, payload json.RawMessage) error {
	now := time.Now()
	entry := &model.SyncOperation{
		ID:            uuid.New().String(),
		Table:         table,
		Op:            op,
		Payload:       payload,
		LocalID:       localID,
		EnqueuedAt:    now,
		NextAttemptAt: now,
		Status:        model.OpPending,
	}
	if err := q.store.AppendOperation(ctx, entry); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"op_id":    entry.ID,
		"table":    table,
		"op":       op,
		"local_id": localID,
	}).Debug("Enqueued outbox operation")
	return nil
}

// Drain pushes pending operations to the server in batches. Single-flight:
// at most one drain runs at a time; triggers arriving while draining are
// coalesced into one follow-up run. The boolean reports whether this call
// performed the drain itself; it is false when the call merged into a drain
// already in flight.
func (q *Queue) Drain(ctx context.Context) (bool, error) {
	q.mu.Lock()
	if q.draining {
		q.rerun = true
		q.mu.Unlock()
		return false, nil
	}
	q.draining = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		rerun := q.rerun
		q.rerun = false
		q.mu.Unlock()
		if rerun && q.trigger != nil {
			q.trigger()
		}
	}()

	for {
		if !q.cfg.IsOnline() {
			return true, nil
		}
		snap := q.cfg.Get()
		batch, err := q.store.NextBatch(ctx, snap.BatchSize, time.Now())
		if err != nil {
			return true, err
		}
		if len(batch) == 0 {
			return true, nil
		}

		ids := make([]string, len(batch))
		for i := range batch {
			ids[i] = batch[i].ID
		}
		if err := q.store.MarkProcessing(ctx, ids); err != nil {
			return true, err
		}

		logrus.WithField("count", len(batch)).Debug("Draining outbox batch")

		// Sequential, not concurrent: pushes for the same entity must keep
		// their enqueue order.
		for i := range batch {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			q.pushOne(ctx, &batch[i], snap)
		}
	}
}

// Draining reports whether a drain is currently in flight.
func (q *Queue) Draining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

// Depth returns outbox depth per operation status.
func (q *Queue) Depth(ctx context.Context) (map[model.OpStatus]int, error) {
	return q.store.QueueDepth(ctx)
}

// Failed returns terminally failed operations for operator inspection.
func (q *Queue) Failed(ctx context.Context) ([]model.SyncOperation, error) {
	return q.store.FailedOperations(ctx)
}

func (q *Queue) pushOne(ctx context.Context, op *model.SyncOperation, snap config.Snapshot) {
	log := logrus.WithFields(logrus.Fields{
		"op_id":    op.ID,
		"table":    op.Table,
		"op":       op.Op,
		"local_id": op.LocalID,
	})

	repo, _ := q.registry.For(op.Table)
	var version int64
	data := op.Payload
	if rec, err := repo.FindByLocalID(ctx, op.LocalID); err != nil {
		log.WithError(err).Error("Failed to load record before push")
		q.handleTransient(ctx, op, snap, err)
		return
	} else if rec != nil {
		version = rec.Version
		if rec.SyncID != "" {
			data = withSyncID(data, rec.SyncID)
		}
	}

	resp, err := q.pusher.Push(ctx, &wire.PushRequest{
		Operation: op.Op,
		Table:     op.Table,
		Data:      data,
		LocalID:   op.LocalID,
		Version:   version,
	})

	switch {
	case err == nil && resp.Conflict:
		// Conflicts never stall the queue: the operation completes and the
		// resolver takes over.
		if herr := q.conflicts.Handle(ctx, op.Table, op.LocalID, resp); herr != nil {
			log.WithError(herr).Error("Conflict handoff failed")
		}
		if cerr := q.store.CompleteOperation(ctx, op.ID); cerr != nil {
			log.WithError(cerr).Error("Failed to complete conflicted operation")
		}
		log.Info("Push returned conflict, handed off to resolver")

	case err == nil && resp.Success:
		if resp.Data != nil && resp.Data.SyncID != "" {
			if uerr := repo.SetServerIdentity(ctx, op.LocalID, resp.Data.SyncID, resp.Data.Version, model.SyncSynced); uerr != nil {
				log.WithError(uerr).Error("Failed to store server identity after push")
			}
		} else {
			if uerr := repo.SetSyncStatus(ctx, op.LocalID, model.SyncSynced); uerr != nil {
				log.WithError(uerr).Error("Failed to mark record synced after push")
			}
		}
		if cerr := q.store.CompleteOperation(ctx, op.ID); cerr != nil {
			log.WithError(cerr).Error("Failed to complete delivered operation")
		}
		log.WithField("status", applyStatus(resp)).Info("Push applied")

	case err == nil:
		// 200 envelope with success=false and no conflict: server refused
		// the operation; treat like a validation failure.
		q.handleTerminal(ctx, op, repo, fmt.Errorf("server rejected push: %s", resp.Error))

	default:
		var verr *client.ValidationError
		if errors.As(err, &verr) {
			q.handleTerminal(ctx, op, repo, verr)
			return
		}
		q.handleTransient(ctx, op, snap, err)
	}
}

func (q *Queue) handleTerminal(ctx context.Context, op *model.SyncOperation, repo store.Repository, cause error) {
	log := logrus.WithField("op_id", op.ID).WithError(cause)
	if err := q.store.FailOperation(ctx, op.ID, cause.Error()); err != nil {
		log.WithError(err).Error("Failed to mark operation failed")
	}
	if err := repo.SetSyncStatus(ctx, op.LocalID, model.SyncError); err != nil {
		log.WithError(err).Error("Failed to mark record errored")
	}
	log.Error("Push rejected, operation failed terminally")
}

func (q *Queue) handleTransient(ctx context.Context, op *model.SyncOperation, snap config.Snapshot, cause error) {
	retries := op.Retries + 1
	log := logrus.WithFields(logrus.Fields{
		"op_id":   op.ID,
		"retries": retries,
		"max":     snap.MaxRetries,
	}).WithError(cause)

	if retries < snap.MaxRetries {
		// Fixed delay between attempts; the drain loop picks the operation
		// up again once NextAttemptAt has passed.
		next := time.Now().Add(snap.RetryDelay)
		if err := q.store.RescheduleOperation(ctx, op.ID, retries, next, cause.Error()); err != nil {
			log.WithError(err).Error("Failed to reschedule operation")
			return
		}
		if q.trigger != nil {
			time.AfterFunc(snap.RetryDelay+50*time.Millisecond, q.trigger)
		}
		log.Warn("Push failed, retry scheduled")
		return
	}

	if err := q.store.FailOperation(ctx, op.ID, cause.Error()); err != nil {
		log.WithError(err).Error("Failed to mark operation failed")
	}
	repo, _ := q.registry.For(op.Table)
	if err := repo.SetSyncStatus(ctx, op.LocalID, model.SyncError); err != nil {
		log.WithError(err).Error("Failed to mark record errored")
	}
	log.Error("Push retries exhausted, operation failed")
}

// withSyncID embeds the server identity into an outgoing payload. Records
// adopted from the pull feed are indexed on the server under another node's
// (origin, localId) pair, so the embedded sync id is the only identity the
// server can match them by.
func withSyncID(payload json.RawMessage, syncID string) json.RawMessage {
	fields := make(map[string]json.RawMessage)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return payload
		}
	}
	id, _ := json.Marshal(syncID)
	fields["syncId"] = id
	out, err := json.Marshal(fields)
	if err != nil {
		return payload
	}
	return out
}

func applyStatus(resp *wire.PushResponse) wire.ApplyStatus {
	if resp.Data == nil {
		return ""
	}
	return resp.Data.Status
}

func tracked(tables []model.Table, t model.Table) bool {
	for _, tt := range tables {
		if tt == t {
			return true
		}
	}
	return false
}
