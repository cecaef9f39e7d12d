// Package pull implements the pull feed client: it fetches every remote
// change the node has not yet seen and applies it to local storage,
// advancing the pull watermark only after a fully applied batch.
package pull

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/caisselink/caissesync/internal/config"
	"github.com/caisselink/caissesync/internal/model"
	"github.com/caisselink/caissesync/internal/store"
	"github.com/caisselink/caissesync/internal/wire"
)

// Puller fetches the change feed. Satisfied by client.Client.
type Puller interface {
	Pull(ctx context.Context, since time.Time) (*wire.PullResponse, error)
}

// Result summarizes one pull cycle. Coalesced is set when the call merged
// into a pull already in flight instead of performing one itself; all other
// fields are zero in that case.
type Result struct {
	Received  int
	Applied   int
	Failed    int
	Truncated bool
	Coalesced bool
	Watermark time.Time
}

// Feed converges local state with everything other nodes have committed.
type Feed struct {
	store    *store.Store
	registry *store.Registry
	cfg      *config.Manager
	puller   Puller

	mu      sync.Mutex
	pulling bool
	rerun   bool

	// trigger requests an asynchronous follow-up pull (set by the
	// orchestrator); used after a truncated batch.
	trigger func()
}

// NewFeed creates a pull feed client.
func NewFeed(st *store.Store, registry *store.Registry, cfg *config.Manager, puller Puller) *Feed {
	return &Feed{store: st, registry: registry, cfg: cfg, puller: puller}
}

// SetTrigger registers the asynchronous pull trigger.
func (f *Feed) SetTrigger(fn func()) { f.trigger = fn }

// Pulling reports whether a pull is currently in flight.
func (f *Feed) Pulling() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulling
}

// Pull runs one pull cycle. Single-flight: overlapping triggers are
// coalesced into one follow-up run after the current cycle finishes.
func (f *Feed) Pull(ctx context.Context) (*Result, error) {
	f.mu.Lock()
	if f.pulling {
		f.rerun = true
		f.mu.Unlock()
		return &Result{Coalesced: true}, nil
	}
	f.pulling = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.pulling = false
		rerun := f.rerun
		f.rerun = false
		f.mu.Unlock()
		if rerun && f.trigger != nil {
			f.trigger()
		}
	}()

	watermark, err := f.store.Watermark(ctx, store.DirectionPull)
	if err != nil {
		return nil, err
	}

	resp, err := f.puller.Pull(ctx, watermark)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("pull rejected by server: %s", resp.Error)
	}

	result := &Result{Received: len(resp.Changes), Truncated: resp.Truncated, Watermark: watermark}
	if len(resp.Changes) == 0 {
		// Nothing new; the watermark still advances to the server clock so
		// the next request window stays tight.
		if err := f.store.SetWatermark(ctx, store.DirectionPull, resp.Timestamp); err != nil {
			return result, err
		}
		result.Watermark = resp.Timestamp
		return result, nil
	}

	// Changes are merged across tables and applied in wall-clock order so
	// cross-table references land in the order they were committed.
	changes := append([]wire.Change(nil), resp.Changes...)
	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].Timestamp.Before(changes[j].Timestamp)
	})

	snap := f.cfg.Get()
	applied := make(map[model.Table]time.Time)
	for i := range changes {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if err := f.applyChange(ctx, &changes[i], snap); err != nil {
			// One bad change never aborts the rest of the batch; the
			// unchanged watermark makes the next pull retry it.
			result.Failed++
			logrus.WithError(err).WithFields(logrus.Fields{
				"table":   changes[i].Table,
				"sync_id": changes[i].SyncID,
				"op":      changes[i].Operation,
			}).Error("Failed to apply pulled change")
			continue
		}
		result.Applied++
		if ts := applied[changes[i].Table]; changes[i].Timestamp.After(ts) {
			applied[changes[i].Table] = changes[i].Timestamp
		}
	}

	logrus.WithFields(logrus.Fields{
		"received":  result.Received,
		"applied":   result.Applied,
		"failed":    result.Failed,
		"truncated": result.Truncated,
	}).Info("Pull cycle finished")

	if result.Failed > 0 {
		// Leave the watermark where it was; apply is idempotent so the
		// refetch is safe.
		return result, nil
	}

	next := resp.Timestamp
	if resp.Truncated {
		// The server capped at least one table, and the envelope does not
		// say which. Advance only to the earliest per-table high-water mark:
		// a capped table may still hold rows past its last returned change,
		// and those must stay inside the next request window. Re-fetching
		// the other tables' rows is safe, apply is idempotent.
		next = truncationBoundary(applied)
		logrus.WithField("watermark", next).Warn("Pull batch truncated by server cap, scheduling follow-up pull")
		if f.trigger != nil {
			f.trigger()
		}
	}
	if err := f.store.SetWatermark(ctx, store.DirectionPull, next); err != nil {
		return result, err
	}
	result.Watermark = next
	return result, nil
}

func (f *Feed) applyChange(ctx context.Context, change *wire.Change, snap config.Snapshot) error {
	if !change.Table.Valid() {
		return fmt.Errorf("unknown table %q in change feed", change.Table)
	}
	if !trackedTable(snap.TrackedTables, change.Table) {
		logrus.WithField("table", change.Table).Debug("Skipping change for untracked table")
		return nil
	}
	repo, ok := f.registry.For(change.Table)
	if !ok {
		return fmt.Errorf("no repository registered for table %s", change.Table)
	}

	switch change.Operation {
	case model.OpCreate, model.OpUpdate:
		return repo.UpsertBySyncID(ctx, model.Record{
			Table:       change.Table,
			SyncID:      change.SyncID,
			OriginNode:  change.OriginNode,
			Version:     change.Version,
			Payload:     change.Data,
			LastUpdated: change.Timestamp,
			SyncStatus:  model.SyncSynced,
		})
	case model.OpDelete:
		return repo.MarkDeleted(ctx, change.SyncID, change.Version, change.Timestamp)
	default:
		return fmt.Errorf("unknown operation %q in change feed", change.Operation)
	}
}

// truncationBoundary returns the earliest per-table high-water mark of an
// applied batch: the furthest the pull watermark may advance without any
// capped table losing rows it still holds beyond the batch.
func truncationBoundary(applied map[model.Table]time.Time) time.Time {
	var boundary time.Time
	for _, ts := range applied {
		if boundary.IsZero() || ts.Before(boundary) {
			boundary = ts
		}
	}
	return boundary
}

func trackedTable(tables []model.Table, t model.Table) bool {
	for _, tt := range tables {
		if tt == t {
			return true
		}
	}
	return false
}
