// Package syncer provides the sync orchestrator: the single entry point the
// surrounding application talks to. It owns the periodic timer, network
// transitions and the guarded drain/pull entry points.
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/caisselink/caissesync/internal/config"
	"github.com/caisselink/caissesync/internal/conflict"
	"github.com/caisselink/caissesync/internal/model"
	"github.com/caisselink/caissesync/internal/outbox"
	"github.com/caisselink/caissesync/internal/platform"
	"github.com/caisselink/caissesync/internal/pull"
	"github.com/caisselink/caissesync/internal/store"
)

// ErrOffline is returned by SyncNow when the node is offline.
var ErrOffline = errors.New("offline")

// Status is the observability snapshot exposed to the host application.
type Status struct {
	Online           bool
	Draining         bool
	Pulling          bool
	QueueDepth       map[model.OpStatus]int
	PendingConflicts int
	NodeID           string
	LastSyncTime     time.Time
}

// Result reports the outcome of an on-demand sync. Drained is false (and
// Pulled.Coalesced true) when the cycle merged into a background run already
// in flight instead of performing the work itself.
type Result struct {
	Drained bool
	Pulled  *pull.Result
}

// Orchestrator wires config, outbox, pull feed and conflict resolver
// together and schedules their work.
type Orchestrator struct {
	cfg      *config.Manager
	st       *store.Store
	queue    *outbox.Queue
	feed     *pull.Feed
	resolver *conflict.Resolver
	observer platform.NetworkObserver

	mu          sync.Mutex
	initialized bool
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup

	drainCh chan struct{}
	pullCh  chan struct{}
}

// New creates the orchestrator. Initialize must be called before use.
func New(cfg *config.Manager, st *store.Store, queue *outbox.Queue, feed *pull.Feed, resolver *conflict.Resolver, observer platform.NetworkObserver) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		st:       st,
		queue:    queue,
		feed:     feed,
		resolver: resolver,
		observer: observer,
		drainCh:  make(chan struct{}, 1),
		pullCh:   make(chan struct{}, 1),
	}
}

// OnConflict registers the conflict-needs-attention callback for manual
// strategy conflicts. Must be called before Initialize.
func (o *Orchestrator) OnConflict(fn func(model.ConflictRecord)) {
	o.resolver.SetNotify(fn)
}

// Initialize registers network listeners exactly once, starts the periodic
// timer and performs one immediate pull. Repeated calls are no-ops.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	if o.initialized {
		o.mu.Unlock()
		return nil
	}
	o.initialized = true
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.mu.Unlock()

	if err := o.queue.Recover(runCtx); err != nil {
		return err
	}

	o.queue.SetTrigger(o.requestDrain)
	o.feed.SetTrigger(o.requestPull)

	o.unsubscribe = o.observer.Subscribe(func(online bool) {
		if online {
			logrus.Info("Network restored, triggering immediate sync")
			o.requestDrain()
			o.requestPull()
		} else {
			logrus.Warn("Network lost, sync suspended until reconnect")
		}
	})

	o.wg.Add(3)
	go o.drainWorker(runCtx)
	go o.pullWorker(runCtx)
	go o.timer(runCtx)

	// Initial pull so a fresh terminal converges without waiting a tick.
	o.requestPull()

	logrus.WithField("node_id", o.cfg.Get().NodeID).Info("Sync orchestrator started")
	return nil
}

// SyncNow runs one drain+pull cycle in the calling goroutine. When a
// background drain or pull is already in flight the corresponding half
// coalesces into it and the Result says so. Returns ErrOffline when the
// node is offline.
func (o *Orchestrator) SyncNow(ctx context.Context) (*Result, error) {
	if !o.cfg.IsOnline() {
		return nil, ErrOffline
	}
	res := &Result{}
	ran, err := o.queue.Drain(ctx)
	if err != nil {
		return res, err
	}
	res.Drained = ran
	if ran {
		if err := o.st.SetWatermark(ctx, store.DirectionPush, time.Now()); err != nil {
			logrus.WithError(err).Error("Failed to advance push watermark")
		}
	}
	pulled, err := o.feed.Pull(ctx)
	if err != nil {
		return res, err
	}
	res.Pulled = pulled
	return res, nil
}

// Status reports the node's sync state for the host application.
func (o *Orchestrator) Status(ctx context.Context) (*Status, error) {
	depth, err := o.queue.Depth(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := o.resolver.PendingCount(ctx)
	if err != nil {
		return nil, err
	}
	lastPush, err := o.st.Watermark(ctx, store.DirectionPush)
	if err != nil {
		return nil, err
	}
	lastPull, err := o.st.Watermark(ctx, store.DirectionPull)
	if err != nil {
		return nil, err
	}
	last := lastPush
	if lastPull.After(last) {
		last = lastPull
	}
	return &Status{
		Online:           o.cfg.IsOnline(),
		Draining:         o.queue.Draining(),
		Pulling:          o.feed.Pulling(),
		QueueDepth:       depth,
		PendingConflicts: pending,
		NodeID:           o.cfg.Get().NodeID,
		LastSyncTime:     last,
	}, nil
}

// Shutdown cancels scheduled work and removes listeners. Idempotent; it
// does not abort an in-flight HTTP call, which is bounded by the client's
// request timeout.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	cancel := o.cancel
	unsubscribe := o.unsubscribe
	o.cancel = nil
	o.unsubscribe = nil
	initialized := o.initialized
	o.initialized = false
	o.mu.Unlock()

	if !initialized {
		return
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
	logrus.Info("Sync orchestrator stopped")
}

// requestDrain asks for an asynchronous drain; requests arriving while one
// is already queued coalesce.
func (o *Orchestrator) requestDrain() {
	select {
	case o.drainCh <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) requestPull() {
	select {
	case o.pullCh <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) drainWorker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.drainCh:
			if !o.cfg.IsOnline() {
				continue
			}
			ran, err := o.queue.Drain(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logrus.WithError(err).Error("Outbox drain failed")
				}
				continue
			}
			if !ran {
				continue
			}
			if err := o.st.SetWatermark(ctx, store.DirectionPush, time.Now()); err != nil && ctx.Err() == nil {
				logrus.WithError(err).Error("Failed to advance push watermark")
			}
		}
	}
}

func (o *Orchestrator) pullWorker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.pullCh:
			if !o.cfg.IsOnline() {
				continue
			}
			if _, err := o.feed.Pull(ctx); err != nil && ctx.Err() == nil {
				logrus.WithError(err).Error("Pull cycle failed")
			}
		}
	}
}

func (o *Orchestrator) timer(ctx context.Context) {
	defer o.wg.Done()
	interval := o.cfg.Get().PollInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if next := o.cfg.Get().PollInterval; next != interval && next > 0 {
				interval = next
				ticker.Reset(interval)
			}
			if o.cfg.IsOnline() {
				o.requestDrain()
				o.requestPull()
			}
		}
	}
}
