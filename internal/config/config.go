// Package config holds the per-node sync identity and policy: a persisted,
// immutable-snapshot configuration with last-write-wins partial updates.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/caisselink/caissesync/internal/model"
	"github.com/caisselink/caissesync/internal/platform"
)

const (
	keyNodeID   = "node.id"
	keySnapshot = "config.snapshot"
)

// Snapshot is one immutable view of the node configuration. Callers get a
// copy; mutate through Manager.Update.
type Snapshot struct {
	NodeID           string         `json:"nodeId"`
	ServerURL        string         `json:"serverUrl"`
	PollInterval     time.Duration  `json:"pollIntervalMs"`
	BatchSize        int            `json:"batchSize"`
	MaxRetries       int            `json:"maxRetries"`
	RetryDelay       time.Duration  `json:"retryDelayMs"`
	ConflictStrategy model.Strategy `json:"conflictStrategy"`
	TrackedTables    []model.Table  `json:"trackedTables"`
	OfflineOverride  bool           `json:"offlineOverride"`
}

// Patch is a partial update; nil fields are left unchanged.
type Patch struct {
	ServerURL        *string
	PollInterval     *time.Duration
	BatchSize        *int
	MaxRetries       *int
	RetryDelay       *time.Duration
	ConflictStrategy *model.Strategy
	TrackedTables    []model.Table
	OfflineOverride  *bool
}

// Defaults returns the policy used when nothing is persisted yet.
func Defaults() Snapshot {
	return Snapshot{
		PollInterval:     30 * time.Second,
		BatchSize:        50,
		MaxRetries:       3,
		RetryDelay:       5 * time.Second,
		ConflictStrategy: model.StrategyServerWins,
		TrackedTables:    model.Tables(),
	}
}

// Manager owns the configuration snapshot and its persistence. One Manager
// per process; constructed explicitly and injected, never a global.
type Manager struct {
	kv       platform.KeyValueStore
	observer platform.NetworkObserver

	mu   sync.RWMutex
	snap Snapshot
}

// NewManager loads (or initializes) the configuration from the key-value
// store. The node id is generated exactly once per installation and is
// never regenerated afterwards.
func NewManager(ctx context.Context, kv platform.KeyValueStore, observer platform.NetworkObserver, serverURL string) (*Manager, error) {
	m := &Manager{kv: kv, observer: observer}

	snap := Defaults()
	if raw, ok, err := kv.Get(ctx, keySnapshot); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	} else if ok {
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			return nil, fmt.Errorf("corrupt persisted config: %w", err)
		}
	}
	if serverURL != "" {
		snap.ServerURL = serverURL
	}

	nodeID, ok, err := kv.Get(ctx, keyNodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load node id: %w", err)
	}
	if !ok {
		nodeID = model.NewNodeID()
		if err := kv.Set(ctx, keyNodeID, nodeID); err != nil {
			return nil, fmt.Errorf("failed to persist node id: %w", err)
		}
		logrus.WithField("node_id", nodeID).Info("Generated new caisse identity")
	}
	snap.NodeID = nodeID

	m.snap = snap
	if err := m.persist(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns the current configuration snapshot.
func (m *Manager) Get() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := m.snap
	snap.TrackedTables = append([]model.Table(nil), m.snap.TrackedTables...)
	return snap
}

// Update merges a partial patch last-write-wins, persists the result and
// returns the new snapshot. The node id is not patchable.
func (m *Manager) Update(ctx context.Context, p Patch) (Snapshot, error) {
	m.mu.Lock()
	if p.ServerURL != nil {
		m.snap.ServerURL = *p.ServerURL
	}
	if p.PollInterval != nil {
		m.snap.PollInterval = *p.PollInterval
	}
	if p.BatchSize != nil {
		m.snap.BatchSize = *p.BatchSize
	}
	if p.MaxRetries != nil {
		m.snap.MaxRetries = *p.MaxRetries
	}
	if p.RetryDelay != nil {
		m.snap.RetryDelay = *p.RetryDelay
	}
	if p.ConflictStrategy != nil {
		m.snap.ConflictStrategy = *p.ConflictStrategy
	}
	if p.TrackedTables != nil {
		m.snap.TrackedTables = append([]model.Table(nil), p.TrackedTables...)
	}
	if p.OfflineOverride != nil {
		m.snap.OfflineOverride = *p.OfflineOverride
	}
	snap := m.snap
	m.mu.Unlock()

	if err := m.persist(ctx); err != nil {
		return snap, err
	}
	return snap, nil
}

// IsOnline combines the platform connectivity signal with the offline
// override.
func (m *Manager) IsOnline() bool {
	m.mu.RLock()
	override := m.snap.OfflineOverride
	m.mu.RUnlock()
	return m.observer.Online() && !override
}

func (m *Manager) persist(ctx context.Context) error {
	m.mu.RLock()
	raw, err := json.Marshal(m.snap)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := m.kv.Set(ctx, keySnapshot, string(raw)); err != nil {
		return fmt.Errorf("failed to persist config: %w", err)
	}
	return nil
}
