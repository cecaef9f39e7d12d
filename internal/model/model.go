// Package model defines the shared data model for caisse synchronization:
// outbox operations, synced records, conflict records and the closed set of
// replicated tables.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NodeIDPrefix is the reserved prefix every caisse identifier carries.
const NodeIDPrefix = "caisse-"

// Table identifies one replicated entity kind. The set is closed: the sync
// engine is generic over tables, but dispatch always goes through this
// enumeration, never through free-form strings.
type Table string

const (
	TableProducts   Table = "products"
	TableCategories Table = "categories"
	TableClients    Table = "clients"
	TableSales      Table = "sales"
)

// Tables returns all replicated tables in a stable order.
func Tables() []Table {
	return []Table{TableProducts, TableCategories, TableClients, TableSales}
}

// Valid reports whether t is one of the replicated tables.
func (t Table) Valid() bool {
	switch t {
	case TableProducts, TableCategories, TableClients, TableSales:
		return true
	}
	return false
}

// Op is the mutation kind carried by an outbox operation or a pulled change.
type Op string

const (
	OpCreate Op = "CREATE"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Valid reports whether o is a known mutation kind.
func (o Op) Valid() bool {
	return o == OpCreate || o == OpUpdate || o == OpDelete
}

// OpStatus is the lifecycle state of an outbox operation.
type OpStatus string

const (
	OpPending    OpStatus = "PENDING"
	OpProcessing OpStatus = "PROCESSING"
	OpCompleted  OpStatus = "COMPLETED"
	OpFailed     OpStatus = "FAILED"
)

// SyncStatus is the replication state of a local record.
type SyncStatus string

const (
	SyncPending SyncStatus = "PENDING"
	SyncSynced  SyncStatus = "SYNCED"
	SyncError   SyncStatus = "ERROR"
)

// Resolution is the decision recorded on a resolved conflict.
type Resolution string

const (
	ResolutionClientWins Resolution = "CLIENT_WINS"
	ResolutionServerWins Resolution = "SERVER_WINS"
	ResolutionMerged     Resolution = "MERGED"
)

// Strategy selects how the node resolves push conflicts.
type Strategy string

const (
	StrategyClientWins Strategy = "client-wins"
	StrategyServerWins Strategy = "server-wins"
	StrategyManual     Strategy = "manual"
)

// Valid reports whether s is a known conflict strategy.
func (s Strategy) Valid() bool {
	return s == StrategyClientWins || s == StrategyServerWins || s == StrategyManual
}

// SyncOperation is one durable outbox entry: a locally accepted mutation
// awaiting delivery to the server. Owned exclusively by the node that
// created it; removed once COMPLETED, retained when FAILED.
type SyncOperation struct {
	ID            string
	Table         Table
	Op            Op
	Payload       json.RawMessage
	LocalID       string
	EnqueuedAt    time.Time
	NextAttemptAt time.Time
	Retries       int
	Status        OpStatus
	LastError     string
}

// Record is any business entity under replication, reduced to the fields the
// sync engine cares about. Records are never physically removed, only
// tombstoned via IsDeleted.
type Record struct {
	Table       Table
	LocalID     string
	SyncID      string // server-assigned, empty until first accepted push
	OriginNode  string
	Version     int64
	Payload     json.RawMessage
	LastUpdated time.Time
	IsDeleted   bool
	SyncStatus  SyncStatus
}

// ConflictRecord captures one rejected push: both snapshots and, once
// decided, the resolution. Created exactly once per conflict and never
// mutated except to set its resolution.
type ConflictRecord struct {
	ID             string
	Table          Table
	RecordID       string
	LocalSnapshot  json.RawMessage
	ServerSnapshot json.RawMessage
	LocalVersion   int64
	ServerVersion  int64
	Resolution     Resolution // empty while unresolved
	ResolvedAt     time.Time
	ResolvedBy     string
	CreatedAt      time.Time
}

// Resolved reports whether a decision has been recorded.
func (c *ConflictRecord) Resolved() bool {
	return c.Resolution != ""
}

// NewNodeID generates a fresh caisse identifier. Generated once per
// installation and persisted; it must never change underneath a running
// sync.
func NewNodeID() string {
	return NodeIDPrefix + uuid.New().String()
}

// ValidateNodeID checks the reserved-prefix node identifier format.
func ValidateNodeID(id string) error {
	if id == "" {
		return fmt.Errorf("caisse id is required")
	}
	if !strings.HasPrefix(id, NodeIDPrefix) {
		return fmt.Errorf("malformed caisse id %q: missing %q prefix", id, NodeIDPrefix)
	}
	if len(id) == len(NodeIDPrefix) {
		return fmt.Errorf("malformed caisse id %q: empty suffix", id)
	}
	return nil
}
