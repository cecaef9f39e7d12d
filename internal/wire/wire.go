// Package wire defines the HTTP+JSON envelopes exchanged between a caisse
// node and the central sync server. The shapes here are the compatibility
// contract; both internal/client and internal/server marshal through them.
package wire

import (
	"encoding/json"
	"time"

	"github.com/caisselink/caissesync/internal/model"
)

// HeaderCaisseID is the request header carrying the node identifier.
const HeaderCaisseID = "X-Caisse-ID"

// PushRequest is the body of POST /push. CaisseID may be supplied here
// instead of the X-Caisse-ID header.
type PushRequest struct {
	CaisseID  string          `json:"caisseId,omitempty"`
	Operation model.Op        `json:"operation"`
	Table     model.Table     `json:"table"`
	Data      json.RawMessage `json:"data"`
	LocalID   string          `json:"localId"`
	Version   int64           `json:"version"`
}

// ApplyStatus is the server's description of how a push was applied.
type ApplyStatus string

const (
	StatusCreated  ApplyStatus = "CREATED"
	StatusUpdated  ApplyStatus = "UPDATED"
	StatusDeleted  ApplyStatus = "DELETED"
	StatusNotFound ApplyStatus = "NOT_FOUND"
)

// PushData is the payload of a successful push response.
type PushData struct {
	SyncID  string      `json:"syncId"`
	ID      string      `json:"id"`
	Version int64       `json:"version"`
	Status  ApplyStatus `json:"status"`
}

// PushResponse covers both the applied and the conflict outcome of a push.
// Conflict is a first-class protocol result, not an error: the server still
// answers 200 with Conflict set.
type PushResponse struct {
	Success bool      `json:"success"`
	Data    *PushData `json:"data,omitempty"`
	Error   string    `json:"error,omitempty"`

	Conflict       bool            `json:"conflict,omitempty"`
	ServerData     json.RawMessage `json:"serverData,omitempty"`
	ClientData     json.RawMessage `json:"clientData,omitempty"`
	ServerVersion  int64           `json:"serverVersion,omitempty"`
	ClientVersion  int64           `json:"clientVersion,omitempty"`
	ConflictID     string          `json:"conflictId,omitempty"`
}

// Change is one entry of the pull feed.
type Change struct {
	Table      model.Table     `json:"table"`
	Operation  model.Op        `json:"operation"`
	Data       json.RawMessage `json:"data"`
	SyncID     string          `json:"syncId"`
	OriginNode string          `json:"originNode,omitempty"`
	Version    int64           `json:"version"`
	Timestamp  time.Time       `json:"timestamp"`
}

// PullResponse is the body of GET /pull. Changes are sorted ascending by
// Timestamp and exclude rows originated by the requesting caisse. Truncated
// is set when any table hit the server-side batch cap, so the client knows a
// follow-up pull is needed.
type PullResponse struct {
	Success      bool      `json:"success"`
	Changes      []Change  `json:"changes"`
	Timestamp    time.Time `json:"timestamp"`
	ChangesCount int       `json:"changesCount"`
	Truncated    bool      `json:"truncated,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// StatusResponse is the body of GET /status/{caisseId}.
type StatusResponse struct {
	Success          bool                 `json:"success"`
	CaisseID         string               `json:"caisseId"`
	LastPush         *time.Time           `json:"lastPush"`
	LastPull         *time.Time           `json:"lastPull"`
	PendingConflicts int                  `json:"pendingConflicts"`
	RecordCounts     map[model.Table]int64 `json:"recordCounts"`
	Online           bool                 `json:"online"`
	Error            string               `json:"error,omitempty"`
}

// ErrorResponse is the generic failure envelope for 4xx/5xx answers.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}
