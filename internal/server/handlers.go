package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/caisselink/caissesync/internal/model"
	"github.com/caisselink/caissesync/internal/wire"
)

const maxPushBody = 1 << 20 // 1MB

// Handler exposes the sync wire protocol over HTTP.
type Handler struct {
	storage *Storage
}

// NewHandler creates the HTTP handler over server storage.
func NewHandler(storage *Storage) *Handler {
	return &Handler{storage: storage}
}

// Routes builds the chi router for the sync server.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Post("/push", h.HandlePush)
	r.Get("/pull", h.HandlePull)
	r.Get("/status/{caisseId}", h.HandleStatus)
	return r
}

// HandlePush handles POST /push.
func (h *Handler) HandlePush(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPushBody)

	var req wire.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return
	}

	caisseID := r.Header.Get(wire.HeaderCaisseID)
	if caisseID == "" {
		caisseID = req.CaisseID
	}
	if err := model.ValidateNodeID(caisseID); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	if msg, ok := validatePush(&req); !ok {
		h.storage.Audit(r.Context(), AuditEntry{
			CaisseID:  caisseID,
			Direction: "push",
			Operation: string(req.Operation),
			Table:     string(req.Table),
			RecordID:  req.LocalID,
			Status:    "rejected",
			Error:     msg,
		})
		writeJSON(w, http.StatusBadRequest, errorResponse(msg))
		return
	}

	resp, err := h.storage.ApplyPush(r.Context(), caisseID, &req)
	if err != nil {
		h.storage.Audit(r.Context(), AuditEntry{
			CaisseID:  caisseID,
			Direction: "push",
			Operation: string(req.Operation),
			Table:     string(req.Table),
			RecordID:  req.LocalID,
			Status:    "error",
			Error:     err.Error(),
		})
		logrus.WithError(err).WithField("caisse_id", caisseID).Error("Push failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
		return
	}

	status := "applied"
	if resp.Conflict {
		status = "conflict"
	}
	h.storage.Audit(r.Context(), AuditEntry{
		CaisseID:  caisseID,
		Direction: "push",
		Operation: string(req.Operation),
		Table:     string(req.Table),
		RecordID:  req.LocalID,
		Status:    status,
	})
	writeJSON(w, http.StatusOK, resp)
}

// HandlePull handles GET /pull.
func (h *Handler) HandlePull(w http.ResponseWriter, r *http.Request) {
	caisseID := r.URL.Query().Get("caisseId")
	if err := model.ValidateNodeID(caisseID); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	var since time.Time
	if raw := r.URL.Query().Get("lastSync"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid lastSync timestamp"))
			return
		}
		since = parsed
	}

	changes, truncated, err := h.storage.ChangeFeed(r.Context(), caisseID, since, model.Tables())
	if err != nil {
		h.storage.Audit(r.Context(), AuditEntry{
			CaisseID:  caisseID,
			Direction: "pull",
			Status:    "error",
			Error:     err.Error(),
		})
		logrus.WithError(err).WithField("caisse_id", caisseID).Error("Pull failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
		return
	}

	h.storage.Audit(r.Context(), AuditEntry{
		CaisseID:  caisseID,
		Direction: "pull",
		Status:    "ok",
	})
	if changes == nil {
		changes = []wire.Change{}
	}
	writeJSON(w, http.StatusOK, &wire.PullResponse{
		Success:      true,
		Changes:      changes,
		Timestamp:    time.Now().UTC(),
		ChangesCount: len(changes),
		Truncated:    truncated,
	})
}

// HandleStatus handles GET /status/{caisseId}.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	caisseID := chi.URLParam(r, "caisseId")
	if err := model.ValidateNodeID(caisseID); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	resp, err := h.storage.NodeStatus(r.Context(), caisseID)
	if err != nil {
		logrus.WithError(err).WithField("caisse_id", caisseID).Error("Status query failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func validatePush(req *wire.PushRequest) (string, bool) {
	if !req.Operation.Valid() {
		return "unsupported operation", false
	}
	if !req.Table.Valid() {
		return "unsupported table", false
	}
	if req.LocalID == "" {
		return "localId is required", false
	}
	if req.Operation != model.OpDelete && len(req.Data) == 0 {
		return "data is required", false
	}
	return "", true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("Failed to encode response")
	}
}

func errorResponse(msg string) *wire.ErrorResponse {
	return &wire.ErrorResponse{Success: false, Error: msg}
}
