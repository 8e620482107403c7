package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/lmonteiro/parley/internal/status"
	"github.com/lmonteiro/parley/internal/store"
	"github.com/lmonteiro/parley/internal/syncer"
	"github.com/lmonteiro/parley/internal/timeline"
	"go.uber.org/zap"
)

// Handlers exposes the reconciliation engine and sync coordinator over HTTP.
type Handlers struct {
	db      *store.DB
	engine  *timeline.Engine
	coord   *syncer.Coordinator
	machine *status.Machine
	logger  *zap.Logger
}

// NewHandlers creates the API handler set.
func NewHandlers(db *store.DB, engine *timeline.Engine, coord *syncer.Coordinator, machine *status.Machine, logger *zap.Logger) *Handlers {
	return &Handlers{db: db, engine: engine, coord: coord, machine: machine, logger: logger}
}

// Register mounts all routes on the router.
func (h *Handlers) Register(r *mux.Router) {
	r.HandleFunc("/v1/status", h.getStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/conversations", h.listConversations).Methods(http.MethodGet)
	r.HandleFunc("/v1/conversations/{id}/messages", h.listMessages).Methods(http.MethodGet)
	r.HandleFunc("/v1/conversations/{id}/messages", h.send).Methods(http.MethodPost)
	r.HandleFunc("/v1/conversations/{id}/older", h.loadOlder).Methods(http.MethodPost)
	r.HandleFunc("/v1/conversations/{id}/sends/{clientId}/retry", h.retrySend).Methods(http.MethodPost)
	r.HandleFunc("/v1/conversations/{id}/sends/{clientId}", h.discardSend).Methods(http.MethodDelete)
	r.HandleFunc("/v1/conversations/{id}/messages/{uuid}/recall", h.recall).Methods(http.MethodPost)
	r.HandleFunc("/v1/sync", h.refresh).Methods(http.MethodPost)
}

// envelope is the uniform response shape. Error carries expected-condition
// failures; the transport status stays 200 for those.
type envelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, statusCode int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(env)
}

func ok(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{OK: true, Data: data})
}

func expectedErr(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusOK, envelope{OK: false, Error: err.Error()})
}

func internalErr(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusInternalServerError, envelope{OK: false, Error: err.Error()})
}

func (h *Handlers) getStatus(w http.ResponseWriter, _ *http.Request) {
	ok(w, map[string]string{"state": string(h.machine.Current())})
}

func (h *Handlers) listConversations(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	convs, err := h.db.ListConversations(limit, 0)
	if err != nil {
		internalErr(w, err)
		return
	}
	out := make([]map[string]any, 0, len(convs))
	for _, c := range convs {
		out = append(out, map[string]any{
			"id":      c.ID,
			"kind":    c.Kind,
			"cursor":  c.Cursor,
			"preview": c.LastMessagePreview,
			"lastAt":  c.LastMessageAt,
		})
	}
	ok(w, out)
}

func (h *Handlers) listMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	kind := r.URL.Query().Get("kind")
	msgs, err := h.engine.Open(id, kind)
	if err != nil {
		internalErr(w, err)
		return
	}
	ok(w, msgs)
}

type sendRequest struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
	Attachment  string `json:"attachment,omitempty"`
}

func (h *Handlers) send(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{OK: false, Error: "invalid request body"})
		return
	}
	if req.ContentType == "" {
		req.ContentType = "text"
	}

	pending, err := h.engine.Send(r.Context(), id, req.ContentType, req.Content, req.Attachment)
	if errors.Is(err, timeline.ErrSendInFlight) {
		expectedErr(w, err)
		return
	}
	if err != nil {
		internalErr(w, err)
		return
	}
	ok(w, pending)
}

type loadOlderRequest struct {
	Limit int `json:"limit"`
}

func (h *Handlers) loadOlder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req loadOlderRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	page, hasMore, err := h.engine.LoadOlder(id, req.Limit)
	if err != nil {
		internalErr(w, err)
		return
	}
	ok(w, map[string]any{"messages": page, "hasMore": hasMore})
}

func (h *Handlers) retrySend(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.engine.RetrySend(r.Context(), vars["id"], vars["clientId"]); err != nil {
		expectedErr(w, err)
		return
	}
	ok(w, nil)
}

func (h *Handlers) discardSend(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.engine.DiscardSend(vars["id"], vars["clientId"]); err != nil {
		expectedErr(w, err)
		return
	}
	ok(w, nil)
}

func (h *Handlers) recall(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.engine.Recall(r.Context(), vars["id"], vars["uuid"]); err != nil {
		expectedErr(w, err)
		return
	}
	ok(w, nil)
}

// refresh runs an explicit full sync pass. If a sync is already in
// flight the response carries an empty result.
func (h *Handlers) refresh(w http.ResponseWriter, r *http.Request) {
	res, err := h.coord.SyncAll(context.WithoutCancel(r.Context()))
	if err != nil {
		expectedErr(w, err)
		return
	}
	updated := make([]string, 0, len(res.Updated))
	for id := range res.Updated {
		updated = append(updated, id)
	}
	ok(w, map[string]any{"updated": updated, "newMessages": res.NewMessageCount})
}
