package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"cadence/internal/coordinator"
	"cadence/internal/storage"
	"cadence/pkg/engine"
	"cadence/pkg/logger"
)

// TurnService is the part of the coordinator the gateway drives.
type TurnService interface {
	SendTurn(ctx context.Context, conversationID, prompt string, opts coordinator.TurnOptions) (<-chan coordinator.Update, error)
	CancelActiveTurn(conversationID string) error
	ResetContext(ctx context.Context, conversationID string) error
	SetAgentMode(ctx context.Context, conversationID string, on bool) error
	AgentMode(conversationID string) bool
	Messages(ctx context.Context, conversationID string) ([]storage.Message, error)
	Title(conversationID string) string
	Active(conversationID string) bool
	Close(ctx context.Context, conversationID string) error
}

// ConversationStore lists and deletes stored conversations.
type ConversationStore interface {
	List(ctx context.Context, limit, offset int) ([]*storage.Conversation, error)
	Delete(ctx context.Context, conversationID string) error
}

// TurnRequest is the body of POST /conversations/{id}/turns.
type TurnRequest struct {
	Prompt          string                `json:"prompt"`
	Params          engine.SamplingParams `json:"params"`
	DocumentContext string                `json:"document_context,omitempty"`
	SystemPrompt    string                `json:"system_prompt,omitempty"`
	DisableRecovery bool                  `json:"disable_recovery,omitempty"`
}

// AgentModeRequest is the body of PUT /conversations/{id}/agent-mode.
type AgentModeRequest struct {
	Enabled bool `json:"enabled"`
}

// MessagesResponse is returned by GET /conversations/{id}/messages.
type MessagesResponse struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	AgentMode bool              `json:"agent_mode"`
	Active    bool              `json:"active"`
	Messages  []storage.Message `json:"messages"`
}

// ConversationHandler serves the conversation endpoints.
type ConversationHandler struct {
	turns TurnService
	store ConversationStore
}

// NewConversationHandler creates a handler. store may be nil, in which case
// listing and deletion answer 503.
func NewConversationHandler(turns TurnService, store ConversationStore) *ConversationHandler {
	return &ConversationHandler{turns: turns, store: store}
}

// RegisterRoutes mounts the handlers on r, which is expected to be the
// /api/v1 subrouter.
func (h *ConversationHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/conversations", h.List).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}", h.Delete).Methods(http.MethodDelete)
	r.HandleFunc("/conversations/{id}/messages", h.Messages).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}/turns", h.SendTurn).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/cancel", h.Cancel).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/reset", h.Reset).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/agent-mode", h.SetAgentMode).Methods(http.MethodPut)
}

// SendTurn starts a turn and streams its updates as newline-delimited JSON.
// The request context is the turn's caller context, so a client that goes
// away cancels the turn.
func (h *ConversationHandler) SendTurn(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req TurnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body: "+err.Error())
		return
	}

	updates, err := h.turns.SendTurn(r.Context(), id, req.Prompt, coordinator.TurnOptions{
		Params:          req.Params,
		DocumentContext: req.DocumentContext,
		SystemPrompt:    req.SystemPrompt,
		DisableRecovery: req.DisableRecovery,
	})
	if err != nil {
		sendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	writable := true
	for u := range updates {
		if !writable {
			// keep draining so the turn goroutine is never blocked on us
			continue
		}
		if err := enc.Encode(u); err != nil {
			logger.Debug().Err(err).Str("conversation", id).Msg("turn stream write failed")
			writable = false
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// Cancel requests cancellation of the active turn.
func (h *ConversationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.turns.CancelActiveTurn(mux.Vars(r)["id"]); err != nil {
		sendServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Reset discards the engine session of the conversation.
func (h *ConversationHandler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.turns.ResetContext(r.Context(), mux.Vars(r)["id"]); err != nil {
		sendServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetAgentMode toggles agent mode.
func (h *ConversationHandler) SetAgentMode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req AgentModeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.turns.SetAgentMode(r.Context(), id, req.Enabled); err != nil {
		sendServiceError(w, err)
		return
	}
	SendJSON(w, http.StatusOK, AgentModeRequest{Enabled: h.turns.AgentMode(id)})
}

// Messages returns the conversation's messages.
func (h *ConversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	msgs, err := h.turns.Messages(r.Context(), id)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	if msgs == nil {
		msgs = []storage.Message{}
	}
	SendJSON(w, http.StatusOK, MessagesResponse{
		ID:        id,
		Title:     h.turns.Title(id),
		AgentMode: h.turns.AgentMode(id),
		Active:    h.turns.Active(id),
		Messages:  msgs,
	})
}

// List returns stored conversations, most recently updated first.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		SendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "storage is not configured")
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	convs, err := h.store.List(r.Context(), limit, offset)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	if convs == nil {
		convs = []*storage.Conversation{}
	}
	SendJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

// Delete evicts the conversation from memory and removes it from storage.
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		SendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "storage is not configured")
		return
	}
	id := mux.Vars(r)["id"]
	if err := h.turns.Close(r.Context(), id); err != nil {
		sendServiceError(w, err)
		return
	}
	if err := h.store.Delete(r.Context(), id); err != nil {
		sendServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + key)
	}
	return n, nil
}

// sendServiceError maps coordinator and storage errors to responses.
func sendServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrEmptyPrompt):
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	case errors.Is(err, coordinator.ErrTurnInProgress), errors.Is(err, coordinator.ErrNoActiveTurn):
		SendError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		SendError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, coordinator.ErrShutdown):
		SendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, err.Error())
	default:
		logger.Error().Err(err).Msg("request failed")
		SendError(w, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
	}
}
