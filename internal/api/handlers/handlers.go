package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/dispatch-plane/internal/api/middleware"
	"github.com/agentoven/agentoven/dispatch-plane/internal/confirm"
	"github.com/agentoven/agentoven/dispatch-plane/internal/conversation"
	"github.com/agentoven/agentoven/dispatch-plane/internal/dispatcher"
	"github.com/agentoven/agentoven/dispatch-plane/internal/store"
	"github.com/agentoven/agentoven/dispatch-plane/internal/sweeper"
	"github.com/agentoven/agentoven/dispatch-plane/pkg/models"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// Handlers holds dependencies for the HTTP handlers.
type Handlers struct {
	Conversation *conversation.Service
	Dispatcher   *dispatcher.Dispatcher
	Gate         *confirm.Gate
	States       store.StateStore
	Sweeper      *sweeper.Sweeper
}

// New creates a new Handlers instance.
func New(conv *conversation.Service, d *dispatcher.Dispatcher, gate *confirm.Gate, states store.StateStore, sw *sweeper.Sweeper) *Handlers {
	return &Handlers{
		Conversation: conv,
		Dispatcher:   d,
		Gate:         gate,
		States:       states,
		Sweeper:      sw,
	}
}

// ── Messages ─────────────────────────────────────────────────

type messageRequest struct {
	ChatID  string `json:"chat_id"`
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

// PostMessage handles POST /api/v1/messages.
func (h *Handlers) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ChatID) == "" {
		respondError(w, http.StatusBadRequest, "chat_id is required")
		return
	}

	reply, err := h.Conversation.HandleMessage(r.Context(), conversation.Inbound{
		TenantID: middleware.GetTenantID(r.Context()),
		ChatID:   req.ChatID,
		Channel:  req.Channel,
		Text:     req.Text,
	})
	if err != nil {
		respondStoreError(w, err, "message handling failed")
		return
	}
	respondJSON(w, http.StatusOK, reply)
}

// ── Tools ────────────────────────────────────────────────────

// ListTools handles GET /api/v1/tools.
func (h *Handlers) ListTools(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Dispatcher.List())
}

// GetTool handles GET /api/v1/tools/{name}.
func (h *Handlers) GetTool(w http.ResponseWriter, r *http.Request) {
	desc, ok := h.Dispatcher.Get(chi.URLParam(r, "name"))
	if !ok {
		respondError(w, http.StatusNotFound, "tool not found")
		return
	}
	respondJSON(w, http.StatusOK, desc)
}

// GetBreaker handles GET /api/v1/tools/{name}/breaker.
func (h *Handlers) GetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := h.Dispatcher.Get(name); !ok {
		respondError(w, http.StatusNotFound, "tool not found")
		return
	}
	respondJSON(w, http.StatusOK, h.Dispatcher.BreakerSnapshot(middleware.GetTenantID(r.Context()), name))
}

type invokeRequest struct {
	ChatID    string         `json:"chat_id"`
	Arguments map[string]any `json:"arguments"`
	// Confirmed must be set to invoke a sensitive tool directly.
	Confirmed bool `json:"confirmed"`
}

// InvokeTool handles POST /api/v1/tools/{name}/invoke. The body is always
// the invocation outcome; the status code reflects its error kind.
func (h *Handlers) InvokeTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req invokeRequest
	if !decode(w, r, &req) {
		return
	}
	if desc, ok := h.Dispatcher.Get(name); ok && desc.Sensitive && !req.Confirmed {
		respondError(w, http.StatusForbidden, "tool "+name+" is sensitive; set confirmed or go through the conversation")
		return
	}

	out := h.Dispatcher.Invoke(r.Context(), name, req.Arguments, dispatcher.CallContext{
		TenantID: middleware.GetTenantID(r.Context()),
		ChatID:   req.ChatID,
	})
	respondJSON(w, outcomeStatus(out), out)
}

func outcomeStatus(out models.ToolInvocationOutcome) int {
	if out.Success {
		return http.StatusOK
	}
	switch out.ErrorKind {
	case models.ErrToolNotFound:
		return http.StatusNotFound
	case models.ErrRateLimited:
		return http.StatusTooManyRequests
	case models.ErrCircuitOpen, models.ErrCircuitHalfOpenLimited:
		return http.StatusServiceUnavailable
	case models.ErrTimeout:
		return http.StatusGatewayTimeout
	case models.ErrCanceled:
		return 499
	default:
		return http.StatusBadGateway
	}
}

// ── Confirmations ────────────────────────────────────────────

// GetConfirmation handles GET /api/v1/confirmations/{chatId}.
func (h *Handlers) GetConfirmation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Gate.Pending(r.Context(), middleware.GetTenantID(r.Context()), chi.URLParam(r, "chatId"))
	if err != nil {
		respondStoreError(w, err, "confirmation lookup failed")
		return
	}
	if rec == nil {
		respondError(w, http.StatusNotFound, "no pending confirmation")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// CancelConfirmation handles DELETE /api/v1/confirmations/{chatId}.
func (h *Handlers) CancelConfirmation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Gate.Cancel(r.Context(), middleware.GetTenantID(r.Context()), chi.URLParam(r, "chatId"))
	if err != nil {
		respondStoreError(w, err, "confirmation cancel failed")
		return
	}
	if rec == nil {
		respondError(w, http.StatusNotFound, "no pending confirmation")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// ── Conversation State ───────────────────────────────────────

// GetState handles GET /api/v1/conversations/{chatId}/state.
func (h *Handlers) GetState(w http.ResponseWriter, r *http.Request) {
	st, err := h.States.GetState(r.Context(), middleware.GetTenantID(r.Context()), chi.URLParam(r, "chatId"))
	if err != nil {
		respondStoreError(w, err, "state lookup failed")
		return
	}
	if st == nil {
		respondError(w, http.StatusNotFound, "no conversation state")
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// DeleteState handles DELETE /api/v1/conversations/{chatId}/state.
func (h *Handlers) DeleteState(w http.ResponseWriter, r *http.Request) {
	if err := h.States.DeleteState(r.Context(), middleware.GetTenantID(r.Context()), chi.URLParam(r, "chatId")); err != nil {
		respondStoreError(w, err, "state delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Sweeper ──────────────────────────────────────────────────

type sweepResponse struct {
	sweeper.CycleStats
	Errors []string `json:"errors,omitempty"`
}

// Sweep handles POST /api/v1/sweep: one cleanup cycle, run now.
func (h *Handlers) Sweep(w http.ResponseWriter, r *http.Request) {
	stats := h.Sweeper.RunOnce(r.Context())
	resp := sweepResponse{CycleStats: stats}
	for _, err := range stats.Errors {
		resp.Errors = append(resp.Errors, err.Error())
	}
	respondJSON(w, http.StatusOK, resp)
}

// ── Helpers ──────────────────────────────────────────────────

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func respondStoreError(w http.ResponseWriter, err error, msg string) {
	var invalid *store.ErrInvalid
	if errors.As(err, &invalid) {
		respondError(w, http.StatusBadRequest, invalid.Error())
		return
	}
	log.Error().Err(err).Msg(msg)
	respondError(w, http.StatusInternalServerError, msg)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
