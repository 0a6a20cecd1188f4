// Package handlers implements the HTTP handlers of the TaskPilot service:
// conversation turns streamed as server-sent events, plus read access to
// the clarifications, flow steps, and planned actions the turns record.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agentoven/taskpilot/internal/api/middleware"
	"github.com/agentoven/taskpilot/internal/guardrails"
	"github.com/agentoven/taskpilot/internal/store"
	"github.com/agentoven/taskpilot/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// TurnRunner runs a conversation turn and streams its events.
type TurnRunner interface {
	Run(ctx context.Context, req models.TurnRequest) <-chan models.Event
}

// CategoryLister lists the tool categories the backend offers.
type CategoryLister interface {
	ListCategories(ctx context.Context) map[string]string
}

// Handlers holds all handler dependencies.
type Handlers struct {
	Turns      TurnRunner
	Store      store.Store
	Categories CategoryLister
	// Guard screens queries before a turn starts. Nil disables screening.
	Guard *guardrails.Guard
	Now   func() time.Time
}

// New creates a new Handlers instance with all dependencies.
func New(turns TurnRunner, s store.Store, cats CategoryLister) *Handlers {
	return &Handlers{Turns: turns, Store: s, Categories: cats, Now: time.Now}
}

// ══════════════════════════════════════════════════════════════
// ── Turn Handlers ────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// turnRequest is the body of POST /api/v1/chats/{chatID}/turns.
type turnRequest struct {
	MessageID     string                       `json:"message_id"`
	Query         string                       `json:"query"`
	ProjectID     string                       `json:"project_id"`
	WorkspaceSlug string                       `json:"workspace_slug"`
	WorkspaceID   string                       `json:"workspace_id"`
	Timezone      string                       `json:"timezone"`
	Advisory      string                       `json:"advisory"`
	History       []models.ChatMessage         `json:"history"`
	Clarification *models.ClarificationContext `json:"clarification_context"`
	// ResumePending answers the chat's latest pending clarification with
	// the query when no clarification context is given.
	ResumePending bool `json:"resume_pending"`
}

// RunTurn runs one conversation turn.
// POST /api/v1/chats/{chatID}/turns
//
// Events are streamed as SSE (`event: <kind>`); with ?stream=false the
// collected events are returned as one JSON document.
func (h *Handlers) RunTurn(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	var body turnRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(body.Query) == "" {
		respondError(w, http.StatusBadRequest, "query is required")
		return
	}
	if h.Guard != nil {
		if eval := h.Guard.Check(body.Query); !eval.Passed {
			log.Warn().Str("chat_id", chatID).Str("reason", eval.Reason()).Msg("Query blocked by guardrails")
			respondJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"error":      eval.Reason(),
				"guardrails": eval,
			})
			return
		}
	}

	req := models.TurnRequest{
		ChatID:        chatID,
		MessageID:     body.MessageID,
		UserID:        middleware.GetUserID(r.Context()),
		WorkspaceSlug: body.WorkspaceSlug,
		WorkspaceID:   body.WorkspaceID,
		ProjectID:     body.ProjectID,
		Query:         body.Query,
		Advisory:      body.Advisory,
		History:       body.History,
		Timezone:      body.Timezone,
		Now:           h.Now(),
		Clarification: body.Clarification,
	}
	if req.MessageID == "" {
		req.MessageID = uuid.New().String()
	}
	if req.WorkspaceSlug == "" {
		req.WorkspaceSlug = middleware.GetWorkspace(r.Context())
	}
	if req.Clarification == nil && body.ResumePending {
		pending, err := h.Store.GetLatestPending(r.Context(), chatID)
		switch {
		case err == nil:
			req.Clarification = &models.ClarificationContext{
				ClarificationID: pending.ID,
				Answer:          body.Query,
				OriginalQuery:   pending.OriginalQuery,
				Kind:            pending.Kind,
				CategoryHints:   pending.CategoryHints,
				MessageID:       pending.MessageID,
			}
		case isNotFound(err):
			// nothing to resume; run as a fresh turn
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	log.Info().
		Str("chat_id", chatID).
		Str("message_id", req.MessageID).
		Bool("resumed", req.Clarification != nil).
		Msg("Turn started")

	events := h.Turns.Run(r.Context(), req)
	w.Header().Set("X-Message-Id", req.MessageID)

	if r.URL.Query().Get("stream") == "false" {
		var collected []models.Event
		for ev := range events {
			collected = append(collected, ev)
		}
		if collected == nil {
			collected = []models.Event{}
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"message_id": req.MessageID,
			"events":     collected,
		})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		for range events {
		}
		respondError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			log.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("Failed to encode event")
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
			// client went away; drain so the turn can finish persisting
			for range events {
			}
			return
		}
		flusher.Flush()
	}
	fmt.Fprint(w, "event: done\ndata: {}\n\n")
	flusher.Flush()
}

// ══════════════════════════════════════════════════════════════
// ── Clarification Handlers ───────────────────────────────────
// ══════════════════════════════════════════════════════════════

// GetPendingClarification returns the chat's latest unresolved clarification.
// GET /api/v1/chats/{chatID}/clarifications/pending
func (h *Handlers) GetPendingClarification(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	c, err := h.Store.GetLatestPending(r.Context(), chatID)
	if err != nil {
		if isNotFound(err) {
			respondError(w, http.StatusNotFound, fmt.Sprintf("no pending clarification for chat %q", chatID))
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (h *Handlers) GetClarification(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "clarificationID")
	c, err := h.Store.GetClarification(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			respondError(w, http.StatusNotFound, fmt.Sprintf("clarification %q not found", id))
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// ResolveClarification records an answer without running a turn.
// POST /api/v1/clarifications/{clarificationID}/resolve
func (h *Handlers) ResolveClarification(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "clarificationID")

	var body struct {
		Answer     string `json:"answer"`
		ResolvedBy string `json:"resolved_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.ResolvedBy == "" {
		body.ResolvedBy = middleware.GetUserID(r.Context())
	}

	if err := h.Store.ResolveClarification(r.Context(), id, body.Answer, body.ResolvedBy); err != nil {
		if isNotFound(err) {
			respondError(w, http.StatusNotFound, fmt.Sprintf("clarification %q not found", id))
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	c, err := h.Store.GetClarification(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info().Str("clarification_id", id).Msg("Clarification resolved")
	respondJSON(w, http.StatusOK, c)
}

// ══════════════════════════════════════════════════════════════
// ── History Handlers ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ListFlowSteps returns the ordered flow steps of one message.
// GET /api/v1/messages/{messageID}/flow-steps
func (h *Handlers) ListFlowSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := h.Store.ListFlowSteps(r.Context(), chi.URLParam(r, "messageID"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if steps == nil {
		steps = []models.FlowStep{}
	}
	respondJSON(w, http.StatusOK, steps)
}

// ListArtifacts returns the planned actions recorded for a chat.
// GET /api/v1/chats/{chatID}/artifacts
func (h *Handlers) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	actions, err := h.Store.ListArtifacts(r.Context(), chi.URLParam(r, "chatID"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if actions == nil {
		actions = []models.PlannedAction{}
	}
	respondJSON(w, http.StatusOK, actions)
}

// ListCategories returns the tool categories the backend offers.
// GET /api/v1/categories
func (h *Handlers) ListCategories(w http.ResponseWriter, r *http.Request) {
	if h.Categories == nil {
		respondJSON(w, http.StatusOK, map[string]string{})
		return
	}
	respondJSON(w, http.StatusOK, h.Categories.ListCategories(r.Context()))
}

// ── Health ───────────────────────────────────────────────────

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "unhealthy",
			"service": "taskpilot",
			"error":   err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "taskpilot",
	})
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func isNotFound(err error) bool {
	var nf *store.ErrNotFound
	return errors.As(err, &nf)
}
