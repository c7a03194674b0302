package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/scribe/internal/batcher"
	"github.com/MikeSquared-Agency/scribe/internal/lifecycle"
	"github.com/MikeSquared-Agency/scribe/internal/session"
	"github.com/MikeSquared-Agency/scribe/internal/store"
	"github.com/MikeSquared-Agency/scribe/internal/transcript"
)

// Server exposes sessions and the archive over HTTP. store and batcher are nil when no
// database is configured.
type Server struct {
	sessions *session.Manager
	store    store.DataStore
	batcher  *batcher.Batcher
	router   chi.Router
	port     int
}

func NewServer(m *session.Manager, s store.DataStore, b *batcher.Batcher, port int) *Server {
	srv := &Server{
		sessions: m,
		store:    s,
		batcher:  b,
		port:     port,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", srv.handleHealth)
		r.Get("/sessions", srv.handleListSessions)
		r.Post("/sessions", srv.handleCreateSession)
		r.Get("/sessions/{sessionID}", srv.handleGetSession)
		r.Post("/sessions/{sessionID}/turns", srv.handleStartTurn)
		r.Delete("/sessions/{sessionID}/turns/current", srv.handleCancelTurn)
		r.Get("/conversations", srv.handleListConversations)
		r.Get("/conversations/{conversationID}/messages", srv.handleListMessages)
		r.Get("/conversations/{conversationID}/transcript", srv.handleGetTranscript)
		r.Get("/events", srv.handleGetEvents)
		r.Get("/metrics/{conversationID}", srv.handleGetMetrics)
	})

	srv.router = r
	return srv
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

// Addr is the listen address.
func (s *Server) Addr() string { return fmt.Sprintf(":%d", s.port) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":   "ok",
		"service":  "scribe",
		"sessions": len(s.sessions.List()),
	}
	if s.batcher != nil {
		body["buffer_size"] = s.batcher.BufferLen()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

type createSessionRequest struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}
	}

	sess, err := s.sessions.Create(r.Context(), req.SessionID, req.ConversationID)
	if err != nil {
		slog.Error("create session failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusCreated, sess.View())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(chi.URLParam(r, "sessionID"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, sess.View())
}

type startTurnRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleStartTurn(w http.ResponseWriter, r *http.Request) {
	var req startTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	turnID, err := s.sessions.Send(sessionID, req.Message)
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	case errors.Is(err, lifecycle.ErrTurnInFlight):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "a turn is already in flight"})
		return
	case err != nil:
		slog.Error("start turn failed", "session_id", sessionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"turn_id": turnID, "session_id": sessionID})
}

func (s *Server) handleCancelTurn(w http.ResponseWriter, r *http.Request) {
	err := s.sessions.Cancel(chi.URLParam(r, "sessionID"))
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
	case errors.Is(err, lifecycle.ErrNoTurn):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no turn in flight"})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Conversations())
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	msgs, err := s.sessions.Messages(r.Context(), conversationID)
	if err != nil {
		slog.Error("list messages failed", "conversation_id", conversationID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if len(msgs) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "conversation not found"})
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	msgs, err := s.sessions.Messages(r.Context(), conversationID)
	if err != nil {
		slog.Error("export transcript failed", "conversation_id", conversationID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if len(msgs) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "conversation not found"})
		return
	}

	export := transcript.Build(conversationID, msgs)
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, export.Transcript)
		return
	}
	writeJSON(w, http.StatusOK, export)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no event store configured"})
		return
	}
	turnID := r.URL.Query().Get("turn_id")
	if turnID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "turn_id is required"})
		return
	}

	evts, err := s.store.QueryEvents(r.Context(), turnID)
	if err != nil {
		slog.Error("query events failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, evts)
}

func (s *Server) handleGetMetrics(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no metrics store configured"})
		return
	}
	conversationID := chi.URLParam(r, "conversationID")

	m, err := s.store.GetTurnMetrics(r.Context(), conversationID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "metrics not found"})
		return
	}
	if err != nil {
		slog.Error("query metrics failed", "conversation_id", conversationID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, m)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
