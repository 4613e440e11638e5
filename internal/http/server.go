package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"agent-bridge/internal/agent"
	"agent-bridge/internal/conversation"
	"agent-bridge/internal/router"
	wshandler "agent-bridge/internal/ws"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Server struct {
	Backend     wshandler.Backend
	Router      *router.Router
	Auth        *wshandler.Auth
	CheckOrigin bool
	Logger      *slog.Logger
}

type startRequest struct {
	SessionID string `json:"session_id"`
	agent.StartRequest
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if s.CheckOrigin {
				return sameHostOrigin(r)
			}
			return true
		},
	}

	mux.Handle("/ws/surface", &wshandler.SurfaceHandler{
		Backend:  s.Backend,
		Router:   s.Router,
		Auth:     s.Auth,
		Upgrader: upgrader,
		Logger:   s.Logger,
	})

	mux.HandleFunc("GET /api/sessions", s.withAuth(s.handleListSessions))
	mux.HandleFunc("POST /api/sessions", s.withAuth(s.handleStartSession))
	mux.HandleFunc("POST /api/sessions/{id}/messages", s.withAuth(s.handleSend))
	mux.HandleFunc("GET /api/sessions/{id}/transcript", s.withAuth(s.handleTranscript))
	mux.HandleFunc("POST /api/sessions/{id}/stop", s.withAuth(s.handleStop))
	mux.HandleFunc("GET /api/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	return mux
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := s.Auth.Check(r); !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.Backend.Sessions()})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		id = uuid.NewString()
	}
	if err := s.Backend.Start(id, req.StartRequest); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session_id": id})
}

// handleSend blocks until the agent invocation for this message finishes.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req agent.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.Backend.Send(r.Context(), r.PathValue("id"), req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	entries, err := s.Backend.Transcript(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.Backend.Stop(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeError(w http.ResponseWriter, err error) {
	var exitErr *agent.ExitError
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, conversation.ErrSessionNotFound):
		code = http.StatusNotFound
	case errors.Is(err, conversation.ErrSessionExists):
		code = http.StatusConflict
	case errors.Is(err, conversation.ErrBacklogFull):
		code = http.StatusTooManyRequests
	case errors.Is(err, agent.ErrInvalidResumeID), errors.Is(err, conversation.ErrMissingID):
		code = http.StatusBadRequest
	case errors.Is(err, agent.ErrSessionStopped):
		code = http.StatusGone
	case errors.Is(err, agent.ErrManagerClosed):
		code = http.StatusServiceUnavailable
	case errors.As(err, &exitErr):
		code = http.StatusBadGateway
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sameHostOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	return strings.Contains(origin, r.Host)
}
