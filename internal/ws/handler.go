// Package ws serves display surfaces over WebSocket. Each connection is
// attached to the router as one surface and may issue session requests.
package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"agent-bridge/internal/agent"
	"agent-bridge/internal/conversation"
	"agent-bridge/internal/core"
	"agent-bridge/internal/router"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Inbound request types.
const (
	ReqStart      = "start"
	ReqSend       = "send"
	ReqStop       = "stop"
	ReqTranscript = "transcript"
	ReqSessions   = "sessions"
	ReqTermOpen   = "term_open"
	ReqTermIn     = "term_in"
	ReqTermResize = "term_resize"
	ReqTermClose  = "term_close"
)

// Backend is the session manager as seen by a surface.
type Backend interface {
	Start(id string, req agent.StartRequest) error
	Send(ctx context.Context, id string, req agent.SendRequest) error
	Stop(id string) error
	Transcript(id string) ([]conversation.Entry, error)
	Sessions() []conversation.Snapshot
	OpenTerminal(id string, req agent.TerminalRequest) error
	WriteTerminal(id string, data []byte) error
	ResizeTerminal(id string, cols, rows uint16) error
	CloseTerminal(id string) error
}

type SurfaceHandler struct {
	Backend  Backend
	Router   *router.Router
	Auth     *Auth
	Upgrader websocket.Upgrader
	Logger   *slog.Logger
}

type reply struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	Entries  []conversation.Entry    `json:"entries,omitempty"`
	Sessions []conversation.Snapshot `json:"sessions,omitempty"`
}

type resizeRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

func (h *SurfaceHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *SurfaceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.logger()
	actor, ok := h.Auth.Check(r)
	if !ok {
		log.Warn("surface unauthorized", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("surface upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	surface := NewSurface(conn)
	go surface.writeLoop()
	defer surface.Close()
	h.Router.Attach(surface)
	defer h.Router.Detach(surface.ID())
	log.Info("surface connected", "surface_id", surface.ID(), "actor", actor, "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		var msg core.Envelope
		if err := conn.ReadJSON(&msg); err != nil {
			log.Info("surface disconnected", "surface_id", surface.ID(), "err", err)
			return
		}
		if msg.Channel != "" {
			h.Router.Observe(msg.Channel)
		}
		h.handle(ctx, surface, msg)
	}
}

func (h *SurfaceHandler) handle(ctx context.Context, s *Surface, msg core.Envelope) {
	id := msg.SessionID
	switch msg.Type {
	case ReqStart:
		var req agent.StartRequest
		if err := decode(msg.Data, &req); err != nil {
			h.reply(s, msg, reply{Error: "bad_start_payload"})
			return
		}
		if id == "" {
			id = uuid.NewString()
		}
		h.reply(s, msg, result(h.Backend.Start(id, req), reply{SessionID: id}))
	case ReqSend:
		var req agent.SendRequest
		if err := decode(msg.Data, &req); err != nil {
			h.reply(s, msg, reply{Error: "bad_send_payload"})
			return
		}
		go func() {
			err := h.Backend.Send(ctx, id, req)
			if errors.Is(err, context.Canceled) {
				return
			}
			h.reply(s, msg, result(err, reply{SessionID: id}))
		}()
	case ReqStop:
		h.reply(s, msg, result(h.Backend.Stop(id), reply{SessionID: id}))
	case ReqTranscript:
		entries, err := h.Backend.Transcript(id)
		h.reply(s, msg, result(err, reply{SessionID: id, Entries: entries}))
	case ReqSessions:
		h.reply(s, msg, reply{OK: true, Sessions: h.Backend.Sessions()})
	case ReqTermOpen:
		var req agent.TerminalRequest
		if err := decode(msg.Data, &req); err != nil {
			h.reply(s, msg, reply{Error: "bad_terminal_payload"})
			return
		}
		if id == "" {
			id = uuid.NewString()
		}
		h.reply(s, msg, result(h.Backend.OpenTerminal(id, req), reply{SessionID: id}))
	case ReqTermIn:
		raw, err := base64.StdEncoding.DecodeString(msg.DataB64)
		if err != nil {
			h.reply(s, msg, reply{Error: "bad_terminal_input"})
			return
		}
		if err := h.Backend.WriteTerminal(id, raw); err != nil {
			h.reply(s, msg, reply{Error: err.Error(), SessionID: id})
		}
	case ReqTermResize:
		var req resizeRequest
		if err := decode(msg.Data, &req); err != nil {
			h.reply(s, msg, reply{Error: "bad_resize_payload"})
			return
		}
		if err := h.Backend.ResizeTerminal(id, req.Cols, req.Rows); err != nil {
			h.reply(s, msg, reply{Error: err.Error(), SessionID: id})
		}
	case ReqTermClose:
		h.reply(s, msg, result(h.Backend.CloseTerminal(id), reply{SessionID: id}))
	default:
		h.reply(s, msg, reply{Error: "unknown_type"})
	}
}

func (h *SurfaceHandler) reply(s *Surface, req core.Envelope, body reply) {
	sid := body.SessionID
	if sid == "" {
		sid = req.SessionID
	}
	out := core.NewEnvelope(core.EventReply, sid).WithData(body)
	out.RequestID = req.RequestID
	out.Channel = req.Channel
	if err := s.Send(out); err != nil {
		h.logger().Debug("reply dropped", "surface_id", s.ID(), "type", req.Type, "err", err)
	}
}

func result(err error, ok reply) reply {
	if err != nil {
		return reply{Error: err.Error(), SessionID: ok.SessionID}
	}
	ok.OK = true
	return ok
}

// decode accepts an absent payload as the zero value.
func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
