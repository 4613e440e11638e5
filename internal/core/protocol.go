// Package core holds the wire envelope shared by the bridge's transports and
// small infrastructure pieces used across packages.
package core

import (
	"encoding/json"
	"time"
)

// Outbound event types seen by display surfaces.
const (
	EventSystem          = "system"
	EventData            = "data"
	EventResult          = "result"
	EventError           = "error"
	EventSessionsUpdated = "sessionsUpdated"
	EventTerminal        = "terminal"
	EventTerminalExit    = "terminalExit"
	EventReply           = "reply"
)

// Envelope is the common message format between the bridge and display
// surfaces, in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	TsMS      int64           `json:"ts_ms,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	DataB64   string          `json:"data_b64,omitempty"`
}

func NewEnvelope(msgType, sessionID string) Envelope {
	return Envelope{
		Type:      msgType,
		SessionID: sessionID,
		TsMS:      time.Now().UnixMilli(),
	}
}

// WithData marshals v into the envelope's Data field. Values that cannot be
// marshalled leave Data empty.
func (e Envelope) WithData(v any) Envelope {
	body, err := json.Marshal(v)
	if err == nil {
		e.Data = body
	}
	return e
}

func ErrorEnvelope(sessionID, message string) Envelope {
	return NewEnvelope(EventError, sessionID).WithData(map[string]any{"message": message})
}
