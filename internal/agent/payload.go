package agent

import (
	"encoding/json"

	"agent-bridge/internal/conversation"
	"agent-bridge/internal/stream"
)

type statusPayload struct {
	Status string `json:"status"`
	Ready  bool   `json:"ready"`
}

// dataPayload is the body of a data event: a transcript message, or an
// unrecognized agent line passed through under its label.
type dataPayload struct {
	Kind      string          `json:"kind"`
	Role      stream.Role     `json:"role,omitempty"`
	Content   []stream.Block  `json:"content,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Label     string          `json:"label,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Raw       string          `json:"raw,omitempty"`
}

type resultPayload struct {
	Result json.RawMessage `json:"result"`
}

type errorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type sessionsPayload struct {
	Sessions []conversation.Snapshot `json:"sessions"`
}
