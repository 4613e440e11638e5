// Package stream turns the agent binary's newline-delimited stdout into
// classified events.
package stream

import (
	"encoding/json"
	"strings"
)

// Kind discriminates classified events.
type Kind string

const (
	KindSystem      Kind = "system"
	KindMessage     Kind = "message"
	KindResult      Kind = "result"
	KindError       Kind = "error"
	KindPassthrough Kind = "passthrough"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockImage      = "image"
	BlockThinking   = "thinking"
)

// Block is one structured content block of a message.
type Block struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
}

func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// Event is the classified form of one stdout line. Which fields are set
// depends on Kind:
//
//	system:      Status, Ready
//	message:     Role, Content, ToolUseID (tool output only)
//	result:      Payload
//	error:       Message, Code
//	passthrough: Label and Payload for structured lines, Raw otherwise
//
// Correlator is set on any kind when the line echoed a conversation id.
type Event struct {
	Kind      Kind
	SessionID string

	Status string
	Ready  bool

	Role      Role
	Content   []Block
	ToolUseID string

	Payload json.RawMessage

	Message string
	Code    string

	Label string
	Raw   string

	Correlator string
}

// Text concatenates the text carried by blocks, in order.
func Text(blocks []Block) string {
	var b strings.Builder
	for _, block := range blocks {
		switch block.Type {
		case BlockText:
			b.WriteString(block.Text)
		case BlockThinking:
			b.WriteString(block.Thinking)
		}
	}
	return b.String()
}
