package stream

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Classify converts one line of agent output into an Event. It returns false
// for lines that carry nothing (blank lines and comments). Classify never
// fails: anything it cannot interpret becomes a passthrough event.
func Classify(line, sessionID string) (Event, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "//") {
		return Event{}, false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil || fields == nil {
		return Event{Kind: KindPassthrough, SessionID: sessionID, Raw: trimmed}, true
	}

	payload := compact(trimmed)
	typ := stringField(fields, "type")
	correlator := stringField(fields, "session_id")
	if correlator == "" {
		correlator = stringField(fields, "sessionId")
	}

	ev := Event{SessionID: sessionID, Correlator: correlator}
	switch typ {
	case "init", "system":
		subtype := stringField(fields, "subtype")
		ev.Kind = KindSystem
		ev.Ready = typ == "init" || subtype == "init"
		ev.Status = subtype
		if ev.Status == "" {
			ev.Status = typ
		}
		if ev.Ready {
			ev.Status = "ready"
		}
	case "assistant":
		ev.Kind = KindMessage
		ev.Role = RoleAssistant
		if role, content, ok := messageContent(fields); ok {
			if role != "" {
				ev.Role = Role(role)
			}
			ev.Content = content
		} else {
			ev.Content = []Block{TextBlock(stringField(fields, "text"))}
		}
	case "tool_use":
		id := stringField(fields, "id")
		if id == "" {
			id = "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		ev.Kind = KindMessage
		ev.Role = RoleAssistant
		ev.Content = []Block{{
			Type:  BlockToolUse,
			ID:    id,
			Name:  stringField(fields, "name"),
			Input: rawField(fields, "input"),
		}}
	case "tool_result":
		text := stringField(fields, "output")
		if text == "" {
			text = stringField(fields, "text")
		}
		ev.Kind = KindMessage
		ev.Role = RoleTool
		ev.ToolUseID = stringField(fields, "tool_use_id")
		ev.Content = []Block{TextBlock(text)}
	case "result":
		ev.Kind = KindResult
		ev.Payload = payload
	case "error":
		ev.Kind = KindError
		ev.Message, ev.Code = errorFields(fields)
	default:
		label := typ
		if label == "" {
			label = "unknown"
		}
		ev.Kind = KindPassthrough
		ev.Label = label
		ev.Payload = payload
	}
	return ev, true
}

func messageContent(fields map[string]json.RawMessage) (string, []Block, bool) {
	raw, ok := fields["message"]
	if !ok || isNull(raw) {
		return "", nil, false
	}
	var msg struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		var text string
		if json.Unmarshal(raw, &text) == nil {
			return "", []Block{TextBlock(text)}, true
		}
		return "", nil, false
	}
	if len(msg.Content) == 0 || isNull(msg.Content) {
		return msg.Role, []Block{}, true
	}
	var blocks []Block
	if err := json.Unmarshal(msg.Content, &blocks); err == nil {
		return msg.Role, blocks, true
	}
	var text string
	if err := json.Unmarshal(msg.Content, &text); err == nil {
		return msg.Role, []Block{TextBlock(text)}, true
	}
	return "", nil, false
}

func errorFields(fields map[string]json.RawMessage) (string, string) {
	message := stringField(fields, "message")
	code := scalarField(fields, "code")
	if raw, ok := fields["error"]; ok {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			if message == "" {
				message = s
			}
		} else {
			var nested map[string]json.RawMessage
			if json.Unmarshal(raw, &nested) == nil {
				if message == "" {
					message = stringField(nested, "message")
				}
				if code == "" {
					code = scalarField(nested, "code")
				}
				if code == "" {
					code = stringField(nested, "type")
				}
			}
		}
	}
	if message == "" {
		message = "agent reported an error"
	}
	return message, code
}

func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// scalarField renders a string or number field as text.
func scalarField(fields map[string]json.RawMessage, key string) string {
	if s := stringField(fields, key); s != "" {
		return s
	}
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if _, err := strconv.ParseFloat(n.String(), 64); err == nil {
			return n.String()
		}
	}
	return ""
}

func rawField(fields map[string]json.RawMessage, key string) json.RawMessage {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func compact(s string) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err != nil {
		return json.RawMessage(s)
	}
	return json.RawMessage(buf.Bytes())
}
