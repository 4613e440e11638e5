package agent

import (
	"path/filepath"
	"strings"

	"agent-bridge/internal/security"
)

// FallbackText is sent when a message has no text and no attachments, so
// the agent never reads an empty stdin.
const FallbackText = "Please continue with the current task."

type Attachment struct {
	Name string `json:"name,omitempty"`
	Path string `json:"path,omitempty"`
}

type SendRequest struct {
	Message string       `json:"message"`
	Files   []Attachment `json:"files,omitempty"`
	Images  []Attachment `json:"images,omitempty"`
}

// BuildMessage renders the agent's stdin: attached files, attached images,
// then the message text. Paths are resolved against cwd; a path that
// escapes cwd is rendered by name only.
func BuildMessage(cwd string, req SendRequest) string {
	var sections []string
	if s := renderAttachments("Attached files:", cwd, req.Files); s != "" {
		sections = append(sections, s)
	}
	if s := renderAttachments("Attached images:", cwd, req.Images); s != "" {
		sections = append(sections, s)
	}
	if text := strings.TrimSpace(req.Message); text != "" {
		sections = append(sections, req.Message)
	}
	if len(sections) == 0 {
		return FallbackText
	}
	return strings.Join(sections, "\n\n")
}

func renderAttachments(title, cwd string, items []Attachment) string {
	var lines []string
	for _, a := range items {
		if line := renderAttachment(cwd, a); line != "" {
			lines = append(lines, "- "+line)
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return title + "\n" + strings.Join(lines, "\n")
}

func renderAttachment(cwd string, a Attachment) string {
	name := strings.TrimSpace(a.Name)
	path := strings.TrimSpace(a.Path)
	if path == "" {
		return name
	}
	if name == "" {
		name = filepath.Base(path)
	}
	resolved, ok := security.ResolveInside(cwd, path)
	if !ok {
		return name
	}
	if filepath.Base(resolved) == name {
		return resolved
	}
	return name + " (" + resolved + ")"
}
