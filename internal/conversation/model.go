package conversation

import (
	"os"
	"slices"

	"agent-bridge/internal/stream"
)

type Status string

const (
	StatusReady      Status = "ready"
	StatusProcessing Status = "processing"
	StatusStopped    Status = "stopped"
)

// Entry is one transcript record. Entries are append-only.
type Entry struct {
	Role      stream.Role    `json:"role"`
	Content   []stream.Block `json:"content"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	TsMS      int64          `json:"ts_ms"`
}

func (e Entry) clone() Entry {
	e.Content = slices.Clone(e.Content)
	return e
}

type Options struct {
	Cwd          string            `json:"cwd"`
	Model        string            `json:"model,omitempty"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	Env          map[string]string `json:"-"`
}

// Pending is a send waiting for its turn. Done receives exactly one value.
type Pending struct {
	Text string
	Done chan error
}

func NewPending(text string) *Pending {
	return &Pending{Text: text, Done: make(chan error, 1)}
}

// Signaler is the handle of a running agent process.
type Signaler interface {
	Signal(sig os.Signal) error
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	SessionID         string `json:"session_id"`
	Cwd               string `json:"cwd"`
	Model             string `json:"model,omitempty"`
	Status            Status `json:"status"`
	ContinuationToken string `json:"resume_id,omitempty"`
	Backlog           int    `json:"backlog"`
	Entries           int    `json:"entries"`
	CreatedAtMS       int64  `json:"created_at_ms"`
}
