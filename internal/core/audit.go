package core

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

type AuditEvent struct {
	TsMS      int64          `json:"ts_ms"`
	Actor     string         `json:"actor"`
	SessionID string         `json:"session_id,omitempty"`
	Kind      string         `json:"kind"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// AuditLogger appends one JSON line per event. A nil *AuditLogger discards
// everything, so callers never need to check whether auditing is enabled.
type AuditLogger struct {
	mu   sync.Mutex
	file *os.File
}

func NewAuditLogger(path string) (*AuditLogger, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &AuditLogger{file: f}, nil
}

func (a *AuditLogger) Close() error {
	if a == nil || a.file == nil {
		return nil
	}
	return a.file.Close()
}

func (a *AuditLogger) Log(event AuditEvent) {
	if a == nil || a.file == nil {
		return
	}
	if event.TsMS == 0 {
		event.TsMS = time.Now().UnixMilli()
	}
	line, err := json.Marshal(event)
	if err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_, _ = a.file.Write(append(line, '\n'))
}

// TextDigest describes user text for the audit trail without recording it.
func TextDigest(text string) map[string]any {
	sum := blake3.Sum256([]byte(text))
	return map[string]any{
		"size":   len(text),
		"blake3": hex.EncodeToString(sum[:]),
	}
}
