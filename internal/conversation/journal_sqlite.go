package conversation

import (
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agent-bridge/internal/stream"

	_ "modernc.org/sqlite"
)

type SQLiteJournal struct {
	db *sql.DB
}

func OpenSQLiteJournal(path string) (*SQLiteJournal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path required")
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteJournal{db: db}, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	_, _ = db.Exec(`PRAGMA journal_mode = WAL;`)
	_, _ = db.Exec(`PRAGMA synchronous = NORMAL;`)
	_, _ = db.Exec(`PRAGMA busy_timeout = 5000;`)
	return db, nil
}

func ensureSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS transcript_entries (
  session_id TEXT NOT NULL,
  seq INTEGER NOT NULL,
  role TEXT NOT NULL,
  tool_use_id TEXT NOT NULL,
  content TEXT NOT NULL,
  ts_ms INTEGER NOT NULL,
  PRIMARY KEY (session_id, seq)
);
CREATE TABLE IF NOT EXISTS continuation_tokens (
  session_id TEXT PRIMARY KEY,
  token TEXT NOT NULL,
  set_at_ms INTEGER NOT NULL
);
`)
	return err
}

func (j *SQLiteJournal) AppendEntry(sessionID string, seq int, entry Entry) error {
	content, err := json.Marshal(entry.Content)
	if err != nil {
		return err
	}
	_, err = j.db.Exec(
		`INSERT OR REPLACE INTO transcript_entries (session_id, seq, role, tool_use_id, content, ts_ms)
VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID,
		seq,
		string(entry.Role),
		entry.ToolUseID,
		string(content),
		entry.TsMS,
	)
	return err
}

// SetToken keeps the first token recorded for a session.
func (j *SQLiteJournal) SetToken(sessionID, token string) error {
	_, err := j.db.Exec(
		`INSERT OR IGNORE INTO continuation_tokens (session_id, token, set_at_ms) VALUES (?, ?, ?)`,
		sessionID,
		token,
		time.Now().UnixMilli(),
	)
	return err
}

func (j *SQLiteJournal) Load(sessionID string) ([]Entry, string, error) {
	rows, err := j.db.Query(`
SELECT role, tool_use_id, content, ts_ms
FROM transcript_entries
WHERE session_id = ?
ORDER BY seq ASC
`, sessionID)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			role    string
			content string
		)
		if err := rows.Scan(&role, &e.ToolUseID, &content, &e.TsMS); err != nil {
			return nil, "", err
		}
		e.Role = stream.Role(role)
		if err := json.Unmarshal([]byte(content), &e.Content); err != nil {
			return nil, "", err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	var token string
	err = j.db.QueryRow(`SELECT token FROM continuation_tokens WHERE session_id = ?`, sessionID).Scan(&token)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, "", err
	}
	return entries, token, nil
}

func (j *SQLiteJournal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}
