package conversation

import "errors"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrBacklogFull     = errors.New("session backlog full")
	ErrMissingID       = errors.New("missing session_id")
)
