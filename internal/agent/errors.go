package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionStopped resolves sends that were active or queued when
	// their session was stopped.
	ErrSessionStopped   = errors.New("session stopped")
	ErrTerminalNotFound = errors.New("terminal not found")
	ErrTerminalExists   = errors.New("terminal already exists")
	ErrInvalidResumeID  = errors.New("invalid resume id")
	ErrManagerClosed    = errors.New("agent manager closed")
)

// ExitError reports an agent process that ended abnormally.
type ExitError struct {
	Code   int
	Signal string
	// Stderr is the tail of the process's standard error. It is kept for
	// the caller and the debug log and never forwarded to surfaces.
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return "agent terminated by signal " + e.Signal
	}
	return fmt.Sprintf("agent exited with status %d", e.Code)
}
