// Package pty runs a command attached to a pseudo-terminal.
package pty

import (
	"errors"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

type Spec struct {
	ID   string
	Cwd  string
	Path string
	Args []string
	// Env is the complete environment, already filtered by the caller.
	Env  []string
	Cols uint16
	Rows uint16
}

// Exit describes how the terminal process ended. Code is nil when the exit
// status is unknown.
type Exit struct {
	Code   *int   `json:"exit_code,omitempty"`
	Signal string `json:"signal,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type Session struct {
	ID  string
	Cwd string

	mu     sync.RWMutex
	cmd    *exec.Cmd
	ptmx   *os.File
	seq    uint64
	closed chan struct{}
	exited chan struct{}
}

func Start(spec Spec) (*Session, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Cwd
	cmd.Env = append([]string(nil), spec.Env...)
	if spec.Cols > 0 && spec.Rows > 0 {
		cmd.Env = append(cmd.Env,
			"COLUMNS="+strconv.Itoa(int(spec.Cols)),
			"LINES="+strconv.Itoa(int(spec.Rows)),
		)
	}

	var size *pty.Winsize
	if spec.Cols > 0 && spec.Rows > 0 {
		size = &pty.Winsize{Cols: spec.Cols, Rows: spec.Rows}
	}
	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, err
	}

	return &Session{
		ID:     spec.ID,
		Cwd:    spec.Cwd,
		cmd:    cmd,
		ptmx:   ptmx,
		closed: make(chan struct{}),
		exited: make(chan struct{}),
	}, nil
}

// drainTimeout bounds how long buffered output is read after the process
// has exited before the terminal is closed.
const drainTimeout = 500 * time.Millisecond

// ReadLoop forwards terminal output until the process exits. onExit runs
// once, after the process has been reaped and its output drained.
func (s *Session) ReadLoop(onChunk func(seq uint64, chunk []byte), onExit func(Exit)) {
	s.mu.RLock()
	ptmx := s.ptmx
	s.mu.RUnlock()

	readerDone := make(chan struct{})
	go func() {
		exit := s.wait()
		close(s.exited)
		select {
		case <-readerDone:
		case <-time.After(drainTimeout):
		}
		s.Close()
		<-readerDone
		onExit(exit)
	}()

	defer close(readerDone)
	buf := make([]byte, 4096)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			onChunk(s.nextSeq(), chunk)
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) wait() Exit {
	err := s.cmd.Wait()
	exit := Exit{Reason: "exited"}
	if err != nil {
		var ex *exec.ExitError
		if errors.As(err, &ex) {
			code := ex.ExitCode()
			exit.Code = &code
			if ws, ok := ex.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				exit.Signal = ws.Signal().String()
				exit.Code = nil
			}
		} else {
			exit.Reason = err.Error()
		}
	} else if s.cmd.ProcessState != nil {
		code := s.cmd.ProcessState.ExitCode()
		exit.Code = &code
	}
	return exit
}

func (s *Session) Write(p []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ptmx == nil {
		return errors.New("terminal closed")
	}
	_, err := s.ptmx.Write(p)
	return err
}

func (s *Session) Resize(cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return errors.New("invalid terminal size")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ptmx == nil {
		return errors.New("terminal closed")
	}
	return pty.Setsize(s.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Stop sends SIGTERM and kills the process if it is still running after grace.
func (s *Session) Stop(grace time.Duration) {
	if grace <= 0 {
		grace = 3 * time.Second
	}
	s.mu.RLock()
	proc := s.cmd.Process
	s.mu.RUnlock()
	if proc == nil {
		return
	}
	_ = proc.Signal(syscall.SIGTERM)
	select {
	case <-s.exited:
	case <-time.After(grace):
		_ = proc.Kill()
	}
}

func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return
	default:
		close(s.closed)
	}
	if s.ptmx != nil {
		_ = s.ptmx.Close()
		s.ptmx = nil
	}
}

func (s *Session) Done() <-chan struct{} {
	return s.exited
}

func (s *Session) nextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}
