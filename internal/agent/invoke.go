package agent

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"agent-bridge/internal/conversation"
	"agent-bridge/internal/core"
	"agent-bridge/internal/security"
	"agent-bridge/internal/stream"
	"golang.org/x/sys/unix"
)

// process is the active agent invocation of a session. The agent runs in
// its own process group so signals also reach the tools it spawned.
type process struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *process) Signal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return p.cmd.Process.Signal(sig)
	}
	return unix.Kill(-p.cmd.Process.Pid, s)
}

func terminate(s conversation.Signaler, grace time.Duration) {
	if err := s.Signal(syscall.SIGTERM); err != nil {
		return
	}
	p, ok := s.(*process)
	if !ok {
		return
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		_ = p.Signal(syscall.SIGKILL)
	}
}

func buildArgs(opts conversation.Options, defaultModel, token string) []string {
	args := []string{"--print", "--output-format", "stream-json", "--verbose"}
	model := opts.Model
	if model == "" {
		model = defaultModel
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--system-prompt", opts.SystemPrompt)
	}
	if token != "" {
		args = append(args, "--resume", token)
	}
	return args
}

// invoke runs one agent process for text and streams its output. It
// returns once the process has exited and all of its stdout is handled.
func (m *Manager) invoke(lease *conversation.Lease, text string) error {
	id := lease.ID()
	opts, err := lease.Options()
	if err != nil {
		return ErrSessionStopped
	}
	token := lease.ContinuationToken()
	env := m.cfg.EnvPolicy.Filter(m.cfg.HostEnv(), opts.Env)

	path, args, err := m.cfg.Sandbox.Wrap(m.binary, buildArgs(opts, m.cfg.DefaultModel, token), opts.Cwd)
	if err != nil {
		return m.fail(id, fmt.Errorf("sandbox: %w", err))
	}
	cmd := exec.Command(path, args...)
	cmd.Dir = opts.Cwd
	cmd.Env = security.EnvList(env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stderr := core.NewRingBuffer(m.cfg.StderrBytes)
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return m.fail(id, fmt.Errorf("spawn agent: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return m.fail(id, fmt.Errorf("spawn agent: %w", err))
	}

	m.log.Debug("spawning agent", "session_id", id, "path", path, "args", args, "env", security.RedactEnv(env))
	if err := cmd.Start(); err != nil {
		return m.fail(id, fmt.Errorf("spawn agent: %w", err))
	}
	proc := &process{cmd: cmd, done: make(chan struct{})}
	if err := lease.SetActive(proc); err != nil {
		// Stopped between claim and spawn.
		_ = proc.Signal(syscall.SIGKILL)
	}

	go func() {
		_, werr := io.WriteString(stdin, text)
		if werr != nil {
			m.log.Debug("agent stdin write failed", "session_id", id, "err", werr)
		}
		_ = stdin.Close()
	}()

	readErr := stream.ReadLines(stdout, func(line string) {
		m.handleLine(lease, line)
	})
	waitErr := cmd.Wait()
	close(proc.done)
	if readErr != nil {
		m.log.Warn("agent stdout read failed", "session_id", id, "err", readErr)
	}

	tail := stderr.String()
	if tail != "" {
		m.log.Debug("agent stderr", "session_id", id, "tail", tail)
	}
	if !lease.Alive() {
		return ErrSessionStopped
	}
	if waitErr == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return m.fail(id, fmt.Errorf("wait agent: %w", waitErr))
	}
	xe := &ExitError{Code: exitErr.ExitCode(), Stderr: tail}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		xe.Signal = ws.Signal().String()
	}
	return m.fail(id, xe)
}

// fail emits the single error event of a failed send and returns err. Only
// err's message reaches surfaces; stderr stays in the debug log.
func (m *Manager) fail(id string, err error) error {
	m.log.Warn("agent send failed", "session_id", id, "err", err)
	m.emit(core.NewEnvelope(core.EventError, id).WithData(errorPayload{Message: err.Error()}))
	return err
}

// handleLine classifies one stdout line of the leased session's agent. Lines
// from a process whose session was stopped are dropped.
func (m *Manager) handleLine(lease *conversation.Lease, line string) {
	id := lease.ID()
	if !lease.Alive() {
		m.log.Debug("drop output of stopped session", "session_id", id)
		return
	}
	ev, ok := stream.Classify(line, id)
	if !ok {
		return
	}
	if ev.Correlator != "" {
		if set, _ := lease.SetContinuationToken(ev.Correlator); set {
			m.log.Info("continuation token set", "session_id", id)
		}
	}

	switch ev.Kind {
	case stream.KindSystem:
		status := ev.Status
		if status == "" {
			status = "system"
		}
		m.emit(core.NewEnvelope(core.EventSystem, id).WithData(statusPayload{Status: status, Ready: ev.Ready}))
	case stream.KindMessage:
		entry := conversation.Entry{Role: ev.Role, Content: ev.Content, ToolUseID: ev.ToolUseID}
		if err := lease.Append(entry); err != nil {
			m.log.Debug("drop message for stopped session", "session_id", id)
			return
		}
		m.emit(core.NewEnvelope(core.EventData, id).WithData(dataPayload{
			Kind:      "message",
			Role:      ev.Role,
			Content:   ev.Content,
			ToolUseID: ev.ToolUseID,
		}))
	case stream.KindResult:
		m.emit(core.NewEnvelope(core.EventResult, id).WithData(resultPayload{Result: ev.Payload}))
	case stream.KindError:
		m.emit(core.NewEnvelope(core.EventError, id).WithData(errorPayload{Message: ev.Message, Code: ev.Code}))
	default:
		m.emit(core.NewEnvelope(core.EventData, id).WithData(dataPayload{
			Kind:    "passthrough",
			Label:   ev.Label,
			Payload: ev.Payload,
			Raw:     ev.Raw,
		}))
	}
}
