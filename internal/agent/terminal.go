package agent

import (
	"encoding/base64"
	"fmt"

	"agent-bridge/internal/core"
	"agent-bridge/internal/pty"
	"agent-bridge/internal/security"
)

// TerminalRequest opens the agent binary under a pseudo-terminal, for
// interactive use such as logging in.
type TerminalRequest struct {
	Cwd  string            `json:"cwd"`
	Args []string          `json:"args,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
	Cols uint16            `json:"cols,omitempty"`
	Rows uint16            `json:"rows,omitempty"`
}

func (m *Manager) OpenTerminal(id string, req TerminalRequest) error {
	if id == "" {
		return fmt.Errorf("terminal: missing id")
	}
	m.termMu.Lock()
	if _, ok := m.terminals[id]; ok {
		m.termMu.Unlock()
		return fmt.Errorf("%w: %s", ErrTerminalExists, id)
	}
	if _, ok := m.opening[id]; ok {
		m.termMu.Unlock()
		return fmt.Errorf("%w: %s", ErrTerminalExists, id)
	}
	m.opening[id] = struct{}{}
	m.termMu.Unlock()
	defer func() {
		m.termMu.Lock()
		delete(m.opening, id)
		m.termMu.Unlock()
	}()

	if m.isClosed() {
		return ErrManagerClosed
	}
	cwd, err := m.checkCwd(req.Cwd)
	if err != nil {
		m.emit(core.ErrorEnvelope(id, "reject_cwd: "+err.Error()))
		return err
	}
	args := req.Args
	if len(args) == 0 {
		args = m.cfg.TerminalArgs
	}
	env := m.cfg.EnvPolicy.Filter(m.cfg.HostEnv(), req.Env)
	if _, ok := env["TERM"]; !ok {
		env["TERM"] = "xterm-256color"
	}
	path, args, err := m.cfg.Sandbox.Wrap(m.binary, args, cwd)
	if err != nil {
		return err
	}

	m.log.Debug("opening terminal", "terminal_id", id, "path", path, "args", args, "env", security.RedactEnv(env))
	sess, err := pty.Start(pty.Spec{
		ID:   id,
		Cwd:  cwd,
		Path: path,
		Args: args,
		Env:  security.EnvList(env),
		Cols: req.Cols,
		Rows: req.Rows,
	})
	if err != nil {
		m.emit(core.ErrorEnvelope(id, "terminal start failed: "+err.Error()))
		return err
	}

	m.termMu.Lock()
	if m.isClosed() {
		// Close already collected the open terminals.
		m.termMu.Unlock()
		go sess.ReadLoop(func(uint64, []byte) {}, func(pty.Exit) {})
		sess.Stop(m.cfg.StopGrace)
		return ErrManagerClosed
	}
	m.terminals[id] = sess
	m.termMu.Unlock()
	m.cfg.Audit.Log(core.AuditEvent{SessionID: id, Kind: "terminal_open", Meta: map[string]any{"cwd": cwd}})

	go sess.ReadLoop(func(seq uint64, chunk []byte) {
		msg := core.NewEnvelope(core.EventTerminal, id)
		msg.Seq = seq
		msg.DataB64 = base64.StdEncoding.EncodeToString(chunk)
		m.emit(msg)
	}, func(exit pty.Exit) {
		m.termMu.Lock()
		delete(m.terminals, id)
		m.termMu.Unlock()
		m.log.Info("terminal exited", "terminal_id", id, "reason", exit.Reason, "signal", exit.Signal)
		m.emit(core.NewEnvelope(core.EventTerminalExit, id).WithData(exit))
	})
	return nil
}

func (m *Manager) terminal(id string) (*pty.Session, error) {
	m.termMu.Lock()
	defer m.termMu.Unlock()
	sess := m.terminals[id]
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrTerminalNotFound, id)
	}
	return sess, nil
}

func (m *Manager) WriteTerminal(id string, data []byte) error {
	sess, err := m.terminal(id)
	if err != nil {
		return err
	}
	return sess.Write(data)
}

func (m *Manager) ResizeTerminal(id string, cols, rows uint16) error {
	sess, err := m.terminal(id)
	if err != nil {
		return err
	}
	return sess.Resize(cols, rows)
}

// CloseTerminal asks the terminal process to exit. terminalExit follows
// once it has.
func (m *Manager) CloseTerminal(id string) error {
	sess, err := m.terminal(id)
	if err != nil {
		return err
	}
	m.cfg.Audit.Log(core.AuditEvent{SessionID: id, Kind: "terminal_close"})
	go sess.Stop(m.cfg.StopGrace)
	return nil
}
