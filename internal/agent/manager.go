// Package agent runs the agent binary for bridge sessions: one subprocess
// per send, serialized per session, with its classified output fanned out
// to display surfaces.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"agent-bridge/internal/conversation"
	"agent-bridge/internal/core"
	"agent-bridge/internal/pty"
	"agent-bridge/internal/sandbox"
	"agent-bridge/internal/security"
	"agent-bridge/internal/stream"
)

const (
	DefaultStopGrace   = 3 * time.Second
	DefaultStderrBytes = 64 * 1024
	maxResumeIDLen     = 128
)

// Dispatcher receives every outbound event. *router.Router satisfies it.
type Dispatcher interface {
	Dispatch(msg core.Envelope) int
}

type Config struct {
	// BinaryOverride, when set, is used as the agent executable as is.
	BinaryOverride string
	// Candidates are probed when there is no override. Nil means
	// DefaultCandidates.
	Candidates   []string
	DefaultModel string
	// AllowRoots restricts session working directories. Empty allows any
	// existing directory.
	AllowRoots []string
	EnvPolicy  security.EnvPolicy
	// HostEnv supplies the source environment for every spawn. Nil means
	// the bridge's own environment.
	HostEnv   func() map[string]string
	Sandbox   *sandbox.BwrapBuilder
	StopGrace time.Duration
	// StderrBytes bounds the stderr tail kept per invocation.
	StderrBytes int
	// TerminalArgs are passed to the agent binary for terminal sessions.
	TerminalArgs []string

	Store  *conversation.Store
	Out    Dispatcher
	Audit  *core.AuditLogger
	Logger *slog.Logger
}

type StartRequest struct {
	Cwd          string            `json:"cwd"`
	Model        string            `json:"model,omitempty"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	// ResumeID seeds the continuation token of a new session.
	ResumeID       string       `json:"resume_id,omitempty"`
	InitialMessage *SendRequest `json:"initial_message,omitempty"`
}

type Manager struct {
	cfg    Config
	binary string
	store  *conversation.Store
	log    *slog.Logger

	termMu    sync.Mutex
	terminals map[string]*pty.Session
	opening   map[string]struct{}

	lifeMu   sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

func NewManager(cfg Config) *Manager {
	if cfg.Candidates == nil {
		cfg.Candidates = DefaultCandidates
	}
	if cfg.EnvPolicy.Keys == nil {
		cfg.EnvPolicy = security.NewEnvPolicy(nil, "")
	}
	if cfg.HostEnv == nil {
		cfg.HostEnv = security.HostEnv
	}
	if cfg.Sandbox == nil {
		cfg.Sandbox = sandbox.NewBwrapBuilder(sandbox.Config{})
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.StderrBytes <= 0 {
		cfg.StderrBytes = DefaultStderrBytes
	}
	if cfg.Store == nil {
		cfg.Store = conversation.NewStore(conversation.Config{Logger: cfg.Logger})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:       cfg,
		binary:    ResolveBinary(cfg.BinaryOverride, cfg.Candidates),
		store:     cfg.Store,
		log:       logger,
		terminals: make(map[string]*pty.Session),
		opening:   make(map[string]struct{}),
	}
	m.log.Info("agent binary resolved", "path", m.binary)
	return m
}

// Binary is the agent executable chosen at construction.
func (m *Manager) Binary() string {
	return m.binary
}

func (m *Manager) Store() *conversation.Store {
	return m.store
}

// Start creates session id. The session is ready at once: the agent is
// spawned per send, not per session.
func (m *Manager) Start(id string, req StartRequest) error {
	if id == "" {
		return conversation.ErrMissingID
	}
	if m.isClosed() {
		return ErrManagerClosed
	}
	cwd, err := m.checkCwd(req.Cwd)
	if err != nil {
		m.emit(core.ErrorEnvelope(id, "reject_cwd: "+err.Error()))
		return err
	}
	resumeID, err := validateResumeID(req.ResumeID)
	if err != nil {
		m.emit(core.ErrorEnvelope(id, err.Error()))
		return err
	}

	opts := conversation.Options{
		Cwd:          cwd,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		Env:          req.Env,
	}
	if _, err := m.store.Create(id, opts); err != nil {
		return err
	}
	if resumeID != "" {
		if _, err := m.store.SetContinuationToken(id, resumeID); err != nil {
			return err
		}
	}

	m.cfg.Audit.Log(core.AuditEvent{SessionID: id, Kind: "session_start", Meta: map[string]any{"cwd": cwd, "model": req.Model}})
	m.log.Info("session started", "session_id", id, "cwd", cwd, "model", req.Model)
	m.emitStatus(id, "initializing", false)
	m.emitStatus(id, "ready", true)
	m.emitSessions()

	if req.InitialMessage != nil {
		p, err := m.submit(id, *req.InitialMessage)
		if err != nil {
			return fmt.Errorf("initial message: %w", err)
		}
		go func() {
			if err := <-p.Done; err != nil {
				m.log.Warn("initial message failed", "session_id", id, "err", err)
			}
		}()
	}
	return nil
}

// checkCwd validates cwd against the allow roots and returns the resolved
// directory processes should run in.
func (m *Manager) checkCwd(cwd string) (string, error) {
	if strings.TrimSpace(cwd) == "" {
		return "", errors.New("cwd is required")
	}
	if len(m.cfg.AllowRoots) == 0 {
		return security.ResolveCWD(cwd, []string{"/"})
	}
	return security.ResolveCWD(cwd, m.cfg.AllowRoots)
}

func validateResumeID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if len(id) > maxResumeIDLen {
		return "", fmt.Errorf("%w: too long", ErrInvalidResumeID)
	}
	for _, r := range id {
		if unicode.IsSpace(r) {
			return "", fmt.Errorf("%w: contains whitespace", ErrInvalidResumeID)
		}
	}
	return id, nil
}

// Send delivers a message to session id and waits for its agent invocation
// to finish. Sends on one session run strictly in arrival order. Cancelling
// ctx stops the wait, not the invocation.
func (m *Manager) Send(ctx context.Context, id string, req SendRequest) error {
	p, err := m.submit(id, req)
	if err != nil {
		return err
	}
	select {
	case err := <-p.Done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) submit(id string, req SendRequest) (*conversation.Pending, error) {
	if !m.track() {
		return nil, ErrManagerClosed
	}
	started := false
	defer func() {
		if !started {
			m.inflight.Done()
		}
	}()

	opts, err := m.store.Options(id)
	if err != nil {
		m.log.Warn("send to unknown session", "session_id", id)
		return nil, err
	}
	text := BuildMessage(opts.Cwd, req)
	entry := conversation.Entry{
		Role:    stream.RoleUser,
		Content: []stream.Block{stream.TextBlock(text)},
	}
	p := conversation.NewPending(text)
	lease, start, err := m.store.Enqueue(id, entry, p)
	if err != nil {
		return nil, err
	}
	m.cfg.Audit.Log(core.AuditEvent{SessionID: id, Kind: "send", Meta: core.TextDigest(text)})
	if start {
		started = true
		go m.drain(lease, p)
	} else {
		m.log.Debug("send queued", "session_id", id)
		m.emitSessions()
	}
	return p, nil
}

// drain runs p and then every send queued behind it. It works through the
// lease, so once its session is stopped it cannot pick up work from a new
// session that reuses the id.
func (m *Manager) drain(lease *conversation.Lease, p *conversation.Pending) {
	defer m.inflight.Done()
	for p != nil {
		err := m.invoke(lease, p.Text)
		next, _ := lease.Release()
		p.Done <- err
		m.emitSessions()
		p = next
	}
}

// track registers in-flight work unless the manager is closing.
func (m *Manager) track() bool {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.closed {
		return false
	}
	m.inflight.Add(1)
	return true
}

func (m *Manager) isClosed() bool {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	return m.closed
}

// Stop destroys session id. The active agent gets SIGTERM, then SIGKILL
// after the grace period; queued sends resolve with ErrSessionStopped.
func (m *Manager) Stop(id string) error {
	active, abandoned, err := m.store.Destroy(id)
	if err != nil {
		m.log.Warn("stop unknown session", "session_id", id)
		return err
	}
	if active != nil {
		go terminate(active, m.cfg.StopGrace)
	}
	for _, p := range abandoned {
		p.Done <- ErrSessionStopped
	}
	m.cfg.Audit.Log(core.AuditEvent{SessionID: id, Kind: "session_stop", Meta: map[string]any{"abandoned": len(abandoned)}})
	m.log.Info("session stopped", "session_id", id, "was_active", active != nil, "abandoned", len(abandoned))
	m.emitStatus(id, string(conversation.StatusStopped), false)
	m.emitSessions()
	return nil
}

// Close stops every session and terminal and returns once their processes
// have exited and every pending send has resolved. Later calls to Start,
// Send and OpenTerminal fail with ErrManagerClosed.
func (m *Manager) Close() {
	m.lifeMu.Lock()
	m.closed = true
	m.lifeMu.Unlock()

	for _, snap := range m.store.List() {
		_ = m.Stop(snap.SessionID)
	}
	m.termMu.Lock()
	terms := make([]*pty.Session, 0, len(m.terminals))
	for _, t := range m.terminals {
		terms = append(terms, t)
	}
	m.termMu.Unlock()
	for _, t := range terms {
		go t.Stop(m.cfg.StopGrace)
	}
	for _, t := range terms {
		<-t.Done()
	}
	m.inflight.Wait()
}

func (m *Manager) Transcript(id string) ([]conversation.Entry, error) {
	return m.store.Transcript(id)
}

func (m *Manager) Sessions() []conversation.Snapshot {
	return m.store.List()
}

func (m *Manager) emit(msg core.Envelope) {
	if m.cfg.Out == nil {
		return
	}
	m.cfg.Out.Dispatch(msg)
}

func (m *Manager) emitStatus(id, status string, ready bool) {
	m.emit(core.NewEnvelope(core.EventSystem, id).WithData(statusPayload{Status: status, Ready: ready}))
}

func (m *Manager) emitSessions() {
	m.emit(core.NewEnvelope(core.EventSessionsUpdated, "").WithData(sessionsPayload{Sessions: m.store.List()}))
}
