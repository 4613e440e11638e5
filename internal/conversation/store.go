// Package conversation keeps per-session conversational state: transcript,
// continuation token, and the bookkeeping that serializes sends.
package conversation

import (
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"
)

const DefaultMaxBacklog = 64

type Config struct {
	// MaxBacklog bounds queued sends per session. Zero means DefaultMaxBacklog.
	MaxBacklog int
	// Journal, when set, receives every transcript entry and token.
	Journal Journal
	Logger  *slog.Logger
}

type session struct {
	id          string
	opts        Options
	createdAtMS int64

	mu         sync.Mutex
	token      string
	transcript []Entry
	processing bool
	backlog    []*Pending
	active     Signaler
	destroyed  bool
}

type Store struct {
	cfg Config
	log *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

func NewStore(cfg Config) *Store {
	if cfg.MaxBacklog <= 0 {
		cfg.MaxBacklog = DefaultMaxBacklog
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cfg:      cfg,
		log:      logger,
		sessions: make(map[string]*session),
	}
}

// Create registers a new session. If a journal holds history for id, the
// transcript and continuation token are restored from it.
func (s *Store) Create(id string, opts Options) (Snapshot, error) {
	if id == "" {
		return Snapshot{}, ErrMissingID
	}
	opts.Env = maps.Clone(opts.Env)
	sess := &session{
		id:          id,
		opts:        opts,
		createdAtMS: time.Now().UnixMilli(),
	}

	// Hold the session lock until history is restored so nobody observes or
	// appends to a half-loaded transcript.
	sess.mu.Lock()
	defer sess.mu.Unlock()

	s.mu.Lock()
	if _, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	s.sessions[id] = sess
	s.mu.Unlock()

	if s.cfg.Journal != nil {
		entries, token, err := s.cfg.Journal.Load(id)
		if err != nil {
			sess.destroyed = true
			s.mu.Lock()
			if s.sessions[id] == sess {
				delete(s.sessions, id)
			}
			s.mu.Unlock()
			return Snapshot{}, fmt.Errorf("load journal for %s: %w", id, err)
		}
		sess.transcript = entries
		sess.token = token
	}
	return sess.snapshotLocked(), nil
}

func (s *Store) get(id string) (*session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

func (s *Store) Exists(id string) bool {
	_, err := s.get(id)
	return err == nil
}

func (s *Store) Options(id string) (Options, error) {
	sess, err := s.get(id)
	if err != nil {
		return Options{}, err
	}
	opts := sess.opts
	opts.Env = maps.Clone(opts.Env)
	return opts, nil
}

// Append adds entry to the end of the session transcript.
func (s *Store) Append(id string, entry Entry) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	s.appendLocked(sess, entry)
	return nil
}

func (s *Store) appendLocked(sess *session, entry Entry) {
	if entry.TsMS == 0 {
		entry.TsMS = time.Now().UnixMilli()
	}
	entry = entry.clone()
	seq := len(sess.transcript)
	sess.transcript = append(sess.transcript, entry)
	if s.cfg.Journal != nil {
		if err := s.cfg.Journal.AppendEntry(sess.id, seq, entry); err != nil {
			s.log.Warn("journal append failed", "session_id", sess.id, "seq", seq, "err", err)
		}
	}
}

// Transcript returns a copy of the transcript in insertion order.
func (s *Store) Transcript(id string) ([]Entry, error) {
	sess, err := s.get(id)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make([]Entry, len(sess.transcript))
	for i, e := range sess.transcript {
		out[i] = e.clone()
	}
	return out, nil
}

// SetContinuationToken stores token only if none is set yet. It reports
// whether this call set it.
func (s *Store) SetContinuationToken(id, token string) (bool, error) {
	sess, err := s.get(id)
	if err != nil {
		return false, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return s.setTokenLocked(sess, token), nil
}

func (s *Store) setTokenLocked(sess *session, token string) bool {
	if token == "" || sess.token != "" {
		return false
	}
	sess.token = token
	if s.cfg.Journal != nil {
		if err := s.cfg.Journal.SetToken(sess.id, token); err != nil {
			s.log.Warn("journal token write failed", "session_id", sess.id, "err", err)
		}
	}
	return true
}

func (s *Store) ContinuationToken(id string) (string, error) {
	sess, err := s.get(id)
	if err != nil {
		return "", err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.token, nil
}

// Acquire claims the session for p. It returns true when the caller should
// run p now; otherwise p was queued behind the active send. The lease binds
// the caller to this session instance.
func (s *Store) Acquire(id string, p *Pending) (*Lease, bool, error) {
	sess, err := s.get(id)
	if err != nil {
		return nil, false, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	start, err := s.acquireLocked(sess, p)
	if err != nil {
		return nil, false, err
	}
	return &Lease{store: s, sess: sess}, start, nil
}

// Enqueue records the user's entry and claims or queues p in one step, so
// transcript order always matches execution order. Nothing is recorded
// when the backlog is full.
func (s *Store) Enqueue(id string, entry Entry, p *Pending) (*Lease, bool, error) {
	sess, err := s.get(id)
	if err != nil {
		return nil, false, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.processing && len(sess.backlog) >= s.cfg.MaxBacklog {
		return nil, false, fmt.Errorf("%w: %d pending", ErrBacklogFull, len(sess.backlog))
	}
	s.appendLocked(sess, entry)
	start, err := s.acquireLocked(sess, p)
	if err != nil {
		return nil, false, err
	}
	return &Lease{store: s, sess: sess}, start, nil
}

func (s *Store) acquireLocked(sess *session, p *Pending) (bool, error) {
	if !sess.processing {
		sess.processing = true
		return true, nil
	}
	if len(sess.backlog) >= s.cfg.MaxBacklog {
		return false, fmt.Errorf("%w: %d pending", ErrBacklogFull, len(sess.backlog))
	}
	sess.backlog = append(sess.backlog, p)
	return false, nil
}

func (s *Store) Active(id string) (Signaler, error) {
	sess, err := s.get(id)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.active, nil
}

// Destroy removes the session and hands back its active process and any
// sends that never started.
func (s *Store) Destroy(id string) (Signaler, []*Pending, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	abandoned := sess.backlog
	active := sess.active
	sess.backlog = nil
	sess.active = nil
	sess.processing = false
	sess.destroyed = true
	return active, abandoned, nil
}

func (s *Store) Snapshot(id string) (Snapshot, error) {
	sess, err := s.get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return sess.snapshot(), nil
}

// List returns snapshots ordered by creation time, newest first.
func (s *Store) List() []Snapshot {
	s.mu.RLock()
	all := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.RUnlock()

	items := make([]Snapshot, 0, len(all))
	for _, sess := range all {
		items = append(items, sess.snapshot())
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAtMS == items[j].CreatedAtMS {
			return items[i].SessionID < items[j].SessionID
		}
		return items[i].CreatedAtMS > items[j].CreatedAtMS
	})
	return items
}

func (s *session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *session) snapshotLocked() Snapshot {
	status := StatusReady
	if s.processing {
		status = StatusProcessing
	}
	return Snapshot{
		SessionID:         s.id,
		Cwd:               s.opts.Cwd,
		Model:             s.opts.Model,
		Status:            status,
		ContinuationToken: s.token,
		Backlog:           len(s.backlog),
		Entries:           len(s.transcript),
		CreatedAtMS:       s.createdAtMS,
	}
}
