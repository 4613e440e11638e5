package conversation

import (
	"fmt"
	"maps"
)

// Lease is held by the goroutine running a session's sends. It refers to the
// session instance that accepted the send, not to its id: once that instance
// is destroyed every write through the lease is dropped, even if a new
// session has been created under the same id.
type Lease struct {
	store *Store
	sess  *session
}

func (l *Lease) ID() string { return l.sess.id }

// Alive reports whether the leased session has not been destroyed.
func (l *Lease) Alive() bool {
	l.sess.mu.Lock()
	defer l.sess.mu.Unlock()
	return !l.sess.destroyed
}

func (l *Lease) gone() error {
	return fmt.Errorf("%w: %s", ErrSessionNotFound, l.sess.id)
}

func (l *Lease) Options() (Options, error) {
	l.sess.mu.Lock()
	defer l.sess.mu.Unlock()
	if l.sess.destroyed {
		return Options{}, l.gone()
	}
	opts := l.sess.opts
	opts.Env = maps.Clone(opts.Env)
	return opts, nil
}

func (l *Lease) ContinuationToken() string {
	l.sess.mu.Lock()
	defer l.sess.mu.Unlock()
	return l.sess.token
}

func (l *Lease) Append(entry Entry) error {
	l.sess.mu.Lock()
	defer l.sess.mu.Unlock()
	if l.sess.destroyed {
		return l.gone()
	}
	l.store.appendLocked(l.sess, entry)
	return nil
}

// SetContinuationToken stores token only if none is set yet and the session
// is still alive.
func (l *Lease) SetContinuationToken(token string) (bool, error) {
	l.sess.mu.Lock()
	defer l.sess.mu.Unlock()
	if l.sess.destroyed {
		return false, l.gone()
	}
	return l.store.setTokenLocked(l.sess, token), nil
}

// SetActive records the running process so Destroy can signal it.
func (l *Lease) SetActive(proc Signaler) error {
	l.sess.mu.Lock()
	defer l.sess.mu.Unlock()
	if l.sess.destroyed {
		return l.gone()
	}
	l.sess.active = proc
	return nil
}

// Release ends the current send. If the backlog is non-empty the session
// stays claimed and the next pending send is returned. A destroyed session
// never yields more work.
func (l *Lease) Release() (*Pending, bool) {
	sess := l.sess
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.destroyed {
		return nil, false
	}
	sess.active = nil
	if len(sess.backlog) == 0 {
		sess.processing = false
		return nil, false
	}
	next := sess.backlog[0]
	sess.backlog[0] = nil
	sess.backlog = sess.backlog[1:]
	return next, true
}
