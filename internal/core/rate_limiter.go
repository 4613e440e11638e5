package core

import (
	"sync"
	"time"
)

type window struct {
	start time.Time
	count int
}

// RateLimiter admits at most limit calls per key in each fixed window.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	span    time.Duration
	now     func() time.Time
	windows map[string]window
}

func NewRateLimiter(limit int, span time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 600
	}
	if span <= 0 {
		span = time.Minute
	}
	return &RateLimiter{
		limit:   limit,
		span:    span,
		now:     time.Now,
		windows: make(map[string]window),
	}
}

func (r *RateLimiter) Allow(key string) bool {
	if key == "" {
		key = "anonymous"
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.windows[key]
	if w.start.IsZero() || now.Sub(w.start) >= r.span {
		r.windows[key] = window{start: now, count: 1}
		return true
	}
	if w.count >= r.limit {
		return false
	}
	w.count++
	r.windows[key] = w
	return true
}
