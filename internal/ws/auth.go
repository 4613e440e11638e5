package ws

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"agent-bridge/internal/core"
)

// Auth checks bearer tokens and rate limits each caller. With no tokens
// configured every request is accepted as the local actor.
type Auth struct {
	Tokens  []string
	Limiter *core.RateLimiter
}

// Check returns the caller's actor name, or false when the request must be
// rejected.
func (a *Auth) Check(r *http.Request) (string, bool) {
	actor := "local"
	if a == nil {
		return actor, true
	}
	if len(a.Tokens) > 0 {
		token := extractToken(r)
		if token == "" {
			return "", false
		}
		idx := -1
		for i, t := range a.Tokens {
			if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
				idx = i
				break
			}
		}
		if idx < 0 {
			return "", false
		}
		actor = "token:" + strconv.Itoa(idx)
	}
	if a.Limiter != nil && !a.Limiter.Allow(actor) {
		return "", false
	}
	return actor, true
}

func extractToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(h), "bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
