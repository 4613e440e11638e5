// Package router fans session events out to every connected display surface
// on every known channel address and namespace.
package router

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"agent-bridge/internal/core"
)

// Surface is one display target. Send must not block on a slow reader.
type Surface interface {
	ID() string
	Send(msg core.Envelope) error
	Closed() bool
}

type Config struct {
	// Addresses and Namespaces seed the routing sets.
	Addresses  []string
	Namespaces []string
	Logger     *slog.Logger
}

var (
	DefaultAddresses  = []string{"main"}
	DefaultNamespaces = []string{"agent.web", "agent.settings"}
)

// quietKinds are dispatched without an info log line.
var quietKinds = map[string]bool{
	core.EventData:     true,
	core.EventTerminal: true,
}

type Router struct {
	log *slog.Logger

	mu         sync.RWMutex
	addresses  []string
	known      map[string]struct{}
	namespaces []string
	surfaces   map[string]Surface

	fanout atomic.Uint64
}

func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	addresses := cfg.Addresses
	if len(addresses) == 0 {
		addresses = DefaultAddresses
	}
	namespaces := cfg.Namespaces
	if len(namespaces) == 0 {
		namespaces = DefaultNamespaces
	}
	r := &Router{
		log:        logger,
		known:      make(map[string]struct{}),
		namespaces: append([]string(nil), namespaces...),
		surfaces:   make(map[string]Surface),
	}
	for _, a := range addresses {
		r.RegisterAddress(a)
	}
	return r
}

// RegisterAddress adds addr to the known set. It reports whether addr was new.
func (r *Router) RegisterAddress(addr string) bool {
	if addr == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.known[addr]; ok {
		return false
	}
	r.known[addr] = struct{}{}
	r.addresses = append(r.addresses, addr)
	return true
}

// Observe registers the address embedded in an inbound channel name.
func (r *Router) Observe(channel string) {
	addr, ok := ExtractAddress(channel)
	if !ok {
		return
	}
	if r.RegisterAddress(addr) {
		r.log.Info("channel address discovered", "address", addr)
	}
}

func (r *Router) Addresses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.addresses...)
}

func (r *Router) Attach(s Surface) {
	r.mu.Lock()
	r.surfaces[s.ID()] = s
	n := len(r.surfaces)
	r.mu.Unlock()
	r.log.Info("display surface attached", "surface_id", s.ID(), "surfaces", n)
}

func (r *Router) Detach(id string) {
	r.mu.Lock()
	delete(r.surfaces, id)
	r.mu.Unlock()
}

// FanoutCount is the number of successful per-channel deliveries so far.
func (r *Router) FanoutCount() uint64 {
	return r.fanout.Load()
}

// Dispatch sends msg to every live surface on every address/namespace
// channel. Failing surfaces are skipped; it returns the deliveries made.
func (r *Router) Dispatch(msg core.Envelope) int {
	r.mu.RLock()
	surfaces := make([]Surface, 0, len(r.surfaces))
	for _, s := range r.surfaces {
		surfaces = append(surfaces, s)
	}
	channels := make([]string, 0, len(r.addresses)*len(r.namespaces))
	for _, addr := range r.addresses {
		for _, ns := range r.namespaces {
			channels = append(channels, ChannelName(addr, ns, TopicEvent))
		}
	}
	r.mu.RUnlock()
	sort.Slice(surfaces, func(i, j int) bool { return surfaces[i].ID() < surfaces[j].ID() })

	delivered := 0
	for _, s := range surfaces {
		if s.Closed() {
			continue
		}
		for _, ch := range channels {
			out := msg
			out.Channel = ch
			if err := deliver(s, out); err != nil {
				r.log.Debug("surface send failed", "surface_id", s.ID(), "channel", ch, "err", err)
				continue
			}
			delivered++
		}
	}
	total := r.fanout.Add(uint64(delivered))

	attrs := []any{"type", msg.Type, "session_id", msg.SessionID, "delivered", delivered, "fanout_total", total}
	if quietKinds[msg.Type] {
		r.log.Debug("event dispatched", attrs...)
	} else {
		r.log.Info("event dispatched", attrs...)
	}
	return delivered
}

func deliver(s Surface, msg core.Envelope) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("surface panicked: %v", p)
		}
	}()
	return s.Send(msg)
}
