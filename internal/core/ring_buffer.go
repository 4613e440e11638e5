package core

import "sync"

// RingBuffer keeps the most recent capacity bytes written to it. It is used
// as the agent's stderr sink so diagnostics stay bounded.
type RingBuffer struct {
	mu       sync.Mutex
	data     []byte
	capacity int
}

func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 16 * 1024
	}
	return &RingBuffer{capacity: capacity}
}

// Write implements io.Writer and never fails.
func (r *RingBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, p...)
	if len(r.data) > r.capacity {
		r.data = append([]byte(nil), r.data[len(r.data)-r.capacity:]...)
	}
	return len(p), nil
}

func (r *RingBuffer) Snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.data) == 0 {
		return nil
	}
	return append([]byte(nil), r.data...)
}

func (r *RingBuffer) String() string {
	return string(r.Snapshot())
}
