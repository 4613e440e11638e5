package ws

import (
	"errors"
	"sync"
	"time"

	"agent-bridge/internal/core"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
)

// ErrSurfaceBusy is returned when a surface's outbound buffer is full.
var ErrSurfaceBusy = errors.New("surface send buffer full")

// Surface is one connected display. Sends are queued and written by
// writeLoop so a slow reader never blocks the router.
type Surface struct {
	id     string
	conn   *websocket.Conn
	send   chan core.Envelope
	closed chan struct{}
	once   sync.Once
}

func NewSurface(conn *websocket.Conn) *Surface {
	return &Surface{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan core.Envelope, sendBuffer),
		closed: make(chan struct{}),
	}
}

func (s *Surface) ID() string {
	return s.id
}

func (s *Surface) Send(msg core.Envelope) error {
	select {
	case <-s.closed:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case s.send <- msg:
		return nil
	default:
		return ErrSurfaceBusy
	}
}

func (s *Surface) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Surface) Close() {
	s.once.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

func (s *Surface) writeLoop() {
	for {
		select {
		case <-s.closed:
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteJSON(msg); err != nil {
				s.Close()
				return
			}
		}
	}
}
