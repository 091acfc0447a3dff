// Package peer is the star-topology transport between a host and its players.
//
// A process opens a Handle under a peer id. Players Connect to the host's id;
// the host only accepts. Every connection, on either side, reports through the
// owning handle's Events channel: open, data, close and error. Delivery is
// in-order per connection and at-most-once, with no retries.
package peer

import (
	"context"
	"errors"
	"sync"

	"github.com/Seednode/triviabox/internal/protocol"
)

const hostIDPrefix = "hntm-quiz-"

// eventBuffer is the per-handle event queue depth. A full queue drops events.
const eventBuffer = 1024

var (
	ErrClosed          = errors.New("connection closed")
	ErrPeerUnavailable = errors.New("peer unavailable")
	ErrIDTaken         = errors.New("peer id already in use")
	ErrBufferFull      = errors.New("send buffer full")
)

// HostID is the peer id a host registers for room.
func HostID(room string) string {
	return hostIDPrefix + room
}

// Metadata travels with a connection request.
type Metadata struct {
	Address string `json:"address,omitempty"`
}

type EventKind int

const (
	EventOpen EventKind = iota
	EventData
	EventClose
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventData:
		return "data"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is a notification about one connection.
type Event struct {
	Kind     EventKind
	Conn     Conn
	Envelope protocol.Envelope
	Err      error
}

// Conn is one end of a host-player link.
type Conn interface {
	// Peer is the remote peer id.
	Peer() string
	Metadata() Metadata
	Send(env protocol.Envelope) error
	Close() error
	Open() bool
}

// Handle is a registered endpoint.
type Handle interface {
	ID() string
	Connect(ctx context.Context, remoteID string, md Metadata) (Conn, error)
	// Events is closed after Close.
	Events() <-chan Event
	Close() error
}

// Network opens handles.
type Network interface {
	Open(ctx context.Context, localID string) (Handle, error)
}

// mailbox is a handle's event queue. Delivery never blocks.
type mailbox struct {
	mu     sync.Mutex
	closed bool
	events chan Event
}

func newMailbox() *mailbox {
	return &mailbox{events: make(chan Event, eventBuffer)}
}

func (m *mailbox) deliver(ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	select {
	case m.events <- ev:
		return nil
	default:
		return ErrBufferFull
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		close(m.events)
	}
}

// connSet tracks a handle's live connections so Close can tear them down.
type connSet struct {
	mu    sync.Mutex
	conns map[Conn]struct{}
}

func (s *connSet) add(c Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conns == nil {
		s.conns = make(map[Conn]struct{})
	}
	s.conns[c] = struct{}{}
}

func (s *connSet) remove(c Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conns, c)
}

func (s *connSet) closeAll() {
	s.mu.Lock()
	conns := make([]Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}
