package peer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Seednode/triviabox/internal/protocol"
)

// MemoryNetwork connects handles within one process.
type MemoryNetwork struct {
	mu      sync.Mutex
	handles map[string]*memHandle
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{handles: make(map[string]*memHandle)}
}

func (n *MemoryNetwork) Open(ctx context.Context, localID string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.handles[localID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrIDTaken, localID)
	}
	h := &memHandle{id: localID, net: n, box: newMailbox()}
	n.handles[localID] = h
	return h, nil
}

func (n *MemoryNetwork) lookup(id string) (*memHandle, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	h, ok := n.handles[id]
	return h, ok
}

func (n *MemoryNetwork) release(h *memHandle) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.handles[h.id] == h {
		delete(n.handles, h.id)
	}
}

type memHandle struct {
	id    string
	net   *MemoryNetwork
	box   *mailbox
	conns connSet
}

func (h *memHandle) ID() string { return h.id }

func (h *memHandle) Events() <-chan Event { return h.box.events }

func (h *memHandle) Connect(ctx context.Context, remoteID string, md Metadata) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	remote, ok := h.net.lookup(remoteID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnavailable, remoteID)
	}

	local := &memConn{peer: remoteID, md: md, owner: h}
	far := &memConn{peer: h.id, md: md, owner: remote}
	local.other, far.other = far, local
	local.open.Store(true)
	far.open.Store(true)

	if err := remote.box.deliver(Event{Kind: EventOpen, Conn: far}); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnavailable, remoteID)
	}
	remote.conns.add(far)
	h.conns.add(local)
	_ = h.box.deliver(Event{Kind: EventOpen, Conn: local})
	return local, nil
}

func (h *memHandle) Close() error {
	h.conns.closeAll()
	h.net.release(h)
	h.box.close()
	return nil
}

type memConn struct {
	peer  string
	md    Metadata
	owner *memHandle
	other *memConn

	open      atomic.Bool
	closeOnce sync.Once
}

func (c *memConn) Peer() string       { return c.peer }
func (c *memConn) Metadata() Metadata { return c.md }
func (c *memConn) Open() bool         { return c.open.Load() }

func (c *memConn) Send(env protocol.Envelope) error {
	if !c.open.Load() {
		return ErrClosed
	}
	env.Payload = append([]byte(nil), env.Payload...)
	return c.other.owner.box.deliver(Event{Kind: EventData, Conn: c.other, Envelope: env})
}

// Close shuts both ends and notifies both handles.
func (c *memConn) Close() error {
	c.shutdown()
	c.other.shutdown()
	return nil
}

func (c *memConn) shutdown() {
	c.closeOnce.Do(func() {
		c.open.Store(false)
		c.owner.conns.remove(c)
		_ = c.owner.box.deliver(Event{Kind: EventClose, Conn: c})
	})
}
