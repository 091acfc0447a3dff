package peer

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/Seednode/triviabox/internal/protocol"
)

const (
	// PeerPath is the route a host serves connection requests on.
	PeerPath = "/peer/:peerid"

	sendBuffer = 32
	writeWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketNetwork carries envelopes over websockets. Handles opened on it can
// accept connections through Handler and dial peers under BaseURL.
type WebSocketNetwork struct {
	// BaseURL is the ws:// or wss:// origin of the remote host, plus any
	// prefix it serves under.
	BaseURL string
	Dialer  *websocket.Dialer
	Logger  *zap.Logger

	mu      sync.Mutex
	handles map[string]*wsHandle
}

func NewWebSocketNetwork(baseURL string, logger *zap.Logger) *WebSocketNetwork {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketNetwork{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Dialer:  websocket.DefaultDialer,
		Logger:  logger,
		handles: make(map[string]*wsHandle),
	}
}

func (n *WebSocketNetwork) Open(ctx context.Context, localID string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.handles[localID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrIDTaken, localID)
	}
	h := &wsHandle{id: localID, net: n, box: newMailbox()}
	n.handles[localID] = h
	return h, nil
}

// Handler accepts connection requests for handles opened on n. The dialing
// peer identifies itself and its metadata through query parameters.
func (n *WebSocketNetwork) Handler() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		id := ps.ByName("peerid")

		n.mu.Lock()
		h, ok := n.handles[id]
		n.mu.Unlock()
		if !ok {
			http.Error(w, "unknown peer", http.StatusNotFound)
			return
		}

		from := r.URL.Query().Get("from")
		if from == "" {
			http.Error(w, "missing peer id", http.StatusBadRequest)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			n.Logger.Debug("upgrade failed", zap.String("peer", from), zap.Error(err))
			return
		}
		// The server's request read timeout survives the hijack.
		_ = ws.SetReadDeadline(time.Time{})

		c := newWSConn(ws, from, Metadata{Address: r.URL.Query().Get("addr")}, h)
		if err := h.attach(c); err != nil {
			_ = c.Close()
			return
		}

		go c.writePump()
		c.readPump()
	}
}

func (n *WebSocketNetwork) release(h *wsHandle) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.handles[h.id] == h {
		delete(n.handles, h.id)
	}
}

type wsHandle struct {
	id    string
	net   *WebSocketNetwork
	box   *mailbox
	conns connSet
}

func (h *wsHandle) ID() string { return h.id }

func (h *wsHandle) Events() <-chan Event { return h.box.events }

func (h *wsHandle) Connect(ctx context.Context, remoteID string, md Metadata) (Conn, error) {
	if h.net.BaseURL == "" {
		return nil, fmt.Errorf("%w: no base url", ErrPeerUnavailable)
	}
	q := url.Values{}
	q.Set("from", h.id)
	if md.Address != "" {
		q.Set("addr", md.Address)
	}
	target := h.net.BaseURL + "/peer/" + url.PathEscape(remoteID) + "?" + q.Encode()

	ws, resp, err := h.net.Dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrPeerUnavailable, remoteID)
		}
		return nil, fmt.Errorf("dial %s: %w", remoteID, err)
	}

	c := newWSConn(ws, remoteID, md, h)
	if err := h.attach(c); err != nil {
		_ = ws.Close()
		return nil, err
	}

	go c.writePump()
	go c.readPump()
	return c, nil
}

func (h *wsHandle) attach(c *wsConn) error {
	h.conns.add(c)
	if err := h.box.deliver(Event{Kind: EventOpen, Conn: c}); err != nil {
		h.conns.remove(c)
		return err
	}
	return nil
}

func (h *wsHandle) Close() error {
	h.conns.closeAll()
	h.net.release(h)
	h.box.close()
	return nil
}

type wsConn struct {
	ws    *websocket.Conn
	peer  string
	md    Metadata
	owner *wsHandle

	send      chan protocol.Envelope
	done      chan struct{}
	open      atomic.Bool
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn, peer string, md Metadata, owner *wsHandle) *wsConn {
	c := &wsConn{
		ws:    ws,
		peer:  peer,
		md:    md,
		owner: owner,
		send:  make(chan protocol.Envelope, sendBuffer),
		done:  make(chan struct{}),
	}
	c.open.Store(true)
	return c
}

func (c *wsConn) Peer() string       { return c.peer }
func (c *wsConn) Metadata() Metadata { return c.md }
func (c *wsConn) Open() bool         { return c.open.Load() }

func (c *wsConn) Send(env protocol.Envelope) error {
	if !c.open.Load() {
		return ErrClosed
	}
	select {
	case c.send <- env:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrBufferFull
	}
}

func (c *wsConn) Close() error {
	if c.open.Load() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	}
	c.shutdown(nil)
	return nil
}

// shutdown runs once per connection. A non-nil cause is reported as an error
// event ahead of the close event.
func (c *wsConn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.open.Store(false)
		close(c.done)
		_ = c.ws.Close()
		c.owner.conns.remove(c)

		if cause != nil {
			_ = c.owner.box.deliver(Event{Kind: EventError, Conn: c, Err: cause})
		}
		_ = c.owner.box.deliver(Event{Kind: EventClose, Conn: c})
	})
}

func (c *wsConn) readPump() {
	for {
		var env protocol.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.shutdown(err)
			} else {
				c.shutdown(nil)
			}
			return
		}
		if err := c.owner.box.deliver(Event{Kind: EventData, Conn: c, Envelope: env}); err != nil {
			c.owner.net.Logger.Warn("dropped inbound message",
				zap.String("peer", c.peer),
				zap.String("type", string(env.Type)),
				zap.Error(err))
		}
	}
}

func (c *wsConn) writePump() {
	for {
		select {
		case env := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(env); err != nil {
				c.shutdown(err)
				return
			}
		case <-c.done:
			return
		}
	}
}
