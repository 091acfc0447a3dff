package player

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Seednode/triviabox/internal/netaddr"
	"github.com/Seednode/triviabox/internal/peer"
	"github.com/Seednode/triviabox/internal/protocol"
	"github.com/Seednode/triviabox/internal/store"
)

var (
	ErrDisconnected = errors.New("disconnected from host")
	ErrStopped      = errors.New("client not running")
)

type Config struct {
	Room     string
	Identity Identity

	// Ticks drives the local countdown. Nil means a one second ticker.
	Ticks <-chan time.Time

	// OnUpdate is called from the client loop after every applied event.
	OnUpdate func(protocol.Type, View)
}

type answerRequest struct {
	index   int
	comment string
	reply   chan error
}

// Client connects a replica to a host.
type Client struct {
	cfg      Config
	net      peer.Network
	resolver netaddr.Resolver
	store    store.Store
	logger   *zap.Logger

	answers chan answerRequest
	views   chan chan View
	ready   chan struct{}
	done    chan struct{}
}

func NewClient(cfg Config, network peer.Network, resolver netaddr.Resolver, s store.Store, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if resolver == nil {
		resolver = netaddr.Static("")
	}
	return &Client{
		cfg:      cfg,
		net:      network,
		resolver: resolver,
		store:    s,
		logger:   logger.With(zap.String("room", cfg.Room), zap.String("player", cfg.Identity.ID)),
		answers:  make(chan answerRequest),
		views:    make(chan chan View),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Ready is closed once the join request has been sent.
func (c *Client) Ready() <-chan struct{} { return c.ready }

// Run joins the room and applies host events until ctx is cancelled or the
// host goes away.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.done)

	handle, err := c.net.Open(ctx, c.cfg.Identity.ID)
	if err != nil {
		return err
	}
	defer handle.Close()

	addr, _ := c.resolver.Resolve(ctx)
	conn, err := handle.Connect(ctx, peer.HostID(c.cfg.Room), peer.Metadata{Address: addr})
	if err != nil {
		return fmt.Errorf("join room %s: %w", c.cfg.Room, err)
	}

	join := protocol.JoinRoomPayload{Name: c.cfg.Identity.Name, ID: c.cfg.Identity.ID}
	if err := conn.Send(protocol.MustEncode(protocol.JoinRoom, join)); err != nil {
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	c.logger.Info("joined", zap.String("name", join.Name))
	close(c.ready)

	ticks := c.cfg.Ticks
	if ticks == nil {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		ticks = ticker.C
	}

	replica := NewReplica(c.cfg.Identity.ID)
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-handle.Events():
			if !ok {
				return peer.ErrClosed
			}
			switch ev.Kind {
			case peer.EventData:
				c.apply(ctx, replica, ev.Envelope)
			case peer.EventError:
				c.logger.Warn("connection error", zap.Error(ev.Err))
			case peer.EventClose:
				if ev.Conn == conn {
					return ErrDisconnected
				}
			}

		case <-ticks:
			replica.Tick()

		case req := <-c.answers:
			req.reply <- c.answer(ctx, replica, conn, req)

		case reply := <-c.views:
			reply <- replica.View()
		}
	}
}

// Submit answers the open round.
func (c *Client) Submit(ctx context.Context, index int, comment string) error {
	req := answerRequest{index: index, comment: comment, reply: make(chan error, 1)}
	select {
	case c.answers <- req:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-req.reply
}

func (c *Client) View(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	select {
	case c.views <- reply:
	case <-c.done:
		return View{}, ErrStopped
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
	return <-reply, nil
}

func (c *Client) apply(ctx context.Context, r *Replica, env protocol.Envelope) {
	if err := r.Apply(env); err != nil {
		c.logger.Debug("ignoring message", zap.String("type", string(env.Type)), zap.Error(err))
		return
	}

	switch env.Type {
	case protocol.NewQuestion:
		if err := c.store.Delete(ctx, store.KeyLastAnswer); err != nil {
			c.logger.Warn("clear last answer", zap.Error(err))
		}
	case protocol.SyncState:
		c.restoreAnswer(ctx, r)
	}

	if c.cfg.OnUpdate != nil {
		c.cfg.OnUpdate(env.Type, r.View())
	}
}

// restoreAnswer keeps a previously submitted answer locked in after a
// reconnect into the same round.
func (c *Client) restoreAnswer(ctx context.Context, r *Replica) {
	q := r.Session.CurrentQuestion
	if r.Pending != nil || q == nil || r.Session.Status != protocol.StatusQuestion {
		return
	}
	var last lastAnswer
	if err := store.GetJSON(ctx, c.store, store.KeyLastAnswer, &last); err != nil {
		return
	}
	if last.QuestionID == q.ID {
		idx := last.Index
		r.Pending = &idx
	}
}

func (c *Client) answer(ctx context.Context, r *Replica, conn peer.Conn, req answerRequest) error {
	payload, err := r.Answer(req.index, req.comment)
	if err != nil {
		return err
	}
	if err := conn.Send(protocol.MustEncode(protocol.SubmitAnswer, payload)); err != nil {
		r.Pending = nil
		return err
	}

	last := lastAnswer{QuestionID: r.Session.CurrentQuestion.ID, Index: req.index}
	if err := store.SetJSON(ctx, c.store, store.KeyLastAnswer, last); err != nil {
		c.logger.Warn("persist last answer", zap.Error(err))
	}
	c.logger.Debug("answer sent", zap.Int("index", req.index), zap.Int("time_left", r.Session.TimeLeft))
	return nil
}
