// Package host runs the authoritative side of a trivia room.
//
// Every session mutation happens on the goroutine executing Run: peer events,
// timer ticks, operator requests and completed question fetches are received
// there one at a time. Nothing else touches the session.
package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/Seednode/triviabox/internal/content"
	"github.com/Seednode/triviabox/internal/netaddr"
	"github.com/Seednode/triviabox/internal/peer"
	"github.com/Seednode/triviabox/internal/protocol"
	"github.com/Seednode/triviabox/internal/session"
)

const DefaultAnswerSettle = time.Second

var (
	ErrHalted  = errors.New("host halted")
	ErrStopped = errors.New("host not running")
)

// Source supplies questions. *content.Pipeline satisfies it.
type Source interface {
	Preload(ctx context.Context, target int)
	Next(ctx context.Context) (protocol.Question, error)
}

type Config struct {
	RoomCode      string
	TotalRounds   int
	RoundDuration int

	// AnswerSettle is the pause between the last answer arriving and the
	// round closing. Zero closes immediately.
	AnswerSettle time.Duration

	// EnforceAffinity rejects players whose reported address differs from
	// the host's own.
	EnforceAffinity bool

	PreloadTarget int

	// Ticks drives the round countdown. Nil means a one second ticker.
	Ticks <-chan time.Time
}

// ConnectionRecord describes one accepted connection.
type ConnectionRecord struct {
	PeerID   string `json:"peerId"`
	Address  string `json:"address,omitempty"`
	Open     bool   `json:"open"`
	PlayerID string `json:"playerId,omitempty"`
}

// State is a point-in-time copy of the host for operators.
type State struct {
	Snapshot    protocol.Snapshot  `json:"session"`
	Leaderboard []protocol.Player  `json:"leaderboard"`
	Answered    int                `json:"answered"`
	Connections []ConnectionRecord `json:"connections"`
	HostAddress string             `json:"hostAddress,omitempty"`
	Halted      string             `json:"halted,omitempty"`
}

type questionResult struct {
	round    int
	question protocol.Question
	err      error
}

type Host struct {
	cfg      Config
	net      peer.Network
	resolver netaddr.Resolver
	source   Source
	logger   *zap.Logger

	starts    chan chan error
	advances  chan chan error
	states    chan chan State
	questions chan questionResult
	settled   chan int
	ready     chan struct{}
	done      chan struct{}

	// owned by Run
	sess      *session.Session
	conns     map[peer.Conn]*ConnectionRecord
	hostAddr  string
	addrKnown bool
	fetching  bool
	settling  bool
	halted    error
	ticker    *time.Ticker
}

// New builds a host. A nil resolver leaves the host address unknown, which
// disables the affinity check.
func New(cfg Config, network peer.Network, resolver netaddr.Resolver, source Source, logger *zap.Logger) *Host {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PreloadTarget <= 0 {
		cfg.PreloadTarget = content.HighWater
	}
	if resolver == nil {
		resolver = netaddr.Static("")
	}
	return &Host{
		cfg:       cfg,
		net:       network,
		resolver:  resolver,
		source:    source,
		logger:    logger.With(zap.String("room", cfg.RoomCode)),
		starts:    make(chan chan error),
		advances:  make(chan chan error),
		states:    make(chan chan State),
		questions: make(chan questionResult),
		settled:   make(chan int),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		sess:      session.New(cfg.RoomCode, cfg.TotalRounds, cfg.RoundDuration),
		conns:     make(map[peer.Conn]*ConnectionRecord),
	}
}

// Ready is closed once the host is reachable under its peer id.
func (h *Host) Ready() <-chan struct{} { return h.ready }

// Run serves the room until ctx is cancelled.
func (h *Host) Run(ctx context.Context) error {
	defer close(h.done)

	handle, err := h.net.Open(ctx, peer.HostID(h.cfg.RoomCode))
	if err != nil {
		return fmt.Errorf("open room %s: %w", h.cfg.RoomCode, err)
	}
	defer handle.Close()

	h.hostAddr, h.addrKnown = h.resolver.Resolve(ctx)
	switch {
	case !h.cfg.EnforceAffinity:
	case h.addrKnown:
		h.logger.Info("affinity check enabled", zap.String("address", h.hostAddr))
	default:
		h.logger.Warn("host address unknown, accepting all connections")
	}

	go h.source.Preload(ctx, h.cfg.PreloadTarget)

	ticks := h.cfg.Ticks
	if ticks == nil {
		h.ticker = time.NewTicker(time.Second)
		defer h.ticker.Stop()
		ticks = h.ticker.C
	}

	h.logger.Info("room open", zap.String("peer", handle.ID()))
	close(h.ready)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("room closed")
			return nil

		case ev, ok := <-handle.Events():
			if !ok {
				return peer.ErrClosed
			}
			h.handleEvent(ev)

		case <-ticks:
			if h.sess.Tick() {
				h.endRound("timer")
			}

		case reply := <-h.starts:
			reply <- h.start(ctx)

		case reply := <-h.advances:
			reply <- h.advance(ctx)

		case reply := <-h.states:
			reply <- h.state()

		case r := <-h.questions:
			h.beginRound(r)

		case round := <-h.settled:
			if round == h.sess.CurrentRound {
				h.endRound("answers")
			}
		}
	}
}

// Start leaves the lobby and fetches the first question.
func (h *Host) Start(ctx context.Context) error {
	return h.call(ctx, h.starts)
}

// Advance moves the game forward one step: an open round is closed, results
// give way to the leaderboard, and the leaderboard opens the next round or
// ends the game.
func (h *Host) Advance(ctx context.Context) error {
	return h.call(ctx, h.advances)
}

func (h *Host) State(ctx context.Context) (State, error) {
	reply := make(chan State, 1)
	select {
	case h.states <- reply:
	case <-h.done:
		return State{}, ErrStopped
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
	return <-reply, nil
}

func (h *Host) call(ctx context.Context, ch chan chan error) error {
	reply := make(chan error, 1)
	select {
	case ch <- reply:
	case <-h.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-reply
}

func (h *Host) start(ctx context.Context) error {
	if h.halted != nil {
		return h.halted
	}
	if err := h.sess.Start(); err != nil {
		return err
	}
	h.logger.Info("game starting",
		zap.Int("players", len(h.sess.Players)),
		zap.Int("rounds", h.sess.TotalRounds))
	h.fetchQuestion(ctx)
	return nil
}

func (h *Host) advance(ctx context.Context) error {
	if h.halted != nil {
		return h.halted
	}

	switch h.sess.Status {
	case protocol.StatusQuestion:
		h.endRound("operator")
		return nil

	case protocol.StatusResult:
		return h.sess.ShowLeaderboard()

	case protocol.StatusLeaderboard:
		gameOver, err := h.sess.Advance()
		if err != nil {
			return err
		}
		if gameOver {
			h.logger.Info("game over", zap.Any("winner", h.sess.Winner))
			h.broadcast(protocol.MustEncode(protocol.GameOver, protocol.GameOverPayload{Winner: h.sess.Winner}))
			return nil
		}
		h.fetchQuestion(ctx)
		return nil
	}

	return fmt.Errorf("%w: advance from %s", session.ErrInvalidTransition, h.sess.Status)
}

// fetchQuestion asks the source for the next question off the loop. The
// result comes back through h.questions.
func (h *Host) fetchQuestion(ctx context.Context) {
	if h.fetching {
		return
	}
	h.fetching = true

	round := h.sess.CurrentRound
	go func() {
		q, err := h.source.Next(ctx)
		select {
		case h.questions <- questionResult{round: round, question: q, err: err}:
		case <-h.done:
		}
	}()
}

func (h *Host) beginRound(r questionResult) {
	h.fetching = false

	if r.err != nil {
		h.halted = fmt.Errorf("%w: %w", ErrHalted, r.err)
		if errors.Is(r.err, content.ErrQuotaExceeded) {
			h.logger.Error("question generation quota exceeded, halting", zap.Error(r.err))
		} else {
			h.logger.Error("question fetch failed, halting", zap.Error(r.err))
		}
		return
	}
	if r.round != h.sess.CurrentRound || !h.sess.AwaitingQuestion() {
		h.logger.Debug("discarding stale question", zap.Int("round", r.round))
		return
	}

	payload, err := h.sess.BeginRound(r.question)
	if err != nil {
		h.halted = fmt.Errorf("%w: %w", ErrHalted, err)
		h.logger.Error("cannot open round", zap.Error(err))
		return
	}
	h.settling = false
	// Every round gets its full first second.
	if h.ticker != nil {
		h.ticker.Reset(time.Second)
	}

	h.logger.Info("round open",
		zap.Int("round", payload.Round),
		zap.String("question", r.question.ID),
		zap.Int("time_left", payload.TimeLeft))
	h.broadcast(protocol.MustEncode(protocol.NewQuestion, payload))
}

// endRound closes the open round. Only the first trigger of a round has any
// effect; later ones are no-ops.
func (h *Host) endRound(trigger string) {
	result, ok := h.sess.EndRound()
	if !ok {
		return
	}
	h.logger.Info("round closed",
		zap.Int("round", h.sess.CurrentRound),
		zap.String("trigger", trigger),
		zap.Int("answered", h.sess.AnsweredCount()))
	h.broadcast(protocol.MustEncode(protocol.RoundResult, result))
}

// maybeSettle schedules the round end once every connected player answered.
func (h *Host) maybeSettle() {
	if h.settling || !h.sess.AllAnswered() {
		return
	}
	h.settling = true

	if h.cfg.AnswerSettle <= 0 {
		h.endRound("answers")
		return
	}
	round := h.sess.CurrentRound
	time.AfterFunc(h.cfg.AnswerSettle, func() {
		select {
		case h.settled <- round:
		case <-h.done:
		}
	})
}

func (h *Host) handleEvent(ev peer.Event) {
	switch ev.Kind {
	case peer.EventOpen:
		h.accept(ev.Conn)

	case peer.EventData:
		rec, ok := h.conns[ev.Conn]
		if !ok {
			return
		}
		h.handleMessage(ev.Conn, rec, ev.Envelope)

	case peer.EventError:
		h.logger.Warn("connection error", zap.String("peer", ev.Conn.Peer()), zap.Error(ev.Err))

	case peer.EventClose:
		rec, ok := h.conns[ev.Conn]
		if !ok {
			return
		}
		delete(h.conns, ev.Conn)
		h.logger.Info("peer disconnected", zap.String("peer", rec.PeerID), zap.String("player", rec.PlayerID))

		if rec.PlayerID != "" && !h.boundElsewhere(rec.PlayerID) {
			h.sess.SetConnected(rec.PlayerID, false)
			h.maybeSettle()
		}
	}
}

func (h *Host) accept(c peer.Conn) {
	md := c.Metadata()
	if h.cfg.EnforceAffinity && h.addrKnown && md.Address != h.hostAddr {
		h.logger.Warn("rejecting peer from foreign address",
			zap.String("peer", c.Peer()),
			zap.String("address", md.Address))
		_ = c.Close()
		return
	}

	h.conns[c] = &ConnectionRecord{PeerID: c.Peer(), Address: md.Address, Open: true}
	h.logger.Debug("peer connected", zap.String("peer", c.Peer()), zap.String("address", md.Address))
}

func (h *Host) handleMessage(c peer.Conn, rec *ConnectionRecord, env protocol.Envelope) {
	v, err := protocol.Decode(env)
	if err != nil {
		h.logger.Debug("ignoring undecodable message", zap.String("peer", rec.PeerID), zap.Error(err))
		return
	}

	switch p := v.(type) {
	case *protocol.JoinRoomPayload:
		h.join(c, rec, p)
	case *protocol.SubmitAnswerPayload:
		h.submit(rec, p)
	default:
		h.logger.Debug("ignoring host-bound message", zap.String("peer", rec.PeerID), zap.String("type", string(env.Type)))
	}
}

func (h *Host) join(c peer.Conn, rec *ConnectionRecord, p *protocol.JoinRoomPayload) {
	id := p.ID
	if id == "" {
		id = rec.PeerID
	}
	if rec.PlayerID != "" && rec.PlayerID != id {
		h.logger.Warn("second identity on bound connection ignored",
			zap.String("peer", rec.PeerID),
			zap.String("bound", rec.PlayerID),
			zap.String("claimed", id))
		return
	}
	player, created, err := h.sess.Join(id, p.Name)
	if err != nil {
		h.logger.Debug("join rejected", zap.String("peer", rec.PeerID), zap.Error(err))
		return
	}
	rec.PlayerID = player.ID

	h.logger.Info("player joined",
		zap.String("player", player.ID),
		zap.String("name", player.Name),
		zap.Bool("returning", !created))

	// The joiner learns the room and everyone already in it before the
	// broadcast announces them to the rest.
	snap := h.sess.Snapshot(true)
	if err := c.Send(protocol.MustEncode(protocol.SyncState, snap)); err != nil {
		h.logger.Warn("sync state failed", zap.String("peer", rec.PeerID), zap.Error(err))
	}
	h.broadcast(protocol.MustEncode(protocol.PlayerJoined, player))
}

func (h *Host) submit(rec *ConnectionRecord, p *protocol.SubmitAnswerPayload) {
	if rec.PlayerID == "" || p.PlayerID != rec.PlayerID {
		h.logger.Warn("answer for another player rejected",
			zap.String("peer", rec.PeerID),
			zap.String("bound", rec.PlayerID),
			zap.String("claimed", p.PlayerID))
		return
	}

	res, err := h.sess.Submit(p.PlayerID, p.AnswerIndex, p.Comment)
	if err != nil {
		h.logger.Debug("answer rejected", zap.String("player", p.PlayerID), zap.Error(err))
		return
	}
	h.logger.Info("answer",
		zap.String("player", res.Player.ID),
		zap.Bool("correct", res.Correct),
		zap.Int("points", res.Points),
		zap.Int("time_left", h.sess.TimeLeft))

	h.maybeSettle()
}

// boundElsewhere reports whether another open connection carries playerID.
func (h *Host) boundElsewhere(playerID string) bool {
	for c, rec := range h.conns {
		if rec.PlayerID == playerID && c.Open() {
			return true
		}
	}
	return false
}

// broadcast sends env to every open connection. A failed send does not stop
// delivery to the rest.
func (h *Host) broadcast(env protocol.Envelope) {
	for c, rec := range h.conns {
		if !c.Open() {
			continue
		}
		if err := c.Send(env); err != nil {
			h.logger.Warn("send failed",
				zap.String("peer", rec.PeerID),
				zap.String("type", string(env.Type)),
				zap.Error(err))
		}
	}
}

func (h *Host) state() State {
	st := State{
		Snapshot:    h.sess.Snapshot(false),
		Leaderboard: h.sess.Leaderboard(),
		Answered:    h.sess.AnsweredCount(),
		Connections: make([]ConnectionRecord, 0, len(h.conns)),
	}
	if h.addrKnown {
		st.HostAddress = h.hostAddr
	}
	if h.halted != nil {
		st.Halted = h.halted.Error()
	}
	for c, rec := range h.conns {
		r := *rec
		r.Open = c.Open()
		st.Connections = append(st.Connections, r)
	}
	sort.Slice(st.Connections, func(i, j int) bool {
		return st.Connections[i].PeerID < st.Connections[j].PeerID
	})
	return st
}
