package host

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Seednode/triviabox/internal/content"
	"github.com/Seednode/triviabox/internal/netaddr"
	"github.com/Seednode/triviabox/internal/peer"
	"github.com/Seednode/triviabox/internal/protocol"
	"github.com/Seednode/triviabox/internal/store"
)

const hostAddress = "203.0.113.7"

type fixture struct {
	host  *Host
	net   *peer.MemoryNetwork
	ticks chan time.Time
}

type failingSource struct{ err error }

func (failingSource) Preload(context.Context, int) {}

func (f failingSource) Next(context.Context) (protocol.Question, error) {
	return protocol.Question{}, f.err
}

func newFixture(t *testing.T, cfg Config, src Source) *fixture {
	t.Helper()

	if cfg.RoomCode == "" {
		cfg.RoomCode = "ABC123"
	}
	if src == nil {
		src = content.New(store.NewMemory())
	}
	f := &fixture{
		net:   peer.NewMemoryNetwork(),
		ticks: make(chan time.Time),
	}
	cfg.Ticks = f.ticks
	f.host = New(cfg, f.net, netaddr.Static(hostAddress), src, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.host.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-errc; err != nil {
			t.Errorf("Run() error = %v", err)
		}
	})

	select {
	case <-f.host.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("host never became ready")
	}
	return f
}

func (f *fixture) tick(t *testing.T, n int) {
	t.Helper()
	for range n {
		select {
		case f.ticks <- time.Now():
		case <-time.After(2 * time.Second):
			t.Fatal("host did not accept tick")
		}
	}
}

func (f *fixture) state(t *testing.T) State {
	t.Helper()
	st, err := f.host.State(context.Background())
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	return st
}

func (f *fixture) waitFor(t *testing.T, what string, cond func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		st := f.state(t)
		if cond(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; state = %+v", what, st)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type client struct {
	handle peer.Handle
	conn   peer.Conn
}

func (f *fixture) connect(t *testing.T, id, address string) *client {
	t.Helper()
	ctx := context.Background()

	h, err := f.net.Open(ctx, id)
	if err != nil {
		t.Fatalf("Open(%s) error = %v", id, err)
	}
	t.Cleanup(func() { _ = h.Close() })

	conn, err := h.Connect(ctx, peer.HostID("ABC123"), peer.Metadata{Address: address})
	if err != nil {
		t.Fatalf("Connect(%s) error = %v", id, err)
	}
	return &client{handle: h, conn: conn}
}

func (f *fixture) join(t *testing.T, id, name string) *client {
	t.Helper()
	return f.joinVia(t, id, id, name)
}

// joinVia joins as player id over a fresh peer handle named peerID.
func (f *fixture) joinVia(t *testing.T, peerID, id, name string) *client {
	t.Helper()
	c := f.connect(t, peerID, hostAddress)
	c.send(t, protocol.JoinRoom, protocol.JoinRoomPayload{ID: id, Name: name})
	f.waitFor(t, id+" joined", func(st State) bool {
		p, ok := st.Snapshot.Players[id]
		return ok && p.Connected
	})
	return c
}

func (c *client) send(t *testing.T, typ protocol.Type, payload any) {
	t.Helper()
	if err := c.conn.Send(protocol.MustEncode(typ, payload)); err != nil {
		t.Fatalf("Send(%s) error = %v", typ, err)
	}
}

// await skips events until a message of type typ arrives.
func (c *client) await(t *testing.T, typ protocol.Type) any {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.handle.Events():
			if ev.Kind != peer.EventData || ev.Envelope.Type != typ {
				continue
			}
			v, err := protocol.Decode(ev.Envelope)
			if err != nil {
				t.Fatalf("Decode(%s) error = %v", typ, err)
			}
			return v
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

// count drains events for d and counts messages of type typ.
func (c *client) count(typ protocol.Type, d time.Duration) int {
	n := 0
	timeout := time.After(d)
	for {
		select {
		case ev := <-c.handle.Events():
			if ev.Kind == peer.EventData && ev.Envelope.Type == typ {
				n++
			}
		case <-timeout:
			return n
		}
	}
}

func inRound(st State) bool { return st.Snapshot.Status == protocol.StatusQuestion }

func TestEndToEndScoring(t *testing.T) {
	f := newFixture(t, Config{TotalRounds: 5, RoundDuration: 30}, nil)
	bob := f.join(t, "bob", "Bob")

	if err := f.host.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	st := f.waitFor(t, "round 1", inRound)

	nq := bob.await(t, protocol.NewQuestion).(*protocol.NewQuestionPayload)
	if nq.TimeLeft != 30 || nq.Round != 0 || nq.TotalRounds != 5 {
		t.Fatalf("NEW_QUESTION = %+v, want timeLeft 30 round 0 of 5", nq)
	}
	if nq.Question.CorrectIndex != protocol.HiddenIndex {
		t.Fatalf("broadcast correctIndex = %d, want hidden", nq.Question.CorrectIndex)
	}

	f.tick(t, 12)
	correct := st.Snapshot.CurrentQuestion.CorrectIndex
	bob.send(t, protocol.SubmitAnswer, protocol.SubmitAnswerPayload{PlayerID: "bob", AnswerIndex: correct})

	rr := bob.await(t, protocol.RoundResult).(*protocol.RoundResultPayload)
	if rr.CorrectIndex != correct {
		t.Fatalf("ROUND_RESULT correctIndex = %d, want %d", rr.CorrectIndex, correct)
	}
	if rr.Scores["bob"] != 136 {
		t.Fatalf("ROUND_RESULT score = %d, want 136", rr.Scores["bob"])
	}

	st = f.state(t)
	if got := st.Snapshot.Players["bob"]; got.Score != 136 || got.Streak != 1 {
		t.Fatalf("bob = %+v, want score 136 streak 1", got)
	}

	if err := f.host.Advance(context.Background()); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	st = f.state(t)
	if st.Snapshot.Status != protocol.StatusLeaderboard {
		t.Fatalf("status = %s, want %s", st.Snapshot.Status, protocol.StatusLeaderboard)
	}
	if len(st.Leaderboard) == 0 || st.Leaderboard[0].ID != "bob" {
		t.Fatalf("leaderboard = %+v, want bob first", st.Leaderboard)
	}
}

func TestGameRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{TotalRounds: 2, RoundDuration: 3}, nil)
	ann := f.join(t, "ann", "Ann")

	if err := f.host.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for round := range 2 {
		f.waitFor(t, "round open", inRound)
		f.tick(t, 3)
		if st := f.state(t); st.Snapshot.Status != protocol.StatusResult {
			t.Fatalf("round %d status = %s, want %s", round, st.Snapshot.Status, protocol.StatusResult)
		}
		for range 2 {
			if err := f.host.Advance(ctx); err != nil {
				t.Fatalf("Advance() error = %v", err)
			}
		}
	}

	st := f.state(t)
	if st.Snapshot.Status != protocol.StatusGameOver {
		t.Fatalf("status = %s, want %s", st.Snapshot.Status, protocol.StatusGameOver)
	}
	over := ann.await(t, protocol.GameOver).(*protocol.GameOverPayload)
	if over.Winner == nil || over.Winner.ID != "ann" {
		t.Fatalf("winner = %+v, want ann", over.Winner)
	}
	if err := f.host.Advance(ctx); err == nil {
		t.Fatal("Advance() after game over error = nil, want error")
	}
}

func TestRoundEndsOnce(t *testing.T) {
	f := newFixture(t, Config{RoundDuration: 2, AnswerSettle: 20 * time.Millisecond}, nil)
	bob := f.join(t, "bob", "Bob")

	if err := f.host.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.waitFor(t, "round open", inRound)
	bob.await(t, protocol.NewQuestion)

	f.tick(t, 1)
	bob.send(t, protocol.SubmitAnswer, protocol.SubmitAnswerPayload{PlayerID: "bob", AnswerIndex: 0})
	f.waitFor(t, "answer recorded", func(st State) bool { return st.Answered == 1 })

	// the timer expires while the settle delay is pending, then the operator
	// also tries to close the round
	f.tick(t, 1)
	_ = f.host.Advance(context.Background())
	f.tick(t, 3)

	if got := bob.count(protocol.RoundResult, 150*time.Millisecond); got != 1 {
		t.Fatalf("ROUND_RESULT broadcasts = %d, want 1", got)
	}
}

func TestAffinityRejectsForeignAddress(t *testing.T) {
	f := newFixture(t, Config{EnforceAffinity: true}, nil)
	f.join(t, "ann", "Ann")

	mallory := f.connect(t, "mallory", "198.51.100.9")
	timeout := time.After(2 * time.Second)
	for closed := false; !closed; {
		select {
		case ev := <-mallory.handle.Events():
			closed = ev.Kind == peer.EventClose
		case <-timeout:
			t.Fatal("foreign peer was never disconnected")
		}
	}

	_ = mallory.conn.Send(protocol.MustEncode(protocol.JoinRoom, protocol.JoinRoomPayload{ID: "mallory"}))

	st := f.state(t)
	for _, c := range st.Connections {
		if c.PeerID == "mallory" {
			t.Fatalf("connections include rejected peer: %+v", c)
		}
	}
	if _, ok := st.Snapshot.Players["mallory"]; ok {
		t.Fatal("rejected peer became a player")
	}
	if len(st.Connections) != 1 {
		t.Fatalf("len(Connections) = %d, want 1", len(st.Connections))
	}
}

func TestAffinityDisabled(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.connect(t, "remote", "198.51.100.9").send(t, protocol.JoinRoom, protocol.JoinRoomPayload{ID: "remote"})
	f.waitFor(t, "remote joined", func(st State) bool {
		_, ok := st.Snapshot.Players["remote"]
		return ok
	})
}

func TestLateJoinerGetsSync(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.join(t, "ann", "Ann")
	if err := f.host.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.waitFor(t, "round open", inRound)

	carol := f.connect(t, "carol", hostAddress)
	carol.send(t, protocol.JoinRoom, protocol.JoinRoomPayload{ID: "carol", Name: "Carol"})

	snap := carol.await(t, protocol.SyncState).(*protocol.Snapshot)
	if snap.Status != protocol.StatusQuestion {
		t.Fatalf("SYNC_STATE status = %s, want %s", snap.Status, protocol.StatusQuestion)
	}
	if snap.CurrentQuestion == nil || snap.CurrentQuestion.CorrectIndex != protocol.HiddenIndex {
		t.Fatalf("SYNC_STATE question = %+v, want redacted question", snap.CurrentQuestion)
	}
	if _, ok := snap.Players["carol"]; !ok {
		t.Fatal("SYNC_STATE does not include the joiner")
	}
	joined := carol.await(t, protocol.PlayerJoined).(*protocol.Player)
	if joined.ID != "carol" || joined.Name != "Carol" {
		t.Fatalf("PLAYER_JOINED = %+v, want carol", joined)
	}
}

func TestLobbyJoinerGetsRoster(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.join(t, "ann", "Ann")

	bob := f.connect(t, "bob", hostAddress)
	bob.send(t, protocol.JoinRoom, protocol.JoinRoomPayload{ID: "bob", Name: "Bob"})

	snap := bob.await(t, protocol.SyncState).(*protocol.Snapshot)
	if snap.RoomCode != "ABC123" {
		t.Fatalf("SYNC_STATE room = %q, want ABC123", snap.RoomCode)
	}
	if snap.Status != protocol.StatusLobby {
		t.Fatalf("SYNC_STATE status = %s, want %s", snap.Status, protocol.StatusLobby)
	}
	if ann, ok := snap.Players["ann"]; !ok || ann.Name != "Ann" {
		t.Fatalf("SYNC_STATE players = %+v, want ann", snap.Players)
	}
}

func TestSecondIdentityOnConnectionIgnored(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ann := f.join(t, "ann", "Ann")

	ann.send(t, protocol.JoinRoom, protocol.JoinRoomPayload{ID: "zed", Name: "Zed"})
	f.join(t, "bob", "Bob")

	if _, ok := f.state(t).Snapshot.Players["zed"]; ok {
		t.Fatal("second identity joined over a bound connection")
	}

	_ = ann.conn.Close()
	f.waitFor(t, "ann flagged", func(st State) bool {
		return !st.Snapshot.Players["ann"].Connected
	})
}

func TestSubmitForAnotherPlayerIgnored(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.join(t, "ann", "Ann")
	bob := f.join(t, "bob", "Bob")
	if err := f.host.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	st := f.waitFor(t, "round open", inRound)

	bob.send(t, protocol.SubmitAnswer, protocol.SubmitAnswerPayload{
		PlayerID:    "ann",
		AnswerIndex: st.Snapshot.CurrentQuestion.CorrectIndex,
	})
	bob.send(t, protocol.SubmitAnswer, protocol.SubmitAnswerPayload{PlayerID: "bob", AnswerIndex: 0, Comment: "easy"})
	st = f.waitFor(t, "bob answered", func(st State) bool { return st.Answered == 1 })

	if ann := st.Snapshot.Players["ann"]; ann.LastAnswer != nil || ann.Score != 0 {
		t.Fatalf("ann = %+v, want untouched", ann)
	}
	if len(st.Snapshot.RecentComments) != 1 || st.Snapshot.RecentComments[0].Text != "easy" {
		t.Fatalf("comments = %+v, want bob's comment", st.Snapshot.RecentComments)
	}
}

func TestDisconnectFlagsPlayer(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.join(t, "ann", "Ann")
	bob := f.join(t, "bob", "Bob")

	_ = bob.conn.Close()
	st := f.waitFor(t, "bob flagged", func(st State) bool {
		return !st.Snapshot.Players["bob"].Connected
	})
	if _, ok := st.Snapshot.Players["bob"]; !ok {
		t.Fatal("disconnected player was removed")
	}

	// reconnecting under the same id restores the same record
	f.joinVia(t, "bob-again", "bob", "Bob")
	if got := len(f.state(t).Snapshot.Players); got != 2 {
		t.Fatalf("players = %d, want 2", got)
	}
}

func TestDisconnectCompletesRound(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ann := f.join(t, "ann", "Ann")
	bob := f.join(t, "bob", "Bob")
	if err := f.host.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.waitFor(t, "round open", inRound)

	ann.send(t, protocol.SubmitAnswer, protocol.SubmitAnswerPayload{PlayerID: "ann", AnswerIndex: 1})
	f.waitFor(t, "ann answered", func(st State) bool { return st.Answered == 1 })
	_ = bob.conn.Close()

	f.waitFor(t, "round closed", func(st State) bool { return st.Snapshot.Status == protocol.StatusResult })
}

func TestQuotaExceededHalts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, failingSource{err: content.ErrQuotaExceeded})
	f.join(t, "ann", "Ann")

	if err := f.host.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.waitFor(t, "halt", func(st State) bool { return st.Halted != "" })

	err := f.host.Advance(ctx)
	if !errors.Is(err, content.ErrQuotaExceeded) || !errors.Is(err, ErrHalted) {
		t.Fatalf("Advance() error = %v, want ErrHalted wrapping ErrQuotaExceeded", err)
	}
	if st := f.state(t); st.Snapshot.Status != protocol.StatusStarting {
		t.Fatalf("status = %s, want %s", st.Snapshot.Status, protocol.StatusStarting)
	}
}

func TestRoundClockStartsWithRound(t *testing.T) {
	if testing.Short() {
		t.Skip("runs on the wall clock")
	}
	h := New(Config{RoomCode: "ABC123", TotalRounds: 1, RoundDuration: 1},
		peer.NewMemoryNetwork(), netaddr.Static(hostAddress), content.New(store.NewMemory()), nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errc
	})
	<-h.Ready()

	// open the round late in the first second so a free-running clock
	// would close it almost at once
	time.Sleep(700 * time.Millisecond)
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f := &fixture{host: h}
	f.waitFor(t, "round open", inRound)

	time.Sleep(600 * time.Millisecond)
	if st := f.state(t); st.Snapshot.Status != protocol.StatusQuestion {
		t.Fatalf("status = %s 600ms into a 1s round, want %s", st.Snapshot.Status, protocol.StatusQuestion)
	}
	f.waitFor(t, "round closed", func(st State) bool { return st.Snapshot.Status == protocol.StatusResult })
}

func TestStartTwiceRejected(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	if err := f.host.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := f.host.Start(context.Background()); err == nil {
		t.Fatal("second Start() error = nil, want error")
	}
}

func TestStoppedHost(t *testing.T) {
	h := New(Config{RoomCode: "ZZZ999"}, peer.NewMemoryNetwork(), nil, content.New(store.NewMemory()), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = h.Run(ctx)

	if _, err := h.State(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("State() error = %v, want ErrStopped", err)
	}
}
