// Package session holds the trivia session model and the state machine that
// drives it.
//
// A Session is not safe for concurrent use. The host owns exactly one and only
// touches it from its dispatch loop; players keep a replica that is written
// only by inbound protocol events.
package session

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/Seednode/triviabox/internal/protocol"
)

const (
	DefaultTotalRounds   = 5
	DefaultRoundDuration = 30

	// CommentCapacity bounds the recent comments queue; the oldest is evicted.
	CommentCapacity = 5

	// MaxCommentLength is measured in runes. Longer comments are truncated.
	MaxCommentLength = 140
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNoRound           = errors.New("no round in progress")
	ErrUnknownPlayer     = errors.New("unknown player")
	ErrAlreadyAnswered   = errors.New("answer already submitted this round")
	ErrAnswerOutOfRange  = errors.New("answer index out of range")
)

// Session is the authoritative game model (host) or its replica (player).
type Session struct {
	RoomCode        string
	Status          protocol.Status
	CurrentRound    int
	TotalRounds     int
	RoundDuration   int
	TimeLeft        int
	Players         map[string]*protocol.Player
	CurrentQuestion *protocol.Question
	Comments        []protocol.Comment
	Winner          *protocol.Player

	// awaiting is set between Advance and the BeginRound that follows it.
	awaiting bool
}

// New returns a session in the lobby. Non-positive values fall back to the
// defaults.
func New(roomCode string, totalRounds, roundDuration int) *Session {
	if totalRounds <= 0 {
		totalRounds = DefaultTotalRounds
	}
	if roundDuration <= 0 {
		roundDuration = DefaultRoundDuration
	}
	return &Session{
		RoomCode:      roomCode,
		Status:        protocol.StatusLobby,
		TotalRounds:   totalRounds,
		RoundDuration: roundDuration,
		Players:       make(map[string]*protocol.Player),
	}
}

// Join registers a player, or marks a known one as connected again. Players
// are never removed.
func (s *Session) Join(id, name string) (protocol.Player, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return protocol.Player{}, false, errors.New("player id is required")
	}
	if p, ok := s.Players[id]; ok {
		p.Connected = true
		return *p, false, nil
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = "Player " + id[:min(4, len(id))]
	}
	p := &protocol.Player{ID: id, Name: name, Connected: true}
	s.Players[id] = p
	return *p, true, nil
}

// SetConnected flips a player's liveness flag. Unknown ids are ignored.
func (s *Session) SetConnected(id string, connected bool) {
	if p, ok := s.Players[id]; ok {
		p.Connected = connected
	}
}

// Start moves the lobby into STARTING.
func (s *Session) Start() error {
	if s.Status != protocol.StatusLobby {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, s.Status)
	}
	s.Status = protocol.StatusStarting
	return nil
}

// AwaitingQuestion reports whether the session is ready for BeginRound.
func (s *Session) AwaitingQuestion() bool {
	return s.Status == protocol.StatusStarting ||
		(s.Status == protocol.StatusLeaderboard && s.awaiting)
}

// BeginRound installs q as the current question and opens the round. The
// returned payload carries the redacted question and the timer seed.
func (s *Session) BeginRound(q protocol.Question) (protocol.NewQuestionPayload, error) {
	if !s.AwaitingQuestion() {
		return protocol.NewQuestionPayload{}, fmt.Errorf("%w: begin round from %s", ErrInvalidTransition, s.Status)
	}
	if err := q.Validate(); err != nil {
		return protocol.NewQuestionPayload{}, err
	}

	q.Options = append([]string(nil), q.Options...)
	s.CurrentQuestion = &q
	for _, p := range s.Players {
		p.LastAnswer = nil
	}
	s.Comments = nil
	s.TimeLeft = s.RoundDuration
	s.Status = protocol.StatusQuestion
	s.awaiting = false

	return protocol.NewQuestionPayload{
		Question:    q.Redacted(),
		TimeLeft:    s.TimeLeft,
		Round:       s.CurrentRound,
		TotalRounds: s.TotalRounds,
	}, nil
}

// Result describes a scored submission.
type Result struct {
	Player  protocol.Player
	Correct bool
	Points  int
}

// Submit scores one answer. A player gets exactly one submission per round;
// later ones are rejected and leave score and streak untouched.
func (s *Session) Submit(playerID string, answerIndex int, comment string) (Result, error) {
	if s.Status != protocol.StatusQuestion || s.CurrentQuestion == nil {
		return Result{}, ErrNoRound
	}
	p, ok := s.Players[playerID]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownPlayer, playerID)
	}
	if p.LastAnswer != nil {
		return Result{}, ErrAlreadyAnswered
	}
	if answerIndex < 0 || answerIndex >= len(s.CurrentQuestion.Options) {
		return Result{}, fmt.Errorf("%w: %d", ErrAnswerOutOfRange, answerIndex)
	}

	correct := answerIndex == s.CurrentQuestion.CorrectIndex
	points := Score(correct, s.TimeLeft)

	idx := answerIndex
	p.LastAnswer = &idx
	p.Score += points
	if correct {
		p.Streak++
	} else {
		p.Streak = 0
	}

	if c := trimComment(comment); c != "" {
		s.addComment(protocol.Comment{PlayerID: p.ID, PlayerName: p.Name, Text: c})
	}

	return Result{Player: *p, Correct: correct, Points: points}, nil
}

// Score is the points awarded for one answer.
func Score(correct bool, timeLeft int) int {
	if !correct {
		return 0
	}
	return 100 + 2*max(timeLeft, 0)
}

// AllAnswered reports whether every connected player has answered the
// current round. A room with nobody connected never counts as answered.
func (s *Session) AllAnswered() bool {
	if s.Status != protocol.StatusQuestion {
		return false
	}
	connected := 0
	for _, p := range s.Players {
		if !p.Connected {
			continue
		}
		connected++
		if p.LastAnswer == nil {
			return false
		}
	}
	return connected > 0
}

// AnsweredCount returns how many players answered the current round.
func (s *Session) AnsweredCount() int {
	n := 0
	for _, p := range s.Players {
		if p.LastAnswer != nil {
			n++
		}
	}
	return n
}

// Tick advances the host countdown by one second while a round is open and
// reports whether the timer has run out.
func (s *Session) Tick() bool {
	if s.Status != protocol.StatusQuestion {
		return false
	}
	if s.TimeLeft > 0 {
		s.TimeLeft--
	}
	return s.TimeLeft == 0
}

// EndRound closes the current round. It is a compare-and-set on the status
// tag: only the first caller while the status is QUESTION performs the
// transition and gets ok == true. Every other caller is a no-op.
func (s *Session) EndRound() (protocol.RoundResultPayload, bool) {
	if s.Status != protocol.StatusQuestion || s.CurrentQuestion == nil {
		return protocol.RoundResultPayload{}, false
	}
	s.Status = protocol.StatusResult

	scores := make(map[string]int, len(s.Players))
	for id, p := range s.Players {
		scores[id] = p.Score
	}
	return protocol.RoundResultPayload{
		CorrectIndex: s.CurrentQuestion.CorrectIndex,
		Scores:       scores,
		Players:      s.Leaderboard(),
	}, true
}

// ShowLeaderboard moves RESULT to LEADERBOARD and retires the question.
func (s *Session) ShowLeaderboard() error {
	if s.Status != protocol.StatusResult {
		return fmt.Errorf("%w: leaderboard from %s", ErrInvalidTransition, s.Status)
	}
	s.Status = protocol.StatusLeaderboard
	s.CurrentQuestion = nil
	return nil
}

// Advance leaves the leaderboard. It either opens the next round index and
// waits for a question, or ends the game and picks the winner.
func (s *Session) Advance() (gameOver bool, err error) {
	if s.Status != protocol.StatusLeaderboard || s.awaiting {
		return false, fmt.Errorf("%w: advance from %s", ErrInvalidTransition, s.Status)
	}
	if s.CurrentRound < s.TotalRounds-1 {
		s.CurrentRound++
		s.awaiting = true
		return false, nil
	}

	s.Status = protocol.StatusGameOver
	if board := s.Leaderboard(); len(board) > 0 {
		w := board[0]
		s.Winner = &w
	}
	return true, nil
}

// Leaderboard returns players by descending score. Ties go to the longer
// streak, then to the lexically lower player id.
func (s *Session) Leaderboard() []protocol.Player {
	out := make([]protocol.Player, 0, len(s.Players))
	for _, p := range s.Players {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Streak != out[j].Streak {
			return out[i].Streak > out[j].Streak
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Snapshot copies the session for SYNC_STATE. With redact set, an open
// round's correct answer is hidden.
func (s *Session) Snapshot(redact bool) protocol.Snapshot {
	snap := protocol.Snapshot{
		RoomCode:     s.RoomCode,
		Status:       s.Status,
		CurrentRound: s.CurrentRound,
		TotalRounds:  s.TotalRounds,
		TimeLeft:     s.TimeLeft,
		Players:      make(map[string]protocol.Player, len(s.Players)),
	}
	for id, p := range s.Players {
		cp := *p
		if p.LastAnswer != nil {
			v := *p.LastAnswer
			cp.LastAnswer = &v
		}
		snap.Players[id] = cp
	}
	if s.CurrentQuestion != nil {
		q := *s.CurrentQuestion
		if redact && s.Status == protocol.StatusQuestion {
			q = q.Redacted()
		} else {
			q.Options = append([]string(nil), q.Options...)
		}
		snap.CurrentQuestion = &q
	}
	if len(s.Comments) > 0 {
		snap.RecentComments = append([]protocol.Comment(nil), s.Comments...)
	}
	if s.Winner != nil {
		w := *s.Winner
		snap.Winner = &w
	}
	return snap
}

// Restore replaces the session contents with snap.
func (s *Session) Restore(snap protocol.Snapshot) {
	s.RoomCode = snap.RoomCode
	s.Status = snap.Status
	s.CurrentRound = snap.CurrentRound
	if snap.TotalRounds > 0 {
		s.TotalRounds = snap.TotalRounds
	}
	s.TimeLeft = max(0, snap.TimeLeft)
	s.RoundDuration = max(s.RoundDuration, s.TimeLeft)
	s.Players = make(map[string]*protocol.Player, len(snap.Players))
	for id, p := range snap.Players {
		cp := p
		s.Players[id] = &cp
	}
	s.CurrentQuestion = nil
	if snap.CurrentQuestion != nil && (snap.Status == protocol.StatusQuestion || snap.Status == protocol.StatusResult) {
		q := *snap.CurrentQuestion
		s.CurrentQuestion = &q
	}
	s.Comments = append([]protocol.Comment(nil), snap.RecentComments...)
	s.Winner = snap.Winner
	s.awaiting = false
}

func (s *Session) addComment(c protocol.Comment) {
	s.Comments = append(s.Comments, c)
	if n := len(s.Comments); n > CommentCapacity {
		s.Comments = append([]protocol.Comment(nil), s.Comments[n-CommentCapacity:]...)
	}
}

func trimComment(c string) string {
	c = strings.TrimSpace(c)
	if utf8.RuneCountInString(c) <= MaxCommentLength {
		return c
	}
	r := []rune(c)
	return string(r[:MaxCommentLength])
}
