// Package player is the participant side of a room: a replica of the host's
// session that only inbound protocol events may change, plus the player's own
// pending answer.
package player

import (
	"errors"
	"fmt"

	"github.com/Seednode/triviabox/internal/protocol"
	"github.com/Seednode/triviabox/internal/session"
)

var ErrWrongDirection = errors.New("message is not addressed to players")

// Replica mirrors the host session.
type Replica struct {
	Self    string
	Session *session.Session

	// Pending is this player's answer for the open round.
	Pending *int
}

func NewReplica(self string) *Replica {
	return &Replica{
		Self:    self,
		Session: session.New("", 0, 0),
	}
}

// View is a copy of the replica for display.
type View struct {
	Self        string            `json:"self"`
	Snapshot    protocol.Snapshot `json:"session"`
	Leaderboard []protocol.Player `json:"leaderboard"`
	Pending     *int              `json:"pending,omitempty"`
}

func (r *Replica) View() View {
	v := View{
		Self:        r.Self,
		Snapshot:    r.Session.Snapshot(false),
		Leaderboard: r.Session.Leaderboard(),
	}
	if r.Pending != nil {
		p := *r.Pending
		v.Pending = &p
	}
	return v
}

// Apply folds one host event into the replica.
func (r *Replica) Apply(env protocol.Envelope) error {
	v, err := protocol.Decode(env)
	if err != nil {
		return err
	}
	s := r.Session

	switch p := v.(type) {
	case *protocol.Player:
		cp := *p
		s.Players[p.ID] = &cp

	case *protocol.NewQuestionPayload:
		q := p.Question
		s.CurrentQuestion = &q
		s.CurrentRound = p.Round
		if p.TotalRounds > 0 {
			s.TotalRounds = p.TotalRounds
		}
		s.TimeLeft = max(0, p.TimeLeft)
		s.RoundDuration = max(s.RoundDuration, s.TimeLeft)
		s.Status = protocol.StatusQuestion
		s.Comments = nil
		for _, pl := range s.Players {
			pl.LastAnswer = nil
		}
		r.Pending = nil

	case *protocol.RoundResultPayload:
		if s.Status != protocol.StatusQuestion {
			return nil
		}
		s.Status = protocol.StatusResult
		if s.CurrentQuestion != nil {
			s.CurrentQuestion.CorrectIndex = p.CorrectIndex
		}
		if len(p.Players) > 0 {
			for _, pl := range p.Players {
				cp := pl
				s.Players[pl.ID] = &cp
			}
		} else {
			r.applyScores(p)
		}

	case *protocol.Snapshot:
		s.Restore(*p)
		r.Pending = nil
		if me, ok := p.Players[r.Self]; ok && me.LastAnswer != nil {
			idx := *me.LastAnswer
			r.Pending = &idx
		}

	case *protocol.GameOverPayload:
		s.Status = protocol.StatusGameOver
		s.CurrentQuestion = nil
		s.Winner = p.Winner

	default:
		return fmt.Errorf("%w: %s", ErrWrongDirection, env.Type)
	}
	return nil
}

// applyScores folds a result from a host that only sends scores. Only the
// local streak can be derived.
func (r *Replica) applyScores(p *protocol.RoundResultPayload) {
	for id, score := range p.Scores {
		if pl, ok := r.Session.Players[id]; ok {
			pl.Score = score
		}
	}
	if me, ok := r.Session.Players[r.Self]; ok {
		if r.Pending != nil && *r.Pending == p.CorrectIndex {
			me.Streak++
		} else {
			me.Streak = 0
		}
	}
}

// Tick runs the local countdown. It never closes the round; only the host
// does that.
func (r *Replica) Tick() {
	if r.Session.Status == protocol.StatusQuestion && r.Session.TimeLeft > 0 {
		r.Session.TimeLeft--
	}
}

// Answer records this player's choice for the open round and returns the
// message to send. Only one answer per round is allowed.
func (r *Replica) Answer(index int, comment string) (protocol.SubmitAnswerPayload, error) {
	s := r.Session
	if s.Status != protocol.StatusQuestion || s.CurrentQuestion == nil {
		return protocol.SubmitAnswerPayload{}, session.ErrNoRound
	}
	if r.Pending != nil {
		return protocol.SubmitAnswerPayload{}, session.ErrAlreadyAnswered
	}
	if index < 0 || index >= len(s.CurrentQuestion.Options) {
		return protocol.SubmitAnswerPayload{}, fmt.Errorf("%w: %d", session.ErrAnswerOutOfRange, index)
	}

	idx := index
	r.Pending = &idx
	return protocol.SubmitAnswerPayload{PlayerID: r.Self, AnswerIndex: index, Comment: comment}, nil
}
