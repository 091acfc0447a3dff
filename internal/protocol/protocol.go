// Package protocol defines the wire envelope exchanged between the host and its
// players, and the payload carried by each event kind.
//
// Every message is a JSON object of the form {"type": ..., "payload": ...}.
// Direction matters: players only ever send JOIN_ROOM and SUBMIT_ANSWER, and
// everything else flows from the host outwards.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type names one event kind.
type Type string

const (
	JoinRoom     Type = "JOIN_ROOM"     // player -> host
	PlayerJoined Type = "PLAYER_JOINED" // host -> players
	NewQuestion  Type = "NEW_QUESTION"  // host -> players
	SubmitAnswer Type = "SUBMIT_ANSWER" // player -> host
	RoundResult  Type = "ROUND_RESULT"  // host -> players
	SyncState    Type = "SYNC_STATE"    // host -> late-joining player
	GameOver     Type = "GAME_OVER"     // host -> players
)

// OptionCount is the number of answer options every question carries.
const OptionCount = 5

// HiddenIndex replaces a question's correct index before the round is over.
const HiddenIndex = -1

var ErrUnknownType = errors.New("unknown event type")

// Envelope is the transport unit.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Status is the session state tag.
type Status string

const (
	StatusLobby       Status = "LOBBY"
	StatusStarting    Status = "STARTING"
	StatusQuestion    Status = "QUESTION"
	StatusResult      Status = "RESULT"
	StatusLeaderboard Status = "LEADERBOARD"
	StatusGameOver    Status = "GAME_OVER"
)

// Question is one multiple choice item.
type Question struct {
	ID           string   `json:"id"`
	Text         string   `json:"text"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correctIndex"`
	Context      string   `json:"context,omitempty"`
}

// Validate reports whether q is servable.
func (q Question) Validate() error {
	if q.Text == "" {
		return errors.New("question text is empty")
	}
	if len(q.Options) != OptionCount {
		return fmt.Errorf("question has %d options, want %d", len(q.Options), OptionCount)
	}
	if q.CorrectIndex < 0 || q.CorrectIndex >= OptionCount {
		return fmt.Errorf("correct index %d out of range", q.CorrectIndex)
	}
	return nil
}

// Redacted returns a copy of q with the answer hidden.
func (q Question) Redacted() Question {
	q.Options = append([]string(nil), q.Options...)
	q.CorrectIndex = HiddenIndex
	return q
}

// Player is a participant record as seen on the wire.
type Player struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Score      int    `json:"score"`
	Streak     int    `json:"streak"`
	LastAnswer *int   `json:"lastAnswer,omitempty"`
	Connected  bool   `json:"connected"`
}

// Comment is a short remark a player attached to an answer.
type Comment struct {
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
	Text       string `json:"text"`
}

type JoinRoomPayload struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

type NewQuestionPayload struct {
	Question    Question `json:"question"`
	TimeLeft    int      `json:"timeLeft"`
	Round       int      `json:"round"`
	TotalRounds int      `json:"totalRounds"`
}

type SubmitAnswerPayload struct {
	PlayerID    string `json:"playerId"`
	AnswerIndex int    `json:"answerIndex"`
	Comment     string `json:"comment,omitempty"`
}

// RoundResultPayload reveals the answer. Players carries every record in
// leaderboard order so replicas see the same standings as the host.
type RoundResultPayload struct {
	CorrectIndex int            `json:"correctIndex"`
	Scores       map[string]int `json:"scores,omitempty"`
	Players      []Player       `json:"players,omitempty"`
}

type GameOverPayload struct {
	Winner *Player `json:"winner"`
}

// Snapshot is the full session state sent with SYNC_STATE.
type Snapshot struct {
	RoomCode        string            `json:"roomCode"`
	Status          Status            `json:"status"`
	CurrentRound    int               `json:"currentRound"`
	TotalRounds     int               `json:"totalRounds"`
	TimeLeft        int               `json:"timeLeft"`
	Players         map[string]Player `json:"players"`
	CurrentQuestion *Question         `json:"currentQuestion,omitempty"`
	RecentComments  []Comment         `json:"recentComments,omitempty"`
	Winner          *Player           `json:"winner,omitempty"`
}

// Encode wraps payload in an envelope of kind t.
func Encode(t Type, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", t, err)
	}
	return Envelope{Type: t, Payload: raw}, nil
}

// MustEncode is Encode for payloads that cannot fail to marshal.
func MustEncode(t Type, payload any) Envelope {
	env, err := Encode(t, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the payload of env into the matching payload type.
func Decode(env Envelope) (any, error) {
	var dst any
	switch env.Type {
	case JoinRoom:
		dst = &JoinRoomPayload{}
	case PlayerJoined:
		dst = &Player{}
	case NewQuestion:
		dst = &NewQuestionPayload{}
	case SubmitAnswer:
		dst = &SubmitAnswerPayload{}
	case RoundResult:
		dst = &RoundResultPayload{}
	case SyncState:
		dst = &Snapshot{}
	case GameOver:
		dst = &GameOverPayload{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%s: empty payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", env.Type, err)
	}
	return dst, nil
}
