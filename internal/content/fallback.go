package content

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/Seednode/triviabox/internal/protocol"
)

//go:embed fallback.json
var fallbackJSON []byte

var ErrMalformed = errors.New("malformed generation response")

// item is the generator's question shape.
type item struct {
	Question     string   `json:"question"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correctIndex"`
	Context      string   `json:"context"`
}

func (it item) toQuestion() protocol.Question {
	return protocol.Question{
		ID:           uuid.NewString(),
		Text:         strings.TrimSpace(it.Question),
		Options:      append([]string(nil), it.Options...),
		CorrectIndex: it.CorrectIndex,
		Context:      it.Context,
	}
}

// Bank is a fixed set of questions served when generation is unavailable.
type Bank struct {
	items []item
}

// DefaultBank returns the built-in bank.
func DefaultBank() *Bank {
	b, err := NewBank(fallbackJSON)
	if err != nil {
		panic(fmt.Sprintf("embedded fallback bank: %v", err))
	}
	return b
}

// NewBank parses a JSON array of questions. Invalid entries are rejected.
func NewBank(raw []byte) (*Bank, error) {
	var items []item
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errors.New("fallback bank is empty")
	}
	for i, it := range items {
		if err := it.toQuestion().Validate(); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
	}
	return &Bank{items: items}, nil
}

func (b *Bank) Len() int { return len(b.items) }

// Draw returns a random question with a fresh id.
func (b *Bank) Draw() protocol.Question {
	return b.items[rand.IntN(len(b.items))].toQuestion()
}

// parseQuestions extracts questions from model output. The text may be wrapped
// in markdown code fences, and may hold either one object or an array.
// Invalid entries are dropped; no valid entry at all is ErrMalformed.
func parseQuestions(text string) ([]protocol.Question, error) {
	text = stripFences(text)
	if !gjson.Valid(text) {
		return nil, fmt.Errorf("%w: not json", ErrMalformed)
	}

	var items []item
	switch res := gjson.Parse(text); {
	case res.IsArray():
		if err := json.Unmarshal([]byte(text), &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	case res.IsObject():
		var it item
		if err := json.Unmarshal([]byte(text), &it); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		items = []item{it}
	default:
		return nil, fmt.Errorf("%w: unexpected %s", ErrMalformed, res.Type)
	}

	out := make([]protocol.Question, 0, len(items))
	for _, it := range items {
		q := it.toQuestion()
		if q.Validate() != nil {
			continue
		}
		out = append(out, q)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no valid questions", ErrMalformed)
	}
	return out, nil
}

func stripFences(s string) string {
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}
