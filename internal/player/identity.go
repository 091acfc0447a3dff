package player

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/Seednode/triviabox/internal/store"
)

// Identity is who this player is across restarts.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// LoadIdentity returns the stored identity, creating one on first use. A
// non-empty name replaces the stored one.
func LoadIdentity(ctx context.Context, s store.Store, name string) (Identity, error) {
	name = strings.TrimSpace(name)

	var id Identity
	err := store.GetJSON(ctx, s, store.KeyIdentity, &id)
	switch {
	case errors.Is(err, store.ErrNotFound) || (err == nil && id.ID == ""):
		id = Identity{ID: uuid.NewString(), Name: name}
	case err != nil:
		return Identity{}, err
	case name == "" || name == id.Name:
		return id, nil
	default:
		id.Name = name
	}

	if err := store.SetJSON(ctx, s, store.KeyIdentity, id); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// lastAnswer is the persisted answer for one question.
type lastAnswer struct {
	QuestionID string `json:"questionId"`
	Index      int    `json:"index"`
}
