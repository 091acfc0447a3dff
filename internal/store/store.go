// Package store is the process-local key/value repository used for player
// identity, the question pool and the served-question history.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Well-known keys.
const (
	KeyIdentity   = "player/identity"
	KeyLastAnswer = "player/last_answer"
	KeyPool       = "content/pool"
	KeyHistory    = "content/history"
)

var ErrNotFound = errors.New("key not found")

// Store is a small key/value repository. Set and Get address scalar values;
// Append and List address bounded lists, which share the key space with
// scalars but are stored separately.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error

	// Append adds value to the end of the list at key, then evicts from the
	// front until at most limit entries remain. A limit <= 0 means unbounded.
	Append(ctx context.Context, key string, value []byte, limit int) error
	List(ctx context.Context, key string) ([][]byte, error)
}

// GetJSON decodes the value at key into dst.
func GetJSON(ctx context.Context, s Store, key string, dst any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes v and stores it at key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw)
}

// Memory is an in-process Store.
type Memory struct {
	mu     sync.Mutex
	values map[string][]byte
	lists  map[string][][]byte
}

func NewMemory() *Memory {
	return &Memory{
		values: make(map[string][]byte),
		lists:  make(map[string][][]byte),
	}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.values, key)
	delete(m.lists, key)
	return nil
}

func (m *Memory) Append(ctx context.Context, key string, value []byte, limit int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	l := append(m.lists[key], append([]byte(nil), value...))
	if limit > 0 && len(l) > limit {
		l = append([][]byte(nil), l[len(l)-limit:]...)
	}
	m.lists[key] = l
	return nil
}

func (m *Memory) List(ctx context.Context, key string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.lists[key]
	out := make([][]byte, len(l))
	for i, v := range l {
		out[i] = append([]byte(nil), v...)
	}
	return out, nil
}
