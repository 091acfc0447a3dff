package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	valuePrefix = "triviabox:kv:"
	listPrefix  = "triviabox:list:"
)

// Redis keeps state in a Redis instance. Every key is namespaced, so several
// hosts may share one server as long as their namespaces differ.
type Redis struct {
	client    *redis.Client
	namespace string
}

// NewRedis connects to addr and verifies connectivity.
func NewRedis(ctx context.Context, addr, password string, db int, namespace string, logger *zap.Logger) (*Redis, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	logger.Info("redis store connected", zap.String("addr", addr), zap.String("namespace", namespace))
	return &Redis{client: rdb, namespace: namespace}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) valueKey(key string) string { return valuePrefix + r.namespace + ":" + key }
func (r *Redis) listKey(key string) string  { return listPrefix + r.namespace + ":" + key }

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, r.valueKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.valueKey(key), value, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.valueKey(key), r.listKey(key)).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Append(ctx context.Context, key string, value []byte, limit int) error {
	lk := r.listKey(key)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, lk, value)
		if limit > 0 {
			pipe.LTrim(ctx, lk, int64(-limit), -1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append %s: %w", key, err)
	}
	return nil
}

func (r *Redis) List(ctx context.Context, key string) ([][]byte, error) {
	vals, err := r.client.LRange(ctx, r.listKey(key), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", key, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}
