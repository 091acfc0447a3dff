/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/Seednode/triviabox/internal/content"
	"github.com/Seednode/triviabox/internal/netaddr"
	"github.com/Seednode/triviabox/internal/store"
)

// openStore picks redis, then sqlite, then memory, depending on which flags
// are set.
func openStore(ctx context.Context, cfg *Config, logger *zap.Logger) (store.Store, func(), error) {
	switch {
	case cfg.redisAddr != "":
		r, err := store.NewRedis(ctx, cfg.redisAddr, cfg.redisPassword, cfg.redisDB, cfg.redisNamespace, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using redis store", zap.String("addr", cfg.redisAddr), zap.String("namespace", cfg.redisNamespace))
		return r, func() { _ = r.Close() }, nil

	case cfg.stateFile != "":
		s, err := store.OpenSQLite(cfg.stateFile)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using sqlite store", zap.String("path", cfg.stateFile))
		return s, func() { _ = s.Close() }, nil
	}

	logger.Debug("using in-memory store")
	return store.NewMemory(), func() {}, nil
}

// defaultStateFile is where a player's identity lives when no store is
// configured, so it survives restarts.
func defaultStateFile() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	dir = filepath.Join(dir, "triviabox")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(dir, "player.db"), nil
}

// openPlayerStore is openStore with a sqlite file under the user config
// directory in place of memory.
func openPlayerStore(ctx context.Context, cfg *Config, logger *zap.Logger) (store.Store, func(), error) {
	if cfg.redisAddr != "" || cfg.stateFile != "" {
		return openStore(ctx, cfg, logger)
	}

	path, err := defaultStateFile()
	if err != nil {
		logger.Warn("no config directory, identity will not persist", zap.Error(err))
		return openStore(ctx, cfg, logger)
	}
	c := *cfg
	c.stateFile = path
	return openStore(ctx, &c, logger)
}

func newResolver(cfg *Config, logger *zap.Logger) netaddr.Resolver {
	if cfg.address != "" {
		return netaddr.Static(cfg.address)
	}
	r := netaddr.NewHTTPResolver(logger)
	if cfg.ipEndpoint != "" {
		r.Endpoint = cfg.ipEndpoint
	}
	return r
}

// newGenerator returns nil when neither a key nor a proxy is configured, so
// the pipeline serves built-in questions only.
func newGenerator(cfg *Config) *content.GeminiClient {
	if cfg.geminiKey == "" && cfg.generateURL == "" {
		return nil
	}
	c := content.NewGeminiClient(cfg.geminiKey, cfg.generateURL)
	c.Endpoint = cfg.geminiEndpoint
	return c
}
