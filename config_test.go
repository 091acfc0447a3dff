/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"testing"
)

func validHost() Config {
	return Config{port: 8080, rounds: 5, roundDuration: 30, preload: 10}
}

func TestValidateHost(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"cert without key", func(c *Config) { c.tlsCert = "cert.pem" }, true},
		{"cert and key", func(c *Config) { c.tlsCert, c.tlsKey = "cert.pem", "key.pem" }, false},
		{"port zero", func(c *Config) { c.port = 0 }, true},
		{"port too large", func(c *Config) { c.port = 70000 }, true},
		{"no rounds", func(c *Config) { c.rounds = 0 }, true},
		{"zero duration", func(c *Config) { c.roundDuration = 0 }, true},
		{"negative settle", func(c *Config) { c.answerSettle = -1 }, true},
		{"preload zero", func(c *Config) { c.preload = 0 }, true},
		{"preload one", func(c *Config) { c.preload = 1 }, false},
		{"preload too large", func(c *Config) { c.preload = 51 }, true},
		{"lower case room", func(c *Config) { c.room = "abcd12" }, false},
		{"room with symbols", func(c *Config) { c.room = "AB-12" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validHost()
			tt.mutate(&c)
			if err := c.validateHost(); (err != nil) != tt.wantErr {
				t.Fatalf("validateHost() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateHostUppercasesRoom(t *testing.T) {
	c := validHost()
	c.room = "abcd12"
	if err := c.validateHost(); err != nil {
		t.Fatalf("validateHost() error = %v", err)
	}
	if c.room != "ABCD12" {
		t.Fatalf("room = %q, want ABCD12", c.room)
	}
}

func TestValidatePlay(t *testing.T) {
	tests := []struct {
		name    string
		host    string
		room    string
		wantErr bool
	}{
		{"http", "http://127.0.0.1:8080", "ABC123", false},
		{"wss with prefix", "wss://quiz.example.com/trivia", " abc123 ", false},
		{"missing room", "http://127.0.0.1:8080", "", true},
		{"bad scheme", "ftp://127.0.0.1", "ABC123", true},
		{"no host", "http://", "ABC123", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Config{hostURL: tt.host, room: tt.room}
			if err := c.validatePlay(); (err != nil) != tt.wantErr {
				t.Fatalf("validatePlay() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHostConfig(t *testing.T) {
	c := validHost()
	c.room = "ABC123"
	c.affinity = true

	hc := c.hostConfig()
	if hc.RoomCode != "ABC123" || hc.TotalRounds != 5 || hc.RoundDuration != 30 || !hc.EnforceAffinity || hc.PreloadTarget != 10 {
		t.Fatalf("hostConfig() = %+v", hc)
	}
}

func TestEnvOverridesFlags(t *testing.T) {
	t.Setenv("TRIVIABOX_ROUNDS", "7")
	t.Setenv("TRIVIABOX_REDIS_NAMESPACE", "party")

	cfg := &Config{}
	cmd := newCmd(cfg)
	hostCmd, _, err := cmd.Find([]string{"host"})
	if err != nil {
		t.Fatalf("Find(host) error = %v", err)
	}

	if cfg.rounds != 7 {
		t.Fatalf("rounds = %d, want 7", cfg.rounds)
	}
	if cfg.redisNamespace != "party" {
		t.Fatalf("redis namespace = %q, want party", cfg.redisNamespace)
	}
	if hostCmd.Name() != "host" {
		t.Fatalf("found command %q, want host", hostCmd.Name())
	}
}
