/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Seednode/triviabox/internal/content"
	"github.com/Seednode/triviabox/internal/host"
	"github.com/Seednode/triviabox/internal/session"
)

const envPrefix = "TRIVIABOX"

type Config struct {
	// shared
	address        string
	ipEndpoint     string
	redisAddr      string
	redisDB        int
	redisNamespace string
	redisPassword  string
	stateFile      string
	verbose        bool

	// host
	affinity       bool
	answerSettle   time.Duration
	bind           string
	console        bool
	generateURL    string
	geminiKey      string
	geminiEndpoint string
	port           int
	prefix         string
	preload        int
	profile        bool
	room           string
	roundDuration  int
	rounds         int
	tlsCert        string
	tlsKey         string

	// play
	hostURL string
	name    string
}

func (c *Config) validateHost() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.rounds < 1 {
		return fmt.Errorf("invalid round count (must be at least 1): %d", c.rounds)
	}
	if c.roundDuration < 1 {
		return fmt.Errorf("invalid round duration (must be at least 1 second): %d", c.roundDuration)
	}
	if c.answerSettle < 0 {
		return fmt.Errorf("invalid answer settle delay: %s", c.answerSettle)
	}
	if c.preload < 1 || c.preload > 50 {
		return fmt.Errorf("invalid preload target (must be between 1-50 inclusive): %d", c.preload)
	}
	if c.room != "" {
		c.room = strings.ToUpper(c.room)
		if !session.ValidRoomCode(c.room) {
			return fmt.Errorf("invalid room code: %q", c.room)
		}
	}
	return nil
}

func (c *Config) validatePlay() error {
	c.room = strings.ToUpper(strings.TrimSpace(c.room))
	if !session.ValidRoomCode(c.room) {
		return fmt.Errorf("invalid room code: %q", c.room)
	}
	u, err := url.Parse(c.hostURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid host url: %q", c.hostURL)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("unsupported host url scheme: %q", u.Scheme)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func (c *Config) hostConfig() host.Config {
	return host.Config{
		RoomCode:        c.room,
		TotalRounds:     c.rounds,
		RoundDuration:   c.roundDuration,
		AnswerSettle:    c.answerSettle,
		EnforceAffinity: c.affinity,
		PreloadTarget:   c.preload,
	}
}

// bindEnv lets every flag in fs be set from TRIVIABOX_<FLAG_NAME>.
func bindEnv(fs *pflag.FlagSet) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})
}

func newCmd(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "triviabox",
		Short:         "Live trivia for a room full of phones, hosted from a single binary.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
	}

	fs := cmd.PersistentFlags()
	fs.StringVar(&cfg.address, "address", "", "public address to report for the room affinity check, instead of looking it up (env: TRIVIABOX_ADDRESS)")
	fs.StringVar(&cfg.ipEndpoint, "ip-endpoint", "https://api.ipify.org?format=json", "ipify-compatible endpoint used to look up the public address (env: TRIVIABOX_IP_ENDPOINT)")
	fs.StringVar(&cfg.redisAddr, "redis-addr", "", "store state in redis at this address instead of locally (env: TRIVIABOX_REDIS_ADDR)")
	fs.IntVar(&cfg.redisDB, "redis-db", 0, "redis database number (env: TRIVIABOX_REDIS_DB)")
	fs.StringVar(&cfg.redisNamespace, "redis-namespace", "default", "prefix for redis keys, to share one server between instances (env: TRIVIABOX_REDIS_NAMESPACE)")
	fs.StringVar(&cfg.redisPassword, "redis-password", "", "redis password (env: TRIVIABOX_REDIS_PASSWORD)")
	fs.StringVar(&cfg.stateFile, "state-file", "", "persist state to this sqlite file; play defaults to one under the user config directory, host to memory (env: TRIVIABOX_STATE_FILE)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: TRIVIABOX_VERBOSE)")
	bindEnv(fs)

	cmd.AddCommand(newHostCmd(cfg), newPlayCmd(cfg))

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("triviabox v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}

func newHostCmd(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Open a room and run the game.",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validateHost(); err != nil {
				return err
			}
			return ServeRoom(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()
	fs.BoolVar(&cfg.affinity, "affinity", true, "only admit players reporting the same public address as the host (env: TRIVIABOX_AFFINITY)")
	fs.DurationVar(&cfg.answerSettle, "answer-settle", host.DefaultAnswerSettle, "pause after the last answer before the round closes (env: TRIVIABOX_ANSWER_SETTLE)")
	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: TRIVIABOX_BIND)")
	fs.BoolVar(&cfg.console, "console", true, "read start/next/state commands from stdin (env: TRIVIABOX_CONSOLE)")
	fs.StringVar(&cfg.generateURL, "generate-url", "", "generation proxy to use when no api key is set, e.g. another host's /api/generate (env: TRIVIABOX_GENERATE_URL)")
	fs.StringVar(&cfg.geminiKey, "gemini-key", "", "api key for question generation; without one, built-in questions are used (env: TRIVIABOX_GEMINI_KEY)")
	fs.StringVar(&cfg.geminiEndpoint, "gemini-endpoint", content.DefaultGeminiEndpoint, "generateContent endpoint (env: TRIVIABOX_GEMINI_ENDPOINT)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: TRIVIABOX_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: TRIVIABOX_PREFIX)")
	fs.IntVar(&cfg.preload, "preload", content.HighWater, "questions to generate before the game starts (env: TRIVIABOX_PRELOAD)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: TRIVIABOX_PROFILE)")
	fs.StringVarP(&cfg.room, "room", "r", "", "room code; generated when empty (env: TRIVIABOX_ROOM)")
	fs.IntVar(&cfg.roundDuration, "round-duration", session.DefaultRoundDuration, "seconds per round (env: TRIVIABOX_ROUND_DURATION)")
	fs.IntVar(&cfg.rounds, "rounds", session.DefaultTotalRounds, "number of rounds (env: TRIVIABOX_ROUNDS)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: TRIVIABOX_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: TRIVIABOX_TLS_KEY)")
	bindEnv(fs)

	return cmd
}

func newPlayCmd(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Join a room as a player.",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validatePlay(); err != nil {
				return err
			}
			return Play(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&cfg.hostURL, "host", "H", "http://127.0.0.1:8080", "url of the host, including any prefix (env: TRIVIABOX_HOST)")
	fs.StringVarP(&cfg.name, "name", "n", "", "display name; remembered between runs (env: TRIVIABOX_NAME)")
	fs.StringVarP(&cfg.room, "room", "r", "", "room code to join (env: TRIVIABOX_ROOM)")
	bindEnv(fs)

	return cmd
}
