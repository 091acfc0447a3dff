/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/Seednode/triviabox/internal/peer"
	"github.com/Seednode/triviabox/internal/player"
	"github.com/Seednode/triviabox/internal/protocol"
)

// peerBaseURL turns the host's web address into the websocket origin peers
// dial.
func peerBaseURL(hostURL string) (string, error) {
	u, err := url.Parse(hostURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported host url scheme: %q", u.Scheme)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimSuffix(u.String(), "/"), nil
}

func Play(ctx context.Context, cfg *Config) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	base, err := peerBaseURL(cfg.hostURL)
	if err != nil {
		return err
	}

	st, closeStore, err := openPlayerStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	id, err := player.LoadIdentity(ctx, st, cfg.name)
	if err != nil {
		return err
	}
	if id.Name == "" {
		return errors.New("a display name is required the first time, use --name")
	}

	client := player.NewClient(player.Config{
		Room:     cfg.room,
		Identity: id,
		OnUpdate: func(t protocol.Type, v player.View) {
			printUpdate(os.Stdout, t, v)
		},
	}, peer.NewWebSocketNetwork(base, logger), newResolver(cfg, logger), st, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-client.Ready():
			fmt.Fprintf(os.Stdout, "joined room %s as %s; answer with <option> [comment]\n", cfg.room, id.Name)
			readAnswers(ctx, os.Stdin, os.Stdout, client)
		case <-ctx.Done():
		}
	}()

	err = client.Run(ctx)
	if errors.Is(err, player.ErrDisconnected) {
		return fmt.Errorf("%w (the host may have rejected this network, or closed the room)", err)
	}
	return err
}

// submitter is the part of a client the answer prompt drives.
type submitter interface {
	Submit(ctx context.Context, index int, comment string) error
}

// readAnswers parses "<option> [comment]" lines and submits them.
func readAnswers(ctx context.Context, in io.Reader, out io.Writer, c submitter) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		index, comment, ok := parseAnswer(scanner.Text())
		if !ok {
			fmt.Fprintln(out, "answer with the option number, optionally followed by a comment")
			continue
		}
		if err := c.Submit(ctx, index, comment); err != nil {
			fmt.Fprintf(out, "not sent: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "locked in %d\n", index)
	}
}

func parseAnswer(line string) (int, string, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, "", false
	}
	head, rest, _ := strings.Cut(line, " ")
	index, err := strconv.Atoi(head)
	if err != nil {
		return 0, "", false
	}
	return index, strings.TrimSpace(rest), true
}

func printUpdate(out io.Writer, t protocol.Type, v player.View) {
	snap := v.Snapshot
	switch t {
	case protocol.PlayerJoined:
		fmt.Fprintf(out, "%d player(s) in room %s\n", len(snap.Players), snap.RoomCode)

	case protocol.NewQuestion, protocol.SyncState:
		if snap.Status != protocol.StatusQuestion || snap.CurrentQuestion == nil {
			fmt.Fprintf(out, "room %s: %s\n", snap.RoomCode, snap.Status)
			return
		}
		q := snap.CurrentQuestion
		fmt.Fprintf(out, "\nround %d/%d, %ds\n%s\n", snap.CurrentRound+1, snap.TotalRounds, snap.TimeLeft, q.Text)
		for i, opt := range q.Options {
			fmt.Fprintf(out, "  %d. %s\n", i, opt)
		}
		if v.Pending != nil {
			fmt.Fprintf(out, "already answered %d\n", *v.Pending)
		}

	case protocol.RoundResult:
		q := snap.CurrentQuestion
		if q == nil || q.CorrectIndex < 0 || q.CorrectIndex >= len(q.Options) {
			return
		}
		me := snap.Players[v.Self]
		verdict := "wrong"
		if v.Pending != nil && *v.Pending == q.CorrectIndex {
			verdict = "correct"
		}
		fmt.Fprintf(out, "answer: %d. %s (%s)  score %d  streak %d\n",
			q.CorrectIndex, q.Options[q.CorrectIndex], verdict, me.Score, me.Streak)
		if q.Context != "" {
			fmt.Fprintf(out, "  %s\n", q.Context)
		}

	case protocol.GameOver:
		fmt.Fprintln(out, "\ngame over")
		for i, p := range v.Leaderboard {
			fmt.Fprintf(out, "  #%d %-16s %5d\n", i+1, p.Name, p.Score)
		}
	}
}
