/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/Seednode/triviabox/internal/host"
	"github.com/Seednode/triviabox/internal/protocol"
)

const consoleHelp = "commands: start, next, state, help"

// runConsole reads operator commands one per line until in is exhausted or
// ctx is cancelled.
func runConsole(ctx context.Context, in io.Reader, out io.Writer, h controller, logger *zap.Logger) {
	fmt.Fprintln(out, consoleHelp)

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		var err error
		switch cmd := strings.ToLower(strings.TrimSpace(scanner.Text())); cmd {
		case "":
			continue
		case "start":
			err = h.Start(ctx)
		case "next", "n", "advance":
			err = h.Advance(ctx)
		case "state", "s":
			var st host.State
			st, err = h.State(ctx)
			if err == nil {
				printState(out, st)
			}
		case "help", "?":
			fmt.Fprintln(out, consoleHelp)
		default:
			fmt.Fprintf(out, "unknown command %q; %s\n", cmd, consoleHelp)
		}

		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			logger.Debug("console command failed", zap.Error(err))
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("console input closed", zap.Error(err))
	}
}

func printState(out io.Writer, st host.State) {
	snap := st.Snapshot
	fmt.Fprintf(out, "room %s  %s  round %d/%d  %ds left  %d answered\n",
		snap.RoomCode, snap.Status, snap.CurrentRound+1, snap.TotalRounds, snap.TimeLeft, st.Answered)

	if q := snap.CurrentQuestion; q != nil {
		fmt.Fprintf(out, "  %s\n", q.Text)
		for i, opt := range q.Options {
			mark := " "
			if i == q.CorrectIndex {
				mark = "*"
			}
			fmt.Fprintf(out, "  %s %d. %s\n", mark, i, opt)
		}
	}

	for i, p := range st.Leaderboard {
		fmt.Fprintf(out, "  #%d %-16s %5d  streak %d%s\n", i+1, p.Name, p.Score, p.Streak, offline(p))
	}

	if st.Halted != "" {
		fmt.Fprintf(out, "halted: %s\n", st.Halted)
	}
}

func offline(p protocol.Player) string {
	if p.Connected {
		return ""
	}
	return "  (offline)"
}
