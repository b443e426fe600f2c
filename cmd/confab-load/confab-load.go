// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Program confab-load benchmarks a confab chat server by driving many
// concurrent sessions through timed message exchanges.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/confab/load"
	"github.com/creachadair/flax"
)

var flags struct {
	Addr    string        `flag:"addr,default=localhost:8555,Server address (host:port)"`
	Clients int           `flag:"clients,default=10,Number of concurrent sessions"`
	Msgs    int           `flag:"messages,default=20,Messages sent per session"`
	Len     int           `flag:"length,default=64,Length of each generated message"`
	Think   time.Duration `flag:"think,default=100ms,Pause before each message"`
	Verbose bool          `flag:"v,Enable debug logging"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Benchmark a confab chat server.",
		SetFlags: command.Flags(flax.MustBind, &flags),
		Run:      runLoad,
		Commands: []*command.C{
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runLoad(env *command.Env) error {
	ctx, cancel := signal.NotifyContext(env.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	level := slog.LevelWarn
	if flags.Verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	r := load.NewRunner(load.Config{
		Address:       flags.Addr,
		Clients:       flags.Clients,
		Messages:      flags.Msgs,
		MessageLength: flags.Len,
		ThinkTime:     flags.Think,
		Logger:        log,
	})

	start := time.Now()
	summary, err := r.Run(ctx)
	elapsed := time.Since(start).Round(time.Millisecond)
	if err != nil {
		log.Error("benchmark failed", "err", err)
	}

	fmt.Printf("%d clients x %d messages in %v\n\n%v\n", flags.Clients, flags.Msgs, elapsed, summary)
	return err
}
