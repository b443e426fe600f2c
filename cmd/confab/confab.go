// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Program confab is a line-oriented terminal client for a confab chat server.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/creachadair/command"
	"github.com/creachadair/confab"
	"github.com/creachadair/confab/channel"
	"github.com/creachadair/flax"
	"github.com/gorilla/websocket"
)

var flags struct {
	Addr    string `flag:"addr,default=localhost:8555,Server address (host:port or ws://host:port/chat)"`
	Verbose bool   `flag:"v,Enable debug logging"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Usage:    "<username>",
		Help:     "Chat on a confab server from the terminal.\n\nType messages to send them; type /quit or EOF to leave.",
		SetFlags: command.Flags(flax.MustBind, &flags),
		Run:      runChat,
		Commands: []*command.C{
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runChat(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("you must provide a username")
	}
	name := env.Args[0]

	ctx, cancel := signal.NotifyContext(env.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	level := slog.LevelWarn
	if flags.Verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ch, err := dial(ctx, flags.Addr)
	if err != nil {
		return fmt.Errorf("dial %q: %w", flags.Addr, err)
	}

	ui := &consoleUI{w: os.Stdout, self: name}
	s := confab.NewSession(&confab.SessionOptions{UI: ui, Logger: log}).Start(ch)
	defer s.Stop()

	if err := s.Login(name); err != nil {
		return err
	}
	if err := s.AwaitLogin(ctx); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	in := bufio.NewScanner(os.Stdin)
	for in.Scan() {
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		} else if line == "/quit" {
			break
		}
		if err := s.Tell(line); err != nil {
			return err
		}
		if _, err := s.AwaitResponse(ctx); err != nil {
			return fmt.Errorf("chat: %w", err)
		}
	}
	if err := in.Err(); err != nil {
		return err
	}

	if err := s.Logout(); err != nil {
		return err
	}
	stats, err := s.AwaitLogout(ctx)
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	fmt.Fprintf(os.Stdout, "[bye: %d messages, %d events, %d confirms]\n",
		stats.ReceivedMessages, stats.SentEvents, stats.ReceivedConfirms)
	return s.Wait()
}

// dial connects to addr, choosing the transport from its format: a ws:// or
// wss:// URL gives a websocket channel, anything else a TCP stream channel.
func dial(ctx context.Context, addr string) (confab.Channel, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
		if err != nil {
			return nil, err
		}
		return channel.WS(conn), nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}

// A consoleUI renders session callbacks as lines on a writer. Callbacks
// arrive from the session's receive loop while the main goroutine also
// prints, so writes are serialized.
type consoleUI struct {
	μ    sync.Mutex
	w    io.Writer
	self string
}

func (c *consoleUI) SetUserList(users []string) {
	c.μ.Lock()
	defer c.μ.Unlock()
	fmt.Fprintf(c.w, "[here: %s]\n", strings.Join(users, ", "))
}

func (c *consoleUI) SetMessageLine(user, text string) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if user == c.self {
		user = "you"
	}
	fmt.Fprintf(c.w, "%s: %s\n", user, text)
}

func (c *consoleUI) SetErrorMessage(from, text string, code confab.ErrorCode) {
	c.μ.Lock()
	defer c.μ.Unlock()
	fmt.Fprintf(c.w, "[error from %s: %s]\n", from, text)
}

func (c *consoleUI) SetBlock(bool)   {}
func (c *consoleUI) LoginComplete()  {}
func (c *consoleUI) LogoutComplete() {}
