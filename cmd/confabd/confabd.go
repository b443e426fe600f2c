// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Program confabd runs a confab chat server.
package main

import (
	"context"
	"errors"
	"expvar"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/confab"
	"github.com/creachadair/confab/channel"
	"github.com/creachadair/flax"
	"github.com/creachadair/taskgroup"
	"github.com/gorilla/websocket"
)

var flags struct {
	Addr    string `flag:"addr,default=localhost:8555,Listen address (host:port)"`
	WSAddr  string `flag:"ws,Optional websocket listen address (host:port)"`
	Verbose bool   `flag:"v,Enable debug logging"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Run a confab chat server.",
		SetFlags: command.Flags(flax.MustBind, &flags),
		Run:      runServer,
		Commands: []*command.C{
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runServer(env *command.Env) error {
	ctx, cancel := signal.NotifyContext(env.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	level := slog.LevelInfo
	if flags.Verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	lst, err := net.Listen("tcp", flags.Addr)
	if err != nil {
		return err
	}
	srv := confab.NewServer(&confab.ServerOptions{Logger: log})
	expvar.Publish("confab", srv.Metrics())

	g := taskgroup.New(cancel)
	g.Go(func() error {
		log.Info("chat server listening", "addr", lst.Addr())
		return srv.Serve(ctx, channel.NetAccepter(lst))
	})

	if flags.WSAddr != "" {
		acc := newWSAccepter(log)
		mux := http.NewServeMux()
		mux.Handle("/chat", acc)
		mux.Handle("/debug/vars", expvar.Handler())
		hsrv := &http.Server{Addr: flags.WSAddr, Handler: mux}

		g.Go(func() error {
			log.Info("websocket server listening", "addr", flags.WSAddr)
			if err := hsrv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			return srv.Serve(ctx, acc)
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return hsrv.Shutdown(sctx)
		})
	}

	err = g.Wait()
	log.Info("chat server stopped")
	return err
}

// A wsAccepter hands websocket connections upgraded by its HTTP handler to
// the server's accept loop.
type wsAccepter struct {
	log *slog.Logger
	up  websocket.Upgrader
	inc chan confab.Channel
}

func newWSAccepter(log *slog.Logger) *wsAccepter {
	return &wsAccepter{log: log, inc: make(chan confab.Channel)}
}

// Accept implements the [confab.Accepter] interface.
func (a *wsAccepter) Accept(ctx context.Context) (confab.Channel, error) {
	select {
	case <-ctx.Done():
		return nil, errors.Join(net.ErrClosed, ctx.Err())
	case ch := <-a.inc:
		return ch, nil
	}
}

// ServeHTTP upgrades the request to a websocket and queues the resulting
// channel for the accept loop.
func (a *wsAccepter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := a.up.Upgrade(w, r, nil)
	if err != nil {
		a.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	select {
	case a.inc <- channel.WS(conn):
	case <-r.Context().Done():
		conn.Close()
	}
}
