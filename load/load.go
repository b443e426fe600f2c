// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package load drives many concurrent chat sessions against one server and
// aggregates timing statistics, for benchmarking and soak testing.
package load

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/confab"
	"github.com/creachadair/confab/barrier"
	"github.com/creachadair/confab/channel"
	"github.com/creachadair/taskgroup"
)

// A Timing aggregates a stream of duration samples.
type Timing struct {
	Count int64
	Min   time.Duration
	Max   time.Duration
	Total time.Duration
}

func (t *Timing) add(d time.Duration) {
	if t.Count == 0 || d < t.Min {
		t.Min = d
	}
	if d > t.Max {
		t.Max = d
	}
	t.Count++
	t.Total += d
}

// Mean reports the mean of the recorded samples, or 0 if there are none.
func (t Timing) Mean() time.Duration {
	if t.Count == 0 {
		return 0
	}
	return t.Total / time.Duration(t.Count)
}

func (t Timing) String() string {
	return fmt.Sprintf("n=%d min=%v mean=%v max=%v", t.Count, t.Min, t.Mean(), t.Max)
}

// Stats collect measurements across all sessions of a run. The methods of a
// Stats are safe for concurrent use.
type Stats struct {
	μ          sync.Mutex
	sessions   int64
	events     int64 // chat events delivered to the sessions
	errors     int64
	rtt        Timing // client-observed request round trips
	serverTime Timing // server-reported barrier handling times
	totals     confab.EntryStats
}

// AddMessage records one completed chat request with its client-observed
// round trip and the server-reported handling time.
func (s *Stats) AddMessage(rtt, serverTime time.Duration) {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.rtt.add(rtt)
	s.serverTime.add(serverTime)
}

// AddEvent records the delivery of one chat event to a session.
func (s *Stats) AddEvent() {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.events++
}

// AddError records a failed session operation.
func (s *Stats) AddError() {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.errors++
}

// AddSession folds the server-reported counters of one completed session
// into the totals.
func (s *Stats) AddSession(st confab.SessionStats) {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.sessions++
	s.totals.ReceivedMessages += st.ReceivedMessages
	s.totals.SentEvents += st.SentEvents
	s.totals.ReceivedConfirms += st.ReceivedConfirms
	s.totals.LostConfirms += st.LostConfirms
	s.totals.Retries += st.Retries
}

// A Summary is a point-in-time snapshot of the collected statistics.
type Summary struct {
	Sessions       int64             // sessions that completed logout
	EventsReceived int64             // chat events delivered to the sessions
	Errors         int64             // failed session operations
	RTT            Timing            // client-observed request round trips
	ServerTime     Timing            // server-reported handling times
	Totals         confab.EntryStats // summed server-side counters
}

// Summary returns a snapshot of the collected statistics.
func (s *Stats) Summary() Summary {
	s.μ.Lock()
	defer s.μ.Unlock()
	return Summary{
		Sessions:       s.sessions,
		EventsReceived: s.events,
		Errors:         s.errors,
		RTT:            s.rtt,
		ServerTime:     s.serverTime,
		Totals:         s.totals,
	}
}

func (s Summary) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "sessions:          %d (%d errors)\n", s.Sessions, s.Errors)
	fmt.Fprintf(&sb, "messages:          %d sent, %d events received\n", s.RTT.Count, s.EventsReceived)
	fmt.Fprintf(&sb, "round trip:        %v\n", s.RTT)
	fmt.Fprintf(&sb, "server time:       %v\n", s.ServerTime)
	fmt.Fprintf(&sb, "server counters:   recv=%d sent=%d confirms=%d lost=%d",
		s.Totals.ReceivedMessages, s.Totals.SentEvents, s.Totals.ReceivedConfirms, s.Totals.LostConfirms)
	return sb.String()
}

// A Config carries the parameters of a benchmark run.
type Config struct {
	// Address is the server address to dial, as "host:port". It is ignored if
	// Dial is set.
	Address string

	// Dial, if set, overrides Address to produce the channel for each
	// session. This permits running against in-memory transports.
	Dial func(ctx context.Context) (confab.Channel, error)

	// Clients is the number of concurrent sessions (default 1).
	Clients int

	// Messages is the number of chat messages each session sends (default 1).
	Messages int

	// MessageLength is the length of the generated message text (default 16).
	MessageLength int

	// ThinkTime is the pause before each message (default none).
	ThinkTime time.Duration

	// Logger receives run and session logs. If nil, logs are discarded.
	Logger *slog.Logger
}

func (c *Config) clients() int {
	if c.Clients <= 0 {
		return 1
	}
	return c.Clients
}

func (c *Config) messages() int {
	if c.Messages <= 0 {
		return 1
	}
	return c.Messages
}

func (c *Config) text() string {
	n := c.MessageLength
	if n <= 0 {
		n = 16
	}
	return strings.Repeat("m", n)
}

func (c *Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.Logger
}

func (c *Config) dial(ctx context.Context) (confab.Channel, error) {
	if c.Dial != nil {
		return c.Dial(ctx)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.Address)
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}

// A Runner executes one benchmark run: every session logs in, the sessions
// rendezvous, each sends its timed messages, they rendezvous again, and every
// session logs out. The rendezvous points keep all sessions in the chat for
// the whole measured phase, so each message exercises the full confirm
// barrier across all clients.
type Runner struct {
	cfg   Config
	stats *Stats
}

// NewRunner constructs a runner for the given configuration.
func NewRunner(cfg Config) *Runner {
	return &Runner{cfg: cfg, stats: new(Stats)}
}

// Stats returns the statistics collector for the run. It is valid to poll it
// while Run is in progress.
func (r *Runner) Stats() *Stats { return r.stats }

// Run executes the benchmark and returns the final summary. It reports the
// first session error, if any; the summary is valid in either case.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	n := r.cfg.clients()
	loggedIn := barrier.New(n)
	allSent := barrier.New(n)

	g := taskgroup.New(nil)
	for i := range n {
		name := fmt.Sprintf("bench-%d", i+1)
		g.Go(func() error {
			if err := r.runSession(ctx, name, loggedIn, allSent); err != nil {
				r.stats.AddError()
				return fmt.Errorf("session %s: %w", name, err)
			}
			return nil
		})
	}
	err := g.Wait()
	return r.stats.Summary(), err
}

func (r *Runner) runSession(ctx context.Context, name string, loggedIn, allSent *barrier.Barrier) error {
	ch, err := r.cfg.dial(ctx)
	if err != nil {
		// The peers of a failed session must not be left waiting at a
		// rendezvous that can never complete.
		loggedIn.Await(ctx)
		allSent.Await(ctx)
		return fmt.Errorf("dial: %w", err)
	}

	log := r.cfg.logger().With("session", name)
	s := confab.NewSession(&confab.SessionOptions{
		UI:     sessionUI{stats: r.stats},
		Logger: log,
	}).Start(ch)
	defer s.Stop()

	if err := errors.Join(s.Login(name), s.AwaitLogin(ctx)); err != nil {
		loggedIn.Await(ctx)
		allSent.Await(ctx)
		return fmt.Errorf("login: %w", err)
	}
	log.Debug("logged in")
	if err := loggedIn.Await(ctx); err != nil {
		return err
	}

	text := r.cfg.text()
	for m := range r.cfg.messages() {
		if r.cfg.ThinkTime > 0 {
			select {
			case <-time.After(r.cfg.ThinkTime):
			case <-ctx.Done():
				allSent.Await(ctx)
				return ctx.Err()
			}
		}
		start := time.Now()
		if err := s.Tell(text); err != nil {
			allSent.Await(ctx)
			return fmt.Errorf("message %d: %w", m+1, err)
		}
		ack, err := s.AwaitResponse(ctx)
		if err != nil {
			allSent.Await(ctx)
			return fmt.Errorf("message %d: %w", m+1, err)
		}
		r.stats.AddMessage(time.Since(start), ack.ServerTime)
	}
	log.Debug("all messages sent")
	if err := allSent.Await(ctx); err != nil {
		return err
	}

	if err := s.Logout(); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	st, err := s.AwaitLogout(ctx)
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	r.stats.AddSession(st)
	log.Debug("logged out", "sent_events", st.SentEvents, "confirms", st.ReceivedConfirms)
	return s.Wait()
}

// sessionUI counts delivered chat events and discards the display callbacks.
type sessionUI struct {
	stats *Stats
}

func (u sessionUI) SetMessageLine(string, string) { u.stats.AddEvent() }

func (sessionUI) SetUserList([]string)                             {}
func (sessionUI) SetBlock(bool)                                    {}
func (sessionUI) SetErrorMessage(string, string, confab.ErrorCode) {}
func (sessionUI) LoginComplete()                                   {}
func (sessionUI) LogoutComplete()                                  {}
