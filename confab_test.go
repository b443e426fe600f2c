// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package confab_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/confab"
	"github.com/creachadair/confab/channel"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

// chanAccepter hands pre-connected channels to a server's accept loop.
type chanAccepter chan confab.Channel

func (a chanAccepter) Accept(ctx context.Context) (confab.Channel, error) {
	select {
	case <-ctx.Done():
		return nil, net.ErrClosed
	case ch := <-a:
		return ch, nil
	}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) { w.t.Logf("%s", p); return len(p), nil }

func testLogger(t *testing.T) *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// testServer runs a chat server over in-memory channels for the duration of
// the test, and verifies its orderly shutdown.
type testServer struct {
	t   *testing.T
	srv *confab.Server
	acc chanAccepter
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	acc := make(chanAccepter)
	srv := confab.NewServer(&confab.ServerOptions{Logger: testLogger(t)})
	loop := taskgroup.Go(func() error { return srv.Serve(ctx, acc) })
	t.Cleanup(func() {
		cancel()
		if err := loop.Wait(); err != nil {
			t.Errorf("Server exit: unexpected error: %v", err)
		}
		if n := srv.Registry().Len(); n != 0 {
			t.Errorf("Registry has %d entries after shutdown, want 0", n)
		}
	})
	return &testServer{t: t, srv: srv, acc: acc}
}

// dial connects a new client channel to the server.
func (ts *testServer) dial() confab.Channel {
	client, server := channel.Direct()
	ts.acc <- server
	return client
}

// session starts a new session attached to the server, wired to a fresh UI
// recorder, and arranges for it to stop with the test.
func (ts *testServer) session() (*confab.Session, *uiRecorder) {
	rec := new(uiRecorder)
	s := confab.NewSession(&confab.SessionOptions{
		UI:     rec,
		Logger: testLogger(ts.t),
	}).Start(ts.dial())
	ts.t.Cleanup(func() {
		if err := s.Stop(); err != nil {
			ts.t.Errorf("Session stop: unexpected error: %v", err)
		}
	})
	return s, rec
}

// A uiRecorder captures display callbacks for inspection.
type uiRecorder struct {
	μ        sync.Mutex
	users    []string // most recent user list
	messages []string // "user: text" in arrival order
	errors   []string
	logins   int
	logouts  int
}

func (u *uiRecorder) SetUserList(users []string) {
	u.μ.Lock()
	defer u.μ.Unlock()
	u.users = users
}

func (u *uiRecorder) SetMessageLine(user, text string) {
	u.μ.Lock()
	defer u.μ.Unlock()
	u.messages = append(u.messages, fmt.Sprintf("%s: %s", user, text))
}

func (u *uiRecorder) SetErrorMessage(from, text string, code confab.ErrorCode) {
	u.μ.Lock()
	defer u.μ.Unlock()
	u.errors = append(u.errors, fmt.Sprintf("%s: %s (%v)", from, text, code))
}

func (u *uiRecorder) SetBlock(bool) {}

func (u *uiRecorder) LoginComplete() {
	u.μ.Lock()
	defer u.μ.Unlock()
	u.logins++
}

func (u *uiRecorder) LogoutComplete() {
	u.μ.Lock()
	defer u.μ.Unlock()
	u.logouts++
}

func (u *uiRecorder) snapshot() (users, messages, errs []string, logins, logouts int) {
	u.μ.Lock()
	defer u.μ.Unlock()
	return u.users, u.messages, u.errors, u.logins, u.logouts
}

func TestSingleClient(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ts := newTestServer(t)
	s, rec := ts.session()

	if err := s.Login("alice"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := s.AwaitLogin(ctx); err != nil {
		t.Fatalf("AwaitLogin: %v", err)
	}
	if got := s.Status(); got != confab.Registered {
		t.Errorf("Status: got %v, want %v", got, confab.Registered)
	}

	if err := s.Tell("is this thing on?"); err != nil {
		t.Fatalf("Tell: %v", err)
	}
	ack, err := s.AwaitResponse(ctx)
	if err != nil {
		t.Fatalf("AwaitResponse: %v", err)
	}
	if ack.Sequence != 1 {
		t.Errorf("Ack sequence: got %d, want 1", ack.Sequence)
	}

	if err := s.Logout(); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	stats, err := s.AwaitLogout(ctx)
	if err != nil {
		t.Fatalf("AwaitLogout: %v", err)
	}

	// One chat received; events sent: own login event and own chat event (the
	// sole client is not a receiver of its own logout); one chat confirm.
	want := confab.SessionStats{
		EntryStats: confab.EntryStats{ReceivedMessages: 1, SentEvents: 2, ReceivedConfirms: 1},
		ServerTime: stats.ServerTime,
	}
	if diff := cmp.Diff(stats, want); diff != "" {
		t.Errorf("Logout stats (-got, +want):\n%s", diff)
	}

	users, messages, errs, logins, logouts := rec.snapshot()
	if diff := cmp.Diff(users, []string{"alice"}); diff != "" {
		t.Errorf("User list (-got, +want):\n%s", diff)
	}
	if diff := cmp.Diff(messages, []string{"alice: is this thing on?"}); diff != "" {
		t.Errorf("Messages (-got, +want):\n%s", diff)
	}
	if len(errs) != 0 || logins != 1 || logouts != 1 {
		t.Errorf("Callbacks: got errors=%v logins=%d logouts=%d, want none, 1, 1", errs, logins, logouts)
	}
	if err := s.Wait(); err != nil {
		t.Errorf("Wait: unexpected error: %v", err)
	}
}

func TestTwoClients(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ts := newTestServer(t)
	alice, arec := ts.session()
	bob, brec := ts.session()

	if err := alice.Login("alice"); err != nil {
		t.Fatalf("alice login: %v", err)
	}
	if err := alice.AwaitLogin(ctx); err != nil {
		t.Fatalf("alice await login: %v", err)
	}
	if err := bob.Login("bob"); err != nil {
		t.Fatalf("bob login: %v", err)
	}
	if err := bob.AwaitLogin(ctx); err != nil {
		t.Fatalf("bob await login: %v", err)
	}

	// Bob's login barrier has completed, so both clients display both names.
	for name, rec := range map[string]*uiRecorder{"alice": arec, "bob": brec} {
		users, _, _, _, _ := rec.snapshot()
		if diff := cmp.Diff(users, []string{"alice", "bob"}); diff != "" {
			t.Errorf("%s user list (-got, +want):\n%s", name, diff)
		}
	}

	if err := alice.Tell("hi bob"); err != nil {
		t.Fatalf("alice tell: %v", err)
	}
	if _, err := alice.AwaitResponse(ctx); err != nil {
		t.Fatalf("alice await response: %v", err)
	}
	if err := bob.Tell("hi alice"); err != nil {
		t.Fatalf("bob tell: %v", err)
	}
	if _, err := bob.AwaitResponse(ctx); err != nil {
		t.Fatalf("bob await response: %v", err)
	}

	// The response arrives only after every client confirmed the event, so
	// both transcripts are already complete.
	wantMsgs := []string{"alice: hi bob", "bob: hi alice"}
	for name, rec := range map[string]*uiRecorder{"alice": arec, "bob": brec} {
		_, messages, _, _, _ := rec.snapshot()
		if diff := cmp.Diff(messages, wantMsgs); diff != "" {
			t.Errorf("%s messages (-got, +want):\n%s", name, diff)
		}
	}

	if err := alice.Logout(); err != nil {
		t.Fatalf("alice logout: %v", err)
	}
	astats, err := alice.AwaitLogout(ctx)
	if err != nil {
		t.Fatalf("alice await logout: %v", err)
	}
	// Alice received one chat. Her login event reached only herself (bob was
	// not yet registered), her chat event both clients, her logout event only
	// bob; her chat drew two confirms.
	wantA := confab.SessionStats{
		EntryStats: confab.EntryStats{ReceivedMessages: 1, SentEvents: 4, ReceivedConfirms: 2},
		ServerTime: astats.ServerTime,
	}
	if diff := cmp.Diff(astats, wantA); diff != "" {
		t.Errorf("alice logout stats (-got, +want):\n%s", diff)
	}

	// Bob observed alice's departure before her logout barrier completed.
	users, _, _, _, _ := brec.snapshot()
	if diff := cmp.Diff(users, []string{"bob"}); diff != "" {
		t.Errorf("bob user list (-got, +want):\n%s", diff)
	}

	if err := bob.Logout(); err != nil {
		t.Fatalf("bob logout: %v", err)
	}
	bstats, err := bob.AwaitLogout(ctx)
	if err != nil {
		t.Fatalf("bob await logout: %v", err)
	}
	// Bob logged in second, so his login event also reached both clients; by
	// his logout nobody was left to notify.
	wantB := confab.SessionStats{
		EntryStats: confab.EntryStats{ReceivedMessages: 1, SentEvents: 4, ReceivedConfirms: 2},
		ServerTime: bstats.ServerTime,
	}
	if diff := cmp.Diff(bstats, wantB); diff != "" {
		t.Errorf("bob logout stats (-got, +want):\n%s", diff)
	}
}

func TestDuplicateLogin(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ts := newTestServer(t)
	s1, _ := ts.session()
	s2, rec := ts.session()

	if err := s1.Login("mallory"); err != nil {
		t.Fatalf("s1 login: %v", err)
	}
	if err := s1.AwaitLogin(ctx); err != nil {
		t.Fatalf("s1 await login: %v", err)
	}

	if err := s2.Login("mallory"); err != nil {
		t.Fatalf("s2 login: %v", err)
	}
	if err := s2.AwaitLogin(ctx); !errors.Is(err, confab.ErrDuplicateUser) {
		t.Fatalf("s2 await login: got %v, want %v", err, confab.ErrDuplicateUser)
	}
	if got := s2.Status(); got != confab.Unregistered {
		t.Errorf("s2 status: got %v, want %v", got, confab.Unregistered)
	}
	if _, _, errs, _, _ := rec.snapshot(); len(errs) == 0 {
		t.Error("s2 UI did not receive an error message")
	}

	// The rejected session may retry under a fresh name on the same channel.
	if err := s2.Login("marian"); err != nil {
		t.Fatalf("s2 relogin: %v", err)
	}
	if err := s2.AwaitLogin(ctx); err != nil {
		t.Fatalf("s2 await relogin: %v", err)
	}

	for _, s := range []*confab.Session{s1, s2} {
		if err := s.Logout(); err != nil {
			t.Fatalf("logout: %v", err)
		}
		if _, err := s.AwaitLogout(ctx); err != nil {
			t.Fatalf("await logout: %v", err)
		}
	}
}

func TestConcurrentClients(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ts := newTestServer(t)

	const numClients = 5
	sessions := make([]*confab.Session, numClients)
	recs := make([]*uiRecorder, numClients)
	for i := range sessions {
		sessions[i], recs[i] = ts.session()
	}

	// Phase 1: all clients log in concurrently. Clients still registering
	// must confirm the login events of their rivals, or no barrier would
	// complete.
	g := taskgroup.New(nil)
	for i, s := range sessions {
		g.Go(func() error {
			if err := s.Login(fmt.Sprintf("user-%d", i)); err != nil {
				return err
			}
			return s.AwaitLogin(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Concurrent logins: %v", err)
	}

	// Phase 2: everybody talks at once; each barrier is independent.
	g = taskgroup.New(nil)
	for i, s := range sessions {
		g.Go(func() error {
			if err := s.Tell(fmt.Sprintf("knock knock from %d", i)); err != nil {
				return err
			}
			_, err := s.AwaitResponse(ctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Concurrent chats: %v", err)
	}

	// Every client saw every message.
	for i, rec := range recs {
		_, messages, _, _, _ := rec.snapshot()
		if len(messages) != numClients {
			t.Errorf("Client %d transcript: got %d messages, want %d", i, len(messages), numClients)
		}
	}

	// Phase 3: all clients leave concurrently. Departing clients must keep
	// confirming the logout events of the others.
	g = taskgroup.New(nil)
	for _, s := range sessions {
		g.Go(func() error {
			if err := s.Logout(); err != nil {
				return err
			}
			_, err := s.AwaitLogout(ctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Concurrent logouts: %v", err)
	}
}

func TestTellRules(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ts := newTestServer(t)
	s, _ := ts.session()

	// Chatting requires a completed login.
	if err := s.Tell("anyone?"); err == nil {
		t.Error("Tell before login: got nil, want error")
	}

	if err := s.Login("pat"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := s.AwaitLogin(ctx); err != nil {
		t.Fatalf("AwaitLogin: %v", err)
	}

	// Only one chat request may be outstanding.
	if err := s.Tell("first"); err != nil {
		t.Fatalf("Tell: %v", err)
	}
	if err := s.Tell("second"); !errors.Is(err, confab.ErrChatPending) {
		t.Errorf("Tell while pending: got %v, want %v", err, confab.ErrChatPending)
	}
	if _, err := s.AwaitResponse(ctx); err != nil {
		t.Fatalf("AwaitResponse: %v", err)
	}

	// After the response arrives the next message may go out.
	if err := s.Tell("second"); err != nil {
		t.Errorf("Tell after response: %v", err)
	}
	if _, err := s.AwaitResponse(ctx); err != nil {
		t.Fatalf("AwaitResponse: %v", err)
	}

	if err := s.Logout(); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := s.AwaitLogout(ctx); err != nil {
		t.Fatalf("AwaitLogout: %v", err)
	}
}

func TestOverTCP(t *testing.T) {
	defer leaktest.Check(t)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	srv := confab.NewServer(&confab.ServerOptions{Logger: testLogger(t)})
	loop := taskgroup.Go(func() error { return srv.Serve(ctx, channel.NetAccepter(lst)) })
	defer func() {
		cancel()
		if err := loop.Wait(); err != nil {
			t.Errorf("Server exit: unexpected error: %v", err)
		}
	}()

	conn, err := net.Dial("tcp", lst.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	s := confab.NewSession(&confab.SessionOptions{Logger: testLogger(t)}).Start(channel.IO(conn, conn))
	defer s.Stop()

	octx, done := context.WithTimeout(ctx, 5*time.Second)
	defer done()
	if err := s.Login("remote"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := s.AwaitLogin(octx); err != nil {
		t.Fatalf("AwaitLogin: %v", err)
	}
	if err := s.Tell("over the wire"); err != nil {
		t.Fatalf("Tell: %v", err)
	}
	if _, err := s.AwaitResponse(octx); err != nil {
		t.Fatalf("AwaitResponse: %v", err)
	}
	if err := s.Logout(); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	stats, err := s.AwaitLogout(octx)
	if err != nil {
		t.Fatalf("AwaitLogout: %v", err)
	}
	if stats.ReceivedMessages != 1 {
		t.Errorf("ReceivedMessages: got %d, want 1", stats.ReceivedMessages)
	}
}

func TestClientVanishes(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ts := newTestServer(t)

	// Attach a raw channel speaking the protocol by hand, so the client side
	// can misbehave: quux logs in, then drops its connection without logout.
	ch := ts.dial()
	if err := ch.Send(&confab.PDU{Type: confab.TypeLoginRequest, User: "quux", Status: confab.Registering}); err != nil {
		t.Fatalf("Send login: %v", err)
	}
	ev, err := ch.Recv()
	if err != nil {
		t.Fatalf("Recv event: %v", err)
	}
	if ev.Type != confab.TypeLoginEvent {
		t.Fatalf("Recv: got %v, want login event", ev)
	}
	if err := ch.Send(&confab.PDU{Type: confab.TypeLoginEventConfirm, User: "quux", EventUser: "quux"}); err != nil {
		t.Fatalf("Send confirm: %v", err)
	}
	if rsp, err := ch.Recv(); err != nil || rsp.Type != confab.TypeLoginResponse {
		t.Fatalf("Recv response: got %v, %v; want login response", rsp, err)
	}
	ch.Close()

	// A well-behaved client must still be able to log in afterwards: the dead
	// entry is removed by force rather than stalling the new login's barrier.
	s, _ := ts.session()
	if err := s.Login("sue"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := s.AwaitLogin(ctx); err != nil {
		t.Fatalf("AwaitLogin: %v", err)
	}
	if err := s.Logout(); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := s.AwaitLogout(ctx); err != nil {
		t.Fatalf("AwaitLogout: %v", err)
	}
}
