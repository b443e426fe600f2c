// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package confab

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/taskgroup"
)

// ErrDuplicateUser is reported by AwaitLogin when the server rejected the
// login because the requested username is already registered.
var ErrDuplicateUser = errors.New("username is already in use")

// ErrChatPending is reported by Tell when a previous chat request has not yet
// received its response. A session permits one chat request in flight.
var ErrChatPending = errors.New("a chat request is already in flight")

// A UserInterface receives display callbacks from a Session. Callbacks are
// invoked from the session's receive loop, so an implementation should not
// block for long. The session never calls back into itself from a callback.
type UserInterface interface {
	// SetUserList replaces the displayed list of logged-in usernames.
	SetUserList(users []string)

	// SetMessageLine appends a chat message from the named user.
	SetMessageLine(user, text string)

	// SetBlock enables or disables user input while a request is in flight.
	SetBlock(blocked bool)

	// SetErrorMessage reports a protocol error from the named origin.
	SetErrorMessage(from, text string, code ErrorCode)

	// LoginComplete reports that the login barrier has completed.
	LoginComplete()

	// LogoutComplete reports that the logout barrier has completed.
	LogoutComplete()
}

// SessionStats are the counters reported by the server when a logout
// completes, covering the whole lifetime of the session.
type SessionStats struct {
	EntryStats

	// ServerTime is the server-side handling time of the logout barrier.
	ServerTime time.Duration
}

// A ChatAck reports the completion of one chat request barrier.
type ChatAck struct {
	Sequence   uint64        // the sequence number of the acknowledged message
	ServerTime time.Duration // server-side handling time of the chat barrier
}

// SessionOptions provide optional settings for a Session.
type SessionOptions struct {
	// UI receives display callbacks from the session. If nil, callbacks are
	// discarded.
	UI UserInterface

	// Logger receives session logs. If nil, logs are discarded.
	Logger *slog.Logger
}

func (o *SessionOptions) ui() UserInterface {
	if o == nil || o.UI == nil {
		return nopUI{}
	}
	return o.UI
}

func (o *SessionOptions) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return o.Logger
}

var sessionID atomic.Int64 // correlation identifiers, package-wide

// A Session implements the client half of the chat protocol on a channel. A
// dedicated receive loop reacts to server events and confirms them, while the
// request operations Login, Logout, and Tell send without blocking; callers
// observe completion through the Await methods or the UserInterface.
type Session struct {
	ui  UserInterface
	log *slog.Logger
	id  string

	in    Channel
	tasks *taskgroup.Group

	μ       sync.Mutex
	out     Channel
	status  Status
	user    string
	seq     uint64            // sequence number of the latest chat request
	err     error             // session fatal error
	loginc  chan error        // pending login, nil if none
	logoutc chan SessionStats // pending logout, nil if none
	ackc    chan ChatAck      // pending chat request, nil if none
}

// NewSession constructs a new unstarted session.
func NewSession(opts *SessionOptions) *Session {
	return &Session{
		ui:  opts.ui(),
		log: opts.logger(),
		id:  fmt.Sprintf("session-%d", sessionID.Add(1)),
	}
}

// Start starts the session running on the given channel. The session runs
// until its logout completes, the channel closes, or a protocol fatal error
// occurs. Start does not block; call Wait to wait for the session to exit and
// report its status.
func (s *Session) Start(ch Channel) *Session {
	if s.in != nil {
		panic("session is already started")
	}

	g := taskgroup.New(nil)
	s.in = ch
	s.tasks = g
	s.out = ch
	s.status = Unregistered
	s.err = nil

	g.Go(func() error {
		for {
			pdu, err := s.in.Recv()
			if err != nil {
				s.fail(err)
				return nil
			}
			if s.handlePDU(pdu) {
				s.closeOut() // orderly exit, release the server-side worker
				return nil
			}
		}
	})

	return s
}

// Stop closes the channel and terminates the session. It blocks until the
// session has exited and returns its status. After Stop completes it is safe
// to restart the session with a new channel.
func (s *Session) Stop() error { s.closeOut(); return s.Wait() }

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// waitTasks blocks until the receive loop has finished, and reports whether
// the session was running.
func (s *Session) waitTasks() bool {
	s.μ.Lock()
	t := s.tasks
	s.μ.Unlock()
	if t == nil {
		return false
	}
	t.Wait()
	return true
}

// Wait blocks until s terminates and reports the error that caused it to
// stop. After Wait completes it is safe to restart the session with a new
// channel.
//
// If s is not running, has completed an orderly logout, or has stopped
// because of a closed channel, Wait returns nil; otherwise it returns the
// error that triggered session failure.
func (s *Session) Wait() error {
	if !s.waitTasks() {
		return nil // the session is not running
	}

	s.μ.Lock()
	defer s.μ.Unlock()
	s.in = nil
	s.tasks = nil
	if s.err == nil || treatErrorAsSuccess(s.err) {
		return nil
	}
	return s.err
}

// Status reports the current conversation status of the session.
func (s *Session) Status() Status {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.status
}

// User reports the username of the most recent login request, or "" if none
// has been made.
func (s *Session) User() string {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.user
}

// Login sends a login request for name. It does not wait for the login
// barrier to complete; use AwaitLogin or the LoginComplete callback.
// It reports an error if the session is not in the unregistered state.
func (s *Session) Login(name string) error {
	s.μ.Lock()
	if s.status != Unregistered {
		defer s.μ.Unlock()
		return fmt.Errorf("cannot log in while %v", s.status)
	}
	s.user = name
	s.status = Registering
	s.loginc = make(chan error, 1)
	req := &PDU{Type: TypeLoginRequest, User: name, ClientID: s.id, Status: Registering}
	s.μ.Unlock()

	s.ui.SetBlock(true)
	return s.send(req)
}

// AwaitLogin blocks until the login barrier completes or ctx ends, and
// reports the outcome of the most recent call to Login. A rejected username
// is reported as ErrDuplicateUser.
func (s *Session) AwaitLogin(ctx context.Context) error {
	s.μ.Lock()
	ch := s.loginc
	s.μ.Unlock()
	if ch == nil {
		return errors.New("no login is pending")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err, ok := <-ch:
		if !ok {
			return s.failure()
		}
		return err
	}
}

// Logout sends a logout request for the logged-in user. It does not wait for
// the logout barrier to complete; use AwaitLogout or the LogoutComplete
// callback. It reports an error if the session is not registered.
func (s *Session) Logout() error {
	s.μ.Lock()
	if s.status != Registered {
		defer s.μ.Unlock()
		return fmt.Errorf("cannot log out while %v", s.status)
	}
	s.status = Unregistering
	s.logoutc = make(chan SessionStats, 1)
	req := &PDU{Type: TypeLogoutRequest, User: s.user, ClientID: s.id, Status: Unregistering}
	s.μ.Unlock()

	s.ui.SetBlock(true)
	return s.send(req)
}

// AwaitLogout blocks until the logout barrier completes or ctx ends, and
// returns the session statistics reported by the server.
func (s *Session) AwaitLogout(ctx context.Context) (SessionStats, error) {
	s.μ.Lock()
	ch := s.logoutc
	s.μ.Unlock()
	if ch == nil {
		return SessionStats{}, errors.New("no logout is pending")
	}
	select {
	case <-ctx.Done():
		return SessionStats{}, ctx.Err()
	case stats, ok := <-ch:
		if !ok {
			return SessionStats{}, s.failure()
		}
		return stats, nil
	}
}

// Tell sends a chat request carrying text to all logged-in users. It does not
// wait for the chat barrier to complete; use AwaitResponse or the SetBlock
// callback. At most one chat request may be in flight at a time.
func (s *Session) Tell(text string) error {
	s.μ.Lock()
	if s.status != Registered {
		defer s.μ.Unlock()
		return fmt.Errorf("cannot chat while %v", s.status)
	}
	if s.ackc != nil {
		defer s.μ.Unlock()
		return ErrChatPending
	}
	s.seq++
	s.ackc = make(chan ChatAck, 1)
	req := &PDU{
		Type:     TypeChatRequest,
		User:     s.user,
		ClientID: s.id,
		Sequence: s.seq,
		Message:  text,
		Status:   Registered,
	}
	s.μ.Unlock()

	s.ui.SetBlock(true)
	return s.send(req)
}

// AwaitResponse blocks until the chat barrier for the most recent Tell
// completes or ctx ends, and returns the server's acknowledgement.
func (s *Session) AwaitResponse(ctx context.Context) (ChatAck, error) {
	s.μ.Lock()
	ch := s.ackc
	s.μ.Unlock()
	if ch == nil {
		return ChatAck{}, errors.New("no chat request is pending")
	}
	select {
	case <-ctx.Done():
		return ChatAck{}, ctx.Err()
	case ack, ok := <-ch:
		if !ok {
			return ChatAck{}, s.failure()
		}
		return ack, nil
	}
}

// handlePDU reacts to one inbound PDU according to the current status, and
// reports whether the receive loop should stop.
func (s *Session) handlePDU(pdu *PDU) bool {
	switch status := s.Status(); status {
	case Registering:
		switch pdu.Type {
		case TypeLoginResponse:
			s.loginResult(pdu)
		case TypeLoginEvent:
			s.userEvent(pdu, TypeLoginEventConfirm)
		case TypeLogoutEvent:
			s.userEvent(pdu, TypeLogoutEventConfirm)
		default:
			s.discard(status, pdu)
		}

	case Registered:
		switch pdu.Type {
		case TypeLoginEvent:
			s.userEvent(pdu, TypeLoginEventConfirm)
		case TypeLogoutEvent:
			s.userEvent(pdu, TypeLogoutEventConfirm)
		case TypeChatEvent:
			s.chatEvent(pdu)
		case TypeChatResponse:
			s.chatResult(pdu)
		default:
			s.discard(status, pdu)
		}

	case Unregistering:
		// Events must still be confirmed here, or their originators' barriers
		// would never complete.
		switch pdu.Type {
		case TypeLoginEvent:
			s.userEvent(pdu, TypeLoginEventConfirm)
		case TypeLogoutEvent:
			s.userEvent(pdu, TypeLogoutEventConfirm)
		case TypeChatEvent:
			s.chatEvent(pdu)
		case TypeLogoutResponse:
			s.logoutResult(pdu)
			return true
		default:
			s.discard(status, pdu)
		}

	default:
		s.discard(status, pdu)
	}
	return false
}

// loginResult resolves the pending login from a login response.
func (s *Session) loginResult(pdu *PDU) {
	s.μ.Lock()
	ch := s.loginc
	s.loginc = nil
	if pdu.Error == NoError {
		s.status = Registered
	} else {
		s.status = Unregistered
	}
	s.μ.Unlock()

	s.ui.SetBlock(false)
	if pdu.Error != NoError {
		s.ui.SetErrorMessage(pdu.ServerID, "login rejected: username is already in use", pdu.Error)
		if ch != nil {
			ch <- ErrDuplicateUser
		}
		return
	}
	s.ui.LoginComplete()
	if ch != nil {
		ch <- nil
	}
}

// logoutResult resolves the pending logout from a logout response.
func (s *Session) logoutResult(pdu *PDU) {
	s.μ.Lock()
	ch := s.logoutc
	s.logoutc = nil
	s.status = Unregistered
	s.μ.Unlock()

	s.ui.SetBlock(false)
	s.ui.LogoutComplete()
	if ch != nil {
		ch <- SessionStats{
			EntryStats: EntryStats{
				ReceivedMessages: pdu.ReceivedMessages,
				SentEvents:       pdu.SentEvents,
				ReceivedConfirms: pdu.ReceivedConfirms,
				LostConfirms:     pdu.LostConfirms,
				Retries:          pdu.Retries,
			},
			ServerTime: pdu.ServerTime,
		}
	}
}

// chatResult resolves the pending chat request from a chat response.
func (s *Session) chatResult(pdu *PDU) {
	s.μ.Lock()
	ch := s.ackc
	s.ackc = nil
	s.μ.Unlock()

	s.ui.SetBlock(false)
	if ch != nil {
		ch <- ChatAck{Sequence: pdu.Sequence, ServerTime: pdu.ServerTime}
	}
}

// userEvent refreshes the displayed user list from a login or logout event's
// snapshot, then confirms the event. The display is updated first, so that
// when the event's barrier completes every client has already seen it.
func (s *Session) userEvent(pdu *PDU, confirm PDUType) {
	s.ui.SetUserList(pdu.Clients)
	s.confirmEvent(pdu, confirm)
}

// chatEvent displays the message carried by a chat event, then confirms it.
func (s *Session) chatEvent(pdu *PDU) {
	s.ui.SetMessageLine(pdu.EventUser, pdu.Message)
	s.confirmEvent(pdu, TypeChatEventConfirm)
}

// confirmEvent sends the confirmation PDU for an event. A send failure is
// logged but not propagated; the transport fault will surface on the next
// receive.
func (s *Session) confirmEvent(pdu *PDU, confirm PDUType) {
	s.μ.Lock()
	out := &PDU{
		Type:      confirm,
		User:      s.user,
		EventUser: pdu.EventUser,
		ClientID:  s.id,
		Sequence:  pdu.Sequence,
		Status:    s.status,
	}
	s.μ.Unlock()
	if err := s.send(out); err != nil {
		s.log.Warn("event confirm failed", "pdu", out, "err", err)
	}
}

func (s *Session) discard(status Status, pdu *PDU) {
	s.log.Debug("discarding unexpected PDU", "status", status, "pdu", pdu)
}

// send delivers pdu on the outbound channel.
func (s *Session) send(pdu *PDU) error {
	s.μ.Lock()
	ch := s.out
	s.μ.Unlock()
	if ch == nil {
		return net.ErrClosed
	}
	return ch.Send(pdu)
}

// closeOut closes the outbound channel, if it is still open.
func (s *Session) closeOut() {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.out != nil {
		s.out.Close()
		s.out = nil
	}
}

// fail marks the session failed with err, and closes any channels blocked in
// an Await so their callers observe the failure.
func (s *Session) fail(err error) {
	s.closeOut()

	s.μ.Lock()
	defer s.μ.Unlock()
	s.err = err
	s.status = Unregistered
	if s.loginc != nil {
		close(s.loginc)
		s.loginc = nil
	}
	if s.logoutc != nil {
		close(s.logoutc)
		s.logoutc = nil
	}
	if s.ackc != nil {
		close(s.ackc)
		s.ackc = nil
	}
}

// failure renders the session fatal error for an interrupted Await.
func (s *Session) failure() error {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.err == nil || treatErrorAsSuccess(s.err) {
		return net.ErrClosed
	}
	return fmt.Errorf("session terminated: %w", s.err)
}

// nopUI discards all display callbacks.
type nopUI struct{}

func (nopUI) SetUserList([]string)                      {}
func (nopUI) SetMessageLine(string, string)             {}
func (nopUI) SetBlock(bool)                             {}
func (nopUI) SetErrorMessage(string, string, ErrorCode) {}
func (nopUI) LoginComplete()                            {}
func (nopUI) LogoutComplete()                           {}
