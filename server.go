// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package confab

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync/atomic"
	"time"

	"github.com/creachadair/taskgroup"
)

// An Accepter accepts inbound channels from clients. The channel package
// provides an implementation over a net.Listener.
type Accepter interface {
	Accept(context.Context) (Channel, error)
}

// ServerOptions provide optional settings for a Server.
type ServerOptions struct {
	// Logger receives server and worker logs. If nil, logs are discarded.
	Logger *slog.Logger
}

func (o *ServerOptions) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return o.Logger
}

// A Server accepts client connections and drives each one through the chat
// protocol. All connection workers share one Registry, which the server owns
// for its lifetime: it is created empty before the first connection is
// accepted and cleared when Serve returns.
type Server struct {
	reg  *Registry
	log  *slog.Logger
	next atomic.Int64 // worker correlation identifiers
}

// NewServer constructs a new Server with an empty client registry.
func NewServer(opts *ServerOptions) *Server {
	return &Server{reg: NewRegistry(), log: opts.logger()}
}

// Registry returns the server's client registry.
func (s *Server) Registry() *Registry { return s.reg }

// Metrics returns a metrics map for the server. It is safe for the caller to
// add additional metrics to the map while the server is active.
func (s *Server) Metrics() *expvar.Map { return serverMetrics.emap }

// Serve accepts connections from acc and runs a worker for each one until acc
// closes or ctx ends. When the accept loop stops, Serve waits for the running
// workers to finish, clears the registry, and reports the accept error, or
// nil if acc closed in an orderly way.
func (s *Server) Serve(ctx context.Context, acc Accepter) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			s.reg.Clear()
			return err
		}

		w := &worker{
			reg: s.reg,
			ch:  ch,
			id:  fmt.Sprintf("worker-%d", s.next.Add(1)),
			log: s.log,
		}
		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			go func() { <-sctx.Done(); ch.Close() }()
			w.run()
			return nil
		})
	}
}

// A worker drives one client's session to completion: it receives one PDU at
// a time, reacts, and repeats until its client has been logged out or its
// transport has failed.
type worker struct {
	reg *Registry
	ch  Channel
	id  string
	log *slog.Logger

	user     string // set once a login request is accepted
	finished bool   // the receive loop should stop
}

func (w *worker) run() {
	serverMetrics.workersActive.Add(1)
	defer serverMetrics.workersActive.Add(-1)

	for !w.finished {
		pdu, err := w.ch.Recv()
		if err != nil {
			w.recvFailed(err)
			break
		}
		serverMetrics.pduRecv.Add(1)
		w.dispatch(pdu)
	}
	w.teardown()
}

// recvFailed handles a failed receive. A failure after the client's entry was
// marked finished is the normal end of a completed logout; anything else is a
// transport fault, and the entry is removed by force since the client can no
// longer take part in any confirm barrier.
func (w *worker) recvFailed(err error) {
	w.finished = true
	if w.user == "" || w.reg.Finished(w.user) || !w.reg.Exists(w.user) {
		w.log.Debug("connection closed", "user", w.user, "err", err)
		return
	}
	w.log.Error("receive failed, removing client by force", "user", w.user, "err", err)
	emptied := w.reg.ForceDelete(w.user)
	serverMetrics.forceDeletes.Add(1)

	// If the dead client owed the last confirmation of somebody's barrier,
	// that barrier must be completed on their behalf.
	for _, name := range emptied {
		w.completeBarrier(name)
	}
}

// completeBarrier finishes the pending barrier of name after its wait list
// was emptied by a forced removal. The kind of barrier follows from the
// entry's status.
func (w *worker) completeBarrier(name string) {
	switch w.reg.Status(name) {
	case Registering:
		w.completeLogin(name)
	case Registered:
		w.completeChat(name)
	case Unregistering:
		w.completeLogout(name)
	}
}

// teardown completes the worker: the entry is marked finished and removed
// from the registry as soon as the deletion-safety check allows, then the
// transport is closed. A client leaves the registry only after no one still
// owes or is owed a confirmation involving it.
func (w *worker) teardown() {
	if w.user != "" {
		w.reg.MarkFinished(w.user)
		deadline := time.Now().Add(2 * time.Second)
		for w.reg.Exists(w.user) {
			if w.reg.Delete(w.user) {
				break
			}
			if time.Now().After(deadline) {
				// Some barrier still expects a confirmation this client can
				// no longer deliver, for example an event that raced with its
				// logout response. Resolve the stragglers by force.
				w.log.Warn("removing departed client by force", "user", w.user)
				for _, name := range w.reg.ForceDelete(w.user) {
					w.completeBarrier(name)
				}
				serverMetrics.forceDeletes.Add(1)
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		w.log.Debug("worker exiting", "user", w.user, "clients", w.reg.Len())
	}
	w.ch.Close()
}

func (w *worker) dispatch(pdu *PDU) {
	switch pdu.Type {
	case TypeLoginRequest:
		w.handleLogin(pdu)
	case TypeLoginEventConfirm:
		w.handleLoginConfirm(pdu)
	case TypeLogoutRequest:
		w.handleLogout(pdu)
	case TypeLogoutEventConfirm:
		w.handleLogoutConfirm(pdu)
	case TypeChatRequest:
		w.handleChat(pdu)
	case TypeChatEventConfirm:
		w.handleChatConfirm(pdu)
	default:
		serverMetrics.pduDropped.Add(1)
		w.log.Debug("discarding unexpected PDU", "user", w.user, "pdu", pdu)
	}
}

// handleLogin registers the requesting client and fans out a login event to
// every registered client, including the new one. The login response is
// deferred until every client has confirmed the event (see
// handleLoginConfirm). A duplicate username is answered directly with a login
// error and no registry change.
func (w *worker) handleLogin(pdu *PDU) {
	name := pdu.User
	if w.user != "" {
		serverMetrics.pduDropped.Add(1)
		w.log.Debug("discarding login on a bound connection", "user", w.user, "login", name)
		return
	}
	if !w.reg.Add(name, w.ch, pdu.ClientID) {
		serverMetrics.loginsErr.Add(1)
		w.log.Debug("rejecting duplicate login", "user", name)
		w.send(w.ch, &PDU{
			Type:     TypeLoginResponse,
			User:     name,
			ClientID: pdu.ClientID,
			ServerID: w.id,
			Status:   Unregistered,
			Error:    LoginError,
		})
		return
	}
	w.user = name
	w.reg.SetStatus(name, Registering)
	w.reg.SetRequestStart(name, time.Now())

	// The wait list snapshot is taken after insertion, so the new client is
	// part of its own barrier and must confirm its own login event.
	w.reg.CreateWaitList(name)
	w.log.Debug("login request accepted", "user", name, "clients", w.reg.Len())
	w.broadcast(&PDU{
		Type:      TypeLoginEvent,
		User:      name,
		EventUser: name,
		ClientID:  pdu.ClientID,
		ServerID:  w.id,
		Status:    Registering,
	}, "", true)
}

// handleLoginConfirm clears the confirming client from the new client's wait
// list. The confirmation that empties the list completes the barrier: the
// login response is sent on the new client's own connection and its status
// becomes Registered.
func (w *worker) handleLoginConfirm(pdu *PDU) {
	if w.user == "" {
		serverMetrics.pduDropped.Add(1)
		return
	}
	serverMetrics.confirmsRecv.Add(1)
	removed, remaining, err := w.reg.DeleteWaitListEntry(pdu.EventUser, w.user)
	if err != nil {
		w.log.Debug("login confirm for unknown user", "event_user", pdu.EventUser, "from", w.user)
		return
	}
	if removed && remaining == 0 {
		w.completeLogin(pdu.EventUser)
	}
}

// completeLogin sends the login response once the new client's wait list has
// emptied, and promotes the entry to registered.
func (w *worker) completeLogin(name string) {
	serverMetrics.loginsOK.Add(1)
	rsp := &PDU{
		Type:       TypeLoginResponse,
		User:       name,
		ClientID:   w.reg.ClientID(name),
		ServerID:   w.id,
		Status:     Registered,
		ServerTime: time.Since(w.reg.RequestStart(name)),
	}
	if ch, ok := w.reg.Channel(name); ok {
		w.send(ch, rsp)
	}
	w.reg.SetStatus(name, Registered)
	w.log.Debug("login complete", "user", name)
}

// handleLogout fans out a logout event to every registered client except the
// departing one. Its wait list likewise excludes it, so a sole departing
// client is answered immediately.
func (w *worker) handleLogout(pdu *PDU) {
	name := pdu.User
	if !w.reg.Exists(name) {
		serverMetrics.pduDropped.Add(1)
		w.log.Debug("logout request for unknown user", "user", name)
		return
	}
	w.reg.SetStatus(name, Unregistering)
	w.reg.SetRequestStart(name, time.Now())
	w.reg.CreateWaitList(name)
	w.reg.DeleteWaitListEntry(name, name) // the departing client is not a receiver

	w.log.Debug("logout request accepted", "user", name)
	w.broadcast(&PDU{
		Type:      TypeLogoutEvent,
		User:      name,
		EventUser: name,
		ClientID:  pdu.ClientID,
		ServerID:  w.id,
		Status:    Unregistering,
	}, name, true)

	if w.reg.WaitListSize(name) == 0 {
		w.completeLogout(name) // no peers to wait for
	}
}

// handleLogoutConfirm clears the confirming client from the departing
// client's wait list, and completes the logout when the list empties.
func (w *worker) handleLogoutConfirm(pdu *PDU) {
	if w.user == "" {
		serverMetrics.pduDropped.Add(1)
		return
	}
	serverMetrics.confirmsRecv.Add(1)
	removed, remaining, err := w.reg.DeleteWaitListEntry(pdu.EventUser, w.user)
	if err != nil {
		w.log.Debug("logout confirm for unknown user", "event_user", pdu.EventUser, "from", w.user)
		return
	}
	if removed && remaining == 0 {
		w.completeLogout(pdu.EventUser)
	}
}

// completeLogout sends the logout response with the accumulated session
// statistics, marks the departing entry finished, and attempts the
// safety-checked removal. When the departing client is served by this worker
// the receive loop stops; otherwise its own worker exits once the client
// closes the connection.
func (w *worker) completeLogout(name string) {
	serverMetrics.logouts.Add(1)
	stats, _ := w.reg.Counters(name)
	rsp := &PDU{
		Type:             TypeLogoutResponse,
		User:             name,
		EventUser:        name,
		ClientID:         w.reg.ClientID(name),
		ServerID:         w.id,
		Status:           Unregistered,
		ServerTime:       time.Since(w.reg.RequestStart(name)),
		ReceivedMessages: stats.ReceivedMessages,
		SentEvents:       stats.SentEvents,
		ReceivedConfirms: stats.ReceivedConfirms,
		LostConfirms:     stats.LostConfirms,
		Retries:          stats.Retries,
	}
	if ch, ok := w.reg.Channel(name); ok {
		w.send(ch, rsp)
	}
	w.reg.SetStatus(name, Unregistered)
	w.reg.MarkFinished(name)
	w.log.Debug("logout complete", "user", name)
	if name == w.user {
		w.finished = true
	} else {
		w.reg.Delete(name)
	}
}

// handleChat fans out a chat event carrying the message and sequence number
// to every registered client, including the sender. The chat response is
// deferred until every client has confirmed (see handleChatConfirm).
func (w *worker) handleChat(pdu *PDU) {
	if w.user == "" {
		serverMetrics.pduDropped.Add(1)
		return
	}
	serverMetrics.chatsRouted.Add(1)
	w.reg.AddReceivedMessage(w.user)
	w.reg.SetRequestStart(w.user, time.Now())
	w.reg.CreateWaitList(w.user)
	w.broadcast(&PDU{
		Type:      TypeChatEvent,
		User:      w.user,
		EventUser: w.user,
		ClientID:  pdu.ClientID,
		ServerID:  w.id,
		Sequence:  pdu.Sequence,
		Message:   pdu.Message,
		Status:    Registered,
	}, "", false)
}

// handleChatConfirm clears the confirming client from the sender's wait list.
// The confirmation that empties the list releases the chat response to the
// original sender.
func (w *worker) handleChatConfirm(pdu *PDU) {
	if w.user == "" {
		serverMetrics.pduDropped.Add(1)
		return
	}
	serverMetrics.confirmsRecv.Add(1)
	w.reg.AddReceivedConfirm(pdu.EventUser)
	removed, remaining, err := w.reg.DeleteWaitListEntry(pdu.EventUser, w.user)
	if err != nil {
		w.log.Debug("chat confirm for unknown user", "event_user", pdu.EventUser, "from", w.user)
		return
	}
	if removed && remaining == 0 {
		w.completeChat(pdu.EventUser)
	}
}

// completeChat sends the chat response once every client has confirmed the
// sender's chat event.
func (w *worker) completeChat(name string) {
	stats, _ := w.reg.Counters(name)
	rsp := &PDU{
		Type:             TypeChatResponse,
		User:             name,
		EventUser:        name,
		ClientID:         w.reg.ClientID(name),
		ServerID:         w.id,
		Status:           Registered,
		Sequence:         stats.ReceivedMessages,
		ServerTime:       time.Since(w.reg.RequestStart(name)),
		ReceivedMessages: stats.ReceivedMessages,
		SentEvents:       stats.SentEvents,
		ReceivedConfirms: stats.ReceivedConfirms,
		LostConfirms:     stats.LostConfirms,
		Retries:          stats.Retries,
	}
	if ch, ok := w.reg.Channel(name); ok {
		w.send(ch, rsp)
	}
}

// broadcast sends pdu to every registered client except exclude. When
// withClients is true the username snapshot, minus exclude, rides along in
// the PDU. Send failures to individual clients are logged and skipped; the
// failed client's own worker is responsible for cleaning up its entry.
func (w *worker) broadcast(pdu *PDU, exclude string, withClients bool) {
	names := w.reg.Names()
	if exclude != "" {
		names = slices.DeleteFunc(names, func(s string) bool { return s == exclude })
	}
	if withClients {
		pdu.Clients = names
	}
	for _, name := range names {
		ch, ok := w.reg.Channel(name)
		if !ok {
			continue
		}
		if err := ch.Send(pdu); err != nil {
			w.log.Debug("event send failed", "to", name, "pdu", pdu, "err", err)
			continue
		}
		serverMetrics.pduSent.Add(1)
		serverMetrics.eventsSent.Add(1)
		w.reg.AddSentEvent(pdu.EventUser)
	}
}

// send delivers pdu on ch, logging a failure without propagating it: a send
// failure to one client must never take down another client's worker.
func (w *worker) send(ch Channel, pdu *PDU) {
	if err := ch.Send(pdu); err != nil {
		w.log.Error("send failed", "user", w.user, "pdu", pdu, "err", err)
		return
	}
	serverMetrics.pduSent.Add(1)
}
