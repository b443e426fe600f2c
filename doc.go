// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

/*
Package confab implements a multi-user chat protocol over reliable,
ordered, stream-oriented transport channels.

# Overview

A confab server relays chat messages among a set of logged-in clients.
The unit of exchange is the PDU, a binary-framed protocol data unit.
Every interaction follows the same broadcast-confirm shape: a client
sends a request, the server fans out a corresponding event to the
registered clients, each client answers the event with a confirmation,
and only once every confirmation has arrived does the server release
the response to the original requester. The set of confirmations still
outstanding for a request is its wait list, and the requester observes
a fully-delivered broadcast or no response at all.

Three request types exist. A login request registers a new username and
announces it to all clients, including the new one. A chat request
carries one message to all clients, including the sender. A logout
request announces a departure to all other clients; the departing
client itself is not asked to confirm its own logout.

# Server

A [Server] accepts connections from an [Accepter] and runs one worker
per connection. Workers share a single [Registry], the list of
logged-in clients, which is the only synchronization point between
them: every registry operation is atomic, and composite steps such as
"remove the last wait-list entry and observe that the list is empty"
are single registry calls. A registry entry may be removed only when
its own wait list is empty, its worker has finished, and no other
entry's wait list still references it; a client whose transport fails
is instead removed by force and stripped from all wait lists, so that
no barrier stalls on a client that can no longer answer.

# Client

A [Session] implements the client half. Its Login, Logout, and Tell
methods send requests without blocking, and a dedicated receive loop
reacts to everything inbound: it confirms events, updates an optional
[UserInterface], and resolves the pending request when its response
arrives. Callers that need to block use [Session.AwaitLogin],
[Session.AwaitResponse], and [Session.AwaitLogout]. The receive loop
keeps confirming other clients' events while a logout is in flight;
withholding those confirmations would stall the other clients'
barriers.

# Channels

Both halves communicate via the [Channel] interface, a reliable
ordered stream of PDUs. The channel package provides implementations
over in-memory pipes, stream connections, and websockets, and an
[Accepter] over a net.Listener.
*/
package confab
