// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the confab.Channel interface.
package channel

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"

	"github.com/creachadair/confab"
	"github.com/creachadair/taskgroup"
	"github.com/gorilla/websocket"
)

// Direct constructs a connected pair of in-memory channels that pass PDUs
// directly without encoding into binary. PDUs sent to A are received by B and
// vice versa. Each direction buffers a bounded number of PDUs in flight, as a
// socket transport would.
func Direct() (A, B confab.Channel) {
	a2b := make(chan *confab.PDU, 256)
	b2a := make(chan *confab.PDU, 256)
	A = direct{a2b: a2b, b2a: b2a}
	B = direct{a2b: b2a, b2a: a2b}
	return
}

type direct struct {
	a2b chan<- *confab.PDU
	b2a <-chan *confab.PDU
}

// Send implements a method of the [confab.Channel] interface.
func (d direct) Send(pdu *confab.PDU) (err error) {
	defer safeClose(&err)
	d.a2b <- pdu
	return nil
}

// Recv implements a method of the [confab.Channel] interface.
func (d direct) Recv() (*confab.PDU, error) {
	pdu, ok := <-d.b2a
	if !ok {
		return nil, net.ErrClosed
	}
	return pdu, nil
}

// Close implements a method of the [confab.Channel] interface.
func (d direct) Close() (err error) {
	defer safeClose(&err)
	close(d.a2b)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// IO constructs a channel that receives from r and sends to wc.
func IO(r io.Reader, wc io.WriteCloser) IOChannel {
	// N.B. The bufio package will reuse existing buffers if possible.
	return IOChannel{μ: new(sync.Mutex), r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// An IOChannel sends and receives binary-encoded PDUs on a reader and a
// writer.
type IOChannel struct {
	μ *sync.Mutex // serializes senders
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// Send implements a method of the [confab.Channel] interface.
func (c IOChannel) Send(pdu *confab.PDU) error {
	c.μ.Lock()
	defer c.μ.Unlock()
	if _, err := pdu.WriteTo(c.w); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [confab.Channel] interface.
func (c IOChannel) Recv() (*confab.PDU, error) {
	var pdu confab.PDU
	if _, err := pdu.ReadFrom(c.r); err != nil {
		return nil, err
	}
	return &pdu, nil
}

// Close implements a method of the [confab.Channel] interface.
func (c IOChannel) Close() error { return c.c.Close() }

// WS constructs a channel over an established websocket connection, carrying
// one binary-encoded PDU per websocket message.
func WS(conn *websocket.Conn) WSChannel { return WSChannel{μ: new(sync.Mutex), conn: conn} }

// A WSChannel sends and receives binary-encoded PDUs as websocket messages.
// A websocket connection permits only one concurrent writer, so Send holds a
// lock for the duration of the write.
type WSChannel struct {
	μ    *sync.Mutex
	conn *websocket.Conn
}

// Send implements a method of the [confab.Channel] interface.
func (c WSChannel) Send(pdu *confab.PDU) error {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, pdu.Encode())
}

// Recv implements a method of the [confab.Channel] interface.
func (c WSChannel) Recv() (*confab.PDU, error) {
	for {
		mtype, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mtype != websocket.BinaryMessage {
			continue // discard text and control frames
		}
		var pdu confab.PDU
		if err := pdu.Decode(data); err != nil {
			return nil, err
		}
		return &pdu, nil
	}
}

// Close implements a method of the [confab.Channel] interface.
func (c WSChannel) Close() error { return c.conn.Close() }

// NetAccepter adapts a net.Listener to the [confab.Accepter] interface,
// wrapping each accepted connection in an IOChannel.
func NetAccepter(lst net.Listener) confab.Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

// Accept blocks until a connection is available or ctx ends.
func (n netAccepter) Accept(ctx context.Context) (confab.Channel, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return IO(conn, conn), nil
}
