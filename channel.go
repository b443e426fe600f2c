// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package confab

// A Channel is a reliable ordered stream of PDUs shared by a client and the
// server.
//
// The methods of an implementation must be safe for concurrent use by
// multiple senders and one receiver. Multiple workers may fan events out to
// the same client concurrently.
type Channel interface {
	// Send the PDU in binary format to the receiver.
	Send(*PDU) error

	// Recv the next available PDU from the channel.
	Recv() (*PDU, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}
