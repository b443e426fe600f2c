// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package barrier implements a reusable rendezvous barrier for a fixed
// number of concurrent participants.
package barrier

import (
	"context"
	"sync"
)

// A Barrier is a cyclic rendezvous point for n participants. Each participant
// calls Await to signal its arrival and block; once all n have arrived, every
// waiter is released together and the barrier resets for the next cycle.
//
// A Barrier is safe for concurrent use. If a participant abandons a cycle
// because its context ended, its arrival still counts toward that cycle.
type Barrier struct {
	n int

	μ       sync.Mutex
	arrived int
	release chan struct{} // closed to release the current cycle's waiters
}

// New constructs a barrier for n participants. It panics if n < 1.
func New(n int) *Barrier {
	if n < 1 {
		panic("barrier must have at least one participant")
	}
	return &Barrier{n: n, release: make(chan struct{})}
}

// N reports the number of participants the barrier waits for.
func (b *Barrier) N() int { return b.n }

// Await signals arrival and blocks until all participants of the current
// cycle have arrived, or until ctx ends. The arrival that completes the cycle
// releases all waiters and returns immediately.
func (b *Barrier) Await(ctx context.Context) error {
	b.μ.Lock()
	b.arrived++
	if b.arrived == b.n {
		close(b.release)
		b.arrived = 0
		b.release = make(chan struct{}) // begin the next cycle
		b.μ.Unlock()
		return nil
	}
	release := b.release
	b.μ.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-release:
		return nil
	}
}
