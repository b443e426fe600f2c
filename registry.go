// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package confab

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/creachadair/mds/mapset"
)

// ErrNotFound is reported by registry operations that name a user with no
// registry entry.
var ErrNotFound = errors.New("user not found")

// A Registry is the shared server-side list of logged-in clients. A single
// registry instance is shared by all workers of a server; it is the only
// synchronization point between them, and every one of its operations is
// atomic with respect to the others.
//
// Each entry carries a wait list: the set of usernames that still owe a
// confirmation for the entry's current outstanding event. An entry may be
// removed only when its own wait list is empty, its worker has marked it
// finished, and no other entry's wait list still references it.
type Registry struct {
	μ       sync.Mutex
	clients map[string]*entry
}

// An entry records the server-side state of one logged-in client.
type entry struct {
	name     string
	ch       Channel
	clientID string // correlation identifier from the login request
	status   Status
	finished bool // the worker's receive loop has decided to stop
	waitList mapset.Set[string]

	loginTime    time.Time
	requestStart time.Time // arrival time of the in-flight request

	stats EntryStats
}

// EntryStats are the per-client counters mirrored into response PDUs.
type EntryStats struct {
	ReceivedMessages uint64 // chat requests received from this client
	SentEvents       uint64 // events broadcast on this client's behalf
	ReceivedConfirms uint64 // confirmations received for this client's events
	LostConfirms     uint64 // confirmations written off by forced removals
	Retries          uint64 // reserved for unreliable transports
}

// NewRegistry constructs a new empty client registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*entry)}
}

// Add creates an entry for name with the given transport channel and reports
// true, or reports false without change if name is already registered.
func (r *Registry) Add(name string, ch Channel, clientID string) bool {
	r.μ.Lock()
	defer r.μ.Unlock()
	if _, ok := r.clients[name]; ok {
		return false
	}
	r.clients[name] = &entry{
		name:      name,
		ch:        ch,
		clientID:  clientID,
		status:    Unregistered,
		waitList:  mapset.New[string](),
		loginTime: time.Now(),
	}
	return true
}

// Exists reports whether name has a registry entry.
func (r *Registry) Exists(name string) bool {
	r.μ.Lock()
	defer r.μ.Unlock()
	_, ok := r.clients[name]
	return ok
}

// SetStatus updates the conversation status for name. It is a no-op if name
// has no entry.
func (r *Registry) SetStatus(name string, status Status) {
	r.μ.Lock()
	defer r.μ.Unlock()
	if e, ok := r.clients[name]; ok {
		e.status = status
	}
}

// Status reports the conversation status for name, or Unregistered if name
// has no entry.
func (r *Registry) Status(name string) Status {
	r.μ.Lock()
	defer r.μ.Unlock()
	if e, ok := r.clients[name]; ok {
		return e.status
	}
	return Unregistered
}

// Channel returns the transport channel for name.
func (r *Registry) Channel(name string) (Channel, bool) {
	r.μ.Lock()
	defer r.μ.Unlock()
	if e, ok := r.clients[name]; ok {
		return e.ch, true
	}
	return nil, false
}

// ClientID returns the login correlation identifier for name.
func (r *Registry) ClientID(name string) string {
	r.μ.Lock()
	defer r.μ.Unlock()
	if e, ok := r.clients[name]; ok {
		return e.clientID
	}
	return ""
}

// CreateWaitList populates the wait list for name with a snapshot of all
// currently-registered usernames, including name itself if it is registered.
// It is a no-op if name has no entry.
func (r *Registry) CreateWaitList(name string) {
	r.μ.Lock()
	defer r.μ.Unlock()
	e, ok := r.clients[name]
	if !ok {
		return
	}
	e.waitList = mapset.New[string]()
	for n := range r.clients {
		e.waitList.Add(n)
	}
}

// DeleteWaitListEntry removes who from the wait list of name. It reports
// whether who was present, and how many entries remain, as one atomic
// operation so that the caller can act exactly once on the transition to an
// empty wait list. It reports ErrNotFound if name has no entry.
func (r *Registry) DeleteWaitListEntry(name, who string) (removed bool, remaining int, err error) {
	r.μ.Lock()
	defer r.μ.Unlock()
	e, ok := r.clients[name]
	if !ok {
		return false, 0, ErrNotFound
	}
	if e.waitList.Has(who) {
		e.waitList.Remove(who)
		removed = true
	}
	return removed, e.waitList.Len(), nil
}

// WaitListSize reports the number of outstanding confirmations for name, or 0
// if name has no entry.
func (r *Registry) WaitListSize(name string) int {
	r.μ.Lock()
	defer r.μ.Unlock()
	if e, ok := r.clients[name]; ok {
		return e.waitList.Len()
	}
	return 0
}

// MarkFinished records that the worker serving name has decided to stop.
// It is a no-op if name has no entry.
func (r *Registry) MarkFinished(name string) {
	r.μ.Lock()
	defer r.μ.Unlock()
	if e, ok := r.clients[name]; ok {
		e.finished = true
	}
}

// Finished reports whether name has been marked finished. It reports false if
// name has no entry.
func (r *Registry) Finished(name string) bool {
	r.μ.Lock()
	defer r.μ.Unlock()
	if e, ok := r.clients[name]; ok {
		return e.finished
	}
	return false
}

// Delete removes the entry for name and reports true, provided its wait list
// is empty, it has been marked finished, and it does not appear in the wait
// list of any other entry. Otherwise Delete reports false and makes no
// change. The scan of all entries and the removal happen under one critical
// section, so the check cannot race with concurrent wait-list edits.
func (r *Registry) Delete(name string) bool {
	r.μ.Lock()
	defer r.μ.Unlock()
	e, ok := r.clients[name]
	if !ok {
		return false
	}
	if e.waitList.Len() != 0 || !e.finished {
		return false
	}
	for _, other := range r.clients {
		if other != e && other.waitList.Has(name) {
			return false
		}
	}
	delete(r.clients, name)
	return true
}

// ForceDelete unconditionally removes the entry for name, and removes name
// from every other entry's wait list so that no barrier stalls on a client
// that can no longer confirm. It returns the names whose wait lists became
// empty by this removal; the caller is responsible for completing those
// entries' pending barriers. It is used only when the client's transport has
// failed.
func (r *Registry) ForceDelete(name string) (emptied []string) {
	r.μ.Lock()
	defer r.μ.Unlock()
	delete(r.clients, name)
	for _, other := range r.clients {
		if other.waitList.Has(name) {
			other.waitList.Remove(name)
			other.stats.LostConfirms++
			if other.waitList.Len() == 0 {
				emptied = append(emptied, other.name)
			}
		}
	}
	return emptied
}

// Names returns a sorted snapshot of all registered usernames. The snapshot
// is safe for iteration while the registry continues to mutate.
func (r *Registry) Names() []string {
	r.μ.Lock()
	defer r.μ.Unlock()
	names := make([]string, 0, len(r.clients))
	for n := range r.clients {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len reports the number of registered clients.
func (r *Registry) Len() int {
	r.μ.Lock()
	defer r.μ.Unlock()
	return len(r.clients)
}

// Clear removes all entries. It is called when the server shuts down.
func (r *Registry) Clear() {
	r.μ.Lock()
	defer r.μ.Unlock()
	clear(r.clients)
}

// AddReceivedMessage increments the received-chat-message counter for name.
func (r *Registry) AddReceivedMessage(name string) {
	r.μ.Lock()
	defer r.μ.Unlock()
	if e, ok := r.clients[name]; ok {
		e.stats.ReceivedMessages++
	}
}

// AddSentEvent increments the sent-event counter for name.
func (r *Registry) AddSentEvent(name string) {
	r.μ.Lock()
	defer r.μ.Unlock()
	if e, ok := r.clients[name]; ok {
		e.stats.SentEvents++
	}
}

// AddReceivedConfirm increments the received-confirmation counter for name.
func (r *Registry) AddReceivedConfirm(name string) {
	r.μ.Lock()
	defer r.μ.Unlock()
	if e, ok := r.clients[name]; ok {
		e.stats.ReceivedConfirms++
	}
}

// Counters returns a snapshot of the statistics counters for name.
func (r *Registry) Counters(name string) (EntryStats, bool) {
	r.μ.Lock()
	defer r.μ.Unlock()
	if e, ok := r.clients[name]; ok {
		return e.stats, true
	}
	return EntryStats{}, false
}

// SetRequestStart records the arrival time of the request name is currently
// processing, for the server-side latency measurement.
func (r *Registry) SetRequestStart(name string, t time.Time) {
	r.μ.Lock()
	defer r.μ.Unlock()
	if e, ok := r.clients[name]; ok {
		e.requestStart = t
	}
}

// RequestStart reports the arrival time of the request name is currently
// processing, or the zero time if name has no entry.
func (r *Registry) RequestStart(name string) time.Time {
	r.μ.Lock()
	defer r.μ.Unlock()
	if e, ok := r.clients[name]; ok {
		return e.requestStart
	}
	return time.Time{}
}
