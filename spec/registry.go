package spec

import (
	"sync"
	"sync/atomic"

	"github.com/SEBv15/go-certifspec/logger"
	"github.com/SEBv15/go-certifspec/sv"
)

// EventCallback is a function type invoked for every change event of a
// watched property.
//
// Callbacks run on the connection's receive goroutine in registration order.
// A slow callback delays delivery of subsequent events; long-running work
// should be handed off to another goroutine.
type EventCallback func(msg *sv.Message)

// Subscription identifies one registered event callback. It is returned by
// Client.Subscribe and required to cancel the callback again.
type Subscription struct {
	id   uint64
	name string
}

// Name returns the watched property name.
func (s *Subscription) Name() string {
	return s.name
}

type subEntry struct {
	id uint64
	cb EventCallback
}

// registry tracks event callbacks per property name.
//
// It only manages the callback lists; the caller is responsible for telling
// the server when a property gains its first watcher or loses its last one.
type registry struct {
	mu     sync.RWMutex
	nextID atomic.Uint64
	subs   map[string][]subEntry
	logger logger.Logger
}

func newRegistry(l logger.Logger) *registry {
	return &registry{
		subs:   make(map[string][]subEntry),
		logger: l,
	}
}

// add appends cb to the watcher list of name and reports whether it became
// the list's first entry. The same callback may be added multiple times; it
// will then be invoked once per registration.
func (r *registry) add(name string, cb EventCallback) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.subs[name]
	first := len(entries) == 0

	id := r.nextID.Add(1)
	r.subs[name] = append(entries, subEntry{id: id, cb: cb})

	return &Subscription{id: id, name: name}, first
}

// remove deletes the given subscription from its watcher list.
// It reports whether the subscription was found and whether its removal left
// the watcher list empty.
func (r *registry) remove(sub *Subscription) (removed bool, last bool) {
	if sub == nil {
		return false, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entries, ok := r.subs[sub.name]
	if !ok {
		return false, false
	}

	for i, entry := range entries {
		if entry.id != sub.id {
			continue
		}

		entries = append(entries[:i], entries[i+1:]...)
		if len(entries) == 0 {
			delete(r.subs, sub.name)
			return true, true
		}
		r.subs[sub.name] = entries

		return true, false
	}

	return false, false
}

// count returns the number of watchers registered for name.
func (r *registry) count(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.subs[name])
}

// dispatch invokes all watcher callbacks of msg.Name in registration order.
//
// The callback list is snapshotted first so that callbacks may subscribe or
// unsubscribe without deadlocking; entries added during dispatch see only
// subsequent events.
func (r *registry) dispatch(msg *sv.Message) {
	r.mu.RLock()
	entries := r.subs[msg.Name]
	snapshot := make([]subEntry, len(entries))
	copy(snapshot, entries)
	r.mu.RUnlock()

	for _, entry := range snapshot {
		r.callWithRecover(msg, entry.cb)
	}
}

// callWithRecover calls an event callback with panic protection
func (r *registry) callWithRecover(msg *sv.Message, cb EventCallback) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic in event callback", "property", msg.Name, "panic", p)
		}
	}()

	cb(msg)
}
