// Package eventbus is a synchronous, in-process notification bus keyed by event name.
package eventbus

import (
	"strings"
	"sync"
)

// Listener receives the arguments passed to Emit
type Listener func(args ...any)

// ID identifies a registration so it can be removed with Off
type ID uint64

type entry struct {
	id   ID
	fn   Listener
	once bool
}

// Bus dispatches events to listeners in registration order. The zero value is ready to use.
type Bus struct {
	mu        sync.Mutex
	next      ID
	listeners map[string][]entry
}

// New returns an empty bus
func New() *Bus {
	return &Bus{}
}

// On registers fn for every space-separated name in names
func (b *Bus) On(names string, fn Listener) ID {
	return b.add(names, fn, false)
}

// Once registers fn to run at most once per name
func (b *Bus) Once(names string, fn Listener) ID {
	return b.add(names, fn, true)
}

func (b *Bus) add(names string, fn Listener, once bool) ID {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.listeners == nil {
		b.listeners = make(map[string][]entry)
	}
	b.next++
	id := b.next
	for _, name := range strings.Fields(names) {
		b.listeners[name] = append(b.listeners[name], entry{id: id, fn: fn, once: once})
	}
	return id
}

// Off removes registration id from every space-separated name in names
func (b *Bus) Off(names string, id ID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, name := range strings.Fields(names) {
		b.remove(name, id)
	}
}

func (b *Bus) remove(name string, id ID) bool {
	list := b.listeners[name]
	for i, e := range list {
		if e.id == id {
			next := make([]entry, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(b.listeners, name)
			} else {
				b.listeners[name] = next
			}
			return true
		}
	}
	return false
}

// Emit calls every listener of name synchronously and reports whether there were any.
// Listeners added or removed during dispatch take effect on the next Emit.
func (b *Bus) Emit(name string, args ...any) bool {
	b.mu.Lock()
	list := b.listeners[name]
	if len(list) == 0 {
		b.mu.Unlock()
		return false
	}
	snapshot := make([]entry, 0, len(list))
	for _, e := range list {
		if e.once && !b.remove(name, e.id) {
			continue
		}
		snapshot = append(snapshot, e)
	}
	b.mu.Unlock()

	for _, e := range snapshot {
		e.fn(args...)
	}
	return true
}

// RemoveAll drops the listeners of the given names, or of every name when none are given
func (b *Bus) RemoveAll(names ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(names) == 0 {
		b.listeners = nil
		return
	}
	for _, name := range names {
		delete(b.listeners, name)
	}
}

// ListenerCount returns the number of listeners registered for name
func (b *Bus) ListenerCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[name])
}
