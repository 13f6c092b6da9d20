package acd

import (
	"sync"

	"github.com/rs/zerolog"
)

// ListenerID identifies a registered listener for later removal.
type ListenerID uint64

type listenerEntry[E any] struct {
	id ListenerID
	fn func(E)
}

// listenerSet is an ordered registry of callback closures.
type listenerSet[E any] struct {
	mu      sync.Mutex
	nextID  ListenerID
	entries []listenerEntry[E]
}

func (l *listenerSet[E]) add(fn func(E)) ListenerID {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	l.entries = append(l.entries, listenerEntry[E]{id: l.nextID, fn: fn})
	return l.nextID
}

func (l *listenerSet[E]) remove(id ListenerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (l *listenerSet[E]) snapshot() []func(E) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fns := make([]func(E), len(l.entries))
	for i, e := range l.entries {
		fns[i] = e.fn
	}
	return fns
}

// eventPump serializes delivery of one entity's events. The goroutine that
// finds the pump idle drains it; concurrent or reentrant emits only enqueue,
// so a listener that triggers another event never deadlocks and never
// observes two deliveries at once.
type eventPump[E any] struct {
	mu       sync.Mutex
	pending  []E
	draining bool
}

func (p *eventPump[E]) emit(ev E, deliver func(E)) {
	p.mu.Lock()
	p.pending = append(p.pending, ev)
	if p.draining {
		p.mu.Unlock()
		return
	}
	p.draining = true
	for len(p.pending) > 0 {
		next := p.pending[0]
		p.pending[0] = *new(E)
		p.pending = p.pending[1:]
		p.mu.Unlock()
		deliver(next)
		p.mu.Lock()
	}
	p.pending = nil
	p.draining = false
	p.mu.Unlock()
}

func callListeners[E any](log zerolog.Logger, fns []func(E), ev E) {
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("listener_panic")
				}
			}()
			fn(ev)
		}()
	}
}
