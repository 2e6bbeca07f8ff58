// Package events delivers engine lifecycle and change notifications to observers.
package events

import (
	"sync"

	"github.com/dgnsrekt/mirrorsync/internal/mirror"
)

// Kind enumerates the events the engine produces.
type Kind int

const (
	Online Kind = iota
	Offline
	MirrorReady
	ChangesApplied
)

func (k Kind) String() string {
	switch k {
	case Online:
		return "online"
	case Offline:
		return "offline"
	case MirrorReady:
		return "mirror-ready"
	case ChangesApplied:
		return "changes-applied"
	default:
		return "unknown"
	}
}

// Event is a single notification. Changes is set only for ChangesApplied;
// Version is the mirror version at emission time when known.
type Event struct {
	Kind    Kind
	Changes mirror.ChangeSet
	Version int64
}

// Observer receives events. Implementations must be comparable (pointer
// receivers are) since unsubscription is keyed by identity.
type Observer interface {
	Notify(Event)
}

type funcObserver struct {
	fn func(Event)
}

func (f *funcObserver) Notify(e Event) { f.fn(e) }

// Func adapts a function to an Observer. Keep the returned value to unsubscribe.
func Func(fn func(Event)) Observer {
	return &funcObserver{fn: fn}
}

// Bus fans events out to subscribers, synchronously and in subscription order.
type Bus struct {
	mu        sync.RWMutex
	observers []subscription
}

type subscription struct {
	observer Observer
	kinds    map[Kind]bool // nil means every kind
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers o for the given kinds, or for every kind when none are
// given. Subscribing the same observer again replaces its kind filter.
func (b *Bus) Subscribe(o Observer, kinds ...Kind) {
	var filter map[Kind]bool
	if len(kinds) > 0 {
		filter = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			filter[k] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.observers {
		if b.observers[i].observer == o {
			b.observers[i].kinds = filter
			return
		}
	}
	b.observers = append(b.observers, subscription{observer: o, kinds: filter})
}

// Unsubscribe removes o. Unknown observers are ignored.
func (b *Bus) Unsubscribe(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.observers {
		if b.observers[i].observer == o {
			b.observers = append(b.observers[:i:i], b.observers[i+1:]...)
			return
		}
	}
}

// Publish delivers e to every matching observer.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	targets := make([]Observer, 0, len(b.observers))
	for _, s := range b.observers {
		if s.kinds == nil || s.kinds[e.Kind] {
			targets = append(targets, s.observer)
		}
	}
	b.mu.RUnlock()

	for _, o := range targets {
		o.Notify(e)
	}
}
