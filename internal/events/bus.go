package events

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
)

var (
	// ErrDuplicateListener is returned when a (tag, name) pair is already registered.
	ErrDuplicateListener = errors.New("listener already registered")
	// ErrNotRemovable is returned when removing a system listener.
	ErrNotRemovable = errors.New("listener is not removable")
	// ErrUnknownListener is returned when removing an id that is not registered.
	ErrUnknownListener = errors.New("unknown listener")
)

// ListenerID identifies a registration.
type ListenerID int64

type listener struct {
	id        ListenerID
	tag       Tag
	name      string
	fn        func(Event)
	removable bool
}

// Bus is a synchronous publish/subscribe registry keyed by event tag. It is
// owned by the player loop and must only be used from it.
type Bus struct {
	nextID    int64
	listeners map[Tag][]*listener
	byID      map[ListenerID]*listener
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		listeners: make(map[Tag][]*listener),
		byID:      make(map[ListenerID]*listener),
	}
}

// Subscribe registers fn for tag under name. Each (tag, name) pair may be
// registered once. System listeners pass removable=false.
func (b *Bus) Subscribe(tag Tag, name string, fn func(Event), removable bool) (ListenerID, error) {
	for _, l := range b.listeners[tag] {
		if l.name == name {
			return 0, fmt.Errorf("%w: %s/%s", ErrDuplicateListener, tag, name)
		}
	}
	id := ListenerID(atomic.AddInt64(&b.nextID, 1))
	l := &listener{id: id, tag: tag, name: name, fn: fn, removable: removable}
	b.listeners[tag] = append(b.listeners[tag], l)
	b.byID[id] = l
	return id, nil
}

// Unsubscribe removes a removable listener.
func (b *Bus) Unsubscribe(id ListenerID) error {
	l, ok := b.byID[id]
	if !ok {
		return ErrUnknownListener
	}
	if !l.removable {
		return ErrNotRemovable
	}
	b.drop(l)
	return nil
}

// Detach removes a listener regardless of its removable flag. Components use
// it to tear down the system listeners they registered themselves.
func (b *Bus) Detach(id ListenerID) {
	if l, ok := b.byID[id]; ok {
		b.drop(l)
	}
}

// UnsubscribeName removes the removable listener registered as (tag, name).
func (b *Bus) UnsubscribeName(tag Tag, name string) error {
	for _, l := range b.listeners[tag] {
		if l.name == name {
			return b.Unsubscribe(l.id)
		}
	}
	return ErrUnknownListener
}

// RemoveAll drops every removable listener and keeps system ones.
func (b *Bus) RemoveAll() {
	for _, l := range b.byID {
		if l.removable {
			b.drop(l)
		}
	}
}

func (b *Bus) drop(l *listener) {
	delete(b.byID, l.id)
	ls := b.listeners[l.tag]
	for i, x := range ls {
		if x == l {
			b.listeners[l.tag] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(b.listeners[l.tag]) == 0 {
		delete(b.listeners, l.tag)
	}
}

// Publish delivers e to every listener of its tag in registration order.
// Listeners added or removed during delivery take effect on the next Publish.
func (b *Bus) Publish(e Event) {
	ls := b.listeners[e.Tag()]
	if len(ls) == 0 {
		return
	}
	snapshot := append([]*listener(nil), ls...)
	for _, l := range snapshot {
		if _, live := b.byID[l.id]; !live {
			continue
		}
		l.fn(e)
	}
}

// Count returns the number of listeners registered for tag.
func (b *Bus) Count(tag Tag) int { return len(b.listeners[tag]) }

// Tags lists tags that currently have listeners, sorted.
func (b *Bus) Tags() []Tag {
	out := make([]Tag, 0, len(b.listeners))
	for t := range b.listeners {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// On registers a typed handler. The tag is taken from the zero value of E.
func On[E Event](b *Bus, name string, fn func(E), removable bool) (ListenerID, error) {
	var zero E
	return b.Subscribe(zero.Tag(), name, func(e Event) {
		if v, ok := e.(E); ok {
			fn(v)
		}
	}, removable)
}

// MustOn is On for system wiring where a duplicate is a programming error.
func MustOn[E Event](b *Bus, name string, fn func(E)) ListenerID {
	id, err := On(b, name, fn, false)
	if err != nil {
		panic(err)
	}
	return id
}
