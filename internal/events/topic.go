// Package events provides typed, ordered observer lists.
//
// A Topic delivers each published value to its subscribers synchronously, in
// the order they subscribed. Topics are not safe for concurrent use; every
// topic in the core is owned by a component that lives on the event loop.
package events

// Topic is an append-only list of listeners for values of type T.
type Topic[T any] struct {
	listeners []*listener[T]
}

type listener[T any] struct {
	fn     func(T)
	active bool
}

// Subscribe registers fn and returns a function that removes it again.
// Removal keeps the relative order of the remaining listeners.
func (t *Topic[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	l := &listener[T]{fn: fn, active: true}
	t.listeners = append(t.listeners, l)
	return func() {
		if !l.active {
			return
		}
		l.active = false
		for i, cur := range t.listeners {
			if cur == l {
				t.listeners = append(t.listeners[:i:i], t.listeners[i+1:]...)
				return
			}
		}
	}
}

// Publish invokes every listener registered at the time of the call.
// A listener removed during delivery is skipped; one added during delivery
// first sees the next value.
func (t *Topic[T]) Publish(v T) {
	snapshot := t.listeners
	for _, l := range snapshot {
		if l.active {
			l.fn(v)
		}
	}
}

// Len returns the number of registered listeners.
func (t *Topic[T]) Len() int {
	return len(t.listeners)
}
