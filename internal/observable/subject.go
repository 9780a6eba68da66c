// Package observable provides the push-based primitives the query engine is built on:
// a current-value subject that replays its last value to late subscribers, and a
// debouncer that applies an action only after a period of quiescence.
package observable

import (
	"sync"
)

// Subscription is returned by Subscribe and detaches the observer when cancelled.
type Subscription interface {
	// Unsubscribe removes the observer. It is safe to call more than once.
	Unsubscribe()
}

// SubscriptionFunc adapts a plain function to the Subscription interface.
type SubscriptionFunc func()

// Unsubscribe calls f.
func (f SubscriptionFunc) Unsubscribe() {
	if f != nil {
		f()
	}
}

// Subject holds a current value and fans every new value out to its observers.
//
// Observers registered after a value has been published immediately receive the
// last one. When an equality function is configured, a Next call carrying a value
// equal to the current one is dropped.
type Subject[T any] struct {
	mu        sync.Mutex
	value     T
	hasValue  bool
	closed    bool
	nextID    uint64
	observers map[uint64]func(T)
	order     []uint64
	equal     func(a, b T) bool
	noReplay  bool
}

// SubjectOption configures a Subject.
type SubjectOption[T any] func(*Subject[T])

// WithEqual suppresses emissions equal to the current value.
func WithEqual[T any](equal func(a, b T) bool) SubjectOption[T] {
	return func(s *Subject[T]) {
		s.equal = equal
	}
}

// WithoutReplay turns the subject into a plain event emitter: late subscribers only
// see values published after they subscribed.
func WithoutReplay[T any]() SubjectOption[T] {
	return func(s *Subject[T]) {
		s.noReplay = true
	}
}

// WithInitial seeds the subject with a current value.
func WithInitial[T any](v T) SubjectOption[T] {
	return func(s *Subject[T]) {
		s.value = v
		s.hasValue = true
	}
}

// NewSubject creates an empty subject.
func NewSubject[T any](opts ...SubjectOption[T]) *Subject[T] {
	s := &Subject[T]{
		observers: make(map[uint64]func(T)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Next publishes v. It reports whether the value was emitted.
func (s *Subject[T]) Next(v T) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.hasValue && s.equal != nil && s.equal(s.value, v) {
		s.mu.Unlock()
		return false
	}
	s.value = v
	s.hasValue = true
	observers := s.snapshotLocked()
	s.mu.Unlock()

	for _, fn := range observers {
		fn(v)
	}
	return true
}

// Value returns the current value and whether one has been published.
func (s *Subject[T]) Value() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.hasValue
}

// Subscribe registers fn. If a value is present, fn is called with it before
// Subscribe returns.
func (s *Subject[T]) Subscribe(fn func(T)) Subscription {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return SubscriptionFunc(nil)
	}
	id := s.nextID
	s.nextID++
	s.observers[id] = fn
	s.order = append(s.order, id)
	v, replay := s.value, s.hasValue && !s.noReplay
	s.mu.Unlock()

	if replay {
		fn(v)
	}

	var once sync.Once
	return SubscriptionFunc(func() {
		once.Do(func() { s.remove(id) })
	})
}

// Len returns the number of registered observers.
func (s *Subject[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers)
}

// Close drops every observer. Subsequent Next calls are ignored.
func (s *Subject[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.observers = make(map[uint64]func(T))
	s.order = nil
}

// Closed reports whether Close has been called.
func (s *Subject[T]) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Subject[T]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.observers, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// snapshotLocked copies observers in registration order so callbacks run without the lock.
func (s *Subject[T]) snapshotLocked() []func(T) {
	out := make([]func(T), 0, len(s.order))
	for _, id := range s.order {
		if fn, ok := s.observers[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}
