// Package listeners provides the copy-on-write registration set shared by the
// progress channel, the instrumented pool, and the task runner.
package listeners

import "sync"

// Set holds registered listeners. Registration replaces the backing slice so
// a Snapshot taken by a notifier is never mutated underneath it.
type Set[T any] struct {
	mu      sync.Mutex
	nextID  uint64
	entries []entry[T]
}

type entry[T any] struct {
	id uint64
	v  T
}

// Add registers v and returns a function that removes this registration.
// The same value may be registered more than once; each registration is
// notified separately and removed independently.
func (s *Set[T]) Add(v T) (remove func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	next := make([]entry[T], len(s.entries), len(s.entries)+1)
	copy(next, s.entries)
	s.entries = append(next, entry[T]{id: id, v: v})

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *Set[T]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.id != id {
			continue
		}
		next := make([]entry[T], 0, len(s.entries)-1)
		next = append(next, s.entries[:i]...)
		s.entries = append(next, s.entries[i+1:]...)
		return
	}
}

// Snapshot returns the listeners registered at the time of the call.
func (s *Set[T]) Snapshot() []T {
	s.mu.Lock()
	entries := s.entries
	s.mu.Unlock()
	out := make([]T, len(entries))
	for i, e := range entries {
		out[i] = e.v
	}
	return out
}

// Len reports the number of current registrations.
func (s *Set[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
