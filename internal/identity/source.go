package identity

import (
	"sync"
)

// ChangeHandler receives the new identity after a sign-in, sign-out, or
// token refresh changes the current principal.
type ChangeHandler func(Identity)

// Source holds the current identity and notifies subscribers when it
// changes. Current is a point-in-time query; there is no guarantee that the
// identity observed at subscription time is the one delivered first.
type Source struct {
	mu          sync.RWMutex
	current     Identity
	subscribers map[int64]ChangeHandler
	nextID      int64
}

// NewSource constructs a source starting anonymous.
func NewSource() *Source {
	return &Source{
		current:     Anonymous(),
		subscribers: make(map[int64]ChangeHandler),
	}
}

// Current returns the identity at the time of the call.
func (s *Source) Current() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Subscribe registers a change handler and returns its removal function.
func (s *Source) Subscribe(handler ChangeHandler) func() {
	if handler == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subscribers[id] = handler
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

// Set publishes a new identity. Setting an identity equal to the current
// one is a no-op so token refreshes that change nothing do not fan out.
func (s *Source) Set(next Identity) {
	s.mu.Lock()
	if s.current.Equal(next) {
		s.mu.Unlock()
		return
	}
	s.current = next
	handlers := make([]ChangeHandler, 0, len(s.subscribers))
	for _, handler := range s.subscribers {
		handlers = append(handlers, handler)
	}
	s.mu.Unlock()
	for _, handler := range handlers {
		handler(next)
	}
}
