package appstate

import "sync"

// Store is the process-scoped holder of the application state. Reads return
// value copies; writes go through Apply with a transition function.
type Store struct {
	mu    sync.Mutex
	state State
}

// NewStore creates a store with the given initial state.
func NewStore(initial State) *Store {
	return &Store{state: initial}
}

// Current returns a copy of the present state.
func (s *Store) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Apply runs a transition against the current state and installs the result,
// returning it.
func (s *Store) Apply(transition func(State) State) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = transition(s.state)
	return s.state
}
