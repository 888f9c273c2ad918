package connection

import "sync"

// Observer is an injected boolean signal source, such as page visibility
// or network online/offline state. Subscribe registers a callback and
// returns its unsubscribe function; the manager subscribes on construction
// and unsubscribes on Destroy.
type Observer interface {
	Subscribe(fn func(active bool)) (unsubscribe func())
}

// Signal is a manual Observer implementation. Hosts wire platform
// notifications into Set; tests drive it directly.
type Signal struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(bool)
}

func NewSignal() *Signal {
	return &Signal{subs: make(map[int]func(bool))}
}

// Subscribe registers fn and returns its unsubscribe function.
func (s *Signal) Subscribe(fn func(active bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.subs[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Set fans the new value out to all subscribers.
func (s *Signal) Set(active bool) {
	s.mu.Lock()
	fns := make([]func(bool), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(active)
	}
}
