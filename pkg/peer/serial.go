package peer

import "sync"

// serializer runs queued functions one at a time. The goroutine that finds the
// queue idle drains it, so work queued from inside a running function executes
// after that function returns, on the same goroutine. Nothing ever blocks on it.
type serializer struct {
	mu      sync.Mutex
	queue   []func()
	running bool
	held    bool
}

func newSerializer(held bool) *serializer {
	return &serializer{held: held}
}

func (s *serializer) do(fn func()) {
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	if s.running || s.held {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.drain()
}

// release lets queued work run. It is a no-op when not held.
func (s *serializer) release() {
	s.mu.Lock()
	if !s.held {
		s.mu.Unlock()
		return
	}
	s.held = false
	if s.running || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.drain()
}

func (s *serializer) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		fn()
	}
}
