package bus

import (
	"sync"

	v1 "threadsync/shared/contracts/realtime/v1"
)

// session is one gateway connection.
//
// send is never closed by the server, so hub handlers enqueueing into it
// cannot panic after shutdown; done signals the connection goroutines.
type session struct {
	id   string
	send chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	topics map[string]func()
}

func newSession(id string, queueSize int) *session {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &session{
		id:     id,
		send:   make(chan v1.Envelope, queueSize),
		done:   make(chan struct{}),
		topics: make(map[string]func()),
	}
}

func (s *session) Done() <-chan struct{} { return s.done }

// Close signals the session goroutines to stop (idempotent).
func (s *session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *session) subscribed(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.topics[topic]
	return ok
}

func (s *session) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.topics)
}

func (s *session) add(topic string, unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics[topic] = unsubscribe
}

// remove detaches one topic and reports whether it was attached.
func (s *session) remove(topic string) bool {
	s.mu.Lock()
	unsub, ok := s.topics[topic]
	delete(s.topics, topic)
	s.mu.Unlock()

	if ok {
		unsub()
	}
	return ok
}

// removeAll detaches every topic.
func (s *session) removeAll() {
	s.mu.Lock()
	unsubs := make([]func(), 0, len(s.topics))
	for _, fn := range s.topics {
		unsubs = append(unsubs, fn)
	}
	s.topics = make(map[string]func())
	s.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
}
