// Package bus is the topic-based realtime bus: an in-process Hub, the
// WebSocket Gateway that exposes it, and a WSSubscriber that consumes it
// from another process.
package bus

import (
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	// ErrClosed is returned after the Hub or subscriber was closed.
	ErrClosed = errors.New("bus: closed")
	// ErrInvalidTopic is returned for empty, oversized or whitespace-containing topics.
	ErrInvalidTopic = errors.New("bus: invalid topic")
)

// Hub fans published payloads out to topic subscribers in-process.
//
// Concurrency guarantees:
//   - Publish never blocks; a subscriber with a full queue misses the frame.
//   - Each subscription is served by one goroutine, so its handler sees
//     payloads sequentially in publish order.
//   - Unsubscribe waits for an in-flight handler call; afterwards the
//     handler is never invoked again. It must not be called from the handler.
type Hub struct {
	log       *slog.Logger
	metrics   *Metrics
	queueSize int

	mu     sync.RWMutex
	topics map[string]map[uint64]*subscription
	nextID uint64
	closed bool
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubMetrics records drops and publishes on m.
func WithHubMetrics(m *Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithQueueSize sets the per-subscription queue depth.
func WithQueueSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// NewHub constructs a Hub.
func NewHub(log *slog.Logger, opts ...HubOption) *Hub {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	h := &Hub{
		log:       log,
		queueSize: defaultSubscriberQueue,
		topics:    make(map[string]map[uint64]*subscription),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

type subscription struct {
	topic   string
	handler func([]byte)
	queue   chan []byte
	done    chan struct{}

	// invoke is held across each handler call so unsubscribe can wait it out.
	invoke    sync.Mutex
	stopped   bool
	closeOnce sync.Once
}

// Subscribe registers handler for topic.
func (h *Hub) Subscribe(topic string, handler func(data []byte)) (func(), error) {
	if !ValidTopic(topic) {
		return nil, ErrInvalidTopic
	}
	if handler == nil {
		return nil, errors.New("bus: nil handler")
	}

	s := &subscription{
		topic:   topic,
		handler: handler,
		queue:   make(chan []byte, h.queueSize),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.nextID++
	id := h.nextID
	subs := h.topics[topic]
	if subs == nil {
		subs = make(map[uint64]*subscription)
		h.topics[topic] = subs
	}
	subs[id] = s
	h.mu.Unlock()

	go s.run(h.log)

	h.log.Debug("bus.subscribe", "topic", topic, "sub_id", id)

	return func() { h.remove(id, s) }, nil
}

// Publish fans data out to every subscriber of topic and returns how many
// accepted it.
func (h *Hub) Publish(topic string, data []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return 0
	}
	h.metrics.publish()

	n := 0
	for _, s := range h.topics[topic] {
		select {
		case <-s.done:
			continue
		default:
		}

		select {
		case s.queue <- data:
			n++
		default:
			h.metrics.drop("hub")
			h.log.Warn("bus.publish.drop", "topic", topic)
		}
	}
	return n
}

// Subscribers returns the number of live subscriptions on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Close stops every subscription. Later Subscribe calls fail with ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*subscription
	for _, subs := range h.topics {
		for _, s := range subs {
			all = append(all, s)
		}
	}
	h.topics = make(map[string]map[uint64]*subscription)
	h.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
}

func (h *Hub) remove(id uint64, s *subscription) {
	h.mu.Lock()
	if subs := h.topics[s.topic]; subs != nil {
		delete(subs, id)
		if len(subs) == 0 {
			delete(h.topics, s.topic)
		}
	}
	h.mu.Unlock()

	s.stop()
}

func (s *subscription) stop() {
	s.closeOnce.Do(func() { close(s.done) })

	s.invoke.Lock()
	s.stopped = true
	s.invoke.Unlock()
}

func (s *subscription) run(log *slog.Logger) {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.queue:
			if !s.deliver(log, data) {
				return
			}
		}
	}
}

func (s *subscription) deliver(log *slog.Logger, data []byte) bool {
	s.invoke.Lock()
	defer s.invoke.Unlock()

	if s.stopped {
		return false
	}
	s.call(log, data)
	return true
}

// call runs the handler; a panic is logged and the subscription keeps going.
func (s *subscription) call(log *slog.Logger, data []byte) {
	defer func() {
		if p := recover(); p != nil {
			log.Warn("bus.handler.panic", "topic", s.topic, "panic", p)
		}
	}()
	s.handler(data)
}

// ValidTopic reports whether topic is usable on the bus.
func ValidTopic(topic string) bool {
	if topic == "" || len(topic) > maxTopicBytes {
		return false
	}
	return !strings.ContainsFunc(topic, func(r rune) bool {
		return r <= ' ' || r == 0x7f
	})
}
