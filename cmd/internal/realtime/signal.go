package realtime

import (
	"log/slog"
	"sync"
	"time"

	"threadsync/cmd/internal/clock"
)

// Signal is a debounced "state changed" hint. Notify calls within one window
// are coalesced; each listener then receives the distinct reasons once, in
// first-seen order.
type Signal struct {
	log    *slog.Logger
	clock  clock.Clock
	window time.Duration

	mu        sync.Mutex
	reasons   []string
	timer     clock.Timer
	listeners map[int]func(reasons []string)
	nextID    int
}

// NewSignal constructs a Signal. A non-positive window uses DefaultSignalWindow.
func NewSignal(log *slog.Logger, clk clock.Clock, window time.Duration) *Signal {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if clk == nil {
		clk = clock.Real()
	}
	if window <= 0 {
		window = DefaultSignalWindow
	}
	return &Signal{
		log:       log,
		clock:     clk,
		window:    window,
		listeners: make(map[int]func([]string)),
	}
}

// Listen registers fn. The returned func unregisters it.
func (s *Signal) Listen(fn func(reasons []string)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Notify records reason and arms the flush timer if it is not already armed.
func (s *Signal) Notify(reason string) {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := false
	for _, r := range s.reasons {
		if r == reason {
			seen = true
			break
		}
	}
	if !seen {
		s.reasons = append(s.reasons, reason)
	}
	if s.timer == nil {
		s.timer = s.clock.AfterFunc(s.window, s.flush)
	}
}

// Stop drops pending reasons without notifying.
func (s *Signal) Stop() {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.reasons = nil
}

func (s *Signal) flush() {
	s.mu.Lock()
	reasons := s.reasons
	s.reasons = nil
	s.timer = nil
	fns := make([]func([]string), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	if len(reasons) == 0 {
		return
	}
	for _, fn := range fns {
		s.call(fn, reasons)
	}
}

func (s *Signal) call(fn func([]string), reasons []string) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Warn("signal.listener.panic", "panic", p)
		}
	}()
	fn(append([]string(nil), reasons...))
}
