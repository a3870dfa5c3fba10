package realtime

import (
	"sync"
	"time"

	"threadsync/cmd/internal/clock"
)

// typingTimer auto-clears a typing indicator nobody refreshed.
// Each Schedule cancels the previous timer; there is never more than one.
type typingTimer struct {
	clock clock.Clock
	delay time.Duration
	clear func(threadID int64)

	mu    sync.Mutex
	timer clock.Timer
	gen   uint64
}

func newTypingTimer(clk clock.Clock, delay time.Duration, clear func(threadID int64)) *typingTimer {
	return &typingTimer{clock: clk, delay: delay, clear: clear}
}

// Schedule (re)starts the clear timer for threadID.
func (t *typingTimer) Schedule(threadID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = t.clock.AfterFunc(t.delay, func() { t.fire(gen, threadID) })
}

// Cancel stops any pending clear.
func (t *typingTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *typingTimer) fire(gen uint64, threadID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.gen {
		return
	}
	t.timer = nil
	// Cleared under the lock so a concurrent Cancel cannot be overtaken.
	t.clear(threadID)
}
