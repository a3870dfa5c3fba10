package realtime

import "sync"

// DefaultLedgerCap bounds the ids remembered per thread.
const DefaultLedgerCap = 500

// Ledger remembers, per thread, which inbound message ids were already
// counted as unread. Each thread's set is bounded: when it grows past the
// cap, the oldest entries by insertion order are evicted until half the cap
// remains.
//
// Entries are never cleared on unsubscribe, so a remounted view replaying
// retained events does not count them twice.
type Ledger struct {
	mu      sync.Mutex
	cap     int
	threads map[int64]*seenSet
}

type seenSet struct {
	order []int64
	ids   map[int64]struct{}
}

var (
	defaultLedgerOnce sync.Once
	defaultLedger     *Ledger
)

// DefaultLedger returns the process-wide Ledger, creating it on first use.
func DefaultLedger() *Ledger {
	defaultLedgerOnce.Do(func() {
		defaultLedger = NewLedger(DefaultLedgerCap)
	})
	return defaultLedger
}

// NewLedger constructs a Ledger. A non-positive capacity uses DefaultLedgerCap.
func NewLedger(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultLedgerCap
	}
	return &Ledger{
		cap:     capacity,
		threads: make(map[int64]*seenSet),
	}
}

// Has reports whether messageID was recorded for threadID.
func (l *Ledger) Has(threadID, messageID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.threads[threadID]
	if s == nil {
		return false
	}
	_, ok := s.ids[messageID]
	return ok
}

// Record inserts messageID for threadID and reports whether it was new.
// Re-recording a known id does not refresh its position.
func (l *Ledger) Record(threadID, messageID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.threads[threadID]
	if s == nil {
		s = &seenSet{ids: make(map[int64]struct{})}
		l.threads[threadID] = s
	}
	if _, ok := s.ids[messageID]; ok {
		return false
	}

	s.ids[messageID] = struct{}{}
	s.order = append(s.order, messageID)

	if len(s.order) > l.cap {
		keep := l.cap / 2
		drop := len(s.order) - keep
		for _, id := range s.order[:drop] {
			delete(s.ids, id)
		}
		// Copy so the evicted prefix can be collected.
		s.order = append(make([]int64, 0, l.cap+1), s.order[drop:]...)
	}
	return true
}

// Len returns the number of ids remembered for threadID.
func (l *Ledger) Len(threadID int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s := l.threads[threadID]; s != nil {
		return len(s.ids)
	}
	return 0
}
