package delivery

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used when no database is configured.
type MemoryStore struct {
	mu    sync.Mutex
	now   func() time.Time
	marks map[markKey]Mark
}

type markKey struct {
	thread int64
	user   int64
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:   func() time.Time { return time.Now().UTC() },
		marks: make(map[markKey]Mark),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// AdvanceDelivered raises the mark for (threadID, userID) to messageID.
func (s *MemoryStore) AdvanceDelivered(ctx context.Context, threadID, userID, messageID int64) (int64, bool, error) {
	const op = "delivery.MemoryStore.AdvanceDelivered"
	if err := validate(op, threadID, userID, messageID); err != nil {
		return 0, false, err
	}
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := markKey{thread: threadID, user: userID}
	m, ok := s.marks[k]
	if ok && messageID <= m.MessageID {
		return m.MessageID, false, nil
	}
	s.marks[k] = Mark{ThreadID: threadID, UserID: userID, MessageID: messageID, UpdatedAt: s.now()}
	return messageID, true, nil
}

// Get returns the mark for (threadID, userID).
func (s *MemoryStore) Get(ctx context.Context, threadID, userID int64) (Mark, error) {
	const op = "delivery.MemoryStore.Get"
	if threadID <= 0 || userID <= 0 {
		return Mark{}, OpError{Op: op, Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return Mark{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.marks[markKey{thread: threadID, user: userID}]
	if !ok {
		return Mark{}, OpError{Op: op, Kind: ErrNotFound}
	}
	return m, nil
}
