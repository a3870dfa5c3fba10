package delivery

import (
	"context"
	"time"
)

// Mark is one user's delivery position in a thread.
type Mark struct {
	ThreadID  int64     `json:"thread_id"`
	UserID    int64     `json:"user_id"`
	MessageID int64     `json:"message_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists delivery marks.
//
// Requirements:
//   - AdvanceDelivered is monotonic per (thread, user): an id at or below the
//     current mark leaves it unchanged and reports advanced=false.
//   - Get returns ErrNotFound when nothing was recorded.
type Store interface {
	AdvanceDelivered(ctx context.Context, threadID, userID, messageID int64) (current int64, advanced bool, err error)
	Get(ctx context.Context, threadID, userID int64) (Mark, error)
	Close() error
}

func validate(op string, threadID, userID, messageID int64) error {
	switch {
	case threadID <= 0:
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "thread_id must be positive"}
	case userID <= 0:
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "user_id must be positive"}
	case messageID <= 0:
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "message_id must be positive"}
	}
	return nil
}
