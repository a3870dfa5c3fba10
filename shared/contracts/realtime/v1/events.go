package v1

// Thread event types carried in event payloads.
//
// A message event may also arrive without a type from legacy producers.
const (
	EventMessage         = "message"
	EventMessageNew      = "message_new"
	EventRead            = "read"
	EventTyping          = "typing"
	EventPresence        = "presence"
	EventDelivered       = "delivered"
	EventReactionAdded   = "reaction_added"
	EventReactionRemoved = "reaction_removed"
	EventMessageDeleted  = "message_deleted"
	EventThreadTail      = "thread_tail"
)

// ThreadEvent is the shape canonical producers emit. Older producers put the
// fields at the top level instead of under payload.
type ThreadEvent struct {
	Type    string `json:"type,omitempty"`
	Payload any    `json:"payload"`
}

// MessagePayload is a new message in a thread.
type MessagePayload struct {
	ID          int64  `json:"id"`
	SenderID    int64  `json:"sender_id"`
	Content     string `json:"content"`
	Timestamp   string `json:"timestamp"`
	MessageType string `json:"message_type,omitempty"`
}

// ReadPayload says UserID has read the thread up to UpToID.
type ReadPayload struct {
	UpToID int64 `json:"up_to_id"`
	UserID int64 `json:"user_id"`
}

// DeliveredPayload says messages up to UpToID reached UserID.
type DeliveredPayload struct {
	UpToID int64 `json:"up_to_id"`
	UserID int64 `json:"user_id"`
}

// TypingPayload lists the users currently typing.
type TypingPayload struct {
	Users []int64 `json:"users"`
}

// ReactionPayload is a reaction added to or removed from a message.
type ReactionPayload struct {
	MessageID int64  `json:"message_id"`
	UserID    int64  `json:"user_id"`
	Emoji     string `json:"emoji"`
}

// MessageDeletedPayload identifies a deleted message.
type MessageDeletedPayload struct {
	ID int64 `json:"id"`
}

// ThreadTailPayload is a server-side summary of a thread's latest message.
type ThreadTailPayload struct {
	ThreadID     int64  `json:"thread_id"`
	LastID       int64  `json:"last_id"`
	LastTS       string `json:"last_ts"`
	Snippet      string `json:"snippet"`
	LastSenderID int64  `json:"last_sender_id,omitempty"`
}
