package realtime

import "context"

// Subscriber is a topic-based realtime bus.
//
// Handlers for one subscription are invoked sequentially in delivery order.
// After unsubscribe returns, no new handler invocation begins.
type Subscriber interface {
	Subscribe(topic string, handler func(data []byte)) (unsubscribe func(), err error)
}

// DeliveryAPI tells the server the current user received messages up to messageID.
// Acknowledgements are monotonic server-side: a lower id after a higher one is a no-op.
type DeliveryAPI interface {
	PutDeliveredUpTo(ctx context.Context, threadID, messageID int64) error
}

// ReactionEvent is forwarded to Callbacks.ApplyReaction.
type ReactionEvent struct {
	MessageID int64
	Emoji     string
	UserID    int64
	Kind      ReactionKind
}

// Callbacks receive what the reconciler derives from the stream.
type Callbacks interface {
	// IngestMessage receives every message event, including synthesized
	// ones. Implementations dedupe by Message.ID.
	IngestMessage(msg Message) error
	ApplyReadReceipt(upToID, readerID, myUserID int64)
	ApplyDelivered(upToID, recipientID, myUserID int64)
	ApplyReaction(ev ReactionEvent)
	ApplyMessageDeleted(messageID int64)
}

// CallbackFuncs adapts plain functions to Callbacks. Nil fields are skipped.
type CallbackFuncs struct {
	Ingest         func(msg Message) error
	ReadReceipt    func(upToID, readerID, myUserID int64)
	Delivered      func(upToID, recipientID, myUserID int64)
	Reaction       func(ev ReactionEvent)
	MessageDeleted func(messageID int64)
}

func (f CallbackFuncs) IngestMessage(msg Message) error {
	if f.Ingest == nil {
		return nil
	}
	return f.Ingest(msg)
}

func (f CallbackFuncs) ApplyReadReceipt(upToID, readerID, myUserID int64) {
	if f.ReadReceipt != nil {
		f.ReadReceipt(upToID, readerID, myUserID)
	}
}

func (f CallbackFuncs) ApplyDelivered(upToID, recipientID, myUserID int64) {
	if f.Delivered != nil {
		f.Delivered(upToID, recipientID, myUserID)
	}
}

func (f CallbackFuncs) ApplyReaction(ev ReactionEvent) {
	if f.Reaction != nil {
		f.Reaction(ev)
	}
}

func (f CallbackFuncs) ApplyMessageDeleted(messageID int64) {
	if f.MessageDeleted != nil {
		f.MessageDeleted(messageID)
	}
}
