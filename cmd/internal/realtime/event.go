package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	v1 "threadsync/shared/contracts/realtime/v1"
)

// ErrEmptyEvent is returned for a null or blank event. Callers ignore it silently.
var ErrEmptyEvent = errors.New("realtime: empty event")

// Kind is the normalized event type.
type Kind string

const (
	KindUnknown         Kind = ""
	KindMessage         Kind = "message"
	KindRead            Kind = "read"
	KindTyping          Kind = "typing"
	KindPresence        Kind = "presence"
	KindDelivered       Kind = "delivered"
	KindReactionAdded   Kind = "reaction_added"
	KindReactionRemoved Kind = "reaction_removed"
	KindMessageDeleted  Kind = "message_deleted"
	KindThreadTail      Kind = "thread_tail"
)

// Event is one normalized bus event. Only the field matching Kind is set.
type Event struct {
	Kind Kind
	// Type is the raw type string; empty for legacy message producers.
	Type string

	Message   *Message
	Receipt   *Receipt
	Typing    []int64
	Presence  []PresenceUpdate
	Reaction  *Reaction
	DeletedID int64
	Tail      *ThreadTail
}

// Message is a chat message as seen on the wire.
type Message struct {
	ID          int64
	SenderID    int64
	Content     string
	Timestamp   string
	MessageType string

	// Synthetic is set for messages built from a thread_tail event.
	Synthetic bool

	// Raw is the object the message was extracted from.
	Raw map[string]any
}

// Receipt is a read or delivered receipt: UserID has seen up to UpToID.
type Receipt struct {
	UpToID int64
	UserID int64
}

// PresenceUpdate is one entry of a presence event, in document order.
type PresenceUpdate struct {
	UserID int64
	Status string
}

// ReactionKind distinguishes added from removed reactions.
type ReactionKind string

const (
	ReactionAdded   ReactionKind = "added"
	ReactionRemoved ReactionKind = "removed"
)

// Reaction is a reaction change on a message.
type Reaction struct {
	MessageID int64
	UserID    int64
	Emoji     string
	Kind      ReactionKind
}

// ThreadTail is a server-pushed summary of a thread's latest message.
type ThreadTail struct {
	ThreadID     int64
	LastID       int64
	LastTS       string
	Snippet      string
	LastSenderID int64
}

// ParseEvent normalizes a raw event. It tolerates flat and payload-wrapped
// envelopes and both snake_case and camelCase aliases. Fields that fail
// numeric coercion read as zero. An unknown type yields KindUnknown and no error.
func ParseEvent(data []byte) (Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Event{}, ErrEmptyEvent
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	root, err := decodeValue(dec)
	if err != nil {
		return Event{}, fmt.Errorf("realtime: decode event: %w", err)
	}
	if root == nil {
		return Event{}, ErrEmptyEvent
	}
	ev, ok := root.(*object)
	if !ok {
		return Event{}, fmt.Errorf("realtime: event is %T, want object", root)
	}

	payload, _ := ev.object("payload")
	f := layers(payload, ev)

	out := Event{Type: strings.TrimSpace(ev.str("type"))}

	switch out.Type {
	case "", v1.EventMessage, v1.EventMessageNew:
		out.Kind = KindMessage
		out.Message = extractMessage(ev, payload)

	case v1.EventRead:
		out.Kind = KindRead
		out.Receipt = &Receipt{
			UpToID: f.num("up_to_id", "upToId", "last_read_id", "lastReadId", "message_id", "messageId"),
			UserID: f.num("user_id", "userId", "reader_id", "readerId"),
		}

	case v1.EventDelivered:
		out.Kind = KindDelivered
		out.Receipt = &Receipt{
			UpToID: f.num("up_to_id", "upToId", "last_delivered_id", "lastDeliveredId", "message_id", "messageId"),
			UserID: f.num("user_id", "userId", "recipient_id", "recipientId"),
		}

	case v1.EventTyping:
		out.Kind = KindTyping
		if arr, ok := f.value("users", "user_ids", "userIds").([]any); ok {
			for _, v := range arr {
				if id, ok := toInt64(v); ok {
					out.Typing = append(out.Typing, id)
				}
			}
		}

	case v1.EventPresence:
		out.Kind = KindPresence
		if updates, ok := f.value("updates").(*object); ok {
			for _, k := range updates.keys {
				status, ok := updates.vals[k].(string)
				if !ok {
					continue
				}
				id, _ := toInt64(k)
				out.Presence = append(out.Presence, PresenceUpdate{UserID: id, Status: status})
			}
		}

	case v1.EventReactionAdded, v1.EventReactionRemoved:
		out.Kind = KindReactionAdded
		kind := ReactionAdded
		if out.Type == v1.EventReactionRemoved {
			out.Kind = KindReactionRemoved
			kind = ReactionRemoved
		}
		out.Reaction = &Reaction{
			MessageID: f.num("message_id", "messageId"),
			UserID:    f.num("user_id", "userId"),
			Emoji:     strings.TrimSpace(f.str("emoji")),
			Kind:      kind,
		}

	case v1.EventMessageDeleted:
		out.Kind = KindMessageDeleted
		out.DeletedID = f.num("id", "message_id", "messageId")

	case v1.EventThreadTail:
		out.Kind = KindThreadTail
		out.Tail = &ThreadTail{
			ThreadID:     f.num("thread_id", "threadId"),
			LastID:       f.num("last_id", "lastId", "last_message_id", "lastMessageId"),
			LastTS:       f.str("last_ts", "lastTs", "last_message_timestamp", "lastMessageTimestamp"),
			Snippet:      f.str("snippet", "last_message_content", "lastMessageContent"),
			LastSenderID: f.num("last_sender_id", "lastSenderId"),
		}

	default:
		out.Kind = KindUnknown
	}

	return out, nil
}

// extractMessage picks the message object by precedence: payload.message,
// payload.data, event.message, event.data, else the event itself.
func extractMessage(ev, payload *object) *Message {
	var src fieldLayers
	switch {
	case payload != nil && payload.hasObject("message"):
		m, _ := payload.object("message")
		src = layers(m)
	case payload != nil && payload.hasObject("data"):
		m, _ := payload.object("data")
		src = layers(m)
	case ev.hasObject("message"):
		m, _ := ev.object("message")
		src = layers(m)
	case ev.hasObject("data"):
		m, _ := ev.object("data")
		src = layers(m)
	default:
		// The event itself; a bare payload object carries the fields for newer producers.
		src = layers(payload, ev)
	}

	msg := &Message{
		ID:          src.num("id", "message_id", "messageId"),
		SenderID:    src.num("sender_id", "senderId", "user_id", "userId"),
		Content:     src.str("content", "text", "body"),
		Timestamp:   src.str("timestamp", "created_at", "createdAt", "ts"),
		MessageType: src.str("message_type", "messageType"),
		Raw:         src.first().plain(),
	}
	if msg.SenderID == 0 {
		if sender, ok := src.value("sender").(*object); ok {
			msg.SenderID = layers(sender).num("id")
		} else if id, ok := toInt64(src.value("sender")); ok {
			msg.SenderID = id
		}
	}
	return msg
}

// ---- lenient field access ----

// fieldLayers looks keys up in each object in order; the first valid hit wins.
type fieldLayers []*object

func layers(objs ...*object) fieldLayers {
	out := make(fieldLayers, 0, len(objs))
	for _, o := range objs {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

func (l fieldLayers) first() *object {
	if len(l) == 0 {
		return nil
	}
	return l[0]
}

func (l fieldLayers) value(keys ...string) any {
	for _, o := range l {
		for _, k := range keys {
			if v, ok := o.vals[k]; ok && v != nil {
				return v
			}
		}
	}
	return nil
}

func (l fieldLayers) num(keys ...string) int64 {
	for _, o := range l {
		for _, k := range keys {
			if n, ok := toInt64(o.vals[k]); ok {
				return n
			}
		}
	}
	return 0
}

func (l fieldLayers) str(keys ...string) string {
	for _, o := range l {
		for _, k := range keys {
			switch v := o.vals[k].(type) {
			case string:
				return v
			case json.Number:
				return v.String()
			}
		}
	}
	return ""
}

// toInt64 coerces JSON numbers and numeric strings holding an integral value.
func toInt64(v any) (int64, bool) {
	var s string
	switch t := v.(type) {
	case json.Number:
		s = t.String()
	case string:
		s = strings.TrimSpace(t)
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return t, true
	case int:
		return int64(t), true
	default:
		return 0, false
	}
	if s == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

// ---- order-preserving JSON decoding ----

// object is a decoded JSON object that remembers key order.
type object struct {
	keys []string
	vals map[string]any
}

func (o *object) object(key string) (*object, bool) {
	if o == nil {
		return nil, false
	}
	v, ok := o.vals[key].(*object)
	return v, ok
}

func (o *object) hasObject(key string) bool {
	_, ok := o.object(key)
	return ok
}

func (o *object) str(key string) string {
	if o == nil {
		return ""
	}
	s, _ := o.vals[key].(string)
	return s
}

// plain converts o into ordinary maps and slices for callers.
func (o *object) plain() map[string]any {
	if o == nil {
		return nil
	}
	out := make(map[string]any, len(o.keys))
	for _, k := range o.keys {
		out[k] = plainValue(o.vals[k])
	}
	return out
}

func plainValue(v any) any {
	switch t := v.(type) {
	case *object:
		return t.plain()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = plainValue(e)
		}
		return out
	default:
		return v
	}
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}

	d, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}

	switch d {
	case '{':
		o := &object{vals: make(map[string]any)}
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return nil, err
			}
			key, ok := kt.(string)
			if !ok {
				return nil, fmt.Errorf("object key is %T", kt)
			}
			v, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			if _, dup := o.vals[key]; !dup {
				o.keys = append(o.keys, key)
			}
			o.vals[key] = v
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return o, nil

	case '[':
		arr := make([]any, 0)
		for dec.More() {
			v, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return arr, nil
	}

	return nil, fmt.Errorf("unexpected delimiter %q", d)
}
