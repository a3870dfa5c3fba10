package realtime

import "strings"

// PaymentReceived is the canonical preview for payment confirmation snippets.
const PaymentReceived = "Payment received"

// MessageTypeUser marks a synthesized message as an ordinary user message.
const MessageTypeUser = "USER"

var bookingAnnouncementPrefixes = []string{
	"booking details:",
	"new booking request",
}

// normalizeSnippet returns the preview text stored in a summary.
func normalizeSnippet(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if hasPrefixFold(s, "payment received") {
		return PaymentReceived
	}
	return s
}

// isBookingAnnouncement reports whether a snippet is a system "new booking
// request" announcement that must not become a synthesized message.
func isBookingAnnouncement(s string) bool {
	s = strings.TrimSpace(s)
	for _, p := range bookingAnnouncementPrefixes {
		if hasPrefixFold(s, p) {
			return true
		}
	}
	return false
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// synthesizeMessage builds the minimal inbound message a thread_tail implies.
func synthesizeMessage(tail ThreadTail) Message {
	return Message{
		ID:          tail.LastID,
		SenderID:    tail.LastSenderID,
		Content:     tail.Snippet,
		Timestamp:   tail.LastTS,
		MessageType: MessageTypeUser,
		Synthetic:   true,
		Raw: map[string]any{
			"id":           tail.LastID,
			"sender_id":    tail.LastSenderID,
			"content":      tail.Snippet,
			"timestamp":    tail.LastTS,
			"message_type": MessageTypeUser,
			"thread_id":    tail.ThreadID,
		},
	}
}
