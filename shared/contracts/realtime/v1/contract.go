// Package v1 defines the threadsync bus protocol v1 contract.
//
// It is shared between the gateway, the WS subscriber and producers so the
// frame format stays authoritative in one place. Thread event payloads are
// carried opaquely inside frames; consumers parse them leniently.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every frame.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated by the gateway.
const Subprotocol = "threadsync.bus.v1"

// Frame types (wire-stable).
const (
	// TypeSubscribe attaches the connection to a topic (client -> server).
	TypeSubscribe = "subscribe"
	// TypeSubscribeAck confirms a subscription (server -> client).
	TypeSubscribeAck = "subscribe_ack"
	// TypeUnsubscribe detaches the connection from a topic (client -> server).
	TypeUnsubscribe = "unsubscribe"
	// TypePublish fans a payload out to every subscriber of topic (client -> server).
	TypePublish = "publish"
	// TypeEvent delivers a published payload (server -> client).
	TypeEvent = "event"
	// TypeError is a generic error frame (server -> client).
	TypeError = "error"
)

// ThreadTopicPrefix is prepended to a thread id to name its topic.
const ThreadTopicPrefix = "booking-requests:"

// ThreadTopic returns the bus topic for a thread.
func ThreadTopic(threadID int64) string {
	return ThreadTopicPrefix + strconv.FormatInt(threadID, 10)
}

// Envelope is the canonical frame wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeSubscribe, TypeUnsubscribe:
		if strings.TrimSpace(e.Topic) == "" {
			return errors.New("missing field: topic")
		}
	case TypePublish, TypeEvent:
		if strings.TrimSpace(e.Topic) == "" {
			return errors.New("missing field: topic")
		}
		if len(e.Payload) == 0 {
			return errors.New("missing field: payload")
		}
	case TypeSubscribeAck, TypeError:
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
