package realtime

import (
	"time"

	v1 "threadsync/shared/contracts/realtime/v1"
)

// Defaults for Config fields left zero.
const (
	DefaultTypingClearAfter = 3 * time.Second
	DefaultDeliveryDebounce = 150 * time.Millisecond
	DefaultDeliveryTimeout  = 10 * time.Second
	DefaultSignalWindow     = 100 * time.Millisecond
)

// Config holds per-Reconciler settings.
type Config struct {
	// MyUserID is the current user. Zero means unknown: nothing counts as a self echo.
	MyUserID int64

	// TopicPrefix is prepended to the thread id to build the bus topic.
	TopicPrefix string

	TypingClearAfter time.Duration
	DeliveryDebounce time.Duration
	DeliveryTimeout  time.Duration
	SignalWindow     time.Duration
}

func (c Config) withDefaults() Config {
	if c.TopicPrefix == "" {
		c.TopicPrefix = v1.ThreadTopicPrefix
	}
	if c.TypingClearAfter <= 0 {
		c.TypingClearAfter = DefaultTypingClearAfter
	}
	if c.DeliveryDebounce <= 0 {
		c.DeliveryDebounce = DefaultDeliveryDebounce
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if c.SignalWindow <= 0 {
		c.SignalWindow = DefaultSignalWindow
	}
	return c
}
