// Package clock provides the time source used by every timer in threadsync.
//
// Production code takes a Clock and gets Real(). Tests take Fake(), whose
// AfterFunc callbacks run synchronously inside Advance so debounce and
// auto-clear behavior can be asserted without sleeping.
package clock

import "time"

// Clock is the subset of the time package the realtime code depends on.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer cancels it.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop reports whether the call was cancelled before it fired.
	Stop() bool
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
