// Package delivery stores per-user "delivered up to" marks for threads and
// serves them over HTTP.
package delivery

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned for non-positive ids.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound is returned when no mark exists.
	ErrNotFound = errors.New("not found")
	// ErrNilPool is returned by NewPostgresStore without a pool.
	ErrNilPool = errors.New("nil pool")
	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("unavailable")
)

// OpError is a typed operation error with a stable Op + Kind contract.
// Kind is one of the sentinels above when applicable.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// IsInvalidInput reports whether err represents ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
