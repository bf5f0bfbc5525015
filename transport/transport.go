// Package transport defines the narrow contract used to drive the test board:
// blocking register access plus bulk memory write and compare.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Mismatch is a 32-bit word whose content differs from the expected pattern.
type Mismatch struct {
	Addr     uint64 // bus address of the word
	Observed uint32
	Expected uint32
}

// Client is a link to a test board. Implementations are not required to be
// safe for concurrent use: the board has no operation-level locking and only
// one caller may drive it at a time.
type Client interface {
	ReadRegister(ctx context.Context, name string) (uint32, error)
	WriteRegister(ctx context.Context, name string, val uint32) error

	// BulkWrite writes words at consecutive 32-bit locations starting at base.
	BulkWrite(ctx context.Context, base uint64, words []uint32) error

	// BulkReadCompare reads length bytes starting at base and compares them
	// against pattern, repeated as needed. Every mismatching word is reported.
	BulkReadCompare(ctx context.Context, base, length uint64, pattern []uint32) ([]Mismatch, error)
}

// Error is a link or timeout failure. It is fatal to the operation that
// observed it, never to the process.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("transport: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Wrap returns err as a transport *Error, unless err is nil or already one.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var terr *Error
	if errors.As(err, &terr) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// IsTransport reports whether err is, or wraps, a transport error.
func IsTransport(err error) bool {
	var terr *Error
	return errors.As(err, &terr)
}

// IsTimeout reports whether err is a transport error caused by a deadline.
func IsTimeout(err error) bool {
	return IsTransport(err) && errors.Is(err, context.DeadlineExceeded)
}
