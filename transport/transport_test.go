package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestWrap(t *testing.T) {
	if Wrap("read", nil) != nil {
		t.Fatal("Wrap(nil) != nil")
	}

	base := errors.New("link down")
	err := Wrap("read", base)
	if !IsTransport(err) {
		t.Errorf("IsTransport(%v) = false", err)
	}
	if !errors.Is(err, base) {
		t.Errorf("wrapped error lost its cause")
	}
	if err2 := Wrap("other", err); err2 != err {
		t.Errorf("double wrap: %v", err2)
	}

	wrapped := fmt.Errorf("attack: %w", err)
	if !IsTransport(wrapped) {
		t.Errorf("IsTransport does not see through fmt wrapping")
	}
	if IsTransport(base) {
		t.Errorf("IsTransport(plain error) = true")
	}
}

func TestIsTimeout(t *testing.T) {
	if !IsTimeout(Wrap("poll", context.DeadlineExceeded)) {
		t.Errorf("deadline not reported as timeout")
	}
	if IsTimeout(Wrap("poll", context.Canceled)) {
		t.Errorf("cancellation reported as timeout")
	}
	if IsTimeout(context.DeadlineExceeded) {
		t.Errorf("bare deadline reported as transport timeout")
	}
}
