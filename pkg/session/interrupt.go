package session

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by operations on a disconnected session.
	ErrNotConnected = errors.New("session not connected")

	// ErrCancelledByDisconnect is returned when a requested disconnect
	// interrupted an operation. It wraps context.Canceled.
	ErrCancelledByDisconnect = fmt.Errorf("operation interrupted by disconnect: %w", context.Canceled)
)

// disconnectWatcher is the part of a client an operation is raced against.
type disconnectWatcher interface {
	IsConnected() bool
	WaitForDisconnect(ctx context.Context) (cause error, err error)
}

// interrupt runs op with a context that is cancelled when the connection
// ends. op runs on the calling goroutine, so it has returned (and released
// its resources) before interrupt does.
func interrupt[T any](ctx context.Context, conn disconnectWatcher, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if !conn.IsConnected() {
		return zero, ErrNotConnected
	}

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	dropped := make(chan error, 1)
	go func() {
		cause, err := conn.WaitForDisconnect(opCtx)
		if err != nil {
			return
		}
		if cause == nil {
			cause = ErrCancelledByDisconnect
		}
		dropped <- cause
		cancel()
	}()

	v, err := op(opCtx)
	if err == nil {
		return v, nil
	}
	select {
	case cause := <-dropped:
		return zero, cause
	default:
		return zero, err
	}
}
