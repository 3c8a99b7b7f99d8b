package connection

import (
	"context"
	"sync"
)

// Signal tracks connected/disconnected transitions of one transport.
// A new Signal starts disconnected. It is safe for concurrent use.
type Signal struct {
	mu        sync.Mutex
	connected bool
	current   *period
}

// period is one connection, from Connected to Disconnected.
type period struct {
	done  chan struct{}
	cause error
}

// NewSignal creates a Signal in the disconnected state.
func NewSignal() *Signal {
	p := &period{done: make(chan struct{})}
	close(p.done)
	return &Signal{current: p}
}

// Connected marks the start of a new connection. It is a no-op if already
// connected.
func (s *Signal) Connected() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return
	}
	s.connected = true
	s.current = &period{done: make(chan struct{})}
}

// Disconnected ends the current connection. cause is nil for a requested
// disconnect and the transport error for a dropped connection. It reports
// whether the state changed.
func (s *Signal) Disconnected(cause error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return false
	}
	s.connected = false
	s.current.cause = cause
	close(s.current.done)
	return true
}

// IsConnected reports the current state.
func (s *Signal) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Done returns a channel closed when the current connection ends. While
// disconnected it returns an already closed channel.
func (s *Signal) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.done
}

// Cause returns the cause of the most recent disconnect, or nil while
// connected.
func (s *Signal) Cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.cause
}

// Wait blocks until the current connection ends and returns its cause.
// err is set only if ctx is done first.
func (s *Signal) Wait(ctx context.Context) (cause error, err error) {
	s.mu.Lock()
	p := s.current
	s.mu.Unlock()

	select {
	case <-p.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return p.cause, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
