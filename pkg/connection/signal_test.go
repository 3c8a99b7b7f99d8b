package connection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalLifecycle(t *testing.T) {
	s := NewSignal()
	assert.False(t, s.IsConnected())

	select {
	case <-s.Done():
	default:
		t.Fatal("Done must be closed while disconnected")
	}

	s.Connected()
	assert.True(t, s.IsConnected())
	assert.Nil(t, s.Cause())
	done := s.Done()
	select {
	case <-done:
		t.Fatal("Done closed while connected")
	default:
	}

	// Connected twice keeps the same period.
	s.Connected()
	assert.Equal(t, done, s.Done())

	dropped := errors.New("keepalive timeout")
	assert.True(t, s.Disconnected(dropped))
	assert.False(t, s.Disconnected(nil))
	assert.False(t, s.IsConnected())
	assert.Equal(t, dropped, s.Cause())
	<-done

	s.Connected()
	assert.Nil(t, s.Cause(), "cause resets on reconnect")
}

func TestSignalWait(t *testing.T) {
	t.Run("returns cause", func(t *testing.T) {
		s := NewSignal()
		s.Connected()
		dropped := errors.New("reset by peer")
		go func() {
			time.Sleep(10 * time.Millisecond)
			s.Disconnected(dropped)
		}()

		cause, err := s.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, dropped, cause)
	})

	t.Run("requested disconnect has nil cause", func(t *testing.T) {
		s := NewSignal()
		s.Connected()
		s.Disconnected(nil)

		cause, err := s.Wait(context.Background())
		require.NoError(t, err)
		assert.NoError(t, cause)
	})

	t.Run("context", func(t *testing.T) {
		s := NewSignal()
		s.Connected()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		cause, err := s.Wait(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Nil(t, cause)
	})

	t.Run("cause belongs to the waited connection", func(t *testing.T) {
		s := NewSignal()
		s.Connected()
		first := errors.New("first drop")

		res := make(chan error, 1)
		go func() {
			cause, _ := s.Wait(context.Background())
			res <- cause
		}()
		time.Sleep(10 * time.Millisecond)
		s.Disconnected(first)
		s.Connected()

		assert.Equal(t, first, <-res)
	})
}
