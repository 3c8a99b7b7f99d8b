package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(connect ConnectFunc) ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.Connect = connect
	cfg.Backoff = BackoffConfig{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond}
	return cfg
}

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, 2*time.Second, 5*time.Millisecond,
		"state %s, want %s", m.State(), want)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CONNECTED", StateConnected.String())
	assert.Equal(t, "RECONNECTING", StateReconnecting.String())
	assert.Equal(t, "UNKNOWN", State(99).String())
}

func TestManagerConfigValidate(t *testing.T) {
	_, err := NewManager(DefaultManagerConfig())
	assert.Error(t, err)
}

func TestManagerConnect(t *testing.T) {
	var calls atomic.Int32
	m, err := NewManager(fastConfig(func(context.Context) error {
		calls.Add(1)
		return nil
	}))
	require.NoError(t, err)
	defer m.Close()

	var states []State
	var mu sync.Mutex
	m.OnStateChange(func(_, s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))
	assert.True(t, m.IsConnected())
	assert.ErrorIs(t, m.Connect(context.Background()), ErrAlreadyConnected)
	assert.Equal(t, int32(1), calls.Load())

	mu.Lock()
	assert.Equal(t, []State{StateConnecting, StateConnected}, states)
	mu.Unlock()
}

func TestManagerConnectFailure(t *testing.T) {
	boom := errors.New("refused")
	m, err := NewManager(fastConfig(func(context.Context) error { return boom }))
	require.NoError(t, err)
	defer m.Close()

	assert.ErrorIs(t, m.Connect(context.Background()), boom)
	assert.Equal(t, StateDisconnected, m.State())
}

func TestManagerReconnectsAfterLoss(t *testing.T) {
	var calls atomic.Int32
	m, err := NewManager(fastConfig(func(context.Context) error {
		// Fail the first two reconnect attempts.
		if n := calls.Add(1); n == 2 || n == 3 {
			return errors.New("unreachable")
		}
		return nil
	}))
	require.NoError(t, err)
	defer m.Close()

	var lost atomic.Value
	m.OnDisconnected(func(cause error) { lost.Store(cause) })
	var reconnecting atomic.Int32
	m.OnReconnecting(func(int, time.Duration) { reconnecting.Add(1) })

	require.NoError(t, m.Connect(context.Background()))

	drop := errors.New("keepalive")
	m.NotifyConnectionLost(drop)
	assert.Equal(t, drop, lost.Load())

	waitForState(t, m, StateConnected)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, int32(3), reconnecting.Load())
	assert.Equal(t, 0, m.BackoffAttempts())
}

func TestManagerNoAutoReconnect(t *testing.T) {
	m, err := NewManager(fastConfig(func(context.Context) error { return nil }))
	require.NoError(t, err)
	defer m.Close()
	m.SetAutoReconnect(false)

	require.NoError(t, m.Connect(context.Background()))
	m.NotifyConnectionLost(errors.New("gone"))
	assert.Equal(t, StateDisconnected, m.State())
}

func TestManagerWatchesDisconnect(t *testing.T) {
	sig := NewSignal()
	cfg := fastConfig(func(context.Context) error {
		sig.Connected()
		return nil
	})
	cfg.WaitForDisconnect = sig.Wait

	m, err := NewManager(cfg)
	require.NoError(t, err)
	defer m.Close()

	var connects atomic.Int32
	m.OnConnected(func() { connects.Add(1) })

	require.NoError(t, m.Connect(context.Background()))

	// A drop is noticed and repaired.
	sig.Disconnected(errors.New("network"))
	require.Eventually(t, func() bool { return connects.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	waitForState(t, m, StateConnected)

	// A requested disconnect is not.
	sig.Disconnected(nil)
	waitForState(t, m, StateDisconnected)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), connects.Load())
}

func TestManagerClose(t *testing.T) {
	m, err := NewManager(fastConfig(func(context.Context) error { return errors.New("down") }))
	require.NoError(t, err)

	m.Close()
	m.Close()
	assert.Equal(t, StateClosed, m.State())
	assert.ErrorIs(t, m.Connect(context.Background()), ErrManagerClosed)
}
