package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	hlog "github.com/hublink/hublink-go/pkg/log"
)

// Manager errors.
var (
	ErrManagerClosed    = errors.New("connection manager closed")
	ErrAlreadyConnected = errors.New("already connected")
)

// DefaultConnectTimeout bounds each reconnect attempt.
const DefaultConnectTimeout = 30 * time.Second

// State is the managed connection state.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ConnectFunc establishes the connection.
type ConnectFunc func(ctx context.Context) error

// WaitFunc blocks until the established connection ends and returns the
// cause (nil for a requested disconnect). err is set if ctx ends first.
type WaitFunc func(ctx context.Context) (cause error, err error)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Connect is called for the initial connect and every reconnect.
	Connect ConnectFunc

	// WaitForDisconnect, if set, is watched after each successful connect
	// so that drops trigger reconnection without NotifyConnectionLost.
	WaitForDisconnect WaitFunc

	// AutoReconnect enables the reconnect loop.
	AutoReconnect bool

	// Backoff configures delays between reconnect attempts.
	Backoff BackoffConfig

	// ConnectTimeout bounds each reconnect attempt.
	ConnectTimeout time.Duration

	// Logger receives operational logs. Nil discards.
	Logger *slog.Logger

	// ProtocolLogger receives connection state events.
	ProtocolLogger hlog.Logger

	// SessionID and Service tag capture events.
	SessionID string
	Service   hlog.Service
}

// DefaultManagerConfig returns a config with auto-reconnect enabled.
// Connect must still be set.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		AutoReconnect:  true,
		Backoff:        DefaultBackoffConfig(),
		ConnectTimeout: DefaultConnectTimeout,
	}
}

// Validate checks the configuration.
func (c ManagerConfig) Validate() error {
	if c.Connect == nil {
		return errors.New("connect function is required")
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("connect timeout must not be negative: %v", c.ConnectTimeout)
	}
	return nil
}

// Manager keeps a connection up, reconnecting with backoff after drops.
type Manager struct {
	mu sync.RWMutex

	cfg     ManagerConfig
	state   State
	backoff *Backoff
	logger  *slog.Logger
	plog    hlog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	loopOnce    sync.Once
	reconnectCh chan struct{}

	onStateChange  func(oldState, newState State)
	onConnected    func()
	onDisconnected func(cause error)
	onReconnecting func(attempt int, delay time.Duration)
}

// NewManager creates a Manager in the disconnected state.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:         cfg,
		state:       StateDisconnected,
		backoff:     NewBackoff(cfg.Backoff),
		logger:      logger,
		plog:        hlog.OrNoop(cfg.ProtocolLogger),
		ctx:         ctx,
		cancel:      cancel,
		reconnectCh: make(chan struct{}, 1),
	}, nil
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsConnected reports whether the state is StateConnected.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// SetAutoReconnect enables or disables reconnection after drops.
func (m *Manager) SetAutoReconnect(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.AutoReconnect = enabled
}

// Connect performs the initial connect and, on success, starts watching
// the connection.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return ErrAlreadyConnected
	case StateClosed:
		m.mu.Unlock()
		return ErrManagerClosed
	}
	old := m.state
	m.state = StateConnecting
	m.mu.Unlock()
	m.changed(old, StateConnecting, "")

	m.loopOnce.Do(func() {
		m.wg.Add(1)
		go m.reconnectLoop()
	})

	if err := m.cfg.Connect(ctx); err != nil {
		m.transition(StateConnecting, StateDisconnected, err.Error())
		return err
	}
	m.connected(StateConnecting)
	return nil
}

// NotifyConnectionLost reports a drop detected outside the WaitFunc.
func (m *Manager) NotifyConnectionLost(cause error) {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	next := StateDisconnected
	if m.cfg.AutoReconnect {
		next = StateReconnecting
	}
	m.state = next
	onDisconnected := m.onDisconnected
	m.mu.Unlock()

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	m.changed(StateConnected, next, reason)
	m.logger.Warn("connection lost", "error", cause)
	if onDisconnected != nil {
		onDisconnected(cause)
	}

	if next == StateReconnecting {
		select {
		case m.reconnectCh <- struct{}{}:
		default:
		}
	}
}

// Close stops reconnection and waits for background goroutines.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	old := m.state
	m.state = StateClosed
	m.mu.Unlock()

	m.changed(old, StateClosed, "")
	m.cancel()
	m.wg.Wait()
}

// BackoffAttempts returns the number of reconnect attempts since the last
// successful connect.
func (m *Manager) BackoffAttempts() int {
	return m.backoff.Attempts()
}

// OnStateChange sets a callback for state changes.
func (m *Manager) OnStateChange(fn func(oldState, newState State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

// OnConnected sets a callback for successful (re)connects.
func (m *Manager) OnConnected(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = fn
}

// OnDisconnected sets a callback for connection loss.
func (m *Manager) OnDisconnected(fn func(cause error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnected = fn
}

// OnReconnecting sets a callback invoked before each reconnect delay.
func (m *Manager) OnReconnecting(fn func(attempt int, delay time.Duration)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnecting = fn
}

// connected moves from expected to StateConnected and starts the watcher.
func (m *Manager) connected(expected State) bool {
	if !m.transition(expected, StateConnected, "") {
		return false
	}
	m.backoff.Reset()

	m.mu.RLock()
	onConnected := m.onConnected
	m.mu.RUnlock()
	if onConnected != nil {
		onConnected()
	}

	if m.cfg.WaitForDisconnect != nil {
		m.wg.Add(1)
		go m.watch()
	}
	return true
}

// watch waits for the current connection to end.
func (m *Manager) watch() {
	defer m.wg.Done()

	cause, err := m.cfg.WaitForDisconnect(m.ctx)
	if err != nil {
		return
	}
	if cause == nil {
		// Requested disconnect.
		m.transition(StateConnected, StateDisconnected, "disconnected")
		return
	}
	m.NotifyConnectionLost(cause)
}

func (m *Manager) reconnectLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.reconnectCh:
			m.reconnect()
		}
	}
}

func (m *Manager) reconnect() {
	for {
		if m.State() != StateReconnecting {
			return
		}

		m.mu.RLock()
		onReconnecting := m.onReconnecting
		m.mu.RUnlock()
		if onReconnecting != nil {
			onReconnecting(m.backoff.Attempts()+1, m.backoff.Current())
		}

		if err := m.backoff.Wait(m.ctx); err != nil {
			return
		}
		if m.State() != StateReconnecting {
			return
		}

		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectTimeout)
		err := m.cfg.Connect(ctx)
		cancel()

		if err == nil {
			m.logger.Info("reconnected", "attempts", m.backoff.Attempts())
			m.connected(StateReconnecting)
			return
		}
		m.logger.Debug("reconnect attempt failed", "attempt", m.backoff.Attempts(), "error", err)
	}
}

// transition moves from -> to if the current state is from.
func (m *Manager) transition(from, to State, reason string) bool {
	m.mu.Lock()
	if m.state != from {
		m.mu.Unlock()
		return false
	}
	m.state = to
	m.mu.Unlock()

	m.changed(from, to, reason)
	return true
}

func (m *Manager) changed(from, to State, reason string) {
	m.mu.RLock()
	onStateChange := m.onStateChange
	m.mu.RUnlock()

	m.logger.Debug("connection state changed", "from", from, "to", to)
	m.plog.Log(hlog.Event{
		Timestamp: time.Now(),
		SessionID: m.cfg.SessionID,
		Service:   m.cfg.Service,
		Category:  hlog.CategoryState,
		StateChange: &hlog.StateChangeEvent{
			Entity:   hlog.StateEntityConnection,
			OldState: from.String(),
			NewState: to.String(),
			Reason:   reason,
		},
	})
	if onStateChange != nil {
		onStateChange(from, to)
	}
}
