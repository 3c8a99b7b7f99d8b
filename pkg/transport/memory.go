package transport

import (
	"context"
	"sort"
	"sync"

	"github.com/hublink/hublink-go/pkg/connection"
)

// incomingBuffer is the per-filter channel capacity of Memory.
const incomingBuffer = 64

// Memory is an in-process Transport. The "broker" is whatever code is
// installed with OnPublish; it answers by calling Deliver. Memory backs the
// simulator and the tests of every protocol client.
type Memory struct {
	mu sync.Mutex

	signal   *connection.Signal
	username string
	password string

	subscribed map[string]bool
	incoming   map[string]chan Message
	published  []Message

	connectErr   error
	publishErr   error
	subscribeErr error
	onConnect    func(username, password string) error
	onPublish    func(Message)
	connectCount int
}

// NewMemory creates a disconnected Memory transport.
func NewMemory() *Memory {
	return &Memory{
		signal:     connection.NewSignal(),
		subscribed: make(map[string]bool),
		incoming:   make(map[string]chan Message),
	}
}

// SetCredentials stores the credentials presented on the next Connect.
func (m *Memory) SetCredentials(username, password string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.username = username
	m.password = password
}

// Credentials returns the stored username and password.
func (m *Memory) Credentials() (username, password string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.username, m.password
}

// OnConnect installs a hook that authorizes each Connect. A non-nil error
// refuses the connection.
func (m *Memory) OnConnect(fn func(username, password string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnect = fn
}

// OnPublish installs the hook receiving every successful publish. The hook
// runs on the publishing goroutine without any Memory lock held.
func (m *Memory) OnPublish(fn func(Message)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPublish = fn
}

// FailNextConnect makes the next Connect return err.
func (m *Memory) FailNextConnect(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// FailPublish makes every Publish return err until cleared with nil.
func (m *Memory) FailPublish(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErr = err
}

// FailSubscribe makes every Subscribe return err until cleared with nil.
func (m *Memory) FailSubscribe(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeErr = err
}

// Connect opens the connection.
func (m *Memory) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if err := m.connectErr; err != nil {
		m.connectErr = nil
		m.mu.Unlock()
		return err
	}
	onConnect, user, pass := m.onConnect, m.username, m.password
	m.mu.Unlock()

	if onConnect != nil {
		if err := onConnect(user, pass); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.connectCount++
	m.mu.Unlock()
	m.signal.Connected()
	return nil
}

// ConnectCount returns the number of successful connects.
func (m *Memory) ConnectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectCount
}

// Disconnect closes the connection with a nil cause.
func (m *Memory) Disconnect(context.Context) error {
	m.end(nil)
	return nil
}

// Drop simulates the broker or network ending the connection.
func (m *Memory) Drop(cause error) {
	m.end(cause)
}

func (m *Memory) end(cause error) {
	m.mu.Lock()
	if !m.signal.IsConnected() {
		m.mu.Unlock()
		return
	}
	// Clean session: subscriptions do not survive the connection.
	m.subscribed = make(map[string]bool)
	m.mu.Unlock()

	m.signal.Disconnected(cause)
}

// Publish records the message and hands it to the OnPublish hook.
func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !m.signal.IsConnected() {
		return ErrNotConnected
	}

	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}

	m.mu.Lock()
	if err := m.publishErr; err != nil {
		m.mu.Unlock()
		return err
	}
	m.published = append(m.published, msg)
	hook := m.onPublish
	m.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	return nil
}

// Published returns a copy of every message published so far.
func (m *Memory) Published() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.published...)
}

// Subscribe activates filter for the current connection.
func (m *Memory) Subscribe(ctx context.Context, filter string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !m.signal.IsConnected() {
		return ErrNotConnected
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return m.subscribeErr
	}
	m.subscribed[filter] = true
	m.channel(filter)
	return nil
}

// Unsubscribe deactivates filter.
func (m *Memory) Unsubscribe(ctx context.Context, filter string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !m.signal.IsConnected() {
		return ErrNotConnected
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribed, filter)
	return nil
}

// Subscriptions returns the active filters, sorted.
func (m *Memory) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.subscribed))
	for f := range m.subscribed {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Deliver routes an inbound message to every active subscription matching
// its topic. It returns false if the transport is disconnected, nothing
// matched, or a matching channel was full.
func (m *Memory) Deliver(msg Message) bool {
	if !m.signal.IsConnected() {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delivered := false
	for filter := range m.subscribed {
		if !Match(filter, msg.Topic) {
			continue
		}
		select {
		case m.channel(filter) <- msg:
			delivered = true
		default:
			return false
		}
	}
	return delivered
}

// Incoming returns the channel for filter.
func (m *Memory) Incoming(filter string) <-chan Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channel(filter)
}

// channel returns the channel for filter, creating it. Callers hold m.mu.
func (m *Memory) channel(filter string) chan Message {
	ch, ok := m.incoming[filter]
	if !ok {
		ch = make(chan Message, incomingBuffer)
		m.incoming[filter] = ch
	}
	return ch
}

// IsConnected reports whether the connection is up.
func (m *Memory) IsConnected() bool {
	return m.signal.IsConnected()
}

// Disconnected returns a channel closed when the connection ends.
func (m *Memory) Disconnected() <-chan struct{} {
	return m.signal.Done()
}

// PreviousDisconnectCause returns the cause passed to the last Drop, or nil
// after Disconnect.
func (m *Memory) PreviousDisconnectCause() error {
	return m.signal.Cause()
}

var _ Transport = (*Memory)(nil)
