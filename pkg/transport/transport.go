package transport

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by operations that need a live connection.
var ErrNotConnected = errors.New("transport not connected")

// Message is an MQTT application message.
type Message struct {
	Topic   string
	Payload []byte
}

// Transport is the MQTT connection the protocol clients run over. One
// Transport serves one device identity.
//
// Implementations must be safe for concurrent use. Publish, Subscribe and
// Unsubscribe return once the broker has acknowledged the operation.
type Transport interface {
	// SetCredentials sets the username and password used by the next Connect.
	SetCredentials(username, password string)

	// Connect opens the connection.
	Connect(ctx context.Context) error

	// Disconnect closes the connection. The disconnect cause is nil.
	Disconnect(ctx context.Context) error

	// Publish sends payload on topic (QoS 1).
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe subscribes to filter on the current connection.
	Subscribe(ctx context.Context, filter string) error

	// Unsubscribe removes a subscription.
	Unsubscribe(ctx context.Context, filter string) error

	// IsConnected reports whether the connection is up.
	IsConnected() bool

	// Incoming returns the channel receiving messages that arrived through
	// filter. The same channel is returned for the life of the Transport,
	// across reconnects.
	Incoming(filter string) <-chan Message

	// Disconnected returns a channel closed when the current connection
	// ends. While disconnected the channel is already closed.
	Disconnected() <-chan struct{}

	// PreviousDisconnectCause returns the error that ended the last
	// connection, or nil if it was closed on request.
	PreviousDisconnectCause() error
}
