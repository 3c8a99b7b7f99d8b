package provisioning

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hublink/hublink-go/pkg/ledger"
	"github.com/hublink/hublink-go/pkg/log"
	"github.com/hublink/hublink-go/pkg/topic"
	"github.com/hublink/hublink-go/pkg/transport"
)

// Client speaks the registration protocol over a Transport.
type Client struct {
	config    Config
	transport transport.Transport
	ledger    *ledger.Ledger
	logger    *slog.Logger
	plog      log.Logger
	sessionID string

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// subscribedOn is the Disconnected channel of the connection the
	// response filter was subscribed on.
	subMu        sync.Mutex
	subscribedOn <-chan struct{}

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a stopped client. Zero timings take the defaults.
func NewClient(t transport.Transport, config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.ResponseTimeout == 0 {
		config.ResponseTimeout = DefaultResponseTimeout
	}
	if config.PollingInterval == 0 {
		config.PollingInterval = DefaultPollingInterval
	}

	sessionID := uuid.NewString()
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Client{
		config:    config,
		transport: t,
		ledger:    ledger.New(),
		logger:    logger.With("component", "provisioning", "registration_id", config.RegistrationID),
		plog:      log.OrNoop(config.ProtocolLogger),
		sessionID: sessionID,
		sleep:     sleepContext,
	}, nil
}

// SessionID identifies this client in capture events.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Start applies credentials to the transport and starts the response
// dispatcher. Calling Start on a running client only refreshes the
// credentials.
func (c *Client) Start(ctx context.Context) error {
	if err := c.applyCredentials(); err != nil {
		return err
	}
	if c.running.Swap(true) {
		return nil
	}

	dispatchCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.dispatch(dispatchCtx)

	c.logger.Debug("provisioning client started")
	return nil
}

// Stop stops the dispatcher and disconnects. Pending operations are not
// cancelled; they fail on their own timeout or context.
func (c *Client) Stop(ctx context.Context) error {
	if c.running.Swap(false) {
		c.cancel()
		c.wg.Wait()
	}
	c.logger.Debug("provisioning client stopped")
	return c.Disconnect(ctx)
}

// Connect connects the transport.
func (c *Client) Connect(ctx context.Context) error {
	c.logger.Debug("connecting to provisioning service")
	if err := c.transport.Connect(ctx); err != nil {
		c.logState("DISCONNECTED", "DISCONNECTED", err.Error())
		return err
	}
	c.logState("DISCONNECTED", "CONNECTED", "")
	return nil
}

// Disconnect disconnects the transport.
func (c *Client) Disconnect(ctx context.Context) error {
	if !c.transport.IsConnected() {
		return nil
	}
	if err := c.transport.Disconnect(ctx); err != nil {
		return err
	}
	c.logState("CONNECTED", "DISCONNECTED", "requested")
	return nil
}

// IsConnected reports whether the transport is connected.
func (c *Client) IsConnected() bool {
	return c.transport.IsConnected()
}

// Disconnected returns a channel closed when the current connection ends.
func (c *Client) Disconnected() <-chan struct{} {
	return c.transport.Disconnected()
}

// WaitForDisconnect blocks until the connection ends. cause is nil for a
// requested disconnect.
func (c *Client) WaitForDisconnect(ctx context.Context) (cause error, err error) {
	select {
	case <-c.transport.Disconnected():
		return c.transport.PreviousDisconnectCause(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PendingRequests returns the number of requests awaiting a response.
func (c *Client) PendingRequests() int {
	return c.ledger.Len()
}

func (c *Client) applyCredentials() error {
	password := ""
	if c.config.Credentials != nil {
		tok, err := c.config.Credentials.Current()
		if err != nil {
			return err
		}
		password = tok.String()
	}
	c.transport.SetCredentials(c.config.Username(), password)
	return nil
}

// ensureSubscribed subscribes the response filter once per connection.
func (c *Client) ensureSubscribed(ctx context.Context) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	current := c.transport.Disconnected()
	if c.subscribedOn == current {
		return nil
	}
	c.logger.Debug("enabling provisioning responses")
	if err := c.transport.Subscribe(ctx, topic.ProvisioningResponseFilter); err != nil {
		return err
	}
	c.subscribedOn = current
	return nil
}

// dispatch matches every inbound response to its pending request.
// Undecodable and unmatched messages are logged and dropped.
func (c *Client) dispatch(ctx context.Context) {
	defer c.wg.Done()

	incoming := c.transport.Incoming(topic.ProvisioningResponseFilter)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-incoming:
			c.handleResponse(msg)
		}
	}
}

func (c *Client) handleResponse(msg transport.Message) {
	status, props, err := topic.ParseProvisioningResponse(msg.Topic)
	if err != nil {
		c.logger.Error("dropping provisioning response", "topic", msg.Topic, "error", err)
		c.logError(err, "parse response topic", "")
		return
	}
	rid := props[topic.PropRequestID]

	ev := log.NewMessageEvent(msg.Topic, rid, msg.Payload)
	ev.Status = &status
	c.plog.Log(log.Event{
		Timestamp: time.Now(),
		SessionID: c.sessionID,
		Direction: log.DirectionIn,
		Service:   log.ServiceProvisioning,
		Category:  log.CategoryMessage,
		DeviceID:  c.config.RegistrationID,
		Message:   ev,
	})

	if rid == "" {
		c.logger.Error("dropping provisioning response without request id", "topic", msg.Topic)
		c.logError(errors.New("missing $rid"), "parse response topic", "")
		return
	}
	c.logger.Debug("provisioning response received", "rid", rid, "status", status)

	err = c.ledger.Match(&ledger.Response{
		RequestID:  rid,
		Status:     status,
		Body:       string(msg.Payload),
		Properties: props,
	})
	if errors.Is(err, ledger.ErrNoMatchingRequest) {
		c.logger.Warn("provisioning response does not match any request", "rid", rid)
		c.logError(err, "match response", rid)
	}
}

func (c *Client) logState(from, to, reason string) {
	c.plog.Log(log.Event{
		Timestamp: time.Now(),
		SessionID: c.sessionID,
		Service:   log.ServiceProvisioning,
		Category:  log.CategoryState,
		DeviceID:  c.config.RegistrationID,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityConnection,
			OldState: from,
			NewState: to,
			Reason:   reason,
		},
	})
}

func (c *Client) logError(err error, context, rid string) {
	c.plog.Log(log.Event{
		Timestamp: time.Now(),
		SessionID: c.sessionID,
		Service:   log.ServiceProvisioning,
		Category:  log.CategoryError,
		DeviceID:  c.config.RegistrationID,
		Error: &log.ErrorEventData{
			Message:   err.Error(),
			Context:   context,
			RequestID: rid,
		},
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
