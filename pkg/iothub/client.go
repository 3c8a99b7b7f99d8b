package iothub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hublink/hublink-go/pkg/ledger"
	"github.com/hublink/hublink-go/pkg/log"
	"github.com/hublink/hublink-go/pkg/sastoken"
	"github.com/hublink/hublink-go/pkg/topic"
	"github.com/hublink/hublink-go/pkg/transport"
)

const (
	opGetTwin   = "get twin"
	opPatchTwin = "patch twin"
)

// twinRequestPayload is the body of a twin GET.
var twinRequestPayload = []byte(" ")

// Client is a device or module client of the hub.
type Client struct {
	config    Config
	transport transport.Transport
	ledger    *ledger.Ledger
	logger    *slog.Logger
	plog      log.Logger
	sessionID string

	patches chan *DesiredPatch

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// subs holds the filters subscribed on the connection whose
	// Disconnected channel is subsOn.
	subMu  sync.Mutex
	subsOn <-chan struct{}
	subs   map[string]bool

	desiredEnabled atomic.Bool
}

// NewClient creates a stopped client.
func NewClient(t transport.Transport, config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.PatchBuffer == 0 {
		config.PatchBuffer = DefaultPatchBuffer
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Client{
		config:    config,
		transport: t,
		ledger:    ledger.New(),
		logger:    logger.With("component", "iothub", "client_id", config.ClientID()),
		plog:      log.OrNoop(config.ProtocolLogger),
		sessionID: uuid.NewString(),
		patches:   make(chan *DesiredPatch, config.PatchBuffer),
		subs:      make(map[string]bool),
	}, nil
}

// SessionID identifies this client in capture events.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Start applies credentials and starts the dispatcher and, for renewing
// credentials, the refresh goroutine.
func (c *Client) Start(ctx context.Context) error {
	applied, err := c.applyCredentials()
	if err != nil {
		return err
	}
	if c.running.Swap(true) {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go c.dispatch(loopCtx)

	if renewing, ok := c.config.Credentials.(sastoken.RenewingSource); ok {
		c.wg.Add(1)
		go c.refreshCredentials(loopCtx, renewing, applied)
	}

	c.logger.Debug("hub client started")
	return nil
}

// Stop stops background goroutines and disconnects.
func (c *Client) Stop(ctx context.Context) error {
	if c.running.Swap(false) {
		c.cancel()
		c.wg.Wait()
	}
	c.logger.Debug("hub client stopped")
	return c.Disconnect(ctx)
}

// Connect connects the transport and restores the desired patch
// subscription if it was enabled.
func (c *Client) Connect(ctx context.Context) error {
	c.logger.Debug("connecting to hub", "hostname", c.config.Hostname)
	if err := c.transport.Connect(ctx); err != nil {
		c.logState("DISCONNECTED", "DISCONNECTED", err.Error())
		return err
	}
	c.logState("DISCONNECTED", "CONNECTED", "")

	if c.desiredEnabled.Load() {
		if err := c.ensureSubscribed(ctx, topic.TwinDesiredPatchFilter); err != nil {
			c.logger.Warn("restoring desired property subscription failed", "error", err)
			return err
		}
	}
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

// PendingRequests returns the number of twin requests awaiting a response.
func (c *Client) PendingRequests() int {
	return c.ledger.Len()
}

// SendMessage publishes a telemetry message.
func (c *Client) SendMessage(ctx context.Context, msg *Message) error {
	if msg == nil {
		return errors.New("message is nil")
	}
	t := topic.InsertMessageProperties(
		topic.TelemetryTopic(c.config.DeviceID, c.config.ModuleID),
		msg.systemProperties(),
		msg.CustomProperties,
	)
	c.captureOut(t, msg.MessageID, msg.Payload)
	if err := c.transport.Publish(ctx, t, msg.Payload); err != nil {
		return err
	}
	c.logger.Debug("telemetry sent", "topic", t, "size", len(msg.Payload))
	return nil
}

// GetTwin fetches the full twin.
func (c *Client) GetTwin(ctx context.Context) (*Twin, error) {
	resp, err := c.twinRequest(ctx, opGetTwin, topic.TwinRequestTopic, twinRequestPayload)
	if err != nil {
		return nil, err
	}
	var twin Twin
	if err := json.Unmarshal([]byte(resp.Body), &twin); err != nil {
		return nil, &ServiceError{
			Operation: opGetTwin,
			RequestID: resp.RequestID,
			Status:    resp.Status,
			Body:      resp.Body,
			Err:       fmt.Errorf("%w: %v", ErrMalformedResponse, err),
		}
	}
	return &twin, nil
}

// SendTwinPatch sends a reported properties patch and returns the new
// reported version, or -1 if the hub did not report one.
func (c *Client) SendTwinPatch(ctx context.Context, patch map[string]any) (int, error) {
	body, err := json.Marshal(patch)
	if err != nil {
		return 0, fmt.Errorf("encode reported properties: %w", err)
	}
	resp, err := c.twinRequest(ctx, opPatchTwin, topic.TwinPatchTopic, body)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(resp.Properties[topic.PropVersion])
	if err != nil {
		return -1, nil
	}
	return v, nil
}

// EnableDesiredPatches subscribes to desired property patches. The
// subscription is restored by Connect after a reconnect.
func (c *Client) EnableDesiredPatches(ctx context.Context) error {
	if err := c.ensureSubscribed(ctx, topic.TwinDesiredPatchFilter); err != nil {
		return err
	}
	c.desiredEnabled.Store(true)
	return nil
}

// DesiredPatches returns the channel receiving desired property patches.
func (c *Client) DesiredPatches() <-chan *DesiredPatch {
	return c.patches
}

// twinRequest performs one twin exchange. The ledger entry is removed on
// every return path. There is no response timeout; callers bound the wait
// with ctx.
func (c *Client) twinRequest(ctx context.Context, op string, topicFor func(string) string, payload []byte) (*ledger.Response, error) {
	if err := c.ensureSubscribed(ctx, topic.TwinResponseFilter); err != nil {
		return nil, err
	}

	req, err := c.ledger.Create("")
	if err != nil {
		return nil, err
	}
	rid := req.ID()
	defer c.ledger.Delete(rid)

	t := topicFor(rid)
	c.captureOut(t, rid, payload)
	if err := c.transport.Publish(ctx, t, payload); err != nil {
		return nil, err
	}

	resp, err := req.Response(ctx)
	if err != nil {
		return nil, err
	}
	if resp.Status >= 300 {
		return nil, &ServiceError{
			Operation: op,
			RequestID: rid,
			Status:    resp.Status,
			Body:      resp.Body,
			Err:       ErrRequestFailed,
		}
	}
	c.logger.Debug("twin request completed", "operation", op, "rid", rid, "status", resp.Status)
	return resp, nil
}

// ensureSubscribed subscribes filter once per connection.
func (c *Client) ensureSubscribed(ctx context.Context, filter string) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	current := c.transport.Disconnected()
	if c.subsOn != current {
		c.subsOn = current
		c.subs = make(map[string]bool)
	}
	if c.subs[filter] {
		return nil
	}
	c.logger.Debug("subscribing", "filter", filter)
	if err := c.transport.Subscribe(ctx, filter); err != nil {
		return err
	}
	c.subs[filter] = true
	return nil
}

// dispatch routes twin responses to the ledger and desired patches to the
// patch channel. Bad messages are logged and dropped.
func (c *Client) dispatch(ctx context.Context) {
	defer c.wg.Done()

	responses := c.transport.Incoming(topic.TwinResponseFilter)
	desired := c.transport.Incoming(topic.TwinDesiredPatchFilter)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-responses:
			c.handleTwinResponse(msg)
		case msg := <-desired:
			c.handleDesiredPatch(msg)
		}
	}
}

func (c *Client) handleTwinResponse(msg transport.Message) {
	rid, status, props, err := topic.ParseTwinResponse(msg.Topic)
	if err != nil {
		c.logger.Error("dropping twin response", "topic", msg.Topic, "error", err)
		c.logError(err, "parse twin response", "")
		return
	}

	ev := log.NewMessageEvent(msg.Topic, rid, msg.Payload)
	ev.Status = &status
	c.capture(log.DirectionIn, ev)

	err = c.ledger.Match(&ledger.Response{
		RequestID:  rid,
		Status:     status,
		Body:       string(msg.Payload),
		Properties: props,
	})
	if errors.Is(err, ledger.ErrNoMatchingRequest) {
		c.logger.Warn("twin response does not match any request", "rid", rid)
		c.logError(err, "match response", rid)
	}
}

func (c *Client) handleDesiredPatch(msg transport.Message) {
	c.capture(log.DirectionIn, log.NewMessageEvent(msg.Topic, "", msg.Payload))

	patch, err := decodeDesiredPatch(msg.Payload)
	if err != nil {
		c.logger.Error("dropping desired property patch", "topic", msg.Topic, "error", err)
		c.logError(err, "decode desired patch", "")
		return
	}
	select {
	case c.patches <- patch:
		c.logger.Debug("desired property patch received", "version", patch.Version)
	default:
		c.logger.Warn("desired patch channel full, dropping patch", "version", patch.Version)
	}
}

// refreshCredentials re-applies every renewed token. The new password is
// presented on the next connect.
// refreshCredentials re-applies the source's token whenever it differs from
// applied, the password last handed to the transport.
func (c *Client) refreshCredentials(ctx context.Context, src sastoken.RenewingSource, applied string) {
	defer c.wg.Done()

	for {
		changed := src.Changed()
		tok, err := src.Current()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Warn("credential source stopped", "error", err)
			return
		}
		if pw := tok.String(); pw != applied {
			c.transport.SetCredentials(c.config.Username(), pw)
			applied = pw
			c.logger.Info("credentials updated", "expires_at", tok.ExpiryTime())
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) applyCredentials() (string, error) {
	password := ""
	if c.config.Credentials != nil {
		tok, err := c.config.Credentials.Current()
		if err != nil {
			return "", err
		}
		password = tok.String()
	}
	c.transport.SetCredentials(c.config.Username(), password)
	return password, nil
}

func (c *Client) captureOut(t, rid string, payload []byte) {
	c.capture(log.DirectionOut, log.NewMessageEvent(t, rid, payload))
}

func (c *Client) capture(dir log.Direction, ev *log.MessageEvent) {
	c.plog.Log(log.Event{
		Timestamp: time.Now(),
		SessionID: c.sessionID,
		Direction: dir,
		Service:   log.ServiceHub,
		Category:  log.CategoryMessage,
		DeviceID:  c.config.DeviceID,
		Message:   ev,
	})
}

func (c *Client) logState(from, to, reason string) {
	c.plog.Log(log.Event{
		Timestamp: time.Now(),
		SessionID: c.sessionID,
		Service:   log.ServiceHub,
		Category:  log.CategoryState,
		DeviceID:  c.config.DeviceID,
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
		Service:   log.ServiceHub,
		Category:  log.CategoryError,
		DeviceID:  c.config.DeviceID,
		Error: &log.ErrorEventData{
			Message:   err.Error(),
			Context:   context,
			RequestID: rid,
		},
	})
}
