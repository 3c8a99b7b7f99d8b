package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hublink/hublink-go/pkg/ledger"
	"github.com/hublink/hublink-go/pkg/log"
	"github.com/hublink/hublink-go/pkg/topic"
)

const (
	opRegister = "register"
	opPoll     = "poll"
)

// pollPayload is the body of a status query.
var pollPayload = []byte(" ")

// exchange is one logical register or poll operation. Every attempt reuses
// the same request id, topic and payload.
type exchange struct {
	op      string
	rid     string
	topic   string
	payload []byte
}

// Register submits a registration carrying payload (JSON-encoded; nil sends
// null) and drives it to a terminal status. Throttled requests are re-sent
// after the service's retry-after. An "assigning" answer switches to
// polling the returned operation.
func (c *Client) Register(ctx context.Context, payload any) (*RegistrationResult, error) {
	body, err := json.Marshal(registrationRequest{
		Payload:        payload,
		RegistrationID: c.config.RegistrationID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode registration request: %w", err)
	}
	if err := c.ensureSubscribed(ctx); err != nil {
		return nil, err
	}

	rid := uuid.NewString()
	ex := exchange{op: opRegister, rid: rid, topic: topic.RegisterTopic(rid), payload: body}

	c.logger.Info("registering device", "rid", rid)
	c.logRegistration("", "sending", "")

	res, err := c.run(ctx, ex, 0)
	if err != nil {
		c.logRegistration("sending", "error", err.Error())
		return nil, err
	}
	if res.Status == StatusAssigning {
		c.logRegistration("sending", "polling", res.OperationID)
		return c.poll(ctx, res.OperationID)
	}
	c.finished("sending", res)
	return res, nil
}

// Poll queries the status of operationID until it is terminal.
func (c *Client) Poll(ctx context.Context, operationID string) (*RegistrationResult, error) {
	if operationID == "" {
		return nil, errors.New("operation id is required")
	}
	if err := c.ensureSubscribed(ctx); err != nil {
		return nil, err
	}
	c.logRegistration("", "polling", operationID)
	return c.poll(ctx, operationID)
}

func (c *Client) poll(ctx context.Context, operationID string) (*RegistrationResult, error) {
	rid := uuid.NewString()
	ex := exchange{op: opPoll, rid: rid, topic: topic.StatusQueryTopic(rid, operationID), payload: pollPayload}

	c.logger.Info("polling registration status", "rid", rid, "operation_id", operationID)

	res, err := c.run(ctx, ex, c.config.PollingInterval)
	if err != nil {
		c.logRegistration("polling", "error", err.Error())
		return nil, err
	}
	c.finished("polling", res)
	return res, nil
}

// run repeats ex until the service answers with a result. For a poll an
// "assigning" result is not returned but re-polled.
func (c *Client) run(ctx context.Context, ex exchange, interval time.Duration) (*RegistrationResult, error) {
	for {
		if err := c.sleep(ctx, interval); err != nil {
			return nil, err
		}

		resp, err := c.roundTrip(ctx, ex)
		if err != nil {
			return nil, err
		}

		switch {
		case resp.Status >= 300 && resp.Status < 429:
			return nil, &ServiceError{
				Operation: ex.op,
				RequestID: ex.rid,
				Status:    resp.Status,
				Body:      resp.Body,
				Err:       ErrRequestRejected,
			}

		case resp.Status >= 429:
			interval = c.retryAfter(resp, 0)
			c.logger.Info("provisioning request throttled", "rid", ex.rid, "status", resp.Status, "retry_after", interval)
			continue
		}

		res, err := decodeResult(ex, resp)
		if err != nil {
			return nil, err
		}
		if res.Status == StatusAssigning && ex.op == opPoll {
			interval = c.retryAfter(resp, c.config.PollingInterval)
			c.logger.Debug("registration still assigning", "rid", ex.rid, "operation_id", res.OperationID, "retry_after", interval)
			continue
		}
		return res, nil
	}
}

// roundTrip publishes one attempt and waits for its response. The ledger
// entry is removed on every return path.
func (c *Client) roundTrip(ctx context.Context, ex exchange) (*ledger.Response, error) {
	req, err := c.ledger.Create(ex.rid)
	if err != nil {
		return nil, err
	}
	defer c.ledger.Delete(ex.rid)

	c.logger.Debug("publishing provisioning request", "rid", ex.rid, "topic", ex.topic)
	c.plog.Log(log.Event{
		Timestamp: time.Now(),
		SessionID: c.sessionID,
		Direction: log.DirectionOut,
		Service:   log.ServiceProvisioning,
		Category:  log.CategoryMessage,
		DeviceID:  c.config.RegistrationID,
		Message:   log.NewMessageEvent(ex.topic, ex.rid, ex.payload),
	})
	if err := c.transport.Publish(ctx, ex.topic, ex.payload); err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.config.ResponseTimeout)
	defer cancel()

	resp, err := req.Response(waitCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("provisioning response timed out", "rid", ex.rid, "timeout", c.config.ResponseTimeout)
		return nil, &ServiceError{Operation: ex.op, RequestID: ex.rid, Err: ErrResponseTimeout}
	}
	return resp, nil
}

// retryAfter reads the retry-after property, falling back to def when it is
// absent or unparsable.
func (c *Client) retryAfter(resp *ledger.Response, def time.Duration) time.Duration {
	secs, ok := topic.RetryAfter(resp.Properties)
	if !ok {
		if raw, present := resp.Properties[topic.PropRetryAfter]; present {
			c.logger.Warn("ignoring invalid retry-after", "rid", resp.RequestID, "value", raw)
		}
		return def
	}
	return time.Duration(secs) * time.Second
}

func decodeResult(ex exchange, resp *ledger.Response) (*RegistrationResult, error) {
	var res RegistrationResult
	if err := json.Unmarshal([]byte(resp.Body), &res); err != nil {
		return nil, &ServiceError{
			Operation: ex.op,
			RequestID: ex.rid,
			Status:    resp.Status,
			Body:      resp.Body,
			Err:       fmt.Errorf("%w: %v", ErrMalformedResponse, err),
		}
	}
	switch res.Status {
	case StatusAssigning, StatusAssigned, StatusFailed:
		return &res, nil
	default:
		return nil, &ServiceError{
			Operation: ex.op,
			RequestID: ex.rid,
			Status:    resp.Status,
			Body:      resp.Body,
			Err:       fmt.Errorf("%w: %q", ErrInvalidRegistrationStatus, res.Status),
		}
	}
}

func (c *Client) finished(from string, res *RegistrationResult) {
	attrs := []any{"operation_id", res.OperationID, "status", res.Status}
	if st := res.RegistrationState; st != nil {
		attrs = append(attrs, "device_id", st.DeviceID, "assigned_hub", st.AssignedHub)
	}
	c.logger.Info("registration finished", attrs...)
	c.logRegistration(from, string(res.Status), res.OperationID)
}

func (c *Client) logRegistration(from, to, reason string) {
	c.plog.Log(log.Event{
		Timestamp: time.Now(),
		SessionID: c.sessionID,
		Service:   log.ServiceProvisioning,
		Category:  log.CategoryState,
		DeviceID:  c.config.RegistrationID,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityRegistration,
			OldState: from,
			NewState: to,
			Reason:   reason,
		},
	})
}
