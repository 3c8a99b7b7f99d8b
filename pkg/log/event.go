package log

import (
	"time"
)

// MaxPayloadCapture is the number of payload bytes kept in a MessageEvent.
const MaxPayloadCapture = 1024

// Event is a single protocol capture record.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// SessionID identifies the client instance (UUID) that produced the event.
	SessionID string `cbor:"2,keyasint"`

	// Direction indicates message flow.
	Direction Direction `cbor:"3,keyasint"`

	// Service is the cloud service the event relates to.
	Service Service `cbor:"4,keyasint"`

	// Category classifies the event.
	Category Category `cbor:"5,keyasint"`

	// DeviceID is the registration ID (provisioning) or device ID (hub).
	DeviceID string `cbor:"6,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Message     *MessageEvent     `cbor:"10,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"11,keyasint,omitempty"`
	Credential  *CredentialEvent  `cbor:"12,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"13,keyasint,omitempty"`
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates an inbound message.
	DirectionIn Direction = 0
	// DirectionOut indicates an outbound publish.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Service identifies the remote service.
type Service uint8

const (
	// ServiceProvisioning is the device provisioning service.
	ServiceProvisioning Service = 0
	// ServiceHub is the IoT hub.
	ServiceHub Service = 1
)

// String returns the service name.
func (s Service) String() string {
	switch s {
	case ServiceProvisioning:
		return "PROVISIONING"
	case ServiceHub:
		return "HUB"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage indicates a published or received message.
	CategoryMessage Category = 0
	// CategoryState indicates a state change.
	CategoryState Category = 1
	// CategoryCredential indicates a SAS token was issued or renewed.
	CategoryCredential Category = 2
	// CategoryError indicates an error event.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryState:
		return "STATE"
	case CategoryCredential:
		return "CREDENTIAL"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// MessageEvent captures a publish or an inbound message.
type MessageEvent struct {
	// Topic is the concrete MQTT topic.
	Topic string `cbor:"1,keyasint"`

	// RequestID is the $rid carried in the topic, if any.
	RequestID string `cbor:"2,keyasint,omitempty"`

	// Status is the response status code (inbound responses only).
	Status *int `cbor:"3,keyasint,omitempty"`

	// Size is the full payload size in bytes.
	Size int `cbor:"4,keyasint"`

	// Payload holds at most MaxPayloadCapture bytes.
	Payload []byte `cbor:"5,keyasint,omitempty"`

	// Truncated indicates Payload was cut.
	Truncated bool `cbor:"6,keyasint,omitempty"`
}

// NewMessageEvent builds a MessageEvent, truncating the payload copy.
func NewMessageEvent(topic, requestID string, payload []byte) *MessageEvent {
	m := &MessageEvent{
		Topic:     topic,
		RequestID: requestID,
		Size:      len(payload),
	}
	if len(payload) > MaxPayloadCapture {
		m.Payload = append([]byte(nil), payload[:MaxPayloadCapture]...)
		m.Truncated = true
	} else if len(payload) > 0 {
		m.Payload = append([]byte(nil), payload...)
	}
	return m
}

// StateChangeEvent captures connection, registration and credential
// provider lifecycle changes.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntityConnection indicates a connection state change.
	StateEntityConnection StateEntity = 0
	// StateEntityRegistration indicates a registration protocol transition.
	StateEntityRegistration StateEntity = 1
	// StateEntityTokenProvider indicates the token provider started or stopped.
	StateEntityTokenProvider StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityConnection:
		return "CONNECTION"
	case StateEntityRegistration:
		return "REGISTRATION"
	case StateEntityTokenProvider:
		return "TOKEN_PROVIDER"
	default:
		return "UNKNOWN"
	}
}

// CredentialEvent records a SAS token becoming current. The signature is
// never captured.
type CredentialEvent struct {
	// ResourceURI is the decoded sr field.
	ResourceURI string `cbor:"1,keyasint"`

	// ExpiresAt is the token expiry.
	ExpiresAt time.Time `cbor:"2,keyasint"`

	// Renewal is false for the initial token.
	Renewal bool `cbor:"3,keyasint,omitempty"`
}

// ErrorEventData captures an error that did not reach a caller, such as a
// dropped inbound message or a failed renewal attempt.
type ErrorEventData struct {
	// Message is the error message.
	Message string `cbor:"1,keyasint"`

	// Context describes what was being done.
	Context string `cbor:"2,keyasint,omitempty"`

	// RequestID is set when the error concerns a specific request.
	RequestID string `cbor:"3,keyasint,omitempty"`
}
