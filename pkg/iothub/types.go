package iothub

import (
	"encoding/json"
	"errors"
	"fmt"
)

// System property keys of a telemetry message.
const (
	propMessageID       = "$.mid"
	propCorrelationID   = "$.cid"
	propUserID          = "$.uid"
	propContentType     = "$.ct"
	propContentEncoding = "$.ce"
	propComponentName   = "$.sub"
)

// Message is a device-to-cloud telemetry message.
type Message struct {
	Payload []byte

	MessageID       string
	CorrelationID   string
	UserID          string
	ContentType     string
	ContentEncoding string
	ComponentName   string

	// CustomProperties are application properties routed with the message.
	CustomProperties map[string]string
}

// NewMessage creates a message with a JSON content type.
func NewMessage(payload []byte) *Message {
	return &Message{
		Payload:         payload,
		ContentType:     "application/json",
		ContentEncoding: "utf-8",
	}
}

func (m *Message) systemProperties() map[string]string {
	props := make(map[string]string)
	set := func(k, v string) {
		if v != "" {
			props[k] = v
		}
	}
	set(propMessageID, m.MessageID)
	set(propCorrelationID, m.CorrelationID)
	set(propUserID, m.UserID)
	set(propContentType, m.ContentType)
	set(propContentEncoding, m.ContentEncoding)
	set(propComponentName, m.ComponentName)
	return props
}

// Twin is the device twin as seen by the device.
type Twin struct {
	Desired  map[string]any `json:"desired"`
	Reported map[string]any `json:"reported"`
}

// Version returns the $version of a property section, or -1.
func Version(section map[string]any) int {
	v, ok := section["$version"].(float64)
	if !ok {
		return -1
	}
	return int(v)
}

// DesiredPatch is a desired properties update pushed by the hub.
type DesiredPatch struct {
	// Version is the desired properties version after the patch.
	Version int

	// Properties is the patch document.
	Properties map[string]any
}

func decodeDesiredPatch(body []byte) (*DesiredPatch, error) {
	var props map[string]any
	if err := json.Unmarshal(body, &props); err != nil {
		return nil, err
	}
	return &DesiredPatch{Version: Version(props), Properties: props}, nil
}

var (
	// ErrRequestFailed is wrapped by a ServiceError for a failure status.
	ErrRequestFailed = errors.New("hub request failed")

	// ErrMalformedResponse is wrapped by a ServiceError when a response body
	// cannot be decoded.
	ErrMalformedResponse = errors.New("malformed hub response")
)

// ServiceError reports a twin request the hub answered with a failure.
type ServiceError struct {
	Operation string
	RequestID string
	Status    int
	Body      string
	Err       error
}

func (e *ServiceError) Error() string {
	msg := fmt.Sprintf("hub %s (rid: %s): %v (status %d)", e.Operation, e.RequestID, e.Err, e.Status)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}
