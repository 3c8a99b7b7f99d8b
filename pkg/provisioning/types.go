package provisioning

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Status is the registration status reported by the service.
type Status string

const (
	StatusAssigning Status = "assigning"
	StatusAssigned  Status = "assigned"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s ends the registration.
func (s Status) Terminal() bool {
	return s == StatusAssigned || s == StatusFailed
}

// RegistrationState describes the device assignment. Empty strings mean the
// service did not send the field.
type RegistrationState struct {
	DeviceID               string          `json:"deviceId,omitempty"`
	AssignedHub            string          `json:"assignedHub,omitempty"`
	SubStatus              string          `json:"subStatus,omitempty"`
	CreatedDateTimeUTC     string          `json:"createdDateTimeUtc,omitempty"`
	LastUpdatedDateTimeUTC string          `json:"lastUpdatedDateTimeUtc,omitempty"`
	ETag                   string          `json:"etag,omitempty"`
	ErrorCode              int             `json:"errorCode,omitempty"`
	ErrorMessage           string          `json:"errorMessage,omitempty"`
	Payload                json.RawMessage `json:"payload,omitempty"`
}

// RegistrationResult is the final outcome of a registration.
type RegistrationResult struct {
	OperationID string `json:"operationId"`
	Status      Status `json:"status"`

	// RegistrationState is nil if the service sent none.
	RegistrationState *RegistrationState `json:"registrationState,omitempty"`
}

// registrationRequest is the register request body.
type registrationRequest struct {
	Payload        any    `json:"payload"`
	RegistrationID string `json:"registrationId"`
}

var (
	// ErrResponseTimeout is wrapped by a ServiceError when no response
	// arrived within the response timeout.
	ErrResponseTimeout = errors.New("no response from provisioning service")

	// ErrRequestRejected is wrapped by a ServiceError for a 3xx or 4xx
	// (below 429) response status.
	ErrRequestRejected = errors.New("request rejected by provisioning service")

	// ErrInvalidRegistrationStatus is wrapped by a ServiceError when a
	// successful response carries an unknown registration status.
	ErrInvalidRegistrationStatus = errors.New("invalid registration status")

	// ErrMalformedResponse is wrapped by a ServiceError when a successful
	// response body cannot be decoded.
	ErrMalformedResponse = errors.New("malformed provisioning response")
)

// ServiceError reports a failed exchange with the provisioning service.
type ServiceError struct {
	// Operation is "register" or "poll".
	Operation string

	// RequestID is the $rid of the failed request.
	RequestID string

	// Status is the response status, or 0 if no response arrived.
	Status int

	// Body is the response body, if any.
	Body string

	// Err is one of the package's sentinel errors.
	Err error
}

func (e *ServiceError) Error() string {
	msg := fmt.Sprintf("provisioning %s (rid: %s): %v", e.Operation, e.RequestID, e.Err)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}
