package topic

import (
	"fmt"
	"strings"

	"github.com/hublink/hublink-go/internal/urlenc"
)

const provisioningResponsePrefix = "$dps/registrations/res/"

// ProvisioningResponseFilter receives every provisioning service response.
const ProvisioningResponseFilter = "$dps/registrations/res/#"

// RegisterTopic is the topic a registration request is published on.
func RegisterTopic(requestID string) string {
	return "$dps/registrations/PUT/iotdps-register/?$rid=" + urlenc.Quote(requestID)
}

// StatusQueryTopic is the topic an operation status query is published on.
func StatusQueryTopic(requestID, operationID string) string {
	return "$dps/registrations/GET/iotdps-get-operationstatus/?$rid=" + urlenc.Quote(requestID) +
		"&operationId=" + urlenc.Quote(operationID)
}

// IsProvisioningResponse reports whether topic is under the response prefix.
func IsProvisioningResponse(topic string) bool {
	return strings.HasPrefix(topic, provisioningResponsePrefix)
}

// ParseProvisioningResponse splits a response topic of the form
// "$dps/registrations/res/<status>/?$rid=<rid>[&retry-after=<s>...]".
func ParseProvisioningResponse(topic string) (status int, props map[string]string, err error) {
	parts := strings.Split(topic, "/")
	if !IsProvisioningResponse(topic) || len(parts) != 5 {
		return 0, nil, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	_, query, ok := queryPart(parts[4])
	if !ok {
		return 0, nil, fmt.Errorf("%w: no properties in %q", ErrInvalidTopic, topic)
	}
	status, err = parseStatus(parts[3])
	if err != nil {
		return 0, nil, err
	}
	return status, ExtractProperties(query), nil
}
