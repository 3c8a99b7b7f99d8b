package topic

import (
	"fmt"
	"strings"

	"github.com/hublink/hublink-go/internal/urlenc"
)

const (
	twinResponsePrefix     = "$iothub/twin/res/"
	twinDesiredPatchPrefix = "$iothub/twin/PATCH/properties/desired"
)

// Hub subscription filters.
const (
	TwinResponseFilter     = "$iothub/twin/res/#"
	TwinDesiredPatchFilter = "$iothub/twin/PATCH/properties/desired/#"
)

// TwinRequestTopic requests the full twin.
func TwinRequestTopic(requestID string) string {
	return "$iothub/twin/GET/?$rid=" + urlenc.Quote(requestID)
}

// TwinPatchTopic sends a reported properties patch.
func TwinPatchTopic(requestID string) string {
	return "$iothub/twin/PATCH/properties/reported/?$rid=" + urlenc.Quote(requestID)
}

// TelemetryTopic is the device-to-cloud topic for a device or, when moduleID
// is set, a module. Properties are appended with InsertMessageProperties.
func TelemetryTopic(deviceID, moduleID string) string {
	t := "devices/" + deviceID
	if moduleID != "" {
		t += "/modules/" + moduleID
	}
	return t + "/messages/events/"
}

// InsertMessageProperties appends encoded system properties followed by
// custom properties to a telemetry topic.
func InsertMessageProperties(topic string, system, custom map[string]string) string {
	if len(system) > 0 {
		topic += EncodeProperties(system)
	}
	if len(system) > 0 && len(custom) > 0 {
		topic += "&"
	}
	if len(custom) > 0 {
		topic += EncodeProperties(custom)
	}
	return topic
}

// IsTwinResponse reports whether topic is a twin response.
func IsTwinResponse(topic string) bool {
	return strings.HasPrefix(topic, twinResponsePrefix)
}

// IsTwinDesiredPatch reports whether topic carries a desired properties patch.
func IsTwinDesiredPatch(topic string) bool {
	return strings.HasPrefix(topic, twinDesiredPatchPrefix)
}

// ParseTwinResponse extracts the request id and status from
// "$iothub/twin/res/<status>/?$rid=<rid>[&$version=<v>]".
func ParseTwinResponse(topic string) (requestID string, status int, props map[string]string, err error) {
	parts := strings.Split(topic, "/")
	if !IsTwinResponse(topic) || len(parts) < 4 {
		return "", 0, nil, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	_, query, ok := queryPart(topic)
	if !ok {
		return "", 0, nil, fmt.Errorf("%w: no properties in %q", ErrInvalidTopic, topic)
	}
	props = ExtractProperties(query)
	requestID = props[PropRequestID]
	if requestID == "" {
		return "", 0, nil, fmt.Errorf("%w: no request id in %q", ErrInvalidTopic, topic)
	}
	status, err = parseStatus(parts[3])
	if err != nil {
		return "", 0, nil, err
	}
	return requestID, status, props, nil
}
