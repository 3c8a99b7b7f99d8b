// Package topic builds and parses the MQTT topic names used by the
// provisioning service and the hub.
//
// Request topics carry properties after a "?" as "&"-joined key=value
// pairs, e.g. "$dps/registrations/PUT/iotdps-register/?$rid=42". Values are
// strictly percent-encoded on the way out and decoded on the way in.
package topic
