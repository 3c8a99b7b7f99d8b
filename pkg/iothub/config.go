package iothub

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/hublink/hublink-go/pkg/log"
	"github.com/hublink/hublink-go/pkg/sastoken"
	"github.com/hublink/hublink-go/pkg/version"
)

// DefaultPatchBuffer is the capacity of the desired patch channel.
const DefaultPatchBuffer = 16

// Config configures a Client.
type Config struct {
	// Hostname is the hub the device is assigned to.
	Hostname string

	// DeviceID and optional ModuleID identify the client.
	DeviceID string
	ModuleID string

	// Credentials supplies the SAS token used as the MQTT password. If it
	// also implements sastoken.RenewingSource, renewals are re-applied to
	// the transport. Nil sends no password.
	Credentials sastoken.Source

	// ProductInfo is appended to the client type string.
	ProductInfo string

	// PatchBuffer is the capacity of the desired patch channel. Patches
	// arriving while it is full are dropped.
	PatchBuffer int

	// Logger receives operational logs. Nil discards.
	Logger *slog.Logger

	// ProtocolLogger receives capture events. Nil disables capture.
	ProtocolLogger log.Logger
}

// DefaultConfig returns a Config with defaults. Hostname and DeviceID must
// still be set.
func DefaultConfig() Config {
	return Config{PatchBuffer: DefaultPatchBuffer}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Hostname) == "" {
		return errors.New("hostname is required")
	}
	if strings.TrimSpace(c.DeviceID) == "" {
		return errors.New("device id is required")
	}
	if c.PatchBuffer < 0 {
		return errors.New("patch buffer must not be negative")
	}
	return nil
}

// ClientID returns "<device>" or "<device>/<module>".
func (c Config) ClientID() string {
	if c.ModuleID == "" {
		return c.DeviceID
	}
	return c.DeviceID + "/" + c.ModuleID
}

// Username returns the MQTT username.
func (c Config) Username() string {
	return c.Hostname + "/" + c.ClientID() + "/?" + version.Query(
		"api-version", version.HubAPIVersion,
		"DeviceClientType", version.UserAgent(version.HubProduct, c.ProductInfo),
	)
}

// ResourceURI returns the SAS resource URI for a device or module.
func ResourceURI(hostname, deviceID, moduleID string) string {
	uri := hostname + "/devices/" + deviceID
	if moduleID != "" {
		uri += "/modules/" + moduleID
	}
	return uri
}
