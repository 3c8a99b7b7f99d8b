package provisioning

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hublink/hublink-go/pkg/log"
	"github.com/hublink/hublink-go/pkg/sastoken"
	"github.com/hublink/hublink-go/pkg/version"
)

// Defaults.
const (
	DefaultHostname        = "global.azure-devices-provisioning.net"
	DefaultResponseTimeout = 30 * time.Second
	DefaultPollingInterval = 2 * time.Second
)

// Config configures a Client.
type Config struct {
	// IDScope identifies the provisioning service instance.
	IDScope string

	// RegistrationID is the device's registration id.
	RegistrationID string

	// Hostname is the provisioning endpoint (informational; the transport
	// is already bound to it).
	Hostname string

	// Credentials supplies the SAS token used as the MQTT password. Nil
	// sends no password, for transports authenticating by certificate.
	Credentials sastoken.Source

	// ProductInfo is appended to the client version string.
	ProductInfo string

	// ResponseTimeout bounds the wait for each response.
	ResponseTimeout time.Duration

	// PollingInterval is the delay before each status poll unless the
	// service sends retry-after.
	PollingInterval time.Duration

	// Logger receives operational logs. Nil discards.
	Logger *slog.Logger

	// ProtocolLogger receives capture events. Nil disables capture.
	ProtocolLogger log.Logger
}

// DefaultConfig returns a Config with default timings. IDScope and
// RegistrationID must still be set.
func DefaultConfig() Config {
	return Config{
		Hostname:        DefaultHostname,
		ResponseTimeout: DefaultResponseTimeout,
		PollingInterval: DefaultPollingInterval,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.IDScope) == "" {
		return errors.New("id scope is required")
	}
	if strings.TrimSpace(c.RegistrationID) == "" {
		return errors.New("registration id is required")
	}
	if c.ResponseTimeout < 0 {
		return fmt.Errorf("response timeout must not be negative: %v", c.ResponseTimeout)
	}
	if c.PollingInterval < 0 {
		return fmt.Errorf("polling interval must not be negative: %v", c.PollingInterval)
	}
	return nil
}

// Username returns the MQTT username for the registration.
func (c Config) Username() string {
	return c.IDScope + "/registrations/" + c.RegistrationID + "/" + version.Query(
		"api-version", version.ProvisioningAPIVersion,
		"ClientVersion", version.UserAgent(version.ProvisioningProduct, c.ProductInfo),
	)
}

// ResourceURI returns the SAS resource URI for the registration.
func ResourceURI(idScope, registrationID string) string {
	return idScope + "/registrations/" + registrationID
}
