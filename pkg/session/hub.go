package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/hublink/hublink-go/pkg/iothub"
	"github.com/hublink/hublink-go/pkg/log"
	"github.com/hublink/hublink-go/pkg/sastoken"
	"github.com/hublink/hublink-go/pkg/transport"
)

// HubConfig configures a HubSession.
type HubConfig struct {
	Hostname string
	DeviceID string
	ModuleID string

	Credentials Credentials

	ProductInfo string

	Logger         *slog.Logger
	ProtocolLogger log.Logger
}

// Validate checks the configuration.
func (c HubConfig) Validate() error {
	if strings.TrimSpace(c.Hostname) == "" {
		return errors.New("hostname is required")
	}
	if strings.TrimSpace(c.DeviceID) == "" {
		return errors.New("device id is required")
	}
	return c.Credentials.validate()
}

// HubSession is a device or module connection to its hub.
type HubSession struct {
	client   *iothub.Client
	provider *sastoken.Provider
	logger   *slog.Logger

	mu sync.Mutex
}

// NewHubSession validates cfg and builds the session over t.
func NewHubSession(t transport.Transport, cfg HubConfig) (*HubSession, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	uri := iothub.ResourceURI(cfg.Hostname, cfg.DeviceID, cfg.ModuleID)
	source, provider, err := cfg.Credentials.build(uri, uuid.NewString(), logger, cfg.ProtocolLogger)
	if err != nil {
		return nil, err
	}

	hcfg := iothub.DefaultConfig()
	hcfg.Hostname = cfg.Hostname
	hcfg.DeviceID = cfg.DeviceID
	hcfg.ModuleID = cfg.ModuleID
	if source != nil {
		hcfg.Credentials = source
	}
	hcfg.ProductInfo = cfg.ProductInfo
	hcfg.Logger = logger
	hcfg.ProtocolLogger = cfg.ProtocolLogger

	client, err := iothub.NewClient(t, hcfg)
	if err != nil {
		return nil, err
	}
	return &HubSession{client: client, provider: provider, logger: logger}, nil
}

// Open starts credential renewal and connects.
func (s *HubSession) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := startProvider(ctx, s.provider); err != nil {
		return err
	}
	if err := s.client.Start(ctx); err != nil {
		stopProvider(s.provider)
		return err
	}
	if err := s.client.Connect(ctx); err != nil {
		_ = s.client.Stop(ctx)
		stopProvider(s.provider)
		return err
	}
	s.logger.Info("hub session open")
	return nil
}

// Reconnect connects again after a drop, presenting the latest credentials.
func (s *HubSession) Reconnect(ctx context.Context) error {
	return s.client.Connect(ctx)
}

// Close disconnects and stops credential renewal.
func (s *HubSession) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.client.Stop(ctx)
	stopProvider(s.provider)
	return err
}

// SendMessage sends telemetry.
func (s *HubSession) SendMessage(ctx context.Context, msg *iothub.Message) error {
	_, err := interrupt(ctx, s.client, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.client.SendMessage(ctx, msg)
	})
	return err
}

// GetTwin fetches the device twin.
func (s *HubSession) GetTwin(ctx context.Context) (*iothub.Twin, error) {
	return interrupt(ctx, s.client, s.client.GetTwin)
}

// UpdateReportedProperties patches the reported properties and returns the
// new reported version.
func (s *HubSession) UpdateReportedProperties(ctx context.Context, patch map[string]any) (int, error) {
	return interrupt(ctx, s.client, func(ctx context.Context) (int, error) {
		return s.client.SendTwinPatch(ctx, patch)
	})
}

// DesiredPropertyPatches enables desired property notifications and
// returns the channel they arrive on.
func (s *HubSession) DesiredPropertyPatches(ctx context.Context) (<-chan *iothub.DesiredPatch, error) {
	_, err := interrupt(ctx, s.client, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.client.EnableDesiredPatches(ctx)
	})
	if err != nil {
		return nil, err
	}
	return s.client.DesiredPatches(), nil
}

// IsConnected reports whether the session is connected.
func (s *HubSession) IsConnected() bool {
	return s.client.IsConnected()
}

// WaitForDisconnect blocks until the connection ends.
func (s *HubSession) WaitForDisconnect(ctx context.Context) (cause error, err error) {
	return s.client.WaitForDisconnect(ctx)
}

// Client returns the underlying client.
func (s *HubSession) Client() *iothub.Client {
	return s.client
}
