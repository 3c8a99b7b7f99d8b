package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hublink/hublink-go/pkg/log"
	"github.com/hublink/hublink-go/pkg/provisioning"
	"github.com/hublink/hublink-go/pkg/sastoken"
	"github.com/hublink/hublink-go/pkg/transport"
)

// ProvisioningConfig configures a ProvisioningSession.
type ProvisioningConfig struct {
	Hostname       string
	IDScope        string
	RegistrationID string

	Credentials Credentials

	ProductInfo     string
	ResponseTimeout time.Duration
	PollingInterval time.Duration

	Logger         *slog.Logger
	ProtocolLogger log.Logger
}

// Validate checks the configuration.
func (c ProvisioningConfig) Validate() error {
	if strings.TrimSpace(c.RegistrationID) == "" {
		return errors.New("registration id is required")
	}
	if strings.TrimSpace(c.IDScope) == "" {
		return errors.New("id scope is required")
	}
	return c.Credentials.validate()
}

// ProvisioningSession registers one device with the provisioning service.
type ProvisioningSession struct {
	client   *provisioning.Client
	provider *sastoken.Provider
	logger   *slog.Logger

	mu sync.Mutex
}

// NewProvisioningSession validates cfg and builds the session over t.
func NewProvisioningSession(t transport.Transport, cfg ProvisioningConfig) (*ProvisioningSession, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	uri := provisioning.ResourceURI(cfg.IDScope, cfg.RegistrationID)
	source, provider, err := cfg.Credentials.build(uri, uuid.NewString(), logger, cfg.ProtocolLogger)
	if err != nil {
		return nil, err
	}

	pcfg := provisioning.DefaultConfig()
	pcfg.IDScope = cfg.IDScope
	pcfg.RegistrationID = cfg.RegistrationID
	if cfg.Hostname != "" {
		pcfg.Hostname = cfg.Hostname
	}
	if source != nil {
		pcfg.Credentials = source
	}
	pcfg.ProductInfo = cfg.ProductInfo
	if cfg.ResponseTimeout > 0 {
		pcfg.ResponseTimeout = cfg.ResponseTimeout
	}
	if cfg.PollingInterval > 0 {
		pcfg.PollingInterval = cfg.PollingInterval
	}
	pcfg.Logger = logger
	pcfg.ProtocolLogger = cfg.ProtocolLogger

	client, err := provisioning.NewClient(t, pcfg)
	if err != nil {
		return nil, err
	}
	return &ProvisioningSession{client: client, provider: provider, logger: logger}, nil
}

// Open starts credential renewal and connects.
func (s *ProvisioningSession) Open(ctx context.Context) error {
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
	s.logger.Info("provisioning session open")
	return nil
}

// Close disconnects and stops credential renewal.
func (s *ProvisioningSession) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.client.Stop(ctx)
	stopProvider(s.provider)
	return err
}

// Register registers the device, failing fast if the connection drops.
func (s *ProvisioningSession) Register(ctx context.Context, payload any) (*provisioning.RegistrationResult, error) {
	return interrupt(ctx, s.client, func(ctx context.Context) (*provisioning.RegistrationResult, error) {
		return s.client.Register(ctx, payload)
	})
}

// IsConnected reports whether the session is connected.
func (s *ProvisioningSession) IsConnected() bool {
	return s.client.IsConnected()
}

// WaitForDisconnect blocks until the connection ends.
func (s *ProvisioningSession) WaitForDisconnect(ctx context.Context) (cause error, err error) {
	return s.client.WaitForDisconnect(ctx)
}

// Client returns the underlying client.
func (s *ProvisioningSession) Client() *provisioning.Client {
	return s.client
}

// startProvider generates the first token within ctx. Renewal outlives the
// call that opened the session.
func startProvider(ctx context.Context, p *sastoken.Provider) error {
	if p == nil {
		return nil
	}
	return p.Start(ctx)
}

func stopProvider(p *sastoken.Provider) {
	if p != nil {
		p.Stop()
	}
}
