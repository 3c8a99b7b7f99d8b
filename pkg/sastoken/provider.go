package sastoken

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	hlog "github.com/hublink/hublink-go/pkg/log"
)

// Provider defaults.
const (
	DefaultRenewalMargin = 120 * time.Second
	DefaultRetryInterval = 10 * time.Second

	// maxWaitStep bounds a single sleep of the renewal loop so that wall
	// clock jumps (suspend, NTP) are noticed within a second.
	maxWaitStep = time.Second
)

var (
	// ErrTokenExpired is returned by Start when the initial token has
	// already expired.
	ErrTokenExpired = errors.New("SAS token already expired")

	// ErrProviderNotRunning is returned when the provider is stopped.
	ErrProviderNotRunning = errors.New("SAS token provider not running")
)

// ProviderConfig configures a Provider.
type ProviderConfig struct {
	// RenewalMargin is how long before expiry a new token is generated.
	RenewalMargin time.Duration

	// RetryInterval is the delay between failed renewal attempts.
	RetryInterval time.Duration

	// Logger receives operational logs. Nil discards.
	Logger *slog.Logger

	// ProtocolLogger receives credential events. Nil disables capture.
	ProtocolLogger hlog.Logger

	// SessionID tags capture events.
	SessionID string
}

// DefaultProviderConfig returns the default configuration.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		RenewalMargin: DefaultRenewalMargin,
		RetryInterval: DefaultRetryInterval,
	}
}

// Validate checks the configuration.
func (c ProviderConfig) Validate() error {
	if c.RenewalMargin < 0 {
		return fmt.Errorf("renewal margin must not be negative: %v", c.RenewalMargin)
	}
	if c.RetryInterval <= 0 {
		return fmt.Errorf("retry interval must be positive: %v", c.RetryInterval)
	}
	return nil
}

// Provider keeps a current SAS token and renews it before expiry.
type Provider struct {
	gen    Generator
	config ProviderConfig
	logger *slog.Logger
	plog   hlog.Logger

	current atomic.Pointer[Token]
	running atomic.Bool

	// lifecycle guards Start/Stop against each other.
	lifecycle sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	notifyMu sync.Mutex
	notify   chan struct{}
}

// NewProvider creates a stopped provider. Zero config durations are
// replaced by the defaults.
func NewProvider(gen Generator, config ProviderConfig) *Provider {
	if config.RenewalMargin == 0 {
		config.RenewalMargin = DefaultRenewalMargin
	}
	if config.RetryInterval == 0 {
		config.RetryInterval = DefaultRetryInterval
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Provider{
		gen:    gen,
		config: config,
		logger: logger,
		plog:   hlog.OrNoop(config.ProtocolLogger),
		notify: make(chan struct{}),
	}
}

// Start generates the initial token and launches background renewal.
// It is a no-op if the provider is already running. ctx bounds the initial
// generation only; renewal keeps its values but not its cancellation and
// runs until Stop.
func (p *Provider) Start(ctx context.Context) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if p.running.Load() {
		return nil
	}

	tok, err := p.gen.Generate(ctx)
	if err != nil {
		return err
	}
	if tok.IsExpired() {
		return fmt.Errorf("%w: expired at %s", ErrTokenExpired, tok.ExpiryTime().UTC().Format(time.RFC3339))
	}

	p.running.Store(true)
	p.store(tok, false)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.wg.Add(1)
	go p.renewLoop(loopCtx)

	p.logger.Debug("token provider started", "expires_at", tok.ExpiryTime())
	p.logState("stopped", "running")
	return nil
}

// Stop cancels renewal, waits for the renewal goroutine and discards the
// current token. Pending WaitForNew calls return ErrProviderNotRunning.
func (p *Provider) Stop() {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if !p.running.Swap(false) {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.cancel = nil
	p.current.Store(nil)
	p.broadcast()

	p.logger.Debug("token provider stopped")
	p.logState("running", "stopped")
}

// IsRunning reports whether the provider has been started and not stopped.
func (p *Provider) IsRunning() bool {
	return p.running.Load()
}

// Current returns the current token.
func (p *Provider) Current() (*Token, error) {
	if !p.running.Load() {
		return nil, ErrProviderNotRunning
	}
	tok := p.current.Load()
	if tok == nil {
		return nil, ErrProviderNotRunning
	}
	return tok, nil
}

// WaitForNew blocks until the next token is stored and returns it.
func (p *Provider) WaitForNew(ctx context.Context) (*Token, error) {
	ch := p.Changed()
	select {
	case <-ch:
		return p.Current()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Changed returns a channel that is closed when the next token is stored
// or the provider stops. Reading Current after taking the channel misses no
// renewal.
func (p *Provider) Changed() <-chan struct{} {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	return p.notify
}

func (p *Provider) renewLoop(ctx context.Context) {
	defer p.wg.Done()

	renewed := false
	for {
		tok := p.current.Load()
		if tok == nil {
			return
		}
		wake := tok.ExpiryTime().Add(-p.config.RenewalMargin)
		if renewed && !wake.After(time.Now()) {
			// A fresh token already inside the margin would renew in a
			// tight loop.
			p.logger.Warn("renewed token expires within the renewal margin",
				"expires_at", tok.ExpiryTime(), "margin", p.config.RenewalMargin)
			wake = time.Now().Add(p.config.RetryInterval)
		}
		if !waitUntil(ctx, wake) {
			return
		}
		renewed = true

		for {
			next, err := p.gen.Generate(ctx)
			if err == nil {
				p.store(next, true)
				p.logger.Debug("token renewed", "expires_at", next.ExpiryTime())
				break
			}
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("token renewal failed", "error", err, "retry_in", p.config.RetryInterval)
			p.plog.Log(hlog.Event{
				Timestamp: time.Now(),
				SessionID: p.config.SessionID,
				Category:  hlog.CategoryError,
				Error:     &hlog.ErrorEventData{Message: err.Error(), Context: "token renewal"},
			})
			if !waitUntil(ctx, time.Now().Add(p.config.RetryInterval)) {
				return
			}
		}
	}
}

// store replaces the current token and wakes every waiter.
func (p *Provider) store(tok *Token, renewal bool) {
	if extra := tok.ExtraFields(); len(extra) > 0 {
		p.logger.Warn("SAS token has unexpected fields", "fields", extra)
	}
	p.current.Store(tok)
	p.broadcast()

	p.plog.Log(hlog.Event{
		Timestamp: time.Now(),
		SessionID: p.config.SessionID,
		Category:  hlog.CategoryCredential,
		Credential: &hlog.CredentialEvent{
			ResourceURI: tok.ResourceURI(),
			ExpiresAt:   tok.ExpiryTime(),
			Renewal:     renewal,
		},
	})
}

func (p *Provider) broadcast() {
	p.notifyMu.Lock()
	close(p.notify)
	p.notify = make(chan struct{})
	p.notifyMu.Unlock()
}

func (p *Provider) logState(from, to string) {
	p.plog.Log(hlog.Event{
		Timestamp: time.Now(),
		SessionID: p.config.SessionID,
		Category:  hlog.CategoryState,
		StateChange: &hlog.StateChangeEvent{
			Entity:   hlog.StateEntityTokenProvider,
			OldState: from,
			NewState: to,
		},
	})
}

// waitUntil sleeps until the wall clock reaches t, in steps of at most
// maxWaitStep. It returns false if ctx is done first.
func waitUntil(ctx context.Context, t time.Time) bool {
	for {
		d := time.Until(t)
		if d <= 0 {
			return ctx.Err() == nil
		}
		if d > maxWaitStep {
			d = maxWaitStep
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

// Source supplies the current token, typically a running Provider.
type Source interface {
	Current() (*Token, error)
}

// RenewingSource is a Source that can report renewals.
type RenewingSource interface {
	Source
	WaitForNew(ctx context.Context) (*Token, error)
	Changed() <-chan struct{}
}

var _ RenewingSource = (*Provider)(nil)
