package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hublink/hublink-go/pkg/log"
	"github.com/hublink/hublink-go/pkg/sastoken"
)

var (
	// ErrCredentialConflict is returned when more than one credential is
	// configured.
	ErrCredentialConflict = errors.New("configure exactly one of shared access key, SAS token or SAS token function")

	// ErrNoCredential is returned when no credential is configured and
	// AllowNoCredential is not set.
	ErrNoCredential = errors.New("no credential configured")
)

// Credentials selects how a session authenticates. At most one of the
// credential fields may be set.
type Credentials struct {
	// SharedAccessKey is a base64 key; tokens are generated and renewed
	// from it.
	SharedAccessKey string

	// SharedAccessKeyName is sent as skn, for group or policy keys.
	SharedAccessKeyName string

	// SASToken is a ready-made token. It is used as is until it expires.
	SASToken string

	// SASTokenFunc returns a fresh token on each call; tokens are renewed
	// through it.
	SASTokenFunc func(ctx context.Context) (string, error)

	// AllowNoCredential permits sessions without any credential, for
	// transports that authenticate by certificate.
	AllowNoCredential bool

	// TokenTTL is the lifetime of generated tokens.
	TokenTTL time.Duration

	// RenewalMargin is how long before expiry tokens are renewed.
	RenewalMargin time.Duration
}

func (c Credentials) validate() error {
	n := 0
	for _, set := range []bool{c.SharedAccessKey != "", c.SASToken != "", c.SASTokenFunc != nil} {
		if set {
			n++
		}
	}
	switch {
	case n > 1:
		return ErrCredentialConflict
	case n == 0 && !c.AllowNoCredential:
		return ErrNoCredential
	}
	if c.TokenTTL < 0 {
		return fmt.Errorf("token ttl must not be negative: %v", c.TokenTTL)
	}
	if c.RenewalMargin < 0 {
		return fmt.Errorf("renewal margin must not be negative: %v", c.RenewalMargin)
	}
	if c.SharedAccessKey != "" {
		ttl, margin := c.TokenTTL, c.RenewalMargin
		if ttl == 0 {
			ttl = sastoken.DefaultTTL
		}
		if margin == 0 {
			margin = sastoken.DefaultRenewalMargin
		}
		if ttl <= margin {
			return fmt.Errorf("token ttl %v must exceed the renewal margin %v", ttl, margin)
		}
	}
	return nil
}

// staticSource serves a single user-supplied token.
type staticSource struct {
	token *sastoken.Token
}

func (s staticSource) Current() (*sastoken.Token, error) {
	if s.token.IsExpired() {
		return nil, sastoken.ErrTokenExpired
	}
	return s.token, nil
}

// build returns the token source for resourceURI and, for renewing
// credentials, the provider behind it. A nil source means no credential.
func (c Credentials) build(resourceURI, sessionID string, logger *slog.Logger, plog log.Logger) (sastoken.Source, *sastoken.Provider, error) {
	if err := c.validate(); err != nil {
		return nil, nil, err
	}

	var gen sastoken.Generator
	switch {
	case c.SASToken != "":
		tok, err := sastoken.Parse(c.SASToken)
		if err != nil {
			return nil, nil, err
		}
		if tok.IsExpired() {
			return nil, nil, fmt.Errorf("%w: expired at %s", sastoken.ErrTokenExpired,
				tok.ExpiryTime().UTC().Format(time.RFC3339))
		}
		if extra := tok.ExtraFields(); len(extra) > 0 {
			logger.Warn("SAS token has unexpected fields", "fields", extra)
		}
		return staticSource{token: tok}, nil, nil

	case c.SASTokenFunc != nil:
		gen = sastoken.FromContextFunc(c.SASTokenFunc)

	case c.SharedAccessKey != "":
		signer, err := sastoken.NewSymmetricKeySigner(c.SharedAccessKey)
		if err != nil {
			return nil, nil, err
		}
		ttl := c.TokenTTL
		if ttl == 0 {
			ttl = sastoken.DefaultTTL
		}
		sg := sastoken.NewSigningGenerator(signer, resourceURI, ttl)
		if c.SharedAccessKeyName != "" {
			sg = sg.WithKeyName(c.SharedAccessKeyName)
		}
		gen = sg

	default:
		return nil, nil, nil
	}

	provider := sastoken.NewProvider(gen, sastoken.ProviderConfig{
		RenewalMargin:  c.RenewalMargin,
		Logger:         logger,
		ProtocolLogger: plog,
		SessionID:      sessionID,
	})
	return provider, provider, nil
}
