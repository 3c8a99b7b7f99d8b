package simulator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hublink/hublink-go/pkg/sastoken"
)

// ErrNotAuthorized is returned by Connect when the presented credentials
// are rejected.
var ErrNotAuthorized = errors.New("connection refused: not authorized")

// authenticator checks SAS token passwords.
type authenticator struct {
	// resourceURI is the expected sr.
	resourceURI string

	// signer recomputes signatures. Nil accepts any signature.
	signer sastoken.Signer

	// usernamePrefix must start the username.
	usernamePrefix string
}

func newAuthenticator(resourceURI, key, usernamePrefix string) (*authenticator, error) {
	a := &authenticator{resourceURI: resourceURI, usernamePrefix: usernamePrefix}
	if key != "" {
		signer, err := sastoken.NewSymmetricKeySigner(key)
		if err != nil {
			return nil, err
		}
		a.signer = signer
	}
	return a, nil
}

func (a *authenticator) check(username, password string) error {
	if !strings.HasPrefix(username, a.usernamePrefix) {
		return fmt.Errorf("%w: unexpected username %q", ErrNotAuthorized, username)
	}
	if a.signer == nil && password == "" {
		return nil
	}

	tok, err := sastoken.Parse(password)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	}
	if tok.IsExpired() {
		return fmt.Errorf("%w: token expired", ErrNotAuthorized)
	}
	if tok.ResourceURI() != a.resourceURI {
		return fmt.Errorf("%w: token for %q", ErrNotAuthorized, tok.ResourceURI())
	}
	if a.signer == nil {
		return nil
	}

	if err := sastoken.Verify(context.Background(), a.signer, tok); err != nil {
		return fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	}
	return nil
}
