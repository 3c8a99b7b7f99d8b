package sastoken

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hublink/hublink-go/internal/urlenc"
)

// DefaultTTL is the lifetime of tokens produced by a SigningGenerator.
const DefaultTTL = time.Hour

// ErrGenerationFailed is returned when a Generator cannot produce a token.
// The underlying cause is included in the message only.
var ErrGenerationFailed = errors.New("SAS token generation failed")

// Generator produces new SAS tokens.
type Generator interface {
	Generate(ctx context.Context) (*Token, error)
}

// SigningGenerator builds tokens by signing a resource URI.
type SigningGenerator struct {
	signer  Signer
	uri     string
	ttl     time.Duration
	keyName string

	now func() time.Time
}

// NewSigningGenerator creates a generator for uri. A ttl of zero or less
// selects DefaultTTL.
func NewSigningGenerator(signer Signer, uri string, ttl time.Duration) *SigningGenerator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &SigningGenerator{
		signer: signer,
		uri:    uri,
		ttl:    ttl,
		now:    time.Now,
	}
}

// WithKeyName sets the skn field added to generated tokens.
func (g *SigningGenerator) WithKeyName(name string) *SigningGenerator {
	g.keyName = name
	return g
}

// ResourceURI returns the unencoded URI being signed.
func (g *SigningGenerator) ResourceURI() string {
	return g.uri
}

// Generate signs "<quoted uri>\n<expiry>" and returns the resulting token.
func (g *SigningGenerator) Generate(ctx context.Context) (*Token, error) {
	expiry := g.now().Add(g.ttl).Unix()
	encodedURI := urlenc.Quote(g.uri)
	se := strconv.FormatInt(expiry, 10)

	sig, err := g.signer.Sign(ctx, []byte(encodedURI+"\n"+se))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	s := Marker + FieldResourceURI + "=" + encodedURI +
		"&" + FieldSignature + "=" + urlenc.Quote(string(sig)) +
		"&" + FieldExpiry + "=" + se
	if g.keyName != "" {
		s += "&" + FieldKeyName + "=" + urlenc.Quote(g.keyName)
	}

	tok, err := Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	return tok, nil
}

// funcGenerator adapts a user callback.
type funcGenerator struct {
	fn func(ctx context.Context) (string, error)
}

// FromFunc returns a Generator that calls fn for each token string.
func FromFunc(fn func() (string, error)) Generator {
	return &funcGenerator{fn: func(context.Context) (string, error) { return fn() }}
}

// FromContextFunc returns a Generator whose callback may block; it receives
// the context of the Generate call.
func FromContextFunc(fn func(ctx context.Context) (string, error)) Generator {
	return &funcGenerator{fn: fn}
}

func (g *funcGenerator) Generate(ctx context.Context) (*Token, error) {
	s, err := g.fn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	tok, err := Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	return tok, nil
}

var (
	_ Generator = (*SigningGenerator)(nil)
	_ Generator = (*funcGenerator)(nil)
)
