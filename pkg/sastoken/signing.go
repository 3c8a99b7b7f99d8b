package sastoken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	// ErrInvalidKey is returned for a shared access key that is not valid base64.
	ErrInvalidKey = errors.New("invalid shared access key")

	// ErrSignatureMismatch is returned by Verify.
	ErrSignatureMismatch = errors.New("SAS token signature mismatch")
)

// Signer signs data for a SAS token. Implementations may block, for example
// when the key lives in a hardware module.
type Signer interface {
	// Sign returns the base64-encoded signature of data.
	Sign(ctx context.Context, data []byte) ([]byte, error)
}

// SymmetricKeySigner signs with HMAC-SHA256 over a shared access key.
type SymmetricKeySigner struct {
	key []byte
}

// NewSymmetricKeySigner decodes a base64 shared access key.
func NewSymmetricKeySigner(key string) (*SymmetricKeySigner, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &SymmetricKeySigner{key: raw}, nil
}

// Sign returns base64(HMAC-SHA256(key, data)).
func (s *SymmetricKeySigner) Sign(_ context.Context, data []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	sum := mac.Sum(nil)

	out := make([]byte, base64.StdEncoding.EncodedLen(len(sum)))
	base64.StdEncoding.Encode(out, sum)
	return out, nil
}

// Verify recomputes the signature of tok with signer and compares it with
// the token's signature.
func Verify(ctx context.Context, signer Signer, tok *Token) error {
	data := tok.fields[FieldResourceURI] + "\n" + tok.fields[FieldExpiry]
	sig, err := signer.Sign(ctx, []byte(data))
	if err != nil {
		return err
	}
	if !hmac.Equal(sig, []byte(tok.Signature())) {
		return ErrSignatureMismatch
	}
	return nil
}

var _ Signer = (*SymmetricKeySigner)(nil)
