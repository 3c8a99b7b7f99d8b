package persistence

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// sealedMagic starts every sealed file. It is authenticated as AAD.
var sealedMagic = []byte("HLRC\x01")

// hkdfInfo separates the cache key from any other use of the device key.
var hkdfInfo = []byte("hublink.registration-cache.v1")

// ErrUnsealFailed is returned when a sealed file cannot be opened with the
// configured key.
var ErrUnsealFailed = errors.New("registration cache cannot be unsealed")

type sealer struct {
	aead cipher.AEAD
}

func newSealer(sharedAccessKey string) (*sealer, error) {
	secret, err := base64.StdEncoding.DecodeString(sharedAccessKey)
	if err != nil || len(secret) == 0 {
		return nil, fmt.Errorf("invalid sealing key: %v", err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("derive sealing key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &sealer{aead: aead}, nil
}

func isSealed(data []byte) bool {
	return bytes.HasPrefix(data, sealedMagic)
}

// seal returns magic || nonce || ciphertext.
func (s *sealer) seal(plaintext []byte) ([]byte, error) {
	out := make([]byte, len(sealedMagic)+chacha20poly1305.NonceSizeX,
		len(sealedMagic)+chacha20poly1305.NonceSizeX+len(plaintext)+s.aead.Overhead())
	copy(out, sealedMagic)
	nonce := out[len(sealedMagic):]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(out, nonce, plaintext, sealedMagic), nil
}

func (s *sealer) open(data []byte) ([]byte, error) {
	if len(data) < len(sealedMagic)+chacha20poly1305.NonceSizeX+s.aead.Overhead() {
		return nil, fmt.Errorf("%w: file too short", ErrUnsealFailed)
	}
	nonce := data[len(sealedMagic) : len(sealedMagic)+chacha20poly1305.NonceSizeX]
	ciphertext := data[len(sealedMagic)+chacha20poly1305.NonceSizeX:]

	plaintext, err := s.aead.Open(nil, nonce, ciphertext, sealedMagic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsealFailed, err)
	}
	return plaintext, nil
}
