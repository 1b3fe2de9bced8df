package signing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrEmptyKey is returned when a symmetric key is empty.
var ErrEmptyKey = errors.New("signing key is empty")

// Mechanism signs data and returns the base64 encoded signature.
type Mechanism interface {
	Sign(ctx context.Context, data []byte) (string, error)
}

// Func adapts a function to the Mechanism interface.
type Func func(ctx context.Context, data []byte) (string, error)

// Sign calls f(ctx, data).
func (f Func) Sign(ctx context.Context, data []byte) (string, error) {
	return f(ctx, data)
}

// SymmetricKey signs with HMAC-SHA256 using a shared access key.
type SymmetricKey struct {
	key []byte
}

// NewSymmetricKey creates a SymmetricKey from a base64 encoded key.
func NewSymmetricKey(key string) (*SymmetricKey, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("invalid symmetric key: %w", err)
	}
	return &SymmetricKey{key: decoded}, nil
}

// Sign returns base64(HMAC-SHA256(key, data)).
func (s *SymmetricKey) Sign(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
