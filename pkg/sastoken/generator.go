package sastoken

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mash-protocol/iotsession/pkg/signing"
)

// DefaultTTL is the lifetime of tokens built by a SigningGenerator.
const DefaultTTL = time.Hour

// Generator produces fresh tokens.
type Generator interface {
	Generate(ctx context.Context) (*Token, error)
}

// SigningGenerator builds tokens by signing them with a Mechanism.
type SigningGenerator struct {
	// KeyName, if set, is emitted as the skn field.
	KeyName string

	uri       string
	mechanism signing.Mechanism
	ttl       time.Duration
	timeNow   func() time.Time
}

// NewSigningGenerator creates a generator for uri. A ttl <= 0 uses DefaultTTL.
func NewSigningGenerator(uri string, m signing.Mechanism, ttl time.Duration) *SigningGenerator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &SigningGenerator{
		uri:       uri,
		mechanism: m,
		ttl:       ttl,
		timeNow:   time.Now,
	}
}

// Generate signs a new token expiring ttl from now.
func (g *SigningGenerator) Generate(ctx context.Context) (*Token, error) {
	expiry := g.timeNow().Add(g.ttl).Unix()
	se := strconv.FormatInt(expiry, 10)
	sr := quote(g.uri)

	sig, err := g.mechanism.Sign(ctx, []byte(sr+"\n"+se))
	if err != nil {
		return nil, &TokenError{Op: "sign", Err: err}
	}

	raw := tokenPrefix + "sr=" + sr + "&sig=" + quote(sig) + "&se=" + se
	if g.KeyName != "" {
		raw += "&skn=" + g.KeyName
	}
	return &Token{
		ResourceURI: g.uri,
		Signature:   sig,
		Expiry:      time.Unix(expiry, 0),
		KeyName:     g.KeyName,
		raw:         raw,
	}, nil
}

// ExternalGenerator obtains serialized tokens from a user supplied function.
type ExternalGenerator struct {
	fn func(ctx context.Context) (string, error)
}

// NewExternalGenerator creates a generator that calls fn for every token.
func NewExternalGenerator(fn func(ctx context.Context) (string, error)) *ExternalGenerator {
	return &ExternalGenerator{fn: fn}
}

// SyncFunc adapts a function that takes no context.
func SyncFunc(fn func() (string, error)) func(ctx context.Context) (string, error) {
	return func(context.Context) (string, error) {
		return fn()
	}
}

// Generate calls the user function and parses its result. Errors and panics
// raised by the function are returned as *TokenError.
func (g *ExternalGenerator) Generate(ctx context.Context) (tok *Token, err error) {
	defer func() {
		if r := recover(); r != nil {
			tok = nil
			err = &TokenError{Op: "generate", Err: fmt.Errorf("generator panicked: %v", r)}
		}
	}()

	s, err := g.fn(ctx)
	if err != nil {
		return nil, &TokenError{Op: "generate", Err: err}
	}
	return Parse(s)
}
