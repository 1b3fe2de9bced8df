package sastoken

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const tokenPrefix = "SharedAccessSignature "

// Token errors.
var (
	ErrMalformedToken  = errors.New("not a SAS token")
	ErrMissingField    = errors.New("required field missing")
	ErrUnexpectedField = errors.New("unexpected field")
	ErrTokenExpired    = errors.New("token expired")
	ErrProviderStopped = errors.New("token provider stopped")
)

// TokenError reports a failure to build, parse or validate a token.
type TokenError struct {
	Op  string
	Err error
}

func (e *TokenError) Error() string {
	return "sastoken: " + e.Op + ": " + e.Err.Error()
}

func (e *TokenError) Unwrap() error {
	return e.Err
}

// Token is an immutable SAS token.
type Token struct {
	// ResourceURI is the decoded sr field.
	ResourceURI string

	// Signature is the decoded sig field.
	Signature string

	// Expiry is the se field.
	Expiry time.Time

	// KeyName is the optional skn field.
	KeyName string

	raw string
}

// String returns the serialized token, suitable as an MQTT password.
func (t *Token) String() string {
	return t.raw
}

// Expired reports whether the token is expired at now.
func (t *Token) Expired(now time.Time) bool {
	return !now.Before(t.Expiry)
}

var requiredFields = []string{"sr", "sig", "se"}

// Parse parses a serialized SAS token.
func Parse(s string) (*Token, error) {
	pieces := strings.Split(s, tokenPrefix)
	if len(pieces) != 2 || pieces[0] != "" {
		return nil, &TokenError{Op: "parse", Err: ErrMalformedToken}
	}

	fields := make(map[string]string)
	for _, part := range strings.Split(pieces[1], "&") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, &TokenError{Op: "parse", Err: fmt.Errorf("%w: field %q has no value", ErrMalformedToken, part)}
		}
		fields[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	for _, k := range requiredFields {
		if _, ok := fields[k]; !ok {
			return nil, &TokenError{Op: "parse", Err: fmt.Errorf("%w: %s", ErrMissingField, k)}
		}
	}
	for k := range fields {
		switch k {
		case "sr", "sig", "se", "skn":
		default:
			return nil, &TokenError{Op: "parse", Err: fmt.Errorf("%w: %s", ErrUnexpectedField, k)}
		}
	}

	uri, err := url.PathUnescape(fields["sr"])
	if err != nil {
		return nil, &TokenError{Op: "parse", Err: fmt.Errorf("sr: %w", err)}
	}
	sig, err := url.PathUnescape(fields["sig"])
	if err != nil {
		return nil, &TokenError{Op: "parse", Err: fmt.Errorf("sig: %w", err)}
	}
	se, err := strconv.ParseInt(fields["se"], 10, 64)
	if err != nil {
		return nil, &TokenError{Op: "parse", Err: fmt.Errorf("se: %w", err)}
	}

	return &Token{
		ResourceURI: uri,
		Signature:   sig,
		Expiry:      time.Unix(se, 0),
		KeyName:     fields["skn"],
		raw:         s,
	}, nil
}

// quote percent-encodes every byte outside the unreserved set, spaces included.
func quote(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
