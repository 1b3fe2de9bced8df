package sastoken

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mash-protocol/iotsession/pkg/signing"
)

func TestParse(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		s := "SharedAccessSignature sr=hub.example.net%2Fdevices%2Fdev1&sig=abc%2Bdef%3D&se=1700003600"
		tok, err := Parse(s)
		require.NoError(t, err)
		assert.Equal(t, "hub.example.net/devices/dev1", tok.ResourceURI)
		assert.Equal(t, "abc+def=", tok.Signature)
		assert.Equal(t, int64(1700003600), tok.Expiry.Unix())
		assert.Equal(t, s, tok.String())
		assert.Empty(t, tok.KeyName)
	})

	t.Run("KeyName", func(t *testing.T) {
		tok, err := Parse("SharedAccessSignature sr=a&sig=b&se=10&skn=iothubowner")
		require.NoError(t, err)
		assert.Equal(t, "iothubowner", tok.KeyName)
	})

	t.Run("FieldOrderIrrelevant", func(t *testing.T) {
		tok, err := Parse("SharedAccessSignature se=10&sig=b&sr=a")
		require.NoError(t, err)
		assert.Equal(t, "a", tok.ResourceURI)
	})

	cases := []struct {
		name string
		in   string
		want error
	}{
		{"NoPrefix", "sr=a&sig=b&se=10", ErrMalformedToken},
		{"LeadingGarbage", "xSharedAccessSignature sr=a&sig=b&se=10", ErrMalformedToken},
		{"FieldWithoutValue", "SharedAccessSignature sr=a&sig&se=10", ErrMalformedToken},
		{"MissingSr", "SharedAccessSignature sig=b&se=10", ErrMissingField},
		{"MissingSig", "SharedAccessSignature sr=a&se=10", ErrMissingField},
		{"MissingSe", "SharedAccessSignature sr=a&sig=b", ErrMissingField},
		{"UnexpectedField", "SharedAccessSignature sr=a&sig=b&se=10&foo=bar", ErrUnexpectedField},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.in)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)

			var tokErr *TokenError
			require.True(t, errors.As(err, &tokErr))
			assert.Equal(t, "parse", tokErr.Op)
		})
	}

	t.Run("NonNumericExpiry", func(t *testing.T) {
		_, err := Parse("SharedAccessSignature sr=a&sig=b&se=soon")
		var tokErr *TokenError
		assert.True(t, errors.As(err, &tokErr))
	})
}

func TestTokenExpired(t *testing.T) {
	tok := &Token{Expiry: time.Unix(100, 0)}
	assert.False(t, tok.Expired(time.Unix(99, 0)))
	assert.True(t, tok.Expired(time.Unix(100, 0)))
	assert.True(t, tok.Expired(time.Unix(101, 0)))
}

func TestSigningGenerator(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte("device-key"))
	mech, err := signing.NewSymmetricKey(key)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)

	t.Run("BuildsSignedToken", func(t *testing.T) {
		gen := NewSigningGenerator("hub.example.net/devices/dev 1", mech, time.Hour)
		gen.timeNow = func() time.Time { return now }

		tok, err := gen.Generate(context.Background())
		require.NoError(t, err)

		wantSig, err := mech.Sign(context.Background(), []byte("hub.example.net%2Fdevices%2Fdev%201\n1700003600"))
		require.NoError(t, err)

		assert.Equal(t, "hub.example.net/devices/dev 1", tok.ResourceURI)
		assert.Equal(t, wantSig, tok.Signature)
		assert.Equal(t, int64(1700003600), tok.Expiry.Unix())
		assert.Equal(t,
			"SharedAccessSignature sr=hub.example.net%2Fdevices%2Fdev%201&sig="+quote(wantSig)+"&se=1700003600",
			tok.String())

		// The serialized form parses back to the same fields.
		parsed, err := Parse(tok.String())
		require.NoError(t, err)
		assert.Equal(t, tok.ResourceURI, parsed.ResourceURI)
		assert.Equal(t, tok.Signature, parsed.Signature)
	})

	t.Run("KeyName", func(t *testing.T) {
		gen := NewSigningGenerator("hub.example.net", mech, time.Hour)
		gen.KeyName = "registryRead"
		tok, err := gen.Generate(context.Background())
		require.NoError(t, err)
		assert.Contains(t, tok.String(), "&skn=registryRead")
		assert.Equal(t, "registryRead", tok.KeyName)
	})

	t.Run("DefaultTTL", func(t *testing.T) {
		gen := NewSigningGenerator("hub.example.net", mech, 0)
		gen.timeNow = func() time.Time { return now }
		tok, err := gen.Generate(context.Background())
		require.NoError(t, err)
		assert.Equal(t, now.Add(DefaultTTL).Unix(), tok.Expiry.Unix())
	})

	t.Run("SigningFailure", func(t *testing.T) {
		boom := errors.New("hsm offline")
		gen := NewSigningGenerator("hub.example.net", signing.Func(func(context.Context, []byte) (string, error) {
			return "", boom
		}), time.Hour)

		_, err := gen.Generate(context.Background())
		var tokErr *TokenError
		require.True(t, errors.As(err, &tokErr))
		assert.Equal(t, "sign", tokErr.Op)
		assert.ErrorIs(t, err, boom)
	})
}

func TestExternalGenerator(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		gen := NewExternalGenerator(SyncFunc(func() (string, error) {
			return "SharedAccessSignature sr=a&sig=b&se=1700003600", nil
		}))
		tok, err := gen.Generate(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "a", tok.ResourceURI)
	})

	t.Run("FunctionError", func(t *testing.T) {
		boom := errors.New("vault unavailable")
		gen := NewExternalGenerator(func(context.Context) (string, error) { return "", boom })
		_, err := gen.Generate(context.Background())
		var tokErr *TokenError
		require.True(t, errors.As(err, &tokErr))
		assert.Equal(t, "generate", tokErr.Op)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("Panic", func(t *testing.T) {
		gen := NewExternalGenerator(func(context.Context) (string, error) { panic("bad state") })
		tok, err := gen.Generate(context.Background())
		assert.Nil(t, tok)
		var tokErr *TokenError
		require.True(t, errors.As(err, &tokErr))
		assert.Contains(t, err.Error(), "bad state")
	})

	t.Run("InvalidToken", func(t *testing.T) {
		gen := NewExternalGenerator(SyncFunc(func() (string, error) { return "garbage", nil }))
		_, err := gen.Generate(context.Background())
		assert.ErrorIs(t, err, ErrMalformedToken)
	})
}
