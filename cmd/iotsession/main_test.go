package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	protolog "github.com/mash-protocol/iotsession/pkg/log"
	"github.com/mash-protocol/iotsession/pkg/transport"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("iotsession", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("FlagsOnly", func(t *testing.T) {
		cfg, err := loadConfig(newFlagSet(), []string{
			"-hostname", "hub.example.net", "-client-id", "dev-1", "-sas-key", "c2VjcmV0",
		})
		require.NoError(t, err)

		assert.Equal(t, "hub.example.net", cfg.Hostname)
		assert.Equal(t, transport.TransportTCP, cfg.Transport)
		assert.True(t, cfg.AutoReconnect)
		assert.Equal(t, time.Hour, cfg.TokenTTL)
		assert.Equal(t, "hub.example.net/dev-1/?api-version=2018-06-30", cfg.username())
		assert.Equal(t, "hub.example.net/devices/dev-1", cfg.resourceURI())
		assert.Nil(t, cfg.proxy())
	})

	t.Run("FileWithFlagOverride", func(t *testing.T) {
		path := writeFile(t, "device.yaml", `
hostname: hub.example.net
client_id: dev-1
shared_access_key: c2VjcmV0
log_level: warn
reconnect_interval: 5s
auto_reconnect: false
proxy_type: socks5
proxy_address: proxy.lan
proxy_port: 1080
`)
		cfg, err := loadConfig(newFlagSet(), []string{"-config", path, "-log-level", "debug"})
		require.NoError(t, err)

		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, "dev-1", cfg.ClientID)
		assert.Equal(t, 5*time.Second, cfg.ReconnectInterval)
		assert.False(t, cfg.AutoReconnect)
		require.NotNil(t, cfg.proxy())
		assert.Equal(t, transport.ProxySOCKS5, cfg.proxy().Type)
		assert.Equal(t, 1080, cfg.proxy().Port)
	})

	t.Run("BadFile", func(t *testing.T) {
		path := writeFile(t, "bad.yaml", "hostname: [unterminated")
		_, err := loadConfig(newFlagSet(), []string{"-config", path})
		assert.Error(t, err)

		_, err = loadConfig(newFlagSet(), []string{"-config", filepath.Join(t.TempDir(), "missing.yaml")})
		assert.Error(t, err)
	})

	t.Run("Validation", func(t *testing.T) {
		tests := []struct {
			name string
			args []string
		}{
			{"NoHostname", []string{"-client-id", "dev-1", "-sas-key", "k"}},
			{"NoClientID", []string{"-hostname", "h", "-sas-key", "k"}},
			{"NoCredentials", []string{"-hostname", "h", "-client-id", "dev-1"}},
			{"BothCredentials", []string{"-hostname", "h", "-client-id", "dev-1", "-sas-key", "k", "-pkcs12", "id.p12"}},
			{"CertWithoutKey", []string{"-hostname", "h", "-client-id", "dev-1", "-cert", "dev.pem"}},
			{"SOCKS4Proxy", []string{"-hostname", "h", "-client-id", "dev-1", "-sas-key", "k",
				"-proxy-type", "socks4", "-proxy-address", "p", "-proxy-port", "1080"}},
			{"BadLogLevel", []string{"-hostname", "h", "-client-id", "dev-1", "-sas-key", "k", "-log-level", "loud"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := loadConfig(newFlagSet(), tt.args)
				assert.Error(t, err)
			})
		}
	})

	t.Run("DiscoverWithoutHostname", func(t *testing.T) {
		cfg, err := loadConfig(newFlagSet(), []string{"-discover", "*", "-client-id", "dev-1", "-pkcs12", "id.p12"})
		require.NoError(t, err)
		assert.Empty(t, cfg.Hostname)
	})
}

func TestParseTwinResponse(t *testing.T) {
	t.Run("WithProperties", func(t *testing.T) {
		resp, err := parseTwinResponse(&transport.Message{
			Topic:   "$iothub/twin/res/204/?$rid=abc123&$version=7",
			Payload: []byte("{}"),
		})
		require.NoError(t, err)
		assert.Equal(t, "abc123", resp.RequestID)
		assert.Equal(t, 204, resp.Status)
		assert.Equal(t, []byte("{}"), resp.Body)
		assert.Equal(t, map[string]string{"$version": "7"}, resp.Properties)
	})

	t.Run("Invalid", func(t *testing.T) {
		for _, topic := range []string{
			"devices/dev-1/messages/devicebound",
			"$iothub/twin/res/200",
			"$iothub/twin/res/ok/?$rid=1",
			"$iothub/twin/res/200/?$version=1",
		} {
			_, err := parseTwinResponse(&transport.Message{Topic: topic})
			assert.Error(t, err, topic)
		}
	})

	t.Run("RequestTopic", func(t *testing.T) {
		assert.Equal(t, "$iothub/twin/GET/?$rid=abc123", twinGetTopic("abc123"))
	})
}

func TestProtocolLogger(t *testing.T) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	verbose := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))

	t.Run("Noop", func(t *testing.T) {
		l, closeFn, err := protocolLogger(&Config{}, quiet)
		require.NoError(t, err)
		defer closeFn()
		assert.IsType(t, protolog.NoopLogger{}, l)
	})

	t.Run("FileAndSlog", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "dev.slog")
		l, closeFn, err := protocolLogger(&Config{ProtocolLog: path}, verbose)
		require.NoError(t, err)
		assert.IsType(t, &protolog.MultiLogger{}, l)

		l.Log(protolog.Event{Timestamp: time.Now(), ConnectionID: "c1", Category: protolog.CategoryState,
			StateChange: &protolog.StateChangeEvent{Entity: protolog.StateEntityConnection, NewState: "CONNECTING"}})
		closeFn()

		r, err := protolog.NewReader(path)
		require.NoError(t, err)
		defer r.Close()
		ev, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, "c1", ev.ConnectionID)
	})
}

func TestBuildTLS(t *testing.T) {
	t.Run("SystemRoots", func(t *testing.T) {
		tc, err := buildTLS(&Config{})
		require.NoError(t, err)
		assert.Empty(t, tc.Certificates)
	})

	t.Run("MissingFiles", func(t *testing.T) {
		_, err := buildTLS(&Config{CAFile: filepath.Join(t.TempDir(), "ca.pem")})
		assert.Error(t, err)

		_, err = buildTLS(&Config{CertFile: "missing.pem", KeyFile: "missing.key"})
		assert.Error(t, err)
	})
}

func TestNewTokenProvider(t *testing.T) {
	cfg := &Config{Hostname: "hub.example.net", ClientID: "dev-1", SharedAccessKey: "c2VjcmV0", TokenTTL: time.Hour}
	p, err := newTokenProvider(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	tok := p.Current()
	require.NotNil(t, tok)
	assert.Equal(t, "hub.example.net/devices/dev-1", tok.ResourceURI)
	assert.WithinDuration(t, time.Now().Add(time.Hour), tok.Expiry, 5*time.Second)
}
