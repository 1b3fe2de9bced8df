package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mash-protocol/iotsession/pkg/connection"
	"github.com/mash-protocol/iotsession/pkg/transport"
)

// apiVersion is appended to the MQTT username.
const apiVersion = "2018-06-30"

// Config holds the command configuration. Every field can be set in the
// YAML config file; flags given on the command line win over the file.
type Config struct {
	ConfigFile string `yaml:"-"`

	// Broker
	Hostname      string `yaml:"hostname"`
	Port          int    `yaml:"port"`
	Transport     string `yaml:"transport"`
	WebsocketPath string `yaml:"websocket_path"`
	ClientID      string `yaml:"client_id"`
	Username      string `yaml:"username"`

	// SAS token authentication
	SharedAccessKey     string        `yaml:"shared_access_key"`
	SharedAccessKeyName string        `yaml:"shared_access_key_name"`
	TokenTTL            time.Duration `yaml:"token_ttl"`
	RenewalMargin       time.Duration `yaml:"renewal_margin"`

	// X.509 authentication and server verification
	CertFile       string `yaml:"cert_file"`
	KeyFile        string `yaml:"key_file"`
	PKCS12File     string `yaml:"pkcs12_file"`
	PKCS12Password string `yaml:"pkcs12_password"`
	CAFile         string `yaml:"ca_file"`
	Insecure       bool   `yaml:"insecure"`

	// Connection behaviour
	KeepAlive            time.Duration `yaml:"keep_alive"`
	AutoReconnect        bool          `yaml:"auto_reconnect"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	ReconnectMaxInterval time.Duration `yaml:"reconnect_max_interval"`

	// Proxy
	ProxyType     string `yaml:"proxy_type"`
	ProxyAddress  string `yaml:"proxy_address"`
	ProxyPort     int    `yaml:"proxy_port"`
	ProxyUsername string `yaml:"proxy_username"`
	ProxyPassword string `yaml:"proxy_password"`

	// Broker discovery via DNS-SD
	Discover          string `yaml:"discover"`
	DiscoverInterface string `yaml:"discover_interface"`

	// Observability
	LogLevel    string `yaml:"log_level"`
	ProtocolLog string `yaml:"protocol_log"`
	MetricsAddr string `yaml:"metrics_addr"`

	Interactive bool `yaml:"interactive"`
}

func defaultConfig() *Config {
	return &Config{
		Transport:         transport.TransportTCP,
		TokenTTL:          time.Hour,
		KeepAlive:         connection.DefaultKeepAlive,
		AutoReconnect:     true,
		ReconnectInterval: connection.DefaultReconnectInterval,
		LogLevel:          "info",
	}
}

func registerFlags(fs *flag.FlagSet, c *Config) {
	fs.StringVar(&c.ConfigFile, "config", "", "YAML configuration file")

	fs.StringVar(&c.Hostname, "hostname", c.Hostname, "Broker hostname")
	fs.IntVar(&c.Port, "port", c.Port, "Broker port (default 8883, 443 for websockets)")
	fs.StringVar(&c.Transport, "transport", c.Transport, "Transport: tcp, websockets")
	fs.StringVar(&c.WebsocketPath, "ws-path", c.WebsocketPath, "Websocket path (default /$iothub/websocket)")
	fs.StringVar(&c.ClientID, "client-id", c.ClientID, "MQTT client ID (device ID)")
	fs.StringVar(&c.Username, "username", c.Username, "MQTT username (default <hostname>/<client-id>/?api-version="+apiVersion+")")

	fs.StringVar(&c.SharedAccessKey, "sas-key", c.SharedAccessKey, "Base64 shared access key for SAS token authentication")
	fs.StringVar(&c.SharedAccessKeyName, "sas-key-name", c.SharedAccessKeyName, "Shared access key name (skn)")
	fs.DurationVar(&c.TokenTTL, "token-ttl", c.TokenTTL, "SAS token lifetime")
	fs.DurationVar(&c.RenewalMargin, "renewal-margin", c.RenewalMargin, "Renew SAS tokens this long before expiry (0 uses the provider default)")

	fs.StringVar(&c.CertFile, "cert", c.CertFile, "Client certificate PEM file")
	fs.StringVar(&c.KeyFile, "key", c.KeyFile, "Client private key PEM file")
	fs.StringVar(&c.PKCS12File, "pkcs12", c.PKCS12File, "Client identity PKCS#12 file")
	fs.StringVar(&c.PKCS12Password, "pkcs12-password", c.PKCS12Password, "PKCS#12 password")
	fs.StringVar(&c.CAFile, "ca", c.CAFile, "Trusted CA PEM file (default system pool)")
	fs.BoolVar(&c.Insecure, "insecure", c.Insecure, "Skip server certificate verification (testing only)")

	fs.DurationVar(&c.KeepAlive, "keepalive", c.KeepAlive, "MQTT keep-alive interval")
	fs.BoolVar(&c.AutoReconnect, "auto-reconnect", c.AutoReconnect, "Reconnect automatically after a connection loss")
	fs.DurationVar(&c.ReconnectInterval, "reconnect-interval", c.ReconnectInterval, "Delay between reconnect attempts")
	fs.DurationVar(&c.ReconnectMaxInterval, "reconnect-max-interval", c.ReconnectMaxInterval, "Upper bound for exponential reconnect backoff (0 keeps the delay fixed)")

	fs.StringVar(&c.ProxyType, "proxy-type", c.ProxyType, "Proxy type: HTTP, SOCKS5")
	fs.StringVar(&c.ProxyAddress, "proxy-address", c.ProxyAddress, "Proxy address")
	fs.IntVar(&c.ProxyPort, "proxy-port", c.ProxyPort, "Proxy port")
	fs.StringVar(&c.ProxyUsername, "proxy-username", c.ProxyUsername, "Proxy username")
	fs.StringVar(&c.ProxyPassword, "proxy-password", c.ProxyPassword, "Proxy password")

	fs.StringVar(&c.Discover, "discover", c.Discover, "Find the broker via DNS-SD by instance name (\"*\" for the first one found)")
	fs.StringVar(&c.DiscoverInterface, "discover-interface", c.DiscoverInterface, "Network interface for discovery")

	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&c.ProtocolLog, "protocol-log", c.ProtocolLog, "Write protocol events to this file (view with session-log)")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Serve Prometheus metrics on this address (e.g. :9100)")

	fs.BoolVar(&c.Interactive, "interactive", c.Interactive, "Enable interactive command mode")
}

// loadConfig parses args, merges the config file if one is named and
// parses args again so explicit flags override file values.
func loadConfig(fs *flag.FlagSet, args []string) (*Config, error) {
	c := defaultConfig()
	registerFlags(fs, c)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if c.ConfigFile != "" {
		data, err := os.ReadFile(c.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", c.ConfigFile, err)
		}
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.Hostname == "" && c.Discover == "" {
		return errors.New("hostname is required (or use -discover)")
	}
	if c.ClientID == "" {
		return errors.New("client-id is required")
	}

	sas := c.SharedAccessKey != ""
	x509 := c.CertFile != "" || c.KeyFile != "" || c.PKCS12File != ""
	switch {
	case sas && x509:
		return errors.New("use either a shared access key or a client certificate, not both")
	case !sas && !x509:
		return errors.New("a shared access key or a client certificate is required")
	case c.PKCS12File == "" && x509 && (c.CertFile == "" || c.KeyFile == ""):
		return errors.New("cert and key must be given together")
	}

	if c.ProxyType != "" {
		if err := c.proxy().Validate(); err != nil {
			return err
		}
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// username returns the MQTT username, deriving the default from hostname
// and client ID.
func (c *Config) username() string {
	if c.Username != "" {
		return c.Username
	}
	return c.Hostname + "/" + c.ClientID + "/?api-version=" + apiVersion
}

// resourceURI is the audience of the SAS tokens.
func (c *Config) resourceURI() string {
	return c.Hostname + "/devices/" + c.ClientID
}

func (c *Config) proxy() *transport.ProxyOptions {
	if c.ProxyType == "" {
		return nil
	}
	return &transport.ProxyOptions{
		Type:     transport.ProxyType(strings.ToUpper(c.ProxyType)),
		Address:  c.ProxyAddress,
		Port:     c.ProxyPort,
		Username: c.ProxyUsername,
		Password: c.ProxyPassword,
	}
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level: %s (use: debug, info, warn, error)", s)
	}
}
