package discovery

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"time"
)

// Service types.
const (
	ServiceTypeSecureMQTT = "_secure-mqtt._tcp"
	ServiceTypeMQTT       = "_mqtt._tcp"

	Domain = "local."
)

// Defaults.
const (
	BrowseTimeout = 10 * time.Second

	DefaultSecurePort = 8883
	DefaultPort       = 1883
)

// TXT record keys.
const (
	TXTKeyTransport  = "transport"
	TXTKeyPath       = "path"
	TXTKeyServerName = "hub"
)

// Errors.
var (
	ErrNotFound         = errors.New("broker not found")
	ErrInvalidTransport = errors.New("invalid transport in TXT record")
)

// Broker is a discovered MQTT broker.
type Broker struct {
	Instance  string
	Service   string
	Host      string
	Port      uint16
	Addresses []string

	// Hints from the TXT record.
	Transport     string
	WebsocketPath string
	ServerName    string
}

// Secure reports whether the broker was advertised as MQTT over TLS.
func (b *Broker) Secure() bool {
	return b.Service == ServiceTypeSecureMQTT
}

// Hostname returns the name to dial: the TXT server name if present, else
// the advertised host without its trailing dot, else the first address.
func (b *Broker) Hostname() string {
	if b.ServerName != "" {
		return b.ServerName
	}
	if h := strings.TrimSuffix(b.Host, "."); h != "" {
		return h
	}
	if len(b.Addresses) > 0 {
		return b.Addresses[0]
	}
	return ""
}

// Endpoint returns host:port for display.
func (b *Broker) Endpoint() string {
	return net.JoinHostPort(b.Hostname(), strconv.Itoa(int(b.Port)))
}
