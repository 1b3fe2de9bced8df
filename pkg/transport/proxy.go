package transport

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// ProxyType selects the proxy protocol.
type ProxyType string

// Supported proxy types.
const (
	ProxyHTTP   ProxyType = "HTTP"
	ProxySOCKS4 ProxyType = "SOCKS4"
	ProxySOCKS5 ProxyType = "SOCKS5"
)

// ErrUnsupportedProxy is returned for proxy types that cannot be dialed.
var ErrUnsupportedProxy = errors.New("unsupported proxy type")

// ProxyOptions describes the proxy the broker connection is tunnelled
// through.
type ProxyOptions struct {
	Type     ProxyType
	Address  string
	Port     int
	Username string
	Password string
}

// Validate checks the options.
func (p *ProxyOptions) Validate() error {
	switch ProxyType(strings.ToUpper(string(p.Type))) {
	case ProxyHTTP, ProxySOCKS5:
	case ProxySOCKS4:
		return fmt.Errorf("%w: %s", ErrUnsupportedProxy, p.Type)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedProxy, p.Type)
	}
	if p.Address == "" {
		return errors.New("proxy address is required")
	}
	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("invalid proxy port %d", p.Port)
	}
	return nil
}

func (p *ProxyOptions) hostPort() string {
	return net.JoinHostPort(p.Address, strconv.Itoa(p.Port))
}

// URL returns the proxy as a URL, as used by websocket dialers.
func (p *ProxyOptions) URL() *url.URL {
	scheme := "http"
	if ProxyType(strings.ToUpper(string(p.Type))) == ProxySOCKS5 {
		scheme = "socks5"
	}
	u := &url.URL{Scheme: scheme, Host: p.hostPort()}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// DialContext opens a tunnelled connection to addr through the proxy.
func (p *ProxyOptions) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	if ProxyType(strings.ToUpper(string(p.Type))) == ProxySOCKS5 {
		var auth *proxy.Auth
		if p.Username != "" {
			auth = &proxy.Auth{User: p.Username, Password: p.Password}
		}
		d, err := proxy.SOCKS5("tcp", p.hostPort(), auth, &net.Dialer{})
		if err != nil {
			return nil, fmt.Errorf("socks5 proxy: %w", err)
		}
		if cd, ok := d.(proxy.ContextDialer); ok {
			return cd.DialContext(ctx, network, addr)
		}
		return d.Dial(network, addr)
	}

	return p.dialConnect(ctx, addr)
}

// dialConnect establishes an HTTP CONNECT tunnel.
func (p *ProxyOptions) dialConnect(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.hostPort())
	if err != nil {
		return nil, fmt.Errorf("http proxy: %w", err)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if p.Username != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(p.Username + ":" + p.Password))
		req.Header.Set("Proxy-Authorization", "Basic "+creds)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("http proxy: write CONNECT: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("http proxy: read CONNECT response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("http proxy: CONNECT %s: %s", addr, resp.Status)
	}

	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}
