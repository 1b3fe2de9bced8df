package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/pkcs12"
)

// Well-known broker ports.
const (
	// DefaultPort is the MQTT over TLS port.
	DefaultPort = 8883

	// DefaultWebsocketPort is the MQTT over secure websockets port.
	DefaultWebsocketPort = 443
)

// TLSConfig holds the material for an MQTT client TLS connection.
type TLSConfig struct {
	// Certificate is the client certificate for X.509 authentication.
	// Leave empty for SAS token authentication.
	Certificate tls.Certificate

	// RootCAs is the pool of trusted CA certificates.
	// Nil uses the system pool.
	RootCAs *x509.CertPool

	// ServerName overrides the name used for SNI and verification.
	ServerName string

	// InsecureSkipVerify disables certificate verification.
	// Only for testing - never use in production!
	InsecureSkipVerify bool

	// VerifyPeerCertificate is an optional extra verification callback.
	VerifyPeerCertificate func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error
}

// NewClientTLSConfig creates a TLS configuration for connecting to a broker.
func NewClientTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("TLSConfig is required")
	}

	tlsConfig := &tls.Config{
		// Brokers commonly still negotiate 1.2
		MinVersion: tls.VersionTLS12,

		RootCAs:    cfg.RootCAs,
		ServerName: cfg.ServerName,

		VerifyPeerCertificate: cfg.VerifyPeerCertificate,

		// For testing only
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if len(cfg.Certificate.Certificate) > 0 {
		tlsConfig.Certificates = []tls.Certificate{cfg.Certificate}
	}

	return tlsConfig, nil
}

// LoadCertPool reads PEM encoded CA certificates.
func LoadCertPool(pemData []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, errors.New("no certificates found in PEM data")
	}
	return pool, nil
}

// LoadCertPoolFile reads PEM encoded CA certificates from a file.
func LoadCertPoolFile(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	return LoadCertPool(data)
}

// LoadX509KeyPair loads a client certificate from PEM encoded files.
func LoadX509KeyPair(certFile, keyFile string) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load client certificate: %w", err)
	}
	return cert, nil
}

// LoadPKCS12 decodes a client certificate and key from a PKCS#12 bundle.
func LoadPKCS12(data []byte, password string) (tls.Certificate, error) {
	key, cert, err := pkcs12.Decode(data, password)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("decode PKCS#12 bundle: %w", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  key,
		Leaf:        cert,
	}, nil
}

// LoadPKCS12File reads a PKCS#12 bundle from a file.
func LoadPKCS12File(path, password string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read PKCS#12 file: %w", err)
	}
	return LoadPKCS12(data, password)
}
