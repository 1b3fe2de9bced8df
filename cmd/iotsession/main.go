// Command iotsession connects a device to an MQTT broker and keeps the
// session alive: SAS token or X.509 authentication, automatic reconnection
// and an optional interactive console.
//
// Usage:
//
//	iotsession [flags]
//
// Examples:
//
//	# Connect with a shared access key and open the console
//	iotsession -hostname hub.example.net -client-id dev-1 -sas-key <key> -interactive
//
//	# Connect with a client certificate over websockets, through a proxy
//	iotsession -hostname hub.example.net -client-id dev-1 -cert dev.pem -key dev.key \
//	    -transport websockets -proxy-type HTTP -proxy-address proxy.lan -proxy-port 3128
//
//	# Find a local broker via DNS-SD and record protocol events
//	iotsession -discover "*" -client-id dev-1 -sas-key <key> -protocol-log dev.slog
//
//	# Read everything from a config file, overriding the log level
//	iotsession -config device.yaml -log-level debug
//
// Interactive Commands:
//
//	connect              - Connect to the broker
//	disconnect           - Disconnect from the broker
//	sub <topic>          - Subscribe to a topic
//	unsub <topic>        - Unsubscribe from a topic
//	pub <topic> <data>   - Publish data to a topic
//	twin                 - Request the device twin
//	status               - Show session status
//	quit                 - Exit
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mash-protocol/iotsession/pkg/connection"
	"github.com/mash-protocol/iotsession/pkg/discovery"
	protolog "github.com/mash-protocol/iotsession/pkg/log"
	"github.com/mash-protocol/iotsession/pkg/metrics"
	"github.com/mash-protocol/iotsession/pkg/sastoken"
	"github.com/mash-protocol/iotsession/pkg/session"
	"github.com/mash-protocol/iotsession/pkg/signing"
	"github.com/mash-protocol/iotsession/pkg/transport"
)

const (
	connectTimeout  = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

func main() {
	cfg, err := loadConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds everything run builds, so the console can reach it.
type app struct {
	cfg      *Config
	logger   *slog.Logger
	manager  *connection.Manager
	session  *session.Session
	provider *sastoken.Provider
}

func run(cfg *Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out io.Writer = os.Stderr
	var console *Console
	if cfg.Interactive {
		c, err := NewConsole()
		if err != nil {
			return err
		}
		console = c
		out = console.Stdout()
	}

	level, _ := parseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if cfg.Discover != "" {
		if err := discoverBroker(ctx, cfg, logger); err != nil {
			return err
		}
	}

	tlsConfig, err := buildTLS(cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, reg, logger)
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	plog, closeLog, err := protocolLogger(cfg, logger)
	if err != nil {
		return err
	}
	defer closeLog()

	a := &app{cfg: cfg, logger: logger}

	var tokens session.TokenSource
	if cfg.SharedAccessKey != "" {
		a.provider, err = newTokenProvider(ctx, cfg, logger, m)
		if err != nil {
			return err
		}
		tokens = a.provider
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			_ = a.provider.Shutdown(sctx)
		}()
	}

	connCfg := connection.DefaultConfig()
	connCfg.Hostname = cfg.Hostname
	connCfg.Port = cfg.Port
	connCfg.ClientID = cfg.ClientID
	connCfg.Transport = cfg.Transport
	connCfg.WebsocketPath = cfg.WebsocketPath
	connCfg.KeepAlive = cfg.KeepAlive
	connCfg.AutoReconnect = cfg.AutoReconnect
	connCfg.ReconnectInterval = cfg.ReconnectInterval
	connCfg.ReconnectMaxInterval = cfg.ReconnectMaxInterval
	connCfg.TLSConfig = tlsConfig
	connCfg.Proxy = cfg.proxy()
	connCfg.Logger = logger
	connCfg.ProtocolLogger = plog
	connCfg.Metrics = m

	a.manager, err = connection.New(connCfg)
	if err != nil {
		return err
	}
	a.manager.OnStateChange(func(oldState, newState connection.State) {
		logger.Info("connection state changed", "from", oldState, "to", newState)
	})

	a.session, err = session.New(a.manager, session.Config{
		Username: cfg.username(),
		Tokens:   tokens,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	a.session.Start()

	go a.printIncoming(ctx)

	cctx, ccancel := context.WithTimeout(ctx, connectTimeout)
	err = a.session.Connect(cctx)
	ccancel()
	if err != nil {
		if !cfg.Interactive {
			return fmt.Errorf("connect: %w", err)
		}
		logger.Error("initial connect failed", "error", err)
	} else {
		logger.Info("connected", "hostname", cfg.Hostname, "clientID", cfg.ClientID)
	}

	if console != nil {
		go console.Run(ctx, cancel, a)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received signal", "signal", sig)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := a.session.Stop(sctx); err != nil {
		logger.Warn("disconnect failed", "error", err)
	}
	return a.manager.Close(sctx)
}

// printIncoming logs every message that no response filter claims.
func (a *app) printIncoming(ctx context.Context) {
	stream, err := a.manager.IncomingMessages("")
	if err != nil {
		return
	}
	for {
		msg, err := stream.Next(ctx)
		if err != nil {
			return
		}
		a.logger.Info("message received", "topic", msg.Topic, "payload", string(msg.Payload))
	}
}

func discoverBroker(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	bcfg := discovery.DefaultBrowserConfig()
	bcfg.Interface = cfg.DiscoverInterface
	bcfg.Logger = logger
	browser := discovery.NewMDNSBrowser(bcfg)
	defer browser.Stop()

	instance := cfg.Discover
	if instance == "*" {
		instance = ""
	}

	logger.Info("discovering broker", "service", bcfg.ServiceType, "instance", cfg.Discover)
	broker, err := browser.Find(ctx, instance)
	if err != nil {
		return fmt.Errorf("discover broker: %w", err)
	}
	logger.Info("broker discovered", "instance", broker.Instance, "endpoint", broker.Endpoint())

	if cfg.Hostname == "" {
		cfg.Hostname = broker.Hostname()
	}
	if cfg.Port == 0 {
		cfg.Port = int(broker.Port)
	}
	if broker.Transport != "" {
		cfg.Transport = broker.Transport
	}
	if cfg.WebsocketPath == "" {
		cfg.WebsocketPath = broker.WebsocketPath
	}
	return nil
}

func buildTLS(cfg *Config) (*tls.Config, error) {
	tc := &transport.TLSConfig{InsecureSkipVerify: cfg.Insecure}

	if cfg.CAFile != "" {
		pool, err := transport.LoadCertPoolFile(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tc.RootCAs = pool
	}

	switch {
	case cfg.PKCS12File != "":
		cert, err := transport.LoadPKCS12File(cfg.PKCS12File, cfg.PKCS12Password)
		if err != nil {
			return nil, err
		}
		tc.Certificate = cert
	case cfg.CertFile != "":
		cert, err := transport.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		tc.Certificate = cert
	}

	return transport.NewClientTLSConfig(tc)
}

func newTokenProvider(ctx context.Context, cfg *Config, logger *slog.Logger, m *metrics.Metrics) (*sastoken.Provider, error) {
	key, err := signing.NewSymmetricKey(cfg.SharedAccessKey)
	if err != nil {
		return nil, err
	}
	gen := sastoken.NewSigningGenerator(cfg.resourceURI(), key, cfg.TokenTTL)
	gen.KeyName = cfg.SharedAccessKeyName

	opts := []sastoken.Option{sastoken.WithLogger(logger), sastoken.WithMetrics(m)}
	if cfg.RenewalMargin > 0 {
		opts = append(opts, sastoken.WithRenewalMargin(cfg.RenewalMargin))
	}
	return sastoken.NewProvider(ctx, gen, opts...)
}

// protocolLogger returns the protocol event sink and a function closing it.
// Debug logging mirrors events to slog as well.
func protocolLogger(cfg *Config, logger *slog.Logger) (protolog.Logger, func(), error) {
	var sinks []protolog.Logger
	closeFn := func() {}

	if cfg.ProtocolLog != "" {
		fl, err := protolog.NewFileLogger(cfg.ProtocolLog)
		if err != nil {
			return nil, nil, fmt.Errorf("open protocol log: %w", err)
		}
		sinks = append(sinks, fl)
		closeFn = func() { _ = fl.Close() }
	}
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		sinks = append(sinks, protolog.NewSlogAdapter(logger))
	}

	switch len(sinks) {
	case 0:
		return protolog.NoopLogger{}, closeFn, nil
	case 1:
		return sinks[0], closeFn, nil
	default:
		return protolog.NewMultiLogger(sinks...), closeFn, nil
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv
}
