package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mash-protocol/iotsession/pkg/connection"
	"github.com/mash-protocol/iotsession/pkg/request"
	"github.com/mash-protocol/iotsession/pkg/sastoken"
	"github.com/mash-protocol/iotsession/pkg/transport"
)

// ErrNotStarted is returned by operations that need Start first.
var ErrNotStarted = errors.New("session: not started")

// StatusError is returned by Exchange when the response carries a failure
// status (400 and above).
type StatusError struct {
	RequestID string
	Status    int
	Body      []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("session: request %s failed with status %d", e.RequestID, e.Status)
}

// TokenSource supplies the SAS token used as MQTT password.
// *sastoken.Provider implements it.
type TokenSource interface {
	Current() *sastoken.Token
	WaitForNew(ctx context.Context) (*sastoken.Token, error)
}

// MessageSource yields incoming messages. *connection.MessageStream
// implements it.
type MessageSource interface {
	Next(ctx context.Context) (*transport.Message, error)
}

// ParseFunc turns an incoming message into a correlated response.
type ParseFunc func(msg *transport.Message) (*request.Response, error)

// conn is the part of *connection.Manager the session drives.
type conn interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Subscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic string, payload []byte) error
	SetCredentials(username, password string)
	AddIncomingMessageFilter(topic string) error
	messages(topic string) (MessageSource, error)
}

// managerConn adapts *connection.Manager to conn.
type managerConn struct {
	*connection.Manager
}

func (c managerConn) messages(topic string) (MessageSource, error) {
	return c.IncomingMessages(topic)
}

// Config configures a Session.
type Config struct {
	// Username sent on CONNECT.
	Username string

	// Tokens supplies the password. Nil for certificate authentication.
	Tokens TokenSource

	// Ledger correlates responses. A new one is created if nil.
	Ledger *request.Ledger

	Logger *slog.Logger
}

// Session ties a connection manager to its credentials and to the request
// ledger. Start it before connecting.
type Session struct {
	conn     conn
	tokens   TokenSource
	username string
	ledger   *request.Ledger
	logger   *slog.Logger

	mu        sync.Mutex
	started   bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	responses map[string]bool
	pumps     map[string]bool
}

// New creates a Session around m.
func New(m *connection.Manager, cfg Config) (*Session, error) {
	if m == nil {
		return nil, errors.New("session: connection manager is required")
	}
	return newSession(managerConn{m}, cfg), nil
}

func newSession(c conn, cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Ledger == nil {
		cfg.Ledger = request.NewLedger(request.WithLogger(cfg.Logger))
	}
	return &Session{
		conn:      c,
		tokens:    cfg.Tokens,
		username:  cfg.Username,
		ledger:    cfg.Ledger,
		logger:    cfg.Logger,
		responses: make(map[string]bool),
		pumps:     make(map[string]bool),
	}
}

// Ledger returns the request ledger.
func (s *Session) Ledger() *request.Ledger {
	return s.ledger
}

// Start applies the current credentials and starts keeping them fresh.
// Calling Start again does nothing.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}

	password := ""
	if s.tokens != nil {
		s.logger.Debug("session: using SAS token as password")
		password = s.tokens.Current().String()
	}
	s.conn.SetCredentials(s.username, password)

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.started = true
	if s.tokens != nil {
		s.wg.Add(1)
		go s.keepCredentialsFresh(s.ctx)
	}
}

// Stop ends background work and disconnects.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.cancel()
	s.responses = make(map[string]bool)
	s.pumps = make(map[string]bool)
	s.mu.Unlock()

	s.wg.Wait()
	return s.conn.Disconnect(ctx)
}

// Connect starts the session if needed and connects.
func (s *Session) Connect(ctx context.Context) error {
	s.Start()
	return s.conn.Connect(ctx)
}

// Disconnect disconnects without stopping the session.
func (s *Session) Disconnect(ctx context.Context) error {
	return s.conn.Disconnect(ctx)
}

// Publish sends payload to topic.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte) error {
	return s.conn.Publish(ctx, topic, payload)
}

func (s *Session) keepCredentialsFresh(ctx context.Context) {
	defer s.wg.Done()
	s.logger.Debug("session: keeping credentials fresh")
	for {
		tok, err := s.tokens.WaitForNew(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, sastoken.ErrProviderStopped) {
				s.logger.Warn("session: token provider stopped, credentials will no longer be refreshed")
				return
			}
			s.logger.Error("session: waiting for new SAS token failed", "error", err)
			continue
		}
		s.logger.Debug("session: new SAS token available, updating credentials", "expiry", tok.Expiry)
		s.conn.SetCredentials(s.username, tok.String())
	}
}

// EnableResponses routes messages matching filter through parse into the
// ledger and subscribes to filter. It only subscribes once per filter and
// Start; a failed subscribe can be retried. After Stop and Start it must be
// called again.
func (s *Session) EnableResponses(ctx context.Context, filter string, parse ParseFunc) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	if s.responses[filter] {
		s.mu.Unlock()
		return nil
	}
	loopCtx := s.ctx
	pumping := s.pumps[filter]
	s.mu.Unlock()

	if !pumping {
		// The filter outlives Stop, so it may exist from an earlier Start.
		err := s.conn.AddIncomingMessageFilter(filter)
		if err != nil && !errors.Is(err, connection.ErrFilterExists) {
			return err
		}
		if err := s.startPump(loopCtx, filter, parse); err != nil {
			return err
		}
	}

	if err := s.conn.Subscribe(ctx, filter); err != nil {
		return fmt.Errorf("session: enable responses on %s: %w", filter, err)
	}

	s.mu.Lock()
	s.responses[filter] = true
	s.mu.Unlock()
	return nil
}

// startPump starts the goroutine feeding filter's stream into the ledger,
// unless one already runs for the Start that created loopCtx.
func (s *Session) startPump(loopCtx context.Context, filter string, parse ParseFunc) error {
	src, err := s.conn.messages(filter)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.ctx != loopCtx {
		return ErrNotStarted
	}
	if s.pumps[filter] {
		return nil
	}
	s.pumps[filter] = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.ServeResponses(loopCtx, src, parse); err != nil && loopCtx.Err() == nil {
			s.logger.Debug("session: response pump stopped", "filter", filter, "error", err)
		}
	}()
	return nil
}

// ServeResponses feeds messages from src through parse into the ledger
// until ctx ends or src fails. Messages that cannot be parsed are logged and
// dropped.
func (s *Session) ServeResponses(ctx context.Context, src MessageSource, parse ParseFunc) error {
	for {
		msg, err := src.Next(ctx)
		if err != nil {
			return err
		}
		resp, err := parse(msg)
		if err != nil {
			s.logger.Error("session: dropping response that could not be parsed", "topic", msg.Topic, "error", err)
			continue
		}
		s.logger.Debug("session: response received", "requestID", resp.RequestID, "status", resp.Status)
		s.ledger.Match(resp)
	}
}

// Exchange publishes payload to the topic built from a fresh request id and
// waits for the correlated response. The pending entry is always removed
// before Exchange returns.
func (s *Session) Exchange(ctx context.Context, topic func(requestID string) string, payload []byte) (*request.Response, error) {
	req, err := s.ledger.Create()
	if err != nil {
		return nil, err
	}
	defer s.ledger.Abandon(req.ID)

	s.logger.Debug("session: sending request", "requestID", req.ID)
	if err := s.conn.Publish(ctx, topic(req.ID), payload); err != nil {
		if ctx.Err() != nil {
			s.logger.Warn("session: request cancelled while in flight, it may still be received", "requestID", req.ID)
		}
		return nil, err
	}

	resp, err := req.Response(ctx)
	if err != nil {
		s.logger.Debug("session: wait for response cancelled, a late response will be discarded", "requestID", req.ID)
		return nil, err
	}
	if resp.Status >= 400 {
		return resp, &StatusError{RequestID: req.ID, Status: resp.Status, Body: resp.Body}
	}
	return resp, nil
}
