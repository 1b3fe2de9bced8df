package sastoken

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mash-protocol/iotsession/pkg/metrics"
)

// Provider defaults.
const (
	// DefaultRenewalMargin is how long before expiry a token is renewed.
	DefaultRenewalMargin = 120 * time.Second

	// DefaultRetryInterval is the delay after a failed renewal.
	DefaultRetryInterval = 10 * time.Second

	// pollInterval bounds each sleep of the renewal wait.
	pollInterval = time.Second
)

// Option configures a Provider.
type Option func(*Provider)

// WithRenewalMargin sets how long before expiry the token is renewed.
func WithRenewalMargin(d time.Duration) Option {
	return func(p *Provider) {
		if d >= 0 {
			p.margin = d
		}
	}
}

// WithRetryInterval sets the delay between failed renewal attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.retry = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics sets the metrics handle.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Provider) {
		p.metrics = m
	}
}

// Provider holds the current token and renews it in the background.
type Provider struct {
	gen     Generator
	margin  time.Duration
	retry   time.Duration
	poll    time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
	timeNow func() time.Time

	current atomic.Pointer[Token]

	// newCh is closed and replaced whenever a new token is stored.
	mu    sync.Mutex
	newCh chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewProvider generates the initial token and starts the renewal loop.
// ctx only bounds the initial generation.
func NewProvider(ctx context.Context, gen Generator, opts ...Option) (*Provider, error) {
	p := &Provider{
		gen:     gen,
		margin:  DefaultRenewalMargin,
		retry:   DefaultRetryInterval,
		poll:    pollInterval,
		logger:  slog.Default(),
		timeNow: time.Now,
		newCh:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	tok, err := gen.Generate(ctx)
	if err != nil {
		return nil, err
	}
	if tok.Expired(p.timeNow()) {
		return nil, &TokenError{Op: "validate", Err: ErrTokenExpired}
	}
	p.current.Store(tok)
	p.metrics.SetTokenExpiry(tok.Expiry)

	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.renewLoop(loopCtx)

	return p, nil
}

// Current returns the current token.
func (p *Provider) Current() *Token {
	return p.current.Load()
}

// WaitForNew blocks until the next token is stored and returns it.
func (p *Provider) WaitForNew(ctx context.Context) (*Token, error) {
	p.mu.Lock()
	ch := p.newCh
	p.mu.Unlock()

	select {
	case <-ch:
		return p.current.Load(), nil
	case <-p.done:
		return nil, ErrProviderStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown stops the renewal loop and waits for it to exit.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.cancel()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider) renewLoop(ctx context.Context) {
	defer close(p.done)

	for {
		renewAt := p.current.Load().Expiry.Add(-p.margin)
		p.logger.Debug("sastoken: renewal scheduled", "at", renewAt)
		if !p.waitUntil(ctx, renewAt) {
			return
		}

		tok, ok := p.renew(ctx)
		if !ok {
			return
		}

		// A generator whose tokens already fall inside the margin would
		// otherwise be called in a tight loop.
		if !tok.Expiry.Add(-p.margin).After(p.timeNow()) {
			p.logger.Warn("sastoken: renewed token expires within the renewal margin",
				"expiry", tok.Expiry, "margin", p.margin)
			if !p.waitUntil(ctx, p.timeNow().Add(p.retry)) {
				return
			}
		}
	}
}

// renew regenerates the token until it succeeds or ctx is done.
func (p *Provider) renew(ctx context.Context) (*Token, bool) {
	for {
		tok, err := p.gen.Generate(ctx)
		if err == nil {
			p.store(tok)
			p.metrics.TokenRenewed(true, tok.Expiry)
			p.logger.Debug("sastoken: token renewed", "expiry", tok.Expiry)
			return tok, true
		}
		if ctx.Err() != nil {
			return nil, false
		}

		p.metrics.TokenRenewed(false, time.Time{})
		p.logger.Error("sastoken: token renewal failed", "error", err, "retry", p.retry)
		if !p.waitUntil(ctx, p.timeNow().Add(p.retry)) {
			return nil, false
		}
	}
}

func (p *Provider) store(tok *Token) {
	p.current.Store(tok)

	p.mu.Lock()
	close(p.newCh)
	p.newCh = make(chan struct{})
	p.mu.Unlock()
}

// waitUntil sleeps until t in steps of at most p.poll. It returns false if
// ctx is done first.
func (p *Provider) waitUntil(ctx context.Context, t time.Time) bool {
	for {
		d := t.Sub(p.timeNow())
		if d <= 0 {
			return true
		}
		if d > p.poll {
			d = p.poll
		}

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}
