package request

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/mash-protocol/iotsession/pkg/metrics"
)

// Ledger errors.
var (
	ErrUnknownRequest   = errors.New("unknown request id")
	ErrDuplicateRequest = errors.New("request id already pending")
)

// Response is a reply correlated to a request by RequestID.
type Response struct {
	RequestID  string
	Status     int
	Body       []byte
	Properties map[string]string
}

// Request is a pending request awaiting its Response.
type Request struct {
	ID string

	done chan struct{}
	resp *Response
}

func newRequest(id string) *Request {
	return &Request{ID: id, done: make(chan struct{})}
}

// Response blocks until the request is matched or ctx is done.
func (r *Request) Response(ctx context.Context) (*Response, error) {
	select {
	case <-r.done:
		return r.resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Ledger) {
		if l != nil {
			lg.logger = l
		}
	}
}

// WithMetrics sets the metrics handle.
func WithMetrics(m *metrics.Metrics) Option {
	return func(lg *Ledger) {
		lg.metrics = m
	}
}

// Ledger tracks pending requests by id.
type Ledger struct {
	mu      sync.Mutex
	pending map[string]*Request

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewLedger creates an empty ledger.
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		pending: make(map[string]*Request),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create registers a request with a fresh random id.
func (l *Ledger) Create() (*Request, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("generate request id: %w", err)
	}
	return l.CreateWithID(id.String())
}

// CreateWithID registers a request with the given id.
func (l *Ledger) CreateWithID(id string) (*Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.pending[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, id)
	}
	req := newRequest(id)
	l.pending[id] = req
	l.metrics.SetLedgerPending(len(l.pending))
	return req, nil
}

// Match completes and removes the request resp belongs to. A nil response or
// one for an unknown id is logged and discarded; Match then returns false.
func (l *Ledger) Match(resp *Response) bool {
	if resp == nil {
		l.logger.Warn("request: nil response discarded")
		l.metrics.ResponseUnmatched()
		return false
	}

	l.mu.Lock()
	req, ok := l.pending[resp.RequestID]
	if ok {
		delete(l.pending, resp.RequestID)
		l.metrics.SetLedgerPending(len(l.pending))
	}
	l.mu.Unlock()

	if !ok {
		l.logger.Warn("request: response for unknown request discarded", "requestID", resp.RequestID)
		l.metrics.ResponseUnmatched()
		return false
	}

	req.resp = resp
	close(req.done)
	return true
}

// Delete removes a pending request. Deleting an id that is not pending is a
// caller bug: it returns ErrUnknownRequest, or panics in debug builds.
func (l *Ledger) Delete(id string) error {
	l.mu.Lock()
	_, ok := l.pending[id]
	if ok {
		delete(l.pending, id)
		l.metrics.SetLedgerPending(len(l.pending))
	}
	l.mu.Unlock()

	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownRequest, id)
		if debugMode {
			panic(err)
		}
		return err
	}
	return nil
}

// Abandon removes id if it is still pending and reports whether it was.
// Unlike Delete it is safe to race with Match.
func (l *Ledger) Abandon(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.pending[id]; !ok {
		return false
	}
	delete(l.pending, id)
	l.metrics.SetLedgerPending(len(l.pending))
	return true
}

// Contains reports whether id is pending.
func (l *Ledger) Contains(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.pending[id]
	return ok
}

// Len returns the number of pending requests.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}
