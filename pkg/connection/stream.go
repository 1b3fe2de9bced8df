package connection

import (
	"context"
	"errors"
	"sync"

	"github.com/mash-protocol/iotsession/pkg/transport"
)

// ErrStreamClosed is returned by Next once a stream's filter was removed and
// its queue drained.
var ErrStreamClosed = errors.New("connection: message stream closed")

// MessageStream is an unbounded queue of incoming messages. A consumer that
// stops reading loses nothing: the same stream keeps collecting messages and
// a later Next resumes from the oldest one.
type MessageStream struct {
	mu     sync.Mutex
	items  []*transport.Message
	notify chan struct{}
	closed bool
}

func newMessageStream() *MessageStream {
	return &MessageStream{notify: make(chan struct{})}
}

// Next returns the oldest queued message, waiting for one if the queue is
// empty.
func (s *MessageStream) Next(ctx context.Context) (*transport.Message, error) {
	for {
		s.mu.Lock()
		if len(s.items) > 0 {
			msg := s.items[0]
			s.items[0] = nil
			s.items = s.items[1:]
			s.mu.Unlock()
			return msg, nil
		}
		if s.closed {
			s.mu.Unlock()
			return nil, ErrStreamClosed
		}
		notify := s.notify
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-notify:
		}
	}
}

// Len returns the number of queued messages.
func (s *MessageStream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *MessageStream) push(msg *transport.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.items = append(s.items, msg)
	s.wakeLocked()
}

func (s *MessageStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.wakeLocked()
}

func (s *MessageStream) wakeLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}
