package connection

import (
	"sync"
	"time"

	"github.com/mash-protocol/iotsession/pkg/transport"
)

// fakeEngine is a scripted transport.Engine. Callbacks are delivered
// synchronously from the calling goroutine, which is the harshest ordering
// the manager has to cope with: an acknowledgement may arrive before the
// engine call that produced its mid has returned.
type fakeEngine struct {
	mu sync.Mutex

	handler transport.Handler

	// Scripted behaviour
	connack    transport.ConnackCode
	connectErr error
	gate       chan struct{}
	autoAck    bool
	subRC      transport.ReturnCode
	unsubRC    transport.ReturnCode

	// Observed state
	connected    bool
	connectCalls int
	inFlight     int
	maxInFlight  int
	loopRunning  bool
	nextMid      uint16
	queued       []uint16
	routes       map[string]bool
	username     string
	password     string
	lastSubMid   uint16
	lastPubMid   uint16
	loopStarts   int
	loopStops    int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{autoAck: true, routes: make(map[string]bool)}
}

func (f *fakeEngine) SetHandler(h transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeEngine) SetCredentials(username, password string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.username, f.password = username, password
}

func (f *fakeEngine) Connect(string, int, time.Duration) error {
	f.mu.Lock()
	f.connectCalls++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	f.inFlight--
	if err := f.connectErr; err != nil {
		f.mu.Unlock()
		return err
	}
	code := f.connack
	var flush []uint16
	if code == transport.ConnackAccepted {
		f.connected = true
		if f.autoAck {
			flush, f.queued = f.queued, nil
		}
	}
	h := f.handler
	f.mu.Unlock()

	h.OnConnect(code)
	for _, mid := range flush {
		h.OnPublish(mid)
	}
	return nil
}

func (f *fakeEngine) Disconnect() transport.ReturnCode {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return transport.NoConn
	}
	f.connected = false
	h := f.handler
	f.mu.Unlock()

	h.OnDisconnect(transport.Success)
	return transport.Success
}

// drop simulates an unrequested connection loss.
func (f *fakeEngine) drop(rc transport.ReturnCode) {
	f.mu.Lock()
	f.connected = false
	h := f.handler
	f.mu.Unlock()
	h.OnDisconnect(rc)
}

func (f *fakeEngine) mid() uint16 {
	f.nextMid++
	if f.nextMid == 0 {
		f.nextMid = 1
	}
	return f.nextMid
}

func (f *fakeEngine) Subscribe(string, byte) (transport.ReturnCode, uint16) {
	f.mu.Lock()
	if f.subRC != transport.Success {
		rc := f.subRC
		f.mu.Unlock()
		return rc, 0
	}
	mid := f.mid()
	f.lastSubMid = mid
	ack := f.autoAck && f.connected
	h := f.handler
	f.mu.Unlock()

	if ack {
		h.OnSubscribe(mid)
	}
	return transport.Success, mid
}

func (f *fakeEngine) Unsubscribe(string) (transport.ReturnCode, uint16) {
	f.mu.Lock()
	if f.unsubRC != transport.Success {
		rc := f.unsubRC
		f.mu.Unlock()
		return rc, 0
	}
	mid := f.mid()
	ack := f.autoAck && f.connected
	h := f.handler
	f.mu.Unlock()

	if ack {
		h.OnUnsubscribe(mid)
	}
	return transport.Success, mid
}

func (f *fakeEngine) Publish(string, byte, []byte) (transport.ReturnCode, uint16) {
	f.mu.Lock()
	mid := f.mid()
	f.lastPubMid = mid
	if !f.connected {
		f.queued = append(f.queued, mid)
		f.mu.Unlock()
		return transport.NoConn, mid
	}
	ack := f.autoAck
	h := f.handler
	f.mu.Unlock()

	if ack {
		h.OnPublish(mid)
	}
	return transport.Success, mid
}

func (f *fakeEngine) AddRoute(filter string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[filter] = true
}

func (f *fakeEngine) RemoveRoute(filter string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.routes, filter)
}

func (f *fakeEngine) LoopStart() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loopRunning {
		return transport.ErrLoopRunning
	}
	f.loopRunning = true
	f.loopStarts++
	return nil
}

func (f *fakeEngine) LoopStop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.loopRunning {
		return transport.ErrLoopNotRunning
	}
	f.loopRunning = false
	f.loopStops++
	return nil
}

func (f *fakeEngine) deliver(route string, msg *transport.Message) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h.OnMessage(route, msg)
}

func (f *fakeEngine) set(fn func(f *fakeEngine)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeEngine) get(fn func(f *fakeEngine) int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fn(f)
}

func (f *fakeEngine) calls() int {
	return f.get(func(f *fakeEngine) int { return f.connectCalls })
}

var _ transport.Engine = (*fakeEngine)(nil)
