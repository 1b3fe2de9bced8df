package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	protolog "github.com/mash-protocol/iotsession/pkg/log"
	"github.com/mash-protocol/iotsession/pkg/metrics"
	"github.com/mash-protocol/iotsession/pkg/transport"
)

// eventQueueSize bounds engine events waiting for the coordinator.
const eventQueueSize = 256

type opKind int

const (
	opSubscribe opKind = iota
	opUnsubscribe
	opPublish
	numOpKinds
)

func (k opKind) String() string {
	switch k {
	case opSubscribe:
		return metrics.OpSubscribe
	case opUnsubscribe:
		return metrics.OpUnsubscribe
	default:
		return metrics.OpPublish
	}
}

func (k opKind) ackName() string {
	switch k {
	case opSubscribe:
		return "SUBACK"
	case opUnsubscribe:
		return "UNSUBACK"
	default:
		return "PUBACK"
	}
}

func (k opKind) packets() (req, ack protolog.PacketType) {
	switch k {
	case opSubscribe:
		return protolog.PacketSubscribe, protolog.PacketSuback
	case opUnsubscribe:
		return protolog.PacketUnsubscribe, protolog.PacketUnsuback
	default:
		return protolog.PacketPublish, protolog.PacketPuback
	}
}

// Return codes each engine call is documented to produce. Anything else is
// logged as unexpected before being handled.
var (
	expectedOpCodes = [numOpKinds][]transport.ReturnCode{
		opSubscribe:   {transport.Success, transport.NoConn},
		opUnsubscribe: {transport.Success, transport.NoConn},
		opPublish:     {transport.Success, transport.NoConn, transport.QueueSize},
	}
	expectedDisconnectCodes = []transport.ReturnCode{transport.Success, transport.NoConn}
	expectedDropCodes       = []transport.ReturnCode{
		transport.Success, transport.ConnRefused, transport.ConnLost, transport.Keepalive,
	}
)

// pendingOp is a completion handle for one message id.
type pendingOp struct {
	done  chan error
	start time.Time
	topic string
}

type eventKind int

const (
	evConnack eventKind = iota
	evConnectError
	evDisconnect
	evAck
	evMessage
)

type engineEvent struct {
	kind    eventKind
	connack transport.ConnackCode
	rc      transport.ReturnCode
	op      opKind
	mid     uint16
	route   string
	msg     *transport.Message
	err     error
}

// Manager owns one MQTT session. It is safe for concurrent use.
type Manager struct {
	cfg     Config
	engine  transport.Engine
	logger  *slog.Logger
	plog    protolog.Logger
	metrics *metrics.Metrics
	backoff *Backoff
	broker  string

	// connLock serializes Connect and Disconnect.
	connLock *semaphore.Weighted

	loopMu      sync.Mutex
	loopRunning bool

	stateMu       sync.Mutex
	state         State
	desire        bool
	prevCause     error
	stateCh       chan struct{}
	connID        string
	onStateChange func(oldState, newState State)

	trackMu        sync.Mutex
	pendingConnect chan error
	pending        [numOpKinds]map[uint16]*pendingOp

	filterMu   sync.Mutex
	filters    map[string]*MessageStream
	unfiltered *MessageStream

	daemonMu     sync.Mutex
	daemonCancel context.CancelFunc
	daemonDone   chan struct{}

	events    chan engineEvent
	closeOnce sync.Once
	closed    chan struct{}
	coordDone chan struct{}
}

// New creates a Manager backed by a transport.PahoEngine.
func New(cfg Config) (*Manager, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	eng, err := transport.NewPahoEngine(cfg.engineConfig())
	if err != nil {
		return nil, fmt.Errorf("connection: %w", err)
	}
	return newManager(cfg, eng), nil
}

// NewWithEngine creates a Manager driving eng.
func NewWithEngine(cfg Config, eng transport.Engine) (*Manager, error) {
	if eng == nil {
		return nil, errors.New("connection: engine is required")
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return newManager(cfg, eng), nil
}

func newManager(cfg Config, eng transport.Engine) *Manager {
	m := &Manager{
		cfg:        cfg,
		engine:     eng,
		logger:     cfg.Logger,
		plog:       cfg.ProtocolLogger,
		metrics:    cfg.Metrics,
		backoff:    cfg.backoff(),
		broker:     net.JoinHostPort(cfg.Hostname, strconv.Itoa(cfg.Port)),
		connLock:   semaphore.NewWeighted(1),
		state:      StateDisconnected,
		stateCh:    make(chan struct{}),
		filters:    make(map[string]*MessageStream),
		unfiltered: newMessageStream(),
		events:     make(chan engineEvent, eventQueueSize),
		closed:     make(chan struct{}),
		coordDone:  make(chan struct{}),
	}
	for k := range m.pending {
		m.pending[k] = make(map[uint16]*pendingOp)
	}
	eng.SetHandler(engineHandler{m: m})
	go m.run()
	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

// IsConnected returns true if the session is currently connected.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// PreviousDisconnectionCause returns the *ProtocolError behind the last
// unexpected connection loss, or nil if the last disconnect was requested or
// a connection has been established since.
func (m *Manager) PreviousDisconnectionCause() error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.prevCause
}

// OnStateChange sets a callback for state changes. It runs on the
// coordinator and must not block.
func (m *Manager) OnStateChange(fn func(oldState, newState State)) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.onStateChange = fn
}

// SetCredentials sets the username and password sent on the next CONNECT.
func (m *Manager) SetCredentials(username, password string) {
	m.engine.SetCredentials(username, password)
	m.logger.Debug("connection: credentials updated", "username", username)
	m.emit(protolog.Event{
		Category: protolog.CategoryState,
		StateChange: &protolog.StateChangeEvent{
			Entity:   protolog.StateEntityCredentials,
			NewState: "UPDATED",
		},
	})
}

// Connect establishes the session. It returns nil at once if already
// connected.
func (m *Manager) Connect(ctx context.Context) error {
	if m.isClosed() {
		return ErrClosed
	}
	if err := m.connLock.Acquire(ctx, 1); err != nil {
		return err
	}
	release := true
	defer func() {
		if release {
			m.connLock.Release(1)
		}
	}()

	if m.IsConnected() {
		m.logger.Debug("connection: already connected", "broker", m.broker)
		return nil
	}
	if m.isClosed() {
		return ErrClosed
	}

	startedDaemon := false
	if m.cfg.AutoReconnect {
		startedDaemon = m.startDaemon()
	}

	result := make(chan error, 1)
	m.trackMu.Lock()
	m.pendingConnect = result
	m.trackMu.Unlock()

	connID := uuid.NewString()
	m.transition(StateConnecting, "connect requested", func() { m.connID = connID })
	m.logger.Debug("connection: connecting", "broker", m.broker, "client_id", m.cfg.ClientID)
	m.emitPacket(protolog.DirectionOut, &protolog.PacketEvent{Type: protolog.PacketConnect})
	start := time.Now()

	go func() {
		if err := m.engine.Connect(m.cfg.Hostname, m.cfg.Port, m.cfg.KeepAlive); err != nil {
			m.post(engineEvent{kind: evConnectError, err: err})
		}
	}()

	if err := m.startLoop(); err != nil {
		release = false
		go m.awaitAbandoned(result)
		if startedDaemon {
			m.stopDaemon()
		}
		return err
	}

	select {
	case err := <-result:
		if err != nil {
			m.metrics.OperationCompleted(metrics.OpConnect, metrics.ResultError, start)
			return err
		}
		m.metrics.OperationCompleted(metrics.OpConnect, metrics.ResultSuccess, start)
		return nil
	case <-ctx.Done():
		// The handshake keeps running; the lock is released once it ends.
		release = false
		go m.awaitAbandoned(result)
		if startedDaemon {
			m.stopDaemon()
		}
		m.metrics.OperationCompleted(metrics.OpConnect, metrics.ResultCancelled, start)
		return ctx.Err()
	case <-m.closed:
		return ErrClosed
	}
}

// awaitAbandoned holds the connection lock until an abandoned connect
// attempt has produced its result.
func (m *Manager) awaitAbandoned(result <-chan error) {
	defer m.connLock.Release(1)
	select {
	case err := <-result:
		if err != nil {
			m.logger.Debug("connection: abandoned connect attempt failed", "error", err)
		}
	case <-m.closed:
	}
}

// Disconnect ends the session and stops the reconnect daemon. Pending
// subscribes and unsubscribes fail with ErrOperationCancelled; pending
// publishes stay tracked and complete after a later Connect.
func (m *Manager) Disconnect(ctx context.Context) error {
	if m.isClosed() {
		return ErrClosed
	}
	return m.disconnect(ctx)
}

func (m *Manager) disconnect(ctx context.Context) error {
	if err := m.connLock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.connLock.Release(1)

	m.stateMu.Lock()
	desired := m.desire
	m.desire = false
	m.broadcastLocked()
	m.stateMu.Unlock()

	if !desired {
		m.logger.Debug("connection: already disconnected")
		return nil
	}

	m.stopDaemon()

	start := time.Now()
	rc := m.engine.Disconnect()
	code := int(rc)
	m.emitPacket(protolog.DirectionOut, &protolog.PacketEvent{Type: protolog.PacketDisconnect, ReturnCode: &code})
	if !slices.Contains(expectedDisconnectCodes, rc) {
		m.logger.Warn("connection: unexpected disconnect return code", "rc", code, "reason", rc.String())
	}

	switch rc {
	case transport.Success:
		if m.isLoopRunning() {
			if err := m.waitForState(ctx, StateDisconnected); err != nil {
				m.metrics.OperationCompleted(metrics.OpDisconnect, metrics.ResultCancelled, start)
				return err
			}
		}
		m.stopLoop()
	case transport.NoConn:
		m.logger.Debug("connection: disconnect requested while not connected")
	}
	m.metrics.OperationCompleted(metrics.OpDisconnect, metrics.ResultSuccess, start)
	return nil
}

// Subscribe subscribes to topic at QoS 1 and waits for the SUBACK.
func (m *Manager) Subscribe(ctx context.Context, topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty subscribe topic", ErrInvalidTopic)
	}
	return m.track(ctx, opSubscribe, topic, nil, func() (transport.ReturnCode, uint16) {
		return m.engine.Subscribe(topic, transport.QoS1)
	})
}

// Unsubscribe removes a subscription and waits for the UNSUBACK.
func (m *Manager) Unsubscribe(ctx context.Context, topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty unsubscribe topic", ErrInvalidTopic)
	}
	return m.track(ctx, opUnsubscribe, topic, nil, func() (transport.ReturnCode, uint16) {
		return m.engine.Unsubscribe(topic)
	})
}

// Publish sends payload to topic at QoS 1 and waits for the PUBACK. While
// disconnected the publish is queued and Publish waits until it is
// acknowledged after a reconnect.
//
// If ctx ends first, Publish returns but the message may still be
// delivered.
func (m *Manager) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" || strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: publish topic %q", ErrInvalidTopic, topic)
	}
	return m.track(ctx, opPublish, topic, payload, func() (transport.ReturnCode, uint16) {
		return m.engine.Publish(topic, transport.QoS1, payload)
	})
}

func (m *Manager) track(ctx context.Context, kind opKind, topic string, payload []byte, call func() (transport.ReturnCode, uint16)) error {
	if m.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	reqType, _ := kind.packets()

	m.trackMu.Lock()
	rc, mid := call()
	queued := kind == opPublish && rc == transport.NoConn
	if rc != transport.Success && !queued {
		m.trackMu.Unlock()
		if !slices.Contains(expectedOpCodes[kind], rc) {
			m.logger.Warn("connection: unexpected return code", "op", kind.String(), "rc", int(rc), "reason", rc.String())
		}
		code := int(rc)
		m.emit(protolog.Event{
			Category: protolog.CategoryError,
			Error:    &protolog.ErrorEventData{Message: rc.String(), Code: &code, Context: kind.String() + " " + topic},
		})
		m.metrics.OperationCompleted(kind.String(), metrics.ResultError, start)
		return &ProtocolError{Code: rc}
	}
	op := &pendingOp{done: make(chan error, 1), start: start, topic: topic}
	pending := m.pending[kind]
	pending[mid] = op
	m.metrics.SetPending(kind.String(), len(pending))
	m.trackMu.Unlock()

	if queued {
		m.logger.Debug("connection: not connected, publish queued until next connect", "mid", mid, "topic", topic)
	}
	code := int(rc)
	pkt := &protolog.PacketEvent{Type: reqType, MessageID: mid, Topic: topic, ReturnCode: &code}
	if payload != nil {
		pkt.CapturePayload(payload)
	}
	m.emitPacket(protolog.DirectionOut, pkt)

	select {
	case err := <-op.done:
		if err != nil {
			m.metrics.OperationCompleted(kind.String(), metrics.ResultCancelled, start)
			return fmt.Errorf("%s %q: %w", kind, topic, err)
		}
		m.metrics.OperationCompleted(kind.String(), metrics.ResultSuccess, start)
		return nil
	case <-ctx.Done():
		m.trackMu.Lock()
		if cur, ok := pending[mid]; ok && cur == op {
			delete(pending, mid)
			m.metrics.SetPending(kind.String(), len(pending))
		}
		m.trackMu.Unlock()
		if kind == opPublish {
			m.logger.Debug("connection: publish wait cancelled, message may still be delivered", "mid", mid, "topic", topic)
		}
		m.metrics.OperationCompleted(kind.String(), metrics.ResultCancelled, start)
		return ctx.Err()
	case <-m.closed:
		return ErrClosed
	}
}

// pendingCount reports tracked operations of one kind.
func (m *Manager) pendingCount(kind opKind) int {
	m.trackMu.Lock()
	defer m.trackMu.Unlock()
	return len(m.pending[kind])
}

// AddIncomingMessageFilter routes messages matching the topic filter into
// their own stream.
func (m *Manager) AddIncomingMessageFilter(topic string) error {
	m.filterMu.Lock()
	defer m.filterMu.Unlock()
	if _, ok := m.filters[topic]; ok {
		return fmt.Errorf("%w: %s", ErrFilterExists, topic)
	}
	m.filters[topic] = newMessageStream()
	m.engine.AddRoute(topic)
	return nil
}

// RemoveIncomingMessageFilter removes a filter. Its stream is closed once
// drained.
func (m *Manager) RemoveIncomingMessageFilter(topic string) error {
	m.filterMu.Lock()
	defer m.filterMu.Unlock()
	s, ok := m.filters[topic]
	if !ok {
		return fmt.Errorf("%w: %s", ErrFilterNotFound, topic)
	}
	m.engine.RemoveRoute(topic)
	delete(m.filters, topic)
	s.close()
	return nil
}

// IncomingMessages returns the stream for a filter added with
// AddIncomingMessageFilter, or the stream of unfiltered messages for "".
func (m *Manager) IncomingMessages(topic string) (*MessageStream, error) {
	if topic == "" {
		return m.unfiltered, nil
	}
	m.filterMu.Lock()
	defer m.filterMu.Unlock()
	s, ok := m.filters[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFilterNotFound, topic)
	}
	return s, nil
}

// Close disconnects and releases the manager. Operations still waiting
// return ErrClosed.
func (m *Manager) Close(ctx context.Context) error {
	if m.isClosed() {
		return nil
	}
	err := m.disconnect(ctx)
	m.closeOnce.Do(func() {
		close(m.closed)
		<-m.coordDone
		m.stopDaemon()
		m.stopLoop()
		m.failAll(ErrClosed)

		m.filterMu.Lock()
		for _, s := range m.filters {
			s.close()
		}
		m.unfiltered.close()
		m.filterMu.Unlock()

		m.transition(StateDisconnected, "closed", nil)
	})
	return err
}

func (m *Manager) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// transition sets the state, applies fn under the state lock and wakes
// waiters.
func (m *Manager) transition(to State, reason string, fn func()) {
	m.stateMu.Lock()
	from := m.state
	m.state = to
	if fn != nil {
		fn()
	}
	m.broadcastLocked()
	cb := m.onStateChange
	m.stateMu.Unlock()

	if from == to {
		return
	}
	m.metrics.StateChanged(to.String(), to == StateConnected)
	m.emit(protolog.Event{
		Category: protolog.CategoryState,
		StateChange: &protolog.StateChangeEvent{
			Entity:   protolog.StateEntityConnection,
			OldState: from.String(),
			NewState: to.String(),
			Reason:   reason,
		},
	})
	if cb != nil {
		cb(from, to)
	}
}

func (m *Manager) broadcastLocked() {
	close(m.stateCh)
	m.stateCh = make(chan struct{})
}

// waitForState blocks until the state equals want.
func (m *Manager) waitForState(ctx context.Context, want State) error {
	for {
		m.stateMu.Lock()
		state, ch := m.state, m.stateCh
		m.stateMu.Unlock()
		if state == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.closed:
			return ErrClosed
		case <-ch:
		}
	}
}

func (m *Manager) startLoop() error {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.isClosed() {
		return ErrClosed
	}
	if m.loopRunning {
		return nil
	}
	if err := m.engine.LoopStart(); err != nil {
		if !errors.Is(err, transport.ErrLoopRunning) {
			return fmt.Errorf("connection: start engine loop: %w", err)
		}
		m.logger.Warn("connection: engine loop was already running")
	}
	m.loopRunning = true
	return nil
}

func (m *Manager) stopLoop() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if !m.loopRunning {
		return
	}
	m.loopRunning = false
	if err := m.engine.LoopStop(); err != nil && !errors.Is(err, transport.ErrLoopNotRunning) {
		m.logger.Warn("connection: stop engine loop", "error", err)
	}
}

func (m *Manager) isLoopRunning() bool {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	return m.loopRunning
}

// failAll resolves every pending handle with err.
func (m *Manager) failAll(err error) {
	m.trackMu.Lock()
	defer m.trackMu.Unlock()
	if m.pendingConnect != nil {
		m.pendingConnect <- err
		m.pendingConnect = nil
	}
	for k := range m.pending {
		m.failPendingLocked(opKind(k), err)
	}
}

func (m *Manager) failPendingLocked(kind opKind, err error) {
	pending := m.pending[kind]
	for mid, op := range pending {
		op.done <- err
		delete(pending, mid)
	}
	m.metrics.SetPending(kind.String(), 0)
}

func (m *Manager) emit(ev protolog.Event) {
	ev.Timestamp = time.Now()
	m.stateMu.Lock()
	ev.ConnectionID = m.connID
	m.stateMu.Unlock()
	ev.ClientID = m.cfg.ClientID
	ev.Broker = m.broker
	m.plog.Log(ev)
}

func (m *Manager) emitPacket(dir protolog.Direction, p *protolog.PacketEvent) {
	m.emit(protolog.Event{Direction: dir, Category: protolog.CategoryPacket, Packet: p})
}

// engineHandler forwards engine callbacks to the coordinator.
type engineHandler struct {
	m *Manager
}

func (h engineHandler) OnConnect(code transport.ConnackCode) {
	h.m.post(engineEvent{kind: evConnack, connack: code})
}

func (h engineHandler) OnDisconnect(rc transport.ReturnCode) {
	h.m.post(engineEvent{kind: evDisconnect, rc: rc})
}

func (h engineHandler) OnSubscribe(mid uint16) {
	h.m.post(engineEvent{kind: evAck, op: opSubscribe, mid: mid})
}

func (h engineHandler) OnUnsubscribe(mid uint16) {
	h.m.post(engineEvent{kind: evAck, op: opUnsubscribe, mid: mid})
}

func (h engineHandler) OnPublish(mid uint16) {
	h.m.post(engineEvent{kind: evAck, op: opPublish, mid: mid})
}

func (h engineHandler) OnMessage(route string, msg *transport.Message) {
	h.m.post(engineEvent{kind: evMessage, route: route, msg: msg})
}

func (m *Manager) post(ev engineEvent) {
	select {
	case m.events <- ev:
	case <-m.closed:
	}
}

// run is the coordinator. It is the only goroutine that moves the state to
// Connected or from Connected to Disconnected.
func (m *Manager) run() {
	defer close(m.coordDone)
	for {
		select {
		case ev := <-m.events:
			m.handle(ev)
		case <-m.closed:
			return
		}
	}
}

func (m *Manager) handle(ev engineEvent) {
	switch ev.kind {
	case evConnack:
		m.handleConnack(ev.connack)
	case evConnectError:
		m.handleConnectError(ev.err)
	case evDisconnect:
		m.handleDisconnect(ev.rc)
	case evAck:
		m.handleAck(ev.op, ev.mid)
	case evMessage:
		m.handleMessage(ev.route, ev.msg)
	}
}

func (m *Manager) handleConnack(code transport.ConnackCode) {
	rc := int(code)
	m.emitPacket(protolog.DirectionIn, &protolog.PacketEvent{Type: protolog.PacketConnack, ReturnCode: &rc})

	if code == transport.ConnackAccepted {
		m.logger.Debug("connection: connected", "broker", m.broker)
		m.transition(StateConnected, "connection accepted", func() {
			m.desire = true
			m.prevCause = nil
		})
		m.backoff.Reset()
		m.resolveConnect(nil)
		return
	}

	err := &ConnectionFailedError{Code: code, Fatal: fatalConnack(code)}
	m.logger.Warn("connection: connect refused", "broker", m.broker, "rc", rc, "reason", code.String())
	m.emit(protolog.Event{
		Category: protolog.CategoryError,
		Error:    &protolog.ErrorEventData{Message: code.String(), Code: &rc, Context: "connect"},
	})
	m.transition(StateDisconnected, code.String(), nil)
	m.resolveConnect(err)
}

func (m *Manager) handleConnectError(cause error) {
	m.logger.Debug("connection: connect failed", "broker", m.broker, "error", cause)
	m.emit(protolog.Event{
		Category: protolog.CategoryError,
		Error:    &protolog.ErrorEventData{Message: cause.Error(), Context: "connect"},
	})
	m.transition(StateDisconnected, "connect failed", nil)
	m.resolveConnect(&ConnectionFailedError{Message: "no CONNACK received", Err: cause})
}

func (m *Manager) resolveConnect(err error) {
	m.trackMu.Lock()
	ch := m.pendingConnect
	m.pendingConnect = nil
	m.trackMu.Unlock()
	if ch == nil {
		m.logger.Warn("connection: connect result without pending connect", "error", err)
		return
	}
	ch <- err
}

func (m *Manager) handleDisconnect(rc transport.ReturnCode) {
	code := int(rc)
	if !slices.Contains(expectedDropCodes, rc) {
		m.logger.Warn("connection: unexpected disconnect reason", "rc", code, "reason", rc.String())
	}
	if m.State() != StateConnected {
		// Follows a failed connect or an earlier disconnect.
		m.logger.Debug("connection: disconnect while not connected ignored", "rc", code)
		return
	}

	// Fail these before Disconnected becomes visible, so nobody woken by
	// the transition still sees them pending.
	m.trackMu.Lock()
	m.failPendingLocked(opSubscribe, ErrOperationCancelled)
	m.failPendingLocked(opUnsubscribe, ErrOperationCancelled)
	m.trackMu.Unlock()

	unexpected := false
	m.transition(StateDisconnected, rc.String(), func() {
		if m.desire {
			unexpected = true
			m.prevCause = &ProtocolError{Code: rc}
		} else {
			m.prevCause = nil
		}
	})

	if unexpected {
		m.logger.Warn("connection: connection lost", "broker", m.broker, "rc", code, "reason", rc.String())
		m.emit(protolog.Event{
			Category: protolog.CategoryError,
			Error:    &protolog.ErrorEventData{Message: rc.String(), Code: &code, Context: "connection lost"},
		})
		return
	}
	m.logger.Debug("connection: disconnected", "broker", m.broker)
}

func (m *Manager) handleAck(kind opKind, mid uint16) {
	m.trackMu.Lock()
	pending := m.pending[kind]
	op, ok := pending[mid]
	if ok {
		delete(pending, mid)
		m.metrics.SetPending(kind.String(), len(pending))
	}
	m.trackMu.Unlock()

	if !ok {
		m.logger.Warn("connection: unexpected "+kind.ackName()+" for mid", "mid", mid)
		return
	}
	_, ackType := kind.packets()
	latency := time.Since(op.start)
	m.emitPacket(protolog.DirectionIn, &protolog.PacketEvent{
		Type:      ackType,
		MessageID: mid,
		Topic:     op.topic,
		Latency:   &latency,
	})
	op.done <- nil
}

func (m *Manager) handleMessage(route string, msg *transport.Message) {
	m.metrics.MessageReceived()
	pkt := &protolog.PacketEvent{Type: protolog.PacketPublish, Topic: msg.Topic}
	pkt.CapturePayload(msg.Payload)
	m.emitPacket(protolog.DirectionIn, pkt)

	m.filterMu.Lock()
	s := m.unfiltered
	if route != "" {
		if fs, ok := m.filters[route]; ok {
			s = fs
		} else {
			m.logger.Debug("connection: message for removed filter", "filter", route, "topic", msg.Topic)
		}
	}
	m.filterMu.Unlock()
	s.push(msg)
}
