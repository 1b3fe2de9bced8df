package transport

import (
	"cmp"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

// Transport names.
const (
	TransportTCP        = "tcp"
	TransportWebsockets = "websockets"
)

// Engine defaults.
const (
	DefaultWebsocketPath  = "/$iothub/websocket"
	DefaultConnectTimeout = 30 * time.Second

	// disconnectQuiesce is how long paho may spend finishing work on
	// Disconnect, in milliseconds.
	disconnectQuiesce = 250

	// maxPayloadSize is the largest payload an MQTT packet can carry.
	maxPayloadSize = 268435455
)

// Loop errors.
var (
	ErrLoopRunning    = errors.New("engine loop already running")
	ErrLoopNotRunning = errors.New("engine loop not running")
)

// EngineConfig configures a PahoEngine.
type EngineConfig struct {
	ClientID string

	// Transport is TransportTCP (default) or TransportWebsockets.
	Transport     string
	WebsocketPath string

	// TLSConfig for the broker connection. Nil uses the system roots.
	TLSConfig *tls.Config

	// Proxy, if set, tunnels the connection.
	Proxy *ProxyOptions

	// MaxQueuedPublishes bounds the outbox used while disconnected.
	// Zero means unbounded.
	MaxQueuedPublishes int

	ConnectTimeout time.Duration

	Logger *slog.Logger
}

// outgoing is a publish awaiting (re)delivery.
type outgoing struct {
	mid     uint16
	topic   string
	qos     byte
	payload []byte
}

type inflightPublish struct {
	out outgoing
	seq uint64
}

// PahoEngine implements Engine on top of the Eclipse Paho client.
//
// Paho's own reconnect is disabled: reconnection belongs to the connection
// manager. Sessions are persistent and each client keeps unacknowledged
// publishes in a memory store, so a publish cut off by a connection drop is
// resent with DUP set when the same client connects again. Publishes issued
// while disconnected, or whose client was closed or replaced, are kept in an
// outbox and sent again after the next successful Connect.
type PahoEngine struct {
	cfg    EngineConfig
	logger *slog.Logger

	mu        sync.Mutex
	client    mqtt.Client
	clientKey string
	store     *mqtt.MemoryStore
	retired   chan struct{}
	username  string
	password  string
	nextMid   uint16
	routes    []string
	outbox    []outgoing
	inflight  map[uint16]inflightPublish
	sendSeq   uint64

	// Event dispatch
	qmu      sync.Mutex
	queue    []func(Handler)
	handler  Handler
	wake     chan struct{}
	loopStop chan struct{}
	loopDone chan struct{}
}

// NewPahoEngine creates an engine. No connection is made until Connect.
func NewPahoEngine(cfg EngineConfig) (*PahoEngine, error) {
	switch cfg.Transport {
	case "":
		cfg.Transport = TransportTCP
	case TransportTCP, TransportWebsockets:
	default:
		return nil, fmt.Errorf("invalid transport %q", cfg.Transport)
	}
	if cfg.WebsocketPath == "" {
		cfg.WebsocketPath = DefaultWebsocketPath
	}
	if cfg.Proxy != nil {
		if err := cfg.Proxy.Validate(); err != nil {
			return nil, err
		}
	}
	if cfg.TLSConfig == nil {
		cfg.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.MaxQueuedPublishes < 0 {
		cfg.MaxQueuedPublishes = 0
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &PahoEngine{
		cfg:      cfg,
		logger:   logger,
		inflight: make(map[uint16]inflightPublish),
		wake:     make(chan struct{}, 1),
	}, nil
}

// SetHandler sets the receiver of engine events.
func (e *PahoEngine) SetHandler(h Handler) {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	e.handler = h
}

// SetCredentials sets the username and password sent with the next CONNECT.
func (e *PahoEngine) SetCredentials(username, password string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.username = username
	e.password = password
}

func (e *PahoEngine) credentials() (string, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.username, e.password
}

// BrokerURL returns the URL paho dials for host and port.
func (e *PahoEngine) BrokerURL(host string, port int) string {
	hostPort := net.JoinHostPort(host, strconv.Itoa(port))
	if e.cfg.Transport == TransportWebsockets {
		return "wss://" + hostPort + e.cfg.WebsocketPath
	}
	return "ssl://" + hostPort
}

func (e *PahoEngine) newClient(host string, port int, keepAlive time.Duration, store mqtt.Store) mqtt.Client {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(e.BrokerURL(host, port))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetProtocolVersion(4)
	opts.SetCleanSession(false)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetResumeSubs(false)
	opts.SetStore(store)
	opts.SetKeepAlive(keepAlive)
	opts.SetConnectTimeout(e.cfg.ConnectTimeout)
	opts.SetTLSConfig(e.cfg.TLSConfig)
	opts.SetCredentialsProvider(e.credentials)
	opts.SetDefaultPublishHandler(e.handleIncoming)
	opts.SetConnectionLostHandler(e.handleConnectionLost)

	if e.cfg.Proxy != nil {
		if e.cfg.Transport == TransportWebsockets {
			opts.SetWebsocketOptions(&mqtt.WebsocketOptions{
				Proxy: http.ProxyURL(e.cfg.Proxy.URL()),
			})
		} else {
			opts.SetCustomOpenConnectionFn(e.openProxied)
		}
	}

	return mqtt.NewClient(opts)
}

// openProxied dials the broker through the proxy and performs the TLS
// handshake paho would otherwise do itself.
func (e *PahoEngine) openProxied(uri *url.URL, options mqtt.ClientOptions) (net.Conn, error) {
	ctx := context.Background()
	if options.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, options.ConnectTimeout)
		defer cancel()
	}

	conn, err := e.cfg.Proxy.DialContext(ctx, "tcp", uri.Host)
	if err != nil {
		return nil, err
	}

	tlsConfig := e.cfg.TLSConfig
	if tlsConfig.ServerName == "" {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.ServerName = uri.Hostname()
	}
	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake via proxy: %w", err)
	}
	return tlsConn, nil
}

// Connect connects to the broker and waits for the CONNACK.
func (e *PahoEngine) Connect(host string, port int, keepAlive time.Duration) error {
	e.mu.Lock()
	key := e.BrokerURL(host, port) + "|" + keepAlive.String()
	if e.client == nil || e.clientKey != key {
		e.retireClientLocked()
		e.store = mqtt.NewMemoryStore()
		e.retired = make(chan struct{})
		e.client = e.newClient(host, port, keepAlive, e.store)
		e.clientKey = key
	}
	client := e.client
	e.mu.Unlock()

	e.logger.Debug("transport: connecting", "broker", e.BrokerURL(host, port), "clientID", e.cfg.ClientID)

	token := client.Connect()
	token.Wait()
	err := token.Error()

	var rc byte = packets.Accepted
	if ct, ok := token.(*mqtt.ConnectToken); ok {
		rc = ct.ReturnCode()
	}

	switch {
	case err == nil:
		e.enqueue(func(h Handler) { h.OnConnect(ConnackAccepted) })
		e.flushOutbox()
		return nil
	case rc >= packets.ErrRefusedBadProtocolVersion && rc <= packets.ErrRefusedNotAuthorised:
		code := ConnackCode(rc)
		e.enqueue(func(h Handler) { h.OnConnect(code) })
		return nil
	default:
		return fmt.Errorf("mqtt connect to %s: %w", net.JoinHostPort(host, strconv.Itoa(port)), err)
	}
}

// retireClientLocked abandons the current client. Its stored session goes
// with it, so publishes still in flight on it move to the front of the
// outbox in the order they were sent. Caller holds e.mu.
func (e *PahoEngine) retireClientLocked() {
	if e.client == nil {
		return
	}
	close(e.retired)
	if len(e.inflight) == 0 {
		return
	}

	pending := make([]inflightPublish, 0, len(e.inflight))
	for _, p := range e.inflight {
		pending = append(pending, p)
	}
	slices.SortFunc(pending, func(a, b inflightPublish) int { return cmp.Compare(a.seq, b.seq) })

	moved := make([]outgoing, 0, len(pending)+len(e.outbox))
	for _, p := range pending {
		moved = append(moved, p.out)
	}
	e.outbox = append(moved, e.outbox...)
	clear(e.inflight)
	e.logger.Debug("transport: client replaced, in-flight publishes queued", "count", len(pending))
}

func (e *PahoEngine) connectedClient() mqtt.Client {
	if e.client == nil || !e.client.IsConnectionOpen() {
		return nil
	}
	return e.client
}

// Disconnect sends DISCONNECT and closes the connection.
func (e *PahoEngine) Disconnect() ReturnCode {
	e.mu.Lock()
	client := e.connectedClient()
	store := e.store
	e.mu.Unlock()

	if client == nil {
		return NoConn
	}
	client.Disconnect(disconnectQuiesce)
	// Paho fails every pending token here and those publishes are requeued
	// into the outbox, so the stored copies must not be resumed as well.
	store.Reset()
	e.enqueue(func(h Handler) { h.OnDisconnect(Success) })
	return Success
}

// allocMid returns the next message id, skipping zero. Caller holds e.mu.
func (e *PahoEngine) allocMid() uint16 {
	e.nextMid++
	if e.nextMid == 0 {
		e.nextMid = 1
	}
	return e.nextMid
}

// Subscribe sends a SUBSCRIBE for topic.
func (e *PahoEngine) Subscribe(topic string, qos byte) (ReturnCode, uint16) {
	e.mu.Lock()
	mid := e.allocMid()
	client := e.connectedClient()
	e.mu.Unlock()

	if client == nil {
		return NoConn, mid
	}
	token := client.Subscribe(topic, qos, nil)
	go e.await(token, func(err error) {
		if err != nil {
			e.logger.Debug("transport: subscribe not acknowledged", "topic", topic, "mid", mid, "error", err)
			return
		}
		e.enqueue(func(h Handler) { h.OnSubscribe(mid) })
	})
	return Success, mid
}

// Unsubscribe sends an UNSUBSCRIBE for topic.
func (e *PahoEngine) Unsubscribe(topic string) (ReturnCode, uint16) {
	e.mu.Lock()
	mid := e.allocMid()
	client := e.connectedClient()
	e.mu.Unlock()

	if client == nil {
		return NoConn, mid
	}
	token := client.Unsubscribe(topic)
	go e.await(token, func(err error) {
		if err != nil {
			e.logger.Debug("transport: unsubscribe not acknowledged", "topic", topic, "mid", mid, "error", err)
			return
		}
		e.enqueue(func(h Handler) { h.OnUnsubscribe(mid) })
	})
	return Success, mid
}

// Publish sends payload to topic. While disconnected the message is queued
// and NoConn is returned; OnPublish fires once it is delivered after a
// reconnect.
func (e *PahoEngine) Publish(topic string, qos byte, payload []byte) (ReturnCode, uint16) {
	if len(payload) > maxPayloadSize {
		return PayloadSize, 0
	}

	e.mu.Lock()
	mid := e.allocMid()
	out := outgoing{mid: mid, topic: topic, qos: qos, payload: payload}
	client, retired := e.connectedClient(), e.retired
	if client == nil {
		if e.cfg.MaxQueuedPublishes > 0 && len(e.outbox) >= e.cfg.MaxQueuedPublishes {
			e.mu.Unlock()
			return QueueSize, mid
		}
		e.outbox = append(e.outbox, out)
		e.mu.Unlock()
		return NoConn, mid
	}
	e.mu.Unlock()

	e.send(client, retired, out)
	return Success, mid
}

// send hands out to client and tracks it until its token completes or the
// client is retired.
func (e *PahoEngine) send(client mqtt.Client, retired <-chan struct{}, out outgoing) {
	e.mu.Lock()
	e.sendSeq++
	e.inflight[out.mid] = inflightPublish{out: out, seq: e.sendSeq}
	e.mu.Unlock()

	token := client.Publish(out.topic, out.qos, false, out.payload)
	go func() {
		select {
		case <-token.Done():
		case <-retired:
			return
		}
		if !e.settle(out.mid) {
			return
		}
		if err := token.Error(); err != nil {
			e.logger.Debug("transport: publish interrupted, queued for redelivery", "mid", out.mid, "error", err)
			e.requeue(out)
			return
		}
		e.enqueue(func(h Handler) { h.OnPublish(out.mid) })
	}()
}

// settle stops tracking mid. It reports false when the publish was already
// moved to the outbox by retireClientLocked.
func (e *PahoEngine) settle(mid uint16) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inflight[mid]; !ok {
		return false
	}
	delete(e.inflight, mid)
	return true
}

func (e *PahoEngine) requeue(out outgoing) {
	e.mu.Lock()
	client, retired := e.connectedClient(), e.retired
	if client == nil {
		e.outbox = append([]outgoing{out}, e.outbox...)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.send(client, retired, out)
}

func (e *PahoEngine) flushOutbox() {
	e.mu.Lock()
	pending := e.outbox
	e.outbox = nil
	client, retired := e.client, e.retired
	e.mu.Unlock()

	if len(pending) > 0 {
		e.logger.Debug("transport: redelivering queued publishes", "count", len(pending))
	}
	for _, out := range pending {
		e.send(client, retired, out)
	}
}

// QueuedPublishes returns the number of publishes awaiting a connection.
func (e *PahoEngine) QueuedPublishes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.outbox)
}

func (e *PahoEngine) await(token mqtt.Token, done func(error)) {
	<-token.Done()
	done(token.Error())
}

// AddRoute routes messages matching filter to OnMessage(filter, ...).
func (e *PahoEngine) AddRoute(filter string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.routes {
		if r == filter {
			return
		}
	}
	e.routes = append(e.routes, filter)
}

// RemoveRoute removes a route added with AddRoute.
func (e *PahoEngine) RemoveRoute(filter string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.routes {
		if r == filter {
			e.routes = append(e.routes[:i], e.routes[i+1:]...)
			return
		}
	}
}

func (e *PahoEngine) handleIncoming(_ mqtt.Client, m mqtt.Message) {
	msg := &Message{
		Topic:    m.Topic(),
		Payload:  m.Payload(),
		QoS:      m.Qos(),
		Retained: m.Retained(),
	}

	e.mu.Lock()
	var matched []string
	for _, r := range e.routes {
		if topicMatches(r, msg.Topic) {
			matched = append(matched, r)
		}
	}
	e.mu.Unlock()

	if len(matched) == 0 {
		e.enqueue(func(h Handler) { h.OnMessage("", msg) })
		return
	}
	for _, r := range matched {
		route := r
		e.enqueue(func(h Handler) { h.OnMessage(route, msg) })
	}
}

func (e *PahoEngine) handleConnectionLost(_ mqtt.Client, err error) {
	rc := ConnLost
	if err != nil && strings.Contains(err.Error(), "pingresp not received") {
		rc = Keepalive
	}
	e.logger.Debug("transport: connection lost", "error", err)
	e.enqueue(func(h Handler) { h.OnDisconnect(rc) })
}

func (e *PahoEngine) enqueue(ev func(Handler)) {
	e.qmu.Lock()
	e.queue = append(e.queue, ev)
	e.qmu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// LoopStart starts the dispatch goroutine.
func (e *PahoEngine) LoopStart() error {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	if e.loopStop != nil {
		return ErrLoopRunning
	}
	e.loopStop = make(chan struct{})
	e.loopDone = make(chan struct{})
	go e.dispatch(e.loopStop, e.loopDone)
	return nil
}

// LoopStop stops the dispatch goroutine and waits for it to exit. It must
// not be called from a Handler method.
func (e *PahoEngine) LoopStop() error {
	e.qmu.Lock()
	stop, done := e.loopStop, e.loopDone
	e.loopStop, e.loopDone = nil, nil
	e.qmu.Unlock()

	if stop == nil {
		return ErrLoopNotRunning
	}
	close(stop)
	<-done
	return nil
}

func (e *PahoEngine) dispatch(stop, done chan struct{}) {
	defer close(done)

	for {
		for {
			select {
			case <-stop:
				return
			default:
			}

			e.qmu.Lock()
			if len(e.queue) == 0 {
				e.qmu.Unlock()
				break
			}
			ev := e.queue[0]
			e.queue[0] = nil
			e.queue = e.queue[1:]
			h := e.handler
			e.qmu.Unlock()

			if h != nil {
				ev(h)
			}
		}

		select {
		case <-stop:
			return
		case <-e.wake:
		}
	}
}

// topicMatches reports whether topic matches the MQTT topic filter.
func topicMatches(filter, topic string) bool {
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}

	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}

var _ Engine = (*PahoEngine)(nil)
