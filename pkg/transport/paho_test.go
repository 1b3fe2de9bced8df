package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandler turns engine callbacks into strings on a channel.
type recordingHandler struct {
	events chan string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{events: make(chan string, 64)}
}

func (h *recordingHandler) OnConnect(code ConnackCode) { h.events <- fmt.Sprintf("connect:%d", code) }
func (h *recordingHandler) OnDisconnect(rc ReturnCode) { h.events <- fmt.Sprintf("disconnect:%d", rc) }
func (h *recordingHandler) OnSubscribe(mid uint16)     { h.events <- fmt.Sprintf("suback:%d", mid) }
func (h *recordingHandler) OnUnsubscribe(mid uint16)   { h.events <- fmt.Sprintf("unsuback:%d", mid) }
func (h *recordingHandler) OnPublish(mid uint16)       { h.events <- fmt.Sprintf("puback:%d", mid) }
func (h *recordingHandler) OnMessage(route string, msg *Message) {
	h.events <- fmt.Sprintf("message:%s:%s:%s", route, msg.Topic, msg.Payload)
}

func (h *recordingHandler) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-h.events:
		assert.Equal(t, want, got)
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func (h *recordingHandler) expectNone(t *testing.T) {
	t.Helper()
	select {
	case got := <-h.events:
		t.Fatalf("unexpected event %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

// expectAll waits for len(want) events and compares them ignoring order.
func (h *recordingHandler) expectAll(t *testing.T, want ...string) {
	t.Helper()
	got := make([]string, 0, len(want))
	for range want {
		select {
		case ev := <-h.events:
			got = append(got, ev)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %v, got %v", want, got)
		}
	}
	assert.ElementsMatch(t, want, got)
}

func receivePublish(t *testing.T, b *fakeBroker) *packets.PublishPacket {
	t.Helper()
	select {
	case p := <-b.published:
		return p
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for PUBLISH")
		return nil
	}
}

func newTestEngine(t *testing.T) (*PahoEngine, *recordingHandler) {
	t.Helper()

	e, err := NewPahoEngine(EngineConfig{
		ClientID:       "dev1",
		TLSConfig:      &tls.Config{InsecureSkipVerify: true},
		ConnectTimeout: 2 * time.Second,
	})
	require.NoError(t, err)

	h := newRecordingHandler()
	e.SetHandler(h)
	require.NoError(t, e.LoopStart())
	t.Cleanup(func() { _ = e.LoopStop() })
	return e, h
}

func TestNewPahoEngine(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		e, err := NewPahoEngine(EngineConfig{ClientID: "dev1"})
		require.NoError(t, err)
		assert.Equal(t, TransportTCP, e.cfg.Transport)
		assert.Equal(t, DefaultConnectTimeout, e.cfg.ConnectTimeout)
		assert.NotNil(t, e.cfg.TLSConfig)
	})

	t.Run("InvalidTransport", func(t *testing.T) {
		_, err := NewPahoEngine(EngineConfig{Transport: "quic"})
		assert.Error(t, err)
	})

	t.Run("InvalidProxy", func(t *testing.T) {
		_, err := NewPahoEngine(EngineConfig{Proxy: &ProxyOptions{Type: ProxySOCKS4, Address: "p", Port: 1}})
		assert.ErrorIs(t, err, ErrUnsupportedProxy)
	})
}

func TestBrokerURL(t *testing.T) {
	e, err := NewPahoEngine(EngineConfig{})
	require.NoError(t, err)
	assert.Equal(t, "ssl://hub.example.net:8883", e.BrokerURL("hub.example.net", 8883))

	e, err = NewPahoEngine(EngineConfig{Transport: TransportWebsockets})
	require.NoError(t, err)
	assert.Equal(t, "wss://hub.example.net:443/$iothub/websocket", e.BrokerURL("hub.example.net", 443))

	e, err = NewPahoEngine(EngineConfig{Transport: TransportWebsockets, WebsocketPath: "/mqtt"})
	require.NoError(t, err)
	assert.Equal(t, "wss://[::1]:443/mqtt", e.BrokerURL("::1", 443))
}

func TestTopicMatches(t *testing.T) {
	cases := []struct {
		filter, topic string
		want          bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/b/c", "a/b", false},
		{"a/+/c", "a/x/c", true},
		{"a/+/c", "a/x/y", false},
		{"a/#", "a", true},
		{"a/#", "a/b/c", true},
		{"#", "anything/at/all", true},
		{"+", "a/b", false},
		{"#", "$SYS/broker", false},
		{"$iothub/twin/res/#", "$iothub/twin/res/200/?$rid=1", true},
		{"devices/dev1/messages/devicebound/#", "devices/dev2/messages/devicebound/x", false},
	}
	for _, tc := range cases {
		t.Run(tc.filter+"|"+tc.topic, func(t *testing.T) {
			assert.Equal(t, tc.want, topicMatches(tc.filter, tc.topic))
		})
	}
}

func TestPahoEngineDisconnected(t *testing.T) {
	e, h := newTestEngine(t)

	t.Run("SubscribeNoConn", func(t *testing.T) {
		rc, mid := e.Subscribe("a/b", QoS1)
		assert.Equal(t, NoConn, rc)
		assert.NotZero(t, mid)
	})

	t.Run("UnsubscribeNoConn", func(t *testing.T) {
		rc, _ := e.Unsubscribe("a/b")
		assert.Equal(t, NoConn, rc)
	})

	t.Run("DisconnectNoConn", func(t *testing.T) {
		assert.Equal(t, NoConn, e.Disconnect())
	})

	t.Run("PublishQueued", func(t *testing.T) {
		rc, mid1 := e.Publish("a/b", QoS1, []byte("1"))
		assert.Equal(t, NoConn, rc)
		rc, mid2 := e.Publish("a/b", QoS1, []byte("2"))
		assert.Equal(t, NoConn, rc)
		assert.NotEqual(t, mid1, mid2)
		assert.Equal(t, 2, e.QueuedPublishes())
	})

	t.Run("MidsSkipZero", func(t *testing.T) {
		e.mu.Lock()
		e.nextMid = 0xFFFF
		e.mu.Unlock()
		_, mid := e.Subscribe("a/b", QoS1)
		assert.Equal(t, uint16(1), mid)
	})

	h.expectNone(t)
}

func TestPahoEngineQueueLimit(t *testing.T) {
	e, err := NewPahoEngine(EngineConfig{MaxQueuedPublishes: 1})
	require.NoError(t, err)

	rc, _ := e.Publish("a", QoS1, nil)
	assert.Equal(t, NoConn, rc)
	rc, _ = e.Publish("a", QoS1, nil)
	assert.Equal(t, QueueSize, rc)
	assert.Equal(t, 1, e.QueuedPublishes())
}

func TestPahoEngineLoop(t *testing.T) {
	e, err := NewPahoEngine(EngineConfig{})
	require.NoError(t, err)

	assert.ErrorIs(t, e.LoopStop(), ErrLoopNotRunning)
	require.NoError(t, e.LoopStart())
	assert.ErrorIs(t, e.LoopStart(), ErrLoopRunning)
	require.NoError(t, e.LoopStop())

	// Events raised while stopped are delivered after the next start.
	h := newRecordingHandler()
	e.SetHandler(h)
	e.handleConnectionLost(nil, fmt.Errorf("pingresp not received, disconnecting"))
	h.expectNone(t)

	require.NoError(t, e.LoopStart())
	defer e.LoopStop()
	h.expect(t, fmt.Sprintf("disconnect:%d", Keepalive))
}

func TestPahoEngineConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	e, h := newTestEngine(t)
	err = e.Connect("127.0.0.1", port, 30*time.Second)
	assert.Error(t, err)
	h.expectNone(t)
}

func TestPahoEngineConnackRefused(t *testing.T) {
	b := newFakeBroker(t)
	b.connack.Store(uint32(ConnackRefusedNotAuthorized))

	e, h := newTestEngine(t)
	require.NoError(t, e.Connect("127.0.0.1", b.port(), 30*time.Second))
	h.expect(t, "connect:5")
}

func TestPahoEngineSession(t *testing.T) {
	b := newFakeBroker(t)
	e, h := newTestEngine(t)
	e.SetCredentials("hub.example.net/dev1/?api-version=2021-04-12", "SharedAccessSignature sr=x&sig=y&se=1")

	require.NoError(t, e.Connect("127.0.0.1", b.port(), 30*time.Second))
	h.expect(t, "connect:0")

	cp := <-b.connects
	assert.Equal(t, "dev1", cp.ClientIdentifier)
	assert.Equal(t, "hub.example.net/dev1/?api-version=2021-04-12", cp.Username)
	assert.Equal(t, "SharedAccessSignature sr=x&sig=y&se=1", string(cp.Password))
	assert.False(t, cp.CleanSession)
	assert.Equal(t, uint16(30), cp.Keepalive)

	t.Run("Subscribe", func(t *testing.T) {
		rc, mid := e.Subscribe("devices/dev1/messages/devicebound/#", QoS1)
		require.Equal(t, Success, rc)
		h.expect(t, fmt.Sprintf("suback:%d", mid))
	})

	t.Run("Routes", func(t *testing.T) {
		e.AddRoute("devices/dev1/messages/devicebound/#")
		b.deliver(t, "devices/dev1/messages/devicebound/a", []byte("hello"))
		h.expect(t, "message:devices/dev1/messages/devicebound/#:devices/dev1/messages/devicebound/a:hello")

		b.deliver(t, "$iothub/methods/POST/reboot", []byte("{}"))
		h.expect(t, "message::$iothub/methods/POST/reboot:{}")

		e.RemoveRoute("devices/dev1/messages/devicebound/#")
		b.deliver(t, "devices/dev1/messages/devicebound/b", []byte("again"))
		h.expect(t, "message::devices/dev1/messages/devicebound/b:again")
	})

	t.Run("Publish", func(t *testing.T) {
		rc, mid := e.Publish("devices/dev1/messages/events/", QoS1, []byte("telemetry"))
		require.Equal(t, Success, rc)
		h.expect(t, fmt.Sprintf("puback:%d", mid))

		pub := <-b.published
		assert.Equal(t, "devices/dev1/messages/events/", pub.TopicName)
		assert.Equal(t, "telemetry", string(pub.Payload))
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		rc, mid := e.Unsubscribe("devices/dev1/messages/devicebound/#")
		require.Equal(t, Success, rc)
		h.expect(t, fmt.Sprintf("unsuback:%d", mid))
	})

	t.Run("DisconnectThenRedeliver", func(t *testing.T) {
		require.Equal(t, Success, e.Disconnect())
		h.expect(t, "disconnect:0")

		rc, mid := e.Publish("devices/dev1/messages/events/", QoS1, []byte("queued"))
		require.Equal(t, NoConn, rc)

		require.NoError(t, e.Connect("127.0.0.1", b.port(), 30*time.Second))
		h.expect(t, "connect:0")
		h.expect(t, fmt.Sprintf("puback:%d", mid))
		assert.Equal(t, 0, e.QueuedPublishes())

		pub := <-b.published
		assert.Equal(t, "queued", string(pub.Payload))
	})

	t.Run("ConnectionLost", func(t *testing.T) {
		b.dropConnections()
		h.expect(t, fmt.Sprintf("disconnect:%d", ConnLost))
	})
}

func TestPahoEngineInterruptedPublish(t *testing.T) {
	t.Run("ResentAfterReconnect", func(t *testing.T) {
		b := newFakeBroker(t)
		e, h := newTestEngine(t)

		require.NoError(t, e.Connect("127.0.0.1", b.port(), 30*time.Second))
		h.expect(t, "connect:0")

		b.holdPuback.Store(true)
		rc, mid := e.Publish("devices/dev1/messages/events/", QoS1, []byte("in flight"))
		require.Equal(t, Success, rc)
		first := receivePublish(t, b)
		assert.False(t, first.Dup)

		b.dropConnections()
		h.expect(t, fmt.Sprintf("disconnect:%d", ConnLost))
		h.expectNone(t)

		b.holdPuback.Store(false)
		require.NoError(t, e.Connect("127.0.0.1", b.port(), 30*time.Second))
		h.expectAll(t, "connect:0", fmt.Sprintf("puback:%d", mid))

		resent := receivePublish(t, b)
		assert.True(t, resent.Dup)
		assert.Equal(t, first.MessageID, resent.MessageID)
		assert.Equal(t, "in flight", string(resent.Payload))
		assert.Equal(t, 0, e.QueuedPublishes())
	})

	t.Run("ClientReplaced", func(t *testing.T) {
		first := newFakeBroker(t)
		second := newFakeBroker(t)
		e, h := newTestEngine(t)

		require.NoError(t, e.Connect("127.0.0.1", first.port(), 30*time.Second))
		h.expect(t, "connect:0")

		first.holdPuback.Store(true)
		rc, mid := e.Publish("devices/dev1/messages/events/", QoS1, []byte("moved"))
		require.Equal(t, Success, rc)
		receivePublish(t, first)

		first.dropConnections()
		h.expect(t, fmt.Sprintf("disconnect:%d", ConnLost))

		require.NoError(t, e.Connect("127.0.0.1", second.port(), 30*time.Second))
		h.expectAll(t, "connect:0", fmt.Sprintf("puback:%d", mid))

		pub := receivePublish(t, second)
		assert.Equal(t, "moved", string(pub.Payload))
		assert.Equal(t, 0, e.QueuedPublishes())
		h.expectNone(t)
	})

	t.Run("NoDuplicateAfterDisconnect", func(t *testing.T) {
		b := newFakeBroker(t)
		e, h := newTestEngine(t)

		require.NoError(t, e.Connect("127.0.0.1", b.port(), 30*time.Second))
		h.expect(t, "connect:0")

		b.holdPuback.Store(true)
		rc, mid := e.Publish("devices/dev1/messages/events/", QoS1, []byte("once"))
		require.Equal(t, Success, rc)
		receivePublish(t, b)

		require.Equal(t, Success, e.Disconnect())
		h.expect(t, "disconnect:0")
		require.Eventually(t, func() bool { return e.QueuedPublishes() == 1 }, 3*time.Second, 10*time.Millisecond)

		b.holdPuback.Store(false)
		require.NoError(t, e.Connect("127.0.0.1", b.port(), 30*time.Second))
		h.expectAll(t, "connect:0", fmt.Sprintf("puback:%d", mid))

		pub := receivePublish(t, b)
		assert.Equal(t, "once", string(pub.Payload))
		select {
		case extra := <-b.published:
			t.Fatalf("publish sent twice: %+v", extra)
		case <-time.After(100 * time.Millisecond):
		}
	})
}
