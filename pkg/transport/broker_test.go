package transport

import (
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/stretchr/testify/require"
)

// fakeBroker is a minimal MQTT 3.1.1 broker over TLS that acknowledges
// everything it receives unless holdPuback is set.
type fakeBroker struct {
	ln         net.Listener
	connack    atomic.Uint32
	holdPuback atomic.Bool

	mu    sync.Mutex
	conns []net.Conn

	connects  chan *packets.ConnectPacket
	published chan *packets.PublishPacket
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()

	cert, _ := generateTestCertificate(t)
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	require.NoError(t, err)

	b := &fakeBroker{
		ln:        ln,
		connects:  make(chan *packets.ConnectPacket, 16),
		published: make(chan *packets.PublishPacket, 16),
	}
	go b.serve()
	t.Cleanup(b.close)
	return b
}

func (b *fakeBroker) port() int {
	return b.ln.Addr().(*net.TCPAddr).Port
}

func (b *fakeBroker) serve() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns = append(b.conns, conn)
		b.mu.Unlock()
		go b.handle(conn)
	}
}

func (b *fakeBroker) handle(conn net.Conn) {
	defer conn.Close()

	for {
		cp, err := packets.ReadPacket(conn)
		if err != nil {
			return
		}

		switch p := cp.(type) {
		case *packets.ConnectPacket:
			b.connects <- p
			ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
			ack.ReturnCode = byte(b.connack.Load())
			if err := ack.Write(conn); err != nil || ack.ReturnCode != packets.Accepted {
				return
			}
		case *packets.SubscribePacket:
			ack := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
			ack.MessageID = p.MessageID
			ack.ReturnCodes = p.Qoss
			_ = ack.Write(conn)
		case *packets.UnsubscribePacket:
			ack := packets.NewControlPacket(packets.Unsuback).(*packets.UnsubackPacket)
			ack.MessageID = p.MessageID
			_ = ack.Write(conn)
		case *packets.PublishPacket:
			b.published <- p
			if p.Qos == 1 && !b.holdPuback.Load() {
				ack := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
				ack.MessageID = p.MessageID
				_ = ack.Write(conn)
			}
		case *packets.PingreqPacket:
			_ = packets.NewControlPacket(packets.Pingresp).Write(conn)
		case *packets.DisconnectPacket:
			return
		}
	}
}

// deliver sends a QoS 0 PUBLISH to the most recent client connection.
func (b *fakeBroker) deliver(t *testing.T, topic string, payload []byte) {
	t.Helper()

	b.mu.Lock()
	conn := b.conns[len(b.conns)-1]
	b.mu.Unlock()

	pub := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	pub.TopicName = topic
	pub.Payload = payload
	require.NoError(t, pub.Write(conn))
}

// dropConnections closes every client connection without a DISCONNECT.
func (b *fakeBroker) dropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		c.Close()
	}
	b.conns = nil
}

func (b *fakeBroker) close() {
	b.ln.Close()
	b.dropConnections()
}
