// Package mqttbroker runs an embedded MQTT broker for tests.
//
// It wraps mochi-mqtt with an allow-all auth hook and an inline client so
// tests can observe every publish without a second MQTT connection.
package mqttbroker

import (
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
)

// Message is a publish observed by the broker.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Broker is a running embedded broker bound to a loopback port.
type Broker struct {
	server *mochi.Server
	host   string
	port   int

	closeOnce sync.Once
	closeErr  error

	mu       sync.Mutex
	messages []Message
	notify   chan struct{}
}

// Start launches a broker on a free loopback port and registers its
// shutdown with t.Cleanup.
func Start(t testing.TB) *Broker {
	t.Helper()

	port := freePort(t)
	b := &Broker{
		host:   "127.0.0.1",
		port:   port,
		notify: make(chan struct{}, 1),
	}

	b.server = mochi.New(&mochi.Options{
		InlineClient: true,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := b.server.AddHook(new(auth.AllowHook), nil); err != nil {
		t.Fatalf("mqttbroker: adding auth hook: %v", err)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "test", Address: b.Address()})
	if err := b.server.AddListener(tcp); err != nil {
		t.Fatalf("mqttbroker: adding listener: %v", err)
	}

	if err := b.server.Subscribe("#", 1, b.record); err != nil {
		t.Fatalf("mqttbroker: inline subscribe: %v", err)
	}

	if err := b.server.Serve(); err != nil {
		t.Fatalf("mqttbroker: serve: %v", err)
	}

	t.Cleanup(func() {
		_ = b.Close()
	})

	return b
}

func freePort(t testing.TB) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("mqttbroker: finding free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func (b *Broker) record(_ *mochi.Client, _ packets.Subscription, pk packets.Packet) {
	payload := make([]byte, len(pk.Payload))
	copy(payload, pk.Payload)

	b.mu.Lock()
	b.messages = append(b.messages, Message{
		Topic:    pk.TopicName,
		Payload:  payload,
		QoS:      pk.FixedHeader.Qos,
		Retained: pk.FixedHeader.Retain,
	})
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Host returns the broker host.
func (b *Broker) Host() string { return b.host }

// Port returns the broker TCP port.
func (b *Broker) Port() int { return b.port }

// Address returns host:port.
func (b *Broker) Address() string {
	return net.JoinHostPort(b.host, strconv.Itoa(b.port))
}

// Close stops the broker, dropping every client connection.
// It is safe to call more than once.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.server.Close()
	})
	return b.closeErr
}

// Messages returns every publish seen so far on topic.
func (b *Broker) Messages(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Message
	for _, m := range b.messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// WaitForMessages blocks until at least n publishes on topic have been
// seen or timeout elapses, and returns what was seen.
func (b *Broker) WaitForMessages(topic string, n int, timeout time.Duration) []Message {
	deadline := time.After(timeout)
	for {
		if msgs := b.Messages(topic); len(msgs) >= n {
			return msgs
		}
		select {
		case <-b.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			return b.Messages(topic)
		}
	}
}
