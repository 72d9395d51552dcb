package udp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-udpbridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-udpbridge/internal/journal"
)

// =============================================================================
// Mock Publisher
// =============================================================================

type publishCall struct {
	id       mqtt.DeliveryID
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// mockPublisher implements Publisher. Acknowledgements are delivered by
// the test through ack.
type mockPublisher struct {
	mu        sync.Mutex
	connected bool
	nextID    uint64
	async     []publishCall
	blocking  []publishCall
	handler   mqtt.DeliveryHandler
	failWith  error
	closed    int

	// ackOnPublish delivers a confirmation from another goroutine as soon
	// as PublishAsync is called, racing the caller's bookkeeping.
	ackOnPublish bool
}

func newMockPublisher() *mockPublisher {
	return &mockPublisher{connected: true}
}

func (m *mockPublisher) PublishAsync(topic string, payload []byte, qos byte, retained bool) (mqtt.DeliveryID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWith != nil {
		return 0, m.failWith
	}
	m.nextID++
	id := mqtt.DeliveryID(m.nextID)
	m.async = append(m.async, publishCall{id: id, topic: topic, payload: payload, qos: qos, retained: retained})

	if m.ackOnPublish && m.handler != nil {
		h := m.handler
		go h(id, nil)
	}
	return id, nil
}

func (m *mockPublisher) SetOnDelivered(handler mqtt.DeliveryHandler) {
	m.mu.Lock()
	m.handler = handler
	m.mu.Unlock()
}

func (m *mockPublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocking = append(m.blocking, publishCall{topic: topic, payload: payload, qos: qos, retained: retained})
	return nil
}

func (m *mockPublisher) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockPublisher) Close() error {
	m.mu.Lock()
	m.closed++
	m.connected = false
	m.mu.Unlock()
	return nil
}

// ack invokes the registered delivery handler on another goroutine, as
// the MQTT client does, and waits for it to return.
func (m *mockPublisher) ack(id mqtt.DeliveryID, err error) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h(id, err)
		close(done)
	}()
	<-done
}

func (m *mockPublisher) asyncCalls() []publishCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]publishCall(nil), m.async...)
}

func (m *mockPublisher) syncCalls() []publishCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]publishCall(nil), m.blocking...)
}

func (m *mockPublisher) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockPublisher) setFailure(err error) {
	m.mu.Lock()
	m.failWith = err
	m.mu.Unlock()
}

// =============================================================================
// Mock Source
// =============================================================================

// mockSource implements Source from a channel of datagrams or errors.
type mockSource struct {
	items chan any
	once  sync.Once
}

func newMockSource() *mockSource {
	return &mockSource{items: make(chan any, 64)}
}

func (s *mockSource) Receive(ctx context.Context) (Datagram, error) {
	select {
	case <-ctx.Done():
		return Datagram{}, fmt.Errorf("%w: %w", ErrListenerClosed, ctx.Err())
	case item, ok := <-s.items:
		if !ok {
			return Datagram{}, ErrListenerClosed
		}
		if err, isErr := item.(error); isErr {
			return Datagram{}, err
		}
		return item.(Datagram), nil
	}
}

func (s *mockSource) Stats() ListenerStats {
	return ListenerStats{Open: true, Address: "127.0.0.1:12345"}
}

func (s *mockSource) send(payload string) {
	s.items <- Datagram{
		Payload:    []byte(payload),
		From:       &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000},
		ReceivedAt: time.Now(),
	}
}

func (s *mockSource) sendRaw(payload []byte) {
	s.items <- Datagram{Payload: payload, ReceivedAt: time.Now()}
}

func (s *mockSource) fail(err error) {
	s.items <- err
}

func (s *mockSource) close() {
	s.once.Do(func() { close(s.items) })
}

// =============================================================================
// Mock Journal
// =============================================================================

type mockJournal struct {
	mu           sync.Mutex
	published    []journal.Entry
	acknowledged []uint64
	failed       map[uint64]string
	stranded     []uint64
	completed    map[uint64]bool

	// blockID, when set, makes RecordPublished for that id wait until
	// release is closed or its context ends. entered is closed on arrival.
	blockID uint64
	entered chan struct{}
	release chan struct{}
}

func newMockJournal() *mockJournal {
	return &mockJournal{
		failed:    make(map[uint64]string),
		completed: make(map[uint64]bool),
	}
}

func newBlockingJournal(id uint64) *mockJournal {
	j := newMockJournal()
	j.blockID = id
	j.entered = make(chan struct{})
	j.release = make(chan struct{})
	return j
}

func (j *mockJournal) RecordPublished(ctx context.Context, e journal.Entry) error {
	if j.blockID != 0 && e.DeliveryID == j.blockID {
		close(j.entered)
		select {
		case <-j.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.published = append(j.published, e)
	return nil
}

func (j *mockJournal) MarkAcknowledged(_ context.Context, id uint64, _ time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.completed[id] {
		return journal.ErrCompleted
	}
	j.completed[id] = true
	j.acknowledged = append(j.acknowledged, id)
	return nil
}

func (j *mockJournal) MarkFailed(_ context.Context, id uint64, reason string, _ time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.completed[id] {
		return journal.ErrCompleted
	}
	j.completed[id] = true
	j.failed[id] = reason
	return nil
}

func (j *mockJournal) MarkStranded(_ context.Context, ids []uint64, _ time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.stranded = append(j.stranded, ids...)
	return nil
}

func (j *mockJournal) publishedCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.published)
}

// =============================================================================
// Recording Logger
// =============================================================================

type logEntry struct {
	level string
	msg   string
	args  []any
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) add(level, msg string, args []any) {
	l.mu.Lock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: args})
	l.mu.Unlock()
}

func (l *recordingLogger) Debug(msg string, args ...any) { l.add("debug", msg, args) }
func (l *recordingLogger) Info(msg string, args ...any)  { l.add("info", msg, args) }
func (l *recordingLogger) Warn(msg string, args ...any)  { l.add("warn", msg, args) }
func (l *recordingLogger) Error(msg string, args ...any) { l.add("error", msg, args) }

func (l *recordingLogger) count(level, msg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			n++
		}
	}
	return n
}

// =============================================================================
// Helpers
// =============================================================================

type testBridge struct {
	*Bridge
	pub    *mockPublisher
	src    *mockSource
	log    *recordingLogger
	cancel context.CancelFunc
	done   chan error
}

func newTestBridge(t *testing.T, mutate func(o *Options)) *testBridge {
	t.Helper()
	pub := newMockPublisher()
	src := newMockSource()
	log := &recordingLogger{}

	opts := Options{
		BridgeID:          "udp-test",
		InstanceID:        "inst-test",
		Version:           "test",
		QoS:               1,
		DrainPollInterval: 10 * time.Millisecond,
		Source:            src,
		Publisher:         pub,
		Logger:            log,
	}
	if mutate != nil {
		mutate(&opts)
	}

	b, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &testBridge{Bridge: b, pub: pub, src: src, log: log}
}

// start runs the forwarding loop until the test ends.
func (tb *testBridge) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	tb.cancel = cancel
	tb.done = make(chan error, 1)
	go func() { tb.done <- tb.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-tb.done
	})
}

// stop cancels Run and returns its result.
func (tb *testBridge) stop(t *testing.T) error {
	t.Helper()
	tb.cancel()
	select {
	case err := <-tb.done:
		tb.done <- err // let cleanup drain it
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
