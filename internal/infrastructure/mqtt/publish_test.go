package mqtt

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-udpbridge/internal/testutil/mqttbroker"
)

// =============================================================================
// Fakes
// =============================================================================

// fakeToken is a paho token completed by the test.
type fakeToken struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newFakeToken() *fakeToken { return &fakeToken{done: make(chan struct{})} }

func (t *fakeToken) complete(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

func (t *fakeToken) Wait() bool { <-t.done; return true }

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }

func (t *fakeToken) Error() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// fakePaho records publishes and hands back tokens the test completes.
// Methods the client never calls are left to the embedded nil interface.
type fakePaho struct {
	pahomqtt.Client

	mu        sync.Mutex
	connected bool
	tokens    []*fakeToken

	// autoComplete confirms every publish immediately.
	autoComplete bool
}

func (f *fakePaho) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePaho) Publish(_ string, _ byte, _ bool, _ interface{}) pahomqtt.Token {
	tok := newFakeToken()
	f.mu.Lock()
	f.tokens = append(f.tokens, tok)
	auto := f.autoComplete
	f.mu.Unlock()
	if auto {
		tok.complete(nil)
	}
	return tok
}

// Disconnect fails tokens still outstanding, as paho does on close.
func (f *fakePaho) Disconnect(uint) {
	f.mu.Lock()
	f.connected = false
	tokens := append([]*fakeToken(nil), f.tokens...)
	f.mu.Unlock()
	for _, tok := range tokens {
		tok.complete(errors.New("client disconnected"))
	}
}

func (f *fakePaho) token(i int) *fakeToken {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens[i]
}

type delivery struct {
	id  DeliveryID
	err error
}

func newFakeClient() (*Client, *fakePaho, chan delivery) {
	fake := &fakePaho{connected: true}
	c := &Client{client: fake, connected: true}
	ch := make(chan delivery, 16)
	c.SetOnDelivered(func(id DeliveryID, err error) {
		ch <- delivery{id: id, err: err}
	})
	return c, fake, ch
}

func waitDelivery(t *testing.T, ch chan delivery) delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("delivery handler not invoked")
		return delivery{}
	}
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestPublishAsync_Validation(t *testing.T) {
	c, _, _ := newFakeClient()

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{"empty topic", "", []byte("x"), 1, ErrInvalidTopic},
		{"wildcard topic", "test/#", []byte("x"), 1, ErrInvalidTopic},
		{"invalid qos", "test/topic", []byte("x"), 3, ErrInvalidQoS},
		{"payload too large", "test/topic", make([]byte, maxPayloadSize+1), 1, ErrPublishFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := c.PublishAsync(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("PublishAsync() error = %v, want %v", err, tt.wantErr)
			}
			if id != 0 {
				t.Errorf("PublishAsync() id = %d on error, want 0", id)
			}
		})
	}

	if c.InFlight() != 0 {
		t.Errorf("InFlight() = %d after rejected publishes, want 0", c.InFlight())
	}
}

func TestPublishAsync_NotConnected(t *testing.T) {
	c, fake, _ := newFakeClient()
	fake.connected = false

	if _, err := c.PublishAsync("test/topic", []byte("x"), 1, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("PublishAsync() error = %v, want ErrNotConnected", err)
	}
}

func TestPublishAsync_AfterClose(t *testing.T) {
	c, fake, _ := newFakeClient()
	fake.connected = false
	c.Close()

	if _, err := c.PublishAsync("test/topic", []byte("x"), 1, false); !errors.Is(err, ErrClosed) {
		t.Errorf("PublishAsync() error = %v, want ErrClosed", err)
	}
	if err := c.Publish("test/topic", []byte("x"), 1, false); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish() error = %v, want ErrClosed", err)
	}
}

// =============================================================================
// Delivery Tests
// =============================================================================

func TestPublishAsync_IDsIncrease(t *testing.T) {
	c, _, _ := newFakeClient()

	var last DeliveryID
	for i := 0; i < 5; i++ {
		id, err := c.PublishAsync("test/topic", []byte("x"), 1, false)
		if err != nil {
			t.Fatalf("PublishAsync() error = %v", err)
		}
		if id <= last {
			t.Fatalf("id %d not greater than previous %d", id, last)
		}
		last = id
	}
	if c.InFlight() != 5 {
		t.Errorf("InFlight() = %d, want 5", c.InFlight())
	}
}

func TestPublishAsync_DeliveryConfirmed(t *testing.T) {
	c, fake, ch := newFakeClient()

	id, err := c.PublishAsync("test/topic", []byte("hello"), 1, false)
	if err != nil {
		t.Fatalf("PublishAsync() error = %v", err)
	}

	select {
	case <-ch:
		t.Fatal("handler invoked before the token completed")
	case <-time.After(50 * time.Millisecond):
	}

	fake.token(0).complete(nil)
	d := waitDelivery(t, ch)
	if d.id != id {
		t.Errorf("delivered id = %d, want %d", d.id, id)
	}
	if d.err != nil {
		t.Errorf("delivered err = %v, want nil", d.err)
	}
}

func TestPublishAsync_DeliveryFailed(t *testing.T) {
	c, fake, ch := newFakeClient()

	id, _ := c.PublishAsync("test/topic", []byte("hello"), 1, false)
	fake.token(0).complete(errors.New("connection lost before Publish completed"))

	d := waitDelivery(t, ch)
	if d.id != id {
		t.Errorf("delivered id = %d, want %d", d.id, id)
	}
	if !errors.Is(d.err, ErrPublishFailed) {
		t.Errorf("delivered err = %v, want ErrPublishFailed", d.err)
	}
}

func TestPublishAsync_OutOfOrderCompletion(t *testing.T) {
	c, fake, ch := newFakeClient()

	first, _ := c.PublishAsync("test/topic", []byte("a"), 1, false)
	second, _ := c.PublishAsync("test/topic", []byte("b"), 1, false)

	fake.token(1).complete(nil)
	if d := waitDelivery(t, ch); d.id != second {
		t.Errorf("first delivery id = %d, want %d", d.id, second)
	}
	fake.token(0).complete(nil)
	if d := waitDelivery(t, ch); d.id != first {
		t.Errorf("second delivery id = %d, want %d", d.id, first)
	}

	deadline := time.Now().Add(time.Second)
	for c.InFlight() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.InFlight() != 0 {
		t.Errorf("InFlight() = %d after all deliveries, want 0", c.InFlight())
	}
}

func TestPublishAsync_ConcurrentClose(t *testing.T) {
	c, fake, _ := newFakeClient()
	fake.autoComplete = true

	var accepted, handled atomic.Int64
	c.SetOnDelivered(func(DeliveryID, error) { handled.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if _, err := c.PublishAsync("test/topic", []byte("x"), 1, false); err != nil {
					return
				}
				accepted.Add(1)
			}
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for accepted.Load() < 50 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	handledAtClose := handled.Load()
	wg.Wait()

	// Every publish accepted before Close has had its handler run by the
	// time Close returns.
	if got := accepted.Load(); got != handledAtClose {
		t.Errorf("accepted %d publishes, %d handled when Close returned", got, handledAtClose)
	}
	if _, err := c.PublishAsync("test/topic", []byte("x"), 1, false); !errors.Is(err, ErrClosed) {
		t.Errorf("PublishAsync() after Close error = %v, want ErrClosed", err)
	}
}

func TestPublish_Timeout(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the publish timeout")
	}
	c, _, _ := newFakeClient()

	err := c.Publish("test/topic", []byte("x"), 1, false)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Publish() error = %v, want ErrTimeout", err)
	}
}

// =============================================================================
// Broker Tests
// =============================================================================

func TestPublishAsync_Broker(t *testing.T) {
	b := mqttbroker.Start(t)
	client := connectTest(t, b)

	ch := make(chan delivery, 4)
	client.SetOnDelivered(func(id DeliveryID, err error) {
		ch <- delivery{id: id, err: err}
	})

	for _, qos := range []byte{1, 2} {
		id, err := client.PublishAsync("test/topic", []byte("hello"), qos, false)
		if err != nil {
			t.Fatalf("PublishAsync(qos=%d) error = %v", qos, err)
		}
		d := waitDelivery(t, ch)
		if d.id != id || d.err != nil {
			t.Errorf("qos %d: delivery = %+v, want id %d without error", qos, d, id)
		}
	}

	msgs := b.WaitForMessages("test/topic", 2, 2*time.Second)
	if len(msgs) != 2 {
		t.Fatalf("broker saw %d messages, want 2", len(msgs))
	}
	if string(msgs[0].Payload) != "hello" {
		t.Errorf("payload = %q, want hello", msgs[0].Payload)
	}
}

func TestPublish_Broker(t *testing.T) {
	b := mqttbroker.Start(t)
	client := connectTest(t, b)

	if err := client.Publish("graylogic/health/udp/test", []byte(`{"status":"healthy"}`), 1, true); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	msgs := b.WaitForMessages("graylogic/health/udp/test", 1, 2*time.Second)
	if len(msgs) != 1 || !msgs[0].Retained {
		t.Errorf("broker messages = %+v, want one retained message", msgs)
	}
}

func TestPublish_Disconnected(t *testing.T) {
	b := mqttbroker.Start(t)
	client, err := Connect(testConfig(b))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	client.Close()

	if err := client.Publish("test/topic", []byte("x"), 1, false); err == nil {
		t.Error("Publish() after Close expected error")
	}
}
