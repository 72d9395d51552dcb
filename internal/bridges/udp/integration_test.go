package udp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-udpbridge/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-udpbridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-udpbridge/internal/testutil/mqttbroker"
)

// TestIntegration_UDPToBroker runs the full path: a real UDP socket, the
// bridge, a paho client and an embedded broker.
func TestIntegration_UDPToBroker(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	broker := mqttbroker.Start(t)

	client, err := mqtt.Connect(config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     broker.Host(),
			Port:     broker.Port(),
			ClientID: "udpbridge-integration",
		},
		QoS:       1,
		Reconnect: config.MQTTReconnectConfig{InitialDelay: 1, MaxDelay: 5},
	})
	if err != nil {
		t.Fatalf("mqtt.Connect() error = %v", err)
	}

	listener, err := Listen(ListenerConfig{Host: "127.0.0.1", Port: 0})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer listener.Close()

	bridge, err := New(Options{
		BridgeID:     "udp-it",
		QoS:          1,
		DrainTimeout: 5 * time.Second,
		Source:       listener,
		Publisher:    client,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bridge.Run(ctx) }()

	conn, err := net.Dial("udp", listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for _, payload := range []string{"hello", "world"} {
		if _, err := conn.Write([]byte(payload)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	msgs := broker.WaitForMessages(DefaultTopic, 2, 5*time.Second)
	if len(msgs) != 2 {
		t.Fatalf("broker saw %d messages on %s, want 2", len(msgs), DefaultTopic)
	}
	if string(msgs[0].Payload) != "hello" || string(msgs[1].Payload) != "world" {
		t.Errorf("payloads = %q, %q", msgs[0].Payload, msgs[1].Payload)
	}
	if msgs[0].QoS != 1 {
		t.Errorf("QoS = %d, want 1", msgs[0].QoS)
	}

	waitFor(t, "acknowledgements", func() bool { return bridge.Stats().Acknowledged == 2 })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if err := bridge.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("client still connected after Shutdown")
	}
}

// TestIntegration_BrokerLossFailsInFlight closes the broker under the
// bridge and checks that drain still terminates.
func TestIntegration_BrokerLossFailsInFlight(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	broker := mqttbroker.Start(t)
	client, err := mqtt.Connect(config.MQTTConfig{
		Broker:    config.MQTTBrokerConfig{Host: broker.Host(), Port: broker.Port(), ClientID: "udpbridge-loss"},
		QoS:       1,
		Reconnect: config.MQTTReconnectConfig{InitialDelay: 1, MaxDelay: 1},
	})
	if err != nil {
		t.Fatalf("mqtt.Connect() error = %v", err)
	}

	src := newMockSource()
	bridge, err := New(Options{
		BridgeID:     "udp-loss",
		QoS:          1,
		DrainTimeout: 500 * time.Millisecond,
		Source:       src,
		Publisher:    client,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	broker.Close()
	waitFor(t, "disconnect", func() bool { return !client.IsConnected() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bridge.Run(ctx) }()

	src.send("while down")
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	// Either the publish was rejected or it is pending; Shutdown must
	// return in bounded time and close the client either way.
	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- bridge.Shutdown(context.Background()) }()
	select {
	case <-shutdownDone:
	case <-time.After(10 * time.Second):
		t.Fatal("Shutdown did not return")
	}

	s := bridge.Stats()
	if s.Published+s.PublishFailures != 1 {
		t.Errorf("Published = %d, PublishFailures = %d; want one attempt", s.Published, s.PublishFailures)
	}
	if s.Pending != 0 {
		t.Errorf("Pending = %d after Shutdown, want 0", s.Pending)
	}
	// A stranded message is not counted again when Close fails its token.
	if s.Stranded+s.DeliveryFailures > s.Published {
		t.Errorf("Stranded = %d, DeliveryFailures = %d for %d published", s.Stranded, s.DeliveryFailures, s.Published)
	}
}
