// Package mqtt provides the broker connection used by the UDP bridge.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Asynchronous publishing with per-message delivery callbacks
//   - Synchronous publishing for status and health messages
//   - Last Will and Testament (LWT) for offline detection
//
// # Delivery tracking
//
// PublishAsync returns a DeliveryID immediately. A watcher goroutine waits
// on the paho token and calls the DeliveryHandler registered with
// SetOnDelivered once the broker has confirmed the message, or with an
// error wrapping ErrPublishFailed if paho gave up on it (for example
// because the client was closed with the message still in flight).
//
// DeliveryIDs are allocated from a counter and never reused. MQTT packet
// identifiers are 16 bit and recycled by paho, so they only appear in logs.
//
// # Security Considerations
//
//   - Enable TLS (cfg.Broker.TLS=true) for brokers outside the host
//   - Credentials are validated against broker ACL
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.SetOnDelivered(func(id mqtt.DeliveryID, err error) {
//	    log.Printf("delivery %d: %v", id, err)
//	})
//	id, err := client.PublishAsync("test/topic", []byte("hello"), 1, false)
package mqtt
