package mqtt

import (
	"fmt"
	"strings"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Maximum payload size for MQTT messages (1MB).
// This prevents resource exhaustion and aligns with typical broker limits.
const maxPayloadSize = 1 << 20 // 1MB

// validatePublish checks topic, QoS and payload size before anything is sent.
func validatePublish(topic string, payload []byte, qos byte) error {
	if topic == "" || strings.ContainsAny(topic, "+#") {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	return nil
}

// Publish sends a message and waits for the broker to confirm it.
//
// Parameters:
//   - topic: The topic to publish to (e.g., "graylogic/health/udp/udp-bridge-01")
//   - payload: The message payload (max 1MB)
//   - qos: Quality of Service level (0, 1, or 2)
//   - retained: Whether the broker should retain the message for new subscribers
//
// Returns:
//   - error: nil on success, or wrapped error describing the failure
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := validatePublish(topic, payload, qos); err != nil {
		return err
	}
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: %w after %v", ErrPublishFailed, ErrTimeout, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	return nil
}

// PublishAsync hands a message to paho and returns without waiting for
// the broker.
//
// On success the returned DeliveryID is later passed, exactly once, to the
// handler registered with SetOnDelivered. When an error is returned nothing
// was sent and the handler will not be called for this message.
//
// The connection check uses paho's own view, so QoS 1 and 2 messages
// published while paho is reconnecting are queued by paho and confirmed
// after the session is re-established.
//
// QoS Levels:
//   - 0: Confirmed as soon as the packet is written (no broker ack exists)
//   - 1: Confirmed on PUBACK
//   - 2: Confirmed on PUBCOMP
func (c *Client) PublishAsync(topic string, payload []byte, qos byte, retained bool) (DeliveryID, error) {
	if err := validatePublish(topic, payload, qos); err != nil {
		return 0, err
	}
	if c.closed.Load() {
		return 0, ErrClosed
	}
	if c.client == nil || !c.client.IsConnected() {
		return 0, ErrNotConnected
	}

	// Re-checked under closeMu: a Close that has set the flag is already
	// waiting on watchers.
	c.closeMu.Lock()
	if c.closed.Load() {
		c.closeMu.Unlock()
		return 0, ErrClosed
	}
	c.watchers.Add(1)
	c.closeMu.Unlock()

	id := DeliveryID(c.nextID.Add(1))
	token := c.client.Publish(topic, qos, retained, payload)

	c.inFlight.Add(1)
	go c.watchDelivery(id, token)

	return id, nil
}

// watchDelivery waits for paho to complete a token and reports the outcome.
func (c *Client) watchDelivery(id DeliveryID, token pahomqtt.Token) {
	defer c.watchers.Done()

	<-token.Done()
	c.inFlight.Add(-1)

	var packetID uint16
	if pt, ok := token.(*pahomqtt.PublishToken); ok {
		packetID = pt.MessageID()
	}

	err := token.Error()
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrPublishFailed, err)
	} else {
		c.logDebug("mqtt delivery confirmed", "delivery_id", uint64(id), "packet_id", packetID)
	}

	c.callbackMu.RLock()
	handler := c.onDelivered
	c.callbackMu.RUnlock()
	if handler != nil {
		handler(id, err)
	}
}
