package udp

import (
	"time"

	"github.com/nerrad567/gray-logic-udpbridge/internal/infrastructure/mqtt"
)

// Protocol names this bridge in shared topic hierarchies.
const Protocol = "udp"

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates the bridge is operating normally.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the broker or the socket is unavailable.
	HealthDegraded HealthStatus = "degraded"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is draining before shutdown.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports the bridge's operational status.
// Topic: graylogic/health/udp/{bridge_id}
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge        string       `json:"bridge"`
	InstanceID    string       `json:"instance_id,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
	Status        HealthStatus `json:"status"`
	Version       string       `json:"version"`
	UptimeSeconds int64        `json:"uptime_seconds"`

	// Listen is the bound UDP address.
	Listen string `json:"listen,omitempty"`

	// Topic is where datagrams are forwarded.
	Topic string `json:"topic,omitempty"`

	Statistics *BridgeStatistics `json:"statistics,omitempty"`

	// Reason explains the status (especially degraded).
	Reason string `json:"reason,omitempty"`
}

// BridgeStatistics contains operational counters.
type BridgeStatistics struct {
	DatagramsReceived uint64 `json:"datagrams_received"`
	BytesReceived     uint64 `json:"bytes_received"`
	DecodeFailures    uint64 `json:"decode_failures"`
	Published         uint64 `json:"published"`
	PublishFailures   uint64 `json:"publish_failures"`
	Acknowledged      uint64 `json:"acknowledged"`
	DeliveryFailures  uint64 `json:"delivery_failures"`
	UnknownAcks       uint64 `json:"unknown_acks"`
	Pending           int    `json:"pending"`
}

// NewHealthMessage creates a health status message from a stats snapshot.
func NewHealthMessage(bridgeID, instanceID, version, topic string, status HealthStatus, stats Stats) HealthMessage {
	msg := HealthMessage{
		Bridge:     bridgeID,
		InstanceID: instanceID,
		Timestamp:  time.Now().UTC(),
		Status:     status,
		Version:    version,
		Listen:     stats.Listener.Address,
		Topic:      topic,
		Statistics: &BridgeStatistics{
			DatagramsReceived: stats.Listener.DatagramsReceived,
			BytesReceived:     stats.Listener.BytesReceived,
			DecodeFailures:    stats.DecodeFailures,
			Published:         stats.Published,
			PublishFailures:   stats.PublishFailures,
			Acknowledged:      stats.Acknowledged,
			DeliveryFailures:  stats.DeliveryFailures,
			UnknownAcks:       stats.UnknownAcks,
			Pending:           stats.Pending,
		},
	}
	if !stats.StartedAt.IsZero() {
		msg.UptimeSeconds = int64(time.Since(stats.StartedAt).Seconds())
	}
	return msg
}

// HealthTopic returns the health topic for a bridge id.
func HealthTopic(bridgeID string) string {
	return mqtt.Topics{}.BridgeHealth(Protocol, bridgeID)
}
