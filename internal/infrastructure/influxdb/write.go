package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// BridgeMeasurement is the measurement name for bridge telemetry points.
const BridgeMeasurement = "udp_bridge"

// BridgeSample is one telemetry sample of a bridge's counters.
type BridgeSample struct {
	BridgeID   string
	InstanceID string

	DatagramsReceived uint64
	BytesReceived     uint64
	DecodeFailures    uint64
	Published         uint64
	PublishFailures   uint64
	Acknowledged      uint64
	DeliveryFailures  uint64
	UnknownAcks       uint64
	Pending           int
	MQTTConnected     bool

	// Time is when the sample was taken. Zero means now.
	Time time.Time
}

// WriteBridgeSample queues s as a udp_bridge point.
//
// The point is tagged bridge_id, plus instance_id when s.InstanceID is
// set, and is dropped silently after Close. The write is non-blocking.
//
// Parameters:
//   - s: Counter snapshot; a zero s.Time means now
//
// Example:
//
//	client.WriteBridgeSample(influxdb.BridgeSample{
//	    BridgeID:  "udp-bridge-01",
//	    Published: 120,
//	    Pending:   3,
//	})
func (c *Client) WriteBridgeSample(s BridgeSample) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(bridgePoint(s))
}

func bridgePoint(s BridgeSample) *write.Point {
	ts := s.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	tags := map[string]string{"bridge_id": s.BridgeID}
	if s.InstanceID != "" {
		tags["instance_id"] = s.InstanceID
	}

	return write.NewPoint(
		BridgeMeasurement,
		tags,
		map[string]interface{}{
			"datagrams_received": s.DatagramsReceived,
			"bytes_received":     s.BytesReceived,
			"decode_failures":    s.DecodeFailures,
			"published":          s.Published,
			"publish_failures":   s.PublishFailures,
			"acknowledged":       s.Acknowledged,
			"delivery_failures":  s.DeliveryFailures,
			"unknown_acks":       s.UnknownAcks,
			"pending":            s.Pending,
			"mqtt_connected":     s.MQTTConnected,
		},
		ts,
	)
}

// WritePoint queues a point outside the bridge schema, timestamped now.
//
// Parameters:
//   - measurement: Measurement name
//   - tags: Indexed labels; keep cardinality low
//   - fields: Values to store
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime is WritePoint with an explicit timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}
