package udp

import (
	"sync/atomic"
	"time"
)

// Stats is a point-in-time snapshot of bridge activity.
type Stats struct {
	Listener ListenerStats

	// DecodeFailures counts datagrams skipped because they were not UTF-8.
	DecodeFailures uint64

	// Published counts messages handed to the MQTT client.
	Published uint64

	// PublishFailures counts publishes the client rejected outright.
	PublishFailures uint64

	// Acknowledged counts broker-confirmed deliveries.
	Acknowledged uint64

	// DeliveryFailures counts published messages the client later gave up on.
	DeliveryFailures uint64

	// UnknownAcks counts acknowledgements for ids that were not pending.
	UnknownAcks uint64

	// Stranded counts ids left pending when a drain timed out.
	Stranded uint64

	// Pending is the current size of the pending set.
	Pending int

	MQTTConnected bool
	LastReceived  time.Time
	StartedAt     time.Time
}

// counters holds the bridge's own atomic counters.
type counters struct {
	decodeFailures   atomic.Uint64
	published        atomic.Uint64
	publishFailures  atomic.Uint64
	acknowledged     atomic.Uint64
	deliveryFailures atomic.Uint64
	unknownAcks      atomic.Uint64
	stranded         atomic.Uint64
	lastReceived     atomic.Int64 // unix nanoseconds
}

func (c *counters) snapshot() Stats {
	s := Stats{
		DecodeFailures:   c.decodeFailures.Load(),
		Published:        c.published.Load(),
		PublishFailures:  c.publishFailures.Load(),
		Acknowledged:     c.acknowledged.Load(),
		DeliveryFailures: c.deliveryFailures.Load(),
		UnknownAcks:      c.unknownAcks.Load(),
		Stranded:         c.stranded.Load(),
	}
	if ns := c.lastReceived.Load(); ns != 0 {
		s.LastReceived = time.Unix(0, ns).UTC()
	}
	return s
}
