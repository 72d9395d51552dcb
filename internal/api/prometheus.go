package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricsNamespace = "udpbridge"

// bridgeCollector exposes bridge counters as Prometheus metrics. Values are
// read from a fresh snapshot on every scrape.
type bridgeCollector struct {
	bridge BridgeStatus
	mqtt   MQTTStatus

	datagrams        *prometheus.Desc
	bytes            *prometheus.Desc
	receiveErrors    *prometheus.Desc
	decodeFailures   *prometheus.Desc
	published        *prometheus.Desc
	publishFailures  *prometheus.Desc
	acknowledged     *prometheus.Desc
	deliveryFailures *prometheus.Desc
	unknownAcks      *prometheus.Desc
	stranded         *prometheus.Desc
	pending          *prometheus.Desc
	connected        *prometheus.Desc
	inFlight         *prometheus.Desc
}

func newBridgeCollector(bridgeID string, bridge BridgeStatus, mqtt MQTTStatus) *bridgeCollector {
	labels := prometheus.Labels{"bridge_id": bridgeID}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, nil, labels)
	}

	return &bridgeCollector{
		bridge:           bridge,
		mqtt:             mqtt,
		datagrams:        desc("datagrams_received_total", "UDP datagrams read from the socket."),
		bytes:            desc("bytes_received_total", "UDP payload bytes read from the socket."),
		receiveErrors:    desc("receive_errors_total", "Failed socket reads."),
		decodeFailures:   desc("decode_failures_total", "Datagrams skipped because they were not valid UTF-8."),
		published:        desc("published_total", "Messages handed to the MQTT client."),
		publishFailures:  desc("publish_failures_total", "Publishes rejected by the MQTT client."),
		acknowledged:     desc("acknowledged_total", "Messages confirmed by the broker."),
		deliveryFailures: desc("delivery_failures_total", "Published messages the MQTT client gave up on."),
		unknownAcks:      desc("unknown_acks_total", "Acknowledgements for ids that were not pending."),
		stranded:         desc("stranded_total", "Messages left unacknowledged when a drain timed out."),
		pending:          desc("pending", "Messages awaiting broker acknowledgement."),
		connected:        desc("mqtt_connected", "1 when the MQTT client is connected."),
		inFlight:         desc("mqtt_in_flight", "Asynchronous publishes whose delivery callback has not run."),
	}
}

func (c *bridgeCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.datagrams, c.bytes, c.receiveErrors, c.decodeFailures,
		c.published, c.publishFailures, c.acknowledged, c.deliveryFailures,
		c.unknownAcks, c.stranded, c.pending, c.connected, c.inFlight,
	} {
		ch <- d
	}
}

func (c *bridgeCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.bridge.Stats()

	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	counter(c.datagrams, s.Listener.DatagramsReceived)
	counter(c.bytes, s.Listener.BytesReceived)
	counter(c.receiveErrors, s.Listener.ReceiveErrors)
	counter(c.decodeFailures, s.DecodeFailures)
	counter(c.published, s.Published)
	counter(c.publishFailures, s.PublishFailures)
	counter(c.acknowledged, s.Acknowledged)
	counter(c.deliveryFailures, s.DeliveryFailures)
	counter(c.unknownAcks, s.UnknownAcks)
	counter(c.stranded, s.Stranded)
	gauge(c.pending, float64(s.Pending))

	connected := 0.0
	if s.MQTTConnected {
		connected = 1
	}
	gauge(c.connected, connected)

	inFlight := 0
	if c.mqtt != nil {
		inFlight = c.mqtt.InFlight()
	}
	gauge(c.inFlight, float64(inFlight))
}

// newRegistry returns a registry with the bridge, Go runtime and process
// collectors.
func (s *Server) newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		newBridgeCollector(s.bridgeID, s.bridge, s.mqtt),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
