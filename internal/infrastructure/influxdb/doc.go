// Package influxdb writes UDP bridge telemetry to InfluxDB v2.
//
// It wraps the official influxdb-client-go v2 library. On every health tick
// the bridge's counters are written as one point of the udp_bridge
// measurement, tagged with bridge_id and instance_id, so throughput and
// acknowledgement backlog can be graphed over time.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteBridgeSample(influxdb.BridgeSample{BridgeID: "udp-bridge-01", Pending: 2})
//
// # Error Handling
//
// Writes are non-blocking and batched (batch_size, flush_interval in
// config.yaml). Batch failures are delivered to the SetOnError callback.
// Connection and health check errors are returned directly.
package influxdb
