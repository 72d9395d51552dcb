// Package api implements the status HTTP server for the UDP bridge.
//
// This package provides:
//   - Health endpoint reflecting MQTT connectivity and socket state
//   - JSON metrics (runtime, bridge counters, MQTT in-flight, journal outcomes)
//   - The list of delivery ids still awaiting acknowledgement
//   - Prometheus exposition of the bridge counters
//   - Middleware stack (request ID, logging, recovery)
//
// # Endpoints
//
//	GET /api/v1/health   200 when healthy, 503 when degraded
//	GET /api/v1/metrics  JSON system metrics
//	GET /api/v1/pending  pending delivery ids
//	GET /metrics         Prometheus text format
//
// The server is read-only and has no authentication. Bind it to loopback
// (the default) or a management network.
package api
