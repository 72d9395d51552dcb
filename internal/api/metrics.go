package api

import (
	"context"
	"net/http"
	"runtime"
	"time"
)

// journalCountTimeout bounds the journal query behind /api/v1/metrics.
const journalCountTimeout = 2 * time.Second

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	BridgeID      string         `json:"bridge_id"`
	InstanceID    string         `json:"instance_id,omitempty"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Runtime       RuntimeMetrics `json:"runtime"`
	Bridge        BridgeMetrics  `json:"bridge"`
	MQTT          MQTTMetrics    `json:"mqtt"`
	Journal       map[string]int `json:"journal,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// BridgeMetrics mirrors udp.Stats.
type BridgeMetrics struct {
	Listen            string `json:"listen"`
	ListenerOpen      bool   `json:"listener_open"`
	Topic             string `json:"topic"`
	DatagramsReceived uint64 `json:"datagrams_received"`
	BytesReceived     uint64 `json:"bytes_received"`
	ReceiveErrors     uint64 `json:"receive_errors"`
	DecodeFailures    uint64 `json:"decode_failures"`
	Published         uint64 `json:"published"`
	PublishFailures   uint64 `json:"publish_failures"`
	Acknowledged      uint64 `json:"acknowledged"`
	DeliveryFailures  uint64 `json:"delivery_failures"`
	UnknownAcks       uint64 `json:"unknown_acks"`
	Stranded          uint64 `json:"stranded"`
	Pending           int    `json:"pending"`
	LastReceived      string `json:"last_received,omitempty"`
}

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Connected bool `json:"connected"`
	InFlight  int  `json:"in_flight"`
}

// handleMetrics returns runtime, bridge, MQTT and journal metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	stats := s.bridge.Stats()

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		BridgeID:      s.bridgeID,
		InstanceID:    s.instanceID,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		Bridge: BridgeMetrics{
			Listen:            stats.Listener.Address,
			ListenerOpen:      stats.Listener.Open,
			Topic:             s.bridge.Topic(),
			DatagramsReceived: stats.Listener.DatagramsReceived,
			BytesReceived:     stats.Listener.BytesReceived,
			ReceiveErrors:     stats.Listener.ReceiveErrors,
			DecodeFailures:    stats.DecodeFailures,
			Published:         stats.Published,
			PublishFailures:   stats.PublishFailures,
			Acknowledged:      stats.Acknowledged,
			DeliveryFailures:  stats.DeliveryFailures,
			UnknownAcks:       stats.UnknownAcks,
			Stranded:          stats.Stranded,
			Pending:           stats.Pending,
		},
		MQTT: MQTTMetrics{Connected: stats.MQTTConnected},
	}
	if !stats.LastReceived.IsZero() {
		metrics.Bridge.LastReceived = stats.LastReceived.Format(time.RFC3339Nano)
	}

	if s.mqtt != nil {
		metrics.MQTT.InFlight = s.mqtt.InFlight()
	}

	if s.journal != nil {
		ctx, cancel := context.WithTimeout(r.Context(), journalCountTimeout)
		defer cancel()
		counts, err := s.journal.CountByOutcome(ctx)
		if err != nil {
			s.logger.Warn("journal count failed", "error", err)
		} else {
			metrics.Journal = make(map[string]int, len(counts))
			for outcome, n := range counts {
				metrics.Journal[string(outcome)] = n
			}
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
