package udp

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// defaultHealthInterval is used when HealthReporterConfig.Interval is zero.
const defaultHealthInterval = 30 * time.Second

// HealthPublisher is the interface for publishing health messages.
// This is typically implemented by an MQTT client.
type HealthPublisher interface {
	// Publish sends a message to a topic with the specified QoS and retention.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// IsConnected returns true if the publisher is connected.
	IsConnected() bool
}

// StatsSink receives a stats snapshot on every health tick.
// The InfluxDB telemetry writer implements it via an adapter in main.
type StatsSink interface {
	RecordStats(bridgeID string, stats Stats)
}

// HealthReporter publishes retained health messages at regular intervals.
type HealthReporter struct {
	bridgeID   string
	instanceID string
	version    string
	topic      string
	interval   time.Duration
	publisher  HealthPublisher
	stats      func() Stats
	sink       StatsSink

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	// Logger (optional)
	logger   Logger
	loggerMu sync.RWMutex
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	BridgeID   string
	InstanceID string
	Version    string

	// ForwardTopic is reported in the message body.
	ForwardTopic string

	// Interval is how often to publish health status.
	// Default: 30 seconds.
	Interval time.Duration

	// Publisher is the MQTT client for publishing messages.
	Publisher HealthPublisher

	// Stats returns the current bridge snapshot.
	Stats func() Stats

	// Sink is optional.
	Sink StatsSink
}

// NewHealthReporter creates a new health reporter.
// Call Start to begin reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	stats := cfg.Stats
	if stats == nil {
		stats = func() Stats { return Stats{} }
	}

	return &HealthReporter{
		bridgeID:   cfg.BridgeID,
		instanceID: cfg.InstanceID,
		version:    cfg.Version,
		topic:      cfg.ForwardTopic,
		interval:   interval,
		publisher:  cfg.Publisher,
		stats:      stats,
		sink:       cfg.Sink,
		done:       make(chan struct{}),
	}
}

// Start begins periodic health reporting until ctx is cancelled or Stop
// is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop ends reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		if err := h.publishStatus(HealthStopping, "bridge draining"); err != nil {
			h.logError("failed to publish stopping health", err)
		}
	})
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "bridge starting")
}

// PublishNow publishes the current health status immediately and feeds
// the stats sink.
func (h *HealthReporter) PublishNow() error {
	stats := h.stats()
	if h.sink != nil {
		h.sink.RecordStats(h.bridgeID, stats)
	}
	status, reason := DetermineStatus(stats)
	return h.publish(status, reason, stats)
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.logError("failed to publish initial health", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logError("failed to publish health", err)
			}
		}
	}
}

// DetermineStatus evaluates a stats snapshot.
func DetermineStatus(stats Stats) (HealthStatus, string) {
	if !stats.MQTTConnected {
		return HealthDegraded, "MQTT disconnected"
	}
	if !stats.Listener.Open {
		return HealthDegraded, "UDP listener closed"
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	return h.publish(status, reason, h.stats())
}

func (h *HealthReporter) publish(status HealthStatus, reason string, stats Stats) error {
	if h.publisher == nil {
		return nil
	}

	msg := NewHealthMessage(h.bridgeID, h.instanceID, h.version, h.topic, status, stats)
	msg.Reason = reason

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return h.publisher.Publish(HealthTopic(h.bridgeID), payload, 1, true)
}

func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
