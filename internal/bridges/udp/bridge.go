package udp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/nerrad567/gray-logic-udpbridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-udpbridge/internal/journal"
)

// Bridge operation constants.
const (
	// DefaultTopic is where datagrams are forwarded when no topic is configured.
	DefaultTopic = "test/topic"

	// defaultDrainPollInterval is how often drain progress is logged.
	defaultDrainPollInterval = 100 * time.Millisecond

	// receiveErrorBackoff is the pause after a failed socket read.
	receiveErrorBackoff = 100 * time.Millisecond

	// journalTimeout bounds each journal write.
	journalTimeout = 2 * time.Second
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Source yields datagrams. *Listener implements it.
type Source interface {
	// Receive blocks for the next datagram. An error wrapping
	// ErrListenerClosed ends the forwarding loop.
	Receive(ctx context.Context) (Datagram, error)

	// Stats returns socket counters.
	Stats() ListenerStats
}

// Publisher is the MQTT side of the bridge. *mqtt.Client implements it.
type Publisher interface {
	// PublishAsync sends without waiting for the broker. Each returned id
	// is later passed once to the handler set with SetOnDelivered.
	PublishAsync(topic string, payload []byte, qos byte, retained bool) (mqtt.DeliveryID, error)

	// SetOnDelivered registers the completion handler.
	SetOnDelivered(handler mqtt.DeliveryHandler)

	// Publish sends and waits; used for health messages.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	IsConnected() bool
	Close() error
}

// Journal records delivery outcomes. *journal.Repository implements it.
// It is optional; journal errors are logged and never stop forwarding.
type Journal interface {
	RecordPublished(ctx context.Context, entry journal.Entry) error
	MarkAcknowledged(ctx context.Context, deliveryID uint64, at time.Time) error
	MarkFailed(ctx context.Context, deliveryID uint64, reason string, at time.Time) error
	MarkStranded(ctx context.Context, deliveryIDs []uint64, at time.Time) error
}

// Options holds configuration for creating a bridge.
type Options struct {
	// BridgeID identifies this bridge in health topics.
	BridgeID string

	// InstanceID distinguishes process runs; delivery ids restart per run.
	InstanceID string

	// Version is reported in health messages.
	Version string

	// Topic is where payloads are published. Default: test/topic.
	Topic string

	// QoS must be 1 or 2.
	QoS byte

	Retained bool

	// DrainTimeout bounds Drain. Zero waits until every id is acknowledged.
	DrainTimeout time.Duration

	// DrainPollInterval is how often Drain logs progress. Default: 100ms.
	DrainPollInterval time.Duration

	// HealthInterval enables the health reporter when positive.
	HealthInterval time.Duration

	Source    Source
	Publisher Publisher

	// Journal is optional.
	Journal Journal

	// StatsSink is optional and only used with the health reporter.
	StatsSink StatsSink

	// Logger is optional.
	Logger Logger
}

// Bridge forwards UDP datagrams to MQTT with at-least-once delivery.
//
// Each valid datagram is published without waiting for the broker and its
// delivery id is kept in a PendingSet until the broker acknowledges it.
// Shutdown waits for the set to empty before closing the MQTT client.
//
// Thread Safety: All methods are safe for concurrent use. Run must only
// be active once at a time.
type Bridge struct {
	bridgeID     string
	instanceID   string
	topic        string
	qos          byte
	retained     bool
	drainTimeout time.Duration
	drainPoll    time.Duration

	source    Source
	publisher Publisher
	journal   Journal
	health    *HealthReporter

	pending *PendingSet
	stats   counters
	started time.Time

	running      atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error

	// Logger
	logger   Logger
	loggerMu sync.RWMutex
}

// New creates a bridge and registers it as the publisher's delivery handler.
// Call Run to begin forwarding.
func New(opts Options) (*Bridge, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("datagram source is required")
	}
	if opts.Publisher == nil {
		return nil, fmt.Errorf("MQTT publisher is required")
	}
	if opts.QoS != 1 && opts.QoS != 2 {
		return nil, fmt.Errorf("qos %d: %w", opts.QoS, mqtt.ErrInvalidQoS)
	}

	topic := opts.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	drainPoll := opts.DrainPollInterval
	if drainPoll <= 0 {
		drainPoll = defaultDrainPollInterval
	}

	b := &Bridge{
		bridgeID:     opts.BridgeID,
		instanceID:   opts.InstanceID,
		topic:        topic,
		qos:          opts.QoS,
		retained:     opts.Retained,
		drainTimeout: opts.DrainTimeout,
		drainPoll:    drainPoll,
		source:       opts.Source,
		publisher:    opts.Publisher,
		journal:      opts.Journal,
		pending:      NewPendingSet(),
		started:      time.Now(),
		logger:       opts.Logger,
	}

	if opts.HealthInterval > 0 {
		b.health = NewHealthReporter(HealthReporterConfig{
			BridgeID:     opts.BridgeID,
			InstanceID:   opts.InstanceID,
			Version:      opts.Version,
			ForwardTopic: topic,
			Interval:     opts.HealthInterval,
			Publisher:    opts.Publisher,
			Stats:        b.Stats,
			Sink:         opts.StatsSink,
		})
		if opts.Logger != nil {
			b.health.SetLogger(opts.Logger)
		}
	}

	opts.Publisher.SetOnDelivered(b.HandleDelivered)

	return b, nil
}

// Run forwards datagrams until ctx is cancelled or the source is closed.
// Per-datagram failures are logged and counted; they never end the loop.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer b.running.Store(false)

	if b.health != nil {
		if err := b.health.PublishStarting(); err != nil {
			b.logError("failed to publish starting health", err)
		}
		b.health.Start(ctx)
	}

	b.logInfo("udp bridge forwarding",
		"listen", b.source.Stats().Address,
		"topic", b.topic,
		"qos", b.qos,
	)

	for {
		dg, err := b.source.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrListenerClosed) || ctx.Err() != nil {
				b.logInfo("udp bridge stopped receiving", "pending", b.pending.Len())
				return nil
			}
			b.logError("udp receive failed", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(receiveErrorBackoff):
			}
			continue
		}

		b.forward(dg)
	}
}

// forward decodes and publishes one datagram.
func (b *Bridge) forward(dg Datagram) {
	b.stats.lastReceived.Store(dg.ReceivedAt.UnixNano())

	sender := ""
	if dg.From != nil {
		sender = dg.From.String()
	}
	b.logInfo("datagram received", "from", sender, "bytes", len(dg.Payload))

	if !utf8.Valid(dg.Payload) {
		b.stats.decodeFailures.Add(1)
		b.logWarn("skipping datagram",
			"from", sender,
			"bytes", len(dg.Payload),
			"error", ErrDecodeFailed,
		)
		return
	}

	id, err := b.pending.Track(func() (mqtt.DeliveryID, error) {
		return b.publisher.PublishAsync(b.topic, dg.Payload, b.qos, b.retained)
	})
	if err != nil {
		b.stats.publishFailures.Add(1)
		b.logError("publish failed", err, "from", sender, "topic", b.topic)
		return
	}

	b.stats.published.Add(1)
	// The acknowledgement may already have been journaled; the journal
	// accepts either order.
	b.recordPublished(id, sender, len(dg.Payload), dg.ReceivedAt)
	b.logInfo("message published",
		"topic", b.topic,
		"delivery_id", uint64(id),
		"pending", b.pending.Len(),
	)
}

// HandleDelivered processes a delivery confirmation. It runs on the MQTT
// client's watcher goroutines.
//
// Unknown or duplicate ids are logged and otherwise ignored. A non-nil err
// means the client gave up on the message: the id is removed and the
// failure is logged and counted.
func (b *Bridge) HandleDelivered(id mqtt.DeliveryID, err error) {
	waited, removeErr := b.pending.Remove(id)
	if errors.Is(removeErr, ErrAbandonedDelivery) {
		// Already counted and journaled as stranded by Shutdown.
		b.logInfo("late completion of stranded message", "delivery_id", uint64(id), "delivery_error", err)
		return
	}
	if removeErr != nil {
		b.stats.unknownAcks.Add(1)
		b.logWarn("unexpected acknowledgement", "delivery_id", uint64(id), "error", removeErr)
		return
	}

	now := time.Now()
	if err != nil {
		b.stats.deliveryFailures.Add(1)
		b.logError("delivery failed", err, "delivery_id", uint64(id), "pending", b.pending.Len())
		b.journalDo("mark failed", func(ctx context.Context) error {
			return b.journal.MarkFailed(ctx, uint64(id), err.Error(), now)
		})
		return
	}

	b.stats.acknowledged.Add(1)
	b.logInfo("message acknowledged",
		"delivery_id", uint64(id),
		"latency_ms", waited.Milliseconds(),
		"pending", b.pending.Len(),
	)
	b.journalDo("mark acknowledged", func(ctx context.Context) error {
		return b.journal.MarkAcknowledged(ctx, uint64(id), now)
	})
}

// Drain blocks until every pending id has been acknowledged.
//
// It wakes as soon as the set empties and logs the remaining count every
// drain poll interval. With a positive drain timeout, or when ctx ends
// first, it returns a *DrainError listing the stranded ids. It never
// returns nil while ids remain pending.
func (b *Bridge) Drain(ctx context.Context) error {
	if b.drainTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.drainTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(b.drainPoll)
	defer ticker.Stop()

	for {
		empty := b.pending.Empty()
		select {
		case <-empty:
			if b.pending.Len() == 0 {
				b.logInfo("all messages acknowledged")
				return nil
			}
		case <-ticker.C:
			b.logInfo("waiting for messages to be acknowledged", "pending", b.pending.Len())
		case <-ctx.Done():
			stranded := b.pending.IDs()
			if len(stranded) == 0 {
				return nil
			}
			return &DrainError{Stranded: stranded, Cause: ctx.Err()}
		}
	}
}

// Shutdown stops health reporting, drains pending deliveries and closes
// the publisher. The publisher is closed even when the drain fails.
// Stranded ids are abandoned first, so completions the close produces for
// them are not counted as delivery failures. Subsequent calls return the
// first result.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.shutdownOnce.Do(func() {
		b.logInfo("udp bridge shutting down", "pending", b.pending.Len())

		if b.health != nil {
			b.health.Stop()
		}

		drainErr := b.Drain(ctx)
		var de *DrainError
		if errors.As(drainErr, &de) {
			// Must happen before Close fails the stranded tokens.
			b.pending.Abandon(de.Stranded)
			b.stats.stranded.Add(uint64(len(de.Stranded)))
			b.logError("giving up on unacknowledged messages", drainErr, "stranded_ids", de.Stranded)
			now := time.Now()
			b.journalDo("mark stranded", func(ctx context.Context) error {
				return b.journal.MarkStranded(ctx, de.Stranded, now)
			})
		}

		closeErr := b.publisher.Close()
		if closeErr != nil {
			closeErr = fmt.Errorf("closing publisher: %w", closeErr)
		}

		b.shutdownErr = errors.Join(drainErr, closeErr)
		b.logInfo("udp bridge stopped")
	})
	return b.shutdownErr
}

// Stats returns a snapshot of bridge and socket counters.
func (b *Bridge) Stats() Stats {
	s := b.stats.snapshot()
	s.Listener = b.source.Stats()
	s.Pending = b.pending.Len()
	s.MQTTConnected = b.publisher.IsConnected()
	s.StartedAt = b.started
	return s
}

// Pending returns the ids awaiting acknowledgement, in ascending order.
func (b *Bridge) Pending() []uint64 {
	return b.pending.IDs()
}

// Topic returns the forwarding topic.
func (b *Bridge) Topic() string {
	return b.topic
}

// HealthCheck reports whether the bridge can currently forward.
func (b *Bridge) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("udp health check: %w", err)
	}
	if status, reason := DetermineStatus(b.Stats()); status != HealthHealthy {
		return fmt.Errorf("udp bridge %s: %s", status, reason)
	}
	return nil
}

// SetLogger sets the logger for the bridge and its health reporter.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
	if b.health != nil {
		b.health.SetLogger(logger)
	}
}

func (b *Bridge) recordPublished(id mqtt.DeliveryID, sender string, size int, receivedAt time.Time) {
	b.journalDo("record published", func(ctx context.Context) error {
		return b.journal.RecordPublished(ctx, journal.Entry{
			DeliveryID:  uint64(id),
			InstanceID:  b.instanceID,
			Sender:      sender,
			Topic:       b.topic,
			QoS:         int(b.qos),
			Size:        size,
			ReceivedAt:  receivedAt,
			PublishedAt: time.Now(),
			Outcome:     journal.OutcomePending,
		})
	})
}

// journalDo runs fn against the journal, if one is configured, and logs
// any failure.
func (b *Bridge) journalDo(op string, fn func(ctx context.Context) error) {
	if b.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		b.logError("journal "+op+" failed", err)
	}
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
