package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-udpbridge/internal/infrastructure/config"
)

// DeliveryID correlates an asynchronous publish with its later delivery
// confirmation. IDs start at 1 and are never reused by a Client, unlike
// MQTT packet identifiers.
type DeliveryID uint64

// DeliveryHandler is invoked once per DeliveryID returned by PublishAsync.
// err is nil when the broker confirmed the message (PUBACK for QoS 1,
// PUBCOMP for QoS 2) and wraps ErrPublishFailed otherwise.
//
// Handlers always run on a goroutine other than the publisher's.
type DeliveryHandler func(id DeliveryID, err error)

// Client wraps paho.mqtt.golang for the bridge.
//
// It provides connection management, synchronous and asynchronous
// publishing with delivery callbacks, and automatic reconnection.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	client  pahomqtt.Client
	options *pahomqtt.ClientOptions
	cfg     config.MQTTConfig

	// connected tracks current connection state.
	connected bool
	connMu    sync.RWMutex

	// Callbacks (optional).
	onConnect    func()
	onDisconnect func(err error)
	onDelivered  DeliveryHandler
	callbackMu   sync.RWMutex

	nextID   atomic.Uint64
	inFlight atomic.Int64
	watchers sync.WaitGroup

	// closeMu orders watchers.Add in PublishAsync against the closed flag,
	// so Close never waits on a counter that can still grow.
	closeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once

	// logger for connection and delivery logging (optional, set via SetLogger).
	logger   Logger
	loggerMu sync.RWMutex
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Connect establishes a connection to the MQTT broker.
//
// It performs the following setup:
//  1. Builds connection options from config (broker URL, auth, TLS)
//  2. Configures Last Will and Testament on the client status topic
//  3. Sets up auto-reconnect with backoff
//  4. Attempts initial connection with timeout
//
// Parameters:
//   - cfg: MQTT configuration from config.yaml
//
// Returns:
//   - *Client: Connected client ready for use
//   - error: If initial connection fails within timeout
func Connect(cfg config.MQTTConfig) (*Client, error) {
	return connect(cfg, defaultConnectTimeout)
}

func connect(cfg config.MQTTConfig, timeout time.Duration) (*Client, error) {
	opts := buildClientOptions(cfg, timeout)
	configureLWT(opts, cfg.Broker.ClientID)

	c := &Client{
		cfg:     cfg,
		options: opts,
	}

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})

	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleDisconnect(err)
	})

	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		c.logWarn("mqtt reconnecting", "broker", brokerURL(c.cfg))
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(timeout) {
		// Stop the background retry loop started by ConnectRetry.
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The OnConnect handler runs asynchronously and may not have fired yet.
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	return c, nil
}

// handleConnect is called on the initial connection and every reconnect.
func (c *Client) handleConnect() {
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	c.logInfo("mqtt connected", "broker", brokerURL(c.cfg), "client_id", c.cfg.Broker.ClientID)
	c.publishStatus("online", "")

	c.callbackMu.RLock()
	callback := c.onConnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback()
	}
}

// handleDisconnect is called when the connection is lost.
func (c *Client) handleDisconnect(err error) {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	c.logWarn("mqtt connection lost", "error", err, "in_flight", c.InFlight())

	c.callbackMu.RLock()
	callback := c.onDisconnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

// publishStatus publishes a retained status without waiting for the broker.
func (c *Client) publishStatus(status, reason string) pahomqtt.Token {
	payload := buildStatusPayload(c.cfg.Broker.ClientID, status, reason)
	return c.client.Publish(Topics{}.ClientStatus(c.cfg.Broker.ClientID), 1, true, payload)
}

// Close gracefully disconnects from the MQTT broker.
//
// It performs:
//  1. Publishes graceful offline status (different from LWT crash status)
//  2. Disconnects with a quiesce period for pending operations
//  3. Waits briefly for delivery watchers so every outstanding
//     DeliveryHandler call has been made
//
// Close is idempotent.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	c.closeOnce.Do(func() {
		c.closeMu.Lock()
		c.closed.Store(true)
		c.closeMu.Unlock()

		if c.IsConnected() {
			c.publishStatus("offline", "graceful_shutdown").WaitTimeout(defaultPublishTimeout)
		}

		c.client.Disconnect(defaultDisconnectQuiesce)

		c.connMu.Lock()
		c.connected = false
		c.connMu.Unlock()

		done := make(chan struct{})
		go func() {
			c.watchers.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(defaultPublishTimeout):
			c.logWarn("mqtt delivery watchers still running after close", "in_flight", c.InFlight())
		}
	})

	return nil
}

// HealthCheck verifies the MQTT connection is alive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	return nil
}

// IsConnected returns the current connection state.
// It is false while paho is reconnecting.
func (c *Client) IsConnected() bool {
	if c.client == nil {
		return false
	}
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// InFlight returns the number of asynchronous publishes whose delivery
// handler has not yet run.
func (c *Client) InFlight() int {
	return int(c.inFlight.Load())
}

// SetOnConnect sets a callback to be invoked when connection is established.
// This is called on initial connect and on every reconnect.
func (c *Client) SetOnConnect(callback func()) {
	c.callbackMu.Lock()
	c.onConnect = callback
	c.callbackMu.Unlock()
}

// SetOnDisconnect sets a callback to be invoked when connection is lost.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.callbackMu.Lock()
	c.onDisconnect = callback
	c.callbackMu.Unlock()
}

// SetOnDelivered registers the handler for PublishAsync completions.
// It must be set before the first PublishAsync; completions arriving with
// no handler registered are dropped.
func (c *Client) SetOnDelivered(handler DeliveryHandler) {
	c.callbackMu.Lock()
	c.onDelivered = handler
	c.callbackMu.Unlock()
}

// SetLogger sets a logger for connection and delivery events.
// If not set, the client is silent.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Client) logDebug(msg string, args ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Debug(msg, args...)
	}
}

func (c *Client) logInfo(msg string, args ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Info(msg, args...)
	}
}

func (c *Client) logWarn(msg string, args ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Warn(msg, args...)
	}
}
