// Gray Logic UDP Bridge
//
// Listens for UDP datagrams and republishes each payload to an MQTT topic
// with at-least-once delivery. On shutdown the bridge stops receiving,
// waits for the broker to acknowledge every in-flight message (bounded by
// forward.drain_timeout) and only then disconnects.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-udpbridge/internal/api"
	"github.com/nerrad567/gray-logic-udpbridge/internal/bridges/udp"
	"github.com/nerrad567/gray-logic-udpbridge/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-udpbridge/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-udpbridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-udpbridge/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-udpbridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-udpbridge/internal/journal"
	"github.com/nerrad567/gray-logic-udpbridge/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires the bridge and blocks until ctx is cancelled or a component
// fails, then drains and shuts down. It returns an error if any message
// was left unacknowledged.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting UDP bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	instanceID := uuid.NewString()
	log = log.With("bridge_id", cfg.Bridge.ID, "instance_id", instanceID)
	log.Info("configuration loaded",
		"path", configPath,
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Delivery journal (optional)
	var db *database.DB
	var repo *journal.Repository
	if cfg.Journal.Enabled {
		db, repo, err = openJournal(ctx, cfg.Journal, instanceID)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("closing journal")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing journal", "error", closeErr)
			}
		}()
		log.Info("journal ready", "path", cfg.Journal.Path)
	} else {
		log.Info("journal disabled")
	}

	// MQTT
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	// Bridge shutdown closes the client; this covers early returns.
	defer mqttClient.Close()
	mqttClient.SetLogger(log.Component("mqtt"))
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Telemetry (optional)
	var influxClient *influxdb.Client
	var sink udp.StatsSink
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		sink = influxSink{client: influxClient, instanceID: instanceID}
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	// UDP
	listener, err := udp.Listen(udp.ListenerConfig{
		Host:       cfg.UDP.Host,
		Port:       cfg.UDP.Port,
		BufferSize: cfg.UDP.BufferSize,
	})
	if err != nil {
		return fmt.Errorf("starting UDP listener: %w", err)
	}
	defer func() {
		if closeErr := listener.Close(); closeErr != nil {
			log.Error("error closing UDP listener", "error", closeErr)
		}
	}()
	log.Info("UDP listener bound", "address", listener.Addr().String())

	opts := udp.Options{
		BridgeID:          cfg.Bridge.ID,
		InstanceID:        instanceID,
		Version:           version,
		Topic:             cfg.Forward.Topic,
		QoS:               byte(cfg.Forward.QoS), //nolint:gosec // validated to 1..2
		Retained:          cfg.Forward.Retained,
		DrainTimeout:      cfg.GetDrainTimeout(),
		DrainPollInterval: cfg.GetDrainPollInterval(),
		HealthInterval:    cfg.GetHealthInterval(),
		Source:            listener,
		Publisher:         mqttClient,
		StatsSink:         sink,
		Logger:            log.Component("udp"),
	}
	if repo != nil {
		opts.Journal = repo
	}

	bridge, err := udp.New(opts)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	// Status API (optional)
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer, err = startAPI(ctx, cfg, log, bridge, mqttClient, repo, instanceID)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	// The group ends when the signal arrives, the source closes, or the
	// API server fails.
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer stop()
		return bridge.Run(gctx)
	})
	if apiServer != nil {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case serveErr, ok := <-apiServer.Done():
				if ok && serveErr != nil {
					return fmt.Errorf("API server: %w", serveErr)
				}
				return nil
			}
		})
	}

	log.Info("initialisation complete, forwarding datagrams")
	runErr := g.Wait()

	log.Info("shutting down, draining pending messages", "pending", len(bridge.Pending()))

	// The drain is bounded by forward.drain_timeout, not by ctx, which is
	// already cancelled here.
	shutdownErr := bridge.Shutdown(context.Background())

	var drainErr *udp.DrainError
	if errors.As(shutdownErr, &drainErr) {
		log.Error("messages left unacknowledged", "count", len(drainErr.Stranded))
	}

	log.Info("UDP bridge stopped")
	return errors.Join(runErr, shutdownErr)
}

// getConfigPath returns UDPBRIDGE_CONFIG or the default path.
func getConfigPath() string {
	if path := os.Getenv("UDPBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// openJournal opens the SQLite database, applies the embedded migrations
// and returns a repository scoped to this run.
func openJournal(ctx context.Context, cfg config.JournalConfig, instanceID string) (*database.DB, *journal.Repository, error) {
	db, err := database.Open(database.Config{
		Path:        cfg.Path,
		WALMode:     cfg.WALMode,
		BusyTimeout: cfg.BusyTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening journal: %w", err)
	}

	if err := db.Migrate(ctx, migrations.Source()); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("running journal migrations: %w", err)
	}

	return db, journal.NewRepository(db.DB, instanceID), nil
}

func startAPI(ctx context.Context, cfg *config.Config, log *logging.Logger, bridge *udp.Bridge,
	mqttClient *mqtt.Client, repo *journal.Repository, instanceID string) (*api.Server, error) {
	deps := api.Deps{
		Config:     cfg.API,
		Logger:     log.Component("api"),
		Bridge:     bridge,
		MQTT:       mqttClient,
		BridgeID:   cfg.Bridge.ID,
		InstanceID: instanceID,
		Version:    version,
	}
	if repo != nil {
		deps.Journal = repo
	}

	srv, err := api.New(deps)
	if err != nil {
		return nil, fmt.Errorf("creating API server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting API server: %w", err)
	}
	return srv, nil
}

// healthCheck verifies every configured dependency before forwarding starts.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("journal: %w", err)
		}
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}

// influxSink writes health-tick snapshots to InfluxDB.
type influxSink struct {
	client     *influxdb.Client
	instanceID string
}

func (s influxSink) RecordStats(bridgeID string, st udp.Stats) {
	s.client.WriteBridgeSample(influxdb.BridgeSample{
		BridgeID:          bridgeID,
		InstanceID:        s.instanceID,
		DatagramsReceived: st.Listener.DatagramsReceived,
		BytesReceived:     st.Listener.BytesReceived,
		DecodeFailures:    st.DecodeFailures,
		Published:         st.Published,
		PublishFailures:   st.PublishFailures,
		Acknowledged:      st.Acknowledged,
		DeliveryFailures:  st.DeliveryFailures,
		UnknownAcks:       st.UnknownAcks,
		Pending:           st.Pending,
		MQTTConnected:     st.MQTTConnected,
	})
}
