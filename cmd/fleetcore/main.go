// Fleet Core - mobile device session registry and command dispatcher.
//
// This is the main entry point for the Fleet Core service. It accepts
// persistent WebSocket connections from device agents, dispatches operator
// commands to them, correlates their replies and fans every event out to
// dashboards, the activity log and optional MQTT and InfluxDB relays.
//
// Usage:
//
//	fleetcore                        run the service
//	fleetcore token <subject> [role] print an operator token
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	_ "github.com/nerrad567/fleet-core/migrations"

	"github.com/nerrad567/fleet-core/internal/api"
	"github.com/nerrad567/fleet-core/internal/audit"
	"github.com/nerrad567/fleet-core/internal/auth"
	"github.com/nerrad567/fleet-core/internal/device"
	"github.com/nerrad567/fleet-core/internal/fleet"
	"github.com/nerrad567/fleet-core/internal/infrastructure/config"
	"github.com/nerrad567/fleet-core/internal/infrastructure/database"
	"github.com/nerrad567/fleet-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/fleet-core/internal/infrastructure/logging"
	"github.com/nerrad567/fleet-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/fleet-core/internal/notification"
	"github.com/nerrad567/fleet-core/internal/relay"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// sinkDrainTimeout bounds how long shutdown waits for queued side effects.
const sinkDrainTimeout = 10 * time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := runToken(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // Startup wiring is linear but long
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Fleet Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	defer log.Close() //nolint:errcheck // Log file close on exit
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	deviceRepo := device.NewSQLiteRepository(db.DB)
	activityRepo := audit.NewSQLiteRepository(db.DB)
	notificationRepo := notification.NewSQLiteRepository(db.DB)

	// No connection can be live yet; clear presence left by an unclean exit.
	reset, err := deviceRepo.MarkAllOffline(ctx)
	if err != nil {
		return fmt.Errorf("resetting device presence: %w", err)
	}
	if reset > 0 {
		log.Info("cleared stale device presence", "devices", reset)
	}

	var sinks []fleet.EventSink

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.With("component", "mqtt"))
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
			"topic_prefix", mqttClient.Topics().Prefix,
		)
		sinks = append(sinks, relay.NewMQTTSink(mqttClient))
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
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
		influxClient.SetLogger(log.With("component", "influxdb"))
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
		sinks = append(sinks, relay.NewInfluxSink(influxClient))
	} else {
		log.Info("InfluxDB disabled")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	core, err := fleet.New(fleet.Deps{
		Config: fleet.Config{
			CommandTimeout:      cfg.Session.CommandTimeout,
			MaxPendingPerDevice: cfg.Session.MaxPendingPerDevice,
			SweepInterval:       cfg.Session.SweepInterval,
			SinkWorkers:         cfg.Session.SinkWorkers,
		},
		Devices:       deviceRepo,
		Activity:      activityRepo,
		Notifications: notificationRepo,
		Sinks:         sinks,
		Metrics:       fleet.NewMetrics(registry),
		Logger:        log.With("component", "fleet"),
	})
	if err != nil {
		return fmt.Errorf("creating session core: %w", err)
	}

	server, err := api.New(api.Deps{
		Config:        cfg.API,
		WS:            cfg.WebSocket,
		Security:      cfg.Security,
		Logger:        log.With("component", "api"),
		Core:          core,
		Devices:       deviceRepo,
		Activity:      activityRepo,
		Notifications: notificationRepo,
		Gatherer:      registry,
		Version:       version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	var ingress *relay.CommandIngress
	if mqttClient != nil {
		ingress = relay.NewCommandIngress(mqttClient, core, log.With("component", "relay"))
		if err := ingress.Start(ctx); err != nil {
			return fmt.Errorf("starting MQTT command ingress: %w", err)
		}
		log.Info("MQTT command ingress started", "topic", mqttClient.Topics().AllDeviceCommands())
	}

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	if cfg.Security.JWT.Secret == "" {
		log.Warn("operator authentication disabled; set security.jwt.secret to enable it")
	}
	log.Info("initialisation complete, waiting for shutdown signal",
		"address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		"device_path", cfg.WebSocket.DevicePath,
		"observer_path", cfg.WebSocket.ObserverPath,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		core.Run(gctx)
		return nil
	})

	// Shutdown order: MQTT command ingress, HTTP and sockets, then queued
	// side effects. The deferred closes then run InfluxDB, MQTT and finally
	// the database.
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, cleaning up")

		var errs []error
		if ingress != nil {
			if err := ingress.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := server.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := core.Close(sinkDrainTimeout); err != nil {
			errs = append(errs, fmt.Errorf("draining event sinks: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		log.Error("shutdown completed with errors", "error", err)
		return err
	}

	log.Info("Fleet Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses FLEETCORE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("FLEETCORE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
// mqttClient and influxClient may be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}

// runToken prints an operator token signed with the configured secret.
// args are the subject and an optional role (default operator).
func runToken(args []string, out io.Writer) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: fleetcore token <subject> [viewer|operator]")
	}
	role := auth.RoleOperator
	if len(args) == 2 {
		role = auth.Role(args[1])
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Security.JWT.Secret == "" {
		return errors.New("security.jwt.secret is not configured")
	}

	ttl := time.Duration(cfg.Security.JWT.AccessTokenTTL) * time.Minute
	token, err := auth.GenerateToken(args[0], role, cfg.Security.JWT.Secret, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
