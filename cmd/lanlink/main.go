// lanlink - LAN device supervision service
//
// This is the main entry point for lanlink. It supervises a fleet of
// locally-controlled smart devices: the registry is reconciled against UDP
// discovery broadcasts, device sessions are kept alive by a periodic
// supervisor, and commands arrive over MQTT and HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/nerrad567/lanlink/migrations"

	"github.com/nerrad567/lanlink/internal/api"
	"github.com/nerrad567/lanlink/internal/cloud"
	"github.com/nerrad567/lanlink/internal/command"
	"github.com/nerrad567/lanlink/internal/discovery"
	"github.com/nerrad567/lanlink/internal/fleet"
	"github.com/nerrad567/lanlink/internal/infrastructure/config"
	"github.com/nerrad567/lanlink/internal/infrastructure/database"
	"github.com/nerrad567/lanlink/internal/infrastructure/influxdb"
	"github.com/nerrad567/lanlink/internal/infrastructure/logging"
	"github.com/nerrad567/lanlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/lanlink/internal/platforms"
	"github.com/nerrad567/lanlink/internal/protocol"
	"github.com/nerrad567/lanlink/internal/registry"
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

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting lanlink",
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
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
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

	// Registry store over SQLite
	store := registry.NewStore(registry.NewSQLiteRepository(db.DB))
	store.SetLogger(log)

	// Connect to MQTT broker
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
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
	} else {
		log.Info("MQTT disabled; entity announcements and the command topic are unavailable")
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
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Fleet manager: device sessions over the local TCP protocol, entity
	// announcements over MQTT, optional cloud metadata enrichment.
	manager := fleet.NewManager(store, func(deviceID, host string) fleet.Session {
		return protocol.NewSession(deviceID, host, protocol.DefaultPort)
	})
	manager.SetLogger(log)
	manager.SetCloudFactory(func(region, clientID, clientSecret, userID string) fleet.CloudAPI {
		c := cloud.NewClient(region, clientID, clientSecret, userID)
		c.SetLogger(log)
		return c
	})
	if mqttClient != nil {
		forwarder := platforms.NewForwarder(mqttClient)
		forwarder.SetLogger(log)
		manager.SetPlatforms(forwarder)
	}
	if influxClient != nil {
		manager.SetEvents(influxClient)
	}

	if startErr := manager.Start(ctx); startErr != nil {
		// Partial activation is survivable; halted entries are logged and
		// retried on the next reload.
		log.Error("fleet started with degraded entries", "error", startErr)
	}
	defer func() {
		log.Info("unloading fleet")
		if stopErr := manager.Stop(context.Background()); stopErr != nil {
			log.Error("error unloading fleet", "error", stopErr)
		}
	}()
	log.Info("fleet manager started", "sessions", manager.SessionCount())

	// UDP discovery listener feeding the reconciler
	if cfg.Discovery.Enabled {
		listener := discovery.NewListener(cfg.Discovery.Ports, cfg.Discovery.QueueSize)
		listener.SetLogger(log)
		if listenErr := listener.Start(); listenErr != nil {
			return fmt.Errorf("starting discovery listener: %w", listenErr)
		}
		defer func() {
			log.Info("closing discovery listener")
			if closeErr := listener.Close(); closeErr != nil {
				log.Error("error closing discovery listener", "error", closeErr)
			}
		}()
		log.Info("discovery listener started", "ports", cfg.Discovery.Ports)

		reconciler := fleet.NewReconciler(store, manager)
		reconciler.SetLogger(log)
		if influxClient != nil {
			reconciler.SetEvents(influxClient)
		}
		go reconciler.Run(ctx, listener.Records())
	} else {
		log.Info("discovery disabled; registry reconciliation is inert")
	}

	// Connection supervisor
	supervisor := fleet.NewSupervisor(manager, cfg.SupervisorInterval())
	supervisor.SetLogger(log)
	supervisor.Start()
	defer supervisor.Stop()
	log.Info("supervisor started", "interval", cfg.SupervisorInterval())

	// MQTT command topic
	if mqttClient != nil {
		commandSvc := command.NewService(mqttClient, manager)
		commandSvc.SetLogger(log)
		if cmdErr := commandSvc.Start(); cmdErr != nil {
			return fmt.Errorf("starting command service: %w", cmdErr)
		}
		defer commandSvc.Stop()
	}

	// HTTP API
	if cfg.API.Enabled {
		server, apiErr := api.New(api.Deps{
			Config:  cfg.API,
			Logger:  log,
			Fleet:   manager,
			Version: version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if apiErr := server.Start(ctx); apiErr != nil {
			return fmt.Errorf("starting API server: %w", apiErr)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API server disabled")
	}

	// Verify all infrastructure connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// API server, command service, supervisor, discovery listener,
	// fleet, InfluxDB, MQTT, database.

	log.Info("lanlink stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses LANLINK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("LANLINK_CONFIG"); path != "" {
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
