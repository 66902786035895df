// Gray Logic Rules - rule engine for the Gray Logic building platform
//
// This is the main entry point for the rule engine service. It loads item
// definitions and YAML rule files, listens for item, thing and channel
// events on MQTT and runs the matching rules.
//
// Usage:
//
//	graylogic-rules                        run the service
//	graylogic-rules token -subject <name>  print an API bearer token
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-rules/internal/api"
	"github.com/nerrad567/gray-logic-rules/internal/automation"
	"github.com/nerrad567/gray-logic-rules/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-rules/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-rules/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-rules/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-rules/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-rules/internal/item"
	"github.com/nerrad567/gray-logic-rules/internal/platform"
	"github.com/nerrad567/gray-logic-rules/migrations"
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

// defaultTokenTTL is the lifetime of tokens printed by the token command.
const defaultTokenTTL = 24 * time.Hour

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := tokenCommand(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Cancel on Ctrl+C and SIGTERM for a graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Gray Logic Rules",
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

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	location, err := time.LoadLocation(cfg.RulesTimezone())
	if err != nil {
		return fmt.Errorf("loading rules timezone: %w", err)
	}

	// Open database
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

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Item registry
	items := item.NewRegistry(item.NewSQLiteRepository(db.DB))
	items.SetLogger(log)
	if refreshErr := items.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading item registry: %w", refreshErr)
	}
	if defineErr := defineItems(ctx, cfg.Items.File, items, log); defineErr != nil {
		return defineErr
	}
	log.Info("item registry initialised", "items", len(items.ListItems()))

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
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Warn("MQTT disabled, rules only see local updates and commands")
	}

	// Connect to InfluxDB (optional)
	influxClient, err := influxdb.Connect(cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	// Collaborators stay nil interfaces when their service is off.
	var (
		bus             platform.Bus
		busStatus       api.BusStatus
		itemTelemetry   platform.ItemTelemetry
		engineTelemetry automation.Telemetry
	)
	if mqttClient != nil {
		bus, busStatus = mqttClient, mqttClient
	}
	if influxClient != nil {
		itemTelemetry, engineTelemetry = influxClient, influxClient
	}

	g, gctx := errgroup.WithContext(ctx)

	hub := api.NewHub(cfg.WebSocket, log)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	// Platform: bus events, cron, file watches and item commands
	plat, err := platform.New(platform.Deps{
		Items:     items,
		Bus:       bus,
		QoS:       byte(cfg.MQTT.QoS), //nolint:gosec // validated to 0-2
		Hub:       hub,
		Telemetry: itemTelemetry,
		Location:  location,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("creating platform: %w", err)
	}
	if startErr := plat.Start(ctx); startErr != nil {
		_ = plat.Close()
		return fmt.Errorf("starting platform: %w", startErr)
	}
	defer func() {
		log.Info("stopping platform")
		if closeErr := plat.Close(); closeErr != nil {
			log.Error("error stopping platform", "error", closeErr)
		}
	}()

	// Rule engine
	var firingRepo automation.Repository
	if cfg.Rules.FiringLog {
		firingRepo = automation.NewSQLiteRepository(db.DB)
	}
	engine, err := automation.NewEngine(automation.EngineConfig{
		Platform:       plat,
		Items:          plat,
		Repo:           firingRepo,
		Hub:            hub,
		Metrics:        automation.NewMetrics(cfg.Metrics.Namespace, prometheus.DefaultRegisterer, log),
		Telemetry:      engineTelemetry,
		Logger:         log,
		MaxTasks:       cfg.Rules.MaxTasks,
		FiringLogLimit: cfg.Rules.FiringLogLimit,
	})
	if err != nil {
		return fmt.Errorf("creating rule engine: %w", err)
	}
	defer func() {
		log.Info("stopping rule engine")
		if closeErr := engine.Close(); closeErr != nil {
			log.Error("error stopping rule engine", "error", closeErr)
		}
	}()

	watch := loadRules(ctx, cfg.Rules.Directory, engine, plat, log) && cfg.Rules.Watch
	if watch {
		watcher := automation.NewDirWatcher(cfg.Rules.Directory, engine, plat, log)
		g.Go(func() error {
			if watchErr := watcher.Run(gctx); watchErr != nil {
				return fmt.Errorf("rule watcher: %w", watchErr)
			}
			return nil
		})
	}

	// API server
	apiServer, err := api.New(api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Security:    cfg.Security,
		Metrics:     cfg.Metrics,
		Logger:      log,
		Engine:      engine,
		Items:       plat,
		Bus:         busStatus,
		ExternalHub: hub,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := apiServer.Start(gctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()

	log.Info("initialisation complete, waiting for shutdown signal",
		"rule_sets", len(engine.RuleSets()),
		"watching", watch,
	)

	<-gctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred closes run in reverse order: API server, rule engine
	// (cancelling every timer), platform, InfluxDB, MQTT, database.
	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("Gray Logic Rules stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// defineItems seeds the registry from the items file. A missing file is
// not an error: items may already be in the database.
func defineItems(ctx context.Context, path string, items *item.Registry, log *logging.Logger) error {
	if path == "" {
		return nil
	}
	defs, err := item.LoadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn("items file not found, using stored items", "path", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading items: %w", err)
	}
	n, err := items.Define(ctx, defs)
	if err != nil {
		return fmt.Errorf("defining items: %w", err)
	}
	log.Info("items defined", "path", path, "items", n)
	return nil
}

// loadRules loads every rule file in dir. Files that fail to parse or load
// are logged and skipped. It reports whether the directory exists.
func loadRules(ctx context.Context, dir string, engine *automation.Engine, items automation.ItemCommander, log *logging.Logger) bool {
	if dir == "" {
		log.Info("rule directory not configured")
		return false
	}

	sets, err := automation.LoadRuleDir(dir, items)
	if errors.Is(err, fs.ErrNotExist) && len(sets) == 0 {
		log.Warn("rule directory not found", "dir", dir)
		return false
	}
	if err != nil {
		log.Error("some rule files failed to load", "dir", dir, "error", err)
	}

	for _, set := range sets {
		if loadErr := engine.Load(ctx, set); loadErr != nil {
			log.Error("rule set rejected", "rule_set", set.Name, "source", set.Source, "error", loadErr)
		}
	}
	return true
}

// healthCheck verifies the infrastructure connections. mqttClient and
// influxClient may be nil when disabled.
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

// tokenCommand prints a bearer token for the REST API signed with the
// configured JWT secret.
func tokenCommand(args []string, out io.Writer) error {
	fset := flag.NewFlagSet("token", flag.ContinueOnError)
	fset.SetOutput(io.Discard)
	subject := fset.String("subject", "", "token subject, e.g. the client name")
	ttl := fset.Duration("ttl", defaultTokenTTL, "token lifetime")
	if err := fset.Parse(args); err != nil {
		return fmt.Errorf("parsing token flags: %w", err)
	}
	if *subject == "" {
		return errors.New("token: -subject is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	token, err := api.IssueToken(cfg.Security.JWT, *subject, *ttl)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
