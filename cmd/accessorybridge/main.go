// Accessory Bridge
//
// Entry point for the accessory bridge service. It keeps an in-memory cache
// of the native accessory graph, fans out characteristic changes to
// subscribers and exposes both over HTTP and WebSocket for application
// runtimes.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nerrad567/gray-logic-accessory-bridge/internal/api"
	"github.com/nerrad567/gray-logic-accessory-bridge/internal/history"
	"github.com/nerrad567/gray-logic-accessory-bridge/internal/homekit"
	"github.com/nerrad567/gray-logic-accessory-bridge/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-accessory-bridge/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-accessory-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-accessory-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-accessory-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-accessory-bridge/internal/native/mqttnative"
	"github.com/nerrad567/gray-logic-accessory-bridge/internal/native/simulator"
	"github.com/nerrad567/gray-logic-accessory-bridge/internal/process"
	"github.com/nerrad567/gray-logic-accessory-bridge/migrations"
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
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - configPath: Config file to load; the built-in defaults apply when the
//     default path does not exist
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, configPath string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting accessory bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"native_mode", cfg.Native.Mode,
	)

	// Change journal (optional)
	var (
		db   *database.DB
		repo history.Repository
	)
	if cfg.History.Enabled {
		db, err = openDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		repo = history.NewSQLiteRepository(db.DB)
		log.Info("history journal enabled", "path", cfg.Database.Path, "retention_days", cfg.History.RetentionDays)
	}

	// Telemetry (optional)
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
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	// Native layer
	stack, err := startNative(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer stack.Close(log)

	// Bridge
	opts := homekit.Options{
		RequestTimeout:          cfg.GetRequestTimeout(),
		RefreshTimeout:          cfg.GetRefreshTimeout(),
		MaxQueuedWrites:         cfg.Bridge.MaxQueuedWrites,
		DisableReconnectRefresh: !cfg.Bridge.RefreshOnReconnect,
		Logger:                  log,
	}
	if stack.native != nil {
		opts.Native = stack.native
	}
	bridge, err := homekit.New(opts)
	if err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		log.Info("shutting down bridge")
		bridge.Shutdown()
	}()

	if cfg.Bridge.InitializeOnStart {
		initializeBridge(ctx, bridge, log)
	}

	if sim, ok := stack.native.(*simulator.Simulator); ok && cfg.Native.SimulatorWatch {
		watcher, watchErr := watchFixture(ctx, cfg, sim, bridge, log)
		if watchErr != nil {
			return watchErr
		}
		defer watcher.Stop() //nolint:errcheck // shutdown path
	}

	// Recorder
	var recorder *history.Recorder
	if repo != nil || influxClient != nil {
		recorder = newRecorder(cfg, bridge, repo, influxClient, log)
		remove, obsErr := bridge.AddObserver(recorder.Observe, homekit.EventCharacteristicChanged)
		switch {
		case obsErr == nil:
			defer remove()
		case errors.Is(obsErr, homekit.ErrPlatformUnavailable):
			log.Warn("history recorder idle: native platform unavailable")
		default:
			recorder.Close()
			return fmt.Errorf("registering history recorder: %w", obsErr)
		}
		defer func() {
			recorder.Close()
			stats := recorder.Stats()
			log.Info("history recorder stopped", "recorded", stats.Recorded, "dropped", stats.Dropped, "failed", stats.Failed)
		}()
	}

	// API
	if cfg.API.Enabled {
		srv, apiErr := api.New(api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log,
			Bridge:   bridge,
			History:  repo,
			Recorder: recorder,
			Version:  version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := srv.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error stopping API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	if err := healthCheck(ctx, db, stack.mqtt, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal", "bridge_state", bridge.State())

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// API, recorder, bridge, native layer and host, MQTT, InfluxDB, database.

	log.Info("accessory bridge stopped")
	return nil
}

// getConfigPath returns the configuration file path. An explicit flag wins
// over ACCBRIDGE_CONFIG, which wins over the default.
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv("ACCBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadConfig loads path, falling back to the built-in defaults only when the
// default path is missing. An explicitly named file must exist.
func loadConfig(path string) (*config.Config, error) {
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			cfg := config.Default()
			if err := cfg.Validate(); err != nil {
				return nil, err
			}
			return cfg, nil
		}
	}
	return config.Load(path)
}

func databaseConfig(cfg *config.Config) database.Config {
	return database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	}
}

// openDatabase opens the journal database and applies the embedded migrations.
func openDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	db, err := database.Open(databaseConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

// nativeLayer is a homekit.Native the process owns and must close.
type nativeLayer interface {
	homekit.Native
	Close() error
}

// nativeStack holds what startNative created. Every field may be nil.
type nativeStack struct {
	native nativeLayer
	mqtt   *mqtt.Client
	host   *process.Supervisor
}

// Close releases the stack in reverse start order.
func (s *nativeStack) Close(log *logging.Logger) {
	if s.native != nil {
		if err := s.native.Close(); err != nil {
			log.Error("error closing native layer", "error", err)
		}
	}
	if s.host != nil {
		log.Info("stopping native host")
		if err := s.host.Stop(); err != nil {
			log.Error("error stopping native host", "error", err)
		}
	}
	if s.mqtt != nil {
		log.Info("disconnecting from MQTT")
		if err := s.mqtt.Close(); err != nil {
			log.Error("error closing MQTT", "error", err)
		}
	}
}

// startNative builds the native layer selected by native.mode. Mode "none"
// yields an empty stack; the bridge then runs as an UnavailableBridge.
//
// Parameters:
//   - ctx: Lifetime of the supervised native host process, if any
//   - cfg: Application configuration
//   - log: Logger instance
//
// Returns:
//   - *nativeStack: Created components, to be closed by the caller
//   - error: If the MQTT connection, host process or fixture fails
func startNative(ctx context.Context, cfg *config.Config, log *logging.Logger) (*nativeStack, error) {
	stack := &nativeStack{}

	switch cfg.Native.Mode {
	case config.NativeModeMQTT:
		client, err := mqtt.Connect(cfg.MQTT)
		if err != nil {
			return nil, fmt.Errorf("connecting to MQTT: %w", err)
		}
		client.SetLogger(log)
		stack.mqtt = client
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		n, err := mqttnative.New(client, mqttnative.Config{
			HostID:              cfg.Native.HostID,
			AvailabilityTimeout: cfg.GetAvailabilityTimeout(),
			QoS:                 client.DefaultQoS(),
		}, log)
		if err != nil {
			stack.Close(log)
			return nil, fmt.Errorf("creating MQTT native layer: %w", err)
		}
		stack.native = n
		client.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		client.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
			n.HandleBrokerDisconnect(err)
		})

		// The status subscription exists before the host starts, so its
		// first online report is not missed.
		if cfg.Native.Host.Command != "" {
			host, err := startHost(ctx, cfg, n, log)
			if err != nil {
				stack.Close(log)
				return nil, err
			}
			stack.host = host
		}

	case config.NativeModeSimulator:
		simOpts := []simulator.Option{
			simulator.WithLatency(time.Duration(cfg.Native.SimulatorLatencyMS) * time.Millisecond),
			simulator.WithLogger(log),
		}
		if cfg.Native.SimulatorFixture != "" {
			graph, err := simulator.LoadFixture(cfg.Native.SimulatorFixture)
			if err != nil {
				return nil, fmt.Errorf("loading simulator fixture: %w", err)
			}
			simOpts = append(simOpts, simulator.WithGraph(graph))
		}
		stack.native = simulator.New(simOpts...)
		log.Info("using simulated native layer", "fixture", cfg.Native.SimulatorFixture)

	default:
		log.Warn("native layer disabled", "mode", cfg.Native.Mode)
	}

	return stack, nil
}

// watchFixture reloads the simulator fixture on change and refreshes the
// bridge so subscribers see the structural diff.
func watchFixture(ctx context.Context, cfg *config.Config, sim *simulator.Simulator, bridge homekit.Bridge, log *logging.Logger) (*simulator.FixtureWatcher, error) {
	w, err := simulator.WatchFixture(sim, cfg.Native.SimulatorFixture, func() {
		refreshCtx, cancel := context.WithTimeout(ctx, cfg.GetRefreshTimeout())
		defer cancel()
		if err := bridge.Refresh(refreshCtx); err != nil {
			log.Warn("refresh after fixture reload failed", "error", err)
		}
	}, log)
	if err != nil {
		return nil, fmt.Errorf("watching simulator fixture: %w", err)
	}
	log.Info("watching simulator fixture", "path", cfg.Native.SimulatorFixture)
	return w, nil
}

// startHost launches the configured native host process under supervision.
// The health check treats any status other than online as unhealthy.
func startHost(ctx context.Context, cfg *config.Config, n *mqttnative.Native, log *logging.Logger) (*process.Supervisor, error) {
	hc := cfg.Native.Host
	sup, err := process.New(process.Config{
		Name:            "native-host/" + cfg.Native.HostID,
		Command:         hc.Command,
		Args:            hc.Args,
		Env:             hc.Env,
		Dir:             hc.WorkDir,
		RestartDelay:    time.Duration(hc.RestartDelay) * time.Second,
		MaxRestartDelay: time.Duration(hc.MaxRestartDelay) * time.Second,
		MaxRestarts:     hc.MaxRestarts,
		StopTimeout:     time.Duration(hc.StopTimeout) * time.Second,
		CheckInterval:   time.Duration(hc.CheckInterval) * time.Second,
		HealthCheck: func(context.Context) error {
			if status := n.HostStatus(); status != mqtt.StatusOnline {
				return fmt.Errorf("host status %q", status)
			}
			return nil
		},
	}, log)
	if err != nil {
		return nil, fmt.Errorf("configuring native host: %w", err)
	}
	// Shutdown stops the host through nativeStack.Close, after the bridge.
	if err := sup.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, fmt.Errorf("starting native host: %w", err)
	}
	return sup, nil
}

// initializeBridge runs the first graph fetch. A failure leaves the bridge
// in the failed state; the process keeps serving so Refresh can recover it.
func initializeBridge(ctx context.Context, bridge homekit.Bridge, log *logging.Logger) {
	start := time.Now()
	if err := bridge.Initialize(ctx); err != nil {
		if errors.Is(err, homekit.ErrPlatformUnavailable) {
			log.Warn("bridge not initialised: native platform unavailable")
			return
		}
		log.Error("bridge initialisation failed, waiting for refresh", "error", err, "state", bridge.State())
		return
	}

	attrs := []any{"duration", time.Since(start)}
	if stats, err := bridge.Stats(); err == nil {
		attrs = append(attrs, "homes", stats.Homes, "accessories", stats.Accessories)
	}
	log.Info("bridge initialised", attrs...)
}

// newRecorder builds the history recorder. Telemetry is only set for a
// live client so the interface never holds a typed nil.
func newRecorder(cfg *config.Config, bridge homekit.Bridge, repo history.Repository,
	influxClient *influxdb.Client, log *logging.Logger) *history.Recorder {
	rc := history.RecorderConfig{
		Repository: repo,
		Retention:  cfg.GetHistoryRetention(),
		Logger:     log,
	}
	if influxClient != nil {
		rc.Telemetry = influxClient
	}
	if rb, ok := bridge.(*homekit.RealBridge); ok {
		rc.TypeOf = func(ref homekit.CharacteristicRef) string {
			ch, err := rb.Cache().Characteristic(ref)
			if err != nil {
				return ""
			}
			return ch.Type
		}
	}
	return history.NewRecorder(rc)
}

// healthCheck verifies the configured infrastructure connections.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Journal database (nil when history is disabled)
//   - mqttClient: MQTT client (nil unless native.mode is mqtt)
//   - influxClient: InfluxDB client (nil when disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
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
