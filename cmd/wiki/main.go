// Package main implements the entry point for the wiki configuration
// service: it resolves the node's configuration from file sources, the
// environment, and the shared settings store, then keeps every node in the
// cluster converged through reload events.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/ikulis/wiki-js/config"
	"github.com/ikulis/wiki-js/health"
	"github.com/ikulis/wiki-js/metric"
	"github.com/ikulis/wiki-js/natsclient"
	"github.com/ikulis/wiki-js/propagation"
	"github.com/ikulis/wiki-js/store"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "wiki"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, levelVar, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	// Resolve configuration from file sources and the environment
	safe, err := resolveConfiguration(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "snapshot", safe.Get().String())
		return nil
	}

	ctx := context.Background()
	monitor := health.NewMonitor()
	registry := metric.NewRegistry()
	metrics := registry.CoreMetrics()

	natsClient, err := connectNATS(ctx, cliCfg, logger, metrics, monitor)
	if err != nil {
		return err
	}
	defer func() { _ = natsClient.Close(ctx) }()

	settingsStore, sqlStore, err := openSettingsStore(ctx, cliCfg, safe, natsClient, logger, monitor)
	if err != nil {
		return err
	}
	if sqlStore != nil {
		defer func() { _ = sqlStore.Close() }()
	}

	manager, err := setupManager(ctx, safe, settingsStore, sqlStore, natsClient, logger, levelVar, metrics)
	if err != nil {
		return err
	}
	defer func() { _ = manager.Stop(5 * time.Second) }()

	// The KV backend can watch the bucket directly, catching the node up
	// when a transient disconnect made it miss a reload event.
	if kvStore, ok := settingsStore.(*store.KVSettingsStore); ok {
		err := kvStore.WatchSettings(ctx, func() {
			if err := manager.LoadFromDB(ctx); err != nil {
				slog.Error("Reload from settings store failed", "error", err)
			}
			manager.ApplyFlags()
		})
		if err != nil {
			slog.Warn("Settings watch unavailable", "error", err)
		}
	}

	servers := startHTTPServers(cliCfg, registry, monitor)
	defer servers.stop()

	monitor.UpdateHealthy("config", "settings loaded")
	if manager.Get().Setup {
		slog.Warn("No persisted configuration found, running in setup mode")
	}

	return waitForShutdown(cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, *slog.LevelVar, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printHelp()
		return nil, nil, nil, true, nil
	}

	logger, levelVar := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting wiki configuration service",
		"version", Version,
		"build_time", BuildTime,
		"root", cliCfg.Root)

	return cliCfg, logger, levelVar, false, nil
}

// resolveConfiguration reads the file sources, merges them, folds in
// environment overrides, and validates the result. Any failure here is
// fatal: the process must not serve with a partial configuration.
func resolveConfiguration(cliCfg *CLIConfig) (*config.SafeSnapshot, error) {
	loader := config.NewLoader(cliCfg.Root)
	base, defaults, patterns, err := loader.LoadFileSources()
	if err != nil {
		return nil, fmt.Errorf("load file sources: %w", err)
	}
	slog.Debug("File sources loaded",
		"base", loader.BasePath(),
		"patterns", patterns.Len())

	snap, err := config.Resolve(defaults, base)
	if err != nil {
		return nil, fmt.Errorf("merge configuration: %w", err)
	}

	if err := config.ApplyEnvOverrides(snap); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}

	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	slog.Info("Configuration resolved",
		"port", snap.Port,
		"db_type", snap.DB.Type)

	return config.NewSafeSnapshot(snap), nil
}

// connectNATS establishes the NATS connection and waits for it to be ready
func connectNATS(
	ctx context.Context,
	cliCfg *CLIConfig,
	logger *slog.Logger,
	metrics *metric.Metrics,
	monitor *health.Monitor,
) (*natsclient.Client, error) {
	natsClient, err := natsclient.NewClient(cliCfg.NATSURL,
		natsclient.WithName(appName),
		natsclient.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	natsClient.OnHealthChange(func(healthy bool) {
		metrics.RecordNATSStatus(healthy)
		if healthy {
			monitor.UpdateHealthy("nats", "connected")
		} else {
			metrics.RecordNATSReconnect()
			monitor.UpdateUnhealthy("nats", "connection lost")
		}
	})

	slog.Info("Connecting to NATS")
	if err := natsClient.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := natsClient.WaitForConnection(connCtx); err != nil {
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}

	metrics.RecordNATSStatus(true)
	monitor.UpdateHealthy("nats", "connected")
	return natsClient, nil
}

// openSettingsStore opens the configured settings store backend. The SQL
// backend additionally gets its schema initialized and its connection
// verified; the KV backend rides the already-verified NATS connection.
func openSettingsStore(
	ctx context.Context,
	cliCfg *CLIConfig,
	safe *config.SafeSnapshot,
	natsClient *natsclient.Client,
	logger *slog.Logger,
	monitor *health.Monitor,
) (config.SettingsStore, *store.SQLStore, error) {
	if cliCfg.StoreBackend == "kv" {
		kvStore, err := store.OpenKV(ctx, natsClient, store.WithKVLogger(logger))
		if err != nil {
			monitor.Update("store", health.FromError("store", err))
			return nil, nil, fmt.Errorf("open KV settings store: %w", err)
		}
		monitor.UpdateHealthy("store", "kv bucket ready")
		return kvStore, nil, nil
	}

	sqlStore, err := store.OpenSQL(safe.Get().DB, store.WithSQLLogger(logger))
	if err != nil {
		monitor.Update("store", health.FromError("store", err))
		return nil, nil, fmt.Errorf("open SQL settings store: %w", err)
	}

	if err := sqlStore.Ping(ctx); err != nil {
		monitor.Update("store", health.FromError("store", err))
		return nil, nil, fmt.Errorf("verify settings store connection: %w", err)
	}
	if err := sqlStore.InitSchema(ctx); err != nil {
		return nil, nil, fmt.Errorf("initialize settings schema: %w", err)
	}

	monitor.UpdateHealthy("store", "database ready")
	return sqlStore, sqlStore, nil
}

// setupManager wires the configuration manager to the store and the
// cluster event bus, performs the initial store fetch, applies runtime
// flags, and starts the reload subscription.
func setupManager(
	ctx context.Context,
	safe *config.SafeSnapshot,
	settingsStore config.SettingsStore,
	sqlStore *store.SQLStore,
	natsClient *natsclient.Client,
	logger *slog.Logger,
	levelVar *slog.LevelVar,
	metrics *metric.Metrics,
) (*config.Manager, error) {
	propSvc, err := propagation.NewService(ctx, natsClient,
		propagation.WithLogger(logger),
		propagation.WithObserver(metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("create propagation service: %w", err)
	}
	slog.Info("Cluster propagation ready", "node_id", propSvc.NodeID())

	opts := []config.ManagerOption{
		config.WithLogger(logger),
		config.WithLevelVar(levelVar),
		config.WithObserver(metrics),
	}
	if sqlStore != nil {
		opts = append(opts, config.WithFlagApplier(sqlStore))
	}

	manager, err := config.NewManager(safe, settingsStore, propSvc, opts...)
	if err != nil {
		return nil, fmt.Errorf("create config manager: %w", err)
	}

	start := time.Now()
	if err := manager.LoadFromDB(ctx); err != nil {
		return nil, fmt.Errorf("load settings from store: %w", err)
	}
	metrics.RecordReloadDuration(time.Since(start))
	manager.ApplyFlags()

	if err := manager.Start(ctx); err != nil {
		return nil, fmt.Errorf("start config manager: %w", err)
	}

	return manager, nil
}

// httpServers holds the optional observability listeners
type httpServers struct {
	metrics *metric.Server
	health  *http.Server
}

// startHTTPServers starts the metrics and health listeners when their
// ports are enabled. Listener failures are logged, not fatal: the node can
// serve without observability endpoints.
func startHTTPServers(cliCfg *CLIConfig, registry *metric.Registry, monitor *health.Monitor) *httpServers {
	servers := &httpServers{}

	if cliCfg.MetricsPort > 0 {
		servers.metrics = metric.NewServer(cliCfg.MetricsPort, "/metrics", registry)
		go func() {
			if err := servers.metrics.Start(); err != nil {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
		slog.Info("Metrics server listening", "address", servers.metrics.Address())
	}

	if cliCfg.HealthPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/healthz", monitor.Handler(appName))
		servers.health = &http.Server{
			Addr:              fmt.Sprintf(":%d", cliCfg.HealthPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := servers.health.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("Health server failed", "error", err)
			}
		}()
		slog.Info("Health server listening", "port", cliCfg.HealthPort)
	}

	return servers
}

// stop shuts down the observability listeners
func (s *httpServers) stop() {
	if s.metrics != nil {
		_ = s.metrics.Stop()
	}
	if s.health != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.health.Shutdown(ctx)
	}
}

// waitForShutdown blocks until a termination signal arrives
func waitForShutdown(timeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	slog.Info("Startup complete, serving")
	<-signalCtx.Done()
	slog.Info("Received shutdown signal", "timeout", timeout)
	return nil
}

// printHelp prints help information
func printHelp() {
	printDetailedHelp()
}
