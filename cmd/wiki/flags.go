package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	Root              string
	NATSURL           string
	StoreBackend      string
	LogLevel          string
	LogFormat         string
	Debug             bool
	ShutdownTimeout   time.Duration
	ReconcileInterval time.Duration
	MetricsPort       int
	HealthPort        int
	ShowVersion       bool
	ShowHelp          bool
	Validate          bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	// Define flags with environment variable fallback
	flag.StringVar(&cfg.Root, "root",
		getEnv("WIKI_ROOT", "."),
		"Installation root holding config.yml and data/ (env: WIKI_ROOT)")

	flag.StringVar(&cfg.NATSURL, "nats",
		getEnv("WIKI_NATS_URL", "nats://localhost:4222"),
		"NATS server URL (env: WIKI_NATS_URL)")

	flag.StringVar(&cfg.StoreBackend, "store",
		getEnv("WIKI_STORE", "sql"),
		"Settings store backend: sql, kv (env: WIKI_STORE)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("WIKI_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: WIKI_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("WIKI_LOG_FORMAT", "json"),
		"Log format: json, text (env: WIKI_LOG_FORMAT)")

	flag.BoolVar(&cfg.Debug, "debug",
		getEnvBool("WIKI_DEBUG", false),
		"Enable debug logging (env: WIKI_DEBUG)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("WIKI_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: WIKI_SHUTDOWN_TIMEOUT)")

	flag.DurationVar(&cfg.ReconcileInterval, "reconcile-interval",
		getEnvDuration("WIKI_RECONCILE_INTERVAL", 5*time.Minute),
		"Periodic store refresh interval, 0 to disable (env: WIKI_RECONCILE_INTERVAL)")

	flag.IntVar(&cfg.MetricsPort, "metrics-port",
		getEnvInt("WIKI_METRICS_PORT", 9090),
		"Prometheus metrics port, 0 to disable (env: WIKI_METRICS_PORT)")

	flag.IntVar(&cfg.HealthPort, "health-port",
		getEnvInt("WIKI_HEALTH_PORT", 8082),
		"Health check port, 0 to disable (env: WIKI_HEALTH_PORT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Resolve configuration and exit")

	// Custom usage
	flag.Usage = func() {
		printDetailedHelp()
	}

	flag.Parse()

	// Override log level if debug is set
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	// Skip validation for special flags
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if _, err := os.Stat(cfg.Root); err != nil {
		return fmt.Errorf("installation root not found: %s", cfg.Root)
	}

	validBackends := []string{"sql", "kv"}
	if !contains(validBackends, cfg.StoreBackend) {
		return fmt.Errorf("invalid store backend: %s", cfg.StoreBackend)
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	validFormats := []string{"json", "text"}
	if !contains(validFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.MetricsPort < 0 || cfg.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.MetricsPort)
	}

	if cfg.HealthPort < 0 || cfg.HealthPort > 65535 {
		return fmt.Errorf("invalid health port: %d", cfg.HealthPort)
	}

	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - clustered configuration service

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run from a custom installation root
  %s --root=/opt/wiki

  # Run with debug logging against a remote NATS server
  %s --log-level=debug --nats=nats://nats.internal:4222

  # Run with environment variables
  export WIKI_ROOT=/opt/wiki
  export DATABASE_URL=postgres://wiki:secret@db:5432/wiki
  %s

  # Resolve configuration only
  %s --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Utility function to check if slice contains string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
