// Package wiki provides the clustered configuration core of the wiki
// service: resolution of the effective configuration from layered file
// sources and environment overrides, persistence of operator settings in a
// shared store, and cross-node propagation of runtime changes over NATS.
//
// # Architecture
//
// Every node resolves its configuration the same way:
//
//	┌─────────────────────────────────────┐
//	│        File Sources                 │  defaults.yml, config.yml,
//	│  (defaults, base, pattern table)    │  patterns.yml
//	└─────────────────────────────────────┘
//	           ↓ deep merge
//	┌─────────────────────────────────────┐
//	│     Environment Overrides           │  DATABASE_URL, DB_PASS_FILE,
//	│  (connection URL, secrets, port)    │  PORT, CONFIG_FILE
//	└─────────────────────────────────────┘
//	           ↓ snapshot
//	┌─────────────────────────────────────┐
//	│      Shared Settings Store          │  SQL (postgres/sqlite) or
//	│   (persisted operator settings)     │  NATS JetStream KV
//	└─────────────────────────────────────┘
//	           ↓ reload events
//	┌─────────────────────────────────────┐
//	│      Cluster Propagation            │  wiki.events.reloadConfig
//	│   (at-least-once, self-delivered)   │
//	└─────────────────────────────────────┘
//
// A settings write on any node publishes a reload event; every node,
// including the writer, re-fetches from the store and re-applies runtime
// flags. Convergence relies on re-fetching rather than event payloads, so
// duplicate or reordered deliveries are harmless.
//
// # Packages
//
// Configuration:
//   - config: source loading, merge, snapshot, env overrides, manager
//   - store: settings store backends (SQL and NATS KV)
//   - propagation: cluster reload events over NATS
//
// Infrastructure:
//   - natsclient: NATS connection management with circuit breaker
//   - metric: Prometheus metrics
//   - health: health check system
//   - errors: structured error handling with retry classification
//   - pkg/retry: retry policies with exponential backoff
//
// # Binary
//
// Build and run the node:
//
//	go build -o bin/wiki ./cmd/wiki
//	./bin/wiki --root=/opt/wiki
package wiki
