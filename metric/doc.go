// Package metric provides Prometheus instrumentation for the node:
// configuration reload and write outcomes, cluster event delivery, and the
// NATS connection state. The core Metrics type satisfies the observer
// contracts of the config and propagation packages so they stay free of
// Prometheus imports.
package metric
