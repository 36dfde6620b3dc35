// Package store provides the shared settings store backends. Every node in
// the cluster reads and writes the same store; each top-level configuration
// key is persisted as one JSON document.
//
// Two backends exist: a relational one over database/sql (postgres and
// sqlite) and a NATS JetStream key/value one for deployments that already
// run a JetStream-enabled server.
package store
