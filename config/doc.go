// Package config resolves the node configuration from its layered sources
// and keeps it current for the process lifetime.
//
// Resolution order, lowest precedence first:
//
//  1. Static defaults document (data/defaults.yml)
//  2. Operator-authored base document (config.yml, dev/config.yml in dev
//     containers, or the CONFIG_FILE override)
//  3. Environment overrides (DATABASE_URL, DB_PASS_FILE, PORT)
//  4. Persisted settings from the shared store
//
// The merged result is a Snapshot: a typed view over the raw document so
// that keys unknown to the typed schema still survive the merge. Snapshots
// are immutable from a reader's point of view; SafeSnapshot swaps in fully
// merged replacements so no reader observes a partial merge.
//
// The Manager ties the snapshot to the shared settings store and the
// cluster event bus: it re-fetches on every reloadConfig delivery,
// re-applies runtime flags after each refresh, and announces local writes
// to the rest of the cluster.
package config
