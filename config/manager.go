package config

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ikulis/wiki-js/errors"
	"github.com/ikulis/wiki-js/pkg/retry"
)

// ReloadEvent is the cluster event name announcing that the shared settings
// store changed and every node must re-fetch its configuration.
const ReloadEvent = "reloadConfig"

// SettingsStore is the persisted half of the configuration: the shared
// key/value store every node reads from and writes to.
type SettingsStore interface {
	// LoadAll returns every persisted top-level setting. An empty map with
	// a nil error means the store is reachable but holds no configuration.
	LoadAll(ctx context.Context) (map[string]any, error)

	// SaveMany upserts the given top-level settings
	SaveMany(ctx context.Context, entries map[string]any) error
}

// Bus delivers cluster events between nodes. Delivery is at-least-once and
// includes the publishing node itself.
type Bus interface {
	Publish(ctx context.Context, event string) error
	Subscribe(event string, handler func()) error
}

// FlagApplier receives the runtime flags section whenever it is applied.
// Implementations must be idempotent: flags are re-applied on every reload.
type FlagApplier interface {
	ApplyFlags(flags map[string]any)
}

// Observer receives reload and write outcomes for instrumentation
type Observer interface {
	ConfigReloaded(ok bool)
	SettingsSaved(ok bool)
}

// Manager owns the live snapshot and keeps it in sync with the shared
// settings store, re-fetching on reload events and re-applying runtime
// flags after every refresh.
type Manager struct {
	safe     *SafeSnapshot
	store    SettingsStore
	bus      Bus
	logger   *slog.Logger
	levelVar *slog.LevelVar
	appliers []FlagApplier
	observer Observer

	readRetry      retry.Config
	writeRetry     retry.Config
	reconcileEvery time.Duration

	// Lifecycle management
	shutdownCh chan struct{}
	wg         sync.WaitGroup
	stopped    atomic.Bool
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithLevelVar attaches the process log level so the loglevel flag takes
// effect on running handlers.
func WithLevelVar(lv *slog.LevelVar) ManagerOption {
	return func(m *Manager) { m.levelVar = lv }
}

// WithFlagApplier registers an additional runtime flag consumer
func WithFlagApplier(a FlagApplier) ManagerOption {
	return func(m *Manager) { m.appliers = append(m.appliers, a) }
}

// WithObserver sets the instrumentation sink
func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) { m.observer = o }
}

// WithReconcileInterval enables a periodic background refresh from the
// store, catching up after missed reload events. Zero disables it.
func WithReconcileInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.reconcileEvery = d }
}

// WithReadRetry overrides the retry policy for store reads
func WithReadRetry(cfg retry.Config) ManagerOption {
	return func(m *Manager) { m.readRetry = cfg }
}

// WithWriteRetry overrides the retry policy for store writes
func WithWriteRetry(cfg retry.Config) ManagerOption {
	return func(m *Manager) { m.writeRetry = cfg }
}

// NewManager creates a manager around the live snapshot, the shared
// settings store, and the cluster event bus.
func NewManager(safe *SafeSnapshot, store SettingsStore, bus Bus, opts ...ManagerOption) (*Manager, error) {
	if safe == nil {
		return nil, fmt.Errorf("snapshot cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("settings store cannot be nil")
	}
	if bus == nil {
		return nil, fmt.Errorf("event bus cannot be nil")
	}

	m := &Manager{
		safe:       safe,
		store:      store,
		bus:        bus,
		logger:     slog.Default(),
		readRetry:  retry.Quick(),
		writeRetry: retry.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Get returns a deep copy of the current snapshot
func (m *Manager) Get() *Snapshot {
	return m.safe.Get()
}

// LoadFromDB fetches every persisted setting from the shared store and
// folds it into the live snapshot. The rows are reconstructed into a raw
// document and deep-merged over the current snapshot: persisted values
// win, keys absent from the store survive. An empty store switches the
// snapshot into setup mode instead of failing.
func (m *Manager) LoadFromDB(ctx context.Context) error {
	rows, err := retry.DoWithResult(ctx, m.readRetry, func() (map[string]any, error) {
		return m.store.LoadAll(ctx)
	})
	if err != nil {
		m.observe(func(o Observer) { o.ConfigReloaded(false) })
		return errors.WrapTransient(err, "Manager", "LoadFromDB", "fetch settings")
	}

	snap := m.safe.Get()

	if len(rows) == 0 {
		m.logger.Warn("Settings store is empty, entering setup mode")
		if err := snap.SetValue("setup", true); err != nil {
			m.observe(func(o Observer) { o.ConfigReloaded(false) })
			return errors.Wrap(err, "Manager", "LoadFromDB", "mark setup mode")
		}
		if err := m.safe.Update(snap); err != nil {
			m.observe(func(o Observer) { o.ConfigReloaded(false) })
			return errors.WrapInvalid(err, "Manager", "LoadFromDB", "apply setup snapshot")
		}
		m.observe(func(o Observer) { o.ConfigReloaded(true) })
		return nil
	}

	// Dotted row keys address nested values; a partial record like
	// db = {host: x} merges with the file-sourced subtree rather than
	// clobbering it.
	overlay := make(map[string]any, len(rows))
	for key, value := range rows {
		SetValueAtPath(overlay, key, unwrapScalar(value))
	}
	merged := DeepMerge(snap.RawCopy(), overlay)
	SetValueAtPath(merged, "setup", false)

	next, err := NewSnapshot(merged)
	if err != nil {
		m.observe(func(o Observer) { o.ConfigReloaded(false) })
		return errors.WrapInvalid(err, "Manager", "LoadFromDB", "build merged snapshot")
	}

	if err := m.safe.Update(next); err != nil {
		m.observe(func(o Observer) { o.ConfigReloaded(false) })
		return errors.WrapInvalid(err, "Manager", "LoadFromDB", "apply merged snapshot")
	}

	m.logger.Debug("Loaded settings from store", "keys", len(rows))
	m.observe(func(o Observer) { o.ConfigReloaded(true) })
	return nil
}

// SaveToDB persists the named top-level keys of the current snapshot to
// the shared store and, when propagate is set, announces the change to the
// cluster. Returns whether the write succeeded. A failed announcement does
// not fail the save: the write is already durable and the reconcile loop
// or the next event catches stragglers up.
func (m *Manager) SaveToDB(ctx context.Context, keys []string, propagate bool) bool {
	snap := m.safe.Get()

	entries := make(map[string]any, len(keys))
	for _, key := range keys {
		value, ok := snap.Value(key)
		if !ok {
			// Absent paths persist as a wrapped null so readers see the
			// key was deliberately saved.
			m.logger.Warn("Saving settings key with no snapshot value", "key", key)
			value = nil
		}
		entries[key] = wrapScalar(value)
	}
	if len(entries) == 0 {
		return true
	}

	err := retry.Do(ctx, m.writeRetry, func() error {
		return m.store.SaveMany(ctx, entries)
	})
	if err != nil {
		m.logger.Error("Settings store write failed",
			"keys", strings.Join(keys, ","),
			"error", err)
		m.observe(func(o Observer) { o.SettingsSaved(false) })
		return false
	}
	m.observe(func(o Observer) { o.SettingsSaved(true) })

	if propagate {
		if err := m.bus.Publish(ctx, ReloadEvent); err != nil {
			m.logger.Warn("Failed to announce settings change", "error", err)
		}
	}

	return true
}

// Set updates a dotted key path in the live snapshot. When save is set the
// affected top-level key is persisted, and when propagate is also set the
// change is announced to the cluster.
func (m *Manager) Set(ctx context.Context, path string, value any, save, propagate bool) error {
	snap := m.safe.Get()
	if err := snap.SetValue(path, value); err != nil {
		return errors.Wrap(err, "Manager", "Set", fmt.Sprintf("set %s", path))
	}
	if err := m.safe.Update(snap); err != nil {
		return errors.WrapInvalid(err, "Manager", "Set", "apply snapshot")
	}

	if save {
		topLevel := path
		if idx := strings.Index(path, "."); idx > 0 {
			topLevel = path[:idx]
		}
		if !m.SaveToDB(ctx, []string{topLevel}, propagate) {
			return errors.WrapTransient(errors.ErrStoreWriteFailed, "Manager", "Set", "persist setting")
		}
	}
	return nil
}

// ApplyFlags reads the flags section of the current snapshot and applies
// it to the process: the log level first, then every registered consumer.
// Safe to call repeatedly with the same flags.
func (m *Manager) ApplyFlags() {
	snap := m.safe.Get()
	flags := snap.Flags
	if flags == nil {
		flags = map[string]any{}
	}

	if m.levelVar != nil {
		if raw, ok := flags["loglevel"].(string); ok {
			m.levelVar.Set(parseLogLevel(raw))
		}
	}

	for _, applier := range m.appliers {
		applier.ApplyFlags(flags)
	}

	m.logger.Debug("Applied runtime flags", "count", len(flags))
}

// Subscribe registers the reload handler on the event bus. Every delivery,
// including this node's own announcements, triggers a full re-fetch from
// the store followed by a flag re-apply. Both steps run even if the first
// fails so a transient store error never leaves stale flags applied
// against a previously refreshed snapshot.
func (m *Manager) Subscribe(ctx context.Context) error {
	err := m.bus.Subscribe(ReloadEvent, func() {
		if m.stopped.Load() {
			return
		}
		m.handleReload(ctx)
	})
	if err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrSubscriptionFailed, err),
			"Manager", "Subscribe", "subscribe reload event")
	}
	return nil
}

// handleReload refreshes from the store and re-applies flags
func (m *Manager) handleReload(ctx context.Context) {
	if err := m.LoadFromDB(ctx); err != nil {
		m.logger.Error("Reload from settings store failed", "error", err)
	}
	m.ApplyFlags()
}

// Start subscribes to reload events and, when configured, begins the
// periodic reconcile loop.
func (m *Manager) Start(ctx context.Context) error {
	if m.shutdownCh != nil {
		return errors.ErrAlreadyStarted
	}
	m.shutdownCh = make(chan struct{})

	if err := m.Subscribe(ctx); err != nil {
		return err
	}

	if m.reconcileEvery > 0 {
		m.wg.Add(1)
		go m.reconcileLoop(ctx)
	}

	return nil
}

// reconcileLoop periodically re-fetches from the store. Missed reload
// events converge within one interval.
func (m *Manager) reconcileLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.reconcileEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.shutdownCh:
			return
		case <-ticker.C:
			m.handleReload(ctx)
		}
	}
}

// Stop shuts down the reconcile loop and waits for in-flight reloads
func (m *Manager) Stop(timeout time.Duration) error {
	if !m.stopped.CompareAndSwap(false, true) {
		return nil // Already stopped
	}

	if m.shutdownCh != nil {
		close(m.shutdownCh)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		// Clean shutdown
	case <-time.After(timeout):
		m.logger.Warn("Manager shutdown timeout", "timeout", timeout)
	}

	return nil
}

// observe invokes the instrumentation sink when one is attached
func (m *Manager) observe(fn func(Observer)) {
	if m.observer != nil {
		fn(m.observer)
	}
}

// wrapScalar prepares a value for persistence. The store schema holds one
// JSON document per top-level key, so non-document values travel wrapped
// as {"v": value}.
func wrapScalar(value any) any {
	if _, ok := value.(map[string]any); ok {
		return value
	}
	return map[string]any{"v": value}
}

// unwrapScalar reverses wrapScalar. Only a single-key {"v": ...} document
// unwraps; a document that legitimately contains a "v" key among others is
// left intact.
func unwrapScalar(value any) any {
	m, ok := value.(map[string]any)
	if !ok || len(m) != 1 {
		return value
	}
	if inner, ok := m["v"]; ok {
		return inner
	}
	return value
}

// parseLogLevel maps a flag string to a slog level, defaulting to info
func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
