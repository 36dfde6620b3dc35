package config

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ikulis/wiki-js/errors"
	"github.com/ikulis/wiki-js/pkg/retry"
)

// fakeStore is an in-memory SettingsStore
type fakeStore struct {
	mu      sync.Mutex
	rows    map[string]any
	loadErr error
	saveErr error
	saves   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[string]any{}}
}

func (f *fakeStore) LoadAll(_ context.Context) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	out := make(map[string]any, len(f.rows))
	for k, v := range f.rows {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) SaveMany(_ context.Context, entries map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.saveErr != nil {
		return f.saveErr
	}
	for k, v := range entries {
		f.rows[k] = v
	}
	return nil
}

// fakeBus delivers published events synchronously to local subscribers,
// including the publisher itself.
type fakeBus struct {
	mu       sync.Mutex
	handlers map[string][]func()
	pubErr   error
	pubs     []string
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: map[string][]func(){}}
}

func (f *fakeBus) Publish(_ context.Context, event string) error {
	f.mu.Lock()
	f.pubs = append(f.pubs, event)
	err := f.pubErr
	handlers := append([]func(){}, f.handlers[event]...)
	f.mu.Unlock()

	if err != nil {
		return err
	}
	for _, h := range handlers {
		h()
	}
	return nil
}

func (f *fakeBus) Subscribe(event string, handler func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], handler)
	return nil
}

// recordingObserver counts reload and write outcomes
type recordingObserver struct {
	mu          sync.Mutex
	reloadOK    int
	reloadFail  int
	savedOK     int
	savedFailed int
}

func (r *recordingObserver) ConfigReloaded(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.reloadOK++
	} else {
		r.reloadFail++
	}
}

func (r *recordingObserver) SettingsSaved(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.savedOK++
	} else {
		r.savedFailed++
	}
}

func (r *recordingObserver) reloadFailures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reloadFail
}

// countingApplier records flag applications
type countingApplier struct {
	mu    sync.Mutex
	calls int
	last  map[string]any
}

func (c *countingApplier) ApplyFlags(flags map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.last = flags
}

func newTestManager(t *testing.T, store SettingsStore, bus Bus, opts ...ManagerOption) (*Manager, *SafeSnapshot) {
	t.Helper()
	snap, err := NewSnapshot(validRaw())
	require.NoError(t, err)
	safe := NewSafeSnapshot(snap)

	noRetry := retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	opts = append([]ManagerOption{WithReadRetry(noRetry), WithWriteRetry(noRetry)}, opts...)

	m, err := NewManager(safe, store, bus, opts...)
	require.NoError(t, err)
	return m, safe
}

func TestNewManager_RequiresCollaborators(t *testing.T) {
	snap, err := NewSnapshot(validRaw())
	require.NoError(t, err)
	safe := NewSafeSnapshot(snap)

	_, err = NewManager(nil, newFakeStore(), newFakeBus())
	assert.Error(t, err)
	_, err = NewManager(safe, nil, newFakeBus())
	assert.Error(t, err)
	_, err = NewManager(safe, newFakeStore(), nil)
	assert.Error(t, err)
}

func TestManager_LoadFromDB_EmptyStoreEntersSetup(t *testing.T) {
	m, safe := newTestManager(t, newFakeStore(), newFakeBus())

	require.NoError(t, m.LoadFromDB(context.Background()))

	got := safe.Get()
	assert.True(t, got.Setup)
	v, ok := got.Value("setup")
	require.True(t, ok)
	assert.Equal(t, true, v)
}

func TestManager_LoadFromDB_AppliesRowsAndClearsSetup(t *testing.T) {
	store := newFakeStore()
	store.rows["port"] = map[string]any{"v": float64(9000)}
	store.rows["db"] = map[string]any{
		"type": "postgres",
		"host": "store-host",
	}

	m, safe := newTestManager(t, store, newFakeBus())
	require.NoError(t, m.LoadFromDB(context.Background()))

	got := safe.Get()
	assert.Equal(t, 9000, got.Port)
	assert.Equal(t, "store-host", got.DB.Host)
	assert.False(t, got.Setup)
}

func TestManager_LoadFromDB_PartialRecordMergesOverSnapshot(t *testing.T) {
	store := newFakeStore()
	store.rows["db"] = map[string]any{"host": "replaced.example.com"}

	m, safe := newTestManager(t, store, newFakeBus())
	require.NoError(t, m.LoadFromDB(context.Background()))

	got := safe.Get()
	assert.Equal(t, "replaced.example.com", got.DB.Host)
	// Sibling keys absent from the store survive the reload
	assert.Equal(t, DBTypePostgres, got.DB.Type)
	assert.Equal(t, "wiki", got.DB.User)
	assert.Equal(t, "secret", got.DB.Pass)
	assert.False(t, got.Setup)
}

func TestManager_LoadFromDB_DottedKeyAddressesNestedValue(t *testing.T) {
	store := newFakeStore()
	store.rows["db.host"] = map[string]any{"v": "nested.example.com"}

	m, safe := newTestManager(t, store, newFakeBus())
	require.NoError(t, m.LoadFromDB(context.Background()))

	got := safe.Get()
	assert.Equal(t, "nested.example.com", got.DB.Host)
	assert.Equal(t, DBTypePostgres, got.DB.Type)
}

func TestManager_LoadFromDB_KeepsDefaultKeysAbsentFromStore(t *testing.T) {
	store := newFakeStore()
	store.rows["port"] = map[string]any{"v": float64(9000)}

	m, safe := newTestManager(t, store, newFakeBus())
	require.NoError(t, m.LoadFromDB(context.Background()))

	got := safe.Get()
	for _, path := range []string{"db.type", "db.host", "paths.data", "flags.sqllog"} {
		_, ok := got.Value(path)
		assert.True(t, ok, "key %s missing after reload", path)
	}
}

func TestManager_LoadFromDB_RecordsFailureOnBadRow(t *testing.T) {
	store := newFakeStore()
	store.rows["port"] = map[string]any{"v": "not-a-number"}

	obs := &recordingObserver{}
	m, safe := newTestManager(t, store, newFakeBus(), WithObserver(obs))

	before := safe.Get().RawCopy()
	require.Error(t, m.LoadFromDB(context.Background()))
	assert.Equal(t, 1, obs.reloadFailures())
	// The previous snapshot stays in effect
	assert.Equal(t, before, safe.Get().RawCopy())
}

func TestManager_LoadFromDB_StoreErrorIsTransient(t *testing.T) {
	store := newFakeStore()
	store.loadErr = errors.New("connection refused")

	m, _ := newTestManager(t, store, newFakeBus())
	err := m.LoadFromDB(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
}

func TestManager_LoadFromDB_IsIdempotent(t *testing.T) {
	store := newFakeStore()
	store.rows["port"] = map[string]any{"v": float64(9000)}

	m, safe := newTestManager(t, store, newFakeBus())
	require.NoError(t, m.LoadFromDB(context.Background()))
	first := safe.Get().RawCopy()

	require.NoError(t, m.LoadFromDB(context.Background()))
	assert.Equal(t, first, safe.Get().RawCopy())
}

func TestManager_SaveToDB_WrapsScalars(t *testing.T) {
	store := newFakeStore()
	m, _ := newTestManager(t, store, newFakeBus())

	ok := m.SaveToDB(context.Background(), []string{"port", "db"}, false)
	assert.True(t, ok)

	assert.Equal(t, map[string]any{"v": float64(8080)}, store.rows["port"])
	// Document values are stored as-is
	db := store.rows["db"].(map[string]any)
	assert.Equal(t, "postgres", db["type"])
}

func TestManager_SaveToDB_AbsentKeySavesNull(t *testing.T) {
	store := newFakeStore()
	m, _ := newTestManager(t, store, newFakeBus())

	ok := m.SaveToDB(context.Background(), []string{"no-such-key"}, false)
	assert.True(t, ok)
	assert.Equal(t, map[string]any{"v": nil}, store.rows["no-such-key"])
}

func TestManager_SaveToDB_PropagatesOnSuccess(t *testing.T) {
	bus := newFakeBus()
	m, _ := newTestManager(t, newFakeStore(), bus)

	require.True(t, m.SaveToDB(context.Background(), []string{"port"}, true))
	assert.Equal(t, []string{ReloadEvent}, bus.pubs)

	require.True(t, m.SaveToDB(context.Background(), []string{"port"}, false))
	assert.Len(t, bus.pubs, 1)
}

func TestManager_SaveToDB_WriteFailure(t *testing.T) {
	store := newFakeStore()
	store.saveErr = errors.New("disk full")
	bus := newFakeBus()
	m, _ := newTestManager(t, store, bus)

	ok := m.SaveToDB(context.Background(), []string{"port"}, true)
	assert.False(t, ok)
	// No announcement for a write that never landed
	assert.Empty(t, bus.pubs)
}

func TestManager_SaveToDB_PublishFailureStillSucceeds(t *testing.T) {
	bus := newFakeBus()
	bus.pubErr = errors.New("no responders")
	store := newFakeStore()
	m, _ := newTestManager(t, store, bus)

	// The write is durable, so a failed announcement does not fail the save
	ok := m.SaveToDB(context.Background(), []string{"port"}, true)
	assert.True(t, ok)
	assert.Contains(t, store.rows, "port")
}

func TestManager_SubscribeTriggersReload(t *testing.T) {
	store := newFakeStore()
	store.rows["port"] = map[string]any{"v": float64(9000)}
	bus := newFakeBus()
	applier := &countingApplier{}

	m, safe := newTestManager(t, store, bus, WithFlagApplier(applier))
	require.NoError(t, m.Subscribe(context.Background()))

	// Self-delivery: our own announcement triggers our own reload
	require.True(t, m.SaveToDB(context.Background(), []string{"db"}, true))

	assert.Equal(t, 9000, safe.Get().Port)
	assert.Equal(t, 1, applier.calls)
}

func TestManager_ReloadAppliesFlagsEvenWhenStoreFails(t *testing.T) {
	store := newFakeStore()
	store.loadErr = errors.New("connection refused")
	bus := newFakeBus()
	applier := &countingApplier{}

	m, _ := newTestManager(t, store, bus, WithFlagApplier(applier))
	require.NoError(t, m.Subscribe(context.Background()))

	require.NoError(t, bus.Publish(context.Background(), ReloadEvent))
	assert.Equal(t, 1, applier.calls)
}

func TestManager_ApplyFlags(t *testing.T) {
	levelVar := &slog.LevelVar{}
	levelVar.Set(slog.LevelInfo)
	applier := &countingApplier{}

	m, _ := newTestManager(t, newFakeStore(), newFakeBus(),
		WithLevelVar(levelVar), WithFlagApplier(applier))

	m.ApplyFlags()
	assert.Equal(t, slog.LevelDebug, levelVar.Level()) // loglevel: debug in fixture
	assert.Equal(t, 1, applier.calls)
	assert.Equal(t, true, applier.last["sqllog"])

	// Idempotent on repeat
	m.ApplyFlags()
	assert.Equal(t, slog.LevelDebug, levelVar.Level())
	assert.Equal(t, 2, applier.calls)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("WARN"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("info"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("garbage"))
}

func TestManager_Set(t *testing.T) {
	store := newFakeStore()
	bus := newFakeBus()
	m, safe := newTestManager(t, store, bus)

	require.NoError(t, m.Set(context.Background(), "db.host", "new-host", true, true))

	assert.Equal(t, "new-host", safe.Get().DB.Host)
	db := store.rows["db"].(map[string]any)
	assert.Equal(t, "new-host", db["host"])
	assert.Equal(t, []string{ReloadEvent}, bus.pubs)
}

func TestManager_Set_InvalidRejected(t *testing.T) {
	store := newFakeStore()
	m, safe := newTestManager(t, store, newFakeBus())

	err := m.Set(context.Background(), "port", -1, false, false)
	require.Error(t, err)
	assert.Equal(t, 8080, safe.Get().Port)
}

func TestManager_ReconcileLoop(t *testing.T) {
	store := newFakeStore()
	store.rows["port"] = map[string]any{"v": float64(9000)}
	bus := newFakeBus()

	m, safe := newTestManager(t, store, bus, WithReconcileInterval(10*time.Millisecond))
	require.NoError(t, m.Start(context.Background()))
	defer func() { _ = m.Stop(time.Second) }()

	require.Eventually(t, func() bool {
		return safe.Get().Port == 9000
	}, time.Second, 5*time.Millisecond)
}

func TestManager_StopIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t, newFakeStore(), newFakeBus(), WithReconcileInterval(time.Millisecond))
	require.NoError(t, m.Start(context.Background()))

	require.NoError(t, m.Stop(time.Second))
	require.NoError(t, m.Stop(time.Second))
}

func TestManager_StartTwice(t *testing.T) {
	m, _ := newTestManager(t, newFakeStore(), newFakeBus())
	require.NoError(t, m.Start(context.Background()))
	assert.ErrorIs(t, m.Start(context.Background()), apperrors.ErrAlreadyStarted)
	_ = m.Stop(time.Second)
}

func TestWrapUnwrapScalar(t *testing.T) {
	assert.Equal(t, map[string]any{"v": 42}, wrapScalar(42))
	assert.Equal(t, map[string]any{"v": "hi"}, wrapScalar("hi"))
	assert.Equal(t, map[string]any{"v": []any{1, 2}}, wrapScalar([]any{1, 2}))

	doc := map[string]any{"a": 1}
	assert.Equal(t, doc, wrapScalar(doc))

	assert.Equal(t, 42, unwrapScalar(map[string]any{"v": 42}))
	assert.Equal(t, "plain", unwrapScalar("plain"))

	// A document with a "v" key among others stays intact
	mixed := map[string]any{"v": 1, "w": 2}
	assert.Equal(t, mixed, unwrapScalar(mixed))
}
