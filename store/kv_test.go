package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ikulis/wiki-js/errors"
	"github.com/ikulis/wiki-js/natsclient"
)

// fakeKV is an in-memory settingsKV
type fakeKV struct {
	mu       sync.Mutex
	data     map[string][]byte
	keysErr  error
	putErr   error
	watchErr error
	watchCh  chan jetstream.KeyValueEntry
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		data:    map[string][]byte{},
		watchCh: make(chan jetstream.KeyValueEntry, 8),
	}
}

func (f *fakeKV) Keys(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keysErr != nil {
		return nil, f.keysErr
	}
	keys := make([]string, 0, len(f.data))
	for k := range f.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func (f *fakeKV) Get(_ context.Context, key string) (*natsclient.KVEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return nil, natsclient.ErrKVKeyNotFound
	}
	return &natsclient.KVEntry{Key: key, Value: v, Revision: 1}, nil
}

func (f *fakeKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return 0, f.putErr
	}
	f.data[key] = value
	return 1, nil
}

func (f *fakeKV) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *fakeKV) Watch(_ context.Context, _ string) (jetstream.KeyWatcher, error) {
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	return &fakeKeyWatcher{ch: f.watchCh}, nil
}

// fakeKeyWatcher drives WatchSettings from a test-owned channel
type fakeKeyWatcher struct {
	ch      chan jetstream.KeyValueEntry
	stopped atomic.Bool
}

func (w *fakeKeyWatcher) Updates() <-chan jetstream.KeyValueEntry { return w.ch }

func (w *fakeKeyWatcher) Stop() error {
	w.stopped.Store(true)
	return nil
}

// fakeKVEntry is a minimal jetstream.KeyValueEntry
type fakeKVEntry struct {
	key   string
	value []byte
}

func (e *fakeKVEntry) Bucket() string                  { return SettingsBucket }
func (e *fakeKVEntry) Key() string                     { return e.key }
func (e *fakeKVEntry) Value() []byte                   { return e.value }
func (e *fakeKVEntry) Revision() uint64                { return 1 }
func (e *fakeKVEntry) Created() time.Time              { return time.Now() }
func (e *fakeKVEntry) Delta() uint64                   { return 0 }
func (e *fakeKVEntry) Operation() jetstream.KeyValueOp { return jetstream.KeyValuePut }

func newKVStoreForTest(kv settingsKV) *KVSettingsStore {
	return &KVSettingsStore{kv: kv, logger: slog.Default()}
}

func TestKVSettingsStore_EmptyBucket(t *testing.T) {
	s := newKVStoreForTest(newFakeKV())

	rows, err := s.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestKVSettingsStore_SaveAndLoad(t *testing.T) {
	s := newKVStoreForTest(newFakeKV())
	ctx := context.Background()

	entries := map[string]any{
		"port": map[string]any{"v": float64(9000)},
		"db":   map[string]any{"type": "postgres"},
	}
	require.NoError(t, s.SaveMany(ctx, entries))

	rows, err := s.LoadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, entries, rows)
}

func TestKVSettingsStore_GetAndDelete(t *testing.T) {
	s := newKVStoreForTest(newFakeKV())
	ctx := context.Background()

	_, err := s.Get(ctx, "port")
	assert.ErrorIs(t, err, apperrors.ErrKeyNotFound)

	require.NoError(t, s.SaveMany(ctx, map[string]any{"port": map[string]any{"v": float64(1)}}))

	v, err := s.Get(ctx, "port")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"v": float64(1)}, v)

	require.NoError(t, s.Delete(ctx, "port"))
	_, err = s.Get(ctx, "port")
	assert.ErrorIs(t, err, apperrors.ErrKeyNotFound)

	// Deleting a missing key is not an error
	assert.NoError(t, s.Delete(ctx, "port"))
}

func TestKVSettingsStore_CorruptEntrySkipped(t *testing.T) {
	kv := newFakeKV()
	kv.data["broken"] = []byte("{not json")
	kv.data["port"] = []byte(`{"v":1}`)
	s := newKVStoreForTest(kv)

	rows, err := s.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Contains(t, rows, "port")
}

func TestKVSettingsStore_WatchFiresAfterReplay(t *testing.T) {
	kv := newFakeKV()
	s := newKVStoreForTest(kv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var changes atomic.Int32
	require.NoError(t, s.WatchSettings(ctx, func() { changes.Add(1) }))

	// Replayed entries before the nil marker are the existing state, not
	// changes
	kv.watchCh <- &fakeKVEntry{key: "port", value: []byte(`{"v":1}`)}
	kv.watchCh <- nil
	kv.watchCh <- &fakeKVEntry{key: "port", value: []byte(`{"v":2}`)}

	assert.Eventually(t, func() bool {
		return changes.Load() == 1
	}, time.Second, 10*time.Millisecond)

	kv.watchCh <- &fakeKVEntry{key: "db", value: []byte(`{"type":"postgres"}`)}
	assert.Eventually(t, func() bool {
		return changes.Load() == 2
	}, time.Second, 10*time.Millisecond)
}

func TestKVSettingsStore_WatchStopsOnCancel(t *testing.T) {
	kv := newFakeKV()
	s := newKVStoreForTest(kv)

	ctx, cancel := context.WithCancel(context.Background())

	var changes atomic.Int32
	require.NoError(t, s.WatchSettings(ctx, func() { changes.Add(1) }))
	cancel()

	// The loop exits without draining further entries
	assert.Eventually(t, func() bool {
		select {
		case kv.watchCh <- nil:
			return false
		default:
			return true
		}
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, changes.Load())
}

func TestKVSettingsStore_WatchError(t *testing.T) {
	kv := newFakeKV()
	kv.watchErr = errors.New("no responders")
	s := newKVStoreForTest(kv)

	err := s.WatchSettings(context.Background(), func() {})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrSubscriptionFailed)
}

func TestKVSettingsStore_Errors(t *testing.T) {
	kv := newFakeKV()
	kv.keysErr = errors.New("no responders")
	s := newKVStoreForTest(kv)

	_, err := s.LoadAll(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))

	kv2 := newFakeKV()
	kv2.putErr = errors.New("no responders")
	s2 := newKVStoreForTest(kv2)

	err = s2.SaveMany(context.Background(), map[string]any{"port": 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrStoreWriteFailed)
}
