package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/ikulis/wiki-js/errors"
	"github.com/ikulis/wiki-js/natsclient"
)

// SettingsBucket is the JetStream KV bucket shared by every node
const SettingsBucket = "wiki_settings"

// settingsKV is the slice of natsclient.KVStore the backend needs
type settingsKV interface {
	Keys(ctx context.Context) ([]string, error)
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string) error
	Watch(ctx context.Context, pattern string) (jetstream.KeyWatcher, error)
}

// KVSettingsStore is the JetStream key/value settings store backend. It
// implements config.SettingsStore for deployments that already run a
// JetStream-enabled NATS server and want no relational database.
type KVSettingsStore struct {
	kv     settingsKV
	logger *slog.Logger
}

// KVOption configures a KVSettingsStore
type KVOption func(*KVSettingsStore)

// WithKVLogger sets the structured logger
func WithKVLogger(logger *slog.Logger) KVOption {
	return func(s *KVSettingsStore) { s.logger = logger }
}

// OpenKV creates or binds the shared settings bucket on the given client
func OpenKV(ctx context.Context, client *natsclient.Client, opts ...KVOption) (*KVSettingsStore, error) {
	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      SettingsBucket,
		Description: "Shared wiki settings",
		History:     5,
	})
	if err != nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err),
			"KVSettingsStore", "OpenKV", "create settings bucket")
	}

	s := &KVSettingsStore{
		kv:     client.NewKVStore(bucket),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// LoadAll returns every persisted top-level setting. An empty bucket
// returns an empty map with a nil error.
func (s *KVSettingsStore) LoadAll(ctx context.Context) (map[string]any, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "KVSettingsStore", "LoadAll", "list settings keys")
	}

	out := make(map[string]any, len(keys))
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			if err == natsclient.ErrKVKeyNotFound {
				// Deleted between Keys and Get
				continue
			}
			return nil, errors.WrapTransient(err, "KVSettingsStore", "LoadAll",
				fmt.Sprintf("read setting %s", key))
		}

		var value any
		if err := json.Unmarshal(entry.Value, &value); err != nil {
			s.logger.Warn("Skipping unparseable settings entry", "key", key, "error", err)
			continue
		}
		out[key] = value
	}

	return out, nil
}

// SaveMany upserts the given top-level settings. Each key is one KV entry,
// so a multi-key save is not atomic across keys; readers converge on the
// next reload either way.
func (s *KVSettingsStore) SaveMany(ctx context.Context, entries map[string]any) error {
	for key, value := range entries {
		data, err := json.Marshal(value)
		if err != nil {
			return errors.WrapInvalid(err, "KVSettingsStore", "SaveMany",
				fmt.Sprintf("marshal setting %s", key))
		}
		if _, err := s.kv.Put(ctx, key, data); err != nil {
			return errors.WrapTransient(
				fmt.Errorf("%w: key %s: %v", errors.ErrStoreWriteFailed, key, err),
				"KVSettingsStore", "SaveMany", "write setting")
		}
	}
	return nil
}

// WatchSettings invokes onChange for every settings write after the
// initial replay. Reload events are the primary signal; the watch catches
// a node up when a transient disconnect made it miss one.
func (s *KVSettingsStore) WatchSettings(ctx context.Context, onChange func()) error {
	watcher, err := s.kv.Watch(ctx, ">")
	if err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrSubscriptionFailed, err),
			"KVSettingsStore", "WatchSettings", "watch settings bucket")
	}

	go func() {
		defer func() { _ = watcher.Stop() }()

		// The watcher replays current values first; a nil entry marks the
		// end of the replay.
		replayed := false
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				if entry == nil {
					replayed = true
					continue
				}
				if !replayed {
					continue
				}
				s.logger.Debug("Settings bucket changed", "key", entry.Key())
				onChange()
			}
		}
	}()

	return nil
}

// Get returns a single persisted setting
func (s *KVSettingsStore) Get(ctx context.Context, key string) (any, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if err == natsclient.ErrKVKeyNotFound {
			return nil, errors.ErrKeyNotFound
		}
		return nil, errors.WrapTransient(err, "KVSettingsStore", "Get", "read setting")
	}

	var value any
	if err := json.Unmarshal(entry.Value, &value); err != nil {
		return nil, errors.WrapInvalid(err, "KVSettingsStore", "Get", "parse setting")
	}
	return value, nil
}

// Delete removes a persisted setting
func (s *KVSettingsStore) Delete(ctx context.Context, key string) error {
	if err := s.kv.Delete(ctx, key); err != nil && err != natsclient.ErrKVKeyNotFound {
		return errors.WrapTransient(
			fmt.Errorf("%w: key %s: %v", errors.ErrStoreWriteFailed, key, err),
			"KVSettingsStore", "Delete", "delete setting")
	}
	return nil
}
