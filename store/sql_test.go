package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikulis/wiki-js/config"
	apperrors "github.com/ikulis/wiki-js/errors"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()

	s, err := OpenSQL(config.DBConfig{
		Type:    config.DBTypeSQLite,
		Storage: filepath.Join(t.TempDir(), "settings.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.InitSchema(context.Background()))
	return s
}

func TestBuildDSN(t *testing.T) {
	tests := []struct {
		name       string
		cfg        config.DBConfig
		wantDriver string
		wantDSN    string
		wantErr    bool
	}{
		{
			name: "postgres with ssl",
			cfg: config.DBConfig{
				Type: config.DBTypePostgres,
				Host: "db.example.com", Port: 5433,
				User: "alice", Pass: "secret", DB: "wiki",
				SSL: true,
			},
			wantDriver: "postgres",
			wantDSN:    "host=db.example.com sslmode=require port=5433 user=alice password=secret dbname=wiki",
		},
		{
			name: "postgres minimal",
			cfg: config.DBConfig{
				Type: config.DBTypePostgres,
				Host: "localhost",
			},
			wantDriver: "postgres",
			wantDSN:    "host=localhost sslmode=disable",
		},
		{
			name:       "sqlite",
			cfg:        config.DBConfig{Type: config.DBTypeSQLite, Storage: "/var/lib/wiki/db.sqlite"},
			wantDriver: "sqlite3",
			wantDSN:    "/var/lib/wiki/db.sqlite",
		},
		{
			name:    "sqlite without storage",
			cfg:     config.DBConfig{Type: config.DBTypeSQLite},
			wantErr: true,
		},
		{
			name:    "mysql has no built-in driver",
			cfg:     config.DBConfig{Type: config.DBTypeMySQL, Host: "localhost"},
			wantErr: true,
		},
		{
			name:    "unknown type",
			cfg:     config.DBConfig{Type: "oracle"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			driver, dsn, err := buildDSN(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.IsInvalid(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDriver, driver)
			assert.Equal(t, tt.wantDSN, dsn)
		})
	}
}

func TestSQLStore_EmptyStore(t *testing.T) {
	s := openTestStore(t)

	rows, err := s.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSQLStore_SaveAndLoad(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	entries := map[string]any{
		"port": map[string]any{"v": float64(9000)},
		"db":   map[string]any{"type": "postgres", "host": "db.example.com"},
	}
	require.NoError(t, s.SaveMany(ctx, entries))

	rows, err := s.LoadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, entries, rows)
}

func TestSQLStore_Upsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveMany(ctx, map[string]any{"port": map[string]any{"v": float64(8080)}}))
	require.NoError(t, s.SaveMany(ctx, map[string]any{"port": map[string]any{"v": float64(9000)}}))

	rows, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, map[string]any{"v": float64(9000)}, rows["port"])
}

func TestSQLStore_GetAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "port")
	assert.ErrorIs(t, err, apperrors.ErrKeyNotFound)

	require.NoError(t, s.SaveMany(ctx, map[string]any{"port": map[string]any{"v": float64(8080)}}))

	v, err := s.Get(ctx, "port")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"v": float64(8080)}, v)

	require.NoError(t, s.Delete(ctx, "port"))
	_, err = s.Get(ctx, "port")
	assert.ErrorIs(t, err, apperrors.ErrKeyNotFound)
}

func TestSQLStore_SaveManyEmpty(t *testing.T) {
	s := openTestStore(t)
	assert.NoError(t, s.SaveMany(context.Background(), nil))
}

func TestSQLStore_CorruptRowSkipped(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings ("key", value, updated_at) VALUES ('broken', '{not json', CURRENT_TIMESTAMP)`)
	require.NoError(t, err)
	require.NoError(t, s.SaveMany(ctx, map[string]any{"port": map[string]any{"v": float64(1)}}))

	rows, err := s.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Contains(t, rows, "port")
}

func TestSQLStore_ApplyFlags(t *testing.T) {
	s := openTestStore(t)

	assert.False(t, s.logQueries.Load())
	s.ApplyFlags(map[string]any{"sqllog": true})
	assert.True(t, s.logQueries.Load())
	s.ApplyFlags(map[string]any{"sqllog": false})
	assert.False(t, s.logQueries.Load())
	s.ApplyFlags(map[string]any{})
	assert.False(t, s.logQueries.Load())
}

func TestSQLStore_Placeholders(t *testing.T) {
	pg := &SQLStore{driver: "postgres"}
	assert.Equal(t, `SELECT value FROM settings WHERE "key" = $1 AND value != $2`,
		pg.placeholders(`SELECT value FROM settings WHERE "key" = ? AND value != ?`))

	lite := &SQLStore{driver: "sqlite3"}
	assert.Equal(t, `SELECT value FROM settings WHERE "key" = ?`,
		lite.placeholders(`SELECT value FROM settings WHERE "key" = ?`))
}
