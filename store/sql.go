package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ikulis/wiki-js/config"
	"github.com/ikulis/wiki-js/errors"
)

// settingsSchema holds one JSON document per top-level configuration key
const settingsSchema = `
CREATE TABLE IF NOT EXISTS settings (
	"key"      TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

// SQLStore is the relational settings store backend. It implements
// config.SettingsStore over database/sql and config.FlagApplier so the
// sqllog runtime flag can toggle query logging on a live node.
type SQLStore struct {
	db         *sql.DB
	driver     string
	logger     *slog.Logger
	logQueries atomic.Bool
}

// SQLOption configures a SQLStore
type SQLOption func(*SQLStore)

// WithSQLLogger sets the structured logger
func WithSQLLogger(logger *slog.Logger) SQLOption {
	return func(s *SQLStore) { s.logger = logger }
}

// OpenSQL opens the relational backend described by the database section of
// the snapshot. Only the compiled-in drivers are accepted.
func OpenSQL(cfg config.DBConfig, opts ...SQLOption) (*SQLStore, error) {
	driver, dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.WrapFatal(err, "SQLStore", "OpenSQL", "open database")
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &SQLStore{
		db:     db,
		driver: driver,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// buildDSN maps the database section to a driver name and connection string
func buildDSN(cfg config.DBConfig) (driver, dsn string, err error) {
	switch cfg.Type {
	case config.DBTypePostgres:
		sslmode := "disable"
		if cfg.SSL {
			sslmode = "require"
		}
		parts := []string{
			fmt.Sprintf("host=%s", cfg.Host),
			fmt.Sprintf("sslmode=%s", sslmode),
		}
		if cfg.Port > 0 {
			parts = append(parts, fmt.Sprintf("port=%d", cfg.Port))
		}
		if cfg.User != "" {
			parts = append(parts, fmt.Sprintf("user=%s", cfg.User))
		}
		if cfg.Pass != "" {
			parts = append(parts, fmt.Sprintf("password=%s", cfg.Pass))
		}
		if cfg.DB != "" {
			parts = append(parts, fmt.Sprintf("dbname=%s", cfg.DB))
		}
		return "postgres", strings.Join(parts, " "), nil

	case config.DBTypeSQLite:
		if cfg.Storage == "" {
			return "", "", errors.WrapInvalid(
				errors.ErrMissingConfig, "SQLStore", "buildDSN", "resolve sqlite storage path")
		}
		return "sqlite3", cfg.Storage, nil

	case config.DBTypeMySQL, config.DBTypeMariaDB, config.DBTypeMSSQL:
		return "", "", errors.WrapInvalid(
			fmt.Errorf("%w: no driver built in for db.type %s", errors.ErrInvalidConfig, cfg.Type),
			"SQLStore", "buildDSN", "select driver")

	default:
		return "", "", errors.WrapInvalid(
			fmt.Errorf("%w: unrecognized db.type %q", errors.ErrInvalidConfig, cfg.Type),
			"SQLStore", "buildDSN", "select driver")
	}
}

// InitSchema creates the settings table when it does not exist yet
func (s *SQLStore) InitSchema(ctx context.Context) error {
	s.logQuery(settingsSchema)
	if _, err := s.db.ExecContext(ctx, settingsSchema); err != nil {
		return errors.WrapTransient(err, "SQLStore", "InitSchema", "create settings table")
	}
	return nil
}

// Ping verifies store reachability
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err),
			"SQLStore", "Ping", "ping database")
	}
	return nil
}

// LoadAll returns every persisted top-level setting. An empty result with a
// nil error means the store holds no configuration yet.
func (s *SQLStore) LoadAll(ctx context.Context) (map[string]any, error) {
	query := s.placeholders(`SELECT "key", value FROM settings`)
	s.logQuery(query)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.WrapTransient(err, "SQLStore", "LoadAll", "query settings")
	}
	defer func() { _ = rows.Close() }()

	out := map[string]any{}
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, errors.WrapTransient(err, "SQLStore", "LoadAll", "scan settings row")
		}

		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			// A corrupt row must not take the whole configuration down
			s.logger.Warn("Skipping unparseable settings row", "key", key, "error", err)
			continue
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "SQLStore", "LoadAll", "iterate settings rows")
	}

	return out, nil
}

// SaveMany upserts the given top-level settings in a single transaction
func (s *SQLStore) SaveMany(ctx context.Context, entries map[string]any) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrStoreWriteFailed, err),
			"SQLStore", "SaveMany", "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	stmt := s.placeholders(`
		INSERT INTO settings ("key", value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT ("key") DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	s.logQuery(stmt)

	now := time.Now().UTC()
	for key, value := range entries {
		data, err := json.Marshal(value)
		if err != nil {
			return errors.WrapInvalid(err, "SQLStore", "SaveMany", fmt.Sprintf("marshal setting %s", key))
		}
		if _, err := tx.ExecContext(ctx, stmt, key, string(data), now); err != nil {
			return errors.WrapTransient(
				fmt.Errorf("%w: key %s: %v", errors.ErrStoreWriteFailed, key, err),
				"SQLStore", "SaveMany", "upsert setting")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrStoreWriteFailed, err),
			"SQLStore", "SaveMany", "commit transaction")
	}
	return nil
}

// Get returns a single persisted setting
func (s *SQLStore) Get(ctx context.Context, key string) (any, error) {
	query := s.placeholders(`SELECT value FROM settings WHERE "key" = ?`)
	s.logQuery(query)

	var raw string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, errors.ErrKeyNotFound
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "SQLStore", "Get", "query setting")
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, errors.WrapInvalid(err, "SQLStore", "Get", "parse setting")
	}
	return value, nil
}

// Delete removes a persisted setting
func (s *SQLStore) Delete(ctx context.Context, key string) error {
	stmt := s.placeholders(`DELETE FROM settings WHERE "key" = ?`)
	s.logQuery(stmt)

	if _, err := s.db.ExecContext(ctx, stmt, key); err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: key %s: %v", errors.ErrStoreWriteFailed, key, err),
			"SQLStore", "Delete", "delete setting")
	}
	return nil
}

// Close releases the database handle
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// ApplyFlags toggles query logging from the sqllog runtime flag
func (s *SQLStore) ApplyFlags(flags map[string]any) {
	enabled, _ := flags["sqllog"].(bool)
	s.logQueries.Store(enabled)
}

// logQuery emits the statement when query logging is on
func (s *SQLStore) logQuery(stmt string) {
	if s.logQueries.Load() {
		s.logger.Info("SQL", "driver", s.driver, "stmt", strings.Join(strings.Fields(stmt), " "))
	}
}

// placeholders rewrites ? placeholders to the driver's native form
func (s *SQLStore) placeholders(stmt string) string {
	if s.driver != "postgres" {
		return stmt
	}

	var result strings.Builder
	paramIndex := 1
	for i := 0; i < len(stmt); i++ {
		if stmt[i] == '?' {
			fmt.Fprintf(&result, "$%d", paramIndex)
			paramIndex++
		} else {
			result.WriteByte(stmt[i])
		}
	}
	return result.String()
}
