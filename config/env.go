package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/ikulis/wiki-js/errors"
)

// Environment variables carrying runtime overrides
const (
	envDatabaseURL = "DATABASE_URL"
	envDBPassFile  = "DB_PASS_FILE"
	envPort        = "PORT"
	envHeroku      = "WIKI_JS_HEROKU"
)

// herokuFallbackPort is used when the platform signal is present but no
// externally provided port resolves.
const herokuFallbackPort = 80

// connection URL schemes mapped to database types
var schemeToDBType = map[string]string{
	"postgres":   DBTypePostgres,
	"postgresql": DBTypePostgres,
	"mysql":      DBTypeMySQL,
	"mariadb":    DBTypeMariaDB,
	"mssql":      DBTypeMSSQL,
	"sqlserver":  DBTypeMSSQL,
	"sqlite":     DBTypeSQLite,
}

// ApplyEnvOverrides applies environment-provided overrides to the snapshot:
// connection URL, secret file, port override, and the platform port rule.
// A malformed connection URL or an unreadable secret file is fatal; an
// unrecognized URL scheme only skips the override.
func ApplyEnvOverrides(snap *Snapshot) error {
	if raw := os.Getenv(envDatabaseURL); raw != "" {
		if err := validateEnvVar(envDatabaseURL, raw); err != nil {
			return errors.WrapFatal(err, "config", "ApplyEnvOverrides", "validate connection URL")
		}
		applied, err := ApplyConnectionURL(snap, raw)
		if err != nil {
			return err
		}
		if !applied {
			// Unsupported scheme: warning only, snapshot untouched
			fmt.Fprintf(os.Stderr, "WARNING: %s has an unsupported scheme, override skipped\n", envDatabaseURL)
		}
	}

	if path := os.Getenv(envDBPassFile); path != "" {
		if err := applySecretFile(snap, path); err != nil {
			return err
		}
	}

	applyPortOverrides(snap)
	return nil
}

// ApplyConnectionURL parses a URL-shaped connection string and applies its
// components to the snapshot's database settings. Returns false (not
// applied) for an unrecognized scheme, leaving the snapshot unchanged. A
// string that does not parse as a URL is a fatal startup error: a
// half-applied connection is worse than none.
func ApplyConnectionURL(snap *Snapshot, raw string) (bool, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return false, errors.WrapFatal(
			fmt.Errorf("%w: %v", errors.ErrEnvParse, err),
			"config", "ApplyConnectionURL", "parse connection URL")
	}

	dbType, ok := schemeToDBType[strings.ToLower(u.Scheme)]
	if !ok {
		return false, nil
	}

	if err := snap.SetValue("db.type", dbType); err != nil {
		return false, err
	}

	if dbType == DBTypeSQLite {
		// Only a storage path applies for sqlite
		storage := u.Path
		if storage == "" {
			storage = u.Opaque
		}
		if storage != "" {
			if err := snap.SetValue("db.storage", storage); err != nil {
				return false, err
			}
		}
		return true, nil
	}

	// Absent URL components do not overwrite existing snapshot values
	if host := u.Hostname(); host != "" {
		if err := snap.SetValue("db.host", host); err != nil {
			return false, err
		}
	}
	if portStr := u.Port(); portStr != "" {
		port, perr := strconv.Atoi(portStr)
		if perr != nil {
			return false, errors.WrapFatal(
				fmt.Errorf("%w: invalid port %q", errors.ErrEnvParse, portStr),
				"config", "ApplyConnectionURL", "parse connection port")
		}
		if err := snap.SetValue("db.port", port); err != nil {
			return false, err
		}
	}
	if u.User != nil {
		if user := u.User.Username(); user != "" {
			if err := snap.SetValue("db.user", user); err != nil {
				return false, err
			}
		}
		if pass, set := u.User.Password(); set {
			if err := snap.SetValue("db.pass", pass); err != nil {
				return false, err
			}
		}
	}
	if dbName := strings.TrimPrefix(u.Path, "/"); dbName != "" {
		if err := snap.SetValue("db.db", dbName); err != nil {
			return false, err
		}
	}

	// sslmode=disable is the only mode that turns SSL off; any other mode
	// value enables it. No sslmode parameter leaves the prior value alone.
	if mode := u.Query().Get("sslmode"); mode != "" {
		if err := snap.SetValue("db.ssl", mode != "disable"); err != nil {
			return false, err
		}
	}

	return true, nil
}

// applySecretFile replaces the database password with the trimmed contents
// of a secret file. An unreadable file is fatal.
func applySecretFile(snap *Snapshot, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.WrapFatal(
			fmt.Errorf("%w: %s: %v", errors.ErrSecretUnreadable, path, err),
			"config", "applySecretFile", "read secret file")
	}
	return snap.SetValue("db.pass", strings.TrimSpace(string(data)))
}

// applyPortOverrides applies the PORT environment override, then the
// platform rule via fixupPort.
func applyPortOverrides(snap *Snapshot) {
	if v := os.Getenv(envPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			_ = snap.SetValue("port", port)
		}
	}
	fixupPort(snap)
}

// fixupPort replaces the listening port when the resolved value is invalid
// or the hosting-platform signal is present: the externally provided PORT
// wins, falling back to 80.
func fixupPort(snap *Snapshot) {
	if snap.Port > 0 && os.Getenv(envHeroku) == "" {
		return
	}

	port := herokuFallbackPort
	if v := os.Getenv(envPort); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			port = p
		}
	}
	_ = snap.SetValue("port", port)
}
