package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Recognized database types for the shared settings store connection.
const (
	DBTypePostgres = "postgres"
	DBTypeMySQL    = "mysql"
	DBTypeMariaDB  = "mariadb"
	DBTypeMSSQL    = "mssql"
	DBTypeSQLite   = "sqlite"
)

// DBConfig defines the database connection settings
type DBConfig struct {
	Type    string `json:"type"`
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
	User    string `json:"user,omitempty"`
	Pass    string `json:"pass,omitempty"`
	DB      string `json:"db,omitempty"`
	Storage string `json:"storage,omitempty"` // file path, sqlite only
	SSL     bool   `json:"ssl,omitempty"`
}

// PathsConfig defines filesystem roots supplied by the defaults document
type PathsConfig struct {
	Data    string `json:"data,omitempty"`
	Content string `json:"content,omitempty"`
}

// Snapshot is the merged, typed configuration in effect for the process.
//
// Typed fields are hydrated from an underlying raw document so that every
// key present in the static defaults survives the merge, including
// forward-compatible keys the typed schema does not know about.
type Snapshot struct {
	Port  int            `json:"port"`
	Paths PathsConfig    `json:"paths"`
	DB    DBConfig       `json:"db"`
	Flags map[string]any `json:"flags"`

	// Setup is true when the shared store had no usable persisted
	// configuration: the service should run its first-time setup flow
	// instead of serving normally.
	Setup bool `json:"setup"`

	raw map[string]any
}

// NewSnapshot builds a snapshot from a merged raw document
func NewSnapshot(raw map[string]any) (*Snapshot, error) {
	if raw == nil {
		raw = map[string]any{}
	}

	s := &Snapshot{raw: cloneMap(raw)}
	if err := s.rehydrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// rehydrate refreshes the typed fields from the raw document via a JSON
// round-trip. Called after any raw mutation.
func (s *Snapshot) rehydrate() error {
	data, err := json.Marshal(s.raw)
	if err != nil {
		return fmt.Errorf("marshal raw document: %w", err)
	}

	type doc Snapshot // drop methods to avoid recursion
	var d doc
	if err := json.Unmarshal(data, &d); err != nil {
		return fmt.Errorf("unmarshal raw document: %w", err)
	}

	s.Port = d.Port
	s.Paths = d.Paths
	s.DB = d.DB
	s.Flags = d.Flags
	s.Setup = d.Setup
	return nil
}

// Value returns the raw value at a dotted key path
func (s *Snapshot) Value(path string) (any, bool) {
	return ValueAtPath(s.raw, path)
}

// SetValue sets the raw value at a dotted key path, creating intermediate
// maps as needed, and refreshes the typed fields.
func (s *Snapshot) SetValue(path string, value any) error {
	if path == "" {
		return errors.New("empty key path")
	}
	SetValueAtPath(s.raw, path, value)
	return s.rehydrate()
}

// StringAt returns the string value at a dotted key path, or the default
func (s *Snapshot) StringAt(path, defaultVal string) string {
	if v, ok := s.Value(path); ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return defaultVal
}

// IntAt returns the integer value at a dotted key path, or the default
func (s *Snapshot) IntAt(path string, defaultVal int) int {
	if v, ok := s.Value(path); ok {
		return asInt(v, defaultVal)
	}
	return defaultVal
}

// BoolAt returns the boolean value at a dotted key path, or the default
func (s *Snapshot) BoolAt(path string, defaultVal bool) bool {
	if v, ok := s.Value(path); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultVal
}

// RawCopy returns a deep copy of the underlying raw document
func (s *Snapshot) RawCopy() map[string]any {
	return cloneMap(s.raw)
}

// Clone creates a deep copy of the snapshot
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return &Snapshot{raw: map[string]any{}}
	}

	clone := &Snapshot{raw: cloneMap(s.raw)}
	if err := clone.rehydrate(); err != nil {
		// Raw document was already hydrated once, so this cannot
		// normally fail; fall back to copying the typed fields.
		clone.Port = s.Port
		clone.Paths = s.Paths
		clone.DB = s.DB
		clone.Setup = s.Setup
		clone.Flags = make(map[string]any, len(s.Flags))
		for k, v := range s.Flags {
			clone.Flags[k] = v
		}
	}
	clone.Setup = s.Setup
	return clone
}

// Validate checks if the snapshot is usable
func (s *Snapshot) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port %d out of range", s.Port)
	}

	switch s.DB.Type {
	case DBTypePostgres, DBTypeMySQL, DBTypeMariaDB, DBTypeMSSQL:
		if s.DB.Host == "" {
			return fmt.Errorf("db.host is required for type %s", s.DB.Type)
		}
	case DBTypeSQLite:
		if s.DB.Storage == "" {
			return errors.New("db.storage is required for type sqlite")
		}
	case "":
		return errors.New("db.type is required")
	default:
		return fmt.Errorf("unrecognized db.type %q", s.DB.Type)
	}

	return nil
}

// String returns a JSON representation with the database password elided
func (s *Snapshot) String() string {
	c := s.Clone()
	if c.DB.Pass != "" {
		c.DB.Pass = "***"
		_ = c.SetValue("db.pass", "***")
	}
	data, _ := json.MarshalIndent(c.raw, "", "  ")
	return string(data)
}

// SafeSnapshot provides thread-safe access to the current snapshot.
// Readers get deep copies; writers swap in a fully merged replacement, so
// no reader ever observes a partially merged configuration.
type SafeSnapshot struct {
	mu   sync.RWMutex
	snap *Snapshot
}

// NewSafeSnapshot creates a new thread-safe snapshot wrapper
func NewSafeSnapshot(snap *Snapshot) *SafeSnapshot {
	if snap == nil {
		snap = &Snapshot{raw: map[string]any{}}
	}
	return &SafeSnapshot{snap: snap}
}

// Get returns a deep copy of the current snapshot
func (ss *SafeSnapshot) Get() *Snapshot {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.snap.Clone()
}

// Update atomically replaces the snapshot after validation
func (ss *SafeSnapshot) Update(snap *Snapshot) error {
	if snap == nil {
		return errors.New("snapshot cannot be nil")
	}
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("snapshot validation failed: %w", err)
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.snap = snap
	return nil
}

// cloneMap deep-copies a raw document via JSON round-trip
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}

	data, err := json.Marshal(m)
	if err != nil {
		// Fallback to a shallow copy if marshaling fails
		copied := make(map[string]any, len(m))
		for k, v := range m {
			copied[k] = v
		}
		return copied
	}

	var clone map[string]any
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := make(map[string]any, len(m))
		for k, v := range m {
			copied[k] = v
		}
		return copied
	}

	return clone
}
