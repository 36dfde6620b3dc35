package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ikulis/wiki-js/errors"
)

// Environment variables consumed by the loader
const (
	envConfigFile = "CONFIG_FILE"
	envDevMode    = "dev"
)

// Fixed source locations relative to the installation root
const (
	baseConfigFile  = "config.yml"
	devConfigFile   = "dev/config.yml"
	defaultsFile    = "data/defaults.yml"
	patternTableKey = "data/patterns.yml"
)

// Loader reads the file-based configuration sources: the operator-authored
// base document, the static defaults document, and the pattern table.
type Loader struct {
	root     string
	dev      bool
	basePath string // explicit override, wins over root-relative selection
	logger   *slog.Logger
}

// LoaderOption configures a Loader
type LoaderOption func(*Loader)

// WithDev forces development-container path selection
func WithDev(dev bool) LoaderOption {
	return func(l *Loader) { l.dev = dev }
}

// WithBasePath sets an explicit base config path, overriding selection
func WithBasePath(path string) LoaderOption {
	return func(l *Loader) { l.basePath = path }
}

// WithLoaderLogger sets the logger used for source diagnostics
func WithLoaderLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) { l.logger = logger }
}

// NewLoader creates a loader rooted at the installation directory. The
// CONFIG_FILE and dev environment variables are honored unless overridden
// by options.
func NewLoader(root string, opts ...LoaderOption) *Loader {
	l := &Loader{
		root:     root,
		dev:      os.Getenv(envDevMode) == "true",
		basePath: os.Getenv(envConfigFile),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// BasePath returns the selected base configuration path: the explicit
// override if defined, the development-container path in dev mode, else the
// default root path.
func (l *Loader) BasePath() string {
	if l.basePath != "" {
		return l.basePath
	}
	if l.dev {
		return filepath.Join(l.root, devConfigFile)
	}
	return filepath.Join(l.root, baseConfigFile)
}

// DefaultsPath returns the static defaults document path
func (l *Loader) DefaultsPath() string {
	return filepath.Join(l.root, defaultsFile)
}

// PatternsPath returns the static pattern table path
func (l *Loader) PatternsPath() string {
	return filepath.Join(l.root, patternTableKey)
}

// LoadFileSources reads the base document, the static defaults, and the
// pattern table. Failure to read or parse the base or defaults documents is
// fatal for startup: the process must not serve with a partial
// configuration.
func (l *Loader) LoadFileSources() (base, defaults map[string]any, patterns *PatternTable, err error) {
	base, err = l.loadDocument(l.BasePath())
	if err != nil {
		return nil, nil, nil, errors.WrapFatal(
			fmt.Errorf("%w: base config %s: %v", errors.ErrSourceUnreadable, l.BasePath(), err),
			"Loader", "LoadFileSources", "read base config")
	}

	defaults, err = l.loadDocument(l.DefaultsPath())
	if err != nil {
		return nil, nil, nil, errors.WrapFatal(
			fmt.Errorf("%w: defaults %s: %v", errors.ErrSourceUnreadable, l.DefaultsPath(), err),
			"Loader", "LoadFileSources", "read defaults")
	}

	patterns, err = l.loadPatterns(l.PatternsPath())
	if err != nil {
		return nil, nil, nil, errors.WrapFatal(
			fmt.Errorf("%w: pattern table %s: %v", errors.ErrSourceUnreadable, l.PatternsPath(), err),
			"Loader", "LoadFileSources", "read pattern table")
	}

	l.logger.Debug("Loaded file sources",
		"base", l.BasePath(),
		"defaults", l.DefaultsPath(),
		"patterns", patterns.Len())

	return base, defaults, patterns, nil
}

// loadDocument reads a single YAML document as a raw map
func (l *Loader) loadDocument(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	if err := validateDocDepth(doc); err != nil {
		return nil, fmt.Errorf("invalid document structure in %s: %w", path, err)
	}

	return doc, nil
}

// loadPatterns reads and compiles the static pattern table
func (l *Loader) loadPatterns(path string) (*PatternTable, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return NewPatternTable(raw)
}
