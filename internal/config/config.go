// Package config loads loom configuration from loom.yaml in the working
// folder, with LOOM_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved loom configuration.
type Config struct {
	// WorkingFolder is the project root; all other folders resolve against
	// it.
	WorkingFolder string `mapstructure:"working_folder"`

	// OutputFolder receives rendered artifacts.
	OutputFolder string `mapstructure:"output_folder"`

	// RuntimeFolder holds the journal and catalog databases.
	RuntimeFolder string `mapstructure:"runtime_folder"`

	// Threads bounds concurrent render jobs.
	Threads int `mapstructure:"threads"`

	// Watch keeps the engine alive, rebuilding on changes.
	Watch bool `mapstructure:"watch"`

	// Debounce is the quiet period before a change burst triggers a cycle.
	Debounce time.Duration `mapstructure:"debounce"`

	// Clear removes output and runtime folders before building.
	Clear bool `mapstructure:"clear"`

	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	// Collections maps collection names to source folders.
	Collections map[string]string `mapstructure:"collections"`

	// Render holds per-renderer configuration subtrees.
	Render map[string]map[string]any `mapstructure:"render"`
}

// Load reads loom.yaml from the working folder. A missing config file is
// not an error; defaults and environment variables still apply.
func Load(workingFolder string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("loom")
	v.SetConfigType("yaml")
	v.AddConfigPath(workingFolder)
	v.SetEnvPrefix("LOOM")
	v.AutomaticEnv()

	v.SetDefault("working_folder", workingFolder)
	v.SetDefault("output_folder", "out")
	v.SetDefault("runtime_folder", "runtime")
	v.SetDefault("threads", 4)
	v.SetDefault("debounce", time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("collections", map[string]string{})

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	abs, err := filepath.Abs(cfg.WorkingFolder)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve working folder: %w", err)
	}
	cfg.WorkingFolder = abs
	cfg.OutputFolder = resolve(abs, cfg.OutputFolder)
	cfg.RuntimeFolder = resolve(abs, cfg.RuntimeFolder)
	for name, folder := range cfg.Collections {
		cfg.Collections[name] = resolve(abs, folder)
	}
	return &cfg, nil
}

// JournalPath returns the journal database location.
func (c *Config) JournalPath() string {
	return filepath.Join(c.RuntimeFolder, "journal.db")
}

// CatalogPath returns the catalog database location.
func (c *Config) CatalogPath() string {
	return filepath.Join(c.RuntimeFolder, "catalog.db")
}

func resolve(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}
