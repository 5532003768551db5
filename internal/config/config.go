// Package config holds the scraper configuration, loadable from a
// .dwarfscan.yaml file with environment and flag overrides.
package config

import (
	"fmt"
	"runtime"

	"github.com/gobwas/glob"
	"github.com/spf13/viper"
)

// Config is the complete tool configuration.
type Config struct {
	// Output is the database location; ":memory:" is accepted.
	Output string `yaml:"output" mapstructure:"output"`
	// StripPrefix makes declaration file paths repo-relative. Paths
	// outside the prefix are recorded unchanged.
	StripPrefix string `yaml:"strip_prefix" mapstructure:"strip_prefix"`
	// Workers bounds the number of binaries scraped concurrently.
	Workers int `yaml:"workers" mapstructure:"workers"`
	// Filters restricts scraping to record types declared in files
	// matching at least one glob pattern.
	Filters []string `yaml:"filters" mapstructure:"filters"`
	// Quiet disables progress bars and non-error output.
	Quiet bool `yaml:"quiet" mapstructure:"quiet"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Output:  "subobject.db",
		Workers: runtime.NumCPU(),
	}
}

// Load unmarshals the configuration from the given viper instance over
// the defaults and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Output == "" {
		return fmt.Errorf("output database path must not be empty")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if _, err := c.CompileFilters(); err != nil {
		return err
	}
	return nil
}

// CompileFilters compiles the declaration-file filter patterns.
func (c *Config) CompileFilters() ([]glob.Glob, error) {
	filters := make([]glob.Glob, 0, len(c.Filters))
	for _, pattern := range c.Filters {
		compiled, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid filter pattern %q: %w", pattern, err)
		}
		filters = append(filters, compiled)
	}
	return filters, nil
}
