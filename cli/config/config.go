// Package config loads and saves the strata CLI configuration file.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the strata CLI configuration.
type Config struct {
	// Version of the config file format.
	Version string `yaml:"version"`

	// Project holds project-level settings.
	Project ProjectConfig `yaml:"project"`

	// Database holds database connection settings.
	Database DatabaseConfig `yaml:"database"`

	// Generation holds code generation settings.
	Generation GenerationConfig `yaml:"generation"`
}

// ProjectConfig contains project-level settings.
type ProjectConfig struct {
	// Name of the project.
	Name string `yaml:"name"`

	// Module is the Go module path.
	Module string `yaml:"module"`

	// SourceDir is the root source directory.
	SourceDir string `yaml:"source_dir"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	// Driver is the database driver (postgres, memory).
	Driver string `yaml:"driver"`

	// URL is the database connection string.
	URL string `yaml:"url,omitempty"`

	// Schema is the Postgres schema the event store lives in.
	Schema string `yaml:"schema"`
}

// GenerationConfig contains code generation settings.
type GenerationConfig struct {
	// AggregatePackage is the output package for aggregates.
	AggregatePackage string `yaml:"aggregate_package"`

	// EventPackage is the output package for events.
	EventPackage string `yaml:"event_package"`

	// ProjectionPackage is the output package for projections.
	ProjectionPackage string `yaml:"projection_package"`

	// CommandPackage is the output package for commands.
	CommandPackage string `yaml:"command_package"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Version: "1",
		Project: ProjectConfig{
			Name:      "my-strata-app",
			Module:    "github.com/user/my-strata-app",
			SourceDir: ".",
		},
		Database: DatabaseConfig{
			Driver: "postgres",
			Schema: "strata",
		},
		Generation: GenerationConfig{
			AggregatePackage:  "internal/domain",
			EventPackage:      "internal/events",
			ProjectionPackage: "internal/projections",
			CommandPackage:    "internal/commands",
		},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "strata.yaml"

// Load loads configuration from the specified directory.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the configuration to the specified directory.
func (c *Config) Save(dir string) error {
	return c.SaveFile(filepath.Join(dir, ConfigFileName))
}

// SaveFile writes the configuration to a specific file path.
func (c *Config) SaveFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Exists reports whether a config file exists in the directory.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ConfigFileName))
	return err == nil
}

// FindConfig searches for a config file starting from dir and going up.
func FindConfig(dir string) (string, *Config, error) {
	current := dir
	for {
		configPath := filepath.Join(current, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			cfg, err := LoadFile(configPath)
			if err != nil {
				return "", nil, err
			}
			return current, cfg, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", nil, os.ErrNotExist
		}
		current = parent
	}
}

// Validate returns human-readable validation errors, empty when valid.
func (c *Config) Validate() []string {
	var errors []string

	if c.Project.Name == "" {
		errors = append(errors, "project.name is required")
	}

	if c.Project.Module == "" {
		errors = append(errors, "project.module is required")
	}

	if c.Database.Driver == "" {
		errors = append(errors, "database.driver is required")
	}

	if c.Database.Driver != "postgres" && c.Database.Driver != "memory" {
		errors = append(errors, "database.driver must be 'postgres' or 'memory'")
	}

	if c.Database.Driver == "postgres" && c.Database.URL == "" {
		errors = append(errors, "database.url is required for postgres driver")
	}

	return errors
}

// GenerateYAML renders the config as commented YAML for freshly
// initialized projects.
func GenerateYAML(cfg *Config) string {
	return `# Strata configuration file
# This file configures the strata CLI and code generation

version: "1"

# Project settings
project:
  # Name of your project
  name: "` + cfg.Project.Name + `"

  # Go module path (from go.mod)
  module: "` + cfg.Project.Module + `"

  # Source directory relative to this file
  source_dir: "` + cfg.Project.SourceDir + `"

# Database configuration
database:
  # Driver: postgres or memory
  driver: "` + cfg.Database.Driver + `"

  # Connection URL (required for postgres)
  url: "${DATABASE_URL}"

  # Postgres schema the event store tables live in
  schema: "` + cfg.Database.Schema + `"

# Code generation output packages
generation:
  aggregate_package: "` + cfg.Generation.AggregatePackage + `"
  event_package: "` + cfg.Generation.EventPackage + `"
  projection_package: "` + cfg.Generation.ProjectionPackage + `"
  command_package: "` + cfg.Generation.CommandPackage + `"
`
}
