package config

import (
	"fmt"
	"os"
	"strings"

	"affiliation-extract/pkg/errors"

	"gopkg.in/yaml.v2"
)

// Options holds the resolved command line options for a run
type Options struct {
	RunConfigPath       string
	OutputDir           string
	LogLevel            string
	Threads             int
	BatchSize           int
	CreateMetadataFiles bool
	MetricsPort         int
	TraceEndpoint       string
}

// Validate checks the command line options before any work starts
func (o *Options) Validate() error {
	if o.RunConfigPath == "" {
		return errors.ConfigError("validate", "run configuration file is required")
	}
	if o.OutputDir == "" {
		return errors.ConfigError("validate", "output directory is required")
	}
	if o.Threads < 0 {
		return errors.ConfigError("validate", fmt.Sprintf("threads must be >= 0, got %d", o.Threads))
	}
	if o.BatchSize <= 0 {
		return errors.ConfigError("validate", fmt.Sprintf("batch size must be > 0, got %d", o.BatchSize))
	}
	if o.MetricsPort < 0 || o.MetricsPort > 65535 {
		return errors.ConfigError("validate", fmt.Sprintf("invalid metrics port %d", o.MetricsPort))
	}
	switch strings.ToUpper(o.LogLevel) {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
	default:
		return errors.ConfigError("validate", fmt.Sprintf("invalid log level %q", o.LogLevel))
	}
	return nil
}

// RunConfig composes the tasks of a single execution
type RunConfig struct {
	Description string `yaml:"description,omitempty"`
	Tasks       []Task `yaml:"tasks"`
}

// Task binds a profile and a filter set to one input directory
type Task struct {
	Description string            `yaml:"description,omitempty"`
	Profile     string            `yaml:"profile"`
	InputDir    string            `yaml:"input_dir"`
	Filters     map[string]string `yaml:"filters,omitempty"`
}

// LoadRunConfig parses and validates the run configuration YAML file
func LoadRunConfig(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ConfigError("load", fmt.Sprintf("failed to read run configuration file %s", path)).Wrap(err)
	}

	var cfg RunConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.ConfigError("load", fmt.Sprintf("failed to parse run configuration YAML from %s", path)).Wrap(err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the structural requirements of the run configuration
func (c *RunConfig) Validate() error {
	if len(c.Tasks) == 0 {
		return errors.ConfigError("validate", "run configuration defines no tasks")
	}
	for i, task := range c.Tasks {
		if task.Profile == "" {
			return errors.ConfigError("validate", fmt.Sprintf("task %d: profile path is required", i+1))
		}
		if task.InputDir == "" {
			return errors.ConfigError("validate", fmt.Sprintf("task %d: input_dir is required", i+1))
		}
		for key, value := range task.Filters {
			if key == "" || value == "" {
				return errors.ConfigError("validate", fmt.Sprintf("task %d: filter keys and values must be non-empty", i+1))
			}
		}
	}
	return nil
}
