package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"whisperd/internal/common/fsutil"
	"whisperd/pkg/types"
)

// Pull policies accepted for Config.PullPolicy.
const (
	PullAlways    = "always"
	PullNever     = "never"
	PullIfMissing = "if_missing"
)

// Config holds runtime parameters for the orchestrator.
// Zero values mean "unspecified" and are replaced by defaults in Defaults.
type Config struct {
	Addr                   string                `json:"addr" yaml:"addr" toml:"addr"`
	EngineHost             string                `json:"engine_host" yaml:"engine_host" toml:"engine_host"`
	PullPolicy             string                `json:"pull_policy" yaml:"pull_policy" toml:"pull_policy"`
	Models                 []types.ModelTemplate `json:"models" yaml:"models" toml:"models"`
	DefaultModel           string                `json:"default_model" yaml:"default_model" toml:"default_model"`
	InactivityTimeoutSec   int                   `json:"inactivity_timeout_sec" yaml:"inactivity_timeout_sec" toml:"inactivity_timeout_sec"`
	MaxContainers          int                   `json:"max_containers" yaml:"max_containers" toml:"max_containers"`
	StartupTimeoutSec      int                   `json:"startup_timeout_sec" yaml:"startup_timeout_sec" toml:"startup_timeout_sec"`
	HealthCheckIntervalSec int                   `json:"health_check_interval_sec" yaml:"health_check_interval_sec" toml:"health_check_interval_sec"`
	RequestTimeoutSec      int                   `json:"request_timeout_sec" yaml:"request_timeout_sec" toml:"request_timeout_sec"`
	MaxRetries             int                   `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	GPUTotalMB             int                   `json:"gpu_total_mb" yaml:"gpu_total_mb" toml:"gpu_total_mb"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	path, err := fsutil.ExpandHome(path)
	if err != nil {
		return cfg, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Defaults fills unset fields with operational defaults.
func (c Config) Defaults() Config {
	if c.Addr == "" {
		c.Addr = ":8090"
	}
	if c.PullPolicy == "" {
		c.PullPolicy = PullIfMissing
	}
	if c.InactivityTimeoutSec <= 0 {
		c.InactivityTimeoutSec = 300
	}
	if c.StartupTimeoutSec <= 0 {
		c.StartupTimeoutSec = 60
	}
	if c.HealthCheckIntervalSec <= 0 {
		c.HealthCheckIntervalSec = 30
	}
	if c.RequestTimeoutSec <= 0 {
		c.RequestTimeoutSec = 30
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	return c
}

// Validate rejects configurations the orchestrator cannot act on.
func (c Config) Validate() error {
	switch c.PullPolicy {
	case PullAlways, PullNever, PullIfMissing:
	default:
		return ErrConfigInvalid(fmt.Sprintf("pull_policy %q (want always|never|if_missing)", c.PullPolicy))
	}
	if len(c.Models) == 0 {
		return ErrConfigInvalid("no model templates configured")
	}
	if c.DefaultModel != "" {
		found := false
		for _, t := range c.Models {
			if t.ID == c.DefaultModel {
				found = true
				break
			}
		}
		if !found {
			return ErrConfigInvalid(fmt.Sprintf("default_model %q has no template", c.DefaultModel))
		}
	}
	return nil
}
