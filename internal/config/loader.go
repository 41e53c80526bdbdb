package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".loopline"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("LOOPLINE_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := resolveHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("LOOPLINE_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	return os.UserHomeDir()
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil // Use defaults if we can't find config path
	}

	data, err := loadResolvedConfig(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	// If file doesn't exist, continue with defaults

	// Override with environment variables for each group
	envconfig.Process("LOOPLINE_PATHS", &cfg.Paths)
	envconfig.Process("LOOPLINE_SOURCE", &cfg.Source)
	envconfig.Process("LOOPLINE_CLASSIFIER", &cfg.Classifier)
	envconfig.Process("LOOPLINE_GATEWAY", &cfg.Gateway)
	envconfig.Process("LOOPLINE_REFRESH", &cfg.Refresh)
	envconfig.Process("LOOPLINE_ORCHESTRATOR", &cfg.Orchestrator)
	envconfig.Process("LOOPLINE_JOBS", &cfg.Jobs)
	envconfig.Process("LOOPLINE_SLACK", &cfg.Slack)
	envconfig.Process("LOOPLINE_KAFKA", &cfg.Kafka)

	// Expand ~ in paths
	if strings.HasPrefix(cfg.Paths.DataDir, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Paths.DataDir = filepath.Join(home, cfg.Paths.DataDir[1:])
		}
	}

	normalize(cfg)
	return cfg, nil
}

// normalize clamps values that would break the runtime if mis-set.
func normalize(cfg *Config) {
	def := DefaultConfig()
	if cfg.Source.LookbackHours <= 0 {
		cfg.Source.LookbackHours = def.Source.LookbackHours
	}
	if cfg.Source.ContextSlice <= 0 {
		cfg.Source.ContextSlice = def.Source.ContextSlice
	}
	if cfg.Source.MaxBatch <= 0 {
		cfg.Source.MaxBatch = def.Source.MaxBatch
	}
	if cfg.Classifier.Cap <= 0 {
		cfg.Classifier.Cap = def.Classifier.Cap
	}
	if cfg.Refresh.Workers <= 0 {
		cfg.Refresh.Workers = def.Refresh.Workers
	}
	if cfg.Refresh.DefaultHours <= 0 {
		cfg.Refresh.DefaultHours = def.Refresh.DefaultHours
	}
	if cfg.Orchestrator.CooldownHours <= 0 {
		cfg.Orchestrator.CooldownHours = def.Orchestrator.CooldownHours
	}
	if cfg.Orchestrator.MaxActionsPerTick <= 0 {
		cfg.Orchestrator.MaxActionsPerTick = def.Orchestrator.MaxActionsPerTick
	}
	if cfg.Orchestrator.BackfillThreshold <= 0 || cfg.Orchestrator.BackfillThreshold > 1 {
		cfg.Orchestrator.BackfillThreshold = def.Orchestrator.BackfillThreshold
	}
	if cfg.Orchestrator.HotWindowHours <= 0 {
		cfg.Orchestrator.HotWindowHours = def.Orchestrator.HotWindowHours
	}
	if cfg.Orchestrator.DigestHour < 0 || cfg.Orchestrator.DigestHour > 23 {
		cfg.Orchestrator.DigestHour = def.Orchestrator.DigestHour
	}
	if strings.TrimSpace(cfg.Orchestrator.Timezone) == "" {
		cfg.Orchestrator.Timezone = def.Orchestrator.Timezone
	}
	if cfg.Jobs.Workers <= 0 {
		cfg.Jobs.Workers = def.Jobs.Workers
	}
	if cfg.Jobs.BatchSize <= 0 {
		cfg.Jobs.BatchSize = def.Jobs.BatchSize
	}
	if cfg.Jobs.LockTimeout <= 0 {
		cfg.Jobs.LockTimeout = def.Jobs.LockTimeout
	}
	if cfg.Jobs.MaxDepth <= 0 {
		cfg.Jobs.MaxDepth = def.Jobs.MaxDepth
	}
}

// Save writes the configuration to the config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// EnsureDir ensures a directory exists with proper permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// loadResolvedConfig reads the file and substitutes ${VAR} references with
// environment values; unset variables are left verbatim.
func loadResolvedConfig(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	substituteEnvValues(raw)
	return json.Marshal(raw)
}

func substituteEnvValues(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = substituteEnvValues(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = substituteEnvValues(item)
		}
		return t
	case string:
		return envPattern.ReplaceAllStringFunc(t, func(match string) string {
			parts := envPattern.FindStringSubmatch(match)
			if len(parts) != 2 {
				return match
			}
			if value, ok := os.LookupEnv(parts[1]); ok {
				return value
			}
			return match
		})
	default:
		return v
	}
}
