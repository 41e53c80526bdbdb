// Package config provides configuration types and loading for loopline.
package config

import "time"

// Config is the root configuration struct.
type Config struct {
	Paths        PathsConfig        `json:"paths"`
	Source       SourceConfig       `json:"source"`
	Classifier   ClassifierConfig   `json:"classifier"`
	Gateway      GatewayConfig      `json:"gateway"`
	Refresh      RefreshConfig      `json:"refresh"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Jobs         JobsConfig         `json:"jobs"`
	Slack        SlackConfig        `json:"slack"`
	Kafka        KafkaConfig        `json:"kafka"`
}

// PathsConfig groups filesystem path settings.
type PathsConfig struct {
	DataDir string `json:"dataDir" envconfig:"DATA_DIR"`
}

// SourceConfig configures the remote message-history provider.
type SourceConfig struct {
	BaseURL       string        `json:"baseUrl" envconfig:"BASE_URL"`
	AuthToken     string        `json:"authToken" envconfig:"AUTH_TOKEN"`
	Timeout       time.Duration `json:"timeout" envconfig:"TIMEOUT"`
	LookbackHours int           `json:"lookbackHours" envconfig:"LOOKBACK_HOURS"`
	ContextSlice  int           `json:"contextSlice" envconfig:"CONTEXT_SLICE"`
	MaxBatch      int           `json:"maxBatch" envconfig:"MAX_BATCH"`
}

// ClassifierConfig configures the candidate classifier endpoint.
type ClassifierConfig struct {
	BaseURL   string        `json:"baseUrl" envconfig:"BASE_URL"`
	AuthToken string        `json:"authToken" envconfig:"AUTH_TOKEN"`
	Timeout   time.Duration `json:"timeout" envconfig:"TIMEOUT"`
	Cap       int           `json:"cap" envconfig:"CAP"`
	Relaxed   bool          `json:"relaxed" envconfig:"RELAXED"`
}

// GatewayConfig contains HTTP server settings.
type GatewayConfig struct {
	Host      string `json:"host" envconfig:"HOST"`
	Port      int    `json:"port" envconfig:"PORT"`
	AuthToken string `json:"authToken" envconfig:"AUTH_TOKEN"`
}

// RefreshConfig bounds the periodic extraction sweep.
type RefreshConfig struct {
	DefaultHours int           `json:"defaultHours" envconfig:"DEFAULT_HOURS"`
	Workers      int           `json:"workers" envconfig:"WORKERS"`
	Interval     time.Duration `json:"interval" envconfig:"INTERVAL"`
}

// OrchestratorConfig contains tick loop settings.
type OrchestratorConfig struct {
	Enabled           bool          `json:"enabled" envconfig:"ENABLED"`
	TickInterval      time.Duration `json:"tickInterval" envconfig:"TICK_INTERVAL"`
	CooldownHours     int           `json:"cooldownHours" envconfig:"COOLDOWN_HOURS"`
	MaxActionsPerTick int           `json:"maxActionsPerTick" envconfig:"MAX_ACTIONS_PER_TICK"`
	BackfillThreshold float64       `json:"backfillThreshold" envconfig:"BACKFILL_THRESHOLD"`
	BackfillFallback  time.Duration `json:"backfillFallback" envconfig:"BACKFILL_FALLBACK"`
	HotWindowHours    int           `json:"hotWindowHours" envconfig:"HOT_WINDOW_HOURS"`
	DigestHour        int           `json:"digestHour" envconfig:"DIGEST_HOUR"`
	Timezone          string        `json:"timezone" envconfig:"TIMEZONE"`
}

// JobsConfig contains background worker settings.
type JobsConfig struct {
	Workers      int           `json:"workers" envconfig:"WORKERS"`
	BatchSize    int           `json:"batchSize" envconfig:"BATCH_SIZE"`
	PollInterval time.Duration `json:"pollInterval" envconfig:"POLL_INTERVAL"`
	LockTimeout  time.Duration `json:"lockTimeout" envconfig:"LOCK_TIMEOUT"`
	MaxDepth     int           `json:"maxDepth" envconfig:"MAX_DEPTH"`
}

// SlackConfig configures the daily digest notifier.
type SlackConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	Token   string `json:"token" envconfig:"TOKEN"`
	Channel string `json:"channel" envconfig:"CHANNEL"`
}

// KafkaConfig configures the action-plan audit mirror.
type KafkaConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	Brokers string `json:"brokers" envconfig:"BROKERS"`
	Topic   string `json:"topic" envconfig:"TOPIC"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir: "~/.loopline",
		},
		Source: SourceConfig{
			BaseURL:       "http://127.0.0.1:18620",
			Timeout:       30 * time.Second,
			LookbackHours: 48,
			ContextSlice:  12,
			MaxBatch:      500,
		},
		Classifier: ClassifierConfig{
			BaseURL: "http://127.0.0.1:18621",
			Timeout: 60 * time.Second,
			Cap:     10,
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1", // Secure default
			Port: 18790,
		},
		Refresh: RefreshConfig{
			DefaultHours: 24,
			Workers:      4,
			Interval:     15 * time.Minute,
		},
		Orchestrator: OrchestratorConfig{
			Enabled:           true,
			TickInterval:      5 * time.Minute,
			CooldownHours:     6,
			MaxActionsPerTick: 3,
			BackfillThreshold: 0.8,
			BackfillFallback:  24 * time.Hour,
			HotWindowHours:    24,
			DigestHour:        8,
			Timezone:          "UTC",
		},
		Jobs: JobsConfig{
			Workers:      2,
			BatchSize:    8,
			PollInterval: 30 * time.Second,
			LockTimeout:  15 * time.Minute,
			MaxDepth:     10000,
		},
	}
}
