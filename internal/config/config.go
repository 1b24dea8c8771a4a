// Package config loads the immutable fabric configuration: a YAML file
// with FABRIC_* environment overrides. Services receive the Config value
// at construction; nothing reads the environment after Load returns.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config enumerates every recognized option with its default.
type Config struct {
	RedisURL      string `yaml:"redis_url"`      // broker + store endpoint
	ChannelPrefix string `yaml:"channel_prefix"` // deployment namespace for channel names
	LogLevel      string `yaml:"log_level"`      // zerolog level: debug, info, warn, error
	MetricsAddr   string `yaml:"metrics_addr"`   // promhttp listen address, "" disables

	AlertCooldownSeconds          int `yaml:"alert_cooldown_seconds"`           // suppression window per (experiment, alert type)
	ThresholdCheckIntervalSeconds int `yaml:"threshold_check_interval_seconds"` // criterion evaluation period
	SummaryIntervalSeconds        int `yaml:"summary_interval_seconds"`         // periodic summary period

	ThinkingTimeoutSeconds   int `yaml:"thinking_timeout_seconds"`   // orchestrator LLM deadline
	RoundtableTimeoutSeconds int `yaml:"roundtable_timeout_seconds"` // roundtable subprocess deadline
	RoundtableMaxRounds      int `yaml:"roundtable_max_rounds"`      // debate rounds

	ModelRetryAttempts  int     `yaml:"model_retry_attempts"`   // bounded attempts for transient model errors
	ModelRetryBaseDelay float64 `yaml:"model_retry_base_delay"` // seconds, exponential backoff base
	ModelRetryMaxDelay  float64 `yaml:"model_retry_max_delay"`  // seconds, backoff ceiling

	ClassificationTemperature float64 `yaml:"classification_temperature"`
	ClassificationMaxTokens   int     `yaml:"classification_max_tokens"`
	ResponseTemperature       float64 `yaml:"response_temperature"`
	ResponseMaxTokens         int     `yaml:"response_max_tokens"`

	OrchestratorThinkingBudget int `yaml:"orchestrator_thinking_budget"` // internal reasoning token cap
	OrchestratorMaxTokens      int `yaml:"orchestrator_max_tokens"`      // final reply token cap

	ToolExecutionTimeoutSeconds int `yaml:"tool_execution_timeout_seconds"` // executor per-tool wall clock
	BuilderTimeoutSeconds       int `yaml:"builder_timeout_seconds"`        // builder subprocess deadline
	ExecutorTickSeconds         int `yaml:"executor_tick_seconds"`          // schedule due-check period

	RoundtableCommand []string `yaml:"roundtable_command"` // argv for the roundtable subprocess
	BuilderCommand    []string `yaml:"builder_command"`    // argv for the builder subprocess
	BuilderSpoolDir   string   `yaml:"builder_spool_dir"`  // where current_prd.yaml is written
}

// Default returns the configuration with all spec defaults filled in.
func Default() Config {
	return Config{
		RedisURL:      "redis://localhost:6379",
		ChannelPrefix: "fullsend:",
		LogLevel:      "info",

		AlertCooldownSeconds:          300,
		ThresholdCheckIntervalSeconds: 60,
		SummaryIntervalSeconds:        3600,

		ThinkingTimeoutSeconds:   60,
		RoundtableTimeoutSeconds: 120,
		RoundtableMaxRounds:      3,

		ModelRetryAttempts:  3,
		ModelRetryBaseDelay: 1.0,
		ModelRetryMaxDelay:  10.0,

		ClassificationTemperature: 0.1,
		ClassificationMaxTokens:   500,
		ResponseTemperature:       0.3,
		ResponseMaxTokens:         200,

		OrchestratorThinkingBudget: 10000,
		OrchestratorMaxTokens:      16000,

		ToolExecutionTimeoutSeconds: 300,
		BuilderTimeoutSeconds:       900,
		ExecutorTickSeconds:         30,

		BuilderSpoolDir: "requests",
	}
}

// Load reads the YAML file at path (optional; "" skips the file) and then
// applies environment overrides. A missing mandatory value is a fatal
// init failure: the caller exits non-zero before accepting traffic.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays FABRIC_* variables on every scalar option. The
// command argv lists (roundtable_command, builder_command) are
// file-only.
func applyEnv(cfg *Config) {
	envString("FABRIC_REDIS_URL", &cfg.RedisURL)
	envString("FABRIC_CHANNEL_PREFIX", &cfg.ChannelPrefix)
	envString("FABRIC_LOG_LEVEL", &cfg.LogLevel)
	envString("FABRIC_METRICS_ADDR", &cfg.MetricsAddr)
	envString("FABRIC_BUILDER_SPOOL_DIR", &cfg.BuilderSpoolDir)

	envInt("FABRIC_ALERT_COOLDOWN_SECONDS", &cfg.AlertCooldownSeconds)
	envInt("FABRIC_THRESHOLD_CHECK_INTERVAL_SECONDS", &cfg.ThresholdCheckIntervalSeconds)
	envInt("FABRIC_SUMMARY_INTERVAL_SECONDS", &cfg.SummaryIntervalSeconds)
	envInt("FABRIC_THINKING_TIMEOUT_SECONDS", &cfg.ThinkingTimeoutSeconds)
	envInt("FABRIC_ROUNDTABLE_TIMEOUT_SECONDS", &cfg.RoundtableTimeoutSeconds)
	envInt("FABRIC_ROUNDTABLE_MAX_ROUNDS", &cfg.RoundtableMaxRounds)
	envInt("FABRIC_MODEL_RETRY_ATTEMPTS", &cfg.ModelRetryAttempts)
	envInt("FABRIC_CLASSIFICATION_MAX_TOKENS", &cfg.ClassificationMaxTokens)
	envInt("FABRIC_RESPONSE_MAX_TOKENS", &cfg.ResponseMaxTokens)
	envInt("FABRIC_ORCHESTRATOR_THINKING_BUDGET", &cfg.OrchestratorThinkingBudget)
	envInt("FABRIC_ORCHESTRATOR_MAX_TOKENS", &cfg.OrchestratorMaxTokens)
	envInt("FABRIC_TOOL_EXECUTION_TIMEOUT_SECONDS", &cfg.ToolExecutionTimeoutSeconds)
	envInt("FABRIC_BUILDER_TIMEOUT_SECONDS", &cfg.BuilderTimeoutSeconds)
	envInt("FABRIC_EXECUTOR_TICK_SECONDS", &cfg.ExecutorTickSeconds)

	envFloat("FABRIC_MODEL_RETRY_BASE_DELAY", &cfg.ModelRetryBaseDelay)
	envFloat("FABRIC_MODEL_RETRY_MAX_DELAY", &cfg.ModelRetryMaxDelay)
	envFloat("FABRIC_CLASSIFICATION_TEMPERATURE", &cfg.ClassificationTemperature)
	envFloat("FABRIC_RESPONSE_TEMPERATURE", &cfg.ResponseTemperature)
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v, err := strconv.Atoi(os.Getenv(name)); err == nil {
		*dst = v
	}
}

func envFloat(name string, dst *float64) {
	if v, err := strconv.ParseFloat(os.Getenv(name), 64); err == nil {
		*dst = v
	}
}

// Validate rejects configurations no service can start with.
func (c Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("config: redis_url is mandatory")
	}
	if c.AlertCooldownSeconds < 0 || c.ThresholdCheckIntervalSeconds <= 0 {
		return fmt.Errorf("config: nonsensical monitor intervals")
	}
	if c.ModelRetryAttempts < 1 {
		return fmt.Errorf("config: model_retry_attempts must be >= 1")
	}
	return nil
}

// Durations derived from the integer-second options.

func (c Config) AlertCooldown() time.Duration {
	return time.Duration(c.AlertCooldownSeconds) * time.Second
}
func (c Config) ThresholdCheckInterval() time.Duration {
	return time.Duration(c.ThresholdCheckIntervalSeconds) * time.Second
}
func (c Config) SummaryInterval() time.Duration {
	return time.Duration(c.SummaryIntervalSeconds) * time.Second
}
func (c Config) ThinkingTimeout() time.Duration {
	return time.Duration(c.ThinkingTimeoutSeconds) * time.Second
}
func (c Config) RoundtableTimeout() time.Duration {
	return time.Duration(c.RoundtableTimeoutSeconds) * time.Second
}
func (c Config) ToolExecutionTimeout() time.Duration {
	return time.Duration(c.ToolExecutionTimeoutSeconds) * time.Second
}
func (c Config) BuilderTimeout() time.Duration {
	return time.Duration(c.BuilderTimeoutSeconds) * time.Second
}
func (c Config) ExecutorTick() time.Duration {
	return time.Duration(c.ExecutorTickSeconds) * time.Second
}
func (c Config) ModelRetryBase() time.Duration {
	return time.Duration(c.ModelRetryBaseDelay * float64(time.Second))
}
func (c Config) ModelRetryMax() time.Duration {
	return time.Duration(c.ModelRetryMaxDelay * float64(time.Second))
}

// Channels resolves the logical channel names under the deployment prefix.
type Channels struct {
	ChatRaw          string
	ToOrchestrator   string
	FromOrchestrator string
	ToFullsend       string
	BuilderTasks     string
	BuilderResults   string
	Metrics          string
}

// Channels returns the channel map for this deployment.
func (c Config) Channels() Channels {
	p := c.ChannelPrefix
	return Channels{
		ChatRaw:          p + "chat.raw",
		ToOrchestrator:   p + "to_orchestrator",
		FromOrchestrator: p + "from_orchestrator",
		ToFullsend:       p + "to_fullsend",
		BuilderTasks:     p + "builder_tasks",
		BuilderResults:   p + "builder_results",
		Metrics:          p + "metrics",
	}
}
