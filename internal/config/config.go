package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrPoolLimitsRequired is returned when the concurrency ceiling or the idle
// timeout is missing. Neither has a built-in default.
var ErrPoolLimitsRequired = errors.New("pool.max_concurrent and pool.idle_timeout_seconds must be configured")

// PoolConfig bounds the agent process pool.
type PoolConfig struct {
	MaxConcurrent      int `yaml:"max_concurrent"`
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`
	GracePeriodSeconds int `yaml:"grace_period_seconds"`

	// OrphanSweep is a cron expression or descriptor ("@every 1m").
	// Empty disables the periodic sweep; startup reconciliation still runs.
	OrphanSweep string `yaml:"orphan_sweep"`
}

// AgentConfig describes how the external agent runtime is invoked.
type AgentConfig struct {
	Command   string            `yaml:"command"`
	ExtraArgs []string          `yaml:"extra_args"`
	Env       map[string]string `yaml:"env"`
}

type TelemetryConfig struct {
	FlushIntervalMs int `yaml:"flush_interval_ms"`
}

type OTelConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // otlp-http | stdout | none
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel     string `yaml:"log_level"`
	BindAddr     string `yaml:"bind_addr"`
	WorkspaceDir string `yaml:"workspace_dir"`
	PipelineFile string `yaml:"pipeline_file"`

	// AllowOrigins controls which Origin headers are accepted for browser WS connections.
	AllowOrigins []string `yaml:"allow_origins"`

	Pool      PoolConfig      `yaml:"pool"`
	Agent     AgentConfig     `yaml:"agent"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	OTel      OTelConfig      `yaml:"otel"`

	NeedsInit bool `yaml:"-"`
}

func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.Pool.IdleTimeoutSeconds) * time.Second
}

func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.Pool.GracePeriodSeconds) * time.Second
}

func (c Config) FlushInterval() time.Duration {
	return time.Duration(c.Telemetry.FlushIntervalMs) * time.Millisecond
}

// DBPath is the location of the sqlite store.
func (c Config) DBPath() string {
	return filepath.Join(c.HomeDir, "skillforge.db")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "max=%d|idle=%d|grace=%d|bind=%s|log=%s|agent=%s|ws=%s|pipeline=%s|flush=%d",
		c.Pool.MaxConcurrent, c.Pool.IdleTimeoutSeconds, c.Pool.GracePeriodSeconds,
		c.BindAddr, c.LogLevel, c.Agent.Command, c.WorkspaceDir, c.PipelineFile, c.Telemetry.FlushIntervalMs)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		BindAddr: "127.0.0.1:18790",
		Pool: PoolConfig{
			GracePeriodSeconds: 5,
			OrphanSweep:        "@every 1m",
		},
		Agent: AgentConfig{
			Command: "claude",
		},
		Telemetry: TelemetryConfig{
			FlushIntervalMs: 200,
		},
		OTel: OTelConfig{
			Exporter:    "none",
			ServiceName: "skillforge",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("SKILLFORGE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".skillforge")
}

// Load reads config.yaml from HomeDir, applies env overrides and validates.
// A missing file is not an error; NeedsInit is set and validation still
// reports missing pool limits.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create skillforge home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the values Load cannot default.
func Validate(cfg Config) error {
	if cfg.Pool.MaxConcurrent <= 0 || cfg.Pool.IdleTimeoutSeconds <= 0 {
		return ErrPoolLimitsRequired
	}
	if cfg.Pool.GracePeriodSeconds < 0 {
		return fmt.Errorf("pool.grace_period_seconds must be >= 0, got %d", cfg.Pool.GracePeriodSeconds)
	}
	if strings.TrimSpace(cfg.Agent.Command) == "" {
		return errors.New("agent.command must not be empty")
	}
	switch cfg.OTel.Exporter {
	case "", "none", "stdout", "otlp-http":
	default:
		return fmt.Errorf("otel.exporter %q is not supported", cfg.OTel.Exporter)
	}
	return nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if strings.TrimSpace(cfg.WorkspaceDir) == "" {
		cfg.WorkspaceDir = filepath.Join(cfg.HomeDir, "workspace")
	} else if !filepath.IsAbs(cfg.WorkspaceDir) {
		cfg.WorkspaceDir = filepath.Join(cfg.HomeDir, cfg.WorkspaceDir)
	}
	if cfg.PipelineFile != "" && !filepath.IsAbs(cfg.PipelineFile) {
		cfg.PipelineFile = filepath.Join(cfg.HomeDir, cfg.PipelineFile)
	}
	if cfg.Telemetry.FlushIntervalMs <= 0 {
		cfg.Telemetry.FlushIntervalMs = 200
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = "skillforge"
	}
	if cfg.OTel.SampleRate <= 0 || cfg.OTel.SampleRate > 1 {
		cfg.OTel.SampleRate = 1.0
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("SKILLFORGE_MAX_CONCURRENT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Pool.MaxConcurrent = v
		}
	}
	if raw := os.Getenv("SKILLFORGE_IDLE_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Pool.IdleTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("SKILLFORGE_GRACE_PERIOD_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Pool.GracePeriodSeconds = v
		}
	}
	if raw := os.Getenv("SKILLFORGE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("SKILLFORGE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("SKILLFORGE_AGENT_COMMAND"); raw != "" {
		cfg.Agent.Command = raw
	}
	if raw := os.Getenv("SKILLFORGE_WORKSPACE_DIR"); raw != "" {
		cfg.WorkspaceDir = raw
	}
}

// WriteInitial creates config.yaml with the given pool limits, preserving
// any keys already present in an existing file.
func WriteInitial(homeDir string, maxConcurrent, idleTimeoutSeconds int) error {
	if maxConcurrent <= 0 || idleTimeoutSeconds <= 0 {
		return ErrPoolLimitsRequired
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create skillforge home: %w", err)
	}
	path := ConfigPath(homeDir)
	raw, err := loadRawConfig(path)
	if err != nil {
		return err
	}
	pool, _ := raw["pool"].(map[string]interface{})
	if pool == nil {
		pool = make(map[string]interface{})
	}
	pool["max_concurrent"] = maxConcurrent
	pool["idle_timeout_seconds"] = idleTimeoutSeconds
	raw["pool"] = pool
	return saveRawConfig(path, raw)
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}
