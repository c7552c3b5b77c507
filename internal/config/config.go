package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/taskrun/internal/otel"
)

// SMTPConfig holds outbound mail settings for email notifications.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// WebhookConfig holds outbound webhook delivery settings.
type WebhookConfig struct {
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	SigningSecret  string `yaml:"signing_secret"`
}

// NotifyConfig groups notification delivery settings.
type NotifyConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	PollSeconds  int           `yaml:"poll_seconds"`
	SMTP         SMTPConfig    `yaml:"smtp"`
	Webhook      WebhookConfig `yaml:"webhook"`
	EmailEnabled bool          `yaml:"email_enabled"`
}

// WorkerConfig groups local worker pool settings. Command is the
// executor hook argv; when empty the daemon runs scheduler-only and
// external workers claim over the HTTP API.
type WorkerConfig struct {
	Count             int      `yaml:"count"`
	Command           []string `yaml:"command"`
	AgentName         string   `yaml:"agent_name"`
	Capabilities      []string `yaml:"capabilities"`
	ModelsSupported   []string `yaml:"models_supported"`
	PollSeconds       int      `yaml:"poll_seconds"`
	RunTimeoutSeconds int      `yaml:"run_timeout_seconds"`
}

// SchedulerConfig groups background sweep intervals.
type SchedulerConfig struct {
	ReclaimSeconds  int `yaml:"reclaim_seconds"`
	DeadlineSeconds int `yaml:"deadline_seconds"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AuthToken guards the HTTP API. Empty disables auth (local use only).
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// WS connections. Empty means local-only (no browser Origin required).
	AllowOrigins []string `yaml:"allow_origins"`

	// LeaseSeconds is the duration of a worker's claim lease.
	LeaseSeconds int `yaml:"lease_seconds"`

	// MaxAttempts is the delivery budget per run before a reclaimed lease
	// fails it permanently.
	MaxAttempts int `yaml:"max_attempts"`

	// DrainTimeoutSeconds bounds graceful shutdown. 0 uses default (5s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	Worker    WorkerConfig    `yaml:"worker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Notify    NotifyConfig    `yaml:"notify"`
	OTel      otel.Config     `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DBPath returns the SQLite database path within the given home directory.
func DBPath(homeDir string) string {
	return filepath.Join(homeDir, "taskrun.db")
}

// LeaseDuration returns the configured lease duration.
func (c Config) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// DrainTimeout returns the bounded shutdown drain window.
func (c Config) DrainTimeout() time.Duration {
	if c.DrainTimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config, logged on load
// and on reload so config drift is visible in the journal.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|lease=%d|attempts=%d|workers=%d|agent=%s|origins=%v",
		c.BindAddr, c.LogLevel, c.LeaseSeconds, c.MaxAttempts,
		c.Worker.Count, c.Worker.AgentName, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:18790",
		LogLevel:            "info",
		LeaseSeconds:        30,
		MaxAttempts:         2,
		DrainTimeoutSeconds: 5,
		Worker: WorkerConfig{
			Count:             4,
			AgentName:         "default",
			PollSeconds:       2,
			RunTimeoutSeconds: int((10 * time.Minute).Seconds()),
		},
		Scheduler: SchedulerConfig{
			ReclaimSeconds:  10,
			DeadlineSeconds: 15,
		},
		Notify: NotifyConfig{
			MaxAttempts: 3,
			PollSeconds: 15,
			Webhook: WebhookConfig{
				TimeoutSeconds: 10,
			},
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("TASKRUN_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskrun")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskrun home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
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
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = 30
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.Worker.Count <= 0 {
		cfg.Worker.Count = 4
	}
	if cfg.Worker.AgentName == "" {
		cfg.Worker.AgentName = "default"
	}
	if cfg.Worker.PollSeconds <= 0 {
		cfg.Worker.PollSeconds = 2
	}
	if cfg.Worker.RunTimeoutSeconds <= 0 {
		cfg.Worker.RunTimeoutSeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.Scheduler.ReclaimSeconds <= 0 {
		cfg.Scheduler.ReclaimSeconds = 10
	}
	if cfg.Scheduler.DeadlineSeconds <= 0 {
		cfg.Scheduler.DeadlineSeconds = 15
	}
	if cfg.Notify.MaxAttempts <= 0 {
		cfg.Notify.MaxAttempts = 3
	}
	if cfg.Notify.PollSeconds <= 0 {
		cfg.Notify.PollSeconds = 15
	}
	if cfg.Notify.Webhook.TimeoutSeconds <= 0 {
		cfg.Notify.Webhook.TimeoutSeconds = 10
	}
	if cfg.Notify.SMTP.Port <= 0 {
		cfg.Notify.SMTP.Port = 587
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKRUN_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TASKRUN_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKRUN_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("TASKRUN_LEASE_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.LeaseSeconds = v
		}
	}
	if raw := os.Getenv("TASKRUN_MAX_ATTEMPTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxAttempts = v
		}
	}
	if raw := os.Getenv("TASKRUN_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Worker.Count = v
		}
	}
	if raw := os.Getenv("TASKRUN_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TASKRUN_SMTP_PASSWORD"); raw != "" {
		cfg.Notify.SMTP.Password = raw
	}
	if raw := os.Getenv("TASKRUN_WEBHOOK_SECRET"); raw != "" {
		cfg.Notify.Webhook.SigningSecret = raw
	}
}
