// Package config loads runtime configuration from config.yaml under the
// warden home directory, with env overrides and validation.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-warden/internal/otel"
)

// PlannerBudgetConfig is the planner's own allocation. Consults and replans
// charge here, never a work item's budget.
type PlannerBudgetConfig struct {
	MaxPlannerCalls int     `yaml:"max_planner_calls"`
	MaxTokens       int     `yaml:"max_tokens"`
	MaxCostUSD      float64 `yaml:"max_cost_usd"`
}

// RetentionConfig holds pruning windows in days. 0 keeps forever. The
// processed-message ledger must outlive the longest redelivery window.
type RetentionConfig struct {
	ProcessedMessagesDays int `yaml:"processed_messages_days"`
	DeadLettersDays       int `yaml:"dead_letters_days"`
	AuditLogDays          int `yaml:"audit_log_days"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	LeaseSeconds          int `yaml:"lease_seconds"`
	ConsultTimeoutSeconds int `yaml:"consult_timeout_seconds"`
	GlobalConcurrency     int `yaml:"global_concurrency"`
	ScopeConcurrency      int `yaml:"scope_concurrency"`
	SchedulerIntervalSecs int `yaml:"scheduler_interval_seconds"`

	// GateProvider selects the gate evaluator: "allow_all" or "policy".
	GateProvider string `yaml:"gate_provider"`

	// Collaborator processes spoken to over stdin/stdout JSON. Both are
	// required for serve mode; the runtime has no built-in reasoning.
	PlannerCommand  []string `yaml:"planner_command"`
	ExecutorCommand []string `yaml:"executor_command"`

	PlannerBudget PlannerBudgetConfig `yaml:"planner_budget"`
	Retention     RetentionConfig     `yaml:"retention"`
	OTel          otel.Config         `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:              "info",
		LeaseSeconds:          30,
		ConsultTimeoutSeconds: 90,
		GlobalConcurrency:     4,
		ScopeConcurrency:      2,
		SchedulerIntervalSecs: 60,
		GateProvider:          "policy",
		PlannerBudget: PlannerBudgetConfig{
			MaxPlannerCalls: 50,
		},
		Retention: RetentionConfig{
			ProcessedMessagesDays: 30,
			DeadLettersDays:       90,
			AuditLogDays:          365,
		},
	}
}

// HomeDir resolves the warden home directory, honoring GOWARDEN_HOME.
func HomeDir() string {
	if override := os.Getenv("GOWARDEN_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gowarden")
}

// ConfigPath returns the path to config.yaml within the home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// PolicyPath returns the path to the gate policy file.
func PolicyPath(homeDir string) string {
	return filepath.Join(homeDir, "policy.yaml")
}

// DBPath returns the SQLite database path.
func DBPath(homeDir string) string {
	return filepath.Join(homeDir, "gowarden.db")
}

// WorkspaceRoot returns the root under which per-item workspaces live.
func WorkspaceRoot(homeDir string) string {
	return filepath.Join(homeDir, "workspaces")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create warden home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = 30
	}
	if cfg.ConsultTimeoutSeconds <= 0 {
		cfg.ConsultTimeoutSeconds = 90
	}
	if cfg.GlobalConcurrency <= 0 {
		cfg.GlobalConcurrency = 4
	}
	if cfg.ScopeConcurrency <= 0 {
		cfg.ScopeConcurrency = 2
	}
	if cfg.SchedulerIntervalSecs <= 0 {
		cfg.SchedulerIntervalSecs = 60
	}
	if cfg.GateProvider == "" {
		cfg.GateProvider = "policy"
	}
}

func validate(cfg *Config) error {
	switch cfg.GateProvider {
	case "policy", "allow_all":
	default:
		return fmt.Errorf("unknown gate_provider %q (supported: policy, allow_all)", cfg.GateProvider)
	}
	if cfg.ScopeConcurrency > cfg.GlobalConcurrency {
		return fmt.Errorf("scope_concurrency (%d) cannot exceed global_concurrency (%d)",
			cfg.ScopeConcurrency, cfg.GlobalConcurrency)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GOWARDEN_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GOWARDEN_LEASE_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.LeaseSeconds = v
		}
	}
	if raw := os.Getenv("GOWARDEN_CONSULT_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.ConsultTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("GOWARDEN_GLOBAL_CONCURRENCY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.GlobalConcurrency = v
		}
	}
	if raw := os.Getenv("GOWARDEN_SCOPE_CONCURRENCY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.ScopeConcurrency = v
		}
	}
	if raw := os.Getenv("GOWARDEN_GATE_PROVIDER"); raw != "" {
		cfg.GateProvider = raw
	}
}

// LeaseDuration returns the configured lease duration.
func (c Config) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// ConsultTimeout returns the configured consult-planner wait.
func (c Config) ConsultTimeout() time.Duration {
	return time.Duration(c.ConsultTimeoutSeconds) * time.Second
}

// SchedulerInterval returns the goal scheduler tick interval.
func (c Config) SchedulerInterval() time.Duration {
	return time.Duration(c.SchedulerIntervalSecs) * time.Second
}

// Fingerprint returns a stable hash of the active config for startup logging.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "lease=%d|consult=%d|global=%d|scope=%d|gate=%s|log=%s",
		c.LeaseSeconds, c.ConsultTimeoutSeconds, c.GlobalConcurrency, c.ScopeConcurrency, c.GateProvider, c.LogLevel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
