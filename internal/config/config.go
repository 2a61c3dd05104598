// Package config loads and validates Calcifer's process configuration:
// durable-store and hot-cache connection settings plus the domain tunables
// that govern debounce, sweep, health-poll, rule-timeout, CAS-retry, and
// idempotency behavior (§6).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// dbConfig describes the Postgres connection used for durable storage
// (overrides, functional systems, audit log).
type dbConfig struct {
	Hostname          string       `yaml:"hostname"`
	Port              int          `yaml:"port"`
	Name              string       `yaml:"name"`
	User              string       `yaml:"user"`
	Password          SecureString `yaml:"password"`
	MigrationUser     string       `yaml:"migrationUser"`
	MigrationPassword SecureString `yaml:"migrationPassword"`
}

// kvConfig describes the Redis connection used for the hot twin-state
// cache, streams, and pub/sub.
type kvConfig struct {
	Hostname string       `yaml:"hostname"`
	Port     int          `yaml:"port"`
	Password SecureString `yaml:"password"`
	DB       int          `yaml:"db"`

	// CaCertFile, when set, enables TLS and is used to validate the
	// server's certificate.
	CaCertFile string `yaml:"caCertFile,omitempty"`
	// CertFile and KeyFile, when both set, enable mutual TLS.
	CertFile string `yaml:"certFile,omitempty"`
	KeyFile  string `yaml:"keyFile,omitempty"`
}

// serviceConfig describes the HTTP-facing REST API process.
type serviceConfig struct {
	Address string `yaml:"address"`
}

// metricsConfig describes the Prometheus scrape endpoint every cmd/*
// binary exposes alongside its primary work.
type metricsConfig struct {
	Address string `yaml:"address"`
}

// reconcileConfig tunes the debounced dispatch loop (§4.8).
type reconcileConfig struct {
	DebounceMs int `yaml:"debounceMs"`
}

// overrideConfig tunes the expiration sweeper (§4.9).
type overrideConfig struct {
	ExpirationIntervalCron string `yaml:"expirationIntervalCron"`
}

// healthConfig tunes the infrastructure health monitor (§4.10).
type healthConfig struct {
	CheckIntervalMs int `yaml:"checkIntervalMs"`
}

// ruleConfig tunes the safety engine (§4.3). DeclarativeRulesPath is
// optional: when empty, the engine runs with hardcoded rules only.
type ruleConfig struct {
	EvaluationTimeoutMs  int    `yaml:"evaluationTimeoutMs"`
	DeclarativeRulesPath string `yaml:"declarativeRulesPath,omitempty"`
}

// casConfig tunes the TwinStore's optimistic-concurrency retry budget.
type casConfig struct {
	MaxRetries int `yaml:"maxRetries"`
}

// idempotencyConfig tunes the feedback-message dedup filter (§4.11).
type idempotencyConfig struct {
	TTLSeconds int `yaml:"ttlSeconds"`
}

// twinConfig tunes TwinStore's background maintenance jobs: the daily
// orphan sweep and the staleness-flagging check (§4.1's Index invariants).
type twinConfig struct {
	OrphanSweepIntervalHours int `yaml:"orphanSweepIntervalHours"`
	StaleCheckIntervalHours  int `yaml:"staleCheckIntervalHours"`
	StaleAfterHours          int `yaml:"staleAfterHours"`
}

// Config is the root of Calcifer's process configuration, shared by all
// three cmd/* binaries. Sections are pointers so a YAML file may omit any
// of them and get defaults via NewDefault.
type Config struct {
	Service     *serviceConfig     `yaml:"service,omitempty"`
	Metrics     *metricsConfig     `yaml:"metrics,omitempty"`
	Database    *dbConfig          `yaml:"database,omitempty"`
	KV          *kvConfig          `yaml:"kv,omitempty"`
	Reconcile   *reconcileConfig   `yaml:"reconcile,omitempty"`
	Override    *overrideConfig    `yaml:"override,omitempty"`
	Health      *healthConfig      `yaml:"health,omitempty"`
	Rule        *ruleConfig        `yaml:"rule,omitempty"`
	CAS         *casConfig         `yaml:"cas,omitempty"`
	Idempotency *idempotencyConfig `yaml:"idempotency,omitempty"`
	Twin        *twinConfig        `yaml:"twin,omitempty"`
}

// NewDefault returns a Config populated with every default named in §6.
func NewDefault() *Config {
	return &Config{
		Service: &serviceConfig{
			Address: ":8080",
		},
		Metrics: &metricsConfig{
			Address: ":9090",
		},
		Database: &dbConfig{
			Hostname: "localhost",
			Port:     5432,
			Name:     "calcifer",
			User:     "calcifer",
		},
		KV: &kvConfig{
			Hostname: "localhost",
			Port:     6379,
		},
		Reconcile: &reconcileConfig{
			DebounceMs: 50,
		},
		Override: &overrideConfig{
			ExpirationIntervalCron: "@every 1m",
		},
		Health: &healthConfig{
			CheckIntervalMs: 5000,
		},
		Rule: &ruleConfig{
			EvaluationTimeoutMs: 100,
		},
		CAS: &casConfig{
			MaxRetries: 3,
		},
		Idempotency: &idempotencyConfig{
			TTLSeconds: 300,
		},
		Twin: &twinConfig{
			OrphanSweepIntervalHours: 24,
			StaleCheckIntervalHours:  1,
			StaleAfterHours:          24 * 7,
		},
	}
}

// defaultConfigFile is where every cmd/* binary looks for its config when
// CALCIFER_CONFIG_FILE is unset.
const defaultConfigFile = "/etc/calcifer/config.yaml"

// ConfigFile returns the config file path each cmd/* binary should load:
// the CALCIFER_CONFIG_FILE environment variable if set, else
// defaultConfigFile.
func ConfigFile() string {
	if path := os.Getenv("CALCIFER_CONFIG_FILE"); path != "" {
		return path
	}
	return defaultConfigFile
}

// LoadOrGenerate reads and parses a YAML config file at path, filling any
// omitted section with its default. A missing file is not an error: the
// all-defaults Config is returned instead, matching how each cmd/* binary
// can run with zero configuration in a dev environment.
func LoadOrGenerate(path string) (*Config, error) {
	cfg := NewDefault()

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// DebounceWindow returns the configured reconcile debounce as a Duration.
func (c *Config) DebounceWindow() time.Duration {
	return time.Duration(c.Reconcile.DebounceMs) * time.Millisecond
}

// HealthCheckInterval returns the configured health-poll period.
func (c *Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.Health.CheckIntervalMs) * time.Millisecond
}

// RuleEvaluationTimeout returns the configured per-rule evaluation cap.
func (c *Config) RuleEvaluationTimeout() time.Duration {
	return time.Duration(c.Rule.EvaluationTimeoutMs) * time.Millisecond
}

// IdempotencyTTL returns the configured dedup window.
func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.Idempotency.TTLSeconds) * time.Second
}

// OrphanSweepInterval returns how often TwinStore's active-OUTPUT index is
// swept for entries whose primary key no longer exists.
func (c *Config) OrphanSweepInterval() time.Duration {
	return time.Duration(c.Twin.OrphanSweepIntervalHours) * time.Hour
}

// StaleCheckInterval returns how often devices are checked for staleness.
func (c *Config) StaleCheckInterval() time.Duration {
	return time.Duration(c.Twin.StaleCheckIntervalHours) * time.Hour
}

// StaleAfter returns the lastActivity age past which a device is flagged
// stale.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Twin.StaleAfterHours) * time.Hour
}

// SweepSchedule parses the override-expiration sweeper's cron schedule.
func (c *Config) SweepSchedule() (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(c.Override.ExpirationIntervalCron)
	if err != nil {
		return nil, fmt.Errorf("parsing override.expirationIntervalCron %q: %w", c.Override.ExpirationIntervalCron, err)
	}
	return sched, nil
}

// String renders the config for logging with every SecureString field
// automatically redacted by its MarshalJSON/String method; the YAML
// encoder calls neither, so marshal through JSON-compatible yaml tags is
// avoided here in favor of a plain struct dump that goes through fmt,
// which does invoke String().
func (c *Config) String() string {
	return fmt.Sprintf("{Service:%+v Metrics:%+v Database:%+v KV:%+v Reconcile:%+v Override:%+v Health:%+v Rule:%+v CAS:%+v Idempotency:%+v Twin:%+v}",
		c.Service, c.Metrics, c.Database, c.KV, c.Reconcile, c.Override, c.Health, c.Rule, c.CAS, c.Idempotency, c.Twin)
}
