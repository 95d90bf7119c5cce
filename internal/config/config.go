package config

import (
	"embed"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed example.yaml
var exampleConfig embed.FS

// Config represents the complete bigbrotr configuration
type Config struct {
	Database     Database    `yaml:"database"`
	Tor          Tor         `yaml:"tor"`
	Health       Health      `yaml:"health"`
	Logging      Logging     `yaml:"logging"`
	Synchronizer SyncService `yaml:"synchronizer"`
	Prioritizer  SyncService `yaml:"prioritizer"`
	Monitor      Service     `yaml:"monitor"`
	Finder       Finder      `yaml:"finder"`
	Initializer  Initializer `yaml:"initializer"`
}

// Database contains PostgreSQL connection settings.
// Credentials are never read from the config file; they come from
// BIGBROTR_DB_USER and BIGBROTR_DB_PASSWORD.
type Database struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Name               string `yaml:"name"`
	SSLMode            string `yaml:"sslmode"`
	User               string `yaml:"-"`
	Password           string `yaml:"-"`
	MinConns           int    `yaml:"min_conns"`
	MaxConns           int    `yaml:"max_conns"`
	AcquireTimeoutSecs int    `yaml:"acquire_timeout_s"`
	StatementTimeoutMs int    `yaml:"statement_timeout_ms"`
}

// DSN builds the lib/pq connection string.
func (d *Database) DSN() string {
	parts := []string{
		fmt.Sprintf("host=%s", d.Host),
		fmt.Sprintf("port=%d", d.Port),
		fmt.Sprintf("dbname=%s", d.Name),
		fmt.Sprintf("user=%s", d.User),
		fmt.Sprintf("sslmode=%s", d.SSLMode),
		fmt.Sprintf("connect_timeout=%d", d.AcquireTimeoutSecs),
		fmt.Sprintf("statement_timeout=%d", d.StatementTimeoutMs),
	}
	if d.Password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", d.Password))
	}
	return strings.Join(parts, " ")
}

// AcquireTimeout returns the connection acquisition timeout.
func (d *Database) AcquireTimeout() time.Duration {
	return time.Duration(d.AcquireTimeoutSecs) * time.Second
}

// Tor contains SOCKS5 proxy settings for .onion relays
type Tor struct {
	Enabled bool   `yaml:"enabled"`
	SOCKS5  string `yaml:"socks5"`
}

// Health contains health endpoint settings.
// Token is required when Bind is not a loopback address; it is read from
// BIGBROTR_HEALTH_TOKEN.
type Health struct {
	Bind  string `yaml:"bind"`
	Token string `yaml:"-"`
}

// Logging contains log output settings
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Service contains the scheduling knobs shared by every long-running service
type Service struct {
	Workers          int `yaml:"workers"`
	TasksPerWorker   int `yaml:"tasks_per_worker"`
	PollIntervalMs   int `yaml:"poll_interval_ms"`
	MaxEmptyPolls    int `yaml:"max_empty_polls"`
	GraceTimeoutSecs int `yaml:"grace_timeout_s"`
	LoopIntervalMins int `yaml:"loop_interval_min"`
	FreshnessHours   int `yaml:"freshness_hours"`
	RequestTimeoutMs int `yaml:"request_timeout_ms"`
	DeadlineMult     int `yaml:"relay_deadline_mult"`
}

// PollInterval returns the worker poll interval.
func (s *Service) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

// GraceTimeout returns the shutdown grace period for worker joins.
func (s *Service) GraceTimeout() time.Duration {
	return time.Duration(s.GraceTimeoutSecs) * time.Second
}

// LoopInterval returns the sleep between service iterations.
func (s *Service) LoopInterval() time.Duration {
	return time.Duration(s.LoopIntervalMins) * time.Minute
}

// FreshnessCutoff returns the oldest acceptable metadata age.
func (s *Service) FreshnessCutoff() time.Duration {
	return time.Duration(s.FreshnessHours) * time.Hour
}

// RequestTimeout returns the per-relay open/read timeout.
func (s *Service) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutMs) * time.Millisecond
}

// RelayDeadline returns the total per-relay task deadline.
func (s *Service) RelayDeadline() time.Duration {
	return time.Duration(s.DeadlineMult) * s.RequestTimeout()
}

// SyncService extends Service with sync-engine knobs
type SyncService struct {
	Service            `yaml:",inline"`
	Kinds              []int    `yaml:"kinds"`
	Limit              int      `yaml:"limit"`
	MinLimit           int      `yaml:"min_limit"`
	MaxIterations      int      `yaml:"max_iterations"`
	EventsPerSec       int      `yaml:"events_per_sec"`
	Shuffle            bool     `yaml:"shuffle"`
	FailureRateAlert   float64  `yaml:"failure_rate_alert"`
	FailureAlertSample int      `yaml:"failure_alert_min_sample"`
	Relays             []string `yaml:"relays"` // prioritizer only: its exclusive relay set
}

// Finder contains relay discovery settings
type Finder struct {
	LoopIntervalMins int      `yaml:"loop_interval_min"`
	Directories      []string `yaml:"directories"`
	Blocklist        []string `yaml:"blocklist"`
	RequestTimeoutMs int      `yaml:"request_timeout_ms"`
}

// LoopInterval returns the sleep between finder iterations.
func (f *Finder) LoopInterval() time.Duration {
	return time.Duration(f.LoopIntervalMins) * time.Minute
}

// RequestTimeout returns the directory fetch timeout.
func (f *Finder) RequestTimeout() time.Duration {
	return time.Duration(f.RequestTimeoutMs) * time.Millisecond
}

// Initializer contains one-shot setup settings
type Initializer struct {
	SeedFile string `yaml:"seed_file"`
}

// Load reads, defaults, env-overrides and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// GetExampleConfig returns the embedded example configuration
func GetExampleConfig() ([]byte, error) {
	return exampleConfig.ReadFile("example.yaml")
}

// Default returns a configuration with every default applied, for tests and
// for running without a config file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Host == "" {
		cfg.Database.Host = "127.0.0.1"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.Name == "" {
		cfg.Database.Name = "bigbrotr"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MinConns == 0 {
		cfg.Database.MinConns = 2
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 5
	}
	if cfg.Database.AcquireTimeoutSecs == 0 {
		cfg.Database.AcquireTimeoutSecs = 30
	}
	if cfg.Database.StatementTimeoutMs == 0 {
		cfg.Database.StatementTimeoutMs = 60000
	}

	if cfg.Tor.SOCKS5 == "" {
		cfg.Tor.SOCKS5 = "127.0.0.1:9050"
	}

	if cfg.Health.Bind == "" {
		cfg.Health.Bind = "127.0.0.1:8080"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	applyServiceDefaults(&cfg.Synchronizer.Service)
	applySyncDefaults(&cfg.Synchronizer)
	applyServiceDefaults(&cfg.Prioritizer.Service)
	applySyncDefaults(&cfg.Prioritizer)
	applyServiceDefaults(&cfg.Monitor)

	if cfg.Finder.LoopIntervalMins == 0 {
		cfg.Finder.LoopIntervalMins = 15
	}
	if cfg.Finder.RequestTimeoutMs == 0 {
		cfg.Finder.RequestTimeoutMs = 20000
	}
}

func applyServiceDefaults(s *Service) {
	if s.Workers == 0 {
		s.Workers = runtime.NumCPU()
	}
	if s.TasksPerWorker == 0 {
		s.TasksPerWorker = 10
	}
	if s.PollIntervalMs == 0 {
		s.PollIntervalMs = 1000
	}
	if s.MaxEmptyPolls == 0 {
		s.MaxEmptyPolls = 5
	}
	if s.GraceTimeoutSecs == 0 {
		s.GraceTimeoutSecs = 30
	}
	if s.LoopIntervalMins == 0 {
		s.LoopIntervalMins = 15
	}
	if s.FreshnessHours == 0 {
		s.FreshnessHours = 12
	}
	if s.RequestTimeoutMs == 0 {
		s.RequestTimeoutMs = 20000
	}
	if s.DeadlineMult == 0 {
		s.DeadlineMult = 2
	}
}

func applySyncDefaults(s *SyncService) {
	if s.Limit == 0 {
		s.Limit = 500
	}
	if s.MinLimit == 0 {
		s.MinLimit = 10
	}
	if s.MaxIterations == 0 {
		s.MaxIterations = 200
	}
	if s.EventsPerSec == 0 {
		s.EventsPerSec = 1000
	}
	if s.FailureRateAlert == 0 {
		s.FailureRateAlert = 0.1
	}
	if s.FailureAlertSample == 0 {
		s.FailureAlertSample = 100
	}
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("BIGBROTR_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("BIGBROTR_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("BIGBROTR_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("BIGBROTR_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("BIGBROTR_HEALTH_TOKEN"); v != "" {
		cfg.Health.Token = v
	}
	return nil
}

// Validate checks configuration invariants that must hold before any worker
// starts. Violations are fatal.
func Validate(cfg *Config) error {
	if cfg.Database.User == "" {
		return fmt.Errorf("database user missing: set BIGBROTR_DB_USER")
	}
	if cfg.Database.MinConns > cfg.Database.MaxConns {
		return fmt.Errorf("database min_conns (%d) exceeds max_conns (%d)",
			cfg.Database.MinConns, cfg.Database.MaxConns)
	}
	for _, s := range []*SyncService{&cfg.Synchronizer, &cfg.Prioritizer} {
		if s.Limit < s.MinLimit {
			return fmt.Errorf("sync limit (%d) below min_limit (%d)", s.Limit, s.MinLimit)
		}
		if s.FailureRateAlert < 0 || s.FailureRateAlert > 1 {
			return fmt.Errorf("failure_rate_alert (%g) must be within (0, 1]", s.FailureRateAlert)
		}
	}
	if !isLoopback(cfg.Health.Bind) && cfg.Health.Token == "" {
		return fmt.Errorf("health endpoint bound to %s without a token: set BIGBROTR_HEALTH_TOKEN", cfg.Health.Bind)
	}
	for _, url := range cfg.Prioritizer.Relays {
		if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
			return fmt.Errorf("prioritizer relay %q is not a websocket URL", url)
		}
	}
	return nil
}

func isLoopback(bind string) bool {
	host := bind
	if i := strings.LastIndex(bind, ":"); i >= 0 {
		host = bind[:i]
	}
	switch host {
	case "127.0.0.1", "::1", "localhost", "":
		return true
	}
	return strings.HasPrefix(host, "127.")
}
