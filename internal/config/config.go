// ABOUTME: Configuration loading and parsing for parlor
// ABOUTME: YAML or TOML files with ${VAR} expansion, duration parsing, defaults, and ssm: secrets

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/parlor/internal/paramstore"
)

// Config represents the complete parlor configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Billing     BillingConfig     `yaml:"billing" toml:"billing"`
	Locks       LocksConfig       `yaml:"locks" toml:"locks"`
	Followups   FollowupsConfig   `yaml:"followups" toml:"followups"`
	Automation  AutomationConfig  `yaml:"automation" toml:"automation"`
	Content     ContentConfig     `yaml:"content" toml:"content"`
	Idempotency IdempotencyConfig `yaml:"idempotency" toml:"idempotency"`
	AWS         AWSConfig         `yaml:"aws" toml:"aws"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" toml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"-" toml:"-"`

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve with the tailnet's automatic certs on :443
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // expose publicly via Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration.
// With no JWT secret, identities are taken from trusted headers set by an
// upstream proxy; that mode must be opted into.
type AuthConfig struct {
	JWTSecret      string `yaml:"jwt_secret" toml:"jwt_secret"`
	TrustedHeaders bool   `yaml:"trusted_headers" toml:"trusted_headers"`
}

// BillingConfig holds per-kind message prices in coins
type BillingConfig struct {
	Costs map[string]int64 `yaml:"costs" toml:"costs"`
}

// LocksConfig holds operator lock timing
type LocksConfig struct {
	TTL           time.Duration `yaml:"-" toml:"-"`
	SweepInterval time.Duration `yaml:"-" toml:"-"`

	TTLRaw           string `yaml:"ttl" toml:"ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// FollowupsConfig holds nudge timing
type FollowupsConfig struct {
	Disabled    bool          `yaml:"disabled" toml:"disabled"`
	FirstDelay  time.Duration `yaml:"-" toml:"-"`
	SecondDelay time.Duration `yaml:"-" toml:"-"`

	FirstDelayRaw  string `yaml:"first_delay" toml:"first_delay"`
	SecondDelayRaw string `yaml:"second_delay" toml:"second_delay"`
}

// AutomationConfig holds automated persona reply settings
type AutomationConfig struct {
	DisableAutoReply bool          `yaml:"disable_auto_reply" toml:"disable_auto_reply"`
	HistoryLimit     int           `yaml:"history_limit" toml:"history_limit"`
	ReplyDelay       time.Duration `yaml:"-" toml:"-"`
	ReplyJitter      time.Duration `yaml:"-" toml:"-"`
	Humanize         bool          `yaml:"humanize" toml:"humanize"`

	ReplyDelayRaw  string `yaml:"reply_delay" toml:"reply_delay"`
	ReplyJitterRaw string `yaml:"reply_jitter" toml:"reply_jitter"`
}

// ContentConfig holds the text generation provider
type ContentConfig struct {
	Provider    string        `yaml:"provider" toml:"provider"` // openai, none
	Model       string        `yaml:"model" toml:"model"`
	BaseURL     string        `yaml:"base_url" toml:"base_url"`
	APIKey      string        `yaml:"api_key" toml:"api_key"`
	MaxTokens   int           `yaml:"max_tokens" toml:"max_tokens"`
	Temperature float64       `yaml:"temperature" toml:"temperature"`
	Timeout     time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// IdempotencyConfig holds the replay window for Idempotency-Key headers
type IdempotencyConfig struct {
	TTL time.Duration `yaml:"-" toml:"-"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// AWSConfig holds AWS settings used for ssm: secret references
type AWSConfig struct {
	Region string `yaml:"region" toml:"region"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Defaults
const (
	DefaultLockTTL        = 2 * time.Minute
	DefaultFirstDelay     = 30 * time.Minute
	DefaultSecondDelay    = 4 * time.Hour
	DefaultHistoryLimit   = 20
	DefaultContentTimeout = 20 * time.Second
	DefaultIdempotencyTTL = 10 * time.Minute
	DefaultShutdown       = 10 * time.Second
)

// DefaultCosts are the message prices when billing.costs omits a kind.
var DefaultCosts = map[string]int64{
	"text":  5,
	"image": 10,
	"gift":  25,
}

// secretPrefix marks a value to be fetched from SSM Parameter Store.
const secretPrefix = "ssm:"

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = "toml"
	}
	return Parse(data, format)
}

// Parse decodes config bytes in the given format ("yaml" or "toml"),
// then applies env expansion, durations, defaults, and validation.
func Parse(data []byte, format string) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch format {
	case "toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if dbPath := os.Getenv("PARLOR_DB_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"locks.ttl", cfg.Locks.TTLRaw, &cfg.Locks.TTL},
		{"locks.sweep_interval", cfg.Locks.SweepIntervalRaw, &cfg.Locks.SweepInterval},
		{"followups.first_delay", cfg.Followups.FirstDelayRaw, &cfg.Followups.FirstDelay},
		{"followups.second_delay", cfg.Followups.SecondDelayRaw, &cfg.Followups.SecondDelay},
		{"automation.reply_delay", cfg.Automation.ReplyDelayRaw, &cfg.Automation.ReplyDelay},
		{"automation.reply_jitter", cfg.Automation.ReplyJitterRaw, &cfg.Automation.ReplyJitter},
		{"content.timeout", cfg.Content.TimeoutRaw, &cfg.Content.Timeout},
		{"idempotency.ttl", cfg.Idempotency.TTLRaw, &cfg.Idempotency.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdown
	}
	if c.Locks.TTL == 0 {
		c.Locks.TTL = DefaultLockTTL
	}
	if c.Locks.SweepInterval == 0 {
		c.Locks.SweepInterval = c.Locks.TTL
	}
	if c.Followups.FirstDelay == 0 {
		c.Followups.FirstDelay = DefaultFirstDelay
	}
	if c.Followups.SecondDelay == 0 {
		c.Followups.SecondDelay = DefaultSecondDelay
	}
	if c.Automation.HistoryLimit == 0 {
		c.Automation.HistoryLimit = DefaultHistoryLimit
	}
	if c.Content.Provider == "" {
		c.Content.Provider = "none"
	}
	if c.Content.Timeout == 0 {
		c.Content.Timeout = DefaultContentTimeout
	}
	if c.Idempotency.TTL == 0 {
		c.Idempotency.TTL = DefaultIdempotencyTTL
	}
	if c.Billing.Costs == nil {
		c.Billing.Costs = make(map[string]int64, len(DefaultCosts))
	}
	for kind, cost := range DefaultCosts {
		if _, ok := c.Billing.Costs[kind]; !ok {
			c.Billing.Costs[kind] = cost
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" && !c.Auth.TrustedHeaders {
		return fmt.Errorf("auth.jwt_secret is required (or set auth.trusted_headers)")
	}

	for kind, cost := range c.Billing.Costs {
		if _, known := DefaultCosts[kind]; !known {
			return fmt.Errorf("billing.costs: unknown message kind %q", kind)
		}
		if cost < 0 {
			return fmt.Errorf("billing.costs.%s must be non-negative", kind)
		}
	}

	if c.Locks.TTL < 0 || c.Locks.SweepInterval < 0 {
		return fmt.Errorf("locks durations must be positive")
	}

	if c.Followups.SecondDelay <= c.Followups.FirstDelay {
		return fmt.Errorf("followups.second_delay (%s) must be greater than first_delay (%s)",
			c.Followups.SecondDelay, c.Followups.FirstDelay)
	}

	if c.Automation.ReplyDelay < 0 || c.Automation.ReplyJitter < 0 {
		return fmt.Errorf("automation delays must be non-negative")
	}

	switch c.Content.Provider {
	case "none":
	case "openai":
		if c.Content.Model == "" {
			return fmt.Errorf("content.model is required for provider openai")
		}
	default:
		return fmt.Errorf("content.provider must be openai or none, got %q", c.Content.Provider)
	}

	return nil
}

// Cost returns the configured price for a message kind.
func (c *Config) Cost(kind string) int64 {
	if cost, ok := c.Billing.Costs[kind]; ok {
		return cost
	}
	return DefaultCosts[kind]
}

// secretFields lists every value that may be an ssm: reference.
func (c *Config) secretFields() map[string]*string {
	return map[string]*string{
		"auth.jwt_secret":    &c.Auth.JWTSecret,
		"content.api_key":    &c.Content.APIKey,
		"tailscale.auth_key": &c.Tailscale.AuthKey,
	}
}

// HasSecretRefs reports whether any value needs ResolveSecrets.
func (c *Config) HasSecretRefs() bool {
	for _, v := range c.secretFields() {
		if strings.HasPrefix(*v, secretPrefix) {
			return true
		}
	}
	return false
}

// ResolveSecrets replaces ssm:/param/name values with their parameter store values.
func (c *Config) ResolveSecrets(ctx context.Context, getter paramstore.Getter) error {
	for field, v := range c.secretFields() {
		name, ok := strings.CutPrefix(*v, secretPrefix)
		if !ok {
			continue
		}
		if getter == nil {
			return fmt.Errorf("%s references %q but no parameter store is configured", field, *v)
		}
		value, err := getter.GetParameter(ctx, name)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", field, err)
		}
		*v = value
	}
	return nil
}

// DefaultPath returns the config location used when neither --config nor
// PARLOR_CONFIG is set.
func DefaultPath() string {
	if p := os.Getenv("PARLOR_CONFIG"); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "parlor.yaml"
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "parlor", "parlor.yaml")
}
