// ABOUTME: Configuration loading and parsing for thoth
// ABOUTME: TOML or YAML files with environment variable expansion, duration parsing, and defaults

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/thoth/internal/selectors"
)

// Config represents the complete thoth configuration
type Config struct {
	Thoth         ThothConfig       `toml:"thoth" yaml:"thoth"`
	Scrape        ScrapeConfig      `toml:"scrape" yaml:"scrape"`
	SelectorsPath string            `toml:"selectors_path" yaml:"selectors_path"`
	Supervision   SupervisionConfig `toml:"supervision" yaml:"supervision"`
	Logging       LoggingConfig     `toml:"logging" yaml:"logging"`
	Metrics       MetricsConfig     `toml:"metrics" yaml:"metrics"`
	Sources       []SourceConfig    `toml:"sources" yaml:"sources"`
}

// ThothConfig holds process-level settings
type ThothConfig struct {
	DBPath         string `toml:"db_path" yaml:"db_path"`
	ProfileDir     string `toml:"profile_dir" yaml:"profile_dir"`
	Headless       bool   `toml:"headless" yaml:"headless"`
	BrowserCommand string `toml:"browser_command" yaml:"browser_command"`

	LoopDelay    time.Duration `toml:"-" yaml:"-"`
	LoopDelayRaw string        `toml:"loop_delay" yaml:"loop_delay"`
}

// ScrapeConfig holds per-cycle extraction limits and sync policy thresholds
type ScrapeConfig struct {
	RecentMessageLimit       int  `toml:"recent_message_limit" yaml:"recent_message_limit"`
	IdleCyclesBeforeBackfill int  `toml:"idle_cycles_before_backfill" yaml:"idle_cycles_before_backfill"`
	IdleCyclesBeforeRecent   int  `toml:"idle_cycles_before_recent" yaml:"idle_cycles_before_recent"`
	BackfillScrollSteps      int  `toml:"backfill_scroll_steps" yaml:"backfill_scroll_steps"`
	ScrollPixels             int  `toml:"scroll_pixels" yaml:"scroll_pixels"`
	ReconstructThreads       bool `toml:"reconstruct_threads" yaml:"reconstruct_threads"`

	ScrollDelay        time.Duration `toml:"-" yaml:"-"`
	TaskTimeout        time.Duration `toml:"-" yaml:"-"`
	NavigationInterval time.Duration `toml:"-" yaml:"-"`
	DedupeTTL          time.Duration `toml:"-" yaml:"-"`

	// Raw string values for decoding
	ScrollDelayRaw        string `toml:"scroll_delay" yaml:"scroll_delay"`
	TaskTimeoutRaw        string `toml:"task_timeout" yaml:"task_timeout"`
	NavigationIntervalRaw string `toml:"navigation_interval" yaml:"navigation_interval"`
	DedupeTTLRaw          string `toml:"dedupe_ttl" yaml:"dedupe_ttl"`
}

// SupervisionConfig configures the parent-process liveness check
type SupervisionConfig struct {
	ParentPID int `toml:"parent_pid" yaml:"parent_pid"`

	PollInterval    time.Duration `toml:"-" yaml:"-"`
	PollIntervalRaw string        `toml:"poll_interval" yaml:"poll_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `toml:"level" yaml:"level"`
	Format     string `toml:"format" yaml:"format"`
	File       string `toml:"file" yaml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" yaml:"max_backups"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Addr    string `toml:"addr" yaml:"addr"`
	Path    string `toml:"path" yaml:"path"`
}

// SourceConfig is one chat platform instance to harvest
type SourceConfig struct {
	Name      string            `toml:"name" yaml:"name"`
	Type      string            `toml:"type" yaml:"type"`
	BaseURL   string            `toml:"base_url" yaml:"base_url"`
	Enabled   *bool             `toml:"enabled" yaml:"enabled"`
	Selectors map[string]string `toml:"selectors" yaml:"selectors"`
	Channels  []ChannelConfig   `toml:"channels" yaml:"channels"`

	// AutoDiscover defaults to true when no channels are listed.
	AutoDiscover *bool `toml:"auto_discover" yaml:"auto_discover"`
}

// ChannelConfig is a channel pinned in configuration
type ChannelConfig struct {
	Name       string `toml:"name" yaml:"name"`
	URL        string `toml:"url" yaml:"url"`
	ExternalID string `toml:"external_id" yaml:"external_id"`
	Enabled    *bool  `toml:"enabled" yaml:"enabled"`
}

// IsEnabled reports whether the source should be synced. Unset means enabled.
func (s SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Discovers reports whether channels should be discovered on this source.
func (s SourceConfig) Discovers() bool {
	if s.AutoDiscover != nil {
		return *s.AutoDiscover
	}
	return len(s.Channels) == 0
}

// IsEnabled reports whether the channel should be synced. Unset means enabled.
func (c ChannelConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Key returns the channel's external identity, falling back to its URL.
func (c ChannelConfig) Key() string {
	if c.ExternalID != "" {
		return c.ExternalID
	}
	return c.URL
}

// Default values applied when a field is left unset
const (
	DefaultDBPath                   = "data/thoth.db"
	DefaultProfileDir               = "data/profiles"
	DefaultLoopDelay                = 20 * time.Second
	DefaultRecentMessageLimit       = 200
	DefaultIdleCyclesBeforeBackfill = 6
	DefaultIdleCyclesBeforeRecent   = 3
	DefaultBackfillScrollSteps      = 4
	DefaultScrollPixels             = 1200
	DefaultScrollDelay              = 1500 * time.Millisecond
	DefaultTaskTimeout              = 2 * time.Minute
	DefaultNavigationInterval       = 2 * time.Second
	DefaultDedupeTTL                = 10 * time.Minute
	DefaultPollInterval             = 5 * time.Second
	DefaultMetricsAddr              = "127.0.0.1:9464"
	DefaultMetricsPath              = "/metrics"
	DefaultLogMaxSizeMB             = 10
	DefaultLogMaxBackups            = 3
)

// ErrNoConfig is returned by ResolvePath when no candidate path exists.
var ErrNoConfig = errors.New("no config file found")

// ResolvePath picks the config file: the explicit flag value, then
// THOTH_CONFIG, then $XDG_CONFIG_HOME/thoth/thoth.toml.
func ResolvePath(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if env := os.Getenv("THOTH_CONFIG"); env != "" {
		return env, nil
	}

	path, err := DefaultPath()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w (tried %s)", ErrNoConfig, path)
	}
	return path, nil
}

// DefaultPath returns $XDG_CONFIG_HOME/thoth/thoth.toml, falling back to
// ~/.config when XDG_CONFIG_HOME is unset. The file need not exist.
func DefaultPath() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("finding home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "thoth", "thoth.toml"), nil
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .yaml or .yml are decoded as YAML, everything else as TOML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
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
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Thoth.DBPath == "" {
		c.Thoth.DBPath = DefaultDBPath
	}
	if c.Thoth.ProfileDir == "" {
		c.Thoth.ProfileDir = DefaultProfileDir
	}
	if c.Thoth.LoopDelayRaw == "" {
		c.Thoth.LoopDelay = DefaultLoopDelay
	}

	s := &c.Scrape
	if s.RecentMessageLimit == 0 {
		s.RecentMessageLimit = DefaultRecentMessageLimit
	}
	if s.IdleCyclesBeforeBackfill == 0 {
		s.IdleCyclesBeforeBackfill = DefaultIdleCyclesBeforeBackfill
	}
	if s.IdleCyclesBeforeRecent == 0 {
		s.IdleCyclesBeforeRecent = DefaultIdleCyclesBeforeRecent
	}
	if s.BackfillScrollSteps == 0 {
		s.BackfillScrollSteps = DefaultBackfillScrollSteps
	}
	if s.ScrollPixels == 0 {
		s.ScrollPixels = DefaultScrollPixels
	}
	if s.ScrollDelayRaw == "" {
		s.ScrollDelay = DefaultScrollDelay
	}
	if s.TaskTimeoutRaw == "" {
		s.TaskTimeout = DefaultTaskTimeout
	}
	if s.NavigationIntervalRaw == "" {
		s.NavigationInterval = DefaultNavigationInterval
	}
	if s.DedupeTTLRaw == "" {
		s.DedupeTTL = DefaultDedupeTTL
	}

	if c.Supervision.PollIntervalRaw == "" {
		c.Supervision.PollInterval = DefaultPollInterval
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = DefaultLogMaxSizeMB
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = DefaultLogMaxBackups
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Thoth.DBPath == "" {
		return fmt.Errorf("thoth.db_path is required")
	}

	if c.Scrape.RecentMessageLimit < 0 {
		return fmt.Errorf("scrape.recent_message_limit must not be negative")
	}
	if c.Scrape.IdleCyclesBeforeBackfill < 0 || c.Scrape.IdleCyclesBeforeRecent < 0 {
		return fmt.Errorf("scrape idle cycle thresholds must not be negative")
	}
	if c.Scrape.TaskTimeout <= 0 {
		return fmt.Errorf("scrape.task_timeout must be positive")
	}
	if c.Thoth.LoopDelay < 0 {
		return fmt.Errorf("thoth.loop_delay must not be negative")
	}
	if c.Supervision.PollInterval <= 0 {
		return fmt.Errorf("supervision.poll_interval must be positive")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("sources[%d].name is required", i)
		}
		if seen[src.Name] {
			return fmt.Errorf("sources[%d]: duplicate source name %q", i, src.Name)
		}
		seen[src.Name] = true

		if src.Type == "" {
			return fmt.Errorf("source %q: type is required", src.Name)
		}
		if _, ok := selectors.Builtin(src.Type); !ok && c.SelectorsPath == "" {
			return fmt.Errorf("source %q: unknown type %q (known: %s)",
				src.Name, src.Type, strings.Join(selectors.Platforms(), ", "))
		}
		if err := validateURL(src.BaseURL); err != nil {
			return fmt.Errorf("source %q: base_url: %w", src.Name, err)
		}
		for j, ch := range src.Channels {
			if ch.URL == "" {
				return fmt.Errorf("source %q: channels[%d].url is required", src.Name, j)
			}
			if err := validateURL(ch.URL); err != nil {
				return fmt.Errorf("source %q: channels[%d].url: %w", src.Name, j, err)
			}
		}
	}

	return nil
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https scheme")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"thoth.loop_delay", cfg.Thoth.LoopDelayRaw, &cfg.Thoth.LoopDelay},
		{"scrape.scroll_delay", cfg.Scrape.ScrollDelayRaw, &cfg.Scrape.ScrollDelay},
		{"scrape.task_timeout", cfg.Scrape.TaskTimeoutRaw, &cfg.Scrape.TaskTimeout},
		{"scrape.navigation_interval", cfg.Scrape.NavigationIntervalRaw, &cfg.Scrape.NavigationInterval},
		{"scrape.dedupe_ttl", cfg.Scrape.DedupeTTLRaw, &cfg.Scrape.DedupeTTL},
		{"supervision.poll_interval", cfg.Supervision.PollIntervalRaw, &cfg.Supervision.PollInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: negative duration", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
