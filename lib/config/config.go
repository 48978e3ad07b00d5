// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment identifies the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// EnvVar names the environment variable that points at the config
// file. There are no fallbacks or automatic discovery: configuration
// comes from exactly one file, named here or by --config.
const EnvVar = "WAYFARE_CONFIG"

// Config is the master configuration for the matching service.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	// Store configures the local SQLite matching store.
	Store StoreConfig `yaml:"store"`

	// Bus configures the event bus connection.
	Bus BusConfig `yaml:"bus"`

	// Directory configures the agent-directory service the engine
	// fetches candidates from.
	Directory DirectoryConfig `yaml:"directory"`

	// Matching configures selection thresholds and scoring weights.
	Matching MatchingConfig `yaml:"matching"`

	// Seasons is the static table of named peak-season windows.
	Seasons []SeasonWindow `yaml:"seasons"`

	// Admin configures the admin override socket.
	Admin AdminConfig `yaml:"admin"`

	// Per-environment overrides, applied after the base config loads.
	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides contains the fields that can be overridden per environment.
type Overrides struct {
	Store     *StoreConfig     `yaml:"store,omitempty"`
	Bus       *BusConfig       `yaml:"bus,omitempty"`
	Directory *DirectoryConfig `yaml:"directory,omitempty"`
	Matching  *MatchingConfig  `yaml:"matching,omitempty"`
	Admin     *AdminConfig     `yaml:"admin,omitempty"`
}

// StoreConfig configures the SQLite matching store.
type StoreConfig struct {
	// Path is the database file path. The parent directory must exist.
	Path string `yaml:"path"`

	// PoolSize is the connection pool size. Zero means the pool's
	// default.
	PoolSize int `yaml:"pool_size,omitempty"`
}

// BusConfig configures the event-bus client.
type BusConfig struct {
	// URL is the base URL of the event bus.
	URL string `yaml:"url"`

	// PublishTimeoutSeconds bounds a single publish call. Retries are
	// governed by the publisher's backoff, not this value.
	PublishTimeoutSeconds int `yaml:"publish_timeout_seconds"`

	// ConsumeTimeoutSeconds is the long-poll window for the consume
	// loop.
	ConsumeTimeoutSeconds int `yaml:"consume_timeout_seconds"`
}

// DirectoryConfig configures the agent-directory client.
type DirectoryConfig struct {
	// URL is the base URL of the agent-directory service.
	URL string `yaml:"url"`
}

// MatchingConfig configures selection thresholds and scoring weights.
// The weight values and MaxAttempts are deliberately configuration,
// not constants: product owns them, the engine only applies them.
type MatchingConfig struct {
	// BaseMinAgents is the minimum number of live candidate matches a
	// request needs outside peak season.
	BaseMinAgents int `yaml:"base_min_agents"`

	// BaseTimeoutHours is how long a matched agent has to respond
	// outside peak season.
	BaseTimeoutHours int `yaml:"base_timeout_hours"`

	// MaxAttempts caps rematch rounds per request. The first selection
	// round is attempt 0; a request fails once a shortfall occurs at
	// attempt MaxAttempts or beyond.
	MaxAttempts int `yaml:"max_attempts"`

	// CandidateTimeoutSeconds bounds a single candidate-directory
	// fetch.
	CandidateTimeoutSeconds int `yaml:"candidate_timeout_seconds"`

	// Weights are the scoring sub-score multipliers.
	Weights Weights `yaml:"weights"`
}

// Weights are the scoring sub-score multipliers. All must be >= 0.
type Weights struct {
	Destination    float64 `yaml:"destination"`
	Specialization float64 `yaml:"specialization"`
	Language       float64 `yaml:"language"`
	Rating         float64 `yaml:"rating"`
	ResponseTime   float64 `yaml:"response_time"`
	StarBonus      float64 `yaml:"star_bonus"`
}

// SeasonWindow is one named peak-season calendar window. Start and End
// are "MM-DD" strings; a window whose End precedes its Start wraps the
// year boundary (Dec 15 – Jan 5).
type SeasonWindow struct {
	// Name identifies the window in events and logs.
	Name string `yaml:"name"`

	// Start is the window's first day, "MM-DD".
	Start string `yaml:"start"`

	// End is the window's last day (inclusive), "MM-DD".
	End string `yaml:"end"`

	// Regions restricts the window to destinations matching any of
	// these region tags (case-insensitive substring). Empty means the
	// window applies everywhere.
	Regions []string `yaml:"regions,omitempty"`

	// TimeoutHours is the widened response window while this season
	// is active.
	TimeoutHours int `yaml:"timeout_hours"`

	// AllowSingleAgent permits dropping the minimum agent count to 1
	// while this season is active.
	AllowSingleAgent bool `yaml:"allow_single_agent,omitempty"`
}

// AdminConfig configures the admin override socket.
type AdminConfig struct {
	// SocketPath is the Unix socket the admin API listens on.
	SocketPath string `yaml:"socket_path"`

	// MinReasonLength is the minimum length of an override reason.
	MinReasonLength int `yaml:"min_reason_length"`
}

// Default returns the development configuration. The season table
// mirrors the standard travel peak calendar; deployments override it
// in the config file when product adjusts the windows.
func Default() *Config {
	return &Config{
		Environment: Development,
		Store: StoreConfig{
			Path: "/var/wayfare/matching/matching.db",
		},
		Bus: BusConfig{
			URL:                   "http://localhost:7320",
			PublishTimeoutSeconds: 10,
			ConsumeTimeoutSeconds: 30,
		},
		Directory: DirectoryConfig{
			URL: "http://localhost:7330",
		},
		Matching: MatchingConfig{
			BaseMinAgents:           3,
			BaseTimeoutHours:        24,
			MaxAttempts:             3,
			CandidateTimeoutSeconds: 10,
			Weights: Weights{
				Destination:    30,
				Specialization: 20,
				Language:       15,
				Rating:         20,
				ResponseTime:   10,
				StarBonus:      5,
			},
		},
		Seasons: []SeasonWindow{
			{
				Name:             "winter_holidays",
				Start:            "12-15",
				End:              "01-05",
				TimeoutHours:     48,
				AllowSingleAgent: true,
			},
			{
				Name:         "european_summer",
				Start:        "06-15",
				End:          "08-31",
				Regions:      []string{"europe", "mediterranean"},
				TimeoutHours: 36,
			},
			{
				Name:             "diwali",
				Start:            "10-15",
				End:              "11-15",
				Regions:          []string{"india"},
				TimeoutHours:     48,
				AllowSingleAgent: true,
			},
			{
				Name:         "golden_week",
				Start:        "04-27",
				End:          "05-06",
				Regions:      []string{"japan"},
				TimeoutHours: 36,
			},
		},
		Admin: AdminConfig{
			SocketPath:      "/run/wayfare/matching-admin.sock",
			MinReasonLength: 10,
		},
	}
}

// Load reads the config file named by the WAYFARE_CONFIG environment
// variable. Returns an error if the variable is unset: there is no
// automatic discovery.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil, fmt.Errorf("config: %s is not set and no --config flag was given", EnvVar)
	}
	return LoadFile(path)
}

// LoadFile reads, parses, and validates the config file at path,
// applying any environment-specific override section.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.applyOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// applyOverrides merges the override section matching cfg.Environment
// into the base config.
func (c *Config) applyOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}
	if overrides.Store != nil {
		c.Store = *overrides.Store
	}
	if overrides.Bus != nil {
		c.Bus = *overrides.Bus
	}
	if overrides.Directory != nil {
		c.Directory = *overrides.Directory
	}
	if overrides.Matching != nil {
		c.Matching = *overrides.Matching
	}
	if overrides.Admin != nil {
		c.Admin = *overrides.Admin
	}
}

// Validate checks the configuration for boot-blocking problems. The
// service refuses to start on any validation error: a misconfigured
// season table or weight set must never silently degrade matching.
func (c *Config) Validate() error {
	switch c.Environment {
	case Development, Staging, Production:
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}

	if c.Bus.URL == "" {
		return fmt.Errorf("bus.url is required")
	}
	if _, err := url.Parse(c.Bus.URL); err != nil {
		return fmt.Errorf("bus.url %q: %w", c.Bus.URL, err)
	}
	if c.Bus.PublishTimeoutSeconds <= 0 {
		return fmt.Errorf("bus.publish_timeout_seconds must be positive")
	}
	if c.Bus.ConsumeTimeoutSeconds <= 0 {
		return fmt.Errorf("bus.consume_timeout_seconds must be positive")
	}

	if c.Directory.URL == "" {
		return fmt.Errorf("directory.url is required")
	}
	if _, err := url.Parse(c.Directory.URL); err != nil {
		return fmt.Errorf("directory.url %q: %w", c.Directory.URL, err)
	}

	m := c.Matching
	if m.BaseMinAgents < 1 {
		return fmt.Errorf("matching.base_min_agents must be at least 1")
	}
	if m.BaseTimeoutHours < 1 {
		return fmt.Errorf("matching.base_timeout_hours must be at least 1")
	}
	if m.MaxAttempts < 1 {
		return fmt.Errorf("matching.max_attempts must be at least 1")
	}
	if m.CandidateTimeoutSeconds < 1 {
		return fmt.Errorf("matching.candidate_timeout_seconds must be at least 1")
	}
	weights := map[string]float64{
		"destination":    m.Weights.Destination,
		"specialization": m.Weights.Specialization,
		"language":       m.Weights.Language,
		"rating":         m.Weights.Rating,
		"response_time":  m.Weights.ResponseTime,
		"star_bonus":     m.Weights.StarBonus,
	}
	for name, w := range weights {
		if w < 0 {
			return fmt.Errorf("matching.weights.%s must not be negative", name)
		}
	}

	seen := make(map[string]bool, len(c.Seasons))
	for i, season := range c.Seasons {
		if season.Name == "" {
			return fmt.Errorf("seasons[%d]: name is required", i)
		}
		if seen[season.Name] {
			return fmt.Errorf("seasons[%d]: duplicate name %q", i, season.Name)
		}
		seen[season.Name] = true
		if _, _, err := ParseMonthDay(season.Start); err != nil {
			return fmt.Errorf("season %q: start: %w", season.Name, err)
		}
		if _, _, err := ParseMonthDay(season.End); err != nil {
			return fmt.Errorf("season %q: end: %w", season.Name, err)
		}
		if season.TimeoutHours < 1 {
			return fmt.Errorf("season %q: timeout_hours must be at least 1", season.Name)
		}
	}

	if c.Admin.SocketPath == "" {
		return fmt.Errorf("admin.socket_path is required")
	}
	if c.Admin.MinReasonLength < 1 {
		return fmt.Errorf("admin.min_reason_length must be at least 1")
	}

	return nil
}

// ParseMonthDay parses an "MM-DD" string into month and day numbers.
func ParseMonthDay(value string) (month, day int, err error) {
	parts := strings.SplitN(value, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected MM-DD, got %q", value)
	}
	month, err = strconv.Atoi(parts[0])
	if err != nil || month < 1 || month > 12 {
		return 0, 0, fmt.Errorf("invalid month in %q", value)
	}
	day, err = strconv.Atoi(parts[1])
	if err != nil || day < 1 || day > 31 {
		return 0, 0, fmt.Errorf("invalid day in %q", value)
	}
	return month, day, nil
}
