// Package config loads and validates the TOML configuration file.
// Configuration errors are fatal at load time and never silently
// defaulted.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"

	"github.com/hourkeeper/hourkeeper/internal/activity"
	"github.com/hourkeeper/hourkeeper/internal/domain"
	"github.com/hourkeeper/hourkeeper/internal/infra"
	"github.com/hourkeeper/hourkeeper/internal/rulecontext"
)

// Config is the full configuration of one node.
type Config struct {
	Node       NodeConfig       `toml:"node"`
	Master     MasterConfig     `toml:"master"`
	Slave      SlaveConfig      `toml:"slave"`
	Monitoring MonitoringConfig `toml:"monitoring"`
	Users      []UserConfig     `toml:"user"`
}

// NodeConfig identifies the local node.
type NodeConfig struct {
	Hostname string `toml:"hostname"` // defaults to os.Hostname
	DataDir  string `toml:"data_dir"`
	LogFile  string `toml:"log_file"`
}

// MasterConfig configures the master role.
type MasterConfig struct {
	Listen      string `toml:"listen"`
	Secret      string `toml:"secret"`
	CalendarURL string `toml:"calendar_url"`
}

// SlaveConfig configures the slave role.
type SlaveConfig struct {
	MasterURL string `toml:"master_url"`
	Secret    string `toml:"secret"`
	// WarnWithoutSend logs a warning after this long without a
	// successful push; AssumeLogoutAfter synthesizes termination events.
	WarnWithoutSend   string `toml:"warn_without_send"`
	AssumeLogoutAfter string `toml:"assume_logout_after"`
}

// MonitoringConfig tunes the evaluation engine.
type MonitoringConfig struct {
	CheckInterval       string `toml:"check_interval"`
	LookbackDays        int    `toml:"lookback_days"`
	MinActivityDuration string `toml:"min_activity_duration"`
	KillGrace           string `toml:"kill_grace"`
	WarningMinutes      int    `toml:"warning_minutes"`
	HistoryRetention    string `toml:"history_retention"`
}

// UserConfig is the monitoring setup for one user.
type UserConfig struct {
	Username          string        `toml:"username"`
	ProcessPattern    string        `toml:"process_pattern"`
	ProhibitedPattern string        `toml:"prohibited_pattern"`
	AccessCode        string        `toml:"access_code"`
	Locale            string        `toml:"locale"`
	RuleSets          []RuleSetToml `toml:"ruleset"`
}

// RuleSetToml is one rule set as written in the config file. Empty limit
// strings mean "no restriction".
type RuleSetToml struct {
	Context             string `toml:"context"`
	Details             string `toml:"details"`
	Priority            int    `toml:"priority"`
	MinTimeOfDay        string `toml:"min_time_of_day"`
	MaxTimeOfDay        string `toml:"max_time_of_day"`
	MaxTimePerDay       string `toml:"max_time_per_day"`
	MaxActivityDuration string `toml:"max_activity_duration"`
	MinBreak            string `toml:"min_break"`
	OptionalTimePerDay  string `toml:"optional_time_per_day"`
	FreePlay            bool   `toml:"free_play"`
}

// Load reads, decodes and validates the configuration file.
func Load(path string, contexts *rulecontext.Registry) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(contexts); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.Node.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("determine hostname: %w", err)
		}
		c.Node.Hostname = hostname
	}
	if c.Node.DataDir == "" {
		c.Node.DataDir = "/var/lib/hourkeeper"
	}
	if c.Monitoring.CheckInterval == "" {
		c.Monitoring.CheckInterval = "5s"
	}
	if c.Monitoring.LookbackDays == 0 {
		c.Monitoring.LookbackDays = 7
	}
	if c.Monitoring.MinActivityDuration == "" {
		c.Monitoring.MinActivityDuration = "30s"
	}
	if c.Monitoring.KillGrace == "" {
		c.Monitoring.KillGrace = "10s"
	}
	if c.Monitoring.WarningMinutes == 0 {
		c.Monitoring.WarningMinutes = 5
	}
	if c.Monitoring.HistoryRetention == "" {
		c.Monitoring.HistoryRetention = "720h" // 30 days
	}
	if c.Slave.WarnWithoutSend == "" {
		c.Slave.WarnWithoutSend = "1m"
	}
	if c.Slave.AssumeLogoutAfter == "" {
		c.Slave.AssumeLogoutAfter = "5m"
	}
	for i := range c.Users {
		if c.Users[i].Locale == "" {
			c.Users[i].Locale = "en"
		}
		if c.Users[i].AccessCode == "" {
			c.Users[i].AccessCode = uuid.NewString()
		}
	}
	return nil
}

// Validate checks every field that can be wrong. All failures are fatal.
func (c *Config) Validate(contexts *rulecontext.Registry) error {
	if _, err := time.ParseDuration(c.Monitoring.CheckInterval); err != nil {
		return fmt.Errorf("monitoring.check_interval: %w", err)
	}
	for _, field := range []struct{ name, value string }{
		{"monitoring.min_activity_duration", c.Monitoring.MinActivityDuration},
		{"monitoring.kill_grace", c.Monitoring.KillGrace},
		{"monitoring.history_retention", c.Monitoring.HistoryRetention},
		{"slave.warn_without_send", c.Slave.WarnWithoutSend},
		{"slave.assume_logout_after", c.Slave.AssumeLogoutAfter},
	} {
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}

	seenUsers := make(map[string]bool)
	for _, user := range c.Users {
		if user.Username == "" {
			return fmt.Errorf("user entry without a username")
		}
		if seenUsers[user.Username] {
			return fmt.Errorf("duplicate user entry %q", user.Username)
		}
		seenUsers[user.Username] = true

		if user.ProcessPattern != "" {
			if _, err := regexp.Compile(user.ProcessPattern); err != nil {
				return fmt.Errorf("user %q process_pattern: %w", user.Username, err)
			}
		}
		if user.ProhibitedPattern != "" {
			if _, err := regexp.Compile(user.ProhibitedPattern); err != nil {
				return fmt.Errorf("user %q prohibited_pattern: %w", user.Username, err)
			}
		}

		priorities := make(map[int]bool)
		for _, rs := range user.RuleSets {
			if priorities[rs.Priority] {
				return fmt.Errorf("user %q has two rule sets with priority %d", user.Username, rs.Priority)
			}
			priorities[rs.Priority] = true

			pred, err := contexts.Lookup(rs.Context)
			if err != nil {
				return fmt.Errorf("user %q: %w", user.Username, err)
			}
			if rs.Context != "" {
				if err := pred.Validate(rs.Details); err != nil {
					return fmt.Errorf("user %q context %q: %w", user.Username, rs.Context, err)
				}
			}

			minTOD, err := optionalDayTime(rs.MinTimeOfDay)
			if err != nil {
				return fmt.Errorf("user %q min_time_of_day: %w", user.Username, err)
			}
			maxTOD, err := optionalDayTime(rs.MaxTimeOfDay)
			if err != nil {
				return fmt.Errorf("user %q max_time_of_day: %w", user.Username, err)
			}
			if minTOD != nil && maxTOD != nil && minTOD.Minutes() >= maxTOD.Minutes() {
				return fmt.Errorf("user %q: min_time_of_day %s is not before max_time_of_day %s",
					user.Username, minTOD, maxTOD)
			}
			for _, field := range []struct{ name, value string }{
				{"max_time_per_day", rs.MaxTimePerDay},
				{"max_activity_duration", rs.MaxActivityDuration},
				{"min_break", rs.MinBreak},
				{"optional_time_per_day", rs.OptionalTimePerDay},
			} {
				if _, err := optionalDuration(field.value); err != nil {
					return fmt.Errorf("user %q %s: %w", user.Username, field.name, err)
				}
			}
		}
	}
	return nil
}

// CheckInterval returns the parsed tick interval.
func (c *Config) CheckInterval() time.Duration {
	return mustDuration(c.Monitoring.CheckInterval)
}

// MinActivityDuration returns the parsed minimum activity filter.
func (c *Config) MinActivityDuration() time.Duration {
	return mustDuration(c.Monitoring.MinActivityDuration)
}

// KillGrace returns the parsed kill escalation grace period.
func (c *Config) KillGrace() time.Duration {
	return mustDuration(c.Monitoring.KillGrace)
}

// HistoryRetention returns the parsed history retention window.
func (c *Config) HistoryRetention() time.Duration {
	return mustDuration(c.Monitoring.HistoryRetention)
}

// WarnWithoutSend returns the parsed soft send-failure threshold.
func (c *Config) WarnWithoutSend() time.Duration {
	return mustDuration(c.Slave.WarnWithoutSend)
}

// AssumeLogoutAfter returns the parsed hard send-failure threshold.
func (c *Config) AssumeLogoutAfter() time.Duration {
	return mustDuration(c.Slave.AssumeLogoutAfter)
}

// Usernames returns the monitored user names.
func (c *Config) Usernames() []string {
	out := make([]string, 0, len(c.Users))
	for _, u := range c.Users {
		out = append(out, u.Username)
	}
	return out
}

// User returns the configuration for one user, or nil.
func (c *Config) User(username string) *UserConfig {
	for i := range c.Users {
		if c.Users[i].Username == username {
			return &c.Users[i]
		}
	}
	return nil
}

// UserPatterns compiles the per-user process patterns for the scanner.
// Call after Validate; compilation cannot fail on a valid config.
func (c *Config) UserPatterns() map[string]infra.UserPatterns {
	out := make(map[string]infra.UserPatterns, len(c.Users))
	for _, user := range c.Users {
		var patterns infra.UserPatterns
		if user.ProcessPattern != "" {
			patterns.Pattern = regexp.MustCompile(user.ProcessPattern)
		}
		if user.ProhibitedPattern != "" {
			patterns.Prohibited = regexp.MustCompile(user.ProhibitedPattern)
		}
		out[user.Username] = patterns
	}
	return out
}

// RuleSets converts the configured rule sets into domain values, keyed
// by username.
func (c *Config) RuleSets() map[string][]*domain.RuleSetConfig {
	out := make(map[string][]*domain.RuleSetConfig, len(c.Users))
	for _, user := range c.Users {
		for _, rs := range user.RuleSets {
			minTOD, _ := optionalDayTime(rs.MinTimeOfDay)
			maxTOD, _ := optionalDayTime(rs.MaxTimeOfDay)
			maxPerDay, _ := optionalDuration(rs.MaxTimePerDay)
			maxDuration, _ := optionalDuration(rs.MaxActivityDuration)
			minBreak, _ := optionalDuration(rs.MinBreak)
			optional, _ := optionalDuration(rs.OptionalTimePerDay)
			out[user.Username] = append(out[user.Username], &domain.RuleSetConfig{
				Username:       user.Username,
				ContextID:      rs.Context,
				ContextDetail:  rs.Details,
				Priority:       rs.Priority,
				MinTimeOfDay:   minTOD,
				MaxTimeOfDay:   maxTOD,
				MaxPerDay:      maxPerDay,
				MaxDuration:    maxDuration,
				MinBreak:       minBreak,
				OptionalPerDay: optional,
				FreePlay:       rs.FreePlay,
			})
		}
	}
	return out
}

// ContextSpecs builds the per-user context attributions fed into the
// activity reconstructor. Every context of a user shares that user's
// process pattern; patternless records match all contexts.
func (c *Config) ContextSpecs() map[string][]activity.ContextSpec {
	out := make(map[string][]activity.ContextSpec, len(c.Users))
	for _, user := range c.Users {
		var pattern *regexp.Regexp
		if user.ProcessPattern != "" {
			pattern = regexp.MustCompile(user.ProcessPattern)
		}
		seen := make(map[string]bool)
		for _, rs := range user.RuleSets {
			if seen[rs.Context] {
				continue
			}
			seen[rs.Context] = true
			out[user.Username] = append(out[user.Username], activity.ContextSpec{
				ID:      rs.Context,
				Pattern: pattern,
			})
		}
		if len(user.RuleSets) == 0 {
			out[user.Username] = append(out[user.Username], activity.ContextSpec{Pattern: pattern})
		}
	}
	return out
}

func optionalDayTime(s string) (*domain.DayTime, error) {
	if s == "" {
		return nil, nil
	}
	t, err := domain.ParseDayTime(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func optionalDuration(s string) (*time.Duration, error) {
	if s == "" {
		return nil, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return nil, err
	}
	if d < 0 {
		return nil, fmt.Errorf("duration %q must not be negative", s)
	}
	return &d, nil
}

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		// Validate ran at load time; this cannot happen for a loaded
		// configuration.
		return 0
	}
	return d
}
