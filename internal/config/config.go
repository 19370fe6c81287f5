// Package config provides YAML-based configuration loading for hookline.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/avossen/hookline/pkg/logger"
	"gopkg.in/yaml.v3"
)

// Config is the top-level hookline configuration, loaded from config.yaml.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	Scraper   ScraperConfig   `yaml:"scraper"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Logging   logger.Config   `yaml:"logging"`
}

// DatabaseConfig holds connection settings for the MySQL server.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// ServerConfig holds the REST API listen settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ScraperConfig holds settings for the upstream scrape API.
type ScraperConfig struct {
	BaseURL      string `yaml:"base_url"`
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Timeout      string `yaml:"timeout"`
	ContentLimit int    `yaml:"content_limit"`
	SimilarCount int    `yaml:"similar_count"`
}

// SchedulerConfig controls the scrape queue dispatch loop.
type SchedulerConfig struct {
	PollInterval  string `yaml:"poll_interval"`
	SweepInterval string `yaml:"sweep_interval"`
	Concurrency   int    `yaml:"concurrency"`
	MaxAttempts   int    `yaml:"max_attempts"`
	BackoffBase   string `yaml:"backoff_base"`
	BackoffCap    string `yaml:"backoff_cap"`
	StuckAfter    string `yaml:"stuck_after"`
	RecentWindow  string `yaml:"recent_window"`
}

// AnalysisConfig controls reel selection, transcripts, and quota cycles.
type AnalysisConfig struct {
	PrimaryReels       int    `yaml:"primary_reels"`
	CompetitorReels    int    `yaml:"competitor_reels"`
	MinTranscripts     int    `yaml:"min_transcripts"`
	FallbackBudget     int    `yaml:"fallback_budget"`
	QuotaCap           int    `yaml:"quota_cap"`
	QuotaWindow        string `yaml:"quota_window"`
	RecurrenceSchedule string `yaml:"recurrence_schedule"`
	WorkflowVersion    string `yaml:"workflow_version"`
}

// AlertsConfig holds notifier credentials. Empty sections disable a sink.
type AlertsConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`

	// DigestSchedule is a 5-field cron expression for periodic queue
	// activity digests. Empty disables them.
	DigestSchedule string `yaml:"digest_schedule"`
}

// SlackConfig holds Slack bot credentials.
type SlackConfig struct {
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
}

// DiscordConfig holds Discord bot credentials.
type DiscordConfig struct {
	Token     string `yaml:"token"`
	ChannelID string `yaml:"channel_id"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Database.Password == "" {
		c.Database.Password = os.Getenv("HOOKLINE_DB_PASSWORD")
	}
	if c.Database.Name == "" {
		c.Database.Name = "hookline"
	}

	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}

	if c.Scraper.Timeout == "" {
		c.Scraper.Timeout = "30s"
	}
	if c.Scraper.ContentLimit == 0 {
		c.Scraper.ContentLimit = 24
	}
	if c.Scraper.SimilarCount == 0 {
		c.Scraper.SimilarCount = 20
	}
	if c.Scraper.ClientSecret == "" {
		c.Scraper.ClientSecret = os.Getenv("HOOKLINE_SCRAPER_SECRET")
	}

	if c.Scheduler.PollInterval == "" {
		c.Scheduler.PollInterval = "5s"
	}
	if c.Scheduler.SweepInterval == "" {
		c.Scheduler.SweepInterval = "1m"
	}
	if c.Scheduler.Concurrency == 0 {
		c.Scheduler.Concurrency = 2
	}
	if c.Scheduler.MaxAttempts == 0 {
		c.Scheduler.MaxAttempts = 3
	}
	if c.Scheduler.BackoffBase == "" {
		c.Scheduler.BackoffBase = "1m"
	}
	if c.Scheduler.BackoffCap == "" {
		c.Scheduler.BackoffCap = "30m"
	}
	if c.Scheduler.StuckAfter == "" {
		c.Scheduler.StuckAfter = "10m"
	}
	if c.Scheduler.RecentWindow == "" {
		c.Scheduler.RecentWindow = "5m"
	}

	if c.Analysis.PrimaryReels == 0 {
		c.Analysis.PrimaryReels = 3
	}
	if c.Analysis.CompetitorReels == 0 {
		c.Analysis.CompetitorReels = 5
	}
	if c.Analysis.MinTranscripts == 0 {
		c.Analysis.MinTranscripts = 4
	}
	if c.Analysis.FallbackBudget == 0 {
		c.Analysis.FallbackBudget = 5
	}
	if c.Analysis.QuotaCap == 0 {
		c.Analysis.QuotaCap = 50
	}
	if c.Analysis.QuotaWindow == "" {
		c.Analysis.QuotaWindow = "24h"
	}
	if c.Analysis.RecurrenceSchedule == "" {
		c.Analysis.RecurrenceSchedule = "*/10 * * * *"
	}
	if c.Analysis.WorkflowVersion == "" {
		c.Analysis.WorkflowVersion = "v2"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Database.Name == "" {
		errs = append(errs, "database.name is required")
	}
	for _, d := range []struct {
		field string
		value string
	}{
		{"scraper.timeout", c.Scraper.Timeout},
		{"scheduler.poll_interval", c.Scheduler.PollInterval},
		{"scheduler.sweep_interval", c.Scheduler.SweepInterval},
		{"scheduler.backoff_base", c.Scheduler.BackoffBase},
		{"scheduler.backoff_cap", c.Scheduler.BackoffCap},
		{"scheduler.stuck_after", c.Scheduler.StuckAfter},
		{"scheduler.recent_window", c.Scheduler.RecentWindow},
		{"analysis.quota_window", c.Analysis.QuotaWindow},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: invalid duration %q", d.field, d.value))
		}
	}
	if c.Scheduler.Concurrency < 1 {
		errs = append(errs, "scheduler.concurrency must be at least 1")
	}
	if c.Scheduler.MaxAttempts < 1 {
		errs = append(errs, "scheduler.max_attempts must be at least 1")
	}
	if c.Analysis.PrimaryReels < 1 {
		errs = append(errs, "analysis.primary_reels must be at least 1")
	}
	if c.Analysis.CompetitorReels < 1 {
		errs = append(errs, "analysis.competitor_reels must be at least 1")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Duration returns the parsed form of a duration config string. Values are
// validated at load time; a later parse failure returns the fallback.
func Duration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
