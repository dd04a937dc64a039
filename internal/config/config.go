package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	defaultTimezone = "UTC"
	configPathEnv   = "PIPELINE_PROCESSOR_CONFIG"
)

// Config holds high-level settings required across the application.
type Config struct {
	Logging       LoggingConfig      `yaml:"logging"`
	Database      DatabaseConfig     `yaml:"database"`
	GitHub        GitHubConfig       `yaml:"github"`
	LLM           LLMConfig          `yaml:"llm"`
	ML            MLConfig           `yaml:"ml"`
	Feed          FeedConfig         `yaml:"feed"`
	Scheduler     SchedulerConfig    `yaml:"scheduler"`
	Notifications NotificationConfig `yaml:"notifications"`
}

// LoggingConfig selects the slog level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// DatabaseConfig describes the storage backend: memory, sqlite or postgres.
type DatabaseConfig struct {
	Driver string `yaml:"driver" env:"DATABASE_DRIVER"`
	DSN    string `yaml:"dsn" env:"DATABASE_DSN"`
}

// GitHubConfig defines how to reach the GitHub REST API.
type GitHubConfig struct {
	Endpoint    string        `yaml:"endpoint" env:"GITHUB_API_URL"`
	Token       string        `yaml:"token" env:"GITHUB_TOKEN"`
	UserAgent   string        `yaml:"userAgent"`
	RepoLimit   int           `yaml:"repoLimit"`
	RecentYears int           `yaml:"recentYears"`
	Timeout     time.Duration `yaml:"timeout"`
}

// LLMConfig defines how to contact an OpenAI-compatible chat API.
type LLMConfig struct {
	Endpoint      string        `yaml:"endpoint" env:"LLM_ENDPOINT"`
	Model         string        `yaml:"model" env:"LLM_MODEL"`
	APIKey        string        `yaml:"apiKey" env:"LLM_API_KEY"`
	Temperature   float64       `yaml:"temperature"`
	SystemPrompt  string        `yaml:"systemPrompt"`
	MaxHighlights int           `yaml:"maxHighlights"`
	Timeout       time.Duration `yaml:"timeout"`
}

// MLConfig describes an optional external scoring service; when set it
// replaces the LLM as relevance scorer.
type MLConfig struct {
	InferenceURL string `yaml:"inferenceUrl" env:"ML_INFERENCE_URL"`
	APIKey       string `yaml:"apiKey" env:"ML_API_KEY"`
}

// FeedConfig holds ranking policy constants.
type FeedConfig struct {
	Limit         int     `yaml:"limit"`
	DecayFactor   float64 `yaml:"decayFactor"`
	RecoveryHours float64 `yaml:"recoveryHours"`
	RecoveryFloor float64 `yaml:"recoveryFloor"`
	MinScore      float64 `yaml:"minScore"`
	Concurrency   int     `yaml:"concurrency"`
}

// SchedulerConfig defines when feeds are rebuilt in the background.
type SchedulerConfig struct {
	Interval time.Duration  `yaml:"interval" env:"SCHEDULER_INTERVAL"`
	Timezone string         `yaml:"timezone"`
	location *time.Location `yaml:"-"`
}

// Location resolves the scheduler timezone string to a time.Location.
func (s SchedulerConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	loc, _ := time.LoadLocation(defaultTimezone)
	return loc
}

// NotificationConfig encapsulates outbound channels (Telegram, etc.).
type NotificationConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig wires all data required to send messages.
type TelegramConfig struct {
	BotToken string `yaml:"botToken" env:"TELEGRAM_BOT_TOKEN"`
	ChatID   string `yaml:"chatId" env:"TELEGRAM_CHAT_ID"`
}

// Load reads YAML configuration (if present) and applies environment overrides.
func Load() Config {
	cfg := defaultConfig()

	if path := os.Getenv(configPathEnv); path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else if err := decodeYAML(raw, &cfg); err != nil {
			log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
			cfg = defaultConfig()
		}
	}

	if err := env.Parse(&cfg); err != nil {
		log.Printf("config: %v (ignoring environment overrides)", err)
	}
	cfg.bindTimezone()
	cfg.normalize()

	return cfg
}

// decodeYAML overlays raw onto cfg; keys absent from the file keep their defaults.
func decodeYAML(raw []byte, cfg *Config) error {
	overlay := *cfg
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	*cfg = overlay
	return nil
}

func (c *Config) bindTimezone() {
	tz := c.Scheduler.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Printf("config: unknown timezone %s, reverting to %s", tz, defaultTimezone)
		loc, _ = time.LoadLocation(defaultTimezone)
	}
	c.Scheduler.location = loc
}

func (c *Config) normalize() {
	defaults := defaultConfig()
	if c.Feed.Limit <= 0 {
		c.Feed.Limit = defaults.Feed.Limit
	}
	if c.Feed.DecayFactor <= 0 || c.Feed.DecayFactor >= 1 {
		log.Printf("config: decayFactor %v outside (0,1), using %v", c.Feed.DecayFactor, defaults.Feed.DecayFactor)
		c.Feed.DecayFactor = defaults.Feed.DecayFactor
	}
	if c.Feed.RecoveryFloor <= 0 || c.Feed.RecoveryFloor > 1 {
		c.Feed.RecoveryFloor = defaults.Feed.RecoveryFloor
	}
	if c.Feed.Concurrency <= 0 {
		c.Feed.Concurrency = defaults.Feed.Concurrency
	}
	if c.GitHub.RepoLimit <= 0 || c.GitHub.RepoLimit > 100 {
		c.GitHub.RepoLimit = defaults.GitHub.RepoLimit
	}
	if c.Scheduler.Interval <= 0 {
		c.Scheduler.Interval = defaults.Scheduler.Interval
	}
}

func defaultConfig() Config {
	tz, _ := time.LoadLocation(defaultTimezone)
	return Config{
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "pipeline-processor.db"},
		GitHub: GitHubConfig{
			Endpoint:    "https://api.github.com",
			UserAgent:   "pipeline-processor/1.0",
			RepoLimit:   30,
			RecentYears: 2,
			Timeout:     20 * time.Second,
		},
		LLM: LLMConfig{
			Endpoint:      "https://openrouter.ai/api/v1/chat/completions",
			Model:         "deepseek/deepseek-chat-v3.1",
			Temperature:   0.1,
			SystemPrompt:  "You review GitHub repositories and answer in strict JSON.",
			MaxHighlights: 6,
			Timeout:       60 * time.Second,
		},
		Feed: FeedConfig{
			Limit:         30,
			DecayFactor:   0.8,
			RecoveryHours: 0,
			RecoveryFloor: 0.25,
			MinScore:      0,
			Concurrency:   15,
		},
		Scheduler: SchedulerConfig{Interval: 6 * time.Hour, Timezone: defaultTimezone, location: tz},
	}
}
