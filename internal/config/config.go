// Package config provides configuration management for the application.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration.
type Config struct {
	Telegram      TelegramConfig     `mapstructure:"telegram"`
	GitHub        GitHubConfig       `mapstructure:"github"`
	Poller        PollerConfig       `mapstructure:"poller"`
	Subscriptions SubscriptionConfig `mapstructure:"subscriptions"`
	Database      DatabaseConfig     `mapstructure:"database"`
	Server        ServerConfig       `mapstructure:"server"`
	Redis         RedisConfig        `mapstructure:"redis"`
	Log           LogConfig          `mapstructure:"log"`
}

// TelegramConfig holds Telegram bot configuration.
type TelegramConfig struct {
	Token      string `mapstructure:"token"`
	Debug      bool   `mapstructure:"debug"`
	RatePerSec int    `mapstructure:"rate_per_sec"` // Outgoing messages per second
}

// GitHubConfig holds GitHub API configuration.
type GitHubConfig struct {
	Token              string        `mapstructure:"token"`
	GraphQLURL         string        `mapstructure:"graphql_url"`
	IssuesPerFetch     int           `mapstructure:"issues_per_fetch"`
	RateLimitThreshold int           `mapstructure:"rate_limit_threshold"`
	RetryBase          time.Duration `mapstructure:"retry_base"`
	RetryCap           time.Duration `mapstructure:"retry_cap"`
	RetryMaxDuration   time.Duration `mapstructure:"retry_max_duration"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
}

// PollerConfig holds the poll cycle configuration.
type PollerConfig struct {
	Interval            int `mapstructure:"interval"` // Polling interval in seconds
	FetchConcurrency    int `mapstructure:"fetch_concurrency"`
	DispatchConcurrency int `mapstructure:"dispatch_concurrency"`
	FirstPollLimit      int `mapstructure:"first_poll_limit"` // Cap for chats without a watermark
}

// SubscriptionConfig holds per-chat quotas.
type SubscriptionConfig struct {
	MaxReposPerUser  int      `mapstructure:"max_repos_per_user"`
	MaxLabelsPerRepo int      `mapstructure:"max_labels_per_repo"`
	DefaultLabels    []string `mapstructure:"default_labels"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	AdminToken string `mapstructure:"admin_token"`
}

// RedisConfig enables the cross-process cycle lock when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// MinPollInterval is the smallest accepted poll interval in seconds.
const MinPollInterval = 10

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("ISSUEBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.admin_token", "")
	v.SetDefault("database.path", "./data/bot.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.debug", false)
	v.SetDefault("telegram.rate_per_sec", 25)

	v.SetDefault("github.token", "")
	v.SetDefault("github.graphql_url", "https://api.github.com/graphql")
	v.SetDefault("github.issues_per_fetch", 50)
	v.SetDefault("github.rate_limit_threshold", 10)
	v.SetDefault("github.retry_base", time.Second)
	v.SetDefault("github.retry_cap", 30*time.Second)
	v.SetDefault("github.retry_max_duration", 60*time.Second)
	v.SetDefault("github.request_timeout", 30*time.Second)

	v.SetDefault("poller.interval", 60)
	v.SetDefault("poller.fetch_concurrency", 4)
	v.SetDefault("poller.dispatch_concurrency", 8)
	v.SetDefault("poller.first_poll_limit", 10)

	v.SetDefault("subscriptions.max_repos_per_user", 20)
	v.SetDefault("subscriptions.max_labels_per_repo", 10)
	v.SetDefault("subscriptions.default_labels", []string{"good first issue", "help wanted", "beginner-friendly"})

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", 10*time.Minute)
}

// Validate checks if all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram token is required")
	}
	if c.GitHub.Token == "" {
		return fmt.Errorf("github token is required")
	}
	if c.Poller.Interval < MinPollInterval {
		return fmt.Errorf("poller interval must be at least %d seconds, got %d", MinPollInterval, c.Poller.Interval)
	}
	if c.Poller.FetchConcurrency <= 0 {
		return fmt.Errorf("poller fetch_concurrency must be positive")
	}
	if c.Poller.DispatchConcurrency <= 0 {
		return fmt.Errorf("poller dispatch_concurrency must be positive")
	}
	if c.Subscriptions.MaxReposPerUser <= 0 {
		return fmt.Errorf("subscriptions max_repos_per_user must be positive")
	}
	if c.Subscriptions.MaxLabelsPerRepo <= 0 {
		return fmt.Errorf("subscriptions max_labels_per_repo must be positive")
	}
	if len(c.Subscriptions.DefaultLabels) > c.Subscriptions.MaxLabelsPerRepo {
		return fmt.Errorf("subscriptions default_labels exceed max_labels_per_repo")
	}
	if c.GitHub.IssuesPerFetch <= 0 || c.GitHub.IssuesPerFetch > 100 {
		return fmt.Errorf("github issues_per_fetch must be between 1 and 100")
	}
	return nil
}

// PollInterval returns the poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poller.Interval) * time.Second
}

// ServerAddress returns the full server address.
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
