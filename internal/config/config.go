// Package config loads application configuration from flags and
// environment variables (via viper), falling back to the local gh CLI's
// stored token when none is configured explicitly. No configuration file
// is read.
package config

import (
	"fmt"
	"time"

	ghauth "github.com/cli/go-gh/v2/pkg/auth"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/followstars/followstars/internal/domain/model"
)

// Config holds the fully resolved, validated application configuration.
type Config struct {
	Token       string
	DBPath      string
	APIBaseURL  string
	UserAgent   string
	TimeoutSecs int

	MaxConcurrency int
	FeedLength     int
	RefreshMinutes int

	Cadence model.CadenceConfig

	Bind        string
	Port        int
	ServePrefix string
}

// ConfigError reports a configuration value that failed validation, naming
// the offending key so operators can fix it without reading source.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Key, e.Reason)
}

// BindFlags registers the flags shared by every subcommand and binds them
// into v, so flag > env > default precedence holds uniformly.
func BindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := cmd.PersistentFlags()

	flags.String("token", "", "GitHub token (falls back to the gh CLI's stored token)")
	flags.String("db-path", "followstars.db", "path to the SQLite database file")
	flags.String("api-base-url", "", "override the GitHub API base URL (for testing against a mock)")
	flags.String("user-agent", "followstars/1.0", "User-Agent header sent on every request")
	flags.Int("timeout-secs", 30, "HTTP request timeout in seconds")

	flags.Int("max-concurrency", 4, "maximum number of users polled concurrently")
	flags.Int("feed-length", 100, "number of recent star events included in the RSS feed")
	flags.Int("refresh-minutes", 5, "how often the scheduler wakes to check for due users")

	flags.Int64("min-interval-minutes", 15, "minimum per-user polling interval")
	flags.Int64("max-interval-minutes", 1440, "maximum per-user polling interval")
	flags.Int64("default-interval-minutes", 360, "polling interval before enough samples exist to adapt")

	flags.String("bind", "127.0.0.1", "HTTP listen address")
	flags.Int("port", 8080, "HTTP listen port")
	flags.String("serve-prefix", "", "optional path prefix for all HTTP routes (e.g. /followstars)")

	return v.BindPFlags(flags)
}

// Load resolves Config from v, which must already have flags bound via
// BindFlags and environment variables enabled via AutomaticEnv with the
// FOLLOWSTARS_ prefix. Token falls back to the gh CLI's stored credential
// for github.com when unset.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DBPath:         v.GetString("db-path"),
		APIBaseURL:     v.GetString("api-base-url"),
		UserAgent:      v.GetString("user-agent"),
		TimeoutSecs:    v.GetInt("timeout-secs"),
		MaxConcurrency: v.GetInt("max-concurrency"),
		FeedLength:     v.GetInt("feed-length"),
		RefreshMinutes: v.GetInt("refresh-minutes"),
		Bind:           v.GetString("bind"),
		Port:           v.GetInt("port"),
		ServePrefix:    v.GetString("serve-prefix"),
		Cadence: model.CadenceConfig{
			MinIntervalMinutes:     v.GetInt64("min-interval-minutes"),
			MaxIntervalMinutes:     v.GetInt64("max-interval-minutes"),
			DefaultIntervalMinutes: v.GetInt64("default-interval-minutes"),
		},
	}

	token := v.GetString("token")
	if token == "" {
		if fallback, source := ghauth.TokenForHost("github.com"); fallback != "" {
			token = fallback
			_ = source // "keyring", "env", or "config"; not surfaced further.
		}
	}
	if token == "" {
		return nil, &ConfigError{Key: "token", Reason: "no token provided and none found via the gh CLI"}
	}
	cfg.Token = token

	if cfg.DBPath == "" {
		return nil, &ConfigError{Key: "db-path", Reason: "must not be empty"}
	}
	if cfg.MaxConcurrency < 1 {
		return nil, &ConfigError{Key: "max-concurrency", Reason: "must be at least 1"}
	}
	if cfg.FeedLength < 1 {
		return nil, &ConfigError{Key: "feed-length", Reason: "must be at least 1"}
	}
	if cfg.RefreshMinutes < 1 {
		return nil, &ConfigError{Key: "refresh-minutes", Reason: "must be at least 1"}
	}
	if cfg.TimeoutSecs < 1 {
		return nil, &ConfigError{Key: "timeout-secs", Reason: "must be at least 1"}
	}
	if cfg.Cadence.MinIntervalMinutes < 1 {
		return nil, &ConfigError{Key: "min-interval-minutes", Reason: "must be at least 1"}
	}
	if cfg.Cadence.MaxIntervalMinutes < cfg.Cadence.MinIntervalMinutes {
		return nil, &ConfigError{Key: "max-interval-minutes", Reason: "must be >= min-interval-minutes"}
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, &ConfigError{Key: "port", Reason: "must be between 1 and 65535"}
	}
	cfg.Cadence = cfg.Cadence.Normalize()

	return cfg, nil
}

// Timeout returns TimeoutSecs as a time.Duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// RefreshInterval returns RefreshMinutes as a time.Duration.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshMinutes) * time.Minute
}
