package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultListen is the default panel listen address.
	DefaultListen = ":8080"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultSessionTTL matches the original 30-day session lifetime.
	DefaultSessionTTL = "720h"

	// DefaultSQLitePath is the default panel database location.
	DefaultSQLitePath = "./qapanel.db"

	// DefaultAgentTimeout is the default timeout for agent requests.
	DefaultAgentTimeout = "30s"

	// DefaultPollInterval is the default run polling period.
	DefaultPollInterval = "2s"

	// envPrefix is the prefix for environment variable overrides, e.g.
	// QAPANEL_AGENT_BASE_URL.
	envPrefix = "QAPANEL"
)

// Config is the root configuration for the panel.
type Config struct {
	Global   GlobalConfig   `yaml:"global" mapstructure:"global"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Auth     AuthConfig     `yaml:"auth" mapstructure:"auth"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Agent    AgentConfig    `yaml:"agent" mapstructure:"agent"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
	WebDir      string          `yaml:"web_dir,omitempty" mapstructure:"web_dir"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled" mapstructure:"enabled"`
	Auth          RateLimitTier `yaml:"auth,omitempty" mapstructure:"auth"`
	Authenticated RateLimitTier `yaml:"authenticated,omitempty" mapstructure:"authenticated"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	SessionTTL  string       `yaml:"session_ttl" mapstructure:"session_ttl"`
	AllowSignup bool         `yaml:"allow_signup" mapstructure:"allow_signup"`
	Users       []SeededUser `yaml:"users,omitempty" mapstructure:"users"`
}

// SeededUser defines a user seeded into the panel database from config.
type SeededUser struct {
	Email    string `yaml:"email" mapstructure:"email"`
	Password string `yaml:"password" mapstructure:"password"`
	Name     string `yaml:"name,omitempty" mapstructure:"name"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// AgentConfig points the panel at the remote browser-automation agent.
type AgentConfig struct {
	BaseURL      string `yaml:"base_url" mapstructure:"base_url"`
	Timeout      string `yaml:"timeout,omitempty" mapstructure:"timeout"`
	PollInterval string `yaml:"poll_interval,omitempty" mapstructure:"poll_interval"`
}

// Load reads one or more YAML config files, merging them in order, then
// applies QAPANEL_* environment variable overrides and defaults.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for i, path := range paths {
		v.SetConfigFile(path)

		var err error
		if i == 0 {
			err = v.ReadInConfig()
		} else {
			err = v.MergeInConfig()
		}

		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	// Bind every known key so env-only overrides work without a file entry.
	for _, key := range configKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// configKeys lists the scalar keys eligible for env overrides.
var configKeys = []string{
	"global.log_level",
	"server.listen",
	"server.web_dir",
	"auth.session_ttl",
	"auth.allow_signup",
	"database.driver",
	"database.sqlite.path",
	"database.postgres.host",
	"database.postgres.port",
	"database.postgres.user",
	"database.postgres.password",
	"database.postgres.database",
	"database.postgres.ssl_mode",
	"agent.base_url",
	"agent.timeout",
	"agent.poll_interval",
}

// applyDefaults sets default values for unspecified options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Auth.SessionTTL == "" {
		c.Auth.SessionTTL = DefaultSessionTTL
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Agent.Timeout == "" {
		c.Agent.Timeout = DefaultAgentTimeout
	}

	if c.Agent.PollInterval == "" {
		c.Agent.PollInterval = DefaultPollInterval
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Agent.BaseURL == "" {
		return fmt.Errorf("agent.base_url is required")
	}

	if _, err := time.ParseDuration(c.Agent.Timeout); err != nil {
		return fmt.Errorf("invalid agent.timeout %q: %w", c.Agent.Timeout, err)
	}

	if _, err := time.ParseDuration(c.Agent.PollInterval); err != nil {
		return fmt.Errorf(
			"invalid agent.poll_interval %q: %w", c.Agent.PollInterval, err,
		)
	}

	if _, err := time.ParseDuration(c.Auth.SessionTTL); err != nil {
		return fmt.Errorf(
			"invalid auth.session_ttl %q: %w", c.Auth.SessionTTL, err,
		)
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" ||
			c.Database.Postgres.Database == "" {
			return fmt.Errorf(
				"database.postgres.host and database.postgres.database are required",
			)
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	for i, u := range c.Auth.Users {
		if u.Email == "" || u.Password == "" {
			return fmt.Errorf("auth.users[%d]: email and password are required", i)
		}
	}

	return nil
}

// AgentTimeout returns the parsed agent request timeout.
func (c *Config) AgentTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Agent.Timeout)

	return d
}

// PollInterval returns the parsed run polling period.
func (c *Config) PollInterval() time.Duration {
	d, _ := time.ParseDuration(c.Agent.PollInterval)

	return d
}

// SessionTTL returns the parsed session lifetime.
func (c *Config) SessionTTL() time.Duration {
	d, _ := time.ParseDuration(c.Auth.SessionTTL)

	return d
}

// Redacted returns a copy with secrets blanked, for diagnostic output.
func (c *Config) Redacted() Config {
	out := *c

	if out.Database.Postgres.Password != "" {
		out.Database.Postgres.Password = "[redacted]"
	}

	out.Auth.Users = make([]SeededUser, len(c.Auth.Users))
	copy(out.Auth.Users, c.Auth.Users)

	for i := range out.Auth.Users {
		out.Auth.Users[i].Password = "[redacted]"
	}

	return out
}
