// Package config loads runtime settings for the ezchat service from an
// optional YAML file, a .env file and EZCHAT_ prefixed environment variables.
package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// ServerConfig holds the listener and WebSocket transport settings.
type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	StaticDir       string        `mapstructure:"static_dir"`
}

// DatabaseConfig points at the SQLite file backing users and messages.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SessionConfig controls the session cookie and its lifetime.
type SessionConfig struct {
	TTL          time.Duration `mapstructure:"ttl"`
	CookieName   string        `mapstructure:"cookie_name"`
	SecureCookie bool          `mapstructure:"secure_cookie"`
}

// AuthConfig holds password hashing, reset token and login throttling settings.
type AuthConfig struct {
	BcryptCost        int           `mapstructure:"bcrypt_cost"`
	ResetTTL          time.Duration `mapstructure:"reset_ttl"`
	LoginRateBurst    int           `mapstructure:"login_rate_burst"`
	LoginRateInterval time.Duration `mapstructure:"login_rate_interval"`
}

// SMTPConfig configures outgoing password reset mail. An empty Host makes
// the service log mail instead of sending it.
type SMTPConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	User string `mapstructure:"user"`
	Pass string `mapstructure:"pass"`
	From string `mapstructure:"from"`
}

// AppConfig holds chat and link settings.
type AppConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	HistoryLimit  int           `mapstructure:"history_limit"`
	MaxTextLength int           `mapstructure:"max_text_length"`
	StoreTimeout  time.Duration `mapstructure:"store_timeout"`
}

// LogConfig selects the log level and output format ("text" or "json").
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the complete service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Session  SessionConfig  `mapstructure:"session"`
	Auth     AuthConfig     `mapstructure:"auth"`
	SMTP     SMTPConfig     `mapstructure:"smtp"`
	App      AppConfig      `mapstructure:"app"`
	Log      LogConfig      `mapstructure:"log"`
}

// Default returns a Config populated with default values for all settings.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            ":3000",
			AllowedOrigins:  []string{"http://localhost:3000"},
			MaxMessageSize:  4096,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "ezchat.db",
		},
		Session: SessionConfig{
			TTL:        24 * time.Hour,
			CookieName: "ezchat_session",
		},
		Auth: AuthConfig{
			BcryptCost:        12,
			ResetTTL:          time.Hour,
			LoginRateBurst:    5,
			LoginRateInterval: time.Minute,
		},
		SMTP: SMTPConfig{
			Port: 465,
			From: "noreply@ezwaymortgage.com",
		},
		App: AppConfig{
			MaxTextLength: 1000,
			StoreTimeout:  5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Sanitize replaces unusable values with their defaults.
func Sanitize(cfg Config) Config {
	def := Default()

	if cfg.Server.Port == "" {
		cfg.Server.Port = def.Server.Port
	}
	if !strings.Contains(cfg.Server.Port, ":") {
		cfg.Server.Port = ":" + cfg.Server.Port
	}
	if cfg.Server.MaxMessageSize <= 0 {
		cfg.Server.MaxMessageSize = def.Server.MaxMessageSize
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	cfg.Server.AllowedOrigins = parseOrigins(cfg.Server.AllowedOrigins)

	if cfg.Database.Path == "" {
		cfg.Database.Path = def.Database.Path
	}

	if cfg.Session.TTL <= 0 {
		cfg.Session.TTL = def.Session.TTL
	}
	if cfg.Session.CookieName == "" {
		cfg.Session.CookieName = def.Session.CookieName
	}

	if cfg.Auth.BcryptCost < 4 || cfg.Auth.BcryptCost > 31 {
		cfg.Auth.BcryptCost = def.Auth.BcryptCost
	}
	if cfg.Auth.ResetTTL <= 0 {
		cfg.Auth.ResetTTL = def.Auth.ResetTTL
	}
	if cfg.Auth.LoginRateBurst <= 0 {
		cfg.Auth.LoginRateBurst = def.Auth.LoginRateBurst
	}
	if cfg.Auth.LoginRateInterval <= 0 {
		cfg.Auth.LoginRateInterval = def.Auth.LoginRateInterval
	}

	if cfg.SMTP.Port <= 0 {
		cfg.SMTP.Port = def.SMTP.Port
	}
	if cfg.SMTP.From == "" {
		if cfg.SMTP.User != "" {
			cfg.SMTP.From = cfg.SMTP.User
		} else {
			cfg.SMTP.From = def.SMTP.From
		}
	}

	if cfg.App.HistoryLimit < 0 {
		cfg.App.HistoryLimit = 0
	}
	if cfg.App.MaxTextLength <= 0 {
		cfg.App.MaxTextLength = def.App.MaxTextLength
	}
	if cfg.App.StoreTimeout <= 0 {
		cfg.App.StoreTimeout = def.App.StoreTimeout
	}
	cfg.App.BaseURL = strings.TrimRight(cfg.App.BaseURL, "/")

	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}

	return cfg
}

// Load reads configuration from path. When path is empty, config.yaml in
// the working directory is used if present. A .env file in the working
// directory is applied to the environment first; EZCHAT_ variables override
// file values (EZCHAT_SERVER_PORT overrides server.port).
func Load(path string) (Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("EZCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, errors.Wrap(err, "read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}

	return Sanitize(cfg), nil
}

// setDefaults registers every key so AutomaticEnv can override keys that
// are absent from the file.
func setDefaults(v *viper.Viper, def Config) {
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.allowed_origins", def.Server.AllowedOrigins)
	v.SetDefault("server.max_message_size", def.Server.MaxMessageSize)
	v.SetDefault("server.shutdown_timeout", def.Server.ShutdownTimeout)
	v.SetDefault("server.static_dir", def.Server.StaticDir)
	v.SetDefault("database.path", def.Database.Path)
	v.SetDefault("session.ttl", def.Session.TTL)
	v.SetDefault("session.cookie_name", def.Session.CookieName)
	v.SetDefault("session.secure_cookie", def.Session.SecureCookie)
	v.SetDefault("auth.bcrypt_cost", def.Auth.BcryptCost)
	v.SetDefault("auth.reset_ttl", def.Auth.ResetTTL)
	v.SetDefault("auth.login_rate_burst", def.Auth.LoginRateBurst)
	v.SetDefault("auth.login_rate_interval", def.Auth.LoginRateInterval)
	v.SetDefault("smtp.host", def.SMTP.Host)
	v.SetDefault("smtp.port", def.SMTP.Port)
	v.SetDefault("smtp.user", def.SMTP.User)
	v.SetDefault("smtp.pass", def.SMTP.Pass)
	v.SetDefault("smtp.from", def.SMTP.From)
	v.SetDefault("app.base_url", def.App.BaseURL)
	v.SetDefault("app.history_limit", def.App.HistoryLimit)
	v.SetDefault("app.max_text_length", def.App.MaxTextLength)
	v.SetDefault("app.store_timeout", def.App.StoreTimeout)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
}

// parseOrigins accepts both list entries and comma separated values, which
// is how a list arrives from an environment variable.
func parseOrigins(origins []string) []string {
	var out []string
	for _, entry := range origins {
		for _, part := range strings.Split(entry, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
