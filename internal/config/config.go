// Package config loads server configuration from command-line flags,
// CLOUDFLYER_* environment variables, and an optional config file.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "CLOUDFLYER"

const (
	keyClientKey       = "client-key"
	keyMaxTasks        = "max-tasks"
	keyHost            = "host"
	keyPort            = "port"
	keyTimeout         = "timeout"
	keyCancelGrace     = "cancel-grace"
	keyStore           = "store"
	keyDBPath          = "db-path"
	keyRedisAddr       = "redis-addr"
	keyNATSURL         = "nats-url"
	keyRetention       = "retention"
	keySweepInterval   = "sweep-interval"
	keyAllowLocalProxy = "allow-local-proxy"
	keyUpstreamProxy   = "upstream-proxy"
	keyLinksocksPath   = "linksocks-path"
	keyLogLevel        = "log-level"
	keyConfig          = "config"
)

// Config holds application configuration. It is immutable after Load.
type Config struct {
	ClientKey       string        `validate:"required"`
	MaxTasks        int           `validate:"min=1"`
	Host            string        `validate:"required"`
	Port            int           `validate:"gt=0,lt=65536"`
	Timeout         time.Duration `validate:"gt=0"`
	CancelGrace     time.Duration `validate:"gt=0"`
	Store           string        `validate:"oneof=memory sqlite redis"`
	DBPath          string        `validate:"required_if=Store sqlite"`
	RedisAddr       string        `validate:"required_if=Store redis"`
	NATSURL         string
	Retention       time.Duration `validate:"gt=0"`
	SweepInterval   time.Duration `validate:"gt=0"`
	AllowLocalProxy bool
	UpstreamProxy   string `validate:"omitempty,url"`
	LinksocksPath   string `validate:"required"`
	LogLevel        slog.Level
}

// ListenAddr is the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("cloudflyer", pflag.ContinueOnError)
	fs.StringP(keyClientKey, "K", "", "client API key (required)")
	fs.IntP(keyMaxTasks, "M", 1, "maximum concurrent tasks")
	fs.StringP(keyHost, "H", "localhost", "server listen host")
	fs.IntP(keyPort, "P", 3000, "server listen port")
	fs.IntP(keyTimeout, "T", 120, "maximum task timeout in seconds")
	fs.Duration(keyCancelGrace, 10*time.Second, "how long a cancelled solver may keep its slot")
	fs.String(keyStore, "memory", "task store driver: memory, sqlite or redis")
	fs.String(keyDBPath, "cloudflyer.db", "SQLite database path")
	fs.String(keyRedisAddr, "localhost:6379", "Redis address")
	fs.String(keyNATSURL, "", "NATS URL for task lifecycle events (disabled when empty)")
	fs.Duration(keyRetention, 24*time.Hour, "how long finished tasks are kept")
	fs.Duration(keySweepInterval, 5*time.Minute, "how often expired tasks are purged")
	fs.Bool(keyAllowLocalProxy, false, "accept proxies on localhost")
	fs.String(keyUpstreamProxy, "", "default proxy URL for tasks without one")
	fs.String(keyLinksocksPath, "linksocks", "linksocks client binary")
	fs.String(keyLogLevel, "info", "log level: debug, info, warn or error")
	fs.String(keyConfig, "", "optional config file (yaml, toml or json)")
	return fs
}

// Load parses args and merges them over the environment and the config
// file. Flags set on the command line win, then CLOUDFLYER_* variables, then
// the file, then defaults. pflag.ErrHelp is returned for -h/--help.
func Load(args []string) (*Config, error) {
	fs := newFlagSet()
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	if path := v.GetString(keyConfig); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		ClientKey:       v.GetString(keyClientKey),
		MaxTasks:        v.GetInt(keyMaxTasks),
		Host:            v.GetString(keyHost),
		Port:            v.GetInt(keyPort),
		Timeout:         time.Duration(v.GetInt(keyTimeout)) * time.Second,
		CancelGrace:     v.GetDuration(keyCancelGrace),
		Store:           strings.ToLower(v.GetString(keyStore)),
		DBPath:          v.GetString(keyDBPath),
		RedisAddr:       v.GetString(keyRedisAddr),
		NATSURL:         v.GetString(keyNATSURL),
		Retention:       v.GetDuration(keyRetention),
		SweepInterval:   v.GetDuration(keySweepInterval),
		AllowLocalProxy: v.GetBool(keyAllowLocalProxy),
		UpstreamProxy:   v.GetString(keyUpstreamProxy),
		LinksocksPath:   v.GetString(keyLinksocksPath),
		LogLevel:        parseLogLevel(v.GetString(keyLogLevel)),
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Usage returns the flag help text.
func Usage() string {
	return newFlagSet().FlagUsages()
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
