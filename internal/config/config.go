// Package config loads the client and development backend settings from
// the environment and optional .env files.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rcourtman/pagegen/internal/entitlements"
	"github.com/rcourtman/pagegen/internal/logging"
	"github.com/rs/zerolog/log"
)

// Session backends.
const (
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

var userConfigDir = os.UserConfigDir

// Config holds every setting. Fields map 1:1 onto environment variables.
type Config struct {
	APIURL         string        `env:"PAGEGEN_API_URL" envDefault:"http://127.0.0.1:8787"`
	DataDir        string        `env:"PAGEGEN_DATA_DIR"`
	Timeout        time.Duration `env:"PAGEGEN_TIMEOUT" envDefault:"60s"`
	VerifyTLS      bool          `env:"PAGEGEN_VERIFY_TLS" envDefault:"true"`
	TLSFingerprint string        `env:"PAGEGEN_TLS_FINGERPRINT"`

	SessionBackend string        `env:"PAGEGEN_SESSION_BACKEND" envDefault:"file"`
	RedisAddr      string        `env:"PAGEGEN_REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	RedisPassword  string        `env:"PAGEGEN_REDIS_PASSWORD"`
	RedisDB        int           `env:"PAGEGEN_REDIS_DB"`
	RedisPrefix    string        `env:"PAGEGEN_REDIS_PREFIX" envDefault:"pagegen:session:"`
	SessionTTL     time.Duration `env:"PAGEGEN_SESSION_TTL" envDefault:"720h"`

	SwitchMode  string `env:"PAGEGEN_SWITCH_MODE" envDefault:"server"`
	HistoryKeep int    `env:"PAGEGEN_HISTORY_KEEP" envDefault:"500"`
	MetricsFile string `env:"PAGEGEN_METRICS_FILE"`
	MockListen  string `env:"PAGEGEN_MOCK_LISTEN" envDefault:"127.0.0.1:8787"`

	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT" envDefault:"auto"`
	LogFile      string `env:"LOG_FILE"`
	LogMaxSizeMB int    `env:"LOG_MAX_SIZE" envDefault:"20"`
}

// Load reads <dataDir>/.env, then ./.env, then the process environment.
// Variables already set in the environment win over both files.
func Load() (*Config, error) {
	dataDir := strings.TrimSpace(os.Getenv("PAGEGEN_DATA_DIR"))
	if dataDir == "" {
		base, err := userConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolve config directory: %w", err)
		}
		dataDir = filepath.Join(base, "pagegen")
	}

	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Debug().Str("file", envFile).Msg("Loaded .env file")
		}
	}
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded configuration from .env in current directory")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = dataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks and normalizes the loaded values.
func (c *Config) Validate() error {
	c.APIURL = strings.TrimSpace(c.APIURL)
	if c.APIURL == "" {
		return errors.New("PAGEGEN_API_URL is required")
	}
	u, err := url.Parse(c.APIURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid PAGEGEN_API_URL %q", c.APIURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("PAGEGEN_API_URL must use http or https, got %q", u.Scheme)
	}

	if c.Timeout < time.Second {
		return fmt.Errorf("PAGEGEN_TIMEOUT must be at least 1s, got %s", c.Timeout)
	}

	c.SessionBackend = strings.ToLower(strings.TrimSpace(c.SessionBackend))
	switch c.SessionBackend {
	case BackendFile, BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			return errors.New("PAGEGEN_REDIS_ADDR is required for the redis session backend")
		}
	default:
		return fmt.Errorf("unknown PAGEGEN_SESSION_BACKEND %q (want file, redis or memory)", c.SessionBackend)
	}
	if c.SessionTTL < 0 {
		return errors.New("PAGEGEN_SESSION_TTL must not be negative")
	}

	if _, err := entitlements.ParseMode(c.SwitchMode); err != nil {
		return fmt.Errorf("PAGEGEN_SWITCH_MODE: %w", err)
	}
	if c.HistoryKeep < 0 {
		return errors.New("PAGEGEN_HISTORY_KEEP must not be negative")
	}
	return nil
}

// Mode returns the parsed product switch mode.
func (c *Config) Mode() entitlements.Mode {
	mode, _ := entitlements.ParseMode(c.SwitchMode)
	return mode
}

// Logging returns the logger configuration for component.
func (c *Config) Logging(component string) logging.Config {
	return logging.Config{
		Format:    c.LogFormat,
		Level:     c.LogLevel,
		Component: component,
		FilePath:  c.LogFile,
		MaxSizeMB: c.LogMaxSizeMB,
	}
}

// HistoryDir is where the generation history database lives.
func (c *Config) HistoryDir() string {
	return c.DataDir
}

// SessionDir is where the encrypted session file lives.
func (c *Config) SessionDir() string {
	return filepath.Join(c.DataDir, "session")
}
