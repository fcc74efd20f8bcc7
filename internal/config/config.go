package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	DefaultLLMURL = "http://127.0.0.1:8000"
	exportKeyID   = "default"
)

var (
	ErrMissingDatabaseDSN = errors.New("DB_DSN is required")
	ErrMissingLLMURL      = errors.New("LLM_API_URL is required")
	ErrInvalidDriver      = errors.New("DB_DRIVER must be 'sqlite' or 'postgres'")
)

type Config struct {
	DB      DBConfig
	LLM     LLMConfig
	Redis   RedisConfig
	Rate    RateConfig
	Metrics MetricsConfig
	Export  ExportConfig
	CLI     CLIConfig
	Log     LogConfig
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type LLMConfig struct {
	BaseURL     string
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// RedisConfig is optional. An empty Addr disables the rate limiter.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RateConfig struct {
	PerHour int64
}

type MetricsConfig struct {
	Addr string
}

type ExportConfig struct {
	Dir   string
	KeyID string
	// Key is nil when exports are written in clear.
	Key []byte
}

type CLIConfig struct {
	MaxFailures int
}

type LogConfig struct {
	Level string
	File  string
}

// Load reads the environment. A .env file in the working directory, or the
// files listed as arguments, is loaded first without overriding variables
// already set.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	cfg := &Config{
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", DriverSQLite)),
			DSN:         mustEnv("DB_DSN", "file:ensaigpt.db?_pragma=foreign_keys(1)"),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		LLM: LLMConfig{
			BaseURL:     mustEnv("LLM_API_URL", DefaultLLMURL),
			Timeout:     mustDuration("LLM_TIMEOUT", 30*time.Second),
			MaxRetries:  mustInt("LLM_MAX_RETRIES", 0),
			BackoffBase: mustDuration("LLM_BACKOFF_BASE", 400*time.Millisecond),
			Temperature: mustFloat("LLM_TEMPERATURE", 0.7),
			TopP:        mustFloat("LLM_TOP_P", 1),
			MaxTokens:   mustInt("LLM_MAX_TOKENS", 512),
		},
		Redis: RedisConfig{
			Addr:     mustEnv("REDIS_ADDR", ""),
			Password: mustEnv("REDIS_PASSWORD", ""),
			DB:       mustInt("REDIS_DB", 0),
		},
		Rate: RateConfig{
			PerHour: mustInt64("RATE_LIMIT_PER_HOUR", 30),
		},
		Metrics: MetricsConfig{
			Addr: mustEnv("METRICS_ADDR", ""),
		},
		Export: ExportConfig{
			Dir: mustEnv("EXPORT_DIR", "."),
		},
		CLI: CLIConfig{
			MaxFailures: mustInt("CLI_MAX_FAILURES", 3),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
			File:  mustEnv("LOG_FILE", "logs/ensaigpt.log"),
		},
	}

	if cfg.DB.Driver == "sqlite3" {
		cfg.DB.Driver = DriverSQLite
	}
	if cfg.DB.Driver == "postgresql" || cfg.DB.Driver == "pgx" {
		cfg.DB.Driver = DriverPostgres
	}
	if cfg.DB.Driver != DriverSQLite && cfg.DB.Driver != DriverPostgres {
		return nil, ErrInvalidDriver
	}
	if cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}
	if cfg.LLM.BaseURL == "" {
		return nil, ErrMissingLLMURL
	}
	if cfg.CLI.MaxFailures <= 0 {
		cfg.CLI.MaxFailures = 3
	}

	key, err := loadExportKey()
	if err != nil {
		return nil, err
	}
	if key != nil {
		cfg.Export.KeyID = exportKeyID
		cfg.Export.Key = key
	}

	return cfg, nil
}

func loadExportKey() ([]byte, error) {
	b64 := mustEnv("EXPORT_KEY_B64", "")
	if b64 == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode EXPORT_KEY_B64: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("EXPORT_KEY_B64 must be 32 bytes after base64 decode")
	}
	return raw, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustInt64(key string, def int64) int64 {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func mustFloat(key string, def float64) float64 {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
