package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_DRIVER", "")
	t.Setenv("DB_DSN", "")
	t.Setenv("EXPORT_KEY_B64", "")
	t.Setenv("LLM_TIMEOUT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DB.Driver != DriverSQLite || cfg.DB.DSN == "" || !cfg.DB.AutoMigrate {
		t.Fatalf("unexpected db config %+v", cfg.DB)
	}
	if cfg.LLM.Timeout != 30*time.Second || cfg.LLM.MaxRetries != 0 {
		t.Fatalf("unexpected llm config %+v", cfg.LLM)
	}
	if cfg.CLI.MaxFailures != 3 {
		t.Fatalf("expected 3 max failures, got %d", cfg.CLI.MaxFailures)
	}
	if cfg.Export.Key != nil {
		t.Fatalf("export key must be unset by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "PostgreSQL")
	t.Setenv("DB_DSN", "postgres://u:p@localhost/ensaigpt")
	t.Setenv("LLM_TEMPERATURE", "1.2")
	t.Setenv("LLM_TIMEOUT", "5s")
	t.Setenv("RATE_LIMIT_PER_HOUR", "12")
	t.Setenv("CLI_MAX_FAILURES", "not-a-number")
	t.Setenv("EXPORT_KEY_B64", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DB.Driver != DriverPostgres {
		t.Fatalf("expected postgres driver, got %q", cfg.DB.Driver)
	}
	if cfg.LLM.Temperature != 1.2 || cfg.LLM.Timeout != 5*time.Second {
		t.Fatalf("unexpected llm config %+v", cfg.LLM)
	}
	if cfg.Rate.PerHour != 12 {
		t.Fatalf("expected rate 12, got %d", cfg.Rate.PerHour)
	}
	if cfg.CLI.MaxFailures != 3 {
		t.Fatalf("invalid int must fall back to default, got %d", cfg.CLI.MaxFailures)
	}
	if len(cfg.Export.Key) != 32 || cfg.Export.KeyID == "" {
		t.Fatalf("export key not loaded: %+v", cfg.Export)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("DB_DRIVER", "oracle")
	if _, err := Load(); !errors.Is(err, ErrInvalidDriver) {
		t.Fatalf("expected ErrInvalidDriver, got %v", err)
	}

	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("EXPORT_KEY_B64", "c2hvcnQ=")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for short export key")
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("METRICS_ADDR=:9100\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Unsetenv("METRICS_ADDR")
	})
	_ = os.Unsetenv("METRICS_ADDR")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Metrics.Addr != ":9100" {
		t.Fatalf("expected metrics addr from env file, got %q", cfg.Metrics.Addr)
	}
}
