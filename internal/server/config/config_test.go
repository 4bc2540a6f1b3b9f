package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FERRY_CONFIG", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" || cfg.DatabaseDriver != "postgres" || cfg.StorageBackend != "filesystem" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.SweepInterval != time.Hour {
		t.Errorf("expected 1h sweep interval, got %v", cfg.SweepInterval)
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("FERRY_CONFIG", "")
	t.Setenv("PORT", "9090")
	t.Setenv("BASE_URL", "https://files.example.com/")
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("SWEEP_INTERVAL", "30m")
	t.Setenv("ORPHAN_GRACE", "2")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("RATE_LIMIT_BURST", "notanumber")
	t.Setenv("MINIO_USE_SSL", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"port", cfg.Port, "9090"},
		{"base url trimmed", cfg.BaseURL, "https://files.example.com"},
		{"driver", cfg.DatabaseDriver, "sqlite"},
		{"duration string", cfg.SweepInterval, 30 * time.Minute},
		{"duration hours", cfg.OrphanGrace, 2 * time.Hour},
		{"float", cfg.RateLimitRPS, 2.5},
		{"bad int keeps default", cfg.RateLimitBurst, 20},
		{"bool", cfg.Minio.UseSSL, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ferry.yaml")
	yaml := `
port: "7000"
storageBackend: minio
minio:
  endpoint: minio:9000
  bucket: uploads
  useSSL: true
sweepInterval: 15m
logLevel: debug
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FERRY_CONFIG", path)
	t.Setenv("PORT", "7001")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "7001" {
		t.Errorf("expected env to override file, got port %s", cfg.Port)
	}
	if cfg.StorageBackend != "minio" || cfg.Minio.Endpoint != "minio:9000" || cfg.Minio.Bucket != "uploads" || !cfg.Minio.UseSSL {
		t.Errorf("unexpected minio config %+v", cfg.Minio)
	}
	if cfg.SweepInterval != 15*time.Minute {
		t.Errorf("expected 15m, got %v", cfg.SweepInterval)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Errorf("expected debug level, got %v", cfg.SlogLevel())
	}
	if cfg.DatabaseDriver != "postgres" {
		t.Errorf("expected unset keys to keep defaults, got %s", cfg.DatabaseDriver)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		t.Setenv("FERRY_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
		if _, err := Load(); err == nil {
			t.Error("expected error")
		}
	})

	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"unknown driver", map[string]string{"DATABASE_DRIVER": "mysql"}, "unsupported database driver"},
		{"unknown backend", map[string]string{"STORAGE_BACKEND": "ftp"}, "unsupported storage backend"},
		{"minio without endpoint", map[string]string{"STORAGE_BACKEND": "minio"}, "MINIO_ENDPOINT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("FERRY_CONFIG", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"loud", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := (&Config{LogLevel: tt.in}).SlogLevel(); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
