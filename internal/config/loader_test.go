package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/toolgate/internal/config"
	"github.com/MrWong99/toolgate/internal/mcp"
)

func TestLoad_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "toolgate.yaml")
	if err := os.WriteFile(path, []byte(fullYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Servers) != 2 {
		t.Errorf("servers = %d, want 2", len(cfg.Servers))
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

// Environment tests cannot run in parallel with t.Setenv.

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("TOOLGATE_LISTEN_ADDR", ":7000")
	t.Setenv("TOOLGATE_LOG_LEVEL", "warn")
	t.Setenv("TOOLGATE_REDIS_ADDR", "redis:6380")
	t.Setenv("TOOLGATE_REDIS_PASSWORD", "hunter2")
	t.Setenv("TOOLGATE_REDIS_DB", "0")
	t.Setenv("TOOLGATE_POSTGRES_DSN", "postgres://db/toolgate")

	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":7000" {
		t.Errorf("listen_addr = %q, want :7000", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("log_level = %q, want warn", cfg.Server.LogLevel)
	}
	if cfg.Cache.Redis.Addr != "redis:6380" || cfg.Cache.Redis.Password != "hunter2" {
		t.Errorf("redis = %+v", cfg.Cache.Redis)
	}
	// An explicit 0 from the environment overrides db: 2 from the file.
	if cfg.Cache.Redis.DB != 0 {
		t.Errorf("redis db = %d, want 0", cfg.Cache.Redis.DB)
	}
	if cfg.Cache.PostgresDSN != "postgres://db/toolgate" {
		t.Errorf("postgres_dsn = %q", cfg.Cache.PostgresDSN)
	}
}

func TestLoad_EnvironmentIsValidated(t *testing.T) {
	t.Setenv("TOOLGATE_LOG_LEVEL", "chatty")

	if _, err := config.LoadFromReader(strings.NewReader("")); err == nil {
		t.Fatal("expected the invalid log level from the environment to be rejected")
	}
}

func TestLoad_EnvironmentBadInt(t *testing.T) {
	t.Setenv("TOOLGATE_REDIS_DB", "two")

	if _, err := config.LoadFromReader(strings.NewReader("")); err == nil {
		t.Fatal("expected an error for a non-numeric TOOLGATE_REDIS_DB")
	}
}

// ─── ToServerConfigs ─────────────────────────────────────────────────────────

func TestToServerConfigs_LayersTuning(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	scs := config.ToServerConfigs(cfg)
	if len(scs) != 2 {
		t.Fatalf("got %d server configs, want 2", len(scs))
	}

	fs, web := scs[0], scs[1]

	// fs inherits the defaults block.
	if fs.Name != "fs" || fs.Command != "mcp-fs --root /data" {
		t.Errorf("fs = %+v", fs)
	}
	if fs.Tuning.MaxConnections != 2 {
		t.Errorf("fs max_connections = %d, want 2 from defaults", fs.Tuning.MaxConnections)
	}
	if fs.Tuning.ToolTimeout != 10*time.Second {
		t.Errorf("fs tool_timeout = %s, want 10s from defaults", fs.Tuning.ToolTimeout)
	}
	if !fs.Tuning.PoolWait || !fs.Tuning.RetryJitter || fs.Tuning.RetryMaxAttempts != 3 {
		t.Errorf("fs tuning = %+v, want wait policy, jitter and 3 attempts", fs.Tuning)
	}
	// Unset in both: built-in default.
	if fs.Tuning.FailureThreshold != mcp.DefaultFailureThreshold {
		t.Errorf("fs failure_threshold = %d, want built-in default", fs.Tuning.FailureThreshold)
	}
	if len(fs.Cacheable) != 1 || fs.Cacheable[0] != "read_file" {
		t.Errorf("fs cacheable = %v", fs.Cacheable)
	}

	// web overrides some fields and keeps the rest.
	if web.Tuning.MaxConnections != 8 {
		t.Errorf("web max_connections = %d, want 8", web.Tuning.MaxConnections)
	}
	if web.Tuning.ToolTimeout != 10*time.Second {
		t.Errorf("web tool_timeout = %s, want 10s from defaults", web.Tuning.ToolTimeout)
	}
	if web.Tuning.PoolWait {
		t.Error("web should use the fail policy")
	}
	if web.Tuning.RetryJitter {
		t.Error("web should have jitter switched off")
	}
	if web.Tuning.RetryMaxAttempts != 3 {
		t.Errorf("web retry attempts = %d, want 3 from defaults", web.Tuning.RetryMaxAttempts)
	}
	if got := web.Headers["Authorization"]; got != "Bearer secret" {
		t.Errorf("Authorization = %q, want bearer token", got)
	}
}

func TestToServerConfig_DoesNotAliasInput(t *testing.T) {
	t.Parallel()

	srv := config.MCPServerConfig{
		Name:      "fs",
		Transport: mcp.TransportHTTP,
		URL:       "http://x",
		Headers:   map[string]string{"X-A": "1"},
		Auth:      &config.MCPAuthConfig{Token: "t"},
	}
	sc := config.ToServerConfig(config.TuningConfig{}, srv)
	if _, ok := srv.Headers["Authorization"]; ok {
		t.Error("ToServerConfig must not write into the input headers")
	}
	if sc.Headers["X-A"] != "1" {
		t.Errorf("headers = %v", sc.Headers)
	}
}
