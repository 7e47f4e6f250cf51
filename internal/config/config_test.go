package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/toolgate/internal/config"
	"github.com/MrWong99/toolgate/internal/mcp"
)

const fullYAML = `
server:
  listen_addr: ":9100"
  log_level: debug
  shutdown_timeout: 20s
  server_shutdown_timeout: 3s
  sweep_interval: 10s
  probe_interval: 5s
cache:
  l1_capacity: 50
  l1_ttl: 1m
  l2_ttl: 10m
  redis:
    addr: localhost:6379
    db: 2
defaults:
  max_connections: 2
  tool_timeout: 10s
  pool_exhaustion: wait
  retry:
    max_attempts: 3
    jitter: true
servers:
  - name: fs
    transport: stdio
    command: "mcp-fs --root /data"
    env:
      FS_MODE: ro
    cacheable: [read_file]
    retry_safe: [list_dir]
  - name: web
    transport: http
    url: http://localhost:9000/rpc
    auth:
      token: secret
    tuning:
      max_connections: 8
      pool_exhaustion: fail
      retry:
        jitter: false
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9100" {
		t.Errorf("listen_addr = %q, want :9100", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q, want debug", cfg.Server.LogLevel)
	}
	if cfg.Server.ShutdownTimeout != 20*time.Second {
		t.Errorf("shutdown_timeout = %s, want 20s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Cache.L1Capacity != 50 || cfg.Cache.L2TTL != 10*time.Minute {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Cache.Redis.Addr != "localhost:6379" || cfg.Cache.Redis.DB != 2 {
		t.Errorf("redis = %+v", cfg.Cache.Redis)
	}
	if len(cfg.Servers) != 2 {
		t.Fatalf("servers = %d, want 2", len(cfg.Servers))
	}
	if cfg.Servers[0].Transport != mcp.TransportStdio || cfg.Servers[0].Env["FS_MODE"] != "ro" {
		t.Errorf("servers[0] = %+v", cfg.Servers[0])
	}
	if cfg.Servers[1].Tuning == nil || cfg.Servers[1].Tuning.MaxConnections != 8 {
		t.Errorf("servers[1].tuning = %+v", cfg.Servers[1].Tuning)
	}
}

func TestLoadFromReader_EmptyIsValid(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("empty config should be valid, got: %v", err)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr = %q, want default", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Server.ShutdownTimeout != config.DefaultShutdownTimeout {
		t.Errorf("shutdown_timeout = %s, want default", cfg.Server.ShutdownTimeout)
	}
	if cfg.Server.ProbeInterval != config.DefaultProbeInterval {
		t.Errorf("probe_interval = %s, want default", cfg.Server.ProbeInterval)
	}
	if cfg.Defaults.PoolExhaustion != config.PoolFail {
		t.Errorf("pool_exhaustion = %q, want fail", cfg.Defaults.PoolExhaustion)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":1\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"log level", "server:\n  log_level: verbose\n", "log_level"},
		{"tls half", "server:\n  tls:\n    cert_file: a.pem\n", "cert_file and key_file"},
		{"sample ratio", "server:\n  trace_sample_ratio: 2\n", "trace_sample_ratio"},
		{"cache ttl order", "cache:\n  l1_ttl: 1h\n  l2_ttl: 1m\n", "l2_ttl"},
		{"pool exhaustion", "defaults:\n  pool_exhaustion: block\n", "pool_exhaustion"},
		{"negative", "defaults:\n  max_connections: -1\n", "max_connections"},
		{"multiplier", "defaults:\n  retry:\n    multiplier: 0.5\n", "multiplier"},
		{"missing name", "servers:\n  - transport: stdio\n    command: x\n", "name is required"},
		{"missing transport", "servers:\n  - name: a\n", "transport is required"},
		{"bad transport", "servers:\n  - name: a\n    transport: grpc\n", "invalid"},
		{"stdio command", "servers:\n  - name: a\n    transport: stdio\n", "command is required"},
		{"http url", "servers:\n  - name: a\n    transport: http\n", "url is required"},
		{"relative url", "servers:\n  - name: a\n    transport: websocket\n    url: /rpc\n", "absolute URL"},
		{"duplicate", "servers:\n  - name: a\n    transport: stdio\n    command: x\n  - name: a\n    transport: stdio\n    command: y\n", "duplicate"},
		{"server tuning", "servers:\n  - name: a\n    transport: stdio\n    command: x\n    tuning:\n      pool_exhaustion: maybe\n", "servers[0].tuning.pool_exhaustion"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  log_level: loud
servers:
  - name: a
    transport: stdio
  - transport: http
    url: http://x
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"log_level", "command is required", "servers[1].name is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}
