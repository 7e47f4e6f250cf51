package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/url"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/toolgate/internal/mcp"
)

// envPrefix is prepended to every environment override.
const envPrefix = "TOOLGATE"

// Defaults for the process-level settings.
const (
	DefaultListenAddr            = ":8090"
	DefaultShutdownTimeout       = 15 * time.Second
	DefaultServerShutdownTimeout = 5 * time.Second
	DefaultSweepInterval         = 30 * time.Second
	DefaultProbeInterval         = 15 * time.Second
	DefaultCounterRetention      = 5 * time.Minute
	DefaultReloadInterval        = 5 * time.Second
)

// envOverrides are the settings that may come from the environment. They win
// over the file so secrets need not be written to it.
type envOverrides struct {
	ListenAddr    string `envconfig:"LISTEN_ADDR"`
	LogLevel      string `envconfig:"LOG_LEVEL"`
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       *int   `envconfig:"REDIS_DB"`
	PostgresDSN   string `envconfig:"POSTGRES_DSN"`
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with environment overrides and defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides and defaults, and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadBytes is [LoadFromReader] over an in-memory document.
func LoadBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

func applyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	if env.ListenAddr != "" {
		cfg.Server.ListenAddr = env.ListenAddr
	}
	if env.LogLevel != "" {
		cfg.Server.LogLevel = LogLevel(env.LogLevel)
	}
	if env.RedisAddr != "" {
		cfg.Cache.Redis.Addr = env.RedisAddr
	}
	if env.RedisPassword != "" {
		cfg.Cache.Redis.Password = env.RedisPassword
	}
	if env.RedisDB != nil {
		cfg.Cache.Redis.DB = *env.RedisDB
	}
	if env.PostgresDSN != "" {
		cfg.Cache.PostgresDSN = env.PostgresDSN
	}
	return nil
}

func applyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	setDuration(&s.ShutdownTimeout, DefaultShutdownTimeout)
	setDuration(&s.ServerShutdownTimeout, DefaultServerShutdownTimeout)
	setDuration(&s.SweepInterval, DefaultSweepInterval)
	setDuration(&s.CounterRetention, DefaultCounterRetention)
	setDuration(&s.ReloadInterval, DefaultReloadInterval)
	// A negative probe interval disables probing.
	if s.ProbeInterval == 0 {
		s.ProbeInterval = DefaultProbeInterval
	}
	if cfg.Defaults.PoolExhaustion == "" {
		cfg.Defaults.PoolExhaustion = PoolFail
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v <= 0 {
		*v = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %.2f is out of range [0, 1]", r))
	}

	// Cache
	if cfg.Cache.L1Capacity < 0 {
		errs = append(errs, fmt.Errorf("cache.l1_capacity %d must not be negative", cfg.Cache.L1Capacity))
	}
	if cfg.Cache.L1TTL > 0 && cfg.Cache.L2TTL > 0 && cfg.Cache.L2TTL <= cfg.Cache.L1TTL {
		errs = append(errs, fmt.Errorf("cache.l2_ttl %s must be longer than cache.l1_ttl %s", cfg.Cache.L2TTL, cfg.Cache.L1TTL))
	}

	errs = append(errs, validateTuning("defaults", &cfg.Defaults)...)

	// Servers
	seen := make(map[string]int, len(cfg.Servers))
	for i, srv := range cfg.Servers {
		prefix := fmt.Sprintf("servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := seen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of servers[%d]", prefix, srv.Name, prev))
			}
			seen[srv.Name] = i
		}
		switch {
		case srv.Transport == "":
			errs = append(errs, fmt.Errorf("%s.transport is required", prefix))
		case !srv.Transport.IsValid():
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, http, websocket, streamable-http", prefix, srv.Transport))
		case srv.Transport == mcp.TransportStdio:
			if srv.Command == "" {
				errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
			}
		default:
			if srv.URL == "" {
				errs = append(errs, fmt.Errorf("%s.url is required when transport is %s", prefix, srv.Transport))
			} else if u, err := url.Parse(srv.URL); err != nil || u.Scheme == "" || u.Host == "" {
				errs = append(errs, fmt.Errorf("%s.url %q is not an absolute URL", prefix, srv.URL))
			}
		}
		if srv.Tuning != nil {
			errs = append(errs, validateTuning(prefix+".tuning", srv.Tuning)...)
		}
	}

	return errors.Join(errs...)
}

func validateTuning(prefix string, t *TuningConfig) []error {
	var errs []error
	if t.PoolExhaustion != "" && !t.PoolExhaustion.IsValid() {
		errs = append(errs, fmt.Errorf("%s.pool_exhaustion %q is invalid; valid values: fail, wait", prefix, t.PoolExhaustion))
	}
	for name, v := range map[string]int{
		"max_connections":     t.MaxConnections,
		"max_active_requests": t.MaxActiveRequests,
		"max_streams":         t.MaxStreams,
		"failure_threshold":   t.FailureThreshold,
		"success_threshold":   t.SuccessThreshold,
		"retry.max_attempts":  t.Retry.MaxAttempts,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s.%s %d must not be negative", prefix, name, v))
		}
	}
	if t.Retry.Multiplier != 0 && t.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("%s.retry.multiplier %.2f must be at least 1", prefix, t.Retry.Multiplier))
	}
	if t.Retry.MaxDelay > 0 && t.Retry.InitialDelay > t.Retry.MaxDelay {
		errs = append(errs, fmt.Errorf("%s.retry.initial_delay %s exceeds max_delay %s", prefix, t.Retry.InitialDelay, t.Retry.MaxDelay))
	}
	return errs
}

// ToServerConfigs converts the server list into invoker registrations. Each
// server's tuning is layered over the defaults block; fields left zero in
// both are filled by [mcp.Tuning.WithDefaults].
func ToServerConfigs(cfg *Config) []mcp.ServerConfig {
	out := make([]mcp.ServerConfig, 0, len(cfg.Servers))
	for _, srv := range cfg.Servers {
		out = append(out, ToServerConfig(cfg.Defaults, srv))
	}
	return out
}

// ToServerConfig converts one server entry.
func ToServerConfig(defaults TuningConfig, srv MCPServerConfig) mcp.ServerConfig {
	t := defaults
	if srv.Tuning != nil {
		t = mergeTuning(defaults, *srv.Tuning)
	}

	headers := maps.Clone(srv.Headers)
	if srv.Auth != nil && srv.Auth.Token != "" {
		if headers == nil {
			headers = make(map[string]string, 1)
		}
		headers["Authorization"] = "Bearer " + srv.Auth.Token
	}

	return mcp.ServerConfig{
		Name:      mcp.ServerID(srv.Name),
		Transport: srv.Transport,
		Command:   srv.Command,
		URL:       srv.URL,
		Env:       maps.Clone(srv.Env),
		Headers:   headers,
		Cacheable: append([]string(nil), srv.Cacheable...),
		RetrySafe: append([]string(nil), srv.RetrySafe...),
		Tuning:    t.toTuning().WithDefaults(),
	}
}

// mergeTuning returns base with every non-zero field of over applied.
func mergeTuning(base, over TuningConfig) TuningConfig {
	pickInt(&base.MaxConnections, over.MaxConnections)
	pickInt(&base.MaxActiveRequests, over.MaxActiveRequests)
	pickInt(&base.MaxStreams, over.MaxStreams)
	pickDuration(&base.IdleConnectionTimeout, over.IdleConnectionTimeout)
	pickDuration(&base.ConnectTimeout, over.ConnectTimeout)
	pickDuration(&base.ToolTimeout, over.ToolTimeout)
	pickDuration(&base.DegradedLatency, over.DegradedLatency)
	pickInt(&base.FailureThreshold, over.FailureThreshold)
	pickDuration(&base.FailureWindow, over.FailureWindow)
	pickDuration(&base.RecoveryTimeout, over.RecoveryTimeout)
	pickInt(&base.SuccessThreshold, over.SuccessThreshold)
	if over.PoolExhaustion != "" {
		base.PoolExhaustion = over.PoolExhaustion
	}
	pickDuration(&base.PoolWaitTimeout, over.PoolWaitTimeout)
	pickInt(&base.Retry.MaxAttempts, over.Retry.MaxAttempts)
	pickDuration(&base.Retry.InitialDelay, over.Retry.InitialDelay)
	pickDuration(&base.Retry.MaxDelay, over.Retry.MaxDelay)
	if over.Retry.Multiplier != 0 {
		base.Retry.Multiplier = over.Retry.Multiplier
	}
	if over.Retry.Jitter != nil {
		base.Retry.Jitter = over.Retry.Jitter
	}
	return base
}

func pickInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func pickDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

func (t TuningConfig) toTuning() mcp.Tuning {
	return mcp.Tuning{
		MaxConnections:        t.MaxConnections,
		MaxActiveRequests:     t.MaxActiveRequests,
		MaxStreams:            t.MaxStreams,
		IdleConnectionTimeout: t.IdleConnectionTimeout,
		ConnectTimeout:        t.ConnectTimeout,
		ToolTimeout:           t.ToolTimeout,
		DegradedLatency:       t.DegradedLatency,
		FailureThreshold:      t.FailureThreshold,
		FailureWindow:         t.FailureWindow,
		RecoveryTimeout:       t.RecoveryTimeout,
		SuccessThreshold:      t.SuccessThreshold,
		PoolWait:              t.PoolExhaustion == PoolWait,
		PoolWaitTimeout:       t.PoolWaitTimeout,
		RetryMaxAttempts:      t.Retry.MaxAttempts,
		RetryInitialDelay:     t.Retry.InitialDelay,
		RetryMaxDelay:         t.Retry.MaxDelay,
		RetryMultiplier:       t.Retry.Multiplier,
		RetryJitter:           t.Retry.Jitter != nil && *t.Retry.Jitter,
	}
}
