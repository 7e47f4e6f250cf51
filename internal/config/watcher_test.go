package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/toolgate/internal/config"
)

const oneServerYAML = `
server:
  log_level: info
servers:
  - name: fs
    transport: stdio
    command: mcp-fs
`

const twoServersYAML = `
server:
  log_level: debug
servers:
  - name: fs
    transport: stdio
    command: mcp-fs
  - name: web
    transport: http
    url: http://localhost:9000/rpc
`

// Invalid: the http server has no URL.
const brokenYAML = `
servers:
  - name: web
    transport: http
`

const pollInterval = 20 * time.Millisecond

// watchedFile writes content to a fresh config file and returns its path.
func watchedFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toolgate.yaml")
	rewrite(t, path, content)
	return path
}

// rewrite replaces the file and moves its mtime past the previous one so the
// poller sees a change even on filesystems with coarse timestamps.
func rewrite(t *testing.T, path, content string) {
	t.Helper()
	prev := time.Now()
	if info, err := os.Stat(path); err == nil {
		prev = info.ModTime()
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	setMtime(t, path, prev.Add(time.Second))
}

// bump moves the mtime forward without touching the content.
func bump(t *testing.T, path string) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	setMtime(t, path, info.ModTime().Add(time.Second))
}

func setMtime(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

// reloads collects watcher callbacks as diffs.
type reloads chan config.ConfigDiff

func (r reloads) callback(old, new *config.Config) {
	r <- config.Diff(old, new)
}

func (r reloads) expectOne(t *testing.T) config.ConfigDiff {
	t.Helper()
	select {
	case d := <-r:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no reload within 2s")
		return config.ConfigDiff{}
	}
}

func (r reloads) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	if wait <= 0 {
		select {
		case d := <-r:
			t.Fatalf("unexpected reload: %+v", d)
		default:
		}
		return
	}
	select {
	case d := <-r:
		t.Fatalf("unexpected reload: %+v", d)
	case <-time.After(wait):
	}
}

// ─── polling ─────────────────────────────────────────────────────────────────

func TestWatcher_LoadsInitialConfig(t *testing.T) {
	t.Parallel()

	w, err := config.NewWatcher(watchedFile(t, oneServerYAML), nil, config.WithInterval(pollInterval))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	cfg := w.Current()
	if len(cfg.Servers) != 1 || cfg.Servers[0].Name != "fs" {
		t.Errorf("servers = %+v, want fs", cfg.Servers)
	}
	// Defaults are applied to the watched config too.
	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr = %q, want the default", cfg.Server.ListenAddr)
	}
}

func TestWatcher_MissingFile(t *testing.T) {
	t.Parallel()

	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestWatcher_ReportsAddedServer(t *testing.T) {
	t.Parallel()

	path := watchedFile(t, oneServerYAML)
	got := make(reloads, 4)
	w, err := config.NewWatcher(path, got.callback, config.WithInterval(pollInterval))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	rewrite(t, path, twoServersYAML)
	d := got.expectOne(t)

	if len(d.Added) != 1 || d.Added[0].Name != "web" {
		t.Errorf("added = %+v, want web", d.Added)
	}
	if len(d.Removed) != 0 || len(d.Changed) != 0 {
		t.Errorf("removed = %v changed = %+v, want none", d.Removed, d.Changed)
	}
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level change = %v/%q, want debug", d.LogLevelChanged, d.NewLogLevel)
	}
	if n := len(w.Current().Servers); n != 2 {
		t.Errorf("Current() has %d servers, want 2", n)
	}
}

func TestWatcher_BrokenFileKeepsCurrent(t *testing.T) {
	t.Parallel()

	path := watchedFile(t, oneServerYAML)
	got := make(reloads, 4)
	w, err := config.NewWatcher(path, got.callback, config.WithInterval(pollInterval))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	rewrite(t, path, brokenYAML)
	got.expectNone(t, 10*pollInterval)

	if cfg := w.Current(); len(cfg.Servers) != 1 || cfg.Servers[0].Name != "fs" {
		t.Errorf("Current() = %+v, want the last valid config", cfg.Servers)
	}

	// Fixing the file is picked up again.
	rewrite(t, path, twoServersYAML)
	if d := got.expectOne(t); len(d.Added) != 1 {
		t.Errorf("added after fix = %+v, want web", d.Added)
	}
}

func TestWatcher_TouchIsNotAChange(t *testing.T) {
	t.Parallel()

	path := watchedFile(t, oneServerYAML)
	got := make(reloads, 4)
	w, err := config.NewWatcher(path, got.callback, config.WithInterval(pollInterval))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	bump(t, path)
	got.expectNone(t, 10*pollInterval)
}

func TestWatcher_StopEndsPolling(t *testing.T) {
	t.Parallel()

	path := watchedFile(t, oneServerYAML)
	got := make(reloads, 4)
	w, err := config.NewWatcher(path, got.callback, config.WithInterval(pollInterval))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Stop()
	w.Stop()

	// Let a tick that may have been in flight at Stop finish first.
	time.Sleep(2 * pollInterval)
	rewrite(t, path, twoServersYAML)
	got.expectNone(t, 10*pollInterval)
}

// ─── forced reload ───────────────────────────────────────────────────────────

func TestWatcher_ReloadAppliesImmediately(t *testing.T) {
	t.Parallel()

	path := watchedFile(t, oneServerYAML)
	got := make(reloads, 4)
	w, err := config.NewWatcher(path, got.callback, config.WithInterval(time.Hour))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte(twoServersYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := w.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	// The callback has already run when Reload returns.
	select {
	case d := <-got:
		if len(d.Added) != 1 || d.Added[0].Name != "web" {
			t.Errorf("added = %+v, want web", d.Added)
		}
	default:
		t.Fatal("Reload returned before the callback ran")
	}

	// Unchanged content is not reported again.
	if err := w.Reload(); err != nil {
		t.Fatalf("second Reload: %v", err)
	}
	got.expectNone(t, 0)
}

func TestWatcher_ReloadReportsBrokenFile(t *testing.T) {
	t.Parallel()

	path := watchedFile(t, oneServerYAML)
	w, err := config.NewWatcher(path, nil, config.WithInterval(time.Hour))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte(brokenYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := w.Reload(); err == nil {
		t.Fatal("expected an error for a broken file")
	}
	if cfg := w.Current(); len(cfg.Servers) != 1 || cfg.Servers[0].Name != "fs" {
		t.Errorf("Current() = %+v, want the previous config", cfg.Servers)
	}
}
