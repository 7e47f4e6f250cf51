package config

import (
	"reflect"
	"slices"

	"github.com/MrWong99/toolgate/internal/mcp"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; listen address,
// TLS and cache settings need a restart.
type ConfigDiff struct {
	// Added holds servers present only in the new config.
	Added []mcp.ServerConfig

	// Removed holds servers present only in the old config.
	Removed []mcp.ServerID

	// Changed holds the new form of servers whose effective configuration
	// differs, including changes inherited from the defaults block. They are
	// applied by removing and re-adding the server.
	Changed []mcp.ServerConfig

	LogLevelChanged bool
	NewLogLevel     LogLevel
}

// Empty reports whether the diff contains nothing to apply.
func (d ConfigDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0 && !d.LogLevelChanged
}

// Diff compares old and new configs and returns what changed. Results are
// sorted by server name.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldServers := serverMap(old)
	newServers := serverMap(new)

	for id, oldCfg := range oldServers {
		newCfg, exists := newServers[id]
		if !exists {
			d.Removed = append(d.Removed, id)
			continue
		}
		if !reflect.DeepEqual(oldCfg, newCfg) {
			d.Changed = append(d.Changed, newCfg)
		}
	}
	for id, newCfg := range newServers {
		if _, exists := oldServers[id]; !exists {
			d.Added = append(d.Added, newCfg)
		}
	}

	slices.Sort(d.Removed)
	byName := func(a, b mcp.ServerConfig) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	}
	slices.SortFunc(d.Added, byName)
	slices.SortFunc(d.Changed, byName)
	return d
}

func serverMap(cfg *Config) map[mcp.ServerID]mcp.ServerConfig {
	m := make(map[mcp.ServerID]mcp.ServerConfig, len(cfg.Servers))
	for _, sc := range ToServerConfigs(cfg) {
		m[sc.Name] = sc
	}
	return m
}
