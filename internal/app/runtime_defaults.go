package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ApplyRuntimeDefaults fills settings that depend on other values once the file and
// environment have been merged. It returns the keys it derived so callers can log them.
func ApplyRuntimeDefaults(cfg *Config) (map[string]bool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	derived := make(map[string]bool)

	if strings.TrimSpace(cfg.Server.PublicURL) == "" {
		cfg.Server.PublicURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
		derived["server.public_url"] = true
	} else {
		cfg.Server.PublicURL = strings.TrimRight(strings.TrimSpace(cfg.Server.PublicURL), "/")
	}

	if strings.TrimSpace(cfg.Collab.ReapSchedule) == "" && cfg.Collab.IdleTTL > 0 {
		cfg.Collab.ReapSchedule = "@every 5m"
		derived["collab.reap_schedule"] = true
	}

	if cfg.Persistence.Enabled && strings.EqualFold(cfg.Database.Driver, "sqlite") && strings.TrimSpace(cfg.Database.DSN) == "" {
		path := strings.TrimSpace(cfg.Database.Path)
		if path != "" && path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	return derived, nil
}
