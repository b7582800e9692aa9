package app

import (
	"strings"

	"github.com/charlesng35/cosession/pkg/logger"
)

// ConfigureLogging initialises the global logger from the server settings, defaulting to
// JSON output at info level.
func ConfigureLogging(cfg ServerConfig) error {
	level := strings.TrimSpace(cfg.LogLevel)
	if level == "" {
		level = "info"
	}
	return logger.Configure(logger.Options{
		Level:  level,
		Format: strings.TrimSpace(cfg.LogFormat),
	})
}
