package checks

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/cosession/internal/database"
	"github.com/charlesng35/cosession/internal/monitoring"
)

// Database returns a readiness probe that pings the snapshot database.
func Database(db *gorm.DB) monitoring.Check {
	return monitoring.NewCheck("database", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		if db == nil {
			return monitoring.ProbeResult{Status: monitoring.StatusDown, Details: "database not configured"}
		}
		return monitoring.ResultFromError("database", database.Ping(ctx, db), time.Since(start))
	})
}
