package checks

import (
	"context"
	"time"

	"github.com/charlesng35/cosession/internal/monitoring"
)

const defaultSnapshotMaxAge = 5 * time.Minute

// FlushReporter exposes when sessions were last written to the database.
type FlushReporter interface {
	LastFlush(ctx context.Context) (time.Time, error)
}

// Snapshot degrades readiness when the last successful flush is older than maxAge.
// A store that has never flushed is reported as pending rather than failing.
func Snapshot(reporter FlushReporter, maxAge time.Duration, now func() time.Time) monitoring.Check {
	if maxAge <= 0 {
		maxAge = defaultSnapshotMaxAge
	}
	if now == nil {
		now = time.Now
	}

	return monitoring.NewCheck("snapshot", func(ctx context.Context) monitoring.ProbeResult {
		if reporter == nil {
			return monitoring.ProbeResult{Status: monitoring.StatusUp, Details: "persistence disabled"}
		}

		last, err := reporter.LastFlush(ctx)
		if err != nil {
			return monitoring.ResultFromError("snapshot", err, 0)
		}
		if last.IsZero() {
			return monitoring.ProbeResult{Status: monitoring.StatusUp, Details: "pending first flush"}
		}
		if age := now().Sub(last); age > maxAge {
			return monitoring.ProbeResult{
				Status:  monitoring.StatusDegraded,
				Details: "last flush " + last.UTC().Format(time.RFC3339),
			}
		}
		return monitoring.ProbeResult{Status: monitoring.StatusUp, Details: "last flush " + last.UTC().Format(time.RFC3339)}
	})
}
