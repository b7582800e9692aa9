package checks

import (
	"context"
	"fmt"

	"github.com/charlesng35/cosession/internal/monitoring"
)

// ConnectionCounter reports the number of open push stream connections.
type ConnectionCounter interface {
	ConnectionCount() int
}

// Realtime reports the push hub as up together with its connection count.
func Realtime(hub ConnectionCounter) monitoring.Check {
	return monitoring.NewCheck("realtime", func(context.Context) monitoring.ProbeResult {
		if hub == nil {
			return monitoring.ProbeResult{Status: monitoring.StatusDegraded, Details: "realtime hub unavailable"}
		}
		return monitoring.ProbeResult{
			Status:  monitoring.StatusUp,
			Details: fmt.Sprintf("%d connections", hub.ConnectionCount()),
		}
	})
}

// SessionCounter reports the number of live sessions.
type SessionCounter interface {
	Len() int
}

// Sessions is a liveness probe over the in-memory session store.
func Sessions(store SessionCounter) monitoring.Check {
	return monitoring.NewCheck("sessions", func(context.Context) monitoring.ProbeResult {
		if store == nil {
			return monitoring.ProbeResult{Status: monitoring.StatusDown, Details: "session store not initialised"}
		}
		return monitoring.ProbeResult{
			Status:  monitoring.StatusUp,
			Details: fmt.Sprintf("%d live sessions", store.Len()),
		}
	})
}
