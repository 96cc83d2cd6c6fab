package http

import (
	"net/http"
	"time"

	"github.com/cassowarylabs/gatekeep/internal/auth/store"
	"github.com/cassowarylabs/gatekeep/pkg/httpx"
)

// ReadyzHandler answers 200 only when the token store (and history database,
// when configured) are reachable.
func ReadyzHandler(startTime time.Time, version string, st store.Store, history store.History) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := &HealthChecks{Store: "ok"}
		status := "ok"
		statusCode := http.StatusOK

		if err := st.Ping(r.Context()); err != nil {
			checks.Store = "error: " + err.Error()
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
		}

		if history != nil {
			checks.History = "ok"
			if err := history.Ping(r.Context()); err != nil {
				checks.History = "error: " + err.Error()
				status = "degraded"
				statusCode = http.StatusServiceUnavailable
			}
		}

		httpx.WriteJSON(w, statusCode, HealthResponse{
			Status:  status,
			Uptime:  time.Since(startTime).String(),
			Version: version,
			Checks:  checks,
		})
	}
}
