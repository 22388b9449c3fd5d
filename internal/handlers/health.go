package handlers

import (
	"net/http"

	"github.com/gluk-w/claworc/webterminal/internal/database"
)

// HealthCheck reports process health. The database only counts when audit
// logging opened one.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disabled"
	if database.DB != nil {
		dbStatus = "connected"
		if err := database.Ping(); err != nil {
			dbStatus = "disconnected"
		}
	}

	b := Terminals
	sessions, clients := 0, 0
	if b != nil {
		sessions = b.Registry().Len()
		clients = b.Clients()
	}

	status := "healthy"
	if dbStatus == "disconnected" || b == nil {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"sessions": sessions,
		"clients":  clients,
		"database": dbStatus,
	})
}
