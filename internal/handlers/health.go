package handlers

import (
	"net/http"

	"github.com/neonwatty/vibetunnel-sub006/internal/auth"
	"github.com/neonwatty/vibetunnel-sub006/internal/database"
)

// BearerToken is this Remote's token. HQ presents it on health checks.
var BearerToken auth.BearerToken

// Mode is reported by the health check: "hq", "remote" or "standalone".
var Mode = "standalone"

// HealthCheck needs no credentials, but a presented bearer token must be
// this Remote's current one; HQ relies on that to notice a restarted remote.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	if presented := auth.BearerFromRequest(r); presented != "" && !BearerToken.Matches(presented) {
		writeError(w, http.StatusUnauthorized, "Invalid bearer token")
		return
	}

	dbStatus := "disabled"
	if database.DB != nil {
		dbStatus = "disconnected"
		if sqlDB, err := database.DB.DB(); err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	status := "healthy"
	if dbStatus == "disconnected" {
		status = "unhealthy"
	}

	resp := map[string]interface{}{
		"status":   status,
		"mode":     Mode,
		"database": dbStatus,
	}
	if Store != nil {
		resp["sessions"] = len(Store.IDs())
	}
	if Registry != nil {
		resp["remotes"] = Registry.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}
