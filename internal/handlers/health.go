package handlers

import (
	"net/http"

	"github.com/vesselhq/vessel/internal/database"
	"github.com/vesselhq/vessel/internal/planner"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		if sqlDB, err := database.DB.DB(); err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	plannerBackend := "none"
	if p := planner.Get(); p != nil {
		plannerBackend = p.Name()
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	resp := map[string]interface{}{
		"status":          status,
		"database":        dbStatus,
		"planner_backend": plannerBackend,
	}
	if Pool != nil {
		resp["pool"] = Pool.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}
