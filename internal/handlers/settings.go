package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/vesselhq/vessel/internal/auth"
	"github.com/vesselhq/vessel/internal/config"
	"github.com/vesselhq/vessel/internal/crypto"
	"github.com/vesselhq/vessel/internal/database"
	"github.com/vesselhq/vessel/internal/logging"
	"github.com/vesselhq/vessel/internal/planner"
	"github.com/vesselhq/vessel/internal/sshaudit"
)

// settingsProbeTimeout bounds the AI availability probe a backend change
// triggers, so settings updates cannot hang on a dead planner URL.
const settingsProbeTimeout = 5 * time.Second

// GetSettings returns the effective server settings. Secrets come back
// masked; the full API token is only ever shown by a reset.
func GetSettings(w http.ResponseWriter, r *http.Request) {
	backend, _ := database.GetSetting("planner_backend")
	model, _ := database.GetSetting("planner_model")

	retention := config.Cfg.TaskRetentionDays
	if rec := sshaudit.Get(); rec != nil {
		retention = rec.RetentionDays()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"planner_backend":        backend,
		"planner_model":          model,
		"planner_backend_active": planner.Get().Name(),
		"planner_url":            config.Cfg.PlannerURL,
		"planner_token":          crypto.Mask(config.Cfg.PlannerToken),
		"task_retention_days":    retention,
		"auth_enabled":           !config.Cfg.AuthDisabled && (config.Cfg.APIToken != "" || settingPresent(auth.TokenSetting)),
		"sandbox_image":          config.Cfg.SandboxImage,
		"sandbox_memory":         config.Cfg.SandboxMemory,
	})
}

func settingPresent(key string) bool {
	v, err := database.GetSetting(key)
	return err == nil && v != ""
}

// UpdateSettings changes the plan-backend selection. Backend changes
// re-resolve the active provider immediately.
func UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PlannerBackend *string `json:"planner_backend"`
		PlannerModel   *string `json:"planner_model"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	if body.PlannerBackend != nil {
		switch *body.PlannerBackend {
		case "auto", "ai", "template":
		default:
			writeError(w, http.StatusBadRequest, "planner_backend must be auto, ai or template")
			return
		}
		if err := database.SetSetting("planner_backend", *body.PlannerBackend); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to save setting")
			return
		}
	}
	if body.PlannerModel != nil {
		if err := database.SetSetting("planner_model", *body.PlannerModel); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to save setting")
			return
		}
	}
	if body.PlannerBackend != nil || body.PlannerModel != nil {
		ctx, cancel := context.WithTimeout(r.Context(), settingsProbeTimeout)
		defer cancel()
		planner.Init(ctx)
	}
	GetSettings(w, r)
}

// ResetAPIToken rotates the API bearer token and returns the new value.
// This response is the only place the token appears in full.
func ResetAPIToken(w http.ResponseWriter, r *http.Request) {
	token, err := auth.ResetToken()
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"api_token": token})
}

// GetServerLogs returns the tail of the control plane's own log file.
func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := queryInt(r, "lines", 200)
	if lines < 1 || lines > 5000 {
		lines = 200
	}
	content, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read server logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": content, "lines": lines})
}

// ClearServerLogs truncates the control plane's own log file.
func ClearServerLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to clear server logs")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
