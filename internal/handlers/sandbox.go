package handlers

import (
	"net/http"
	"strings"

	"github.com/vesselhq/vessel/internal/database"
)

func sandboxesReady(w http.ResponseWriter) bool {
	if Sandboxes == nil || !Sandboxes.Available() {
		writeError(w, http.StatusServiceUnavailable, "Docker is not available on this server")
		return false
	}
	return true
}

// LaunchSandbox creates a disposable SSH-reachable container and registers
// it as a host.
func LaunchSandbox(w http.ResponseWriter, r *http.Request) {
	if !sandboxesReady(w) {
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	host, err := Sandboxes.Launch(r.Context(), body.Name)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, host)
}

// ListSandboxes returns sandbox hosts with their container status.
func ListSandboxes(w http.ResponseWriter, r *http.Request) {
	var rows []database.Host
	if err := database.DB.Where("sandbox = ?", true).Order("id").Find(&rows).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list sandboxes")
		return
	}
	type sandboxView struct {
		database.Host
		ContainerStatus string `json:"container_status"`
	}
	out := make([]sandboxView, 0, len(rows))
	for i := range rows {
		status := "unknown"
		if Sandboxes != nil {
			if s, err := Sandboxes.Status(r.Context(), &rows[i]); err == nil {
				status = s
			}
		}
		out = append(out, sandboxView{Host: rows[i], ContainerStatus: status})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sandboxes": out, "count": len(out),
	})
}

// GetSandboxStatus reports the container state behind one sandbox host.
func GetSandboxStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid host ID")
		return
	}
	host, err := Hosts.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Host not found")
		return
	}
	if !host.Sandbox {
		writeError(w, http.StatusBadRequest, "Host is not a sandbox")
		return
	}
	status := "unknown"
	if Sandboxes != nil {
		if s, serr := Sandboxes.Status(r.Context(), host); serr == nil {
			status = s
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"host_id": host.ID, "container_status": status,
	})
}

// TeardownSandbox removes the sandbox container and deletes the host row.
// The host row goes away even when Docker is unreachable, so a dead daemon
// cannot strand rows forever; Prune picks up any leftover container later.
func TeardownSandbox(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid host ID")
		return
	}
	if Sandboxes == nil {
		writeError(w, http.StatusServiceUnavailable, "Sandboxes are not configured")
		return
	}
	if err := Sandboxes.Teardown(r.Context(), id); err != nil {
		switch {
		case strings.Contains(err.Error(), "not found"):
			writeError(w, http.StatusNotFound, err.Error())
		case strings.Contains(err.Error(), "not a sandbox"):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeServiceError(w, err)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PruneSandboxes reconciles containers against host rows both ways.
func PruneSandboxes(w http.ResponseWriter, r *http.Request) {
	if !sandboxesReady(w) {
		return
	}
	containers, rows := Sandboxes.Prune(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"removed_containers": containers,
		"removed_hosts":      rows,
	})
}
