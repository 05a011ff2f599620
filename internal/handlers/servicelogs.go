package handlers

import (
	"fmt"
	"log"
	"net/http"

	"github.com/vesselhq/vessel/internal/database"
	"github.com/vesselhq/vessel/internal/sshlogs"
)

// StreamServiceLogs streams log output from a host as server-sent events.
// The source is either a systemd unit (?unit=) or a log file (?path=), with
// ?tail= and ?follow= controlling history and live tailing. The stream uses
// a dedicated SSH connection so a long-lived follow does not tie up the
// pooled one.
func StreamServiceLogs(w http.ResponseWriter, r *http.Request) {
	hostID, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid host ID")
		return
	}
	q := r.URL.Query()
	req := sshlogs.Request{
		Unit:   q.Get("unit"),
		Path:   q.Get("path"),
		Tail:   queryInt(r, "tail", 0),
		Follow: q.Get("follow") == "true" || q.Get("follow") == "1",
	}
	if req.Unit == "" && req.Path == "" {
		writeError(w, http.StatusBadRequest, "Provide a unit or path to read logs from")
		return
	}
	streamLogs(w, r, hostID, req)
}

// StreamTaskServiceLogs streams the logs of the service a task deployed,
// resolving unit and path from the task's stored plan.
func StreamTaskServiceLogs(w http.ResponseWriter, r *http.Request) {
	var task database.DeploymentTask
	if err := database.DB.First(&task, "id = ?", taskID(r)).Error; err != nil {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	plan, err := task.DecodePlan()
	if err != nil || (plan.ServiceType == "" && plan.ServiceUnit == "" && plan.LogPath == "") {
		writeError(w, http.StatusBadRequest, "Task has no service to read logs from")
		return
	}
	q := r.URL.Query()
	req := sshlogs.ForService(plan.ServiceType, plan.ServiceUnit, plan.LogPath,
		queryInt(r, "tail", 0), q.Get("follow") == "true" || q.Get("follow") == "1")
	streamLogs(w, r, task.HostID, req)
}

func streamLogs(w http.ResponseWriter, r *http.Request, hostID uint, req sshlogs.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	client, err := Access.Dial(r.Context(), hostID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	defer client.Close()

	lines, err := sshlogs.Stream(r.Context(), client, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case line, more := <-lines:
			if !more {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		}
	}
}

// GetHostLogFiles probes which log files exist on the host: the standard
// system locations plus every log path mentioned by the host's task plans.
func GetHostLogFiles(w http.ResponseWriter, r *http.Request) {
	hostID, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid host ID")
		return
	}

	candidates := append([]string{}, sshlogs.SystemLogPaths...)
	seen := make(map[string]bool, len(candidates))
	for _, p := range candidates {
		seen[p] = true
	}
	var tasks []database.DeploymentTask
	if err := database.DB.Where("host_id = ?", hostID).Find(&tasks).Error; err == nil {
		for i := range tasks {
			plan, err := tasks[i].DecodePlan()
			if err != nil || plan.LogPath == "" || seen[plan.LogPath] {
				continue
			}
			seen[plan.LogPath] = true
			candidates = append(candidates, plan.LogPath)
		}
	}

	client, err := Access.Dial(r.Context(), hostID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	defer client.Close()

	found, err := sshlogs.AvailableLogFiles(client, candidates)
	if err != nil {
		log.Printf("[handlers] log file probe failed for host %d: %v", hostID, err)
		writeError(w, http.StatusBadGateway, "Failed to probe log files")
		return
	}
	if found == nil {
		found = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"files": found})
}
