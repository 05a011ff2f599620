package handlers

import (
	"net/http"
	"time"

	"github.com/vesselhq/vessel/internal/sshaudit"
)

// GetCommandAudit returns the command audit trail, newest first. Filters:
// host_id, task_id, since/until (RFC 3339), limit, offset.
func GetCommandAudit(w http.ResponseWriter, r *http.Request) {
	rec := sshaudit.Get()
	if rec == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit recording is not initialized")
		return
	}

	opts := sshaudit.QueryOptions{
		HostID: uint(queryInt(r, "host_id", 0)),
		TaskID: r.URL.Query().Get("task_id"),
		Limit:  queryInt(r, "limit", 0),
		Offset: queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since timestamp, want RFC 3339")
			return
		}
		opts.Since = &ts
	}
	if v := r.URL.Query().Get("until"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid until timestamp, want RFC 3339")
			return
		}
		opts.Until = &ts
	}

	result, err := rec.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit records")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// PurgeCommandAudit deletes audit records older than ?days, defaulting to the
// configured retention window.
func PurgeCommandAudit(w http.ResponseWriter, r *http.Request) {
	rec := sshaudit.Get()
	if rec == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit recording is not initialized")
		return
	}
	purged, err := rec.PurgeOlderThan(queryInt(r, "days", 0))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to purge audit records")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"purged":         purged,
		"retention_days": rec.RetentionDays(),
	})
}
