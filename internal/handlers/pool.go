package handlers

import (
	"net/http"
)

func GetPoolStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Pool.Stats())
}

func GetPoolEntries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": Pool.Entries()})
}

// GetPoolEvents returns recent connection lifecycle events, newest first.
func GetPoolEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 100 {
		limit = 50
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": Pool.Events(limit)})
}

func GetHostMetrics(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid host ID")
		return
	}
	metrics, ok := Pool.Metrics(id)
	if !ok {
		writeError(w, http.StatusNotFound, "No metrics for this host")
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

// EvictHostConnection force-closes the host's pooled connection. The next
// acquire dials fresh.
func EvictHostConnection(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid host ID")
		return
	}
	Pool.Evict(id, "operator requested eviction")
	w.WriteHeader(http.StatusNoContent)
}
