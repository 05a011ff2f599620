// Package handlers implements the /api/v1 HTTP surface. Handlers stay
// thin: decode, call the owning service, map typed errors to status codes.
// The service singletons are package globals set from main during startup.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vesselhq/vessel/internal/errdefs"
	"github.com/vesselhq/vessel/internal/hosts"
	"github.com/vesselhq/vessel/internal/orchestrator"
	"github.com/vesselhq/vessel/internal/sandbox"
	"github.com/vesselhq/vessel/internal/sshpool"
	"github.com/vesselhq/vessel/internal/sshterm"
)

// Set from main.go during init.
var (
	Hosts     *hosts.Registry
	Access    *hosts.Access
	Pool      *sshpool.Pool
	Orch      *orchestrator.Orchestrator
	Consoles  *sshterm.Manager
	Sandboxes *sandbox.Manager
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeServiceError maps a service-layer error onto a status code.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errdefs.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errdefs.IsConnection(err):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// pathID parses the {id} chi route parameter.
func pathID(r *http.Request) (uint, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		return 0, false
	}
	return uint(id), true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func queryInt(r *http.Request, name string, def int) int {
	if q := r.URL.Query().Get(name); q != "" {
		if n, err := strconv.Atoi(q); err == nil {
			return n
		}
	}
	return def
}
