package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/vesselhq/vessel/internal/hosts"
	"github.com/vesselhq/vessel/internal/sshkeys"
	"github.com/vesselhq/vessel/internal/sshpool"
)

// hostView is a host row plus its pool connection, when one exists.
type hostView struct {
	ID         uint                  `json:"id"`
	Name       string                `json:"name"`
	Address    string                `json:"address"`
	Port       int                   `json:"port"`
	Username   string                `json:"username"`
	AuthMethod string                `json:"auth_method"`
	Sandbox    bool                  `json:"sandbox"`
	CreatedAt  time.Time             `json:"created_at"`
	Connection *sshpool.ConnectionEntry `json:"connection,omitempty"`
}

func ListHosts(w http.ResponseWriter, r *http.Request) {
	rows, err := Hosts.List()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	views := make([]hostView, 0, len(rows))
	for i := range rows {
		h := &rows[i]
		view := hostView{
			ID: h.ID, Name: h.Name, Address: h.Address, Port: h.Port,
			Username: h.Username, AuthMethod: h.AuthMethod,
			Sandbox: h.Sandbox, CreatedAt: h.CreatedAt,
		}
		if Pool != nil {
			if entry, ok := Pool.Entry(h.ID); ok {
				view.Connection = &entry
			}
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"hosts": views})
}

func CreateHost(w http.ResponseWriter, r *http.Request) {
	var req hosts.CreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	host, err := Hosts.Create(req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, host)
}

func GetHost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid host ID")
		return
	}
	host, err := Hosts.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	resp := map[string]interface{}{"host": host}
	if Pool != nil {
		if entry, ok := Pool.Entry(id); ok {
			resp["connection"] = entry
		}
		if metrics, ok := Pool.Metrics(id); ok {
			resp["metrics"] = metrics
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// UpdateHostCredential replaces the stored credential and evicts the pooled
// connection so the next acquire dials with the new one.
func UpdateHostCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid host ID")
		return
	}
	var req hosts.CredentialRequest
	if !decodeBody(w, r, &req) {
		return
	}
	host, err := Hosts.UpdateCredential(id, req)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeServiceError(w, err)
		return
	}
	if Pool != nil {
		Pool.Evict(id, "credential replaced")
	}
	writeJSON(w, http.StatusOK, host)
}

func DeleteHost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid host ID")
		return
	}
	if err := Hosts.Delete(id); err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TestHostConnection runs a probe command through the pool and reports the
// round-trip latency. Failures come back as 200 with status "error" so the
// caller gets the latency and message either way.
func TestHostConnection(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid host ID")
		return
	}
	if _, err := Hosts.Get(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	start := time.Now()
	stdout, stderr, exitCode, err := Access.RunCommand(r.Context(), id, "echo vessel-connection-test")
	latency := time.Since(start).Milliseconds()

	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":     "error",
			"output":     stderr,
			"latency_ms": latency,
			"error":      err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"output":     stdout,
		"latency_ms": latency,
		"exit_code":  exitCode,
	})
}

// RotateHostKey swaps the host's deploy key for a freshly generated one.
func RotateHostKey(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid host ID")
		return
	}
	host, err := Hosts.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	_, privateKey, passphrase, err := Hosts.Credentials(host)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	result, err := sshkeys.RotateDeployKey(r.Context(), Access, id, privateKey, passphrase, "vessel-deploy")
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if Pool != nil {
		Pool.Evict(id, "deploy key rotated")
	}
	writeJSON(w, http.StatusOK, result)
}
