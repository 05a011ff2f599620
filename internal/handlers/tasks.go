package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vesselhq/vessel/internal/database"
	"github.com/vesselhq/vessel/internal/errdefs"
	"github.com/vesselhq/vessel/internal/orchestrator"
	"github.com/vesselhq/vessel/internal/templates"
)

// planView is the display form of a plan: commands and config with
// password values masked, raw variable values omitted entirely.
type planView struct {
	ServiceType   string   `json:"service_type,omitempty"`
	ServiceUnit   string   `json:"service_unit,omitempty"`
	Commands      []string `json:"commands"`
	ConfigPath    string   `json:"config_path,omitempty"`
	Config        string   `json:"config,omitempty"`
	LogPath       string   `json:"log_path,omitempty"`
	Description   string   `json:"description,omitempty"`
	Notes         []string `json:"notes,omitempty"`
	EstimatedTime string   `json:"estimated_time,omitempty"`
	Requirements  []string `json:"requirements,omitempty"`
}

func viewPlan(p *templates.DeploymentPlan) planView {
	v := planView{
		ServiceType:   p.ServiceType,
		ServiceUnit:   p.ServiceUnit,
		ConfigPath:    p.ConfigPath,
		LogPath:       p.LogPath,
		Description:   p.Description,
		Notes:         p.Notes,
		EstimatedTime: p.EstimatedTime,
		Requirements:  p.Requirements,
		Commands:      make([]string, 0, len(p.Commands)),
	}
	for i := range p.Commands {
		v.Commands = append(v.Commands, p.DisplayCommand(i))
	}
	// Same fallback rule as DisplayCommand: no redacted form means the
	// plan declared no secrets.
	v.Config = p.RedactedConfig
	if v.Config == "" {
		v.Config = p.ConfigContent
	}
	return v
}

func taskID(r *http.Request) string {
	return chi.URLParam(r, "id")
}

// writeTaskError adds task-specific mappings on top of writeServiceError:
// unknown ids are 404s, wrong-state transitions are 409s.
func writeTaskError(w http.ResponseWriter, err error) {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "not found"):
		writeError(w, http.StatusNotFound, msg)
	case errdefs.IsValidation(err):
		writeError(w, http.StatusBadRequest, msg)
	case strings.Contains(msg, "only pending") || strings.Contains(msg, "only running") ||
		strings.Contains(msg, "only failed or cancelled") || strings.Contains(msg, "not retried"):
		writeError(w, http.StatusConflict, msg)
	default:
		writeServiceError(w, err)
	}
}

func ListTasks(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 1000 {
		limit = 50
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	q := database.DB.Model(&database.DeploymentTask{})
	if v := queryInt(r, "host_id", 0); v > 0 {
		q = q.Where("host_id = ?", v)
	}
	if v := r.URL.Query().Get("status"); v != "" {
		q = q.Where("status = ?", v)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count tasks")
		return
	}
	var rows []database.DeploymentTask
	if err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list tasks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": rows, "total": total, "limit": limit, "offset": offset,
	})
}

// CreateTask builds a deployment task from exactly one source: a stored
// template with variables, a free-form description for the plan service, or
// a prebuilt plan. A template whose variables fail validation still creates
// the task, already failed, so the rejection is part of the host's history.
func CreateTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		HostID uint `json:"host_id"`
		orchestrator.Source
	}
	if !decodeBody(w, r, &body) {
		return
	}
	task, err := Orch.Create(r.Context(), body.HostID, body.Source)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func GetTask(w http.ResponseWriter, r *http.Request) {
	var task database.DeploymentTask
	if err := database.DB.First(&task, "id = ?", taskID(r)).Error; err != nil {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}

	resp := map[string]interface{}{"task": task}
	if plan, err := task.DecodePlan(); err == nil && len(plan.Commands) > 0 {
		resp["plan"] = viewPlan(plan)
	}
	if result, err := task.DecodeLastResult(); err == nil && result != nil {
		resp["last_result"] = result
	}
	writeJSON(w, http.StatusOK, resp)
}

func DeleteTask(w http.ResponseWriter, r *http.Request) {
	var task database.DeploymentTask
	if err := database.DB.First(&task, "id = ?", taskID(r)).Error; err != nil {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	if !task.Terminal() {
		writeError(w, http.StatusBadRequest, "Task is still running; cancel it first")
		return
	}
	if err := database.DB.Where("task_id = ?", task.ID).Delete(&database.DeploymentLog{}).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete task logs")
		return
	}
	if err := database.DB.Delete(&task).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete task")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func ExecuteTask(w http.ResponseWriter, r *http.Request) {
	if err := Orch.Execute(taskID(r)); err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "running"})
}

func CancelTask(w http.ResponseWriter, r *http.Request) {
	if err := Orch.Cancel(taskID(r)); err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func RetryTask(w http.ResponseWriter, r *http.Request) {
	if err := Orch.Retry(taskID(r)); err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "running"})
}

// GetTaskLogs returns the task's log lines in insertion order, optionally
// narrowed to one epoch.
func GetTaskLogs(w http.ResponseWriter, r *http.Request) {
	id := taskID(r)
	var task database.DeploymentTask
	if err := database.DB.First(&task, "id = ?", id).Error; err != nil {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}

	q := database.DB.Where("task_id = ?", id)
	if epoch := queryInt(r, "epoch", 0); epoch > 0 {
		q = q.Where("epoch = ?", epoch)
	}
	var logs []database.DeploymentLog
	if err := q.Order("id").Find(&logs).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs": logs, "epoch": task.Epoch, "status": task.Status,
	})
}
