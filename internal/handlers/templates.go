package handlers

import (
	"fmt"
	"io"
	"net/http"

	"gopkg.in/yaml.v3"

	"github.com/vesselhq/vessel/internal/database"
	"github.com/vesselhq/vessel/internal/errdefs"
	"github.com/vesselhq/vessel/internal/templates"
)

const maxTemplateBody = 1 << 20

func ListTemplates(w http.ResponseWriter, r *http.Request) {
	var rows []database.DeploymentTemplate
	if err := database.DB.Order("name").Find(&rows).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list templates")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"templates": rows})
}

func CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var spec templates.Template
	if !decodeBody(w, r, &spec) {
		return
	}
	row, err := storeTemplate(&spec, 0)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

func GetTemplate(w http.ResponseWriter, r *http.Request) {
	row, ok := loadTemplate(w, r)
	if !ok {
		return
	}
	spec, err := row.Decode()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"template": row, "spec": spec})
}

func UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	row, ok := loadTemplate(w, r)
	if !ok {
		return
	}
	var spec templates.Template
	if !decodeBody(w, r, &spec) {
		return
	}
	updated, err := storeTemplate(&spec, row.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	row, ok := loadTemplate(w, r)
	if !ok {
		return
	}
	if err := database.DB.Delete(row).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete template")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PreviewTemplate resolves the template against the supplied variables and
// returns the plan in display form: secrets masked in both commands and
// config.
func PreviewTemplate(w http.ResponseWriter, r *http.Request) {
	row, ok := loadTemplate(w, r)
	if !ok {
		return
	}
	var body struct {
		Variables map[string]string `json:"variables"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	spec, err := row.Decode()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	plan, err := templates.Resolve(spec, body.Variables)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"plan": viewPlan(plan)})
}

// ExportTemplate returns the template spec as YAML, in the same shape the
// built-in seeds use.
func ExportTemplate(w http.ResponseWriter, r *http.Request) {
	row, ok := loadTemplate(w, r)
	if !ok {
		return
	}
	spec, err := row.Decode()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out, err := yaml.Marshal(spec)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/x-yaml")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", row.Name+".yaml"))
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// ImportTemplate accepts a YAML template spec and stores it.
func ImportTemplate(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxTemplateBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	var spec templates.Template
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid YAML: "+err.Error())
		return
	}
	row, err := storeTemplate(&spec, 0)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

func loadTemplate(w http.ResponseWriter, r *http.Request) (*database.DeploymentTemplate, bool) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid template ID")
		return nil, false
	}
	var row database.DeploymentTemplate
	if err := database.DB.First(&row, id).Error; err != nil {
		writeError(w, http.StatusNotFound, "Template not found")
		return nil, false
	}
	return &row, true
}

// storeTemplate validates and persists a spec. id 0 creates, otherwise the
// existing row is replaced in place (built-in templates stay editable; the
// seeder only restores ones that were deleted outright).
func storeTemplate(spec *templates.Template, id uint) (*database.DeploymentTemplate, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	encoded, err := database.EncodeTemplateSpec(spec)
	if err != nil {
		return nil, err
	}

	var clash int64
	q := database.DB.Model(&database.DeploymentTemplate{}).Where("name = ?", spec.Name)
	if id != 0 {
		q = q.Where("id <> ?", id)
	}
	q.Count(&clash)
	if clash > 0 {
		return nil, errdefs.Validationf("name", "a template named %q already exists", spec.Name)
	}

	if id == 0 {
		row := &database.DeploymentTemplate{
			Name:        spec.Name,
			DisplayName: spec.DisplayName,
			Description: spec.Description,
			ServiceType: spec.ServiceType,
			Spec:        encoded,
		}
		if err := database.DB.Create(row).Error; err != nil {
			return nil, fmt.Errorf("create template: %w", err)
		}
		return row, nil
	}

	var row database.DeploymentTemplate
	if err := database.DB.First(&row, id).Error; err != nil {
		return nil, fmt.Errorf("load template %d: %w", id, err)
	}
	updates := map[string]interface{}{
		"name":         spec.Name,
		"display_name": spec.DisplayName,
		"description":  spec.Description,
		"service_type": spec.ServiceType,
		"spec":         encoded,
	}
	if err := database.DB.Model(&row).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("update template %d: %w", id, err)
	}
	return &row, nil
}
