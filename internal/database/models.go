package database

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vesselhq/vessel/internal/templates"
)

// Host credential forms.
const (
	AuthPassword = "password"
	AuthKey      = "key"
)

// Host is a managed remote machine. Identity fields are immutable after
// creation; the credential can be replaced via an explicit update. Credential
// columns hold fernet ciphertext and never serialize into API responses.
type Host struct {
	ID       uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Name     string `gorm:"uniqueIndex;not null" json:"name"`
	Address  string `gorm:"not null" json:"address"`
	Port     int    `gorm:"not null;default:22" json:"port"`
	Username string `gorm:"not null" json:"username"`

	AuthMethod    string `gorm:"not null;default:password" json:"auth_method"`
	Password      string `json:"-"`
	PrivateKey    string `gorm:"type:text" json:"-"`
	KeyPassphrase string `json:"-"`

	// HostKeyFingerprint pins the server's host key after the first
	// successful connection. A later mismatch is logged, not fatal, since
	// VPS reinstalls regenerate host keys.
	HostKeyFingerprint string `json:"host_key_fingerprint,omitempty"`

	// Sandbox marks a disposable container-backed target; SandboxContainer
	// holds the container id so teardown can find it.
	Sandbox          bool   `gorm:"not null;default:false" json:"sandbox"`
	SandboxContainer string `json:"-"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Tasks []DeploymentTask `gorm:"foreignKey:HostID" json:"-"`
}

// DeploymentTemplate stores one template. The scalar columns exist for
// listing and lookups; Spec carries the full typed definition as JSON.
type DeploymentTemplate struct {
	ID          uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string `gorm:"uniqueIndex;not null" json:"name"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	ServiceType string `gorm:"not null;default:custom" json:"service_type"`
	BuiltIn     bool   `gorm:"not null;default:false" json:"built_in"`

	Spec string `gorm:"type:text;not null;default:'{}'" json:"-"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Decode parses the stored spec into its typed form.
func (t *DeploymentTemplate) Decode() (*templates.Template, error) {
	var spec templates.Template
	if err := json.Unmarshal([]byte(t.Spec), &spec); err != nil {
		return nil, fmt.Errorf("decode template %q: %w", t.Name, err)
	}
	return &spec, nil
}

// EncodeTemplateSpec serializes a typed template for storage.
func EncodeTemplateSpec(spec *templates.Template) (string, error) {
	data, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("encode template %q: %w", spec.Name, err)
	}
	return string(data), nil
}

// Task statuses.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
)

// DeploymentTask is one deployment run against a host, retained as history
// after reaching a terminal status. Retry re-executes the same record under
// an incremented epoch; logs accumulate across epochs.
type DeploymentTask struct {
	ID         string `gorm:"primaryKey;size:36" json:"id"`
	HostID     uint   `gorm:"not null;index" json:"host_id"`
	TemplateID *uint  `gorm:"index" json:"template_id,omitempty"`

	// PlanSource records which backend produced the plan: "template" or "ai".
	PlanSource string `gorm:"not null;default:template" json:"plan_source"`

	Variables string `gorm:"type:text;not null;default:'{}'" json:"-"`
	Plan      string `gorm:"type:text;not null;default:'{}'" json:"-"`

	Status   string  `gorm:"not null;default:pending;index" json:"status"`
	Progress float64 `gorm:"not null;default:0" json:"progress"`
	Epoch    int     `gorm:"not null;default:1" json:"epoch"`

	Error      string `json:"error,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
	LastResult string `gorm:"type:text" json:"-"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	Logs []DeploymentLog `gorm:"foreignKey:TaskID" json:"-"`
}

// Terminal reports whether the task reached a final status for its epoch.
func (t *DeploymentTask) Terminal() bool {
	switch t.Status {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// DecodePlan parses the stored plan.
func (t *DeploymentTask) DecodePlan() (*templates.DeploymentPlan, error) {
	var plan templates.DeploymentPlan
	if err := json.Unmarshal([]byte(t.Plan), &plan); err != nil {
		return nil, fmt.Errorf("decode plan for task %s: %w", t.ID, err)
	}
	return &plan, nil
}

// EncodePlan serializes a plan for storage.
func EncodePlan(plan *templates.DeploymentPlan) (string, error) {
	data, err := json.Marshal(plan)
	if err != nil {
		return "", fmt.Errorf("encode plan: %w", err)
	}
	return string(data), nil
}

// CommandResult is the persisted outcome of the most recent command of a
// task, stored JSON-encoded in DeploymentTask.LastResult.
type CommandResult struct {
	Command    string `json:"command"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// DecodeLastResult parses the stored last command result, nil when the task
// has not executed a command yet.
func (t *DeploymentTask) DecodeLastResult() (*CommandResult, error) {
	if t.LastResult == "" {
		return nil, nil
	}
	var r CommandResult
	if err := json.Unmarshal([]byte(t.LastResult), &r); err != nil {
		return nil, fmt.Errorf("decode last result for task %s: %w", t.ID, err)
	}
	return &r, nil
}

// Log levels.
const (
	LogInfo    = "info"
	LogSuccess = "success"
	LogWarning = "warning"
	LogError   = "error"
)

// DeploymentLog is one append-only log line of a task. Epoch attributes the
// line to a specific execution attempt.
type DeploymentLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID    string    `gorm:"not null;index;size:36" json:"task_id"`
	Epoch     int       `gorm:"not null;default:1" json:"epoch"`
	Level     string    `gorm:"not null;default:info" json:"level"`
	Message   string    `gorm:"type:text" json:"message"`
	Timestamp time.Time `gorm:"autoCreateTime;index" json:"timestamp"`
}

// CommandAudit records every remote command executed through the pool:
// which host, on behalf of which task, with what outcome. Rotated nightly.
type CommandAudit struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	HostID     uint      `gorm:"not null;index" json:"host_id"`
	TaskID     string    `gorm:"size:36;index" json:"task_id,omitempty"`
	Command    string    `gorm:"type:text;not null" json:"command"`
	ExitCode   int       `gorm:"not null;default:0" json:"exit_code"`
	DurationMs int64     `gorm:"not null;default:0" json:"duration_ms"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
