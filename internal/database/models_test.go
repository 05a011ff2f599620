package database

import (
	"encoding/json"
	"testing"

	"github.com/vesselhq/vessel/internal/templates"
)

func TestHostDefaults(t *testing.T) {
	db := setupTestDB(t)

	host := Host{Name: "web-1", Address: "203.0.113.10", Username: "root"}
	if err := db.Create(&host).Error; err != nil {
		t.Fatalf("create host: %v", err)
	}

	var loaded Host
	if err := db.First(&loaded, host.ID).Error; err != nil {
		t.Fatalf("load host: %v", err)
	}
	if loaded.Port != 22 {
		t.Errorf("Port default = %d, want 22", loaded.Port)
	}
	if loaded.AuthMethod != AuthPassword {
		t.Errorf("AuthMethod default = %q, want %q", loaded.AuthMethod, AuthPassword)
	}
	if loaded.Sandbox {
		t.Errorf("Sandbox default = true, want false")
	}
}

func TestHostCredentialsNotInJSON(t *testing.T) {
	host := Host{
		Name:          "web-1",
		Address:       "203.0.113.10",
		Username:      "root",
		Password:      "gAAAAA-ciphertext",
		PrivateKey:    "gAAAAA-key-ciphertext",
		KeyPassphrase: "gAAAAA-passphrase",
	}

	data, err := json.Marshal(host)
	if err != nil {
		t.Fatalf("marshal host: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	for _, forbidden := range []string{"password", "Password", "private_key", "PrivateKey", "key_passphrase", "KeyPassphrase", "sandbox_container"} {
		if _, ok := m[forbidden]; ok {
			t.Errorf("%s should not appear in JSON output", forbidden)
		}
	}
	if _, ok := m["auth_method"]; !ok {
		t.Error("auth_method should appear in JSON output")
	}
}

func TestTaskColumns(t *testing.T) {
	db := setupTestDB(t)

	var columns []struct {
		Name string `gorm:"column:name"`
	}
	db.Raw("PRAGMA table_info(deployment_tasks)").Scan(&columns)

	colNames := make(map[string]bool)
	for _, c := range columns {
		colNames[c.Name] = true
	}
	for _, expected := range []string{"epoch", "error_kind", "plan_source", "last_result", "started_at", "completed_at"} {
		if !colNames[expected] {
			t.Errorf("expected column %q in deployment_tasks, found: %v", expected, colNames)
		}
	}
}

func TestTaskLogRelation(t *testing.T) {
	db := setupTestDB(t)

	task := DeploymentTask{ID: "11111111-1111-1111-1111-111111111111", HostID: 1, Variables: "{}", Plan: "{}"}
	if err := db.Create(&task).Error; err != nil {
		t.Fatalf("create task: %v", err)
	}
	for _, msg := range []string{"first", "second", "third"} {
		if err := db.Create(&DeploymentLog{TaskID: task.ID, Epoch: 1, Level: LogInfo, Message: msg}).Error; err != nil {
			t.Fatalf("create log %q: %v", msg, err)
		}
	}

	var logs []DeploymentLog
	if err := db.Where("task_id = ?", task.ID).Order("id").Find(&logs).Error; err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("log count = %d, want 3", len(logs))
	}
	if logs[0].Message != "first" || logs[2].Message != "third" {
		t.Errorf("logs out of order: %v", logs)
	}
}

func TestTaskTerminal(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{TaskPending, false},
		{TaskRunning, false},
		{TaskCompleted, true},
		{TaskFailed, true},
		{TaskCancelled, true},
	}
	for _, tt := range tests {
		task := DeploymentTask{Status: tt.status}
		if got := task.Terminal(); got != tt.want {
			t.Errorf("Terminal(%s) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestTemplateSpecRoundTrip(t *testing.T) {
	db := setupTestDB(t)

	spec := &templates.Template{
		Name:        "redis-server",
		DisplayName: "Redis",
		ServiceType: "redis",
		Commands:    []string{"apt-get install -y redis-server", "systemctl enable --now redis-server"},
		Variables: []templates.Variable{
			{Name: "maxmemory", Type: templates.TypeText, Default: "256mb"},
		},
	}
	encoded, err := EncodeTemplateSpec(spec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	row := DeploymentTemplate{Name: spec.Name, ServiceType: spec.ServiceType, Spec: encoded}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("create template: %v", err)
	}

	var loaded DeploymentTemplate
	if err := db.First(&loaded, row.ID).Error; err != nil {
		t.Fatalf("load template: %v", err)
	}
	decoded, err := loaded.Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Name != spec.Name || len(decoded.Commands) != 2 || decoded.Variables[0].Default != "256mb" {
		t.Errorf("round trip mismatch: %+v", decoded)
	}
}

func TestDecodeLastResult(t *testing.T) {
	task := DeploymentTask{}
	if r, err := task.DecodeLastResult(); err != nil || r != nil {
		t.Errorf("empty last result = %v, %v, want nil, nil", r, err)
	}

	task.LastResult = `{"command":"systemctl restart nginx","exit_code":1,"stderr":"Job failed","duration_ms":412}`
	r, err := task.DecodeLastResult()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.Command != "systemctl restart nginx" || r.ExitCode != 1 || r.DurationMs != 412 {
		t.Errorf("decoded result mismatch: %+v", r)
	}

	task.LastResult = "{broken"
	if _, err := task.DecodeLastResult(); err == nil {
		t.Errorf("expected error for malformed last result")
	}
}

func TestPlanRoundTrip(t *testing.T) {
	plan := &templates.DeploymentPlan{
		ServiceType: "nginx",
		Commands:    []string{"apt-get install -y nginx", "systemctl reload nginx"},
		Variables:   map[string]string{"server_name": "example.com"},
	}
	encoded, err := EncodePlan(plan)
	if err != nil {
		t.Fatalf("encode plan: %v", err)
	}
	task := DeploymentTask{Plan: encoded}
	decoded, err := task.DecodePlan()
	if err != nil {
		t.Fatalf("decode plan: %v", err)
	}
	if len(decoded.Commands) != 2 || decoded.Variables["server_name"] != "example.com" {
		t.Errorf("plan round trip mismatch: %+v", decoded)
	}
}
