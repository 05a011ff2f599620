package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/vesselhq/vessel/internal/database"
	"github.com/vesselhq/vessel/internal/hosts"
	"github.com/vesselhq/vessel/internal/orchestrator"
	"github.com/vesselhq/vessel/internal/planner"
	"github.com/vesselhq/vessel/internal/sandbox"
	"github.com/vesselhq/vessel/internal/sshpool"
	"github.com/vesselhq/vessel/internal/sshterm"
	"github.com/vesselhq/vessel/internal/templates"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	err = db.AutoMigrate(&database.Host{}, &database.Setting{}, &database.DeploymentTemplate{},
		&database.DeploymentTask{}, &database.DeploymentLog{}, &database.CommandAudit{})
	if err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	prev := database.DB
	database.DB = db
	t.Cleanup(func() { database.DB = prev })
}

// stubSession records commands and always succeeds.
type stubSession struct {
	mu       sync.Mutex
	commands []string
}

func (s *stubSession) Run(ctx context.Context, command string) (*sshpool.ExecResult, error) {
	s.mu.Lock()
	s.commands = append(s.commands, command)
	s.mu.Unlock()
	return &sshpool.ExecResult{Command: command, ExitCode: 0, Stdout: "ok\n", Duration: time.Millisecond}, nil
}

func (s *stubSession) Release() {}

func (s *stubSession) ran() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}

type stubConns struct {
	session *stubSession
	err     error
}

func (c *stubConns) Acquire(ctx context.Context, hostID uint) (orchestrator.Session, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.session, nil
}

// setupHandlerTest wires the handler globals against an in-memory database
// and a stubbed SSH layer, and returns the session stub for command asserts.
func setupHandlerTest(t *testing.T) *stubSession {
	t.Helper()
	setupTestDB(t)

	sess := &stubSession{}
	Hosts = hosts.NewRegistry()
	Pool = sshpool.New(sshpool.Config{}, hosts.NewDialer(Hosts))
	Access = hosts.NewAccess(Hosts, Pool)
	Orch = orchestrator.New(&stubConns{session: sess}, planner.Get)
	Consoles = sshterm.NewManager()
	Sandboxes = sandbox.NewManager(Hosts)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		Orch.Shutdown(ctx)
		Pool.Close()
		Hosts, Access, Pool, Orch, Consoles, Sandboxes = nil, nil, nil, nil, nil, nil
	})
	return sess
}

// newRequest builds a request with chi URL params in context. A non-nil body
// is JSON-encoded.
func newRequest(t *testing.T, method, target string, body interface{}, params map[string]string) *http.Request {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func parseResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var result map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal response: %v (body: %s)", err, w.Body.String())
	}
	return result
}

func seedHost(t *testing.T) *database.Host {
	t.Helper()
	host, err := Hosts.Create(hosts.CreateRequest{
		Name:     "vps-1",
		Address:  "203.0.113.10",
		Port:     22,
		Username: "root",
		Password: "hunter2",
	})
	if err != nil {
		t.Fatalf("seed host: %v", err)
	}
	return host
}

func hostCreateNamed(name, address string) hosts.CreateRequest {
	return hosts.CreateRequest{Name: name, Address: address, Port: 22, Username: "root", Password: "hunter2"}
}

func seedTemplate(t *testing.T, tmpl *templates.Template) uint {
	t.Helper()
	spec, err := database.EncodeTemplateSpec(tmpl)
	if err != nil {
		t.Fatalf("encode template: %v", err)
	}
	row := database.DeploymentTemplate{
		Name:        tmpl.Name,
		DisplayName: tmpl.DisplayName,
		ServiceType: tmpl.ServiceType,
		Spec:        spec,
	}
	if err := database.DB.Create(&row).Error; err != nil {
		t.Fatalf("seed template: %v", err)
	}
	return row.ID
}

// secretTemplate declares a password variable that flows into a command and
// the config file, for asserting that API responses never leak it.
func secretTemplate() *templates.Template {
	return &templates.Template{
		Name:        "proxy-install",
		ServiceType: "shadowsocks",
		ServiceUnit: "shadowsocks.service",
		Commands: []string{
			"apt-get install -y shadowsocks-libev",
			"echo {{service_password}} > /etc/shadowsocks/secret",
			"systemctl restart shadowsocks.service",
		},
		ConfigPath:     "/etc/shadowsocks/config.json",
		ConfigTemplate: "{\"password\": \"{{service_password}}\", \"port\": {{port}}}\n",
		Variables: []templates.Variable{
			{Name: "service_password", Type: templates.TypePassword, Required: true},
			{Name: "port", Type: templates.TypeNumber, Default: "8388"},
		},
	}
}
