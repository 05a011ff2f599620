package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vesselhq/vessel/internal/templates"
)

// Plan drafting waits on a language model; the probe endpoint does not.
var (
	aiHTTPClient    = &http.Client{Timeout: 120 * time.Second}
	probeHTTPClient = &http.Client{Timeout: 5 * time.Second}
)

// ServiceError is a non-2xx reply from the planning service.
type ServiceError struct {
	StatusCode int
	Message    string
}

func (e *ServiceError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("planning service: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("planning service: HTTP %d: %s", e.StatusCode, e.Message)
}

// AIProvider generates plans through an external HTTP planning service.
type AIProvider struct {
	URL   string
	Token string

	// Model overrides the service's default model when set (the
	// planner_model setting).
	Model string
}

func NewAIProvider(url, token, model string) *AIProvider {
	return &AIProvider{URL: strings.TrimRight(url, "/"), Token: token, Model: model}
}

func (p *AIProvider) Name() string { return "ai" }

// ResolveTemplate renders locally; templates never round-trip through the
// planning service.
func (p *AIProvider) ResolveTemplate(t *templates.Template, values map[string]string) (*templates.DeploymentPlan, error) {
	return templates.Resolve(t, values)
}

type generateRequest struct {
	Description string      `json:"description"`
	Host        HostContext `json:"host"`
	Model       string      `json:"model,omitempty"`
}

func (p *AIProvider) doRequest(ctx context.Context, client *http.Client, method, path string, body interface{}) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.URL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}

	return client.Do(req)
}

// GenerateFromDescription asks the service to draft a plan. The reply is the
// DeploymentPlan JSON shape; a plan with no commands is rejected here so the
// orchestrator never receives an empty run.
func (p *AIProvider) GenerateFromDescription(ctx context.Context, description string, host HostContext) (*templates.DeploymentPlan, error) {
	if strings.TrimSpace(description) == "" {
		return nil, fmt.Errorf("description is empty")
	}

	resp, err := p.doRequest(ctx, aiHTTPClient, "POST", "/v1/plans", generateRequest{
		Description: description,
		Host:        host,
		Model:       p.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("generate plan: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &ServiceError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	var plan templates.DeploymentPlan
	if err := json.NewDecoder(resp.Body).Decode(&plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if len(plan.Commands) == 0 {
		return nil, fmt.Errorf("planning service returned a plan with no commands")
	}
	for i, c := range plan.Commands {
		if strings.TrimSpace(c) == "" {
			return nil, fmt.Errorf("planning service returned an empty command at position %d", i+1)
		}
	}
	return &plan, nil
}

// Available probes the service health endpoint.
func (p *AIProvider) Available(ctx context.Context) bool {
	resp, err := p.doRequest(ctx, probeHTTPClient, "GET", "/healthz", nil)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}
