// Package planner produces deployment plans. Two backends exist: the
// template backend renders a stored template against user variables, and the
// AI backend asks an external planning service to draft a plan from a free
// text description. A runtime registry picks the generating backend; the
// task orchestrator only ever sees the PlanProvider interface and the
// resulting DeploymentPlan.
package planner

import (
	"context"
	"fmt"

	"github.com/vesselhq/vessel/internal/templates"
)

// HostContext is the target host information shared with the planning
// service so generated commands can fit the machine. Never includes
// credentials.
type HostContext struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
}

// PlanProvider is the seam between plan generation and task execution.
type PlanProvider interface {
	// Name identifies the backend ("template", "ai") in logs and task rows.
	Name() string

	// ResolveTemplate renders a template against values. Synchronous and
	// deterministic; a bad value surfaces as an errdefs.ValidationError.
	ResolveTemplate(t *templates.Template, values map[string]string) (*templates.DeploymentPlan, error)

	// GenerateFromDescription drafts a plan for the host from free text.
	// May block on an external service, so it takes a context.
	GenerateFromDescription(ctx context.Context, description string, host HostContext) (*templates.DeploymentPlan, error)
}

// TemplateProvider serves plans from stored templates only.
type TemplateProvider struct{}

func (p *TemplateProvider) Name() string { return "template" }

func (p *TemplateProvider) ResolveTemplate(t *templates.Template, values map[string]string) (*templates.DeploymentPlan, error) {
	return templates.Resolve(t, values)
}

func (p *TemplateProvider) GenerateFromDescription(ctx context.Context, description string, host HostContext) (*templates.DeploymentPlan, error) {
	return nil, fmt.Errorf("plan generation from a description requires the AI planner backend")
}
