package templates

import (
	"regexp"

	"github.com/vesselhq/vessel/internal/errdefs"
)

// Placeholders are {{name}} with no surrounding spaces. Anything else, in
// particular a service's own Go-template or Jinja syntax inside the config,
// passes through untouched.
var substPattern = regexp.MustCompile(`\{\{([a-z][a-z0-9_]*)\}\}`)

const maskedValue = "********"

// Resolve renders a template against caller-supplied values and returns the
// resulting plan. It is pure and deterministic: the same template and values
// always produce byte-identical output, so callers can preview a plan without
// side effects.
//
// Resolution order: defaults are applied for unset variables, visibility is
// evaluated against the merged map, visible variables are validated, and
// placeholders are substituted into every command, the config template and
// the config path. Hidden variables are excluded from validation and render
// as empty strings even when a value was supplied.
func Resolve(t *Template, values map[string]string) (*DeploymentPlan, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	declared := make(map[string]bool, len(t.Variables))
	for _, v := range t.Variables {
		declared[v.Name] = true
	}
	for name := range values {
		if !declared[name] {
			return nil, errdefs.Validationf(name, "template %s declares no such variable", t.Name)
		}
	}

	merged := make(map[string]string, len(t.Variables))
	for _, v := range t.Variables {
		if v.Default != "" {
			merged[v.Name] = v.Default
		}
	}
	for name, val := range values {
		merged[name] = val
	}

	visible := make(map[string]bool, len(t.Variables))
	for _, v := range t.Variables {
		visible[v.Name] = v.visible(merged)
	}

	for _, v := range t.Variables {
		if !visible[v.Name] {
			continue
		}
		val := merged[v.Name]
		if val == "" {
			if v.Required {
				return nil, errdefs.Validationf(v.Name, "required variable is not set")
			}
			continue
		}
		if err := checkValue(v, val); err != nil {
			return nil, errdefs.Validationf(v.Name, "%v", err)
		}
	}

	sub := make(map[string]string, len(t.Variables))
	secret := make(map[string]bool)
	for _, v := range t.Variables {
		if visible[v.Name] {
			sub[v.Name] = merged[v.Name]
			if v.Type == TypePassword {
				secret[v.Name] = true
			}
		} else {
			sub[v.Name] = ""
		}
	}

	expand := func(s string, mask bool) string {
		return substPattern.ReplaceAllStringFunc(s, func(m string) string {
			name := m[2 : len(m)-2]
			val, ok := sub[name]
			if !ok {
				return m
			}
			if mask && secret[name] && val != "" {
				return maskedValue
			}
			return val
		})
	}

	plan := &DeploymentPlan{
		ServiceType: t.ServiceType,
		ServiceUnit: t.ServiceUnit,
		Description: t.Description,
		LogPath:     expand(t.LogPath, false),
		Commands:    make([]string, 0, len(t.Commands)),
		Redacted:    make([]string, 0, len(t.Commands)),
		Variables:   make(map[string]string),
	}
	for _, v := range t.Variables {
		if visible[v.Name] {
			plan.Variables[v.Name] = merged[v.Name]
		}
	}
	for _, c := range t.Commands {
		plan.Commands = append(plan.Commands, expand(c, false))
		plan.Redacted = append(plan.Redacted, expand(c, true))
	}
	if t.ConfigTemplate != "" {
		plan.ConfigPath = expand(t.ConfigPath, false)
		plan.ConfigContent = expand(t.ConfigTemplate, false)
		plan.RedactedConfig = expand(t.ConfigTemplate, true)
	}
	return plan, nil
}
