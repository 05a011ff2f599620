// Package templates defines deployment templates: an ordered command list
// plus an optional service config file, parameterized by typed variables with
// conditional visibility. Resolving a template against a variable map yields
// a DeploymentPlan ready for execution against a host.
package templates

import (
	"fmt"
	"regexp"

	"github.com/vesselhq/vessel/internal/errdefs"
)

// Variable types. Values are always carried as strings; the type controls
// validation and how clients render the input.
const (
	TypeText     = "text"
	TypePassword = "password"
	TypeNumber   = "number"
	TypeBoolean  = "boolean"
	TypeSelect   = "select"
)

// Condition is a single predicate over the variable map. Exactly one of
// Equals, NotEquals or In is set; a condition with none set always holds.
type Condition struct {
	Variable  string   `json:"variable" yaml:"variable"`
	Equals    *string  `json:"equals,omitempty" yaml:"equals,omitempty"`
	NotEquals *string  `json:"not_equals,omitempty" yaml:"not_equals,omitempty"`
	In        []string `json:"in,omitempty" yaml:"in,omitempty"`
}

func (c Condition) holds(values map[string]string) bool {
	v := values[c.Variable]
	switch {
	case c.Equals != nil:
		return v == *c.Equals
	case c.NotEquals != nil:
		return v != *c.NotEquals
	case len(c.In) > 0:
		for _, want := range c.In {
			if v == want {
				return true
			}
		}
		return false
	}
	return true
}

// Variable declares one template input.
type Variable struct {
	Name     string   `json:"name" yaml:"name"`
	Label    string   `json:"label,omitempty" yaml:"label,omitempty"`
	Type     string   `json:"type" yaml:"type"`
	Required bool     `json:"required,omitempty" yaml:"required,omitempty"`
	Default  string   `json:"default,omitempty" yaml:"default,omitempty"`
	Options  []string `json:"options,omitempty" yaml:"options,omitempty"`

	// VisibleWhen hides the variable unless every condition holds against
	// the merged variable map. An empty list means always visible. Hidden
	// variables are skipped by validation and render as empty strings, so
	// a value left over from a previously selected branch never reaches
	// the plan.
	VisibleWhen []Condition `json:"visible_when,omitempty" yaml:"visible_when,omitempty"`
}

func (v Variable) visible(values map[string]string) bool {
	for _, c := range v.VisibleWhen {
		if !c.holds(values) {
			return false
		}
	}
	return true
}

// Template is a deployment recipe for one service type. Commands and the
// config template may reference variables as {{name}}.
type Template struct {
	Name        string `json:"name" yaml:"name"`
	DisplayName string `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	ServiceType string `json:"service_type" yaml:"service_type"`

	// ServiceUnit is the systemd unit managed by this template; service
	// status and journal tailing default to it.
	ServiceUnit string `json:"service_unit,omitempty" yaml:"service_unit,omitempty"`

	// LogPath overrides journal tailing with a plain log file.
	LogPath string `json:"log_path,omitempty" yaml:"log_path,omitempty"`

	Commands       []string   `json:"commands" yaml:"commands"`
	ConfigTemplate string     `json:"config_template,omitempty" yaml:"config_template,omitempty"`
	ConfigPath     string     `json:"config_path,omitempty" yaml:"config_path,omitempty"`
	Variables      []Variable `json:"variables,omitempty" yaml:"variables,omitempty"`
}

var (
	templateNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)
	variableNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

var variableTypes = map[string]bool{
	TypeText:     true,
	TypePassword: true,
	TypeNumber:   true,
	TypeBoolean:  true,
	TypeSelect:   true,
}

// Validate checks the template definition itself, independent of any
// caller-supplied values.
func (t *Template) Validate() error {
	if !templateNamePattern.MatchString(t.Name) {
		return errdefs.Validationf("name", "%q is not a valid template name", t.Name)
	}
	if t.ServiceType == "" {
		return errdefs.Validationf("service_type", "must not be empty")
	}
	if len(t.Commands) == 0 {
		return errdefs.Validationf("commands", "template has no commands")
	}
	for i, c := range t.Commands {
		if c == "" {
			return errdefs.Validationf("commands", "command %d is empty", i+1)
		}
	}
	if (t.ConfigTemplate == "") != (t.ConfigPath == "") {
		return errdefs.Validationf("config_path", "config_template and config_path must be set together")
	}

	declared := make(map[string]bool, len(t.Variables))
	for _, v := range t.Variables {
		if !variableNamePattern.MatchString(v.Name) {
			return errdefs.Validationf("variables", "%q is not a valid variable name", v.Name)
		}
		if declared[v.Name] {
			return errdefs.Validationf("variables", "variable %q declared twice", v.Name)
		}
		declared[v.Name] = true
		if !variableTypes[v.Type] {
			return errdefs.Validationf(v.Name, "unknown type %q", v.Type)
		}
		if v.Type == TypeSelect && len(v.Options) == 0 {
			return errdefs.Validationf(v.Name, "select variable has no options")
		}
		if v.Type != TypeSelect && len(v.Options) > 0 {
			return errdefs.Validationf(v.Name, "options are only valid for select variables")
		}
		if v.Default != "" {
			if err := checkValue(v, v.Default); err != nil {
				return errdefs.Validationf(v.Name, "invalid default: %v", err)
			}
		}
	}
	for _, v := range t.Variables {
		for _, c := range v.VisibleWhen {
			if !declared[c.Variable] {
				return errdefs.Validationf(v.Name, "visibility condition references undeclared variable %q", c.Variable)
			}
			set := 0
			if c.Equals != nil {
				set++
			}
			if c.NotEquals != nil {
				set++
			}
			if len(c.In) > 0 {
				set++
			}
			if set != 1 {
				return errdefs.Validationf(v.Name, "visibility condition on %q must set exactly one of equals, not_equals, in", c.Variable)
			}
		}
	}
	return nil
}

// Variable returns the declaration for name, or nil.
func (t *Template) Variable(name string) *Variable {
	for i := range t.Variables {
		if t.Variables[i].Name == name {
			return &t.Variables[i]
		}
	}
	return nil
}

func checkValue(v Variable, value string) error {
	switch v.Type {
	case TypeNumber:
		if !numberPattern.MatchString(value) {
			return fmt.Errorf("%q is not a number", value)
		}
	case TypeBoolean:
		if value != "true" && value != "false" {
			return fmt.Errorf("%q is not true or false", value)
		}
	case TypeSelect:
		for _, o := range v.Options {
			if value == o {
				return nil
			}
		}
		return fmt.Errorf("%q is not one of the allowed options", value)
	}
	return nil
}

var numberPattern = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)
