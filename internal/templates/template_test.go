package templates

import (
	"testing"
)

func validTemplate() *Template {
	return &Template{
		Name:        "demo",
		ServiceType: "demo",
		Commands:    []string{"echo ok"},
	}
}

func TestTemplateValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Template)
		wantOK bool
	}{
		{"minimal valid", func(t *Template) {}, true},
		{"uppercase name", func(t *Template) { t.Name = "Demo" }, false},
		{"empty name", func(t *Template) { t.Name = "" }, false},
		{"empty service type", func(t *Template) { t.ServiceType = "" }, false},
		{"no commands", func(t *Template) { t.Commands = nil }, false},
		{"empty command", func(t *Template) { t.Commands = []string{"echo ok", ""} }, false},
		{"config template without path", func(t *Template) { t.ConfigTemplate = "x=1" }, false},
		{"config path without template", func(t *Template) { t.ConfigPath = "/etc/x" }, false},
		{"config pair", func(t *Template) { t.ConfigTemplate = "x=1"; t.ConfigPath = "/etc/x" }, true},
		{"bad variable name", func(t *Template) {
			t.Variables = []Variable{{Name: "1bad", Type: TypeText}}
		}, false},
		{"duplicate variable", func(t *Template) {
			t.Variables = []Variable{{Name: "a", Type: TypeText}, {Name: "a", Type: TypeText}}
		}, false},
		{"unknown type", func(t *Template) {
			t.Variables = []Variable{{Name: "a", Type: "list"}}
		}, false},
		{"select without options", func(t *Template) {
			t.Variables = []Variable{{Name: "a", Type: TypeSelect}}
		}, false},
		{"options on text variable", func(t *Template) {
			t.Variables = []Variable{{Name: "a", Type: TypeText, Options: []string{"x"}}}
		}, false},
		{"default outside options", func(t *Template) {
			t.Variables = []Variable{{Name: "a", Type: TypeSelect, Options: []string{"x"}, Default: "y"}}
		}, false},
		{"non-numeric default", func(t *Template) {
			t.Variables = []Variable{{Name: "a", Type: TypeNumber, Default: "many"}}
		}, false},
		{"condition on undeclared variable", func(t *Template) {
			t.Variables = []Variable{
				{Name: "a", Type: TypeText,
					VisibleWhen: []Condition{{Variable: "ghost", Equals: strptr("x")}}},
			}
		}, false},
		{"condition with two predicates", func(t *Template) {
			t.Variables = []Variable{
				{Name: "a", Type: TypeText},
				{Name: "b", Type: TypeText,
					VisibleWhen: []Condition{{Variable: "a", Equals: strptr("x"), In: []string{"y"}}}},
			}
		}, false},
		{"not-equals condition", func(t *Template) {
			t.Variables = []Variable{
				{Name: "a", Type: TypeText},
				{Name: "b", Type: TypeText,
					VisibleWhen: []Condition{{Variable: "a", NotEquals: strptr("x")}}},
			}
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl := validTemplate()
			tt.mutate(tmpl)
			err := tmpl.Validate()
			if tt.wantOK && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tt.wantOK && err == nil {
				t.Errorf("Validate() = nil, want error")
			}
		})
	}
}

func TestConditionNotEquals(t *testing.T) {
	tmpl := &Template{
		Name:        "fallback-gate",
		ServiceType: "demo",
		Commands:    []string{"echo {{custom_host}}"},
		Variables: []Variable{
			{Name: "upstream", Type: TypeSelect, Default: "auto", Options: []string{"auto", "custom"}},
			{Name: "custom_host", Type: TypeText, Required: true,
				VisibleWhen: []Condition{{Variable: "upstream", NotEquals: strptr("auto")}}},
		},
	}
	if _, err := Resolve(tmpl, nil); err != nil {
		t.Errorf("custom_host should be hidden for upstream=auto: %v", err)
	}
	if _, err := Resolve(tmpl, map[string]string{"upstream": "custom"}); err == nil {
		t.Errorf("custom_host should be required for upstream=custom")
	}
}

func TestVariableLookup(t *testing.T) {
	tmpl := proxyTemplate()
	if v := tmpl.Variable("mode"); v == nil || v.Type != TypeSelect {
		t.Errorf("Variable(mode) = %+v, want select declaration", v)
	}
	if v := tmpl.Variable("ghost"); v != nil {
		t.Errorf("Variable(ghost) = %+v, want nil", v)
	}
}
