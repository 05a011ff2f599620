package templates

import (
	"embed"
	"fmt"
	"path"

	"gopkg.in/yaml.v3"
)

//go:embed seeds/*.yaml
var seedFS embed.FS

// Builtin returns the built-in template catalog parsed from the embedded
// seed files, in file-name order.
func Builtin() ([]Template, error) {
	entries, err := seedFS.ReadDir("seeds")
	if err != nil {
		return nil, fmt.Errorf("read seed directory: %w", err)
	}
	out := make([]Template, 0, len(entries))
	for _, e := range entries {
		data, err := seedFS.ReadFile(path.Join("seeds", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read seed %s: %w", e.Name(), err)
		}
		var t Template
		if err := yaml.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("parse seed %s: %w", e.Name(), err)
		}
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("seed %s: %w", e.Name(), err)
		}
		out = append(out, t)
	}
	return out, nil
}
