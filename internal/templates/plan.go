package templates

// DeploymentPlan is the concrete, ordered artifact handed to the task runner:
// fully substituted commands plus the rendered service config. Plans come
// from Resolve or from an external plan generator and are immutable once
// handed over for execution.
type DeploymentPlan struct {
	ServiceType string `json:"service_type,omitempty"`
	ServiceUnit string `json:"service_unit,omitempty"`

	Commands []string `json:"commands"`

	// Redacted mirrors Commands with password-typed values masked; task
	// logs and audit records use it so secrets never land in plain text.
	// When empty, Commands are logged as-is.
	Redacted []string `json:"redacted,omitempty"`

	// Variables holds the visible, resolved values the plan was rendered
	// from. Hidden variables are absent.
	Variables map[string]string `json:"variables,omitempty"`

	Description   string   `json:"description,omitempty"`
	Notes         []string `json:"notes,omitempty"`
	EstimatedTime string   `json:"estimated_time,omitempty"`
	Requirements  []string `json:"requirements,omitempty"`

	// ConfigPath/ConfigContent describe a config file written to the host
	// before the first command runs. Both empty when the plan has none.
	// RedactedConfig mirrors ConfigContent with password-typed values
	// masked, for display.
	ConfigPath     string `json:"config_path,omitempty"`
	ConfigContent  string `json:"config_content,omitempty"`
	RedactedConfig string `json:"redacted_config,omitempty"`

	// LogPath overrides journal tailing for the deployed service.
	LogPath string `json:"log_path,omitempty"`
}

// DisplayCommand returns the loggable form of command i: the redacted
// variant when one exists, otherwise the command itself.
func (p *DeploymentPlan) DisplayCommand(i int) string {
	if i >= 0 && i < len(p.Redacted) {
		return p.Redacted[i]
	}
	if i >= 0 && i < len(p.Commands) {
		return p.Commands[i]
	}
	return ""
}
