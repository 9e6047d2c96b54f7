package permission

// Config is the permission slice of a resolved project configuration.
// Tool lists use the matching rules of MatchesToolList; command lists use
// the Bash command pattern rules.
type Config struct {
	// Mode is one of default, acceptEdits, bypassPermissions, plan.
	Mode string `json:"mode,omitempty"`

	// AllowedTools, when non-empty, restricts the agent to matching tools.
	AllowedTools []string `json:"allowedTools,omitempty"`

	// DisallowedTools always deny, regardless of any other setting.
	DisallowedTools []string `json:"disallowedTools,omitempty"`

	// AllowDangerouslySkipPermissions approves every tool without
	// prompting. Questions to the user still go through.
	AllowDangerouslySkipPermissions bool `json:"allowDangerouslySkipPermissions,omitempty"`

	// AllowedCommands are Bash command patterns approved without a prompt.
	AllowedCommands []string `json:"allowedCommands,omitempty"`

	// DisallowedCommands are Bash command patterns that always deny.
	DisallowedCommands []string `json:"disallowedCommands,omitempty"`
}

// ConfigFromMap extracts the permission fields from a resolved config map.
// Extraction is best-effort: unknown keys are ignored and values with
// unexpected types are skipped rather than failing the whole extraction.
func ConfigFromMap(m map[string]any) Config {
	var cfg Config
	if s, ok := m["mode"].(string); ok {
		cfg.Mode = s
	}
	if b, ok := m["allowDangerouslySkipPermissions"].(bool); ok {
		cfg.AllowDangerouslySkipPermissions = b
	}
	cfg.AllowedTools = stringSlice(m["allowedTools"])
	cfg.DisallowedTools = stringSlice(m["disallowedTools"])
	cfg.AllowedCommands = stringSlice(m["allowedCommands"])
	cfg.DisallowedCommands = stringSlice(m["disallowedCommands"])
	return cfg
}

// stringSlice coerces a config value to []string, accepting both []string
// and the []any shape produced by JSON decoding. Non-string elements are
// dropped.
func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	default:
		return nil
	}
}
