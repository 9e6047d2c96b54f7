package agentsdk

import "context"

// Permission modes understood by the runtime.
const (
	// PermissionModeDefault prompts for anything not covered by a rule
	PermissionModeDefault = "default"
	// PermissionModeAcceptEdits auto-approves file edits
	PermissionModeAcceptEdits = "acceptEdits"
	// PermissionModeBypassPermissions auto-approves everything
	PermissionModeBypassPermissions = "bypassPermissions"
	// PermissionModePlan restricts the agent to read-only planning
	PermissionModePlan = "plan"
)

// ValidPermissionMode reports whether mode is one of the four known modes.
func ValidPermissionMode(mode string) bool {
	switch mode {
	case PermissionModeDefault, PermissionModeAcceptEdits,
		PermissionModeBypassPermissions, PermissionModePlan:
		return true
	}
	return false
}

// EnvFileCheckpointing is the environment variable gating runtime file
// checkpointing. Checkpoint capture and rewind only work when it is "1".
const EnvFileCheckpointing = "CLAUDE_CODE_ENABLE_SDK_FILE_CHECKPOINTING"

// Hook events the runtime can call back on.
const (
	HookEventPreToolUse       = "PreToolUse"
	HookEventPostToolUse      = "PostToolUse"
	HookEventUserPromptSubmit = "UserPromptSubmit"
	HookEventStop             = "Stop"
	HookEventSessionStart     = "SessionStart"
	HookEventSessionEnd       = "SessionEnd"
)

// Options configures a single runtime query.
type Options struct {
	// Model selects the model alias or identifier for the turn.
	Model string `json:"model,omitempty"`

	// SystemPrompt configures the system prompt. Nil keeps the runtime's
	// default.
	SystemPrompt *SystemPromptConfig `json:"systemPrompt,omitempty"`

	// SettingSources limits which settings scopes the runtime loads.
	SettingSources []string `json:"settingSources,omitempty"`

	AllowedTools    []string `json:"allowedTools,omitempty"`
	DisallowedTools []string `json:"disallowedTools,omitempty"`

	// CWD is the working directory the agent operates in.
	CWD string `json:"cwd,omitempty"`

	PermissionMode string `json:"permissionMode,omitempty"`

	MCPServers map[string]MCPServerConfig `json:"mcpServers,omitempty"`
	Agents     map[string]AgentDefinition `json:"agents,omitempty"`

	// Hooks registers callbacks by event. Callbacks are invoked through
	// the control channel and never serialized.
	Hooks map[string][]HookMatcher `json:"-"`

	MaxTurns          int     `json:"maxTurns,omitempty"`
	MaxBudgetUSD      float64 `json:"maxBudgetUSD,omitempty"`
	MaxThinkingTokens int     `json:"maxThinkingTokens,omitempty"`

	// Sandbox carries sandbox settings through to the runtime unchanged.
	Sandbox map[string]any `json:"sandbox,omitempty"`

	EnableFileCheckpointing bool `json:"enableFileCheckpointing,omitempty"`

	// ExtraArgs adds raw CLI flags: key --key, nil value for bare flags.
	ExtraArgs map[string]*string `json:"-"`

	// Resume continues an existing runtime session by ID.
	Resume string `json:"resume,omitempty"`
	// ResumeSessionAt rewinds the resumed session to a user message UUID.
	ResumeSessionAt string `json:"resumeSessionAt,omitempty"`
	// ForkSession resumes into a fresh session ID instead of appending.
	ForkSession bool `json:"forkSession,omitempty"`
}

// SystemPromptConfig selects the system prompt: a named preset with an
// optional append, or literal text.
type SystemPromptConfig struct {
	Type   string `json:"type"` // "preset" or "text"
	Preset string `json:"preset,omitempty"`
	Append string `json:"append,omitempty"`
	Text   string `json:"text,omitempty"`
}

// PresetSystemPrompt builds a preset system prompt configuration.
func PresetSystemPrompt(preset string) *SystemPromptConfig {
	return &SystemPromptConfig{Type: "preset", Preset: preset}
}

// TextSystemPrompt builds a literal system prompt configuration.
func TextSystemPrompt(text string) *SystemPromptConfig {
	return &SystemPromptConfig{Type: "text", Text: text}
}

// MCPServerConfig describes one MCP server the runtime should connect to.
// Stdio servers set Command; SSE and HTTP servers set URL.
type MCPServerConfig struct {
	Type    string            `json:"type,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// AgentDefinition describes a subagent the runtime can dispatch to.
type AgentDefinition struct {
	Description string   `json:"description"`
	Prompt      string   `json:"prompt"`
	Tools       []string `json:"tools,omitempty"`
	Model       string   `json:"model,omitempty"`
}

// HookCallback handles one hook invocation and returns the hook output.
type HookCallback func(ctx context.Context, input map[string]any) (map[string]any, error)

// HookMatcher binds callbacks to the tool-name pattern they fire on.
type HookMatcher struct {
	Matcher string
	Hooks   []HookCallback
}
