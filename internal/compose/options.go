package compose

import (
	"encoding/json"
	"os"

	"github.com/bridle-dev/bridle/internal/permission"
	"github.com/bridle-dev/bridle/pkg/agentsdk"
)

// defaultModel is the model alias used when neither project config nor
// the environment selects one.
const defaultModel = "sonnet"

// EnvDefaultModel overrides the built-in fallback model alias.
const EnvDefaultModel = "ANTHROPIC_MODEL"

// systemPromptPreset names the runtime-hosted system prompt the engine
// always selects.
const systemPromptPreset = "claude_code"

// planModeAppend rides along with the preset while the session is in
// plan mode.
const planModeAppend = "You are in plan mode. Plan mode is read-only: explore the " +
	"codebase and design an approach before any changes are made.\n\n" +
	"Allowed tools: Read, Grep, Glob, ExitPlanMode.\n\n" +
	"Workflow:\n" +
	"1. Explore the relevant files with the read-only tools.\n" +
	"2. Write a concrete implementation plan.\n" +
	"3. Call ExitPlanMode with the plan to ask the user for approval.\n\n" +
	"Do not edit files, run commands, create checkpoints, or modify any " +
	"state until the user approves the plan."

// presetAgents are always offered to the runtime. Config-defined and
// runtime-activated agents are layered on top of them.
var presetAgents = map[string]agentsdk.AgentDefinition{
	"code-reviewer": {
		Description: "Reviews recent changes for correctness, style, and risk",
		Prompt: "You are a careful code reviewer. Inspect the requested changes, " +
			"point out bugs, risky patterns, and style problems, and suggest " +
			"concrete fixes. Do not modify anything yourself.",
		Tools: []string{agentsdk.ToolRead, agentsdk.ToolGrep, agentsdk.ToolGlob},
	},
}

// QueryInputs collects the per-turn state BuildQueryOptions assembles
// runtime options from.
type QueryInputs struct {
	// Config is the merged project configuration.
	Config map[string]any
	// PermissionMode is the arbiter's current mode.
	PermissionMode string
	// WorkingDirectory is the session's working directory.
	WorkingDirectory string
	// ActiveAgents are agents activated at session runtime. They win
	// name collisions against preset and configured agents.
	ActiveAgents map[string]agentsdk.AgentDefinition
	// Hooks maps hook events to their registered matchers.
	Hooks map[string][]agentsdk.HookMatcher
	// CustomMCPServers win key collisions against config-defined servers.
	CustomMCPServers map[string]agentsdk.MCPServerConfig

	// Resume continues an existing runtime session, optionally rewound
	// to a user message UUID, optionally forked into a fresh session.
	Resume          string
	ResumeSessionAt string
	ForkSession     bool
}

// BuildQueryOptions assembles the runtime options for one turn.
func (b *Builder) BuildQueryOptions(in QueryInputs) *agentsdk.Options {
	cfg := in.Config

	opts := &agentsdk.Options{
		Model:           resolveModel(cfg),
		SystemPrompt:    systemPrompt(in.PermissionMode),
		SettingSources:  []string{"project"},
		CWD:             in.WorkingDirectory,
		PermissionMode:  in.PermissionMode,
		Resume:          in.Resume,
		ResumeSessionAt: in.ResumeSessionAt,
		ForkSession:     in.ForkSession,
	}

	agents := mergeAgents(cfg, in.ActiveAgents)
	if len(agents) > 0 {
		opts.Agents = agents
	}

	disallowed := stringsFromConfig(cfg, "disallowedTools")
	opts.DisallowedTools = disallowed
	opts.AllowedTools = resolveAllowedTools(cfg, agents, disallowed)

	if len(in.Hooks) > 0 {
		opts.Hooks = in.Hooks
	}

	if os.Getenv(agentsdk.EnvFileCheckpointing) == "1" {
		opts.EnableFileCheckpointing = true
		opts.ExtraArgs = map[string]*string{"replay-user-messages": nil}
	}

	if servers := mergeMCPServers(cfg, in.CustomMCPServers); len(servers) > 0 {
		opts.MCPServers = servers
	}

	opts.MaxTurns = intFromConfig(cfg, "maxTurns")
	opts.MaxBudgetUSD = floatFromConfig(cfg, "maxBudgetUsd")
	opts.MaxThinkingTokens = intFromConfig(cfg, "maxThinkingTokens")
	if sandbox, ok := cfg["sandbox"].(map[string]any); ok && len(sandbox) > 0 {
		opts.Sandbox = sandbox
	}

	return opts
}

// resolveModel picks the turn's model: project config, then environment,
// then the built-in default.
func resolveModel(cfg map[string]any) string {
	if model, ok := cfg["model"].(string); ok && model != "" {
		return model
	}
	if model := os.Getenv(EnvDefaultModel); model != "" {
		return model
	}
	return defaultModel
}

// systemPrompt selects the preset descriptor, appending the plan-mode
// prompt only while the session plans.
func systemPrompt(mode string) *agentsdk.SystemPromptConfig {
	sp := agentsdk.PresetSystemPrompt(systemPromptPreset)
	if mode == agentsdk.PermissionModePlan {
		sp.Append = planModeAppend
	}
	return sp
}

// mergeAgents layers config-defined agents over the preset set, then
// lets runtime-activated agents win remaining name collisions.
func mergeAgents(cfg map[string]any, active map[string]agentsdk.AgentDefinition) map[string]agentsdk.AgentDefinition {
	out := make(map[string]agentsdk.AgentDefinition, len(presetAgents)+len(active))
	for name, def := range presetAgents {
		out[name] = def
	}
	for name, def := range agentsFromConfig(cfg) {
		out[name] = def
	}
	for name, def := range active {
		out[name] = def
	}
	return out
}

// agentsFromConfig decodes the config's agents map. Malformed entries
// are dropped rather than failing the turn.
func agentsFromConfig(cfg map[string]any) map[string]agentsdk.AgentDefinition {
	raw, ok := cfg["agents"]
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var agents map[string]agentsdk.AgentDefinition
	if err := json.Unmarshal(data, &agents); err != nil {
		return nil
	}
	return agents
}

// resolveAllowedTools applies the allow-list assembly rules: keep
// configured entries naming known or MCP tools, always admit Skill,
// admit Task when any agents are defined and Task is not disallowed,
// then subtract the disallow list. An empty configured list disables
// the restriction entirely and the field is omitted.
func resolveAllowedTools(cfg map[string]any, agents map[string]agentsdk.AgentDefinition, disallowed []string) []string {
	configured := stringsFromConfig(cfg, "allowedTools")
	if len(configured) == 0 {
		return nil
	}

	tools := make([]string, 0, len(configured)+2)
	seen := make(map[string]bool, len(configured)+2)
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			tools = append(tools, name)
		}
	}

	for _, name := range configured {
		if permission.IsKnownTool(name) || permission.IsMCPTool(name) {
			add(name)
		}
	}
	add(agentsdk.ToolSkill)
	if len(agents) > 0 && !permission.MatchesToolList(disallowed, agentsdk.ToolTask) {
		add(agentsdk.ToolTask)
	}

	kept := tools[:0]
	for _, name := range tools {
		if !permission.MatchesToolList(disallowed, name) {
			kept = append(kept, name)
		}
	}
	return kept
}

// mergeMCPServers merges config-defined servers with the manager's
// custom servers, custom winning on key collision.
func mergeMCPServers(cfg map[string]any, custom map[string]agentsdk.MCPServerConfig) map[string]agentsdk.MCPServerConfig {
	out := make(map[string]agentsdk.MCPServerConfig, len(custom))
	if raw, ok := cfg["mcpServers"]; ok {
		if data, err := json.Marshal(raw); err == nil {
			var configured map[string]agentsdk.MCPServerConfig
			if err := json.Unmarshal(data, &configured); err == nil {
				for name, server := range configured {
					out[name] = server
				}
			}
		}
	}
	for name, server := range custom {
		out[name] = server
	}
	return out
}

// stringsFromConfig reads a string-slice config value, tolerating the
// []any form produced by JSON and YAML decoding.
func stringsFromConfig(cfg map[string]any, key string) []string {
	switch v := cfg[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}
	return nil
}

// intFromConfig tolerates the numeric types JSON and YAML decoding
// produce for integer settings.
func intFromConfig(cfg map[string]any, key string) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func floatFromConfig(cfg map[string]any, key string) float64 {
	switch v := cfg[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
