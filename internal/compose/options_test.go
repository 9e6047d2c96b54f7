package compose

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridle-dev/bridle/pkg/agentsdk"
)

func TestBuildQueryOptions_Defaults(t *testing.T) {
	t.Setenv(EnvDefaultModel, "")
	t.Setenv(agentsdk.EnvFileCheckpointing, "")
	b := NewBuilder(newTestLogger(t))

	opts := b.BuildQueryOptions(QueryInputs{
		WorkingDirectory: "/work/repo",
		PermissionMode:   agentsdk.PermissionModeDefault,
	})

	assert.Equal(t, "sonnet", opts.Model)
	require.NotNil(t, opts.SystemPrompt)
	assert.Equal(t, "preset", opts.SystemPrompt.Type)
	assert.Equal(t, "claude_code", opts.SystemPrompt.Preset)
	assert.Empty(t, opts.SystemPrompt.Append)
	assert.Equal(t, []string{"project"}, opts.SettingSources)
	assert.Nil(t, opts.AllowedTools)
	assert.Nil(t, opts.DisallowedTools)
	assert.Equal(t, "/work/repo", opts.CWD)
	assert.Equal(t, agentsdk.PermissionModeDefault, opts.PermissionMode)
	assert.False(t, opts.EnableFileCheckpointing)
	assert.Nil(t, opts.ExtraArgs)
	assert.Nil(t, opts.MCPServers)
	assert.Contains(t, opts.Agents, "code-reviewer")
	assert.Zero(t, opts.MaxTurns)
	assert.Zero(t, opts.MaxBudgetUSD)
	assert.Zero(t, opts.MaxThinkingTokens)
}

func TestBuildQueryOptions_ModelResolution(t *testing.T) {
	b := NewBuilder(newTestLogger(t))

	t.Run("config wins over environment", func(t *testing.T) {
		t.Setenv(EnvDefaultModel, "haiku")
		opts := b.BuildQueryOptions(QueryInputs{Config: map[string]any{"model": "opus"}})
		assert.Equal(t, "opus", opts.Model)
	})

	t.Run("environment beats the built-in default", func(t *testing.T) {
		t.Setenv(EnvDefaultModel, "haiku")
		opts := b.BuildQueryOptions(QueryInputs{})
		assert.Equal(t, "haiku", opts.Model)
	})

	t.Run("empty config value falls through", func(t *testing.T) {
		t.Setenv(EnvDefaultModel, "")
		opts := b.BuildQueryOptions(QueryInputs{Config: map[string]any{"model": ""}})
		assert.Equal(t, "sonnet", opts.Model)
	})
}

func TestBuildQueryOptions_PlanModeAppendsPrompt(t *testing.T) {
	b := NewBuilder(newTestLogger(t))

	opts := b.BuildQueryOptions(QueryInputs{PermissionMode: agentsdk.PermissionModePlan})

	require.NotNil(t, opts.SystemPrompt)
	assert.Equal(t, "claude_code", opts.SystemPrompt.Preset)
	assert.Contains(t, opts.SystemPrompt.Append, "plan mode")
	assert.Contains(t, opts.SystemPrompt.Append, "ExitPlanMode")

	opts = b.BuildQueryOptions(QueryInputs{PermissionMode: agentsdk.PermissionModeAcceptEdits})
	assert.Empty(t, opts.SystemPrompt.Append)
}

func TestBuildQueryOptions_AllowedTools(t *testing.T) {
	b := NewBuilder(newTestLogger(t))

	t.Run("empty list omits the field", func(t *testing.T) {
		opts := b.BuildQueryOptions(QueryInputs{Config: map[string]any{}})
		assert.Nil(t, opts.AllowedTools)
	})

	t.Run("unknown names filtered, Skill and Task unioned", func(t *testing.T) {
		opts := b.BuildQueryOptions(QueryInputs{Config: map[string]any{
			"allowedTools": []any{"Bash", "Read", "NotARealTool", "mcp__github__create_issue"},
		}})
		assert.ElementsMatch(t,
			[]string{"Bash", "Read", "mcp__github__create_issue", "Skill", "Task"},
			opts.AllowedTools)
	})

	t.Run("disallowed entries subtracted", func(t *testing.T) {
		opts := b.BuildQueryOptions(QueryInputs{Config: map[string]any{
			"allowedTools":    []string{"Bash", "Read"},
			"disallowedTools": []string{"Bash"},
		}})
		assert.ElementsMatch(t, []string{"Read", "Skill", "Task"}, opts.AllowedTools)
		assert.Equal(t, []string{"Bash"}, opts.DisallowedTools)
	})

	t.Run("Task left out when disallowed", func(t *testing.T) {
		opts := b.BuildQueryOptions(QueryInputs{Config: map[string]any{
			"allowedTools":    []string{"Read"},
			"disallowedTools": []string{"Task"},
		}})
		assert.NotContains(t, opts.AllowedTools, "Task")
		assert.Contains(t, opts.AllowedTools, "Skill")
	})

	t.Run("Skill is always admitted", func(t *testing.T) {
		opts := b.BuildQueryOptions(QueryInputs{Config: map[string]any{
			"allowedTools": []string{"Read"},
		}})
		assert.Contains(t, opts.AllowedTools, "Skill")
	})
}

func TestBuildQueryOptions_AgentsMerge(t *testing.T) {
	b := NewBuilder(newTestLogger(t))

	opts := b.BuildQueryOptions(QueryInputs{
		Config: map[string]any{
			"agents": map[string]any{
				"code-reviewer": map[string]any{
					"description": "Project-tuned reviewer",
					"prompt":      "Review with the project style guide in mind.",
				},
				"docs": map[string]any{
					"description": "Writes documentation",
					"prompt":      "Write clear docs.",
				},
			},
		},
		ActiveAgents: map[string]agentsdk.AgentDefinition{
			"docs": {Description: "Session-tuned docs agent", Prompt: "Focus on the README."},
		},
	})

	require.Contains(t, opts.Agents, "code-reviewer")
	require.Contains(t, opts.Agents, "docs")
	assert.Equal(t, "Project-tuned reviewer", opts.Agents["code-reviewer"].Description)
	assert.Equal(t, "Session-tuned docs agent", opts.Agents["docs"].Description)
}

func TestBuildQueryOptions_Checkpointing(t *testing.T) {
	b := NewBuilder(newTestLogger(t))

	t.Run("enabled by environment flag", func(t *testing.T) {
		t.Setenv(agentsdk.EnvFileCheckpointing, "1")
		opts := b.BuildQueryOptions(QueryInputs{})
		assert.True(t, opts.EnableFileCheckpointing)
		require.Contains(t, opts.ExtraArgs, "replay-user-messages")
		assert.Nil(t, opts.ExtraArgs["replay-user-messages"])
	})

	t.Run("disabled otherwise", func(t *testing.T) {
		t.Setenv(agentsdk.EnvFileCheckpointing, "0")
		opts := b.BuildQueryOptions(QueryInputs{})
		assert.False(t, opts.EnableFileCheckpointing)
		assert.Nil(t, opts.ExtraArgs)
	})
}

func TestBuildQueryOptions_MCPServerMerge(t *testing.T) {
	b := NewBuilder(newTestLogger(t))

	opts := b.BuildQueryOptions(QueryInputs{
		Config: map[string]any{
			"mcpServers": map[string]any{
				"github": map[string]any{"type": "stdio", "command": "github-mcp"},
				"search": map[string]any{"type": "http", "url": "http://localhost:8080"},
			},
		},
		CustomMCPServers: map[string]agentsdk.MCPServerConfig{
			"github": {Type: "sse", URL: "https://mcp.example.com/github"},
		},
	})

	require.Len(t, opts.MCPServers, 2)
	assert.Equal(t, "sse", opts.MCPServers["github"].Type)
	assert.Equal(t, "https://mcp.example.com/github", opts.MCPServers["github"].URL)
	assert.Equal(t, "http://localhost:8080", opts.MCPServers["search"].URL)
}

func TestBuildQueryOptions_ScalarsAndResume(t *testing.T) {
	b := NewBuilder(newTestLogger(t))

	opts := b.BuildQueryOptions(QueryInputs{
		Config: map[string]any{
			"maxTurns":          float64(12),
			"maxBudgetUsd":      2.5,
			"maxThinkingTokens": 4096,
			"sandbox":           map[string]any{"network": false},
		},
		Resume:          "runtime-session-1",
		ResumeSessionAt: "a3f0c1d2",
		ForkSession:     true,
	})

	assert.Equal(t, 12, opts.MaxTurns)
	assert.Equal(t, 2.5, opts.MaxBudgetUSD)
	assert.Equal(t, 4096, opts.MaxThinkingTokens)
	assert.Equal(t, map[string]any{"network": false}, opts.Sandbox)
	assert.Equal(t, "runtime-session-1", opts.Resume)
	assert.Equal(t, "a3f0c1d2", opts.ResumeSessionAt)
	assert.True(t, opts.ForkSession)
}

func TestBuildQueryOptions_Hooks(t *testing.T) {
	b := NewBuilder(newTestLogger(t))

	hooks := map[string][]agentsdk.HookMatcher{
		agentsdk.HookEventPreToolUse: {{Matcher: "Bash"}},
	}
	opts := b.BuildQueryOptions(QueryInputs{Hooks: hooks})
	assert.Equal(t, hooks, opts.Hooks)

	opts = b.BuildQueryOptions(QueryInputs{})
	assert.Nil(t, opts.Hooks)
}
