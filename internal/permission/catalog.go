package permission

import (
	"strings"

	"github.com/bridle-dev/bridle/pkg/agentsdk"
)

// knownTools is the set of built-in runtime tools the arbiter can classify.
// Anything outside this set (including every MCP tool) is treated as unknown.
var knownTools = map[string]struct{}{
	agentsdk.ToolTask:            {},
	agentsdk.ToolBash:            {},
	agentsdk.ToolGlob:            {},
	agentsdk.ToolGrep:            {},
	agentsdk.ToolRead:            {},
	agentsdk.ToolEdit:            {},
	agentsdk.ToolMultiEdit:       {},
	agentsdk.ToolWrite:           {},
	agentsdk.ToolNotebookEdit:    {},
	agentsdk.ToolWebFetch:        {},
	agentsdk.ToolWebSearch:       {},
	agentsdk.ToolTodoWrite:       {},
	agentsdk.ToolKillBash:        {},
	agentsdk.ToolAskUserQuestion: {},
	agentsdk.ToolSkill:           {},
	agentsdk.ToolExitPlanMode:    {},
}

// dangerousTools require user confirmation in default permission mode.
// Everything here either mutates the filesystem, runs arbitrary commands,
// or reaches out to the network with caller-controlled targets.
var dangerousTools = map[string]struct{}{
	agentsdk.ToolBash:         {},
	agentsdk.ToolWrite:        {},
	agentsdk.ToolEdit:         {},
	agentsdk.ToolMultiEdit:    {},
	agentsdk.ToolNotebookEdit: {},
	agentsdk.ToolKillBash:     {},
	agentsdk.ToolWebFetch:     {},
}

// IsKnownTool reports whether name is one of the built-in runtime tools.
func IsKnownTool(name string) bool {
	_, ok := knownTools[name]
	return ok
}

// IsMCPTool reports whether name follows the mcp__<server>__<tool> convention.
func IsMCPTool(name string) bool {
	return strings.HasPrefix(name, "mcp__")
}

// IsDangerous reports whether a tool requires user confirmation in default
// permission mode. Unknown tools, including all MCP tools, are dangerous.
func IsDangerous(name string) bool {
	if _, ok := dangerousTools[name]; ok {
		return true
	}
	return !IsKnownTool(name)
}
