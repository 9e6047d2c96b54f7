package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/bridle-dev/bridle/pkg/agentsdk"
)

// Scenarios are picked by the first word of the prompt, so a driver (or a
// human at the repl) can exercise a specific engine path on demand. Anything
// unrecognized falls through to a generic explore-and-answer turn.

const planPrefix = "[SYSTEM: You are in Plan Mode."

// splitPlanPrompt strips the plan-mode preamble the runtime prepends and
// reports whether it was present.
func splitPlanPrompt(prompt string) (string, bool) {
	if !strings.HasPrefix(prompt, planPrefix) {
		return prompt, false
	}
	if idx := strings.Index(prompt, "]\n\n"); idx >= 0 {
		return prompt[idx+3:], true
	}
	return prompt, true
}

// scenarioFor maps a prompt to a scenario name plus the remainder of the
// prompt after the keyword.
func scenarioFor(prompt string) (string, string) {
	trimmed := strings.TrimSpace(prompt)
	word, rest, _ := strings.Cut(trimmed, " ")
	word = strings.ToLower(strings.TrimPrefix(word, "/"))
	switch word {
	case "error", "slow", "think", "read", "edit", "bash", "todo", "ask", "tools", "agent":
		return word, strings.TrimSpace(rest)
	}
	return "freeform", ""
}

// playScenario emits the body of one turn. It returns the closing text for
// the standard success result, or ownResult=true when the scenario already
// emitted its own result message.
func (a *agent) playScenario(ctx context.Context, prompt string, started time.Time) (string, bool) {
	core, planMode := splitPlanPrompt(prompt)
	if planMode {
		return a.scenarioPlan(ctx, core), false
	}

	name, rest := scenarioFor(core)
	switch name {
	case "error":
		a.scenarioError(ctx, started)
		return "", true
	case "slow":
		return a.scenarioSlow(ctx, rest), false
	case "think":
		return a.scenarioThink(ctx), false
	case "read":
		return a.scenarioRead(ctx), false
	case "edit":
		return a.scenarioEdit(ctx), false
	case "bash":
		return a.scenarioBash(ctx), false
	case "todo":
		return a.scenarioTodo(ctx), false
	case "ask":
		return a.scenarioAsk(ctx), false
	case "tools":
		return a.scenarioTools(ctx), false
	case "agent":
		return a.scenarioAgent(ctx), false
	}
	return a.scenarioFreeform(ctx, core), false
}

// scenarioError: a turn that fails, with error detail in the result.
func (a *agent) scenarioError(ctx context.Context, started time.Time) {
	a.pause(ctx)
	a.emitText("Something is about to go wrong.")
	a.pause(ctx)
	a.emitResult(resultSpec{
		text:    "Mock failure: the request could not be completed",
		isError: true,
		errors:  []string{"mock failure injected by the error scenario"},
		started: started,
	})
}

// scenarioSlow: a long turn in five stages, interruptible between stages.
// "slow 30s" stretches it; the default is five seconds.
func (a *agent) scenarioSlow(ctx context.Context, rest string) string {
	total := 5 * time.Second
	if d, err := time.ParseDuration(rest); err == nil && d > 0 {
		total = d
	}
	step := total / 5

	stages := []string{
		"Starting a long-running task.",
		"Still working, about a quarter done.",
		"Halfway there.",
		"Almost finished, wrapping up.",
	}
	for _, stage := range stages {
		if !a.sleepFor(ctx, step) {
			return ""
		}
		a.emitText(stage)
	}
	if !a.sleepFor(ctx, step) {
		return ""
	}
	return fmt.Sprintf("Long task finished after %s.", total)
}

// scenarioThink: extended thinking before a short answer.
func (a *agent) scenarioThink(ctx context.Context) string {
	thoughts := []string{
		"The user wants a considered answer, not a quick one.",
		"Weighing two approaches: a direct rewrite or an incremental refactor.",
		"The incremental path keeps the tests green at every step.",
		"Decision made, summarizing.",
	}
	for _, th := range thoughts {
		a.pause(ctx)
		a.emitThinking(th)
	}
	a.pause(ctx)
	return "After thinking it through: refactor incrementally, keeping the tests passing between steps."
}

// scenarioRead: one read tool round-trip against a real workspace file.
func (a *agent) scenarioRead(ctx context.Context) string {
	a.pause(ctx)
	a.emitThinking("A quick look at the file first.")
	path := a.runRead(ctx, "")
	a.pause(ctx)
	return fmt.Sprintf("Read %s without trouble.", path)
}

// scenarioEdit: a permission-gated edit of a real workspace file.
func (a *agent) scenarioEdit(ctx context.Context) string {
	f := pickFile()
	oldStr, newStr := editFragment(f.path)
	input := map[string]any{
		"file_path":  f.path,
		"old_string": oldStr,
		"new_string": newStr,
	}

	a.pause(ctx)
	editID := a.nextToolID()
	a.emitToolUse("", editID, agentsdk.ToolEdit, input)

	verdict := a.askPermission(ctx, agentsdk.ToolEdit, editID, input)
	a.pause(ctx)
	if verdict.Behavior != agentsdk.BehaviorAllow {
		a.emitToolResult("", editID, denialText(verdict), true)
		return "The edit was not approved, leaving the file untouched."
	}
	a.emitToolResult("", editID, "Edited "+f.path, false)
	return fmt.Sprintf("Applied the edit to %s.", f.path)
}

// scenarioBash: a permission-gated shell command.
func (a *agent) scenarioBash(ctx context.Context) string {
	input := map[string]any{
		"command":     "go test ./...",
		"description": "Run the test suite",
	}

	a.pause(ctx)
	bashID := a.nextToolID()
	a.emitToolUse("", bashID, agentsdk.ToolBash, input)

	verdict := a.askPermission(ctx, agentsdk.ToolBash, bashID, input)
	a.pause(ctx)
	if verdict.Behavior != agentsdk.BehaviorAllow {
		a.emitToolResult("", bashID, denialText(verdict), true)
		return "The command was not approved, nothing ran."
	}
	a.emitToolResult("", bashID, "ok  \tall packages\t0.42s", false)
	return "Tests pass."
}

// scenarioTodo: a TodoWrite update with one item in each state.
func (a *agent) scenarioTodo(ctx context.Context) string {
	input := map[string]any{
		"todos": []map[string]any{
			{"content": "Survey the package layout", "status": "completed", "activeForm": "Surveying the package layout"},
			{"content": "Wire the storage layer", "status": "in_progress", "activeForm": "Wiring the storage layer"},
			{"content": "Add integration tests", "status": "pending", "activeForm": "Adding integration tests"},
		},
	}

	a.pause(ctx)
	todoID := a.nextToolID()
	a.emitToolUse("", todoID, agentsdk.ToolTodoWrite, input)
	a.pause(ctx)
	a.emitToolResult("", todoID, "Todos have been modified successfully.", false)
	return "Tracking three items, one done so far."
}

// scenarioAsk: an AskUserQuestion round-trip. The chosen answer comes back
// in the allow verdict's updated input.
func (a *agent) scenarioAsk(ctx context.Context) string {
	input := map[string]any{
		"questions": []map[string]any{
			{
				"question": "Which storage backend should the new module use?",
				"header":   "Storage",
				"options": []map[string]any{
					{"label": "sqlite", "description": "zero-config, single file"},
					{"label": "postgres", "description": "shared server, richer types"},
				},
				"multiSelect": false,
			},
		},
	}

	a.pause(ctx)
	askID := a.nextToolID()
	a.emitToolUse("", askID, agentsdk.ToolAskUserQuestion, input)

	verdict := a.askPermission(ctx, agentsdk.ToolAskUserQuestion, askID, input)
	a.pause(ctx)
	if verdict.Behavior != agentsdk.BehaviorAllow {
		a.emitToolResult("", askID, denialText(verdict), true)
		return "No answer was given, proceeding with the default."
	}
	answer := answersFrom(verdict.UpdatedInput)
	a.emitToolResult("", askID, "Answered: "+answer, false)
	return fmt.Sprintf("Great, proceeding with %s.", answer)
}

// scenarioTools: one of each tool shape in a single turn.
func (a *agent) scenarioTools(ctx context.Context) string {
	a.pause(ctx)
	a.emitThinking("Running through every tool shape once.")

	a.runRead(ctx, "")

	// Grep
	a.pause(ctx)
	grepID := a.nextToolID()
	a.emitToolUse("", grepID, agentsdk.ToolGrep, map[string]any{"pattern": "func ", "path": "."})
	a.pause(ctx)
	var hits []string
	for i, f := range pickFiles(3) {
		hits = append(hits, fmt.Sprintf("%s:%d: func match", f.rel, (i+1)*12))
	}
	a.emitToolResult("", grepID, strings.Join(hits, "\n"), false)

	// Glob
	a.pause(ctx)
	globID := a.nextToolID()
	a.emitToolUse("", globID, agentsdk.ToolGlob, map[string]any{"pattern": "**/*.go"})
	a.pause(ctx)
	var rels []string
	for _, f := range pickFiles(4) {
		rels = append(rels, f.rel)
	}
	a.emitToolResult("", globID, strings.Join(rels, "\n"), false)

	// Edit, gated
	f := pickFile()
	oldStr, newStr := editFragment(f.path)
	editInput := map[string]any{"file_path": f.path, "old_string": oldStr, "new_string": newStr}
	a.pause(ctx)
	editID := a.nextToolID()
	a.emitToolUse("", editID, agentsdk.ToolEdit, editInput)
	if verdict := a.askPermission(ctx, agentsdk.ToolEdit, editID, editInput); verdict.Behavior == agentsdk.BehaviorAllow {
		a.emitToolResult("", editID, "Edited "+f.path, false)
	} else {
		a.emitToolResult("", editID, denialText(verdict), true)
	}

	// Bash, gated
	bashInput := map[string]any{"command": "echo done", "description": "Print done"}
	a.pause(ctx)
	bashID := a.nextToolID()
	a.emitToolUse("", bashID, agentsdk.ToolBash, bashInput)
	if verdict := a.askPermission(ctx, agentsdk.ToolBash, bashID, bashInput); verdict.Behavior == agentsdk.BehaviorAllow {
		a.emitToolResult("", bashID, "done", false)
	} else {
		a.emitToolResult("", bashID, denialText(verdict), true)
	}

	a.pause(ctx)
	return "Every tool shape has been exercised."
}

// scenarioAgent: a Task subagent whose child messages carry the parent
// tool use id.
func (a *agent) scenarioAgent(ctx context.Context) string {
	a.pause(ctx)
	taskID := a.nextToolID()
	a.emitToolUse("", taskID, agentsdk.ToolTask, map[string]any{
		"description": "Survey the repository",
		"prompt":      "List the packages and summarize each one.",
	})

	a.pause(ctx)
	a.emitAssistant(taskID, agentsdk.ContentBlock{Type: agentsdk.BlockTypeThinking, Thinking: "Subagent starting the survey."})

	a.pause(ctx)
	childGlob := a.nextToolID()
	a.emitToolUse(taskID, childGlob, agentsdk.ToolGlob, map[string]any{"pattern": "**/*.go"})
	a.pause(ctx)
	var rels []string
	for _, f := range pickFiles(3) {
		rels = append(rels, f.rel)
	}
	a.emitToolResult(taskID, childGlob, strings.Join(rels, "\n"), false)

	a.pause(ctx)
	a.emitAssistant(taskID, agentsdk.TextBlock("Survey complete, handing the findings back."))

	a.pause(ctx)
	a.emitToolResult("", taskID, "Subagent finished: repository surveyed, findings attached.", false)
	return "The subagent surveyed the repository."
}

// scenarioPlan: explore read-only, then present a plan through ExitPlanMode.
func (a *agent) scenarioPlan(ctx context.Context, core string) string {
	a.pause(ctx)
	a.emitThinking("Plan mode: survey first, no changes.")
	a.runRead(ctx, "")

	plan := strings.Join([]string{
		"1. Extend the config schema with the new fields.",
		"2. Thread them through the builder.",
		"3. Cover both paths with table tests.",
	}, "\n")

	a.pause(ctx)
	planID := a.nextToolID()
	input := map[string]any{"plan": plan}
	a.emitToolUse("", planID, agentsdk.ToolExitPlanMode, input)

	verdict := a.askPermission(ctx, agentsdk.ToolExitPlanMode, planID, input)
	a.pause(ctx)
	if verdict.Behavior != agentsdk.BehaviorAllow {
		a.emitToolResult("", planID, denialText(verdict), true)
		return "Staying in plan mode until the plan is approved."
	}
	a.emitToolResult("", planID, "User approved the plan.", false)
	return "Plan approved, ready to implement."
}

// scenarioFreeform: the default explore-and-answer turn.
func (a *agent) scenarioFreeform(ctx context.Context, prompt string) string {
	a.pause(ctx)
	a.emitThinking("Taking a look around before answering.")
	a.runRead(ctx, "")
	a.pause(ctx)
	return fmt.Sprintf("Here is a mock response to %q. Prefix a prompt with error, slow, think, read, edit, bash, todo, ask, tools, or agent to pick a scenario.", firstWords(prompt, 8))
}

// runRead plays one Read round-trip and returns the path it used.
func (a *agent) runRead(ctx context.Context, parentToolUseID string) string {
	f := pickFile()
	readID := a.nextToolID()
	a.emitToolUse(parentToolUseID, readID, agentsdk.ToolRead, map[string]any{"file_path": f.path})
	a.pause(ctx)
	a.emitToolResult(parentToolUseID, readID, fileHead(f.path, 25), false)
	return f.path
}

// pause sleeps a small model-dependent jitter so output pacing resembles a
// real agent without slowing tests down.
func (a *agent) pause(ctx context.Context) {
	lo, hi := delayProfile(a.cfg.model)
	d := lo + time.Duration(rand.Int64N(int64(hi-lo)))
	a.sleepFor(ctx, d)
}

func delayProfile(model string) (time.Duration, time.Duration) {
	switch model {
	case "mock-fast":
		return time.Millisecond, 5 * time.Millisecond
	case "mock-slow":
		return 400 * time.Millisecond, 1500 * time.Millisecond
	}
	return 60 * time.Millisecond, 250 * time.Millisecond
}

// sleepFor waits out d, returning false if the turn was interrupted first.
func (a *agent) sleepFor(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func denialText(verdict agentsdk.PermissionResult) string {
	if verdict.Message != "" {
		return verdict.Message
	}
	return "denied"
}

func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) <= n {
		return strings.Join(fields, " ")
	}
	return strings.Join(fields[:n], " ") + "…"
}

// answersFrom pulls the user's answers out of an AskUserQuestion allow
// verdict.
func answersFrom(updated map[string]any) string {
	raw, ok := updated["answers"].([]any)
	if !ok || len(raw) == 0 {
		return "the default"
	}
	var answers []string
	for _, r := range raw {
		if s, ok := r.(string); ok && s != "" {
			answers = append(answers, s)
		}
	}
	if len(answers) == 0 {
		return "the default"
	}
	return strings.Join(answers, ", ")
}

// scenarioCommands is the command list returned from the initialize
// handshake, mirroring how a real agent advertises its slash commands.
func scenarioCommands() []map[string]string {
	return []map[string]string{
		{"name": "error", "description": "Fail the turn with an error result"},
		{"name": "slow", "description": "Multi-stage long turn", "argumentHint": "[duration]"},
		{"name": "think", "description": "Extended thinking blocks"},
		{"name": "read", "description": "Single read tool round-trip"},
		{"name": "edit", "description": "Permission-gated file edit"},
		{"name": "bash", "description": "Permission-gated shell command"},
		{"name": "todo", "description": "Todo list update"},
		{"name": "ask", "description": "Ask the user a question"},
		{"name": "tools", "description": "One of every tool shape"},
		{"name": "agent", "description": "Subagent task with child messages"},
	}
}
