// Package ui defines the contracts between the engine core and any front
// end. The core pushes display events through InteractiveUI, asks for
// permission verdicts through PermissionUI, and writes plain driver output
// through Output. The medium (terminal, editor plugin, web) is the front
// end's business.
package ui

import (
	"context"

	"github.com/bridle-dev/bridle/internal/checkpoint"
	"github.com/bridle-dev/bridle/internal/permission"
	"github.com/bridle-dev/bridle/internal/session"
)

// TodoItem is one entry of the agent's todo list, as carried in TodoWrite
// tool input.
type TodoItem struct {
	Content    string `json:"content"`
	Status     string `json:"status"`
	ActiveForm string `json:"activeForm,omitempty"`
}

// InteractiveUI is the event sink the engine dispatches runtime output to
// during a turn. Display calls must not block on user input; the prompt
// and menu calls block until the user responds or ctx is done.
type InteractiveUI interface {
	DisplayMessage(text string)
	DisplayThinking(text string)
	DisplayToolUse(toolName string, input map[string]any)
	DisplayToolResult(toolName, content string, isError bool)
	DisplayTodoList(items []TodoItem)

	DisplayComputing()
	StopComputing()
	SetProcessingState(processing bool)

	DisplayError(message string)
	DisplayWarning(message string)
	DisplaySuccess(message string)
	DisplayInfo(message string)

	DisplayPermissionStatus(toolName string, allowed bool, reason string)
	SetInitialPermissionMode(mode string)
	SetPermissionMode(mode string)

	PromptConfirmation(ctx context.Context, prompt string) (bool, error)
	ShowSessionMenu(ctx context.Context, sessions []*session.Session) (string, error)
	ShowRewindMenu(ctx context.Context, checkpoints []checkpoint.Checkpoint) (string, error)
	ShowConfirmationMenu(ctx context.Context, title string, options []string) (int, error)
}

// PermissionUI answers the arbiter's tool and question prompts. It is the
// permission.Prompter contract under the front-end's name.
type PermissionUI interface {
	permission.Prompter
}

// Output is the plain, non-interactive surface drivers report through.
type Output interface {
	Info(message string)
	Warn(message string)
	Error(message string)
	Success(message string)
	Section(title string)
	Blank()
}

// Callbacks wires user actions from a front end into the engine. OnQueueMessage
// is optional; front ends without a queue gesture leave it nil.
type Callbacks struct {
	OnMessage              func(rawText string)
	OnInterrupt            func()
	OnRewind               func()
	OnPermissionModeChange func(mode string)
	OnQueueMessage         func(rawText string)
}
