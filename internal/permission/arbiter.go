// Package permission implements the trust boundary between the agent
// runtime and the local machine. Every tool use the runtime wants to
// perform is routed through the Arbiter, which answers with an allow or
// deny decision based on the configured mode, tool lists, and command
// patterns, prompting the user when no rule settles the request.
package permission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/bridle-dev/bridle/internal/common/logger"
	"github.com/bridle-dev/bridle/internal/tracing"
	"github.com/bridle-dev/bridle/pkg/agentsdk"
)

// Prompt expiry counts as user denial, so the deadlines can be generous.
const (
	defaultToolPromptTimeout     = 60 * time.Second
	defaultQuestionPromptTimeout = 5 * time.Minute
)

// Arbiter answers the runtime's can-use-tool callback. Decisions are
// deterministic given the current Config except where a prompt asks the
// user. CanUseTool returns an error only when the prompter itself fails;
// every other path produces a decision.
type Arbiter struct {
	logger   *logger.Logger
	prompter Prompter
	tracer   trace.Tracer

	toolPromptTimeout     time.Duration
	questionPromptTimeout time.Duration

	mu     sync.RWMutex
	config Config
	handle agentsdk.Handle
}

// NewArbiter creates an arbiter with the given configuration. A nil
// prompter turns every prompt path into a denial. An empty mode defaults
// to "default".
func NewArbiter(cfg Config, prompter Prompter, log *logger.Logger) *Arbiter {
	if cfg.Mode == "" {
		cfg.Mode = agentsdk.PermissionModeDefault
	}
	return &Arbiter{
		logger:                log.WithFields(zap.String("component", "permission-arbiter")),
		prompter:              prompter,
		tracer:                tracing.Tracer("permission"),
		toolPromptTimeout:     defaultToolPromptTimeout,
		questionPromptTimeout: defaultQuestionPromptTimeout,
		config:                cfg,
	}
}

// Mode returns the current permission mode.
func (a *Arbiter) Mode() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config.Mode
}

// CurrentConfig returns a snapshot of the active configuration.
func (a *Arbiter) CurrentConfig() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config
}

// SetConfig replaces the active configuration. An empty Mode in cfg keeps
// the currently installed mode so a config reload cannot silently undo a
// mode switch.
func (a *Arbiter) SetConfig(cfg Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cfg.Mode == "" {
		cfg.Mode = a.config.Mode
	}
	a.config = cfg
}

// RegisterHandle attaches the runtime handle used to push mode changes
// into an active turn. Pass nil when the turn ends.
func (a *Arbiter) RegisterHandle(h agentsdk.Handle) {
	a.mu.Lock()
	a.handle = h
	a.mu.Unlock()
}

// SetMode validates and installs a new permission mode. The local mode is
// written before the runtime handle is notified, so the next CanUseTool
// call observes the new mode even while the handle call is in flight. If
// the runtime call fails the local mode stays installed and the error is
// returned for the UI to surface.
func (a *Arbiter) SetMode(ctx context.Context, mode string) error {
	if !agentsdk.ValidPermissionMode(mode) {
		return fmt.Errorf("invalid permission mode %q", mode)
	}

	a.mu.Lock()
	previous := a.config.Mode
	a.config.Mode = mode
	handle := a.handle
	a.mu.Unlock()

	a.logger.Info("permission mode set",
		zap.String("previous", previous),
		zap.String("mode", mode))

	if handle == nil {
		return nil
	}
	if err := handle.SetPermissionMode(ctx, mode); err != nil {
		return fmt.Errorf("push permission mode to runtime: %w", err)
	}
	return nil
}

// CanUseTool decides one tool use. It satisfies agentsdk.CanUseToolFunc.
func (a *Arbiter) CanUseTool(ctx context.Context, toolName string, input map[string]any, tu agentsdk.ToolUseContext) (agentsdk.PermissionDecision, error) {
	ctx, span := a.tracer.Start(ctx, "permission.decision")
	defer span.End()
	span.SetAttributes(
		attribute.String("tool.name", toolName),
		attribute.String("tool.use_id", tu.ToolUseID),
	)

	decision, err := a.decide(ctx, toolName, input, tu)
	if err != nil {
		span.RecordError(err)
		a.logger.WithError(err).Error("permission prompt failed",
			zap.String("tool", toolName),
			zap.String("tool_use_id", tu.ToolUseID))
		return agentsdk.PermissionDecision{}, err
	}

	span.SetAttributes(attribute.String("decision", decision.Behavior))
	if decision.Allowed() {
		a.logger.Debug("tool allowed",
			zap.String("tool", toolName),
			zap.String("tool_use_id", tu.ToolUseID))
	} else {
		a.logger.Info("tool denied",
			zap.String("tool", toolName),
			zap.String("tool_use_id", tu.ToolUseID),
			zap.String("reason", decision.Message))
	}
	return decision, nil
}

// decide runs the ordered decision procedure. First match wins:
// cancellation, then the tool lists, then the question flow for
// AskUserQuestion, then the skip-permissions override, then Bash command
// patterns, then mode routing, with the user prompt as the final resort.
func (a *Arbiter) decide(ctx context.Context, toolName string, input map[string]any, tu agentsdk.ToolUseContext) (agentsdk.PermissionDecision, error) {
	cfg := a.CurrentConfig()

	if ctx.Err() != nil {
		return agentsdk.Deny("Request aborted", true), nil
	}

	if MatchesToolList(cfg.DisallowedTools, toolName) {
		return agentsdk.Deny(fmt.Sprintf("Tool '%s' is in disallowed list", toolName), false), nil
	}
	if len(cfg.AllowedTools) > 0 && !MatchesToolList(cfg.AllowedTools, toolName) {
		return agentsdk.Deny(fmt.Sprintf("Tool '%s' is not in allowed list", toolName), false), nil
	}

	// AskUserQuestion needs the user no matter the mode and even under the
	// skip-permissions override. Only the list checks above gate it.
	if toolName == agentsdk.ToolAskUserQuestion {
		return a.promptQuestions(ctx, input, tu)
	}

	if cfg.AllowDangerouslySkipPermissions {
		return agentsdk.Allow(input), nil
	}

	if toolName == agentsdk.ToolBash {
		if command, ok := input["command"].(string); ok && command != "" {
			if MatchesDisallowedCommand(cfg.DisallowedCommands, command) {
				return agentsdk.Deny(fmt.Sprintf("Command '%s' is disallowed", command), false), nil
			}
			if MatchesAllowedCommand(cfg.AllowedCommands, command) {
				return agentsdk.Allow(input), nil
			}
		}
	}

	switch cfg.Mode {
	case agentsdk.PermissionModeBypassPermissions:
		return agentsdk.Allow(input), nil

	case agentsdk.PermissionModeAcceptEdits:
		if toolName == agentsdk.ToolWrite || toolName == agentsdk.ToolEdit {
			return agentsdk.Allow(input), nil
		}
		return a.promptTool(ctx, toolName, input, tu)

	case agentsdk.PermissionModePlan:
		switch toolName {
		case agentsdk.ToolRead, agentsdk.ToolGrep, agentsdk.ToolGlob, agentsdk.ToolExitPlanMode:
			return agentsdk.Allow(input), nil
		}
		return agentsdk.Deny("Plan mode: tool execution disabled", false), nil

	default:
		if IsDangerous(toolName) {
			return a.promptTool(ctx, toolName, input, tu)
		}
		return agentsdk.Allow(input), nil
	}
}

// promptTool runs the yes/no confirmation flow for one tool use.
func (a *Arbiter) promptTool(ctx context.Context, toolName string, input map[string]any, tu agentsdk.ToolUseContext) (agentsdk.PermissionDecision, error) {
	if a.prompter == nil {
		return agentsdk.Deny("User denied permission", false), nil
	}

	a.logger.Debug("prompting for tool permission",
		zap.String("tool", toolName),
		zap.String("tool_use_id", tu.ToolUseID))

	promptCtx, cancel := context.WithTimeout(ctx, a.toolPromptTimeout)
	defer cancel()

	resp, err := a.prompter.PromptToolPermission(promptCtx, ToolPromptRequest{
		ToolName:  toolName,
		ToolUseID: tu.ToolUseID,
		Input:     input,
		Timestamp: time.Now(),
	})
	if err != nil {
		if denial, ok := promptDenial(ctx, err, "Permission request timed out"); ok {
			return denial, nil
		}
		return agentsdk.PermissionDecision{}, fmt.Errorf("tool permission prompt: %w", err)
	}

	if !resp.Approved {
		reason := resp.Reason
		if reason == "" {
			reason = "User denied permission"
		}
		return agentsdk.Deny(reason, false), nil
	}

	decision := agentsdk.Allow(input)
	if resp.Remember {
		decision.UpdatedPermissions = []agentsdk.PermissionUpdate{{Tool: toolName, Allow: true}}
	}
	return decision, nil
}

// promptQuestions runs the AskUserQuestion flow. The updated input on
// approval carries the original questions plus the collected answers.
func (a *Arbiter) promptQuestions(ctx context.Context, input map[string]any, tu agentsdk.ToolUseContext) (agentsdk.PermissionDecision, error) {
	questions, err := ParseQuestions(input)
	if err != nil {
		return agentsdk.Deny(fmt.Sprintf("Invalid AskUserQuestion input: %v", err), false), nil
	}
	if a.prompter == nil {
		return agentsdk.Deny("No interactive session to answer questions", false), nil
	}

	promptCtx, cancel := context.WithTimeout(ctx, a.questionPromptTimeout)
	defer cancel()

	resp, err := a.prompter.PromptQuestions(promptCtx, QuestionPromptRequest{
		ToolUseID: tu.ToolUseID,
		Questions: questions,
	})
	if err != nil {
		if denial, ok := promptDenial(ctx, err, "Question prompt timed out"); ok {
			return denial, nil
		}
		return agentsdk.PermissionDecision{}, fmt.Errorf("question prompt: %w", err)
	}

	if resp.Cancelled {
		reason := resp.Reason
		if reason == "" {
			reason = "User cancelled the question"
		}
		return agentsdk.Deny(reason, false), nil
	}

	return agentsdk.Allow(map[string]any{
		"questions": input["questions"],
		"answers":   resp.Answers,
	}), nil
}

// promptDenial maps prompt cancellation and expiry onto deny decisions.
// ctx is the caller's context, not the prompt context: when the caller was
// cancelled the whole turn is being torn down and the denial interrupts;
// when only the prompt deadline fired the expiry counts as user denial.
// Any other prompter error is a real UI failure and does not map.
func promptDenial(ctx context.Context, err error, timeoutMessage string) (agentsdk.PermissionDecision, bool) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return agentsdk.Deny("Request aborted", true), true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return agentsdk.Deny(timeoutMessage, false), true
	}
	return agentsdk.PermissionDecision{}, false
}
