package agentsdk

import "context"

// PermissionDecision is the outcome of a permission check for one tool use.
type PermissionDecision struct {
	// Behavior is "allow" or "deny".
	Behavior string

	// UpdatedInput optionally rewrites the tool input on allow.
	UpdatedInput map[string]any

	// UpdatedPermissions grants rules for future requests on allow.
	UpdatedPermissions []PermissionUpdate

	// Message carries the denial reason back to the model.
	Message string

	// Interrupt aborts the whole turn after a deny.
	Interrupt bool
}

// Allow builds an approval decision. updatedInput may be nil to keep the
// tool input unchanged.
func Allow(updatedInput map[string]any) PermissionDecision {
	return PermissionDecision{Behavior: BehaviorAllow, UpdatedInput: updatedInput}
}

// Deny builds a denial decision with feedback for the model.
func Deny(message string, interrupt bool) PermissionDecision {
	return PermissionDecision{Behavior: BehaviorDeny, Message: message, Interrupt: interrupt}
}

// Allowed reports whether the decision approves the tool use.
func (d PermissionDecision) Allowed() bool {
	return d.Behavior == BehaviorAllow
}

// Result converts the decision to its wire form.
func (d PermissionDecision) Result() *PermissionResult {
	res := &PermissionResult{Behavior: d.Behavior}
	if d.Behavior == BehaviorAllow {
		res.UpdatedInput = d.UpdatedInput
		res.UpdatedPermissions = d.UpdatedPermissions
		return res
	}
	res.Message = d.Message
	if d.Interrupt {
		t := true
		res.Interrupt = &t
	}
	return res
}

// ToolUseContext carries per-request metadata into a permission check.
type ToolUseContext struct {
	// ToolUseID identifies the tool invocation being decided.
	ToolUseID string

	// Suggestions are permission rules the runtime proposed for this use.
	Suggestions []PermissionUpdate
}

// CanUseToolFunc decides whether the agent may execute a tool. The context
// is canceled when the runtime withdraws the request or the turn ends.
type CanUseToolFunc func(ctx context.Context, toolName string, input map[string]any, tu ToolUseContext) (PermissionDecision, error)
