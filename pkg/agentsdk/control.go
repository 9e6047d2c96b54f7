package agentsdk

// Control request subtypes
const (
	// SubtypeCanUseTool is an inbound permission request for a tool use
	SubtypeCanUseTool = "can_use_tool"
	// SubtypeHookCallback is an inbound hook callback invocation
	SubtypeHookCallback = "hook_callback"
	// SubtypeInitialize starts the control handshake
	SubtypeInitialize = "initialize"
	// SubtypeInterrupt aborts the current turn
	SubtypeInterrupt = "interrupt"
	// SubtypeSetPermissionMode switches the runtime's permission mode
	SubtypeSetPermissionMode = "set_permission_mode"
	// SubtypeRewindFiles restores files to a checkpoint
	SubtypeRewindFiles = "rewind_files"
)

// Permission behaviors
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// ControlRequest is a control request received from the runtime.
type ControlRequest struct {
	Subtype string `json:"subtype"`

	// For can_use_tool requests
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`

	// For hook_callback requests
	CallbackID string         `json:"callback_id,omitempty"`
	HookName   string         `json:"hook_name,omitempty"`
	HookInput  map[string]any `json:"hook_input,omitempty"`

	// Permission rule suggestions attached by the runtime
	PermissionSuggestions []PermissionUpdate `json:"permission_suggestions,omitempty"`
}

// PermissionUpdate is a permission rule suggested by the runtime or granted
// alongside an allow decision.
type PermissionUpdate struct {
	Tool    string `json:"tool"`
	Pattern string `json:"pattern,omitempty"`
	Allow   bool   `json:"allow"`
}

// ControlResponseMessage is the envelope written to answer a control request.
type ControlResponseMessage struct {
	Type      string           `json:"type"` // "control_response"
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the body of an outgoing control response. Result holds
// a PermissionResult for can_use_tool answers and the callback output for
// hook answers.
type ControlResponse struct {
	Subtype string `json:"subtype"` // "success" or "error"
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// PermissionResult is the wire form of a permission decision.
type PermissionResult struct {
	// Behavior is "allow" or "deny"
	Behavior string `json:"behavior"`

	// UpdatedInput replaces the tool input on allow
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`

	// UpdatedPermissions adds permission rules for future requests
	UpdatedPermissions []PermissionUpdate `json:"updatedPermissions,omitempty"`

	// Message carries feedback to the model on deny
	Message string `json:"message,omitempty"`

	// Interrupt aborts the turn after a deny
	Interrupt *bool `json:"interrupt,omitempty"`
}

// SDKControlRequest is a control request sent to the runtime for initialize,
// interrupt, permission mode switches, and file rewinds.
type SDKControlRequest struct {
	Type      string                `json:"type"` // "control_request"
	RequestID string                `json:"request_id"`
	Request   SDKControlRequestBody `json:"request"`
}

// SDKControlRequestBody is the body of an outgoing control request.
type SDKControlRequestBody struct {
	Subtype string `json:"subtype"`

	// For initialize requests
	Hooks map[string]any `json:"hooks,omitempty"`

	// For set_permission_mode requests
	Mode string `json:"mode,omitempty"`

	// For rewind_files requests. Checkpoints are addressed by the UUID of
	// the user message that opened the turn.
	UserMessageUUID string `json:"user_message_uuid,omitempty"`
}

// ControlResult is the body of a control response received from the runtime.
type ControlResult struct {
	Subtype   string         `json:"subtype"` // "success" or "error"
	RequestID string         `json:"request_id"`
	Error     string         `json:"error,omitempty"`
	Response  map[string]any `json:"response,omitempty"`
}
