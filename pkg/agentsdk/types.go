// Package agentsdk provides the types, contract interfaces, and subprocess
// client for the agent runtime's stream-json protocol. The runtime is a CLI
// speaking newline-delimited JSON over stdin/stdout, with control requests
// flowing in both directions for permissions, hooks, and session control.
package agentsdk

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message types emitted by the agent runtime
const (
	// MessageTypeSystem is the initial system message with session info
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text, thinking, or tool use from the agent
	MessageTypeAssistant = "assistant"
	// MessageTypeUser is a user-role message (prompt echoes and tool results)
	MessageTypeUser = "user"
	// MessageTypeResult is the final result message of a turn
	MessageTypeResult = "result"
	// MessageTypeControlRequest is a control request (permission, hook)
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse is a response to a control request
	MessageTypeControlResponse = "control_response"
	// MessageTypeControlCancelRequest cancels an in-flight control request
	MessageTypeControlCancelRequest = "control_cancel_request"
)

// Message subtypes
const (
	// SubtypeInit is the system message announcing a new turn
	SubtypeInit = "init"
	// SubtypeSuccess is the result subtype for a completed turn
	SubtypeSuccess = "success"
	// SubtypeErrorDuringExecution is the result subtype for a failed turn
	SubtypeErrorDuringExecution = "error_during_execution"
	// SubtypeErrorMaxTurns is the result subtype when the turn limit was hit
	SubtypeErrorMaxTurns = "error_max_turns"
)

// Content block types
const (
	BlockTypeText       = "text"
	BlockTypeThinking   = "thinking"
	BlockTypeImage      = "image"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
)

// Message represents a single message from the agent runtime stream.
// The Type field determines which of the remaining fields are populated.
type Message struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// UUID identifies user-role messages; it doubles as the checkpoint
	// identifier when file checkpointing is enabled.
	UUID string `json:"uuid,omitempty"`

	ParentToolUseID *string `json:"parent_tool_use_id,omitempty"`

	// For system init messages
	Model          string   `json:"model,omitempty"`
	CWD            string   `json:"cwd,omitempty"`
	Tools          []string `json:"tools,omitempty"`
	PermissionMode string   `json:"permissionMode,omitempty"`

	// For assistant and user messages
	Message *ChatMessage `json:"message,omitempty"`

	// For result messages. Result is a string for successful turns but is
	// kept raw so malformed or structured payloads do not break parsing.
	Result        json.RawMessage `json:"result,omitempty"`
	TotalCostUSD  float64         `json:"total_cost_usd,omitempty"`
	DurationMS    int64           `json:"duration_ms,omitempty"`
	DurationAPIMS int64           `json:"duration_api_ms,omitempty"`
	IsError       bool            `json:"is_error,omitempty"`
	NumTurns      int             `json:"num_turns,omitempty"`
	Usage         *Usage          `json:"usage,omitempty"`
	Errors        []ErrorDetail   `json:"errors,omitempty"`
}

// ResultText returns the Result payload as plain text. It handles both the
// string form and the object form with a text field.
func (m *Message) ResultText() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err == nil {
		return s
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Result, &obj); err == nil {
		return obj.Text
	}
	return ""
}

// TextContent concatenates the text blocks of the message body. Returns the
// empty string for messages without a body.
func (m *Message) TextContent() string {
	if m.Message == nil {
		return ""
	}
	return m.Message.Content.PlainText()
}

// HasBlock reports whether the message body contains a content block of
// the given type.
func (m *Message) HasBlock(blockType string) bool {
	if m.Message == nil {
		return false
	}
	for _, blk := range m.Message.Content.Blocks {
		if blk.Type == blockType {
			return true
		}
	}
	return false
}

// IsResultError reports whether this is a result message describing a
// failed turn.
func (m *Message) IsResultError() bool {
	if m.Type != MessageTypeResult {
		return false
	}
	return m.IsError || (m.Subtype != "" && m.Subtype != SubtypeSuccess)
}

// ErrorStrings flattens the Errors field into displayable strings.
func (m *Message) ErrorStrings() []string {
	if len(m.Errors) == 0 {
		return nil
	}
	out := make([]string, 0, len(m.Errors))
	for _, e := range m.Errors {
		out = append(out, e.String())
	}
	return out
}

// ErrorDetail is one entry of a result message's errors array. The runtime
// emits either bare strings or {type, message} objects; both forms are
// accepted.
type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
}

// UnmarshalJSON accepts both the string and the object encoding.
func (e *ErrorDetail) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.Type = ""
		e.Message = s
		return nil
	}
	type plain ErrorDetail
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("error entry must be a string or an object: %w", err)
	}
	*e = ErrorDetail(p)
	return nil
}

func (e ErrorDetail) String() string {
	switch {
	case e.Message != "" && e.Type != "":
		return e.Type + ": " + e.Message
	case e.Message != "":
		return e.Message
	default:
		return e.Type
	}
}

// ChatMessage is the message body shared by assistant messages, user echoes,
// and outgoing prompts.
type ChatMessage struct {
	Role       string         `json:"role"`
	Content    MessageContent `json:"content"`
	Model      string         `json:"model,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// MessageContent is the content of a chat message: either a plain string or
// an ordered list of content blocks. When Blocks is non-nil the content
// marshals as an array, otherwise as a string.
type MessageContent struct {
	Text   string
	Blocks []ContentBlock
}

// TextContent wraps a plain string as message content.
func TextContent(text string) MessageContent {
	return MessageContent{Text: text}
}

// BlockContent wraps content blocks as message content.
func BlockContent(blocks ...ContentBlock) MessageContent {
	if blocks == nil {
		blocks = []ContentBlock{}
	}
	return MessageContent{Blocks: blocks}
}

// IsBlocks reports whether the content uses the structured block form.
func (c MessageContent) IsBlocks() bool {
	return c.Blocks != nil
}

// PlainText flattens the content to text: the string form as-is, or the
// concatenated text blocks of the structured form.
func (c MessageContent) PlainText() string {
	if c.Blocks == nil {
		return c.Text
	}
	var b strings.Builder
	for _, blk := range c.Blocks {
		if blk.Type == BlockTypeText {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// MarshalJSON emits the string form when no blocks are set.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Blocks != nil {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts both the string and the block array encoding.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		c.Blocks = nil
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("content must be a string or a block array: %w", err)
	}
	c.Text = ""
	c.Blocks = blocks
	return nil
}

// ContentBlock represents one block of structured message content.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For image blocks
	Source *ImageSource `json:"source,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   *MessageContent `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ImageSource carries inline image data for an image block.
type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeText, Text: text}
}

// ImageBlock builds an inline base64 image block.
func ImageBlock(mediaType, data string) ContentBlock {
	return ContentBlock{
		Type:   BlockTypeImage,
		Source: &ImageSource{Type: "base64", MediaType: mediaType, Data: data},
	}
}

// ToolResultBlock builds a tool_result block echoing a tool invocation's
// output back into the conversation.
func ToolResultBlock(toolUseID string, content MessageContent, isError bool) ContentBlock {
	return ContentBlock{
		Type:      BlockTypeToolResult,
		ToolUseID: toolUseID,
		Content:   &content,
		IsError:   isError,
	}
}

// Usage contains token usage counters reported by the runtime.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// StreamMessage is a user message sent to the runtime over the prompt
// stream. The session_id and parent_tool_use_id fields are always present
// on the wire, the latter as an explicit null for top-level prompts.
type StreamMessage struct {
	Type            string      `json:"type"`
	SessionID       string      `json:"session_id"`
	ParentToolUseID *string     `json:"parent_tool_use_id"`
	Message         ChatMessage `json:"message"`
}

// NewStreamMessage builds a user stream message from content.
func NewStreamMessage(content MessageContent) StreamMessage {
	return StreamMessage{
		Type:    MessageTypeUser,
		Message: ChatMessage{Role: "user", Content: content},
	}
}

// Tool names the runtime exposes to permission checks.
const (
	ToolTask            = "Task"
	ToolBash            = "Bash"
	ToolGlob            = "Glob"
	ToolGrep            = "Grep"
	ToolRead            = "Read"
	ToolEdit            = "Edit"
	ToolMultiEdit       = "MultiEdit"
	ToolWrite           = "Write"
	ToolNotebookEdit    = "NotebookEdit"
	ToolWebFetch        = "WebFetch"
	ToolWebSearch       = "WebSearch"
	ToolTodoWrite       = "TodoWrite"
	ToolKillBash        = "KillBash"
	ToolAskUserQuestion = "AskUserQuestion"
	ToolSkill           = "Skill"
	ToolExitPlanMode    = "ExitPlanMode"
)
