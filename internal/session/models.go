// Package session owns durable conversation state: the session data model
// and the JSON-file store that persists it.
package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bridle-dev/bridle/pkg/agentsdk"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// previewMaxChars caps the stats preview of the last message.
const previewMaxChars = 80

// Session is one durable conversation unit. The JSON-tagged fields form the
// metadata record; messages and context are persisted as sibling files.
type Session struct {
	ID               string    `json:"id"`
	CreatedAt        time.Time `json:"createdAt"`
	LastAccessedAt   time.Time `json:"lastAccessedAt"`
	WorkingDirectory string    `json:"workingDirectory"`
	Expired          bool      `json:"expired"`

	// SDKSessionID is the runtime-side session id, set when the runtime
	// emits its first system init message.
	SDKSessionID string `json:"sdkSessionId,omitempty"`

	// ParentSessionID is set when the session was forked.
	ParentSessionID string `json:"parentSessionId,omitempty"`

	Stats *Stats `json:"stats,omitempty"`

	Messages []Message `json:"-"`
	Context  Context   `json:"-"`
}

// Message is one role-tagged turn in a session.
type Message struct {
	ID        string                  `json:"id"`
	Role      string                  `json:"role"`
	Content   agentsdk.MessageContent `json:"content"`
	Timestamp time.Time               `json:"timestamp"`
	Usage     *UsageStats             `json:"usage,omitempty"`
}

// UsageStats records the runtime accounting for one assistant message.
type UsageStats struct {
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`
	DurationMS   int64   `json:"durationMs"`
}

// Stats aggregates a session's messages. Recomputed on every save.
type Stats struct {
	MessageCount       int     `json:"messageCount"`
	TotalInputTokens   int64   `json:"totalInputTokens"`
	TotalOutputTokens  int64   `json:"totalOutputTokens"`
	TotalCostUSD       float64 `json:"totalCostUsd"`
	LastMessagePreview string  `json:"lastMessagePreview"`
}

// Context carries the session's working state: where the agent operates,
// the merged project configuration, and the sub-agents activated in the
// running runtime session (keyed by name, overriding configured agents).
type Context struct {
	WorkingDirectory string                              `json:"workingDirectory"`
	ResolvedConfig   map[string]any                      `json:"resolvedConfig"`
	ActiveAgents     map[string]agentsdk.AgentDefinition `json:"activeAgents,omitempty"`
}

// NewSessionID generates a store-unique session id from the current time
// and a random suffix.
func NewSessionID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), suffix)
}

// AddMessage appends a message with a fresh id and timestamp, bumps the
// session's last-access time, and returns the new message. The caller is
// responsible for persisting.
func (s *Session) AddMessage(role string, content agentsdk.MessageContent) *Message {
	msg := Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	s.Messages = append(s.Messages, msg)
	s.LastAccessedAt = time.Now().UTC()
	return &s.Messages[len(s.Messages)-1]
}

// ComputeStats folds all messages into aggregate stats.
func ComputeStats(messages []Message) *Stats {
	stats := &Stats{MessageCount: len(messages)}
	for _, m := range messages {
		if m.Usage == nil {
			continue
		}
		stats.TotalInputTokens += m.Usage.InputTokens
		stats.TotalOutputTokens += m.Usage.OutputTokens
		stats.TotalCostUSD += m.Usage.CostUSD
	}
	if len(messages) > 0 {
		stats.LastMessagePreview = previewText(messages[len(messages)-1].Content.PlainText(), previewMaxChars)
	}
	return stats
}

// previewText truncates s to at most max characters, rune-safe.
func previewText(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// cloneMessages deep-copies messages so a fork never aliases the parent's
// content blocks.
func cloneMessages(messages []Message) []Message {
	out := make([]Message, len(messages))
	for i, m := range messages {
		out[i] = m
		if m.Content.Blocks != nil {
			blocks := make([]agentsdk.ContentBlock, len(m.Content.Blocks))
			copy(blocks, m.Content.Blocks)
			out[i].Content.Blocks = blocks
		}
		if m.Usage != nil {
			usage := *m.Usage
			out[i].Usage = &usage
		}
	}
	return out
}

// cloneAgents copies the active-agent map, including each definition's
// tool list.
func cloneAgents(agents map[string]agentsdk.AgentDefinition) map[string]agentsdk.AgentDefinition {
	if agents == nil {
		return nil
	}
	out := make(map[string]agentsdk.AgentDefinition, len(agents))
	for name, def := range agents {
		def.Tools = append([]string(nil), def.Tools...)
		out[name] = def
	}
	return out
}

// deepCopyValue copies nested JSON-shaped values (maps, slices, scalars).
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = deepCopyValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = deepCopyValue(inner)
		}
		return out
	default:
		return v
	}
}

// deepCopyConfig copies a resolved config map.
func deepCopyConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return nil
	}
	return deepCopyValue(cfg).(map[string]any)
}
