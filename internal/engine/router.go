package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bridle-dev/bridle/internal/checkpoint"
	"github.com/bridle-dev/bridle/internal/common/logger"
	"github.com/bridle-dev/bridle/internal/events"
	"github.com/bridle-dev/bridle/internal/events/bus"
	"github.com/bridle-dev/bridle/internal/ui"
	"github.com/bridle-dev/bridle/pkg/agentsdk"
)

// Router fans runtime messages out to the interactive UI and drives
// checkpoint capture from user echoes. It remembers tool_use ids so tool
// results can be displayed under the tool's name.
type Router struct {
	logger *logger.Logger
	ui     ui.InteractiveUI
	bus    bus.EventBus

	mu        sync.Mutex
	toolUse   map[string]string // tool_use_id -> tool name
	recorder  *checkpoint.Recorder
	sessionID string
}

// NewRouter creates a router dispatching to the given UI.
func NewRouter(iui ui.InteractiveUI, eventBus bus.EventBus, log *logger.Logger) *Router {
	return &Router{
		logger:  log.WithFields(zap.String("component", "message-router")),
		ui:      iui,
		bus:     eventBus,
		toolUse: make(map[string]string),
	}
}

// Bind points the router at a session's checkpoint recorder and clears
// state left over from the previous session.
func (r *Router) Bind(sessionID string, rec *checkpoint.Recorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionID = sessionID
	r.recorder = rec
	r.toolUse = make(map[string]string)
}

// Reset drops the session binding and the tool_use map.
func (r *Router) Reset() {
	r.Bind("", nil)
}

// Dispatch routes one runtime message to the UI callbacks it concerns.
// Result and system messages are handled by the engine's execution loop;
// the router only cares about displayable content and user echoes.
func (r *Router) Dispatch(ctx context.Context, msg *agentsdk.Message) {
	switch msg.Type {
	case agentsdk.MessageTypeAssistant:
		r.dispatchAssistant(msg)
	case agentsdk.MessageTypeUser:
		r.dispatchUser(ctx, msg)
	}
}

func (r *Router) dispatchAssistant(msg *agentsdk.Message) {
	if msg.Message == nil {
		return
	}
	content := msg.Message.Content
	if !content.IsBlocks() {
		if content.Text != "" {
			r.ui.StopComputing()
			r.ui.DisplayMessage(content.Text)
		}
		return
	}
	for _, blk := range content.Blocks {
		switch blk.Type {
		case agentsdk.BlockTypeText:
			if blk.Text != "" {
				r.ui.StopComputing()
				r.ui.DisplayMessage(blk.Text)
			}
		case agentsdk.BlockTypeThinking:
			if blk.Thinking != "" {
				r.ui.DisplayThinking(blk.Thinking)
			}
		case agentsdk.BlockTypeToolUse:
			r.recordToolUse(blk.ID, blk.Name)
			r.ui.StopComputing()
			if blk.Name == agentsdk.ToolTodoWrite {
				if items, ok := parseTodos(blk.Input); ok {
					r.ui.DisplayTodoList(items)
					continue
				}
			}
			r.ui.DisplayToolUse(blk.Name, blk.Input)
		}
	}
}

func (r *Router) dispatchUser(ctx context.Context, msg *agentsdk.Message) {
	if msg.HasBlock(agentsdk.BlockTypeToolResult) {
		for _, blk := range msg.Message.Content.Blocks {
			if blk.Type != agentsdk.BlockTypeToolResult {
				continue
			}
			content := ""
			if blk.Content != nil {
				content = blk.Content.PlainText()
			}
			r.ui.DisplayToolResult(r.toolName(blk.ToolUseID), content, blk.IsError)
		}
		return
	}

	// A user message without tool results is the runtime echoing a locally
	// pushed turn; its uuid doubles as the checkpoint id.
	if msg.UUID == "" {
		return
	}
	r.capture(ctx, msg)
}

func (r *Router) capture(ctx context.Context, msg *agentsdk.Message) {
	r.mu.Lock()
	rec := r.recorder
	sessionID := r.sessionID
	r.mu.Unlock()
	if rec == nil {
		return
	}

	desc := checkpoint.DescriptionFor(bodyContent(msg), time.Now())
	cp, err := rec.Capture(msg.UUID, desc, msg.SessionID)
	if err != nil {
		r.logger.Warn("Failed to capture checkpoint",
			zap.String("message_id", msg.UUID),
			zap.Error(err))
		return
	}

	r.logger.Debug("Captured checkpoint",
		zap.String("checkpoint_id", cp.ID),
		zap.String("description", cp.Description))
	publishEvent(ctx, r.bus, r.logger,
		events.BuildCheckpointSubject(events.CheckpointCaptured, sessionID),
		events.CheckpointCaptured, map[string]any{
			"sessionId":    sessionID,
			"checkpointId": cp.ID,
			"description":  cp.Description,
		})
}

func (r *Router) recordToolUse(id, name string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	r.toolUse[id] = name
	r.mu.Unlock()
}

func (r *Router) toolName(toolUseID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name, ok := r.toolUse[toolUseID]; ok {
		return name
	}
	return "unknown"
}

func bodyContent(msg *agentsdk.Message) agentsdk.MessageContent {
	if msg.Message == nil {
		return agentsdk.MessageContent{}
	}
	return msg.Message.Content
}

func parseTodos(input map[string]any) ([]ui.TodoItem, bool) {
	raw, ok := input["todos"]
	if !ok {
		return nil, false
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var items []ui.TodoItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, false
	}
	return items, true
}

// publishEvent emits a domain event, tolerating a missing bus. Publish
// failures are logged and swallowed; eventing is never load-bearing.
func publishEvent(ctx context.Context, b bus.EventBus, log *logger.Logger, subject, eventType string, data map[string]any) {
	if b == nil {
		return
	}
	if err := b.Publish(ctx, subject, bus.NewEvent(eventType, "turn-engine", data)); err != nil {
		log.Warn("Failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
