// Package engine drives agent turns: it owns the one live streaming
// session, queues user messages into the open runtime call, dispatches
// runtime output to the UI, arbitrates tool permissions, and records
// per-turn file checkpoints.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/bridle-dev/bridle/internal/checkpoint"
	"github.com/bridle-dev/bridle/internal/common/logger"
	"github.com/bridle-dev/bridle/internal/compose"
	"github.com/bridle-dev/bridle/internal/errclass"
	"github.com/bridle-dev/bridle/internal/events"
	"github.com/bridle-dev/bridle/internal/events/bus"
	"github.com/bridle-dev/bridle/internal/permission"
	"github.com/bridle-dev/bridle/internal/session"
	"github.com/bridle-dev/bridle/internal/tracing"
	"github.com/bridle-dev/bridle/internal/ui"
	"github.com/bridle-dev/bridle/pkg/agentsdk"
)

// ErrNoActiveSession is returned by operations that need a started session.
var ErrNoActiveSession = errors.New("no active session")

// State is the lifecycle phase of the active streaming session.
type State string

const (
	StateIdle        State = "idle"
	StateProcessing  State = "processing"
	StateInterrupted State = "interrupted"
)

// planModePrefix rides ahead of every user message while plan mode is
// active, before image references are expanded.
const planModePrefix = "[SYSTEM: You are in Plan Mode. Do NOT make any changes. " +
	"Available tools are limited to Read, Grep, Glob, and ExitPlanMode. " +
	"Explore, design a plan, then call ExitPlanMode to present it for approval.]\n\n"

// SendResult reports the outcome of a send. ImageErrors are non-fatal
// unless they left the message without content.
type SendResult struct {
	Success     bool
	Error       string
	ImageErrors []compose.ImageError
}

// InterruptResult reports whether an interrupt took effect and how many
// queued messages it discarded.
type InterruptResult struct {
	Success         bool
	ClearedMessages int
}

// TurnResult is the engine's record of one completed or aborted turn.
type TurnResult struct {
	IsError      bool
	ErrorMessage string
	Response     string
	SessionID    string
	Usage        *agentsdk.Usage
	CostUSD      float64
	DurationMS   int64
}

// Config wires an Engine's collaborators.
type Config struct {
	Runtime agentsdk.Runtime
	Builder *compose.Builder
	Arbiter *permission.Arbiter
	Store   *session.Store
	Bus     bus.EventBus
	UI      ui.InteractiveUI

	// Hooks and MCPServers are passed through to every turn's options.
	Hooks      map[string][]agentsdk.HookMatcher
	MCPServers map[string]agentsdk.MCPServerConfig

	// CheckpointKeepCount bounds checkpoints per session. Zero uses the
	// recorder's default.
	CheckpointKeepCount int
}

// Engine owns one streaming session at a time.
type Engine struct {
	logger *logger.Logger
	tracer trace.Tracer
	cfg    Config
	router *Router

	mu         sync.Mutex
	active     *session.Session
	generator  *LiveMessageGenerator
	recorder   *checkpoint.Recorder
	runCtx     context.Context
	runCancel  context.CancelFunc
	state      State
	stateCh    chan struct{}
	inflight   bool
	execDone   chan struct{}
	lastResult *TurnResult
	handle     agentsdk.Handle
	runtimeSID string
}

// NewEngine creates a turn engine.
func NewEngine(cfg Config, log *logger.Logger) *Engine {
	return &Engine{
		logger:  log.WithFields(zap.String("component", "turn-engine")),
		tracer:  tracing.Tracer("engine"),
		cfg:     cfg,
		router:  NewRouter(cfg.UI, cfg.Bus, log),
		state:   StateIdle,
		stateCh: make(chan struct{}),
	}
}

// State returns the active session's lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// setStateLocked transitions the lifecycle state and wakes WaitForTurn
// waiters. Callers hold e.mu.
func (e *Engine) setStateLocked(s State) {
	if e.state == s {
		return
	}
	e.state = s
	close(e.stateCh)
	e.stateCh = make(chan struct{})
}

// WaitForTurn blocks while a turn is processing and returns the state the
// engine settled in. It returns at turn boundaries; WaitForResult instead
// waits for the whole streaming call to wind down.
func (e *Engine) WaitForTurn(ctx context.Context) State {
	for {
		e.mu.Lock()
		st := e.state
		ch := e.stateCh
		e.mu.Unlock()
		if st != StateProcessing {
			return st
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st
		}
	}
}

// ActiveSession returns the session the engine is driving, or nil.
func (e *Engine) ActiveSession() *session.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Checkpoints lists the active session's checkpoints, newest first.
func (e *Engine) Checkpoints() []checkpoint.Checkpoint {
	e.mu.Lock()
	rec := e.recorder
	e.mu.Unlock()
	if rec == nil {
		return nil
	}
	return rec.List()
}

// StartSession makes sess the engine's active session, ending any prior
// one first. The session starts idle with a fresh generator and a fresh
// cancellation token.
func (e *Engine) StartSession(sess *session.Session) error {
	e.EndSession()

	rec, err := checkpoint.NewRecorder(
		filepath.Join(e.cfg.Store.SessionDir(sess.ID), "checkpoints"),
		e.cfg.CheckpointKeepCount,
		e.logger,
	)
	if err != nil {
		return fmt.Errorf("init checkpoint recorder: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	e.active = sess
	e.generator = NewLiveMessageGenerator()
	e.recorder = rec
	e.runCtx, e.runCancel = ctx, cancel
	e.setStateLocked(StateIdle)
	e.inflight = false
	e.execDone = nil
	e.lastResult = nil
	e.handle = nil
	e.runtimeSID = sess.SDKSessionID
	e.mu.Unlock()

	e.router.Bind(sess.ID, rec)
	e.logger.Info("Started streaming session",
		zap.String("session_id", sess.ID),
		zap.String("working_dir", sess.WorkingDirectory))
	return nil
}

// EndSession tears down the active session: queued messages are drained
// with a warning, any in-flight execution is cancelled, and the session is
// saved. Safe to call with no active session.
func (e *Engine) EndSession() {
	e.mu.Lock()
	sess := e.active
	gen := e.generator
	cancel := e.runCancel
	e.active = nil
	e.generator = nil
	e.recorder = nil
	e.runCtx = nil
	e.runCancel = nil
	e.setStateLocked(StateIdle)
	e.inflight = false
	e.execDone = nil
	e.lastResult = nil
	e.handle = nil
	e.runtimeSID = ""
	e.mu.Unlock()

	if sess == nil {
		return
	}

	if gen != nil {
		if n := gen.ClearQueue(); n > 0 {
			e.logger.Warn("Discarding queued messages at session end",
				zap.String("session_id", sess.ID),
				zap.Int("count", n))
		}
		gen.Stop()
	}
	if cancel != nil {
		cancel()
	}

	e.router.Reset()
	e.cfg.Arbiter.RegisterHandle(nil)

	if err := e.cfg.Store.Save(sess); err != nil {
		e.logger.Warn("Failed to save session at end",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
	e.logger.Info("Ended streaming session", zap.String("session_id", sess.ID))
}

// SendMessage expands rawText into a stream message, records the user
// turn, and pushes it into the live runtime call, starting one if none is
// running. In plan mode a system reminder is prepended before image
// expansion.
func (e *Engine) SendMessage(rawText string) SendResult {
	text := rawText
	if e.cfg.Arbiter.Mode() == agentsdk.PermissionModePlan {
		text = planModePrefix + rawText
	}

	built := e.cfg.Builder.BuildStreamMessage(text)
	for _, imgErr := range built.Errors {
		e.cfg.UI.DisplayWarning(fmt.Sprintf("Could not load %s: %s", imgErr.Reference, imgErr.Message))
	}
	if len(built.ContentBlocks) == 0 {
		return SendResult{Error: "Message had no sendable content", ImageErrors: built.Errors}
	}

	content := agentsdk.BlockContent(built.ContentBlocks...)

	e.mu.Lock()
	sess := e.active
	gen := e.generator
	if sess == nil || gen == nil {
		e.mu.Unlock()
		return SendResult{Error: "No active streaming session"}
	}
	sess.AddMessage(session.RoleUser, content)
	gen.Push(agentsdk.NewStreamMessage(content))
	e.setStateLocked(StateProcessing)
	start := !e.inflight
	var done chan struct{}
	var ctx context.Context
	if start {
		e.inflight = true
		done = make(chan struct{})
		e.execDone = done
		ctx = e.runCtx
	}
	e.mu.Unlock()

	e.cfg.UI.SetProcessingState(true)
	e.cfg.UI.DisplayComputing()

	if start {
		publishEvent(context.Background(), e.cfg.Bus, e.logger,
			events.BuildTurnSubject(events.TurnStarted, sess.ID),
			events.TurnStarted, map[string]any{"sessionId": sess.ID})
		go e.execute(ctx, sess, gen, done)
	}

	return SendResult{Success: true, ImageErrors: built.Errors}
}

// QueueMessage is SendMessage with the result discarded; callers use it to
// queue follow-ups while a turn is processing.
func (e *Engine) QueueMessage(rawText string) {
	_ = e.SendMessage(rawText)
}

// InterruptSession cancels the in-flight execution, discards queued
// messages, and installs a fresh cancellation token so the next send can
// start a new call immediately.
func (e *Engine) InterruptSession() InterruptResult {
	e.mu.Lock()
	if e.active == nil || e.state != StateProcessing {
		e.mu.Unlock()
		return InterruptResult{}
	}
	sess := e.active
	gen := e.generator
	cancel := e.runCancel

	freshCtx, freshCancel := context.WithCancel(context.Background())
	e.runCtx, e.runCancel = freshCtx, freshCancel
	e.setStateLocked(StateInterrupted)
	e.inflight = false

	cancel()
	cleared := gen.ClearQueue()
	e.mu.Unlock()

	gen.Reset()

	e.logger.Info("Interrupted session",
		zap.String("session_id", sess.ID),
		zap.Int("cleared_messages", cleared))
	publishEvent(context.Background(), e.cfg.Bus, e.logger,
		events.BuildTurnSubject(events.TurnInterrupted, sess.ID),
		events.TurnInterrupted, map[string]any{
			"sessionId":       sess.ID,
			"clearedMessages": cleared,
		})
	return InterruptResult{Success: true, ClearedMessages: cleared}
}

// SetPermissionMode switches the arbiter's mode; the arbiter pushes the
// change to the runtime through its registered handle.
func (e *Engine) SetPermissionMode(ctx context.Context, mode string) error {
	if err := e.cfg.Arbiter.SetMode(ctx, mode); err != nil {
		return err
	}
	e.cfg.UI.SetPermissionMode(mode)

	e.mu.Lock()
	sess := e.active
	e.mu.Unlock()
	if sess != nil {
		publishEvent(ctx, e.cfg.Bus, e.logger,
			events.BuildPermissionSubject(events.PermissionModeSet, sess.ID),
			events.PermissionModeSet, map[string]any{
				"sessionId": sess.ID,
				"mode":      mode,
			})
	}
	return nil
}

// WaitForResult blocks until the in-flight execution (if any) finishes and
// returns the last captured result. A nil return means no result was
// captured or ctx expired first.
func (e *Engine) WaitForResult(ctx context.Context) *TurnResult {
	e.mu.Lock()
	done := e.execDone
	e.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return nil
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastResult
}

// RestoreCheckpoint rewinds workspace files to a checkpoint through the
// live runtime handle.
func (e *Engine) RestoreCheckpoint(ctx context.Context, id string) error {
	e.mu.Lock()
	sess := e.active
	rec := e.recorder
	handle := e.handle
	e.mu.Unlock()

	if sess == nil || rec == nil {
		return ErrNoActiveSession
	}
	if handle == nil {
		return errors.New("no runtime handle: send a message first")
	}
	if err := rec.Restore(ctx, id, handle); err != nil {
		return err
	}

	publishEvent(ctx, e.cfg.Bus, e.logger,
		events.BuildCheckpointSubject(events.CheckpointRestored, sess.ID),
		events.CheckpointRestored, map[string]any{
			"sessionId":    sess.ID,
			"checkpointId": id,
		})
	return nil
}

// execute runs one streaming call to completion. done is closed once the
// final result has been captured.
func (e *Engine) execute(ctx context.Context, sess *session.Session, gen *LiveMessageGenerator, done chan struct{}) {
	result := e.runTurn(ctx, sess, gen)

	e.mu.Lock()
	if e.execDone == done {
		e.lastResult = result
		e.execDone = nil
		e.inflight = false
		e.setStateLocked(StateIdle)
	}
	// A newer execution owns the UI once it is in flight; a stale one
	// winding down must not stop its spinner.
	stopUI := !e.inflight
	drain := e.generator == gen && e.active == sess && !e.inflight
	e.mu.Unlock()

	if drain {
		if n := gen.ClearQueue(); n > 0 {
			e.logger.Warn("Discarding unconsumed queued messages",
				zap.String("session_id", sess.ID),
				zap.Int("count", n))
		}
	}

	if stopUI {
		e.cfg.UI.StopComputing()
		e.cfg.UI.SetProcessingState(false)
	}

	if err := e.cfg.Store.Save(sess); err != nil {
		e.logger.Warn("Failed to save session after turn",
			zap.String("session_id", sess.ID), zap.Error(err))
	}

	close(done)
}

// completeTurn marks a turn boundary inside a live streaming call. The
// stream stays open for queued and future sends; the session goes idle when
// nothing else is waiting.
func (e *Engine) completeTurn(sess *session.Session, gen *LiveMessageGenerator, result *TurnResult) {
	e.mu.Lock()
	idle := e.active == sess && e.generator == gen &&
		e.state == StateProcessing && gen.PendingCount() == 0
	if idle {
		e.setStateLocked(StateIdle)
	}
	e.mu.Unlock()

	if idle {
		e.cfg.UI.StopComputing()
		e.cfg.UI.SetProcessingState(false)
	}
	if result.IsError {
		e.cfg.UI.DisplayError(result.ErrorMessage)
	}

	if err := e.cfg.Store.Save(sess); err != nil {
		e.logger.Warn("Failed to save session after turn",
			zap.String("session_id", sess.ID), zap.Error(err))
	}

	publishEvent(context.Background(), e.cfg.Bus, e.logger,
		events.BuildTurnSubject(events.TurnCompleted, sess.ID),
		events.TurnCompleted, map[string]any{
			"sessionId": sess.ID,
			"isError":   result.IsError,
		})
}

// runTurn is the inner execution loop: it opens the runtime call over the
// generator's messages and folds the runtime's stream into a TurnResult.
func (e *Engine) runTurn(ctx context.Context, sess *session.Session, gen *LiveMessageGenerator) *TurnResult {
	ctx, span := e.tracer.Start(ctx, "engine.turn",
		trace.WithAttributes(attribute.String("session.id", sess.ID)))
	defer span.End()

	opts := e.buildOptions(sess)
	prompt := e.adaptPrompt(ctx, gen)

	query, err := e.cfg.Runtime.Query(ctx, prompt, opts, e.canUseTool(sess))
	if err != nil {
		e.logger.Error("Runtime query failed to start", zap.Error(err))
		userMsg := errclass.UserMessageFor(err)
		e.cfg.UI.DisplayError(userMsg)
		return &TurnResult{
			IsError:      true,
			ErrorMessage: userMsg,
			SessionID:    e.snapshotRuntimeSID(),
		}
	}
	defer func() {
		if cerr := query.Close(); cerr != nil {
			e.logger.Debug("Query close", zap.Error(cerr))
		}
	}()

	e.registerHandle(query.Handle())

	var text strings.Builder
	var lastError, lastSuccess *TurnResult

	messages := query.Messages()
loop:
	for {
		select {
		case <-ctx.Done():
			return e.interruptedResult(text.String())
		case msg, ok := <-messages:
			if !ok {
				break loop
			}
			// A canceled token wins over an already-delivered message, so
			// a stuck runtime still yields an interrupted result here.
			if ctx.Err() != nil {
				return e.interruptedResult(text.String())
			}

			if msg.SessionID != "" {
				e.trackRuntimeSession(sess, &msg)
			}
			e.router.Dispatch(ctx, &msg)

			switch msg.Type {
			case agentsdk.MessageTypeAssistant:
				text.WriteString(msg.TextContent())
			case agentsdk.MessageTypeUser:
				if msg.Message != nil && msg.HasBlock(agentsdk.BlockTypeToolResult) {
					e.mu.Lock()
					sess.AddMessage(session.RoleUser, msg.Message.Content)
					e.mu.Unlock()
				}
			case agentsdk.MessageTypeResult:
				if strs := msg.ErrorStrings(); len(strs) > 0 {
					e.logger.Error("Turn ended with errors", zap.Strings("errors", strs))
				}
				result := e.resultFrom(&msg, text.String())
				if result.IsError {
					lastError = result
				} else {
					lastSuccess = result
				}
				e.recordAssistantTurn(sess, text.String(), &msg)
				text.Reset()
				e.completeTurn(sess, gen, result)
			}
		}
	}

	// Cancellation can race the stream closing; the interrupt wins either way.
	if ctx.Err() != nil {
		return e.interruptedResult(text.String())
	}

	if err := query.Err(); err != nil && lastError == nil {
		e.logger.Error("Runtime stream failed", zap.Error(err))
		userMsg := errclass.UserMessageFor(err)
		e.cfg.UI.DisplayError(userMsg)
		lastError = &TurnResult{
			IsError:      true,
			ErrorMessage: userMsg,
			SessionID:    e.snapshotRuntimeSID(),
		}
	}

	switch {
	case lastError != nil:
		return lastError
	case lastSuccess != nil:
		return lastSuccess
	default:
		return &TurnResult{Response: text.String(), SessionID: e.snapshotRuntimeSID()}
	}
}

// adaptPrompt stamps the latest runtime session id onto each outgoing
// message. parent_tool_use_id stays null for top-level prompts. A message
// the runtime never took delivery of goes back to the queue, mirroring the
// generator's own cancellation path.
func (e *Engine) adaptPrompt(ctx context.Context, gen *LiveMessageGenerator) <-chan agentsdk.StreamMessage {
	out := make(chan agentsdk.StreamMessage)
	go func() {
		defer close(out)
		for m := range gen.Generate(ctx) {
			m.SessionID = e.snapshotRuntimeSID()
			m.ParentToolUseID = nil
			select {
			case out <- m:
			case <-ctx.Done():
				gen.putBack(m)
				return
			}
		}
	}()
	return out
}

// canUseTool wraps the arbiter with event publication and permission
// status display.
func (e *Engine) canUseTool(sess *session.Session) agentsdk.CanUseToolFunc {
	return func(ctx context.Context, toolName string, input map[string]any, tu agentsdk.ToolUseContext) (agentsdk.PermissionDecision, error) {
		publishEvent(ctx, e.cfg.Bus, e.logger,
			events.BuildPermissionSubject(events.PermissionRequested, sess.ID),
			events.PermissionRequested, map[string]any{
				"sessionId": sess.ID,
				"toolName":  toolName,
				"toolUseId": tu.ToolUseID,
			})

		decision, err := e.cfg.Arbiter.CanUseTool(ctx, toolName, input, tu)
		if err != nil {
			return decision, err
		}

		e.cfg.UI.DisplayPermissionStatus(toolName, decision.Allowed(), decision.Message)
		publishEvent(ctx, e.cfg.Bus, e.logger,
			events.BuildPermissionSubject(events.PermissionDecided, sess.ID),
			events.PermissionDecided, map[string]any{
				"sessionId": sess.ID,
				"toolName":  toolName,
				"toolUseId": tu.ToolUseID,
				"behavior":  decision.Behavior,
				"message":   decision.Message,
			})
		return decision, nil
	}
}

func (e *Engine) buildOptions(sess *session.Session) *agentsdk.Options {
	e.mu.Lock()
	resume := sess.SDKSessionID
	agents := sess.Context.ActiveAgents
	cfg := sess.Context.ResolvedConfig
	e.mu.Unlock()

	return e.cfg.Builder.BuildQueryOptions(compose.QueryInputs{
		Config:           cfg,
		PermissionMode:   e.cfg.Arbiter.Mode(),
		WorkingDirectory: sess.WorkingDirectory,
		ActiveAgents:     agents,
		Hooks:            e.cfg.Hooks,
		CustomMCPServers: e.cfg.MCPServers,
		Resume:           resume,
	})
}

// trackRuntimeSession records the runtime session id and persists it when
// the init message announces it.
func (e *Engine) trackRuntimeSession(sess *session.Session, msg *agentsdk.Message) {
	e.mu.Lock()
	e.runtimeSID = msg.SessionID
	e.mu.Unlock()

	if msg.Type != agentsdk.MessageTypeSystem || msg.Subtype != agentsdk.SubtypeInit {
		return
	}

	e.mu.Lock()
	sess.SDKSessionID = msg.SessionID
	e.mu.Unlock()
	if err := e.cfg.Store.Save(sess); err != nil {
		e.logger.Warn("Failed to save session after init",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
	e.logger.Debug("Runtime session established",
		zap.String("session_id", sess.ID),
		zap.String("runtime_session_id", msg.SessionID))
}

// resultFrom folds one runtime result message into a TurnResult.
func (e *Engine) resultFrom(msg *agentsdk.Message, accumulated string) *TurnResult {
	res := &TurnResult{
		SessionID:  msg.SessionID,
		CostUSD:    msg.TotalCostUSD,
		DurationMS: msg.DurationMS,
		Usage:      msg.Usage,
	}
	if res.SessionID == "" {
		res.SessionID = e.snapshotRuntimeSID()
	}

	if msg.IsResultError() {
		res.IsError = true
		res.ErrorMessage = errorMessageFrom(msg)
		res.Response = accumulated
		return res
	}

	res.Response = msg.ResultText()
	if res.Response == "" {
		res.Response = accumulated
	}
	return res
}

// errorMessageFrom picks the classifier's localized string for a result
// error, scanning the error details for the first recognizable kind.
func errorMessageFrom(msg *agentsdk.Message) string {
	kind := errclass.KindUnknown
	for _, detail := range msg.Errors {
		if k := errclass.ClassifyMessage(detail.Type, detail.Message); k != errclass.KindUnknown {
			kind = k
			break
		}
	}
	return errclass.UserMessage(kind)
}

// recordAssistantTurn appends one assistant transcript message per turn,
// folding the runtime accounting into it. Turns with no text at all leave
// no transcript entry.
func (e *Engine) recordAssistantTurn(sess *session.Session, text string, msg *agentsdk.Message) {
	body := text
	if body == "" {
		body = msg.ResultText()
	}
	if body == "" {
		return
	}

	e.mu.Lock()
	m := sess.AddMessage(session.RoleAssistant, agentsdk.TextContent(body))
	if msg.Usage != nil || msg.TotalCostUSD != 0 || msg.DurationMS != 0 {
		usage := &session.UsageStats{
			CostUSD:    msg.TotalCostUSD,
			DurationMS: msg.DurationMS,
		}
		if msg.Usage != nil {
			usage.InputTokens = msg.Usage.InputTokens
			usage.OutputTokens = msg.Usage.OutputTokens
		}
		m.Usage = usage
	}
	e.mu.Unlock()
}

func (e *Engine) interruptedResult(accumulated string) *TurnResult {
	return &TurnResult{
		IsError:      true,
		ErrorMessage: errclass.UserMessage(errclass.KindInterrupted),
		Response:     accumulated,
		SessionID:    e.snapshotRuntimeSID(),
	}
}

func (e *Engine) registerHandle(h agentsdk.Handle) {
	e.mu.Lock()
	e.handle = h
	e.mu.Unlock()
	e.cfg.Arbiter.RegisterHandle(h)
}

func (e *Engine) snapshotRuntimeSID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runtimeSID
}
