package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bridle-dev/bridle/pkg/agentsdk"
)

// inboundMessage is the superset of line shapes the runtime writes: user
// prompts, control requests, and answers to our permission asks.
type inboundMessage struct {
	Type      string                          `json:"type"`
	RequestID string                          `json:"request_id,omitempty"`
	SessionID string                          `json:"session_id,omitempty"`
	Request   *agentsdk.SDKControlRequestBody `json:"request,omitempty"`
	Response  *inboundControlResponse         `json:"response,omitempty"`
	Message   *agentsdk.ChatMessage           `json:"message,omitempty"`
}

// inboundControlResponse is the body of a control_response from the
// runtime. Result stays raw until the waiting ask decodes it.
type inboundControlResponse struct {
	Subtype string          `json:"subtype"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// controlReply answers a runtime control request. On this direction of the
// wire the request id rides inside the response body, not the envelope.
type controlReply struct {
	Type     string                 `json:"type"`
	Response agentsdk.ControlResult `json:"response"`
}

// permissionAsk is an outbound can_use_tool control request.
type permissionAsk struct {
	Type      string                  `json:"type"`
	RequestID string                  `json:"request_id"`
	Request   agentsdk.ControlRequest `json:"request"`
}

// agent is one mock runtime process: a reader goroutine routing stdin and
// a turn goroutine playing scenarios, bridged by the prompt queue. Stdout
// writes are serialized so control replies emitted from the reader cannot
// interleave with turn output.
type agent struct {
	in  io.Reader
	out io.Writer
	cfg runtimeConfig

	sessionID string

	writeMu sync.Mutex

	prompts chan string

	permMu  sync.Mutex
	pending map[string]chan inboundControlResponse

	turnMu     sync.Mutex
	turnCancel context.CancelFunc

	cpMu        sync.Mutex
	checkpoints map[string]struct{}

	// toolSeq is only touched from the turn goroutine.
	toolSeq int
}

func newAgent(in io.Reader, out io.Writer, cfg runtimeConfig) *agent {
	sid := uuid.NewString()
	if cfg.resume != "" && !cfg.forkSession {
		sid = cfg.resume
	}
	return &agent{
		in:          in,
		out:         out,
		cfg:         cfg,
		sessionID:   sid,
		prompts:     make(chan string, 16),
		pending:     make(map[string]chan inboundControlResponse),
		checkpoints: make(map[string]struct{}),
	}
}

// run announces the session, then pumps stdin until EOF and plays queued
// turns until the queue drains.
func (a *agent) run() error {
	a.emitSystemInit()

	turnsDone := make(chan struct{})
	go func() {
		defer close(turnsDone)
		a.turnLoop()
	}()

	err := a.readLoop()
	close(a.prompts)
	<-turnsDone
	return err
}

func (a *agent) readLoop() error {
	scanner := bufio.NewScanner(a.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg inboundMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case agentsdk.MessageTypeControlRequest:
			if msg.Request != nil {
				a.handleControl(msg.RequestID, msg.Request)
			}
		case agentsdk.MessageTypeControlResponse:
			if msg.Response != nil {
				a.deliverVerdict(msg.RequestID, *msg.Response)
			}
		case agentsdk.MessageTypeUser:
			if msg.Message != nil {
				a.prompts <- msg.Message.Content.PlainText()
			}
		}
	}
	return scanner.Err()
}

func (a *agent) handleControl(requestID string, req *agentsdk.SDKControlRequestBody) {
	switch req.Subtype {
	case agentsdk.SubtypeInitialize:
		a.replyOK(requestID, map[string]any{
			"commands":     scenarioCommands(),
			"output_style": "default",
		})

	case agentsdk.SubtypeInterrupt:
		a.cancelTurn()
		a.replyOK(requestID, nil)

	case agentsdk.SubtypeSetPermissionMode:
		if !agentsdk.ValidPermissionMode(req.Mode) {
			a.replyErr(requestID, fmt.Sprintf("unknown permission mode: %s", req.Mode))
			return
		}
		a.replyOK(requestID, nil)

	case agentsdk.SubtypeRewindFiles:
		if a.hasCheckpoint(req.UserMessageUUID) {
			a.replyOK(requestID, nil)
			return
		}
		a.replyErr(requestID, fmt.Sprintf("no checkpoint found for message %s", req.UserMessageUUID))

	default:
		a.replyErr(requestID, fmt.Sprintf("unsupported control request subtype: %s", req.Subtype))
	}
}

func (a *agent) deliverVerdict(requestID string, res inboundControlResponse) {
	a.permMu.Lock()
	ch, ok := a.pending[requestID]
	a.permMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- res:
	default:
	}
}

// askPermission sends a can_use_tool request and blocks until the runtime
// answers or the turn is interrupted. Interruption counts as a deny.
func (a *agent) askPermission(ctx context.Context, toolName, toolUseID string, input map[string]any) agentsdk.PermissionResult {
	requestID := uuid.NewString()
	ch := make(chan inboundControlResponse, 1)

	a.permMu.Lock()
	a.pending[requestID] = ch
	a.permMu.Unlock()
	defer func() {
		a.permMu.Lock()
		delete(a.pending, requestID)
		a.permMu.Unlock()
	}()

	a.send(permissionAsk{
		Type:      agentsdk.MessageTypeControlRequest,
		RequestID: requestID,
		Request: agentsdk.ControlRequest{
			Subtype:   agentsdk.SubtypeCanUseTool,
			ToolName:  toolName,
			Input:     input,
			ToolUseID: toolUseID,
		},
	})

	select {
	case res := <-ch:
		if res.Subtype != "success" {
			return agentsdk.PermissionResult{Behavior: agentsdk.BehaviorDeny, Message: res.Error}
		}
		var verdict agentsdk.PermissionResult
		if err := json.Unmarshal(res.Result, &verdict); err != nil {
			return agentsdk.PermissionResult{Behavior: agentsdk.BehaviorDeny, Message: "unreadable permission result"}
		}
		return verdict
	case <-ctx.Done():
		return agentsdk.PermissionResult{Behavior: agentsdk.BehaviorDeny, Message: "interrupted"}
	}
}

func (a *agent) turnLoop() {
	for prompt := range a.prompts {
		ctx, cancel := context.WithCancel(context.Background())
		a.setTurnCancel(cancel)
		a.playTurn(ctx, prompt)
		a.setTurnCancel(nil)
		cancel()
	}
}

func (a *agent) setTurnCancel(cancel context.CancelFunc) {
	a.turnMu.Lock()
	a.turnCancel = cancel
	a.turnMu.Unlock()
}

func (a *agent) cancelTurn() {
	a.turnMu.Lock()
	if a.turnCancel != nil {
		a.turnCancel()
	}
	a.turnMu.Unlock()
}

// playTurn runs one scripted turn: the checkpoint echo, the scenario body,
// and the closing result.
func (a *agent) playTurn(ctx context.Context, prompt string) {
	started := time.Now()
	a.echoPrompt(prompt)

	text, ownResult := a.playScenario(ctx, prompt, started)
	if ownResult {
		return
	}
	if ctx.Err() != nil {
		a.emitResult(resultSpec{text: "Interrupted by user.", started: started})
		return
	}
	a.emitResult(resultSpec{text: text, started: started})
}

// echoPrompt replays the prompt as a user message with a uuid when file
// checkpointing is on. That uuid is the handle rewind_files addresses.
func (a *agent) echoPrompt(prompt string) {
	if !a.cfg.checkpointing {
		return
	}
	id := uuid.NewString()
	a.cpMu.Lock()
	a.checkpoints[id] = struct{}{}
	a.cpMu.Unlock()

	a.send(agentsdk.Message{
		Type:      agentsdk.MessageTypeUser,
		UUID:      id,
		SessionID: a.sessionID,
		Message:   &agentsdk.ChatMessage{Role: "user", Content: agentsdk.TextContent(prompt)},
	})
}

func (a *agent) hasCheckpoint(id string) bool {
	a.cpMu.Lock()
	defer a.cpMu.Unlock()
	_, ok := a.checkpoints[id]
	return ok
}

func (a *agent) emitSystemInit() {
	a.send(agentsdk.Message{
		Type:           agentsdk.MessageTypeSystem,
		Subtype:        agentsdk.SubtypeInit,
		SessionID:      a.sessionID,
		Model:          a.cfg.model,
		CWD:            workDir(),
		Tools:          availableTools(),
		PermissionMode: a.cfg.permissionMode,
	})
}

func (a *agent) emitAssistant(parentToolUseID string, blocks ...agentsdk.ContentBlock) {
	msg := agentsdk.Message{
		Type:      agentsdk.MessageTypeAssistant,
		SessionID: a.sessionID,
		Message: &agentsdk.ChatMessage{
			Role:    "assistant",
			Content: agentsdk.BlockContent(blocks...),
			Model:   a.cfg.model,
			Usage:   &agentsdk.Usage{InputTokens: 1200, OutputTokens: 320},
		},
	}
	if parentToolUseID != "" {
		msg.ParentToolUseID = &parentToolUseID
	}
	a.send(msg)
}

func (a *agent) emitText(text string) {
	a.emitAssistant("", agentsdk.TextBlock(text))
}

func (a *agent) emitThinking(thought string) {
	a.emitAssistant("", agentsdk.ContentBlock{Type: agentsdk.BlockTypeThinking, Thinking: thought})
}

func (a *agent) emitToolUse(parentToolUseID, toolUseID, name string, input map[string]any) {
	a.emitAssistant(parentToolUseID, agentsdk.ContentBlock{
		Type:  agentsdk.BlockTypeToolUse,
		ID:    toolUseID,
		Name:  name,
		Input: input,
	})
}

func (a *agent) emitToolResult(parentToolUseID, toolUseID, content string, isError bool) {
	msg := agentsdk.Message{
		Type:      agentsdk.MessageTypeUser,
		SessionID: a.sessionID,
		Message: &agentsdk.ChatMessage{
			Role:    "user",
			Content: agentsdk.BlockContent(agentsdk.ToolResultBlock(toolUseID, agentsdk.TextContent(content), isError)),
		},
	}
	if parentToolUseID != "" {
		msg.ParentToolUseID = &parentToolUseID
	}
	a.send(msg)
}

// resultSpec is everything the closing result message of a turn needs.
type resultSpec struct {
	text    string
	isError bool
	errors  []string
	started time.Time
}

func (a *agent) emitResult(spec resultSpec) {
	subtype := agentsdk.SubtypeSuccess
	if spec.isError {
		subtype = agentsdk.SubtypeErrorDuringExecution
	}
	raw, _ := json.Marshal(spec.text)

	elapsed := time.Since(spec.started).Milliseconds()
	msg := agentsdk.Message{
		Type:          agentsdk.MessageTypeResult,
		Subtype:       subtype,
		SessionID:     a.sessionID,
		Result:        raw,
		IsError:       spec.isError,
		NumTurns:      1,
		TotalCostUSD:  0.0042,
		DurationMS:    elapsed,
		DurationAPIMS: elapsed * 8 / 10,
		Usage:         &agentsdk.Usage{InputTokens: 1500, OutputTokens: 480},
	}
	for _, e := range spec.errors {
		msg.Errors = append(msg.Errors, agentsdk.ErrorDetail{Message: e})
	}
	a.send(msg)
}

func (a *agent) nextToolID() string {
	a.toolSeq++
	return fmt.Sprintf("toolu_mock_%04d", a.toolSeq)
}

// send marshals msg as a single line. A full line per write keeps
// concurrent writers from interleaving mid-message.
func (a *agent) send(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: encode: %v\n", err)
		return
	}
	data = append(data, '\n')

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_, _ = a.out.Write(data)
}

func (a *agent) replyOK(requestID string, response map[string]any) {
	a.send(controlReply{
		Type: agentsdk.MessageTypeControlResponse,
		Response: agentsdk.ControlResult{
			Subtype:   "success",
			RequestID: requestID,
			Response:  response,
		},
	})
}

func (a *agent) replyErr(requestID, message string) {
	a.send(controlReply{
		Type: agentsdk.MessageTypeControlResponse,
		Response: agentsdk.ControlResult{
			Subtype:   "error",
			RequestID: requestID,
			Error:     message,
		},
	})
}

func workDir() string {
	wd, err := os.Getwd()
	if err != nil {
		return "/"
	}
	return wd
}

func availableTools() []string {
	return []string{
		agentsdk.ToolTask, agentsdk.ToolBash, agentsdk.ToolGlob,
		agentsdk.ToolGrep, agentsdk.ToolRead, agentsdk.ToolEdit,
		agentsdk.ToolWrite, agentsdk.ToolWebFetch, agentsdk.ToolTodoWrite,
		agentsdk.ToolAskUserQuestion, agentsdk.ToolExitPlanMode,
	}
}
