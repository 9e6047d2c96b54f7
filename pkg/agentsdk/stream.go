package agentsdk

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bridle-dev/bridle/internal/common/logger"
)

// wireMessage is the superset of fields a single stream line can carry:
// a runtime message plus the control envelope fields.
type wireMessage struct {
	Message
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`
	Response  *ControlResult  `json:"response,omitempty"`
}

// conn speaks the stream-json protocol over a pair of byte streams. It
// forwards runtime messages to a channel, answers inbound control requests
// (permissions, hooks), and correlates outbound control requests with their
// responses.
type conn struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	canUseTool CanUseToolFunc
	hooks      map[string]HookCallback

	// writeMu serializes writes so concurrent control responses do not
	// interleave on the wire.
	writeMu sync.Mutex

	// Pending control requests we sent, waiting for responses.
	pendingRequests   map[string]chan *ControlResult
	pendingRequestsMu sync.Mutex

	messages chan Message

	errMu sync.Mutex
	err   error

	stopOnce sync.Once
	done     chan struct{}

	// readDone is closed when the read loop has drained stdout.
	readDone chan struct{}
}

func newConn(stdin io.Writer, stdout io.Reader, canUseTool CanUseToolFunc, hooks map[string]HookCallback, log *logger.Logger) *conn {
	return &conn{
		stdin:           stdin,
		stdout:          stdout,
		logger:          log.WithFields(zap.String("component", "agentsdk-client")),
		canUseTool:      canUseTool,
		hooks:           hooks,
		pendingRequests: make(map[string]chan *ControlResult),
		messages:        make(chan Message, 16),
		done:            make(chan struct{}),
		readDone:        make(chan struct{}),
	}
}

// start begins reading from stdout in a goroutine.
func (c *conn) start(ctx context.Context) {
	go c.readLoop(ctx)
}

// stop releases readers blocked on the connection.
func (c *conn) stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}

func (c *conn) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// Err returns the terminal stream error, if any.
func (c *conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *conn) readLoop(ctx context.Context) {
	defer close(c.messages)
	defer close(c.readDone)

	scanner := bufio.NewScanner(c.stdout)
	// Allow for large JSON messages (up to 10MB)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	c.logger.Debug("agentsdk: read loop starting")

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		c.handleLine(ctx, line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("agentsdk: read loop error", zap.Error(err))
		c.setErr(fmt.Errorf("runtime stream read: %w", err))
	}
}

func (c *conn) handleLine(ctx context.Context, line []byte) {
	var msg wireMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("agentsdk: failed to parse message", zap.Error(err), zap.String("line", string(line)))
		return
	}

	switch msg.Type {
	case MessageTypeControlRequest:
		if msg.Request == nil {
			c.logger.Warn("agentsdk: control request without body", zap.String("request_id", msg.RequestID))
			return
		}
		// Serviced off the read loop so a pending permission prompt does
		// not stall the message stream.
		go c.handleControlRequest(ctx, msg.RequestID, msg.Request)

	case MessageTypeControlResponse:
		// request_id lives inside the response object, not at the
		// message level.
		if msg.Response != nil {
			c.handleControlResult(msg.Response)
		}

	case MessageTypeControlCancelRequest:
		c.logger.Debug("agentsdk: control request cancelled by runtime", zap.String("request_id", msg.RequestID))

	default:
		select {
		case c.messages <- msg.Message:
		case <-ctx.Done():
		case <-c.done:
		}
	}
}

func (c *conn) handleControlRequest(ctx context.Context, requestID string, req *ControlRequest) {
	switch req.Subtype {
	case SubtypeCanUseTool:
		c.handleCanUseTool(ctx, requestID, req)
	case SubtypeHookCallback:
		c.handleHookCallback(ctx, requestID, req)
	default:
		c.logger.Warn("agentsdk: unsupported control request",
			zap.String("request_id", requestID),
			zap.String("subtype", req.Subtype))
		c.respondError(requestID, fmt.Sprintf("unsupported control request subtype: %s", req.Subtype))
	}
}

func (c *conn) handleCanUseTool(ctx context.Context, requestID string, req *ControlRequest) {
	if c.canUseTool == nil {
		c.logger.Warn("agentsdk: permission request with no callback registered",
			zap.String("request_id", requestID),
			zap.String("tool", req.ToolName))
		c.respondError(requestID, "no permission callback registered")
		return
	}

	decision, err := c.canUseTool(ctx, req.ToolName, req.Input, ToolUseContext{
		ToolUseID:   req.ToolUseID,
		Suggestions: req.PermissionSuggestions,
	})
	if err != nil {
		c.logger.Warn("agentsdk: permission callback failed",
			zap.String("tool", req.ToolName),
			zap.Error(err))
		c.respondError(requestID, err.Error())
		return
	}

	c.respond(requestID, &ControlResponse{Subtype: "success", Result: decision.Result()})
}

func (c *conn) handleHookCallback(ctx context.Context, requestID string, req *ControlRequest) {
	callback, ok := c.hooks[req.CallbackID]
	if !ok {
		c.respondError(requestID, fmt.Sprintf("unknown hook callback: %s", req.CallbackID))
		return
	}

	output, err := callback(ctx, req.HookInput)
	if err != nil {
		c.logger.Warn("agentsdk: hook callback failed",
			zap.String("callback_id", req.CallbackID),
			zap.Error(err))
		c.respondError(requestID, err.Error())
		return
	}

	c.respond(requestID, &ControlResponse{Subtype: "success", Result: output})
}

func (c *conn) handleControlResult(res *ControlResult) {
	c.pendingRequestsMu.Lock()
	pending, ok := c.pendingRequests[res.RequestID]
	c.pendingRequestsMu.Unlock()

	if !ok {
		c.logger.Warn("agentsdk: control response for unknown request",
			zap.String("request_id", res.RequestID),
			zap.String("subtype", res.Subtype))
		return
	}

	select {
	case pending <- res:
	default:
		c.logger.Warn("agentsdk: pending request channel full", zap.String("request_id", res.RequestID))
	}
}

// sendMessage writes one user message onto the prompt stream.
func (c *conn) sendMessage(msg *StreamMessage) error {
	return c.send(msg)
}

// sendControlRequest sends a control request and waits for its response.
func (c *conn) sendControlRequest(ctx context.Context, body SDKControlRequestBody) (*ControlResult, error) {
	requestID := uuid.New().String()

	pending := make(chan *ControlResult, 1)
	c.pendingRequestsMu.Lock()
	c.pendingRequests[requestID] = pending
	c.pendingRequestsMu.Unlock()

	defer func() {
		c.pendingRequestsMu.Lock()
		delete(c.pendingRequests, requestID)
		c.pendingRequestsMu.Unlock()
	}()

	req := &SDKControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: requestID,
		Request:   body,
	}

	if err := c.send(req); err != nil {
		return nil, fmt.Errorf("failed to send %s request: %w", body.Subtype, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, errors.New("connection closed")
	case res := <-pending:
		if res.Subtype == "error" {
			return nil, fmt.Errorf("%s failed: %s", body.Subtype, res.Error)
		}
		return res, nil
	}
}

func (c *conn) respond(requestID string, resp *ControlResponse) {
	msg := &ControlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: requestID,
		Response:  resp,
	}
	if err := c.send(msg); err != nil {
		c.logger.Warn("agentsdk: failed to send control response",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

func (c *conn) respondError(requestID, message string) {
	c.respond(requestID, &ControlResponse{Subtype: "error", Error: message})
}

func (c *conn) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}
