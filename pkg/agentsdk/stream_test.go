package agentsdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bridle-dev/bridle/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return log
}

// lockedBuffer makes a bytes.Buffer safe for the conn's writer goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

// waitForOutput polls until the buffer has content or the deadline passes.
func waitForOutput(t *testing.T, buf *lockedBuffer) []byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if data := buf.Bytes(); len(data) > 0 {
			return data
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for output")
	return nil
}

func TestConn_ForwardsMessages(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"system","subtype":"init","session_id":"sess123"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Hello"}]}}`,
		`{"type":"result","subtype":"success","result":"Hello","total_cost_usd":0.01}`,
	}, "\n") + "\n"

	var buf lockedBuffer
	c := newConn(&buf, strings.NewReader(input), nil, nil, newTestLogger())
	c.start(context.Background())

	var got []Message
	for msg := range c.messages {
		got = append(got, msg)
	}

	if len(got) != 3 {
		t.Fatalf("received %d messages, want 3", len(got))
	}
	if got[0].Type != MessageTypeSystem || got[0].SessionID != "sess123" {
		t.Errorf("first message = %+v, want system init for sess123", got[0])
	}
	if got[1].TextContent() != "Hello" {
		t.Errorf("TextContent() = %q, want %q", got[1].TextContent(), "Hello")
	}
	if got[2].TotalCostUSD != 0.01 {
		t.Errorf("TotalCostUSD = %v, want 0.01", got[2].TotalCostUSD)
	}
}

func TestConn_SkipsEmptyAndInvalidLines(t *testing.T) {
	input := "\n\n{invalid json}\n" + `{"type":"system","session_id":"abc"}` + "\n\n"

	var buf lockedBuffer
	c := newConn(&buf, strings.NewReader(input), nil, nil, newTestLogger())
	c.start(context.Background())

	var count int
	for range c.messages {
		count++
	}
	if count != 1 {
		t.Errorf("received %d messages, want 1", count)
	}
}

func TestConn_CanUseTool_Allow(t *testing.T) {
	input := `{"type":"control_request","request_id":"req123","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"},"tool_use_id":"tu_1"}}` + "\n"

	var gotTool string
	var gotToolUseID string
	canUseTool := func(ctx context.Context, toolName string, in map[string]any, tu ToolUseContext) (PermissionDecision, error) {
		gotTool = toolName
		gotToolUseID = tu.ToolUseID
		return Allow(nil), nil
	}

	var buf lockedBuffer
	c := newConn(&buf, strings.NewReader(input), canUseTool, nil, newTestLogger())
	c.start(context.Background())

	data := waitForOutput(t, &buf)

	var resp ControlResponseMessage
	if err := json.Unmarshal(bytes.TrimSpace(data), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.RequestID != "req123" {
		t.Errorf("RequestID = %q, want %q", resp.RequestID, "req123")
	}
	if resp.Response == nil || resp.Response.Subtype != "success" {
		t.Fatalf("Response = %+v, want success", resp.Response)
	}
	result, ok := resp.Response.Result.(map[string]any)
	if !ok {
		t.Fatalf("Result = %T, want object", resp.Response.Result)
	}
	if result["behavior"] != BehaviorAllow {
		t.Errorf("behavior = %v, want allow", result["behavior"])
	}
	if gotTool != "Bash" {
		t.Errorf("callback tool = %q, want Bash", gotTool)
	}
	if gotToolUseID != "tu_1" {
		t.Errorf("callback tool_use_id = %q, want tu_1", gotToolUseID)
	}
}

func TestConn_CanUseTool_DenyWithInterrupt(t *testing.T) {
	input := `{"type":"control_request","request_id":"req9","request":{"subtype":"can_use_tool","tool_name":"Write"}}` + "\n"

	canUseTool := func(ctx context.Context, toolName string, in map[string]any, tu ToolUseContext) (PermissionDecision, error) {
		return Deny("user rejected", true), nil
	}

	var buf lockedBuffer
	c := newConn(&buf, strings.NewReader(input), canUseTool, nil, newTestLogger())
	c.start(context.Background())

	data := waitForOutput(t, &buf)

	var resp ControlResponseMessage
	if err := json.Unmarshal(bytes.TrimSpace(data), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	result, ok := resp.Response.Result.(map[string]any)
	if !ok {
		t.Fatalf("Result = %T, want object", resp.Response.Result)
	}
	if result["behavior"] != BehaviorDeny {
		t.Errorf("behavior = %v, want deny", result["behavior"])
	}
	if result["message"] != "user rejected" {
		t.Errorf("message = %v, want user rejected", result["message"])
	}
	if result["interrupt"] != true {
		t.Errorf("interrupt = %v, want true", result["interrupt"])
	}
}

func TestConn_CanUseTool_NoCallbackRejects(t *testing.T) {
	input := `{"type":"control_request","request_id":"req123","request":{"subtype":"can_use_tool","tool_name":"Bash"}}` + "\n"

	var buf lockedBuffer
	c := newConn(&buf, strings.NewReader(input), nil, nil, newTestLogger())
	c.start(context.Background())

	data := waitForOutput(t, &buf)

	var resp ControlResponseMessage
	if err := json.Unmarshal(bytes.TrimSpace(data), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Response == nil || resp.Response.Subtype != "error" {
		t.Errorf("Response = %+v, want error", resp.Response)
	}
}

func TestConn_HookCallback(t *testing.T) {
	input := `{"type":"control_request","request_id":"req42","request":{"subtype":"hook_callback","callback_id":"hook_0","hook_input":{"tool_name":"Bash"}}}` + "\n"

	hooks := map[string]HookCallback{
		"hook_0": func(ctx context.Context, in map[string]any) (map[string]any, error) {
			return map[string]any{"decision": "approve"}, nil
		},
	}

	var buf lockedBuffer
	c := newConn(&buf, strings.NewReader(input), nil, hooks, newTestLogger())
	c.start(context.Background())

	data := waitForOutput(t, &buf)

	var resp ControlResponseMessage
	if err := json.Unmarshal(bytes.TrimSpace(data), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Response == nil || resp.Response.Subtype != "success" {
		t.Fatalf("Response = %+v, want success", resp.Response)
	}
	result, ok := resp.Response.Result.(map[string]any)
	if !ok || result["decision"] != "approve" {
		t.Errorf("Result = %v, want decision=approve", resp.Response.Result)
	}
}

func TestConn_SendControlRequest_Correlation(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	defer stdinR.Close()
	defer stdoutW.Close()

	c := newConn(stdinW, stdoutR, nil, nil, newTestLogger())
	c.start(context.Background())

	// Echo a success response for whatever request the conn sends.
	go func() {
		reader := bufio.NewReader(stdinR)
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var req SDKControlRequest
		if err := json.Unmarshal(line, &req); err != nil {
			return
		}
		resp := fmt.Sprintf(`{"type":"control_response","response":{"subtype":"success","request_id":%q,"response":{"mode":"plan"}}}`+"\n", req.RequestID)
		_, _ = stdoutW.Write([]byte(resp))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.sendControlRequest(ctx, SDKControlRequestBody{
		Subtype: SubtypeSetPermissionMode,
		Mode:    "plan",
	})
	if err != nil {
		t.Fatalf("sendControlRequest() error = %v", err)
	}
	if res.Response["mode"] != "plan" {
		t.Errorf("Response = %v, want mode=plan", res.Response)
	}
}

func TestConn_SendControlRequest_ErrorResponse(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	defer stdinR.Close()
	defer stdoutW.Close()

	c := newConn(stdinW, stdoutR, nil, nil, newTestLogger())
	c.start(context.Background())

	go func() {
		reader := bufio.NewReader(stdinR)
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var req SDKControlRequest
		if err := json.Unmarshal(line, &req); err != nil {
			return
		}
		resp := fmt.Sprintf(`{"type":"control_response","response":{"subtype":"error","request_id":%q,"error":"no active turn"}}`+"\n", req.RequestID)
		_, _ = stdoutW.Write([]byte(resp))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.sendControlRequest(ctx, SDKControlRequestBody{Subtype: SubtypeInterrupt})
	if err == nil {
		t.Fatal("sendControlRequest() error = nil, want error")
	}
	if !strings.Contains(err.Error(), "no active turn") {
		t.Errorf("error = %v, want runtime error message", err)
	}
}

func TestConn_SendControlRequest_ContextCancelled(t *testing.T) {
	var buf lockedBuffer
	c := newConn(&buf, strings.NewReader(""), nil, nil, newTestLogger())
	c.start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.sendControlRequest(ctx, SDKControlRequestBody{Subtype: SubtypeInterrupt})
	if err == nil {
		t.Fatal("sendControlRequest() error = nil, want context error")
	}
}

func TestConn_StopUnblocksPending(t *testing.T) {
	var buf lockedBuffer
	c := newConn(&buf, strings.NewReader(""), nil, nil, newTestLogger())
	c.start(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := c.sendControlRequest(context.Background(), SDKControlRequestBody{Subtype: SubtypeInterrupt})
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	c.stop()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("sendControlRequest() error = nil, want connection closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sendControlRequest did not unblock after stop")
	}
}
