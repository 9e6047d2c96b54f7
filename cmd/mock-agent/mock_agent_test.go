package main

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridle-dev/bridle/pkg/agentsdk"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want runtimeConfig
	}{
		{
			name: "defaults",
			args: nil,
			want: runtimeConfig{model: "mock-default", permissionMode: agentsdk.PermissionModeDefault},
		},
		{
			name: "split form",
			args: []string{"--model", "mock-fast"},
			want: runtimeConfig{model: "mock-fast", permissionMode: agentsdk.PermissionModeDefault},
		},
		{
			name: "equals form",
			args: []string{"--model=mock-slow"},
			want: runtimeConfig{model: "mock-slow", permissionMode: agentsdk.PermissionModeDefault},
		},
		{
			name: "permission mode",
			args: []string{"--permission-mode", agentsdk.PermissionModePlan},
			want: runtimeConfig{model: "mock-default", permissionMode: agentsdk.PermissionModePlan},
		},
		{
			name: "resume with fork",
			args: []string{"--resume", "sess-1", "--fork-session"},
			want: runtimeConfig{model: "mock-default", permissionMode: agentsdk.PermissionModeDefault, resume: "sess-1", forkSession: true},
		},
		{
			name: "replay flag enables checkpointing",
			args: []string{"--replay-user-messages"},
			want: runtimeConfig{model: "mock-default", permissionMode: agentsdk.PermissionModeDefault, checkpointing: true},
		},
		{
			name: "unknown flags ignored",
			args: []string{"--print", "--output-format", "stream-json", "--verbose", "--model", "mock-fast"},
			want: runtimeConfig{model: "mock-fast", permissionMode: agentsdk.PermissionModeDefault},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseArgs(tt.args))
		})
	}
}

func TestScenarioFor(t *testing.T) {
	tests := []struct {
		prompt string
		name   string
		rest   string
	}{
		{"error now please", "error", "now please"},
		{"/slow 2s", "slow", "2s"},
		{"Think hard about this", "think", "hard about this"},
		{"EDIT the config", "edit", "the config"},
		{"todo", "todo", ""},
		{"what is two plus two", "freeform", ""},
		{"", "freeform", ""},
	}

	for _, tt := range tests {
		name, rest := scenarioFor(tt.prompt)
		assert.Equal(t, tt.name, name, "prompt %q", tt.prompt)
		assert.Equal(t, tt.rest, rest, "prompt %q", tt.prompt)
	}
}

func TestSplitPlanPrompt(t *testing.T) {
	preamble := "[SYSTEM: You are in Plan Mode. Do NOT make any changes. Available tools are limited to Read, Grep, Glob, and ExitPlanMode. Explore, design a plan, then call ExitPlanMode to present it for approval.]\n\n"

	core, planMode := splitPlanPrompt(preamble + "refactor the parser")
	assert.True(t, planMode)
	assert.Equal(t, "refactor the parser", core)

	core, planMode = splitPlanPrompt("refactor the parser")
	assert.False(t, planMode)
	assert.Equal(t, "refactor the parser", core)

	// A truncated preamble still flags plan mode.
	_, planMode = splitPlanPrompt(planPrefix + " truncated")
	assert.True(t, planMode)
}

func TestWalkRepo(t *testing.T) {
	root := t.TempDir()
	writeFile := func(rel, content string) {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	writeFile("a.go", "package a\n")
	writeFile("b.md", "# readme\n")
	writeFile("sub/c.json", "{}\n")
	writeFile("c.exe", "binary")
	writeFile(".git/d.go", "package d\n")
	writeFile("big.go", strings.Repeat("x", repoSizeLimit+1))

	files := walkRepo(root)

	var rels []string
	for _, f := range files {
		rels = append(rels, f.rel)
	}
	assert.ElementsMatch(t, []string{"a.go", "b.md", filepath.Join("sub", "c.json")}, rels)
}

func TestFileHead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\nfour\n"), 0o644))

	assert.Equal(t, "one\ntwo\n", fileHead(path, 2))
	assert.Equal(t, "(unreadable: nope.txt)", fileHead(filepath.Join(t.TempDir(), "nope.txt"), 2))
}

func TestEditFragment(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "code.go")
	require.NoError(t, os.WriteFile(path, []byte("x\nfunc mockTarget() error { return nil }\n"), 0o644))
	oldStr, newStr := editFragment(path)
	assert.Equal(t, "func mockTarget() error { return nil }", oldStr)
	assert.Equal(t, oldStr+" // touched by mock", newStr)

	short := filepath.Join(dir, "short.txt")
	require.NoError(t, os.WriteFile(short, []byte("hi\n"), 0o644))
	oldStr, newStr = editFragment(short)
	assert.Equal(t, "before", oldStr)
	assert.Equal(t, "after", newStr)

	oldStr, newStr = editFragment(filepath.Join(dir, "missing.txt"))
	assert.Equal(t, "before", oldStr)
	assert.Equal(t, "after", newStr)
}

// outLine is the superset of line shapes the agent writes, for test-side
// decoding.
type outLine struct {
	Type           string                   `json:"type"`
	Subtype        string                   `json:"subtype"`
	SessionID      string                   `json:"session_id"`
	UUID           string                   `json:"uuid"`
	Model          string                   `json:"model"`
	PermissionMode string                   `json:"permissionMode"`
	Tools          []string                 `json:"tools"`
	RequestID      string                   `json:"request_id"`
	Request        *agentsdk.ControlRequest `json:"request"`
	Response       *agentsdk.ControlResult  `json:"response"`
	Message        *agentsdk.ChatMessage    `json:"message"`
	IsError        bool                     `json:"is_error"`
	Result         json.RawMessage          `json:"result"`
}

type agentHarness struct {
	in    *io.PipeWriter
	lines <-chan outLine
}

func startAgent(t *testing.T, cfg runtimeConfig) *agentHarness {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	a := newAgent(inR, outW, cfg)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.run()
		_ = outW.Close()
	}()

	lines := make(chan outLine, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(outR)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			var line outLine
			if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
				continue
			}
			lines <- line
		}
	}()

	t.Cleanup(func() {
		_ = inW.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("agent did not shut down after stdin closed")
		}
	})

	return &agentHarness{in: inW, lines: lines}
}

func (h *agentHarness) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	_, err = h.in.Write(append(data, '\n'))
	require.NoError(t, err)
}

// await discards lines until one matches.
func (h *agentHarness) await(t *testing.T, what string, pred func(outLine) bool) outLine {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-h.lines:
			if !ok {
				t.Fatalf("stream ended before %s", what)
			}
			if pred(line) {
				return line
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func userPrompt(text string) agentsdk.StreamMessage {
	return agentsdk.NewStreamMessage(agentsdk.TextContent(text))
}

func TestAgent_InitializeHandshakeAndFreeformTurn(t *testing.T) {
	h := startAgent(t, runtimeConfig{model: "mock-fast", permissionMode: agentsdk.PermissionModeDefault})

	init := h.await(t, "system init", func(l outLine) bool { return l.Type == agentsdk.MessageTypeSystem })
	assert.Equal(t, agentsdk.SubtypeInit, init.Subtype)
	assert.Equal(t, "mock-fast", init.Model)
	assert.Equal(t, agentsdk.PermissionModeDefault, init.PermissionMode)
	assert.NotEmpty(t, init.SessionID)
	assert.Contains(t, init.Tools, agentsdk.ToolBash)

	h.send(t, agentsdk.SDKControlRequest{
		Type:      agentsdk.MessageTypeControlRequest,
		RequestID: "req_init",
		Request:   agentsdk.SDKControlRequestBody{Subtype: agentsdk.SubtypeInitialize},
	})
	ack := h.await(t, "initialize ack", func(l outLine) bool { return l.Type == agentsdk.MessageTypeControlResponse })
	require.NotNil(t, ack.Response)
	assert.Equal(t, "req_init", ack.Response.RequestID)
	assert.Equal(t, "success", ack.Response.Subtype)
	assert.NotEmpty(t, ack.Response.Response["commands"])

	h.send(t, userPrompt("hello there"))
	result := h.await(t, "turn result", func(l outLine) bool { return l.Type == agentsdk.MessageTypeResult })
	assert.Equal(t, agentsdk.SubtypeSuccess, result.Subtype)
	assert.False(t, result.IsError)
	assert.Equal(t, init.SessionID, result.SessionID)

	var text string
	require.NoError(t, json.Unmarshal(result.Result, &text))
	assert.Contains(t, text, "mock response")
}

func TestAgent_PermissionDenyFailsTool(t *testing.T) {
	h := startAgent(t, runtimeConfig{model: "mock-fast", permissionMode: agentsdk.PermissionModeDefault})

	h.send(t, userPrompt("bash"))

	ask := h.await(t, "permission ask", func(l outLine) bool {
		return l.Type == agentsdk.MessageTypeControlRequest && l.Request != nil
	})
	assert.Equal(t, agentsdk.SubtypeCanUseTool, ask.Request.Subtype)
	assert.Equal(t, agentsdk.ToolBash, ask.Request.ToolName)
	assert.NotEmpty(t, ask.Request.ToolUseID)
	assert.NotEmpty(t, ask.RequestID)

	h.send(t, agentsdk.ControlResponseMessage{
		Type:      agentsdk.MessageTypeControlResponse,
		RequestID: ask.RequestID,
		Response: &agentsdk.ControlResponse{
			Subtype: "success",
			Result:  agentsdk.PermissionResult{Behavior: agentsdk.BehaviorDeny, Message: "not now"},
		},
	})

	toolResult := h.await(t, "tool result", func(l outLine) bool {
		return l.Type == agentsdk.MessageTypeUser && l.Message != nil &&
			len(l.Message.Content.Blocks) > 0 && l.Message.Content.Blocks[0].Type == agentsdk.BlockTypeToolResult
	})
	blk := toolResult.Message.Content.Blocks[0]
	assert.True(t, blk.IsError)
	assert.Equal(t, ask.Request.ToolUseID, blk.ToolUseID)
	require.NotNil(t, blk.Content)
	assert.Contains(t, blk.Content.PlainText(), "not now")

	result := h.await(t, "turn result", func(l outLine) bool { return l.Type == agentsdk.MessageTypeResult })
	assert.Equal(t, agentsdk.SubtypeSuccess, result.Subtype)

	var text string
	require.NoError(t, json.Unmarshal(result.Result, &text))
	assert.Contains(t, text, "not approved")
}

func TestAgent_InterruptCutsSlowTurn(t *testing.T) {
	h := startAgent(t, runtimeConfig{model: "mock-fast", permissionMode: agentsdk.PermissionModeDefault, checkpointing: true})

	h.send(t, userPrompt("slow 30s"))

	// The checkpoint echo marks the turn as started, so the interrupt
	// cannot race the prompt out of the queue.
	h.await(t, "prompt echo", func(l outLine) bool {
		return l.Type == agentsdk.MessageTypeUser && l.UUID != ""
	})

	h.send(t, agentsdk.SDKControlRequest{
		Type:      agentsdk.MessageTypeControlRequest,
		RequestID: "req_int",
		Request:   agentsdk.SDKControlRequestBody{Subtype: agentsdk.SubtypeInterrupt},
	})

	// Ack and result come from different goroutines in either order.
	var ackSeen bool
	var result *outLine
	deadline := time.After(5 * time.Second)
	for !ackSeen || result == nil {
		select {
		case line, ok := <-h.lines:
			require.True(t, ok, "stream ended before interrupt completed")
			switch {
			case line.Type == agentsdk.MessageTypeControlResponse && line.Response != nil && line.Response.RequestID == "req_int":
				assert.Equal(t, "success", line.Response.Subtype)
				ackSeen = true
			case line.Type == agentsdk.MessageTypeResult:
				result = &line
			}
		case <-deadline:
			t.Fatal("timed out waiting for interrupt ack and result")
		}
	}

	var text string
	require.NoError(t, json.Unmarshal(result.Result, &text))
	assert.Contains(t, text, "Interrupted")
}

func TestAgent_RewindUnknownCheckpointErrors(t *testing.T) {
	h := startAgent(t, runtimeConfig{model: "mock-fast", permissionMode: agentsdk.PermissionModeDefault, checkpointing: true})

	h.send(t, agentsdk.SDKControlRequest{
		Type:      agentsdk.MessageTypeControlRequest,
		RequestID: "req_rw",
		Request: agentsdk.SDKControlRequestBody{
			Subtype:         agentsdk.SubtypeRewindFiles,
			UserMessageUUID: "does-not-exist",
		},
	})

	reply := h.await(t, "rewind reply", func(l outLine) bool {
		return l.Type == agentsdk.MessageTypeControlResponse && l.Response != nil && l.Response.RequestID == "req_rw"
	})
	assert.Equal(t, "error", reply.Response.Subtype)
	assert.Contains(t, reply.Response.Error, "no checkpoint")
}

func TestAgent_CheckpointEchoRoundTrip(t *testing.T) {
	h := startAgent(t, runtimeConfig{model: "mock-fast", permissionMode: agentsdk.PermissionModeDefault, checkpointing: true})

	h.send(t, userPrompt("hello"))

	echo := h.await(t, "prompt echo", func(l outLine) bool {
		return l.Type == agentsdk.MessageTypeUser && l.UUID != ""
	})
	assert.Equal(t, "hello", echo.Message.Content.PlainText())

	h.await(t, "turn result", func(l outLine) bool { return l.Type == agentsdk.MessageTypeResult })

	h.send(t, agentsdk.SDKControlRequest{
		Type:      agentsdk.MessageTypeControlRequest,
		RequestID: "req_rw",
		Request: agentsdk.SDKControlRequestBody{
			Subtype:         agentsdk.SubtypeRewindFiles,
			UserMessageUUID: echo.UUID,
		},
	})

	reply := h.await(t, "rewind reply", func(l outLine) bool {
		return l.Type == agentsdk.MessageTypeControlResponse && l.Response != nil && l.Response.RequestID == "req_rw"
	})
	assert.Equal(t, "success", reply.Response.Subtype)
}

func TestAgent_SetPermissionModeValidation(t *testing.T) {
	h := startAgent(t, runtimeConfig{model: "mock-fast", permissionMode: agentsdk.PermissionModeDefault})

	h.send(t, agentsdk.SDKControlRequest{
		Type:      agentsdk.MessageTypeControlRequest,
		RequestID: "req_pm",
		Request:   agentsdk.SDKControlRequestBody{Subtype: agentsdk.SubtypeSetPermissionMode, Mode: agentsdk.PermissionModePlan},
	})
	reply := h.await(t, "mode ack", func(l outLine) bool {
		return l.Type == agentsdk.MessageTypeControlResponse && l.Response != nil && l.Response.RequestID == "req_pm"
	})
	assert.Equal(t, "success", reply.Response.Subtype)

	h.send(t, agentsdk.SDKControlRequest{
		Type:      agentsdk.MessageTypeControlRequest,
		RequestID: "req_bad",
		Request:   agentsdk.SDKControlRequestBody{Subtype: agentsdk.SubtypeSetPermissionMode, Mode: "yolo"},
	})
	reply = h.await(t, "mode error", func(l outLine) bool {
		return l.Type == agentsdk.MessageTypeControlResponse && l.Response != nil && l.Response.RequestID == "req_bad"
	})
	assert.Equal(t, "error", reply.Response.Subtype)
	assert.Contains(t, reply.Response.Error, "unknown permission mode")
}
