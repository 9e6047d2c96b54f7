package console

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridle-dev/bridle/internal/checkpoint"
	"github.com/bridle-dev/bridle/internal/common/logger"
	"github.com/bridle-dev/bridle/internal/permission"
	"github.com/bridle-dev/bridle/internal/session"
	"github.com/bridle-dev/bridle/internal/ui"
	"github.com/bridle-dev/bridle/pkg/agentsdk"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

// newTestConsole scripts stdin with the given input. Output lands in the
// returned buffer; it is only written from the calling goroutine, so reads
// after a call returns are safe.
func newTestConsole(t *testing.T, input string) (*Console, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	return New(strings.NewReader(input), &out, newTestLogger(t)), &out
}

func TestConsole_ReadLine_TrimsAndPrompts(t *testing.T) {
	c, out := newTestConsole(t, "  hello world  \n")

	line, err := c.ReadLine(context.Background(), "> ")
	require.NoError(t, err)
	assert.Equal(t, "hello world", line)
	assert.Equal(t, "> ", out.String())
}

func TestConsole_ReadLine_EOFWhenInputExhausted(t *testing.T) {
	c, _ := newTestConsole(t, "one\n")

	line, err := c.ReadLine(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "one", line)

	_, err = c.ReadLine(context.Background(), "")
	assert.ErrorIs(t, err, io.EOF)
}

func TestConsole_ReadLine_ContextCancelled(t *testing.T) {
	// A pipe with no writer keeps the pump blocked, so only the context
	// arm of the select can fire.
	r, w := io.Pipe()
	t.Cleanup(func() {
		_ = w.Close()
		_ = r.Close()
	})

	var out bytes.Buffer
	c := New(r, &out, newTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.ReadLine(ctx, "> ")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConsole_Prompt_ShowsNonDefaultMode(t *testing.T) {
	c, _ := newTestConsole(t, "")

	assert.Equal(t, "> ", c.Prompt())

	c.SetInitialPermissionMode(agentsdk.PermissionModePlan)
	assert.Equal(t, "plan> ", c.Prompt())

	c.SetPermissionMode(agentsdk.PermissionModeDefault)
	assert.Equal(t, "> ", c.Prompt())
}

func TestConsole_PromptConfirmation(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"\n", false},
		{"nah\n", false},
	}
	for _, tt := range tests {
		c, _ := newTestConsole(t, tt.input)
		got, err := c.PromptConfirmation(context.Background(), "Delete session?")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "input %q", tt.input)
	}
}

func TestConsole_PromptToolPermission_AllowOnce(t *testing.T) {
	c, out := newTestConsole(t, "y\n")

	resp, err := c.PromptToolPermission(context.Background(), permission.ToolPromptRequest{
		ToolName: "Bash",
		Input:    map[string]any{"command": "go test ./...", "timeout": 30},
	})
	require.NoError(t, err)
	assert.True(t, resp.Approved)
	assert.False(t, resp.Remember)

	rendered := out.String()
	assert.Contains(t, rendered, "Permission required: Bash")
	assert.Contains(t, rendered, "command: go test ./...")
	assert.Contains(t, rendered, "timeout: 30")
	assert.Contains(t, rendered, strings.Repeat("=", 70))
}

func TestConsole_PromptToolPermission_AlwaysSetsRemember(t *testing.T) {
	c, _ := newTestConsole(t, "a\n")

	resp, err := c.PromptToolPermission(context.Background(), permission.ToolPromptRequest{
		ToolName: "Write",
		Input:    map[string]any{"file_path": "main.go"},
	})
	require.NoError(t, err)
	assert.True(t, resp.Approved)
	assert.True(t, resp.Remember)
}

func TestConsole_PromptToolPermission_DenyCollectsReason(t *testing.T) {
	c, _ := newTestConsole(t, "n\nnot in this repo\n")

	resp, err := c.PromptToolPermission(context.Background(), permission.ToolPromptRequest{
		ToolName: "Bash",
		Input:    map[string]any{"command": "rm -rf build"},
	})
	require.NoError(t, err)
	assert.False(t, resp.Approved)
	assert.Equal(t, "not in this repo", resp.Reason)
}

func TestConsole_PromptToolPermission_BlankDenies(t *testing.T) {
	c, _ := newTestConsole(t, "\n\n")

	resp, err := c.PromptToolPermission(context.Background(), permission.ToolPromptRequest{
		ToolName: "Edit",
	})
	require.NoError(t, err)
	assert.False(t, resp.Approved)
	assert.Empty(t, resp.Reason)
}

func TestConsole_PromptToolPermission_RepromptsOnGarbage(t *testing.T) {
	c, out := newTestConsole(t, "maybe\ny\n")

	resp, err := c.PromptToolPermission(context.Background(), permission.ToolPromptRequest{
		ToolName: "Grep",
	})
	require.NoError(t, err)
	assert.True(t, resp.Approved)
	assert.Contains(t, out.String(), "Please answer y, a, or n.")
}

func TestConsole_PromptQuestions_SingleChoice(t *testing.T) {
	c, out := newTestConsole(t, "2\n")

	resp, err := c.PromptQuestions(context.Background(), permission.QuestionPromptRequest{
		Questions: []permission.Question{{
			Question: "Which approach?",
			Header:   "Design",
			Options: []permission.QuestionOption{
				{Label: "rewrite", Description: "start over"},
				{Label: "refactor"},
			},
		}},
	})
	require.NoError(t, err)
	assert.False(t, resp.Cancelled)
	assert.Equal(t, []string{"refactor"}, resp.Answers)

	rendered := out.String()
	assert.Contains(t, rendered, "Design")
	assert.Contains(t, rendered, "Which approach?")
	assert.Contains(t, rendered, "1. rewrite (start over)")
	assert.Contains(t, rendered, "2. refactor")
}

func TestConsole_PromptQuestions_MultiSelectJoinsLabels(t *testing.T) {
	c, _ := newTestConsole(t, "1, 3\n")

	resp, err := c.PromptQuestions(context.Background(), permission.QuestionPromptRequest{
		Questions: []permission.Question{{
			Question:    "Which targets?",
			MultiSelect: true,
			Options: []permission.QuestionOption{
				{Label: "linux"},
				{Label: "darwin"},
				{Label: "windows"},
			},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"linux, windows"}, resp.Answers)
}

func TestConsole_PromptQuestions_FreeFormWithoutOptions(t *testing.T) {
	c, _ := newTestConsole(t, "use the v2 endpoint\n")

	resp, err := c.PromptQuestions(context.Background(), permission.QuestionPromptRequest{
		Questions: []permission.Question{{Question: "Which endpoint?"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"use the v2 endpoint"}, resp.Answers)
}

func TestConsole_PromptQuestions_BlankCancels(t *testing.T) {
	c, _ := newTestConsole(t, "\n")

	resp, err := c.PromptQuestions(context.Background(), permission.QuestionPromptRequest{
		Questions: []permission.Question{{
			Question: "Pick one",
			Options:  []permission.QuestionOption{{Label: "a"}, {Label: "b"}},
		}},
	})
	require.NoError(t, err)
	assert.True(t, resp.Cancelled)
	assert.Empty(t, resp.Answers)
}

func TestConsole_PromptQuestions_AnswersInQuestionOrder(t *testing.T) {
	c, out := newTestConsole(t, "1\nships tonight\n")

	resp, err := c.PromptQuestions(context.Background(), permission.QuestionPromptRequest{
		Questions: []permission.Question{
			{Question: "Scope?", Options: []permission.QuestionOption{{Label: "small"}, {Label: "large"}}},
			{Question: "Deadline?"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"small", "ships tonight"}, resp.Answers)
	assert.NotContains(t, out.String(), "Invalid selection.")
}

func TestConsole_ShowSessionMenu(t *testing.T) {
	now := time.Now()
	sessions := []*session.Session{
		{ID: "aaaaaaaa-1111", WorkingDirectory: "/src/api", LastAccessedAt: now.Add(-30 * time.Second)},
		{ID: "bbbbbbbb-2222", WorkingDirectory: "/src/web", LastAccessedAt: now.Add(-2 * time.Hour), Expired: true},
	}

	c, out := newTestConsole(t, "2\n")
	id, err := c.ShowSessionMenu(context.Background(), sessions)
	require.NoError(t, err)
	assert.Equal(t, "bbbbbbbb-2222", id)

	rendered := out.String()
	assert.Contains(t, rendered, "aaaaaaaa")
	assert.Contains(t, rendered, "just now")
	assert.Contains(t, rendered, "2h ago")
	assert.Contains(t, rendered, "(expired)")
}

func TestConsole_ShowSessionMenu_BlankCancels(t *testing.T) {
	c, _ := newTestConsole(t, "\n")
	id, err := c.ShowSessionMenu(context.Background(), []*session.Session{
		{ID: "aaaaaaaa-1111", LastAccessedAt: time.Now()},
	})
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestConsole_ShowSessionMenu_EmptyList(t *testing.T) {
	c, out := newTestConsole(t, "")
	id, err := c.ShowSessionMenu(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Contains(t, out.String(), "No sessions found.")
}

func TestConsole_ShowRewindMenu(t *testing.T) {
	checkpoints := []checkpoint.Checkpoint{
		{ID: "cp-2", Description: "Fix the flaky store test", Timestamp: time.Now()},
		{ID: "cp-1", Description: "Add retry to the client", Timestamp: time.Now().Add(-time.Minute)},
	}

	c, out := newTestConsole(t, "1\n")
	id, err := c.ShowRewindMenu(context.Background(), checkpoints)
	require.NoError(t, err)
	assert.Equal(t, "cp-2", id)
	assert.Contains(t, out.String(), "Fix the flaky store test")
}

func TestConsole_ShowRewindMenu_EmptyList(t *testing.T) {
	c, out := newTestConsole(t, "")
	id, err := c.ShowRewindMenu(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Contains(t, out.String(), "No checkpoints recorded.")
}

func TestConsole_ShowConfirmationMenu(t *testing.T) {
	c, out := newTestConsole(t, "oops\n2\n")

	idx, err := c.ShowConfirmationMenu(context.Background(), "Resume how?", []string{"continue", "fork"})
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.Contains(t, out.String(), "Invalid selection.")
}

func TestConsole_ShowConfirmationMenu_BlankCancels(t *testing.T) {
	c, _ := newTestConsole(t, "\n")

	idx, err := c.ShowConfirmationMenu(context.Background(), "Resume how?", []string{"continue", "fork"})
	require.NoError(t, err)
	assert.Equal(t, -1, idx)
}

func TestConsole_DisplayComputing_PrintsOncePerBurst(t *testing.T) {
	c, out := newTestConsole(t, "")

	c.DisplayComputing()
	c.DisplayComputing()
	assert.Equal(t, 1, strings.Count(out.String(), "· working…"))

	c.StopComputing()
	c.DisplayComputing()
	assert.Equal(t, 2, strings.Count(out.String(), "· working…"))
}

func TestConsole_DisplayMessage_ClearsComputing(t *testing.T) {
	c, out := newTestConsole(t, "")

	c.DisplayComputing()
	c.DisplayMessage("done")
	c.DisplayComputing()
	assert.Equal(t, 2, strings.Count(out.String(), "· working…"))
}

func TestConsole_DisplayToolUse_SummarizesInput(t *testing.T) {
	c, out := newTestConsole(t, "")

	c.DisplayToolUse("Bash", map[string]any{"command": "ls -la\necho second line"})
	assert.Contains(t, out.String(), "→ Bash ls -la\n")
	assert.NotContains(t, out.String(), "second line")

	out.Reset()
	c.DisplayToolUse("Task", nil)
	assert.Equal(t, "\n→ Task\n", out.String())
}

func TestConsole_DisplayToolResult_PreviewsAndCounts(t *testing.T) {
	c, out := newTestConsole(t, "")

	c.DisplayToolResult("Grep", "l1\nl2\nl3\nl4\nl5\nl6", false)
	rendered := out.String()
	assert.Contains(t, rendered, "✓ Grep")
	assert.Contains(t, rendered, "    l4")
	assert.NotContains(t, rendered, "l5")
	assert.Contains(t, rendered, "… +2 lines")

	out.Reset()
	c.DisplayToolResult("Bash", "exit status 1", true)
	assert.Contains(t, out.String(), "✗ Bash")
}

func TestConsole_DisplayTodoList(t *testing.T) {
	c, out := newTestConsole(t, "")

	c.DisplayTodoList([]ui.TodoItem{
		{Content: "write tests", Status: "completed"},
		{Content: "wire the bus", Status: "in_progress"},
		{Content: "update docs", Status: "pending"},
	})
	rendered := out.String()
	assert.Contains(t, rendered, "[x] write tests")
	assert.Contains(t, rendered, "[~] wire the bus")
	assert.Contains(t, rendered, "[ ] update docs")
}

func TestTruncate_RuneSafe(t *testing.T) {
	assert.Equal(t, "héllo", truncate("héllo", 10))
	assert.Equal(t, "hél…", truncate("héllo wörld", 3))
}

func TestHumanAge(t *testing.T) {
	assert.Equal(t, "just now", humanAge(20*time.Second))
	assert.Equal(t, "5m ago", humanAge(5*time.Minute))
	assert.Equal(t, "3h ago", humanAge(3*time.Hour+10*time.Minute))
	assert.Equal(t, "2d ago", humanAge(49*time.Hour))
}
