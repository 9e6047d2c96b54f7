// Package console is the terminal front end: a line-oriented rendering of
// the ui contracts over plain reader and writer streams. It has no screen
// control or cursor addressing, so it works the same on a TTY, in a pipe,
// and under tests.
package console

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bridle-dev/bridle/internal/checkpoint"
	"github.com/bridle-dev/bridle/internal/common/logger"
	"github.com/bridle-dev/bridle/internal/permission"
	"github.com/bridle-dev/bridle/internal/session"
	"github.com/bridle-dev/bridle/internal/ui"
	"github.com/bridle-dev/bridle/pkg/agentsdk"
)

const (
	separatorWidth = 70

	// inputSummaryMax caps the one-line tool input rendering.
	inputSummaryMax = 120

	// resultPreviewLines bounds how much of a tool result is echoed.
	resultPreviewLines = 4

	// maxInputLine bounds a single pasted input line.
	maxInputLine = 1024 * 1024
)

// Console implements ui.InteractiveUI, ui.PermissionUI, and ui.Output for a
// terminal. Input is consumed by a single pump goroutine so prompts can be
// abandoned when their context expires.
type Console struct {
	out    io.Writer
	logger *logger.Logger

	lines chan string

	readMu  sync.Mutex
	readErr error

	mu         sync.Mutex // guards out and display state
	mode       string
	computing  bool
	processing bool
}

var (
	_ ui.InteractiveUI = (*Console)(nil)
	_ ui.PermissionUI  = (*Console)(nil)
	_ ui.Output        = (*Console)(nil)
)

// New starts the input pump over in and returns a console writing to out.
func New(in io.Reader, out io.Writer, log *logger.Logger) *Console {
	c := &Console{
		out:    out,
		logger: log.WithFields(zap.String("component", "console")),
		lines:  make(chan string),
	}
	go c.pump(in)
	return c
}

func (c *Console) pump(in io.Reader) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxInputLine)
	for scanner.Scan() {
		c.lines <- scanner.Text()
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	} else {
		c.logger.Warn("Console input closed with error", zap.Error(err))
	}
	c.readMu.Lock()
	c.readErr = err
	c.readMu.Unlock()
	close(c.lines)
}

// ReadLine writes prompt and returns the next input line, trimmed. It
// returns ctx.Err() when the context expires first and io.EOF once input
// is exhausted.
func (c *Console) ReadLine(ctx context.Context, prompt string) (string, error) {
	if prompt != "" {
		c.print(prompt)
	}
	select {
	case line, ok := <-c.lines:
		if !ok {
			c.readMu.Lock()
			defer c.readMu.Unlock()
			return "", c.readErr
		}
		return strings.TrimSpace(line), nil
	case <-ctx.Done():
		c.print("\n")
		return "", ctx.Err()
	}
}

// Prompt is the REPL input marker. Non-default permission modes are shown
// so the user always knows which mode a send lands in.
func (c *Console) Prompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != "" && c.mode != agentsdk.PermissionModeDefault {
		return c.mode + "> "
	}
	return "> "
}

func (c *Console) DisplayMessage(text string) {
	c.clearComputing()
	c.printf("\n%s\n", text)
}

func (c *Console) DisplayThinking(text string) {
	c.clearComputing()
	c.printf("\n✻ thinking\n%s\n", indentLines(text, "  "))
}

func (c *Console) DisplayToolUse(toolName string, input map[string]any) {
	c.clearComputing()
	if summary := summarizeInput(input); summary != "" {
		c.printf("\n→ %s %s\n", toolName, summary)
		return
	}
	c.printf("\n→ %s\n", toolName)
}

func (c *Console) DisplayToolResult(toolName, content string, isError bool) {
	c.clearComputing()
	mark := "✓"
	if isError {
		mark = "✗"
	}
	c.printf("  %s %s\n", mark, toolName)
	preview, more := previewLines(content, resultPreviewLines)
	if preview != "" {
		c.print(indentLines(preview, "    ") + "\n")
	}
	if more > 0 {
		c.printf("    … +%d lines\n", more)
	}
}

func (c *Console) DisplayTodoList(items []ui.TodoItem) {
	c.clearComputing()
	c.print("\nTodos:\n")
	for _, item := range items {
		c.printf("  %s %s\n", todoMark(item.Status), item.Content)
	}
}

// DisplayComputing prints the working marker once; repeated calls while
// already computing stay silent until StopComputing.
func (c *Console) DisplayComputing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.computing {
		return
	}
	c.computing = true
	fmt.Fprint(c.out, "· working…\n")
}

func (c *Console) StopComputing() {
	c.mu.Lock()
	c.computing = false
	c.mu.Unlock()
}

func (c *Console) SetProcessingState(processing bool) {
	c.mu.Lock()
	c.processing = processing
	c.mu.Unlock()
}

// Processing reports whether a turn is rendering. The driver uses it to
// route SIGINT: interrupt a live turn, quit at the prompt.
func (c *Console) Processing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processing
}

func (c *Console) DisplayError(message string) {
	c.clearComputing()
	c.printf("\n✗ %s\n", message)
}

func (c *Console) DisplayWarning(message string) {
	c.printf("! %s\n", message)
}

func (c *Console) DisplaySuccess(message string) {
	c.printf("✓ %s\n", message)
}

func (c *Console) DisplayInfo(message string) {
	c.printf("· %s\n", message)
}

func (c *Console) DisplayPermissionStatus(toolName string, allowed bool, reason string) {
	switch {
	case allowed:
		c.printf("  ✓ %s allowed\n", toolName)
	case reason != "":
		c.printf("  ✗ %s denied: %s\n", toolName, reason)
	default:
		c.printf("  ✗ %s denied\n", toolName)
	}
}

func (c *Console) SetInitialPermissionMode(mode string) {
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
}

func (c *Console) SetPermissionMode(mode string) {
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
	c.printf("· permission mode: %s\n", mode)
}

// PromptConfirmation asks a yes/no question. Blank and unrecognized input
// count as no.
func (c *Console) PromptConfirmation(ctx context.Context, prompt string) (bool, error) {
	line, err := c.ReadLine(ctx, prompt+" [y/N]: ")
	if err != nil {
		return false, err
	}
	switch strings.ToLower(line) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// ShowSessionMenu lists sessions newest first and returns the selected
// session id, or "" when the user cancels with a blank line.
func (c *Console) ShowSessionMenu(ctx context.Context, sessions []*session.Session) (string, error) {
	if len(sessions) == 0 {
		c.print("No sessions found.\n")
		return "", nil
	}

	c.Section("Sessions")
	for i, sess := range sessions {
		suffix := ""
		if sess.Expired {
			suffix = "  (expired)"
		}
		c.printf("%2d. %s  %s  %s%s\n",
			i+1, shortID(sess.ID), sess.WorkingDirectory,
			humanAge(time.Since(sess.LastAccessedAt)), suffix)
	}

	idx, err := c.selectIndex(ctx, "Select session", len(sessions))
	if err != nil || idx < 0 {
		return "", err
	}
	return sessions[idx].ID, nil
}

// ShowRewindMenu lists checkpoints newest first and returns the selected
// checkpoint id, or "" when the user cancels.
func (c *Console) ShowRewindMenu(ctx context.Context, checkpoints []checkpoint.Checkpoint) (string, error) {
	if len(checkpoints) == 0 {
		c.print("No checkpoints recorded.\n")
		return "", nil
	}

	c.Section("Checkpoints")
	for i, cp := range checkpoints {
		c.printf("%2d. %s  (%s)\n", i+1, cp.Description, cp.Timestamp.Local().Format("15:04:05"))
	}

	idx, err := c.selectIndex(ctx, "Rewind to", len(checkpoints))
	if err != nil || idx < 0 {
		return "", err
	}
	return checkpoints[idx].ID, nil
}

// ShowConfirmationMenu presents numbered options and returns the selected
// zero-based index, or -1 when the user cancels.
func (c *Console) ShowConfirmationMenu(ctx context.Context, title string, options []string) (int, error) {
	c.Section(title)
	for i, opt := range options {
		c.printf("%2d. %s\n", i+1, opt)
	}
	return c.selectIndex(ctx, "Choice", len(options))
}

// selectIndex loops until the user enters a valid 1-based choice or cancels
// with a blank line (returned as -1).
func (c *Console) selectIndex(ctx context.Context, verb string, n int) (int, error) {
	for {
		line, err := c.ReadLine(ctx, fmt.Sprintf("%s [1-%d, blank to cancel]: ", verb, n))
		if err != nil {
			return -1, err
		}
		if line == "" {
			return -1, nil
		}
		choice, err := strconv.Atoi(line)
		if err != nil || choice < 1 || choice > n {
			c.print("Invalid selection.\n")
			continue
		}
		return choice - 1, nil
	}
}

// PromptToolPermission renders the tool use and collects a verdict:
// y = allow once, a = allow for the rest of the session, anything else
// denies with an optional reason.
func (c *Console) PromptToolPermission(ctx context.Context, req permission.ToolPromptRequest) (permission.ToolPromptResponse, error) {
	c.mu.Lock()
	fmt.Fprintf(c.out, "\n%s\n", strings.Repeat("=", separatorWidth))
	fmt.Fprintf(c.out, "Permission required: %s\n", req.ToolName)
	for _, line := range inputDetail(req.Input) {
		fmt.Fprintf(c.out, "  %s\n", line)
	}
	fmt.Fprintf(c.out, "%s\n", strings.Repeat("=", separatorWidth))
	c.mu.Unlock()

	for {
		line, err := c.ReadLine(ctx, "[y]es once / [a]lways this session / [N]o: ")
		if err != nil {
			return permission.ToolPromptResponse{}, err
		}
		switch strings.ToLower(line) {
		case "y", "yes":
			return permission.ToolPromptResponse{Approved: true}, nil
		case "a", "always":
			return permission.ToolPromptResponse{Approved: true, Remember: true}, nil
		case "", "n", "no":
			reason, err := c.ReadLine(ctx, "Reason (optional): ")
			if err != nil {
				return permission.ToolPromptResponse{}, err
			}
			return permission.ToolPromptResponse{Reason: reason}, nil
		default:
			c.print("Please answer y, a, or n.\n")
		}
	}
}

// PromptQuestions collects one answer per question, in order. A blank line
// on any question cancels the whole prompt.
func (c *Console) PromptQuestions(ctx context.Context, req permission.QuestionPromptRequest) (permission.QuestionPromptResponse, error) {
	answers := make([]string, 0, len(req.Questions))
	for _, q := range req.Questions {
		c.mu.Lock()
		fmt.Fprintf(c.out, "\n%s\n", strings.Repeat("-", separatorWidth))
		if q.Header != "" {
			fmt.Fprintf(c.out, "%s\n", q.Header)
		}
		fmt.Fprintf(c.out, "%s\n", q.Question)
		for j, opt := range q.Options {
			if opt.Description != "" {
				fmt.Fprintf(c.out, "%2d. %s (%s)\n", j+1, opt.Label, opt.Description)
			} else {
				fmt.Fprintf(c.out, "%2d. %s\n", j+1, opt.Label)
			}
		}
		if q.MultiSelect {
			fmt.Fprint(c.out, "Multiple choices allowed, comma-separated.\n")
		}
		c.mu.Unlock()

		answer, cancelled, err := c.readAnswer(ctx, q)
		if err != nil {
			return permission.QuestionPromptResponse{}, err
		}
		if cancelled {
			return permission.QuestionPromptResponse{Cancelled: true}, nil
		}
		answers = append(answers, answer)
	}
	return permission.QuestionPromptResponse{Answers: answers}, nil
}

func (c *Console) readAnswer(ctx context.Context, q permission.Question) (string, bool, error) {
	if len(q.Options) == 0 {
		line, err := c.ReadLine(ctx, "Your answer: ")
		if err != nil {
			return "", false, err
		}
		if line == "" {
			return "", true, nil
		}
		return line, false, nil
	}

	for {
		line, err := c.ReadLine(ctx, fmt.Sprintf("Choice [1-%d, blank to cancel]: ", len(q.Options)))
		if err != nil {
			return "", false, err
		}
		if line == "" {
			return "", true, nil
		}

		if q.MultiSelect {
			labels, ok := parseMultiChoice(line, q.Options)
			if !ok {
				c.print("Invalid selection.\n")
				continue
			}
			return strings.Join(labels, ", "), false, nil
		}

		choice, err := strconv.Atoi(line)
		if err != nil || choice < 1 || choice > len(q.Options) {
			c.print("Invalid selection.\n")
			continue
		}
		return q.Options[choice-1].Label, false, nil
	}
}

func (c *Console) Info(message string)    { c.printf("· %s\n", message) }
func (c *Console) Warn(message string)    { c.printf("! %s\n", message) }
func (c *Console) Error(message string)   { c.printf("✗ %s\n", message) }
func (c *Console) Success(message string) { c.printf("✓ %s\n", message) }

func (c *Console) Section(title string) {
	width := len([]rune(title))
	if width > separatorWidth {
		width = separatorWidth
	}
	c.printf("\n%s\n%s\n", title, strings.Repeat("-", width))
}

func (c *Console) Blank() { c.print("\n") }

func (c *Console) print(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprint(c.out, s)
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *Console) clearComputing() {
	c.mu.Lock()
	c.computing = false
	c.mu.Unlock()
}

func parseMultiChoice(line string, options []permission.QuestionOption) ([]string, bool) {
	parts := strings.Split(line, ",")
	labels := make([]string, 0, len(parts))
	for _, part := range parts {
		choice, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || choice < 1 || choice > len(options) {
			return nil, false
		}
		labels = append(labels, options[choice-1].Label)
	}
	return labels, len(labels) > 0
}

// summarizeInput picks the most telling input field for the one-line tool
// rendering, falling back to compact JSON.
func summarizeInput(input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	for _, key := range []string{"command", "file_path", "path", "pattern", "url", "description", "prompt", "query"} {
		if v, ok := input[key].(string); ok && v != "" {
			return truncate(firstLine(v), inputSummaryMax)
		}
	}
	data, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	return truncate(string(data), inputSummaryMax)
}

// inputDetail renders every input field for the permission prompt, keys
// sorted for stable output.
func inputDetail(input map[string]any) []string {
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %s", k, truncate(formatValue(input[k]), inputSummaryMax)))
	}
	return lines
}

func formatValue(v any) string {
	if s, ok := v.(string); ok {
		return firstLine(s)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func todoMark(status string) string {
	switch status {
	case "completed":
		return "[x]"
	case "in_progress":
		return "[~]"
	default:
		return "[ ]"
	}
}

func indentLines(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}

// previewLines returns the first max lines of s and how many were cut.
func previewLines(s string, max int) (string, int) {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return "", 0
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= max {
		return s, 0
	}
	return strings.Join(lines[:max], "\n"), len(lines) - max
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func humanAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
