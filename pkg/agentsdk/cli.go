package agentsdk

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bridle-dev/bridle/internal/common/logger"
)

const (
	// initializeTimeout bounds the control handshake after process start.
	initializeTimeout = 30 * time.Second

	// shutdownGrace is how long Close waits for the runtime to exit on its
	// own after stdin closes before escalating to signals.
	shutdownGrace = 5 * time.Second

	// stderrTailLines caps how much runtime stderr is kept for error
	// reporting.
	stderrTailLines = 20
)

// CLIRuntime launches the agent CLI as a subprocess and speaks the
// stream-json protocol over its stdin/stdout. One Query call spawns one
// process; the process exits when the prompt stream closes or the query is
// closed.
type CLIRuntime struct {
	command string
	args    []string
	logger  *logger.Logger
}

// NewCLIRuntime creates a runtime that spawns the given command. args are
// appended after the protocol flags on every invocation.
func NewCLIRuntime(command string, args []string, log *logger.Logger) *CLIRuntime {
	if command == "" {
		command = "claude"
	}
	return &CLIRuntime{
		command: command,
		args:    args,
		logger:  log.WithFields(zap.String("component", "agentsdk-runtime")),
	}
}

// Query implements Runtime.
func (r *CLIRuntime) Query(ctx context.Context, prompt <-chan StreamMessage, opts *Options, canUseTool CanUseToolFunc) (Query, error) {
	if opts == nil {
		opts = &Options{}
	}

	args := protocolArgs()
	args = append(args, r.args...)
	optArgs, err := optionArgs(opts)
	if err != nil {
		return nil, err
	}
	args = append(args, optArgs...)

	// Shutdown is driven by Close rather than context cancellation so the
	// runtime gets a chance to exit cleanly when stdin closes.
	cmd := exec.Command(r.command, args...)
	if opts.CWD != "" {
		cmd.Dir = opts.CWD
	}
	cmd.Env = runtimeEnv(opts)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	hooks, callbacks := hooksPayload(opts.Hooks)
	c := newConn(stdin, stdout, canUseTool, callbacks, r.logger)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent runtime: %w", err)
	}

	r.logger.Info("agent runtime started",
		zap.String("command", r.command),
		zap.Int("pid", cmd.Process.Pid))

	q := &cliQuery{
		cmd:        cmd,
		stdin:      stdin,
		conn:       c,
		logger:     r.logger,
		exited:     make(chan struct{}),
		stderrDone: make(chan struct{}),
	}

	c.start(ctx)
	go q.pipeStderr(bufio.NewScanner(stderr))
	go q.pump(ctx, prompt)
	go q.monitorExit()
	go q.initialize(ctx, hooks)

	return q, nil
}

// protocolArgs are the flags that put the runtime into streaming mode.
func protocolArgs() []string {
	return []string{
		"--print",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
}

// optionArgs translates query options to CLI flags.
func optionArgs(opts *Options) ([]string, error) {
	var args []string

	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if len(opts.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(opts.DisallowedTools, ","))
	}
	if len(opts.SettingSources) > 0 {
		args = append(args, "--setting-sources", strings.Join(opts.SettingSources, ","))
	}

	if sp := opts.SystemPrompt; sp != nil {
		switch sp.Type {
		case "text":
			args = append(args, "--system-prompt", sp.Text)
		case "preset":
			// The preset itself is the runtime default; only the append
			// crosses the flag boundary.
			if sp.Append != "" {
				args = append(args, "--append-system-prompt", sp.Append)
			}
		}
	}

	if len(opts.MCPServers) > 0 {
		data, err := json.Marshal(map[string]any{"mcpServers": opts.MCPServers})
		if err != nil {
			return nil, fmt.Errorf("failed to encode mcp config: %w", err)
		}
		args = append(args, "--mcp-config", string(data))
	}
	if len(opts.Agents) > 0 {
		data, err := json.Marshal(opts.Agents)
		if err != nil {
			return nil, fmt.Errorf("failed to encode agents: %w", err)
		}
		args = append(args, "--agents", string(data))
	}

	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if opts.MaxBudgetUSD > 0 {
		args = append(args, "--max-budget-usd", strconv.FormatFloat(opts.MaxBudgetUSD, 'f', -1, 64))
	}
	if opts.MaxThinkingTokens > 0 {
		args = append(args, "--max-thinking-tokens", strconv.Itoa(opts.MaxThinkingTokens))
	}

	if len(opts.Sandbox) > 0 {
		data, err := json.Marshal(map[string]any{"sandbox": opts.Sandbox})
		if err != nil {
			return nil, fmt.Errorf("failed to encode sandbox settings: %w", err)
		}
		args = append(args, "--settings", string(data))
	}

	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
		if opts.ForkSession {
			args = append(args, "--fork-session")
		}
		if opts.ResumeSessionAt != "" {
			args = append(args, "--resume-session-at", opts.ResumeSessionAt)
		}
	}

	// Deterministic flag order for the free-form extras.
	keys := make([]string, 0, len(opts.ExtraArgs))
	for k := range opts.ExtraArgs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := opts.ExtraArgs[k]; v == nil {
			args = append(args, "--"+k)
		} else {
			args = append(args, "--"+k, *v)
		}
	}

	return args, nil
}

func runtimeEnv(opts *Options) []string {
	env := os.Environ()
	if opts.EnableFileCheckpointing {
		env = append(env, EnvFileCheckpointing+"=1")
	}
	return env
}

// hooksPayload converts hook matchers to the initialize wire form and
// registers each callback under a generated ID.
func hooksPayload(hooks map[string][]HookMatcher) (map[string]any, map[string]HookCallback) {
	if len(hooks) == 0 {
		return nil, nil
	}
	payload := make(map[string]any, len(hooks))
	callbacks := make(map[string]HookCallback)
	n := 0
	for event, matchers := range hooks {
		entries := make([]map[string]any, 0, len(matchers))
		for _, m := range matchers {
			ids := make([]string, 0, len(m.Hooks))
			for _, cb := range m.Hooks {
				id := fmt.Sprintf("hook_%d", n)
				n++
				callbacks[id] = cb
				ids = append(ids, id)
			}
			entries = append(entries, map[string]any{
				"matcher":         m.Matcher,
				"hookCallbackIds": ids,
			})
		}
		payload[event] = entries
	}
	return payload, callbacks
}

// cliQuery is a live exchange with a spawned runtime process. It implements
// both Query and Handle.
type cliQuery struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	conn   *conn
	logger *logger.Logger

	stderrMu   sync.Mutex
	stderrTail []string
	stderrDone chan struct{}

	waitErr error
	exited  chan struct{}

	stdinOnce sync.Once
	closeOnce sync.Once
}

// Messages implements Query.
func (q *cliQuery) Messages() <-chan Message {
	return q.conn.messages
}

// Handle implements Query.
func (q *cliQuery) Handle() Handle {
	return q
}

// Err implements Query.
func (q *cliQuery) Err() error {
	if err := q.conn.Err(); err != nil {
		return err
	}
	select {
	case <-q.exited:
		return q.waitErr
	default:
		return nil
	}
}

// Close implements Query. It closes stdin to signal end of input, waits for
// the process to exit, and escalates to signals if it does not.
func (q *cliQuery) Close() error {
	q.closeOnce.Do(func() {
		q.closeStdin()
		select {
		case <-q.exited:
		case <-time.After(shutdownGrace):
			q.logger.Warn("agent runtime still running after stdin close, sending SIGTERM",
				zap.Int("pid", q.cmd.Process.Pid))
			if err := q.cmd.Process.Signal(syscall.SIGTERM); err != nil {
				_ = q.cmd.Process.Kill()
			}
			select {
			case <-q.exited:
			case <-time.After(2 * time.Second):
				_ = q.cmd.Process.Kill()
				<-q.exited
			}
		}
		q.conn.stop()
	})
	return nil
}

// SetPermissionMode implements Handle.
func (q *cliQuery) SetPermissionMode(ctx context.Context, mode string) error {
	if !ValidPermissionMode(mode) {
		return fmt.Errorf("invalid permission mode: %s", mode)
	}
	_, err := q.conn.sendControlRequest(ctx, SDKControlRequestBody{
		Subtype: SubtypeSetPermissionMode,
		Mode:    mode,
	})
	return err
}

// RewindFiles implements Handle.
func (q *cliQuery) RewindFiles(ctx context.Context, userMessageUUID string) error {
	_, err := q.conn.sendControlRequest(ctx, SDKControlRequestBody{
		Subtype:         SubtypeRewindFiles,
		UserMessageUUID: userMessageUUID,
	})
	return err
}

// Interrupt implements Handle.
func (q *cliQuery) Interrupt(ctx context.Context) error {
	_, err := q.conn.sendControlRequest(ctx, SDKControlRequestBody{
		Subtype: SubtypeInterrupt,
	})
	return err
}

// pump forwards the prompt stream onto stdin and closes it when the stream
// ends, signalling end of input to the runtime.
func (q *cliQuery) pump(ctx context.Context, prompt <-chan StreamMessage) {
	defer q.closeStdin()
	for {
		select {
		case msg, ok := <-prompt:
			if !ok {
				return
			}
			if err := q.conn.sendMessage(&msg); err != nil {
				q.logger.Warn("failed to send prompt message", zap.Error(err))
				return
			}
		case <-ctx.Done():
			return
		case <-q.exited:
			return
		}
	}
}

func (q *cliQuery) closeStdin() {
	q.stdinOnce.Do(func() {
		_ = q.stdin.Close()
	})
}

func (q *cliQuery) initialize(ctx context.Context, hooks map[string]any) {
	ictx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()
	if _, err := q.conn.sendControlRequest(ictx, SDKControlRequestBody{
		Subtype: SubtypeInitialize,
		Hooks:   hooks,
	}); err != nil {
		q.logger.Warn("initialize handshake failed", zap.Error(err))
	}
}

func (q *cliQuery) pipeStderr(scanner *bufio.Scanner) {
	defer close(q.stderrDone)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		q.logger.Debug("agent runtime stderr", zap.String("line", line))
		q.stderrMu.Lock()
		q.stderrTail = append(q.stderrTail, line)
		if len(q.stderrTail) > stderrTailLines {
			q.stderrTail = q.stderrTail[1:]
		}
		q.stderrMu.Unlock()
	}
}

func (q *cliQuery) stderrSnapshot() string {
	q.stderrMu.Lock()
	defer q.stderrMu.Unlock()
	return strings.Join(q.stderrTail, "\n")
}

// monitorExit reaps the process once both output pipes have drained. Waiting
// for the drain first keeps the scanners from racing the pipe teardown in
// Wait.
func (q *cliQuery) monitorExit() {
	<-q.conn.readDone
	<-q.stderrDone

	err := q.cmd.Wait()
	if err != nil {
		if tail := q.stderrSnapshot(); tail != "" {
			q.waitErr = fmt.Errorf("agent runtime exited: %w: %s", err, tail)
		} else {
			q.waitErr = fmt.Errorf("agent runtime exited: %w", err)
		}
		q.logger.Warn("agent runtime exited with error", zap.Error(err))
	} else {
		q.logger.Debug("agent runtime exited cleanly")
	}
	close(q.exited)
	q.conn.stop()
}
