// Package main is the bridle driver: an interactive agent session in a
// terminal, speaking stream-json to the agent CLI. One binary, one live
// session at a time.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bridle-dev/bridle/internal/common/config"
	"github.com/bridle-dev/bridle/internal/common/logger"
	"github.com/bridle-dev/bridle/internal/compose"
	"github.com/bridle-dev/bridle/internal/engine"
	"github.com/bridle-dev/bridle/internal/events"
	"github.com/bridle-dev/bridle/internal/permission"
	"github.com/bridle-dev/bridle/internal/session"
	"github.com/bridle-dev/bridle/internal/tracing"
	"github.com/bridle-dev/bridle/internal/ui/console"
	"github.com/bridle-dev/bridle/pkg/agentsdk"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		flagConfig = flag.String("config", "", "directory to search for config.yaml")
		flagCWD    = flag.String("cwd", "", "working directory for the session (default: current directory)")
		flagModel  = flag.String("model", "", "model alias or identifier override")
		flagMode   = flag.String("mode", "", "initial permission mode: default, acceptEdits, plan, bypassPermissions")
		flagResume = flag.String("resume", "", "resume the stored session with this id")
		flagFork   = flag.Bool("fork", false, "fork the resumed session instead of continuing it")
		flagList   = flag.Bool("list", false, "list stored sessions and exit")
	)
	flag.Parse()

	// 1. Configuration
	cfg, err := config.LoadWithPath(*flagConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return exitUsage
	}
	if *flagModel != "" {
		cfg.Model.Default = *flagModel
	}
	if *flagMode != "" && !agentsdk.ValidPermissionMode(*flagMode) {
		fmt.Fprintf(os.Stderr, "Invalid permission mode %q\n", *flagMode)
		return exitUsage
	}
	if *flagFork && *flagResume == "" {
		fmt.Fprintln(os.Stderr, "-fork requires -resume")
		return exitUsage
	}

	// 2. Logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return exitError
	}
	defer log.Sync()
	logger.SetDefault(log)

	// 3. Tracing (no-op without OTEL_EXPORTER_OTLP_ENDPOINT)
	tracing.Init(cfg.Tracing.ServiceName)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("Tracing shutdown failed", zap.Error(err))
		}
	}()

	// 4. Event bus: NATS when configured, in-memory otherwise
	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Error("Failed to initialize event bus", zap.Error(err))
		return exitError
	}
	defer closeBus()

	// 5. Session store
	store, err := session.NewStore(cfg.Sessions.ResolveDir(), cfg.Sessions.ExpiryWindow(), log)
	if err != nil {
		log.Error("Failed to open session store", zap.Error(err))
		return exitError
	}
	if removed, err := store.CleanOld(context.Background(), cfg.Sessions.KeepCount); err != nil {
		log.Warn("Session cleanup failed", zap.Error(err))
	} else if removed > 0 {
		log.Debug("Cleaned old sessions", zap.Int("removed", removed))
	}

	if *flagList {
		return listSessions(store)
	}

	// 6. Front end, arbiter, runtime, engine
	cons := console.New(os.Stdin, os.Stdout, log)
	arbiter := permission.NewArbiter(permission.Config{Mode: *flagMode}, cons, log)
	builder := compose.NewBuilder(log)
	runtime := agentsdk.NewCLIRuntime(cfg.Runtime.Command, cfg.Runtime.Args, log)
	eng := engine.NewEngine(engine.Config{
		Runtime:             runtime,
		Builder:             builder,
		Arbiter:             arbiter,
		Store:               store,
		Bus:                 eventBus,
		UI:                  cons,
		CheckpointKeepCount: cfg.Sessions.CheckpointKeepCount,
	}, log)

	// 7. Session selection: resume, fork, or create
	sess, err := openSession(store, *flagResume, *flagFork, *flagCWD, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitUsage
	}
	if err := eng.StartSession(sess); err != nil {
		log.Error("Failed to start session", zap.Error(err))
		return exitError
	}
	defer eng.EndSession()
	cons.SetInitialPermissionMode(arbiter.Mode())

	// Plain resume is not a lifecycle change and publishes nothing.
	switch {
	case *flagResume == "":
		publishSessionEvent(context.Background(), eventBus, log, events.SessionCreated, sess)
	case *flagFork:
		publishSessionEvent(context.Background(), eventBus, log, events.SessionForked, sess)
	}

	// 8. Signals: SIGINT interrupts a live turn and quits at the prompt;
	// SIGTERM always quits.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGINT && cons.Processing() {
				if res := eng.InterruptSession(); res.Success {
					cons.DisplayWarning("Turn interrupted")
				}
				continue
			}
			cancel()
			return
		}
	}()

	banner(cons, sess, arbiter.Mode())

	loop := &repl{
		cons:  cons,
		eng:   eng,
		store: store,
		bus:   eventBus,
		log:   log,
		cb:    buildCallbacks(ctx, eng, cons),
	}
	if err := loop.run(ctx); err != nil {
		log.Error("Session loop failed", zap.Error(err))
		return exitError
	}
	return exitOK
}

// openSession resolves the -resume/-fork flags into a session, or creates
// a fresh one rooted at the working directory.
func openSession(store *session.Store, resumeID string, fork bool, cwdFlag string, cfg *config.Config) (*session.Session, error) {
	if resumeID != "" {
		if fork {
			sess, err := store.Fork(resumeID)
			if err != nil {
				return nil, fmt.Errorf("fork session %s: %w", resumeID, err)
			}
			return sess, nil
		}
		sess, err := store.Load(resumeID)
		if err != nil {
			return nil, fmt.Errorf("resume session %s: %w", resumeID, err)
		}
		return sess, nil
	}

	cwd := cwdFlag
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		cwd = wd
	}
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return nil, fmt.Errorf("resolve working directory %q: %w", cwd, err)
	}

	return store.Create(abs, projectConfig(cfg)), nil
}

// projectConfig seeds the session's resolved configuration from the
// driver's settings. Per-turn option assembly reads it by key.
func projectConfig(cfg *config.Config) map[string]any {
	out := map[string]any{}
	if cfg.Model.Default != "" {
		out["model"] = cfg.Model.Default
	}
	return out
}

// listSessions prints one line per stored session, newest first, in a
// shape that scripts can cut on.
func listSessions(store *session.Store) int {
	sessions, err := store.List(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list sessions: %v\n", err)
		return exitError
	}
	for _, sess := range sessions {
		state := "active"
		if sess.Expired {
			state = "expired"
		}
		fmt.Fprintf(os.Stdout, "%s\t%s\t%s\t%s\n",
			sess.ID, sess.LastAccessedAt.Format(time.RFC3339), state, sess.WorkingDirectory)
	}
	return exitOK
}

func banner(cons *console.Console, sess *session.Session, mode string) {
	cons.Section("bridle")
	cons.Info("session " + sess.ID)
	if sess.ParentSessionID != "" {
		cons.Info("forked from " + sess.ParentSessionID)
	}
	cons.Info("cwd " + sess.WorkingDirectory)
	cons.Info("permission mode " + mode)
	cons.Info("type a message, or /help for commands")
	cons.Blank()
}
