package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/bridle-dev/bridle/internal/common/logger"
	"github.com/bridle-dev/bridle/internal/engine"
	"github.com/bridle-dev/bridle/internal/events"
	"github.com/bridle-dev/bridle/internal/events/bus"
	"github.com/bridle-dev/bridle/internal/session"
	"github.com/bridle-dev/bridle/internal/ui"
	"github.com/bridle-dev/bridle/internal/ui/console"
)

// repl owns the interactive loop: the console front end, the engine it
// drives, and the store and bus behind the session commands.
type repl struct {
	cons  *console.Console
	eng   *engine.Engine
	store *session.Store
	bus   bus.EventBus
	log   *logger.Logger
	cb    ui.Callbacks
}

// buildCallbacks wires user gestures into the engine. The line console has
// no gesture for queueing into a live turn, so OnQueueMessage stays nil.
func buildCallbacks(ctx context.Context, eng *engine.Engine, cons *console.Console) ui.Callbacks {
	return ui.Callbacks{
		OnMessage: func(rawText string) {
			res := eng.SendMessage(rawText)
			if !res.Success && res.Error != "" {
				cons.DisplayError(res.Error)
			}
		},
		OnInterrupt: func() {
			res := eng.InterruptSession()
			switch {
			case !res.Success:
				cons.DisplayInfo("Nothing to interrupt")
			case res.ClearedMessages > 0:
				cons.DisplayWarning(fmt.Sprintf("Interrupted; %d queued message(s) discarded", res.ClearedMessages))
			default:
				cons.DisplayWarning("Interrupted")
			}
		},
		OnRewind: func() {
			id, err := cons.ShowRewindMenu(ctx, eng.Checkpoints())
			if err != nil || id == "" {
				return
			}
			if err := eng.RestoreCheckpoint(ctx, id); err != nil {
				cons.DisplayError("Rewind failed: " + err.Error())
				return
			}
			cons.DisplaySuccess("Files rewound to checkpoint")
		},
		OnPermissionModeChange: func(mode string) {
			if err := eng.SetPermissionMode(ctx, mode); err != nil {
				cons.DisplayError(err.Error())
			}
		},
	}
}

// run reads lines until EOF, cancellation, or /quit. Plain lines are sent
// as user turns and the loop blocks until the turn settles; slash commands
// dispatch through the UI callbacks.
func (r *repl) run(ctx context.Context) error {
	for {
		line, err := r.cons.ReadLine(ctx, r.cons.Prompt())
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, context.Canceled):
			return nil
		case err != nil:
			return err
		}
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := r.dispatchCommand(ctx, line); quit {
				return nil
			}
			continue
		}

		r.cb.OnMessage(line)
		r.eng.WaitForTurn(ctx)
	}
}

// dispatchCommand handles one slash command and reports whether the loop
// should exit.
func (r *repl) dispatchCommand(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		r.printHelp()
	case "/interrupt":
		r.cb.OnInterrupt()
	case "/mode":
		if len(fields) < 2 {
			r.cons.DisplayError("Usage: /mode <default|acceptEdits|plan|bypassPermissions>")
			break
		}
		r.cb.OnPermissionModeChange(fields[1])
	case "/rewind":
		r.cb.OnRewind()
	case "/sessions":
		r.switchSession(ctx)
	case "/fork":
		r.forkSession(ctx)
	default:
		r.cons.DisplayError("Unknown command " + fields[0] + "; /help lists commands")
	}
	return false
}

// switchSession lets the user pick a stored session and makes it active.
func (r *repl) switchSession(ctx context.Context) {
	sessions, err := r.store.List(ctx)
	if err != nil {
		r.cons.DisplayError("Failed to list sessions: " + err.Error())
		return
	}
	id, err := r.cons.ShowSessionMenu(ctx, sessions)
	if err != nil || id == "" {
		return
	}
	if active := r.eng.ActiveSession(); active != nil && active.ID == id {
		r.cons.DisplayInfo("Already on that session")
		return
	}
	sess, err := r.store.Load(id)
	if err != nil {
		r.cons.DisplayError("Failed to load session: " + err.Error())
		return
	}
	if err := r.eng.StartSession(sess); err != nil {
		r.cons.DisplayError("Failed to start session: " + err.Error())
		return
	}
	r.cons.DisplaySuccess("Switched to session " + sess.ID)
}

// forkSession branches the active session into a new one and switches to it.
func (r *repl) forkSession(ctx context.Context) {
	active := r.eng.ActiveSession()
	if active == nil {
		r.cons.DisplayError("No active session to fork")
		return
	}
	sess, err := r.store.Fork(active.ID)
	if err != nil {
		r.cons.DisplayError("Fork failed: " + err.Error())
		return
	}
	if err := r.eng.StartSession(sess); err != nil {
		r.cons.DisplayError("Failed to start forked session: " + err.Error())
		return
	}
	publishSessionEvent(ctx, r.bus, r.log, events.SessionForked, sess)
	r.cons.DisplaySuccess("Forked into session " + sess.ID)
}

func (r *repl) printHelp() {
	r.cons.Section("Commands")
	r.cons.Info("/mode <m>    switch permission mode (default, acceptEdits, plan, bypassPermissions)")
	r.cons.Info("/interrupt   stop the current turn")
	r.cons.Info("/rewind      restore files to a checkpoint")
	r.cons.Info("/sessions    list and switch sessions")
	r.cons.Info("/fork        fork the current session")
	r.cons.Info("/quit        exit")
}

// publishSessionEvent announces a session lifecycle change on the bus,
// tolerating a missing bus. Publish failures are logged and swallowed;
// eventing is never load-bearing.
func publishSessionEvent(ctx context.Context, b bus.EventBus, log *logger.Logger, eventType string, sess *session.Session) {
	if b == nil {
		return
	}
	data := map[string]any{
		"sessionId":        sess.ID,
		"workingDirectory": sess.WorkingDirectory,
	}
	if sess.ParentSessionID != "" {
		data["parentSessionId"] = sess.ParentSessionID
	}
	subject := events.BuildSessionSubject(eventType, sess.ID)
	if err := b.Publish(ctx, subject, bus.NewEvent(eventType, "driver", data)); err != nil {
		log.Warn("Failed to publish session event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
