// Command mock-agent is a stand-in for the real agent CLI. It speaks the
// stream-json protocol over stdin/stdout and plays scripted turns, so the
// engine, permission, and checkpoint paths can be exercised end to end
// without a live model. Point the runtime at it with runtime.command in
// bridle.yaml; prompt directives like "slow 30s", "edit", or "ask" select
// the scenario.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/bridle-dev/bridle/pkg/agentsdk"
)

func main() {
	cfg := parseArgs(os.Args[1:])
	if os.Getenv(agentsdk.EnvFileCheckpointing) == "1" {
		cfg.checkpointing = true
	}

	a := newAgent(os.Stdin, os.Stdout, cfg)
	if err := a.run(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(1)
	}
}

// runtimeConfig is what the mock understands of the runtime's CLI flags.
// Flags it does not know are accepted and ignored, so the protocol flag
// set can grow without breaking it.
type runtimeConfig struct {
	model          string
	permissionMode string
	resume         string
	forkSession    bool
	checkpointing  bool
}

func parseArgs(args []string) runtimeConfig {
	cfg := runtimeConfig{
		model:          "mock-default",
		permissionMode: agentsdk.PermissionModeDefault,
	}

	take := func(i *int, inline string, hasInline bool) string {
		if hasInline {
			return inline
		}
		if *i+1 < len(args) {
			*i++
			return args[*i]
		}
		return ""
	}

	for i := 0; i < len(args); i++ {
		name, inline, hasInline := strings.Cut(args[i], "=")
		switch name {
		case "--model":
			if v := take(&i, inline, hasInline); v != "" {
				cfg.model = v
			}
		case "--permission-mode":
			if v := take(&i, inline, hasInline); v != "" {
				cfg.permissionMode = v
			}
		case "--resume":
			cfg.resume = take(&i, inline, hasInline)
		case "--fork-session":
			cfg.forkSession = true
		case "--replay-user-messages":
			cfg.checkpointing = true
		}
	}
	return cfg
}
