package agentsdk

import "context"

// Handle exposes control operations on a running query.
type Handle interface {
	// SetPermissionMode switches the runtime's permission mode mid-turn.
	SetPermissionMode(ctx context.Context, mode string) error

	// RewindFiles restores the workspace to the checkpoint captured at the
	// given user message UUID.
	RewindFiles(ctx context.Context, userMessageUUID string) error

	// Interrupt asks the runtime to abort the current turn.
	Interrupt(ctx context.Context) error
}

// Query is one live exchange with the runtime. Messages yields runtime
// messages until the turn stream ends; the channel is closed afterwards.
type Query interface {
	Messages() <-chan Message

	// Handle returns the control handle for this query.
	Handle() Handle

	// Err reports the terminal stream or process error, if any, once
	// Messages is closed.
	Err() error

	// Close releases the query and its underlying resources.
	Close() error
}

// Runtime starts agent turns. The prompt channel streams user messages into
// the turn; closing it signals the end of input. canUseTool is consulted for
// every permission request the runtime raises during the turn.
type Runtime interface {
	Query(ctx context.Context, prompt <-chan StreamMessage, opts *Options, canUseTool CanUseToolFunc) (Query, error)
}
