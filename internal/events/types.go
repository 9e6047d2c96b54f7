// Package events provides event types and subject utilities for the bridle
// event system. Subjects are dotted and suffixed with the session id so
// subscribers can use NATS-style wildcards (e.g. "turn.*.<session>").
package events

// Event types for sessions
const (
	SessionCreated = "session.created"
	SessionForked  = "session.forked"
)

// Event types for turns
const (
	TurnStarted     = "turn.started"
	TurnCompleted   = "turn.completed"
	TurnInterrupted = "turn.interrupted"
)

// Event types for checkpoints
const (
	CheckpointCaptured = "checkpoint.captured"
	CheckpointRestored = "checkpoint.restored"
)

// Event types for permission arbitration
const (
	PermissionRequested = "permission.requested"
	PermissionDecided   = "permission.decided"
	PermissionModeSet   = "permission.mode_set"
)

// BuildSessionSubject creates a session lifecycle subject for a specific session.
func BuildSessionSubject(eventType, sessionID string) string {
	return eventType + "." + sessionID
}

// BuildTurnSubject creates a turn subject for a specific session.
func BuildTurnSubject(eventType, sessionID string) string {
	return eventType + "." + sessionID
}

// BuildTurnWildcardSubject creates a wildcard subscription for all turn events
// of a session. The turn constants are two tokens deep, so a single * after
// "turn" matches started/completed/interrupted.
func BuildTurnWildcardSubject(sessionID string) string {
	return "turn.*." + sessionID
}

// BuildCheckpointSubject creates a checkpoint subject for a specific session.
func BuildCheckpointSubject(eventType, sessionID string) string {
	return eventType + "." + sessionID
}

// BuildPermissionSubject creates a permission subject for a specific session.
func BuildPermissionSubject(eventType, sessionID string) string {
	return eventType + "." + sessionID
}

// BuildPermissionWildcardSubject creates a wildcard subscription for all
// permission events of a session.
func BuildPermissionWildcardSubject(sessionID string) string {
	return "permission.*." + sessionID
}

// BuildAllForSessionSubject creates a wildcard matching every event subject
// that ends with the given session id.
func BuildAllForSessionSubject(sessionID string) string {
	return "*.*." + sessionID
}
