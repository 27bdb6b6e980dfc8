package session

import (
	"time"

	"forge/internal/artifact"
	"forge/internal/runner"
)

// State represents the lifecycle state of a session.
type State string

const (
	StateIdle       State = "idle"
	StateActive     State = "active"
	StateTerminated State = "terminated"
)

// Session holds metadata and state for a single chat workspace.
type Session struct {
	ID           string    `json:"id"`
	State        State     `json:"state"`
	WorkDir      string    `json:"workDir"`
	CreatedAt    time.Time `json:"createdAt"`
	Label        string    `json:"label"`
	MessageCount int       `json:"messageCount"`
}

// EventType distinguishes the kinds of session output.
type EventType string

const (
	EventText     EventType = "text"
	EventArtifact EventType = "artifact"
	EventAction   EventType = "action"
	EventTerminal EventType = "terminal"
	EventTurnDone EventType = "turn_done"
	EventExit     EventType = "exit"
)

// Event is one piece of session output. Data carries prose, terminal output
// or the message id of a finished turn; Artifact and Action are set for their
// respective event types.
type Event struct {
	SessionID string              `json:"sessionId"`
	Type      EventType           `json:"type"`
	Data      string              `json:"data,omitempty"`
	MessageID string              `json:"messageId,omitempty"`
	Artifact  *artifact.Artifact  `json:"artifact,omitempty"`
	Action    *runner.ActionState `json:"action,omitempty"`
	Error     string              `json:"error,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}
