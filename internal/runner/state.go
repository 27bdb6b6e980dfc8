package runner

import (
	"context"
	"fmt"
	"io"

	"forge/internal/artifact"
)

// Status is the lifecycle state of an action.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusAborted  Status = "aborted"
	StatusFailed   Status = "failed"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusAborted || s == StatusFailed
}

// ActionState is a snapshot of an action record owned by a Runner.
type ActionState struct {
	ID         string `json:"id"`
	ArtifactID string `json:"artifactId,omitempty"`
	Type       string `json:"type"`
	FilePath   string `json:"filePath,omitempty"`
	Content    string `json:"content"`
	Status     Status `json:"status"`
	Executed   bool   `json:"executed"`
	Error      string `json:"error,omitempty"`
	ExitCode   *int   `json:"exitCode,omitempty"`
}

// Runtime is the single execution target shared by all actions of a runner.
type Runtime interface {
	Spawn(ctx context.Context, command string) (Process, error)
	MkdirAll(ctx context.Context, dir string) error
	WriteFile(ctx context.Context, path, content string) error
}

// Process is a spawned shell command. Output yields combined stdout and
// stderr and reaches EOF once the process has exited.
type Process interface {
	Output() io.Reader
	Wait() (int, error)
	Kill() error
}

// Sink receives terminal output and status lines in execution order.
type Sink interface {
	Write(text string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(text string)

func (f SinkFunc) Write(text string) { f(text) }

type entry struct {
	action   artifact.Action
	content  string
	frozen   bool
	status   Status
	executed bool
	err      string
	exitCode *int

	ctx    context.Context
	cancel context.CancelFunc
}

func (e *entry) state() ActionState {
	return ActionState{
		ID:         e.action.ID,
		ArtifactID: e.action.ArtifactID,
		Type:       e.action.Kind.Type(),
		FilePath:   e.action.FilePath(),
		Content:    e.content,
		Status:     e.status,
		Executed:   e.executed,
		Error:      e.err,
		ExitCode:   e.exitCode,
	}
}

// unreachable reports a broken parser/runner contract.
func unreachable(format string, args ...any) {
	panic("unreachable: " + fmt.Sprintf(format, args...))
}
