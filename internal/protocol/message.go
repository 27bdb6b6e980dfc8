package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionUpdate     = "session.update"
	TypeSessionTerminated = "session.terminated"
	TypeChatText          = "chat.text"
	TypeChatDone          = "chat.done"
	TypeArtifactUpdate    = "artifact.update"
	TypeActionUpdate      = "action.update"
	TypeTerminalOutput    = "terminal.output"
	TypeFilesUpdate       = "files.update"
	TypeFilesTree         = "files.tree"
	TypeProjectCommands   = "project.commands"
	TypeError             = "error"
)

// Client → Server message types. project.commands is used in both
// directions: the request carries a session id, the reply the commands.
const (
	TypeSessionCreate    = "session.create"
	TypeChatSend         = "chat.send"
	TypeActionAbort      = "action.abort"
	TypeSessionKill      = "session.kill"
	TypeFilesRequestTree = "files.requestTree"
)

// Error codes.
const (
	ErrSessionNotFound   = "SESSION_NOT_FOUND"
	ErrSessionTerminated = "SESSION_TERMINATED"
	ErrSessionBusy       = "SESSION_BUSY"
	ErrActionNotFound    = "ACTION_NOT_FOUND"
	ErrInvalidMessage    = "INVALID_MESSAGE"
	ErrMaxSessions       = "MAX_SESSIONS"
	ErrCreateFailed      = "CREATE_FAILED"
	ErrCommandsFailed    = "COMMANDS_FAILED"
	ErrInternal          = "INTERNAL"
)

// Server → Client payloads.

type SessionUpdatePayload struct {
	ID           string `json:"id"`
	State        string `json:"state"`
	WorkDir      string `json:"workDir"`
	Label        string `json:"label"`
	CreatedAt    string `json:"createdAt"`
	MessageCount int    `json:"messageCount"`
}

type SessionTerminatedPayload struct {
	SessionID string `json:"sessionId"`
}

type ChatTextPayload struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Text      string `json:"text"`
}

type ChatDonePayload struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Error     string `json:"error,omitempty"`
}

type ArtifactUpdatePayload struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	ID        string `json:"id"`
	Title     string `json:"title"`
	Closed    bool   `json:"closed"`
}

type ActionUpdatePayload struct {
	SessionID  string `json:"sessionId"`
	ID         string `json:"id"`
	ArtifactID string `json:"artifactId,omitempty"`
	Type       string `json:"type"`
	FilePath   string `json:"filePath,omitempty"`
	Content    string `json:"content,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	ExitCode   *int   `json:"exitCode,omitempty"`
}

type TerminalOutputPayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type FilesUpdatePayload struct {
	SessionID string `json:"sessionId"`
	FileCount int    `json:"fileCount"`
}

type FilesTreePayload struct {
	SessionID string     `json:"sessionId"`
	Tree      []FileNode `json:"tree"`
}

type ProjectCommandsPayload struct {
	SessionID string           `json:"sessionId"`
	Commands  []ProjectCommand `json:"commands"`
}

type ProjectCommand struct {
	Type        string `json:"type"`
	Command     string `json:"command"`
	Description string `json:"description"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type SessionCreatePayload struct {
	WorkDir string `json:"workDir"`
	Label   string `json:"label"`
}

type ChatSendPayload struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

type ActionAbortPayload struct {
	SessionID string `json:"sessionId"`
	ActionID  string `json:"actionId"`
}

type SessionIDPayload struct {
	SessionID string `json:"sessionId"`
}

// FileNode represents a file or directory in the tree.
type FileNode struct {
	Name     string     `json:"name"`
	Path     string     `json:"path"`
	IsDir    bool       `json:"isDir"`
	Children []FileNode `json:"children,omitempty"`
	Size     int64      `json:"size,omitempty"`
}
