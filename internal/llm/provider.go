// Package llm defines the provider boundary: a request goes in, a stream of
// text chunks and a stop reason come out.
package llm

import (
	"context"
	"io"
)

// Role of a chat message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat history entry.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is one provider call.
type Request struct {
	System    string
	Messages  []Message
	MaxTokens int
}

// StopReason reports why a provider call stopped producing tokens.
type StopReason string

const (
	StopNatural StopReason = "stop"
	StopLength  StopReason = "length"
	StopOther   StopReason = "other"
)

// Segment is the streamed output of one provider call. StopReason is only
// meaningful after Read has returned io.EOF. Close releases the producer.
type Segment interface {
	io.ReadCloser
	StopReason() StopReason
}

// Provider issues streaming model calls.
type Provider interface {
	Stream(ctx context.Context, req Request) (Segment, error)
}

// Default limits, matching what the chat endpoint uses per call and per response.
const (
	DefaultMaxTokens   = 8192
	DefaultMaxSegments = 2
)

// ContinuePrompt asks the model to resume a response cut off at the token limit.
const ContinuePrompt = `Continue your prior response. IMPORTANT: Immediately begin from where you left off without any interruptions.
Do not repeat any content, including artifact and action tags.`

// SystemPrompt describes the artifact format the response parser understands.
const SystemPrompt = `You are an expert software engineer working in a sandboxed workspace.
When you change the project, wrap all changes in a single <boltArtifact id="kebab-case-id" title="Title"> element.
Inside it, use <boltAction type="file" filePath="relative/path"> elements holding complete file contents,
and <boltAction type="shell"> elements holding shell commands. Actions run in document order.
Reuse the artifact id when updating an artifact from an earlier answer.`
