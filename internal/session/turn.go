package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"unicode/utf8"

	"forge/internal/artifact"
	"forge/internal/llm"

	"go.uber.org/zap"
)

const readBufSize = 4096

// runTurn streams one assistant response through the parser into the
// session runner and records it in the history.
func (m *Manager) runTurn(ctx context.Context, ms *managedSession, messageID string, req llm.Request) {
	logger := ms.logger.With(zap.String("message", messageID))
	logger.Debug("turn started", zap.Int("messages", len(req.Messages)))

	parser := artifact.NewParser(messageID, m.callbacks(ms, messageID))
	resp := m.continuer.Respond(ctx, req)
	defer resp.Close()

	var (
		full    strings.Builder
		pending []byte
		readErr error
	)
	buf := make([]byte, readBufSize)
	for {
		n, err := resp.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			cut := completeUTF8(pending)
			chunk := string(pending[:cut])
			pending = append(pending[:0], pending[cut:]...)

			full.WriteString(chunk)
			parser.Feed(chunk)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
	}
	if len(pending) > 0 {
		full.Write(pending)
		parser.Feed(string(pending))
	}

	parser.Close()
	if unclosed := parser.Unclosed(); len(unclosed) > 0 {
		logger.Debug("aborting unclosed actions", zap.Strings("actions", unclosed))
		ms.runner.AbortUnclosed(unclosed)
	}

	m.mu.Lock()
	if full.Len() > 0 {
		ms.history = append(ms.history, llm.Message{Role: llm.RoleAssistant, Content: full.String()})
		ms.Session.MessageCount = len(ms.history)
	}
	if ms.Session.State != StateTerminated {
		ms.Session.State = StateIdle
	}
	ms.turnCancel()
	ms.turnCancel = nil
	ms.turnDone = nil
	m.mu.Unlock()

	done := Event{Type: EventTurnDone, MessageID: messageID}
	if readErr != nil {
		done.Error = readErr.Error()
		logger.Warn("turn failed", zap.Error(readErr))
	} else {
		logger.Debug("turn finished", zap.Int("bytes", full.Len()))
	}
	m.emit(ms, done)
}

// callbacks routes parser output for messageID to session events and the
// session runner.
func (m *Manager) callbacks(ms *managedSession, messageID string) artifact.Callbacks {
	return artifact.Callbacks{
		OnText: func(text string) {
			m.emit(ms, Event{Type: EventText, MessageID: messageID, Data: text})
		},
		OnArtifactOpen: func(a artifact.Artifact) {
			m.emit(ms, Event{Type: EventArtifact, MessageID: messageID, Artifact: &a})
		},
		OnArtifactClose: func(a artifact.Artifact) {
			m.emit(ms, Event{Type: EventArtifact, MessageID: messageID, Artifact: &a})
		},
		OnEvent: ms.runner.Handle,
	}
}

// completeUTF8 returns the length of the longest prefix of b that does not
// end inside a multi-byte rune.
func completeUTF8(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}
