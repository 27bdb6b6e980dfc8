package artifact

import (
	"fmt"
	"strings"
)

// Callbacks receive parser output. Any of them may be nil.
type Callbacks struct {
	// OnText receives prose outside of artifacts.
	OnText          func(text string)
	OnArtifactOpen  func(a Artifact)
	OnArtifactClose func(a Artifact)
	// OnEvent receives ParseEvents for actions.
	OnEvent func(ev Event)
}

type openAction struct {
	action  Action
	content strings.Builder
}

// Parser turns the scanner's tag events for one assistant message into
// artifact callbacks and action ParseEvents.
type Parser struct {
	messageID string
	cb        Callbacks
	scanner   Scanner

	artifact *Artifact
	current  *openAction
	ignoring bool
	seq      int
	closed   bool
}

// NewParser creates a parser for the message identified by messageID. Action
// ids are derived from it, so they stay unique across messages.
func NewParser(messageID string, cb Callbacks) *Parser {
	return &Parser{messageID: messageID, cb: cb}
}

// Feed parses the next chunk of the message.
func (p *Parser) Feed(chunk string) {
	if p.closed {
		return
	}
	for _, ev := range p.scanner.Feed(chunk) {
		p.handle(ev)
	}
}

// Close flushes held-back input at the end of the message.
func (p *Parser) Close() {
	if p.closed {
		return
	}
	for _, ev := range p.scanner.Close() {
		p.handle(ev)
	}
	p.closed = true
}

// Unclosed returns the ids of actions opened but never closed.
func (p *Parser) Unclosed() []string {
	if p.current == nil {
		return nil
	}
	return []string{p.current.action.ID}
}

func (p *Parser) handle(ev TagEvent) {
	switch ev.Kind {
	case TagText:
		p.text(ev.Text)

	case TagOpenOuter:
		p.artifact = &Artifact{
			ID:        ev.Attrs["id"],
			Title:     ev.Attrs["title"],
			MessageID: p.messageID,
		}
		if p.cb.OnArtifactOpen != nil {
			p.cb.OnArtifactOpen(*p.artifact)
		}

	case TagCloseOuter:
		if p.artifact == nil {
			return
		}
		p.artifact.Closed = true
		if p.cb.OnArtifactClose != nil {
			p.cb.OnArtifactClose(*p.artifact)
		}
		p.artifact = nil

	case TagOpenInner:
		kind, ok := actionKind(ev.Attrs)
		if !ok {
			p.ignoring = true
			return
		}
		p.seq++
		act := Action{
			ID:   fmt.Sprintf("%s-%d", p.messageID, p.seq),
			Kind: kind,
		}
		if p.artifact != nil {
			act.ArtifactID = p.artifact.ID
		}
		p.current = &openAction{action: act}
		p.emit(ActionOpen{Action: act})

	case TagCloseInner:
		if p.ignoring {
			p.ignoring = false
			return
		}
		if p.current == nil {
			return
		}
		id := p.current.action.ID
		content := trimNewline(p.current.content.String())
		p.current = nil
		p.emit(ActionClose{ID: id, Content: content})
	}
}

func (p *Parser) text(text string) {
	switch {
	case p.current != nil:
		p.current.content.WriteString(text)
		p.emit(ActionUpdate{ID: p.current.action.ID, Content: text})
	case p.ignoring, p.artifact != nil:
		// bodies of unknown actions and whitespace between actions
	default:
		if p.cb.OnText != nil {
			p.cb.OnText(text)
		}
	}
}

func (p *Parser) emit(ev Event) {
	if p.cb.OnEvent != nil {
		p.cb.OnEvent(ev)
	}
}

func actionKind(attrs map[string]string) (Kind, bool) {
	switch attrs["type"] {
	case TypeShell:
		return ShellKind{}, true
	case TypeFile:
		path := attrs["filePath"]
		if path == "" {
			return nil, false
		}
		return FileKind{Path: path}, true
	}
	return nil, false
}

// trimNewline strips exactly one leading and one trailing newline.
func trimNewline(s string) string {
	switch {
	case strings.HasPrefix(s, "\r\n"):
		s = s[2:]
	case strings.HasPrefix(s, "\n"):
		s = s[1:]
	}
	switch {
	case strings.HasSuffix(s, "\r\n"):
		s = s[:len(s)-2]
	case strings.HasSuffix(s, "\n"):
		s = s[:len(s)-1]
	}
	return s
}
