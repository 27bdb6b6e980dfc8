package artifact

import (
	"regexp"
	"strings"
)

// TagKind identifies a low-level scanner event.
type TagKind int

const (
	TagText TagKind = iota
	TagOpenOuter
	TagOpenInner
	TagCloseInner
	TagCloseOuter
)

func (k TagKind) String() string {
	switch k {
	case TagText:
		return "text"
	case TagOpenOuter:
		return "open-outer"
	case TagOpenInner:
		return "open-inner"
	case TagCloseInner:
		return "close-inner"
	case TagCloseOuter:
		return "close-outer"
	}
	return "unknown"
}

// TagEvent is one boundary or text slice found by the Scanner.
type TagEvent struct {
	Kind  TagKind
	Text  string
	Attrs map[string]string
}

type scanState int

const (
	stateText           scanState = iota // top level prose
	stateTagOpenPending                  // a '<' is held back until it can be classified
	stateInOuter                         // inside an artifact, between actions
	stateInInner                         // an action tag was just opened
	stateInnerText                       // inside an action body
)

type match int

const (
	matchNone match = iota
	matchPartial
	matchFull
)

var attrPattern = regexp.MustCompile(`([A-Za-z_:][-A-Za-z0-9_:.]*)\s*=\s*(?:"([^"]*)"|'([^']*)')`)

// Scanner finds artifact and action tag boundaries in a stream of text
// chunks. It is a narrow pattern scanner, not a markup parser: only the two
// protocol tags are recognised and only where they may legally appear.
type Scanner struct {
	buf     string
	state   scanState
	pending scanState // state to resume once a held-back tag is classified
}

// Feed appends chunk and returns the events that can be decided so far.
// A tag split across chunks is held back until its closing '>' arrives.
func (s *Scanner) Feed(chunk string) []TagEvent {
	s.buf += chunk

	var events []TagEvent
	var text strings.Builder
	flush := func() {
		if text.Len() > 0 {
			events = append(events, TagEvent{Kind: TagText, Text: text.String()})
			text.Reset()
		}
	}

	for len(s.buf) > 0 {
		state := s.context()
		s.state = state

		lt := strings.IndexByte(s.buf, '<')
		if lt < 0 {
			s.noteText(s.buf)
			text.WriteString(s.buf)
			s.buf = ""
			break
		}
		if lt > 0 {
			s.noteText(s.buf[:lt])
			text.WriteString(s.buf[:lt])
			s.buf = s.buf[lt:]
		}

		ev, n, m := matchTag(state, s.buf)
		switch m {
		case matchPartial:
			s.pending = s.state
			s.state = stateTagOpenPending
			flush()
			return events
		case matchNone:
			s.noteText("<")
			text.WriteByte('<')
			s.buf = s.buf[1:]
		case matchFull:
			flush()
			events = append(events, ev)
			s.buf = s.buf[n:]
			s.advance(ev.Kind)
		}
	}

	flush()
	return events
}

// Close ends the stream. Anything still held back is returned as text.
func (s *Scanner) Close() []TagEvent {
	s.state = s.context()
	if s.buf == "" {
		return nil
	}
	rest := s.buf
	s.buf = ""
	s.noteText(rest)
	return []TagEvent{{Kind: TagText, Text: rest}}
}

func (s *Scanner) context() scanState {
	if s.state == stateTagOpenPending {
		return s.pending
	}
	return s.state
}

func (s *Scanner) noteText(text string) {
	if s.state == stateInInner && text != "" {
		s.state = stateInnerText
	}
}

func (s *Scanner) advance(kind TagKind) {
	switch kind {
	case TagOpenOuter:
		s.state = stateInOuter
	case TagOpenInner:
		s.state = stateInInner
	case TagCloseInner:
		s.state = stateInOuter
	case TagCloseOuter:
		s.state = stateText
	}
}

// matchTag classifies the tag starting at rest[0] == '<' against the tags
// allowed in state. It returns the event and its length on a full match.
func matchTag(state scanState, rest string) (TagEvent, int, match) {
	type candidate struct {
		kind  TagKind
		name  string
		close bool
	}

	var candidates []candidate
	switch state {
	case stateText:
		candidates = []candidate{{TagOpenOuter, ArtifactTag, false}}
	case stateInOuter:
		candidates = []candidate{
			{TagOpenInner, ActionTag, false},
			{TagCloseOuter, ArtifactTag, true},
		}
	case stateInInner, stateInnerText:
		candidates = []candidate{{TagCloseInner, ActionTag, true}}
	}

	best := matchNone
	for _, c := range candidates {
		var (
			n int
			m match
			a map[string]string
		)
		if c.close {
			n, m = matchLiteral(rest, "</"+c.name+">")
		} else {
			n, m, a = matchOpen(rest, c.name)
		}
		switch m {
		case matchFull:
			return TagEvent{Kind: c.kind, Attrs: a}, n, matchFull
		case matchPartial:
			best = matchPartial
		}
	}
	return TagEvent{}, 0, best
}

func matchLiteral(rest, lit string) (int, match) {
	if len(rest) < len(lit) {
		if strings.HasPrefix(lit, rest) {
			return 0, matchPartial
		}
		return 0, matchNone
	}
	if strings.HasPrefix(rest, lit) {
		return len(lit), matchFull
	}
	return 0, matchNone
}

func matchOpen(rest, name string) (int, match, map[string]string) {
	prefix := "<" + name
	if len(rest) <= len(prefix) {
		if strings.HasPrefix(prefix, rest) {
			return 0, matchPartial, nil
		}
		return 0, matchNone, nil
	}
	if !strings.HasPrefix(rest, prefix) {
		return 0, matchNone, nil
	}

	switch rest[len(prefix)] {
	case ' ', '\t', '\n', '\r', '>', '/':
	default:
		return 0, matchNone, nil
	}

	end := tagEnd(rest, len(prefix))
	if end < 0 {
		return 0, matchPartial, nil
	}
	return end + 1, matchFull, parseAttrs(rest[len(prefix):end])
}

// tagEnd returns the index of the '>' closing the tag, skipping quoted values.
func tagEnd(s string, from int) int {
	var quote byte
	for i := from; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '>':
			return i
		}
	}
	return -1
}

func parseAttrs(s string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attrPattern.FindAllStringSubmatch(s, -1) {
		v := m[2]
		if v == "" {
			v = m[3]
		}
		attrs[m[1]] = v
	}
	return attrs
}
