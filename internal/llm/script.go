package llm

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedSegment is one canned provider response.
type ScriptedSegment struct {
	Chunks []string
	Stop   StopReason
	// Err, when set, is returned from Stream instead of a segment.
	Err error
}

// Script is a Provider replaying canned segments in order. It records every
// request it receives.
type Script struct {
	mu       sync.Mutex
	segments []ScriptedSegment
	requests []Request
	loop     bool
	last     *ScriptedSegment
}

// NewScript creates a Script provider.
func NewScript(segments ...ScriptedSegment) *Script {
	return &Script{segments: segments}
}

// Loop makes the script replay its final segment once the others are used.
func (s *Script) Loop() *Script {
	s.mu.Lock()
	s.loop = true
	s.mu.Unlock()
	return s
}

// Stream returns the next canned segment.
func (s *Script) Stream(ctx context.Context, req Request) (Segment, error) {
	s.mu.Lock()
	msgs := make([]Message, len(req.Messages))
	copy(msgs, req.Messages)
	req.Messages = msgs
	s.requests = append(s.requests, req)

	var next ScriptedSegment
	switch {
	case len(s.segments) > 0:
		next = s.segments[0]
		s.segments = s.segments[1:]
		s.last = &next
	case s.loop && s.last != nil:
		next = *s.last
	default:
		s.mu.Unlock()
		return nil, fmt.Errorf("script exhausted after %d calls", len(s.requests)-1)
	}
	s.mu.Unlock()

	if next.Err != nil {
		return nil, next.Err
	}

	stop := next.Stop
	if stop == "" {
		stop = StopNatural
	}

	seg := newPipeSegment()
	go func() {
		for _, chunk := range next.Chunks {
			if err := ctx.Err(); err != nil {
				seg.finish(StopOther, err)
				return
			}
			if err := seg.write(chunk); err != nil {
				seg.finish(StopOther, err)
				return
			}
		}
		seg.finish(stop, nil)
	}()
	return seg, nil
}

// Requests returns the requests received so far.
func (s *Script) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}
