package llm

import (
	"io"
	"sync"
)

// pipeSegment is a Segment fed by a producer goroutine.
type pipeSegment struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu     sync.Mutex
	reason StopReason
}

func newPipeSegment() *pipeSegment {
	r, w := io.Pipe()
	return &pipeSegment{r: r, w: w, reason: StopOther}
}

func (s *pipeSegment) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

func (s *pipeSegment) Close() error {
	return s.r.Close()
}

func (s *pipeSegment) StopReason() StopReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// write blocks until the consumer has read chunk or the reader is closed.
func (s *pipeSegment) write(chunk string) error {
	_, err := io.WriteString(s.w, chunk)
	return err
}

// finish records the stop reason before the consumer can observe EOF.
func (s *pipeSegment) finish(reason StopReason, err error) {
	s.mu.Lock()
	s.reason = reason
	s.mu.Unlock()
	if err != nil {
		s.w.CloseWithError(err)
		return
	}
	s.w.Close()
}
