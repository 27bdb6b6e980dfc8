// Package stream stitches several provider calls into one logical response.
package stream

import (
	"errors"
	"io"
	"sync"
)

const pumpBufSize = 4096

var (
	// ErrDetached is reported for a source that was replaced before it finished.
	ErrDetached = errors.New("source detached")
	// ErrClosed is reported when switching to a source after Close.
	ErrClosed = errors.New("switchable stream closed")
)

// Switchable is a stable reader whose upstream source can be replaced while
// the consumer keeps reading. Bytes from consecutive sources are concatenated
// without separators.
type Switchable struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu       sync.Mutex
	gen      int
	switches int
	closed   bool

	// writeMu orders pump writes so a detached pump cannot interleave with
	// its replacement.
	writeMu sync.Mutex
}

// NewSwitchable creates a Switchable with no source.
func NewSwitchable() *Switchable {
	r, w := io.Pipe()
	return &Switchable{r: r, w: w}
}

// Read reads from whichever source is currently attached. It returns io.EOF
// after Close and the given error after CloseWithError.
func (s *Switchable) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

// SwitchSource pipes src into the stream from now on. The previous source is
// no longer piped but is not closed. The returned channel receives nil when
// src reaches EOF, or the error that stopped it.
func (s *Switchable) SwitchSource(src io.Reader) <-chan error {
	done := make(chan error, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		done <- ErrClosed
		return done
	}
	s.gen++
	s.switches++
	gen := s.gen
	s.mu.Unlock()

	go s.pump(gen, src, done)
	return done
}

// Switches returns how many sources have been attached.
func (s *Switchable) Switches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.switches
}

// Close ends the stream; the consumer sees io.EOF once it has read
// everything already written.
func (s *Switchable) Close() error {
	return s.CloseWithError(nil)
}

// CloseWithError ends the stream with err (io.EOF when err is nil).
func (s *Switchable) CloseWithError(err error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.gen++
	s.mu.Unlock()

	return s.w.CloseWithError(err)
}

func (s *Switchable) current(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen
}

func (s *Switchable) pump(gen int, src io.Reader, done chan<- error) {
	buf := make([]byte, pumpBufSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			s.writeMu.Lock()
			if !s.current(gen) {
				s.writeMu.Unlock()
				done <- ErrDetached
				return
			}
			_, werr := s.w.Write(buf[:n])
			s.writeMu.Unlock()
			if werr != nil {
				done <- werr
				return
			}
		}
		if err == io.EOF {
			done <- nil
			return
		}
		if err != nil {
			done <- err
			return
		}
	}
}
