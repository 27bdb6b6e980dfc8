package runner

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// fakeProcess exits with code once released, or with 137 when killed.
type fakeProcess struct {
	output  string
	code    int
	release chan struct{}
	killed  chan struct{}
	once    sync.Once
}

func (p *fakeProcess) Output() io.Reader { return strings.NewReader(p.output) }

func (p *fakeProcess) Wait() (int, error) {
	if p.release == nil {
		return p.code, nil
	}
	select {
	case <-p.release:
		return p.code, nil
	case <-p.killed:
		return 137, nil
	}
}

func (p *fakeProcess) Kill() error {
	p.once.Do(func() { close(p.killed) })
	return nil
}

type shellBehavior struct {
	output string
	code   int
	block  bool
}

// fakeRuntime records every call in the order it happened.
type fakeRuntime struct {
	mu        sync.Mutex
	calls     []string
	files     map[string]string
	behaviors map[string]shellBehavior
	failWrite map[string]error
	procs     map[string]*fakeProcess
	spawned   chan string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		files:     make(map[string]string),
		behaviors: make(map[string]shellBehavior),
		failWrite: make(map[string]error),
		procs:     make(map[string]*fakeProcess),
		spawned:   make(chan string, 16),
	}
}

func (f *fakeRuntime) Spawn(ctx context.Context, command string) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, "spawn:"+command)
	b := f.behaviors[command]
	p := &fakeProcess{output: b.output, code: b.code, killed: make(chan struct{})}
	if b.block {
		p.release = make(chan struct{})
	}
	f.procs[command] = p
	f.spawned <- command
	return p, nil
}

func (f *fakeRuntime) MkdirAll(ctx context.Context, dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "mkdir:"+dir)
	return nil
}

func (f *fakeRuntime) WriteFile(ctx context.Context, path, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "write:"+path)
	if err := f.failWrite[path]; err != nil {
		return err
	}
	f.files[path] = content
	return nil
}

func (f *fakeRuntime) release(command string) {
	f.mu.Lock()
	p := f.procs[command]
	f.mu.Unlock()
	if p == nil || p.release == nil {
		panic(fmt.Sprintf("no blocking process for %q", command))
	}
	close(p.release)
}

func (f *fakeRuntime) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeRuntime) File(path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.files[path]
	return c, ok
}

type bufferSink struct {
	mu sync.Mutex
	b  strings.Builder
}

func (s *bufferSink) Write(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.b.WriteString(text)
}

func (s *bufferSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

// writesSink keeps every sink write separately.
type writesSink struct {
	mu     sync.Mutex
	writes []string
}

func (s *writesSink) Write(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, text)
}

func (s *writesSink) Writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.writes))
	copy(out, s.writes)
	return out
}
