// Package sandbox confines action side effects to one workspace directory.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"forge/internal/runner"
)

const waitDelay = 2 * time.Second

// ErrOutsideRoot is returned for paths that resolve outside the workspace.
var ErrOutsideRoot = errors.New("path outside workspace")

// Workspace is the runtime target of a session: one directory and a shell
// whose working directory is that directory.
type Workspace struct {
	root  string
	shell string
	env   []string
}

// New creates a workspace rooted at root, which must be an existing directory.
func New(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("working directory does not exist: %s", root)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", root)
	}

	return &Workspace{
		root:  abs,
		shell: "sh",
		env:   append(os.Environ(), "npm_config_yes=true"),
	}, nil
}

// Root returns the absolute workspace directory.
func (w *Workspace) Root() string {
	return w.root
}

// Resolve maps a workspace-relative path to an absolute one.
func (w *Workspace) Resolve(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		rel = strings.TrimLeft(rel, `/\`)
	}
	p := filepath.Join(w.root, filepath.FromSlash(rel))
	r, err := filepath.Rel(w.root, p)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}
	return p, nil
}

// MkdirAll creates dir and any missing parents.
func (w *Workspace) MkdirAll(ctx context.Context, dir string) error {
	p, err := w.Resolve(dir)
	if err != nil {
		return err
	}
	return os.MkdirAll(p, 0o755)
}

// WriteFile writes content to path, replacing any existing file.
func (w *Workspace) WriteFile(ctx context.Context, path, content string) error {
	p, err := w.Resolve(path)
	if err != nil {
		return err
	}
	return os.WriteFile(p, []byte(content), 0o644)
}

// ReadFile reads a workspace file.
func (w *Workspace) ReadFile(path string) ([]byte, error) {
	p, err := w.Resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// Spawn starts command with the workspace shell.
func (w *Workspace) Spawn(ctx context.Context, command string) (runner.Process, error) {
	cmd := exec.Command(w.shell, "-c", command)
	cmd.Dir = w.root
	cmd.Env = w.env
	cmd.WaitDelay = waitDelay
	setupProcessGroup(cmd)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, fmt.Errorf("start %s: %w", w.shell, err)
	}

	return &Process{cmd: cmd, out: pr, outW: pw}, nil
}

// Process is a running shell command.
type Process struct {
	cmd  *exec.Cmd
	out  *io.PipeReader
	outW *io.PipeWriter

	once sync.Once
	code int
	err  error
}

// Output returns combined stdout and stderr. It reaches EOF after Wait returns.
func (p *Process) Output() io.Reader {
	return p.out
}

// Wait waits for the process to exit and returns its exit code. A non-zero
// exit is not an error.
func (p *Process) Wait() (int, error) {
	p.once.Do(func() {
		err := p.cmd.Wait()
		p.outW.Close()

		var exitErr *exec.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			p.code = exitErr.ExitCode()
		case errors.Is(err, exec.ErrWaitDelay):
			p.code = p.cmd.ProcessState.ExitCode()
		default:
			p.code = -1
			p.err = err
		}
	})
	return p.code, p.err
}

// Kill kills the process and everything it started.
func (p *Process) Kill() error {
	return killProcessGroup(p.cmd)
}
