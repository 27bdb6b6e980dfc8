package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"unicode/utf8"

	"forge/internal/artifact"

	"go.uber.org/zap"
)

const outputBufSize = 4096

// Terminal color sequences used for status lines.
const (
	colorBlue  = "\x1b[1;34m"
	colorGreen = "\x1b[1;32m"
	colorRed   = "\x1b[1;31m"
	colorReset = "\x1b[0m"
)

func (r *Runner) execute(e *entry) {
	r.mu.Lock()
	action := e.action
	content := e.content
	ctx := e.ctx
	r.mu.Unlock()

	logger := r.logger.With(zap.String("action", action.ID), zap.String("type", action.Kind.Type()))
	logger.Debug("executing action")

	var (
		exitCode *int
		err      error
	)
	switch k := action.Kind.(type) {
	case artifact.ShellKind:
		exitCode, err = r.runShell(ctx, logger, content)
	case artifact.FileKind:
		err = r.runFile(ctx, logger, k.Path, content)
	default:
		unreachable("unknown action kind %T", action.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e.exitCode = exitCode
	switch {
	case ctx.Err() != nil:
		e.status = StatusAborted
	case err != nil:
		e.status = StatusFailed
		e.err = err.Error()
		logger.Warn("action failed", zap.Error(err))
	default:
		e.status = StatusComplete
	}
	e.cancel()
	r.notify(e)
}

func (r *Runner) runShell(ctx context.Context, logger *zap.Logger, command string) (*int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.sink.Write(fmt.Sprintf("%s$ %s%s\n", colorBlue, command, colorReset))

	proc, err := r.rt.Spawn(ctx, command)
	if err != nil {
		r.sink.Write(fmt.Sprintf("%sFailed to start command%s\n%v\n", colorRed, colorReset, err))
		return nil, fmt.Errorf("spawn: %w", err)
	}

	copied := make(chan struct{})
	go func() {
		defer close(copied)
		r.pipeOutput(logger, proc.Output())
	}()

	stop := context.AfterFunc(ctx, func() {
		if err := proc.Kill(); err != nil {
			logger.Warn("kill process", zap.Error(err))
		}
	})
	code, werr := proc.Wait()
	stop()
	<-copied

	if ctx.Err() != nil {
		r.sink.Write(fmt.Sprintf("%sCommand aborted%s\n", colorRed, colorReset))
		return nil, ctx.Err()
	}
	if werr != nil {
		r.sink.Write(fmt.Sprintf("%sCommand failed%s\n%v\n", colorRed, colorReset, werr))
		return nil, fmt.Errorf("wait: %w", werr)
	}

	logger.Debug("process terminated", zap.Int("code", code))
	color := colorGreen
	if code != 0 {
		color = colorRed
	}
	r.sink.Write(fmt.Sprintf("%sProcess exited with code %d%s\n\n", color, code, colorReset))

	if code != 0 {
		return &code, fmt.Errorf("process exited with code %d", code)
	}
	return &code, nil
}

// pipeOutput forwards process output to the sink. A rune split across
// reads is held back until its remaining bytes arrive.
func (r *Runner) pipeOutput(logger *zap.Logger, out io.Reader) {
	if out == nil {
		return
	}
	buf := make([]byte, outputBufSize)
	held := 0
	for {
		n, err := out.Read(buf[held:])
		n += held
		cut := completeRunes(buf[:n])
		if cut > 0 {
			r.sink.Write(string(buf[:cut]))
		}
		held = copy(buf, buf[cut:n])

		if err != nil {
			if held > 0 {
				r.sink.Write(string(buf[:held]))
			}
			if !errors.Is(err, io.EOF) {
				logger.Debug("output closed", zap.Error(err))
			}
			return
		}
	}
}

// completeRunes returns the length of the longest prefix of b that does not
// end inside a multi-byte rune.
func completeRunes(b []byte) int {
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

func (r *Runner) runFile(ctx context.Context, logger *zap.Logger, filePath, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	folder := strings.TrimRight(path.Dir(filePath), "/")

	r.sink.Write(fmt.Sprintf("%sCreating file: %s%s\n", colorBlue, filePath, colorReset))

	if folder != "." && folder != "" {
		if err := r.rt.MkdirAll(ctx, folder); err != nil {
			r.sink.Write(fmt.Sprintf("%sFailed to create folder: %s%s\n%v\n", colorRed, folder, colorReset, err))
			return fmt.Errorf("create folder %s: %w", folder, err)
		}
		logger.Debug("created folder", zap.String("folder", folder))
		r.sink.Write(fmt.Sprintf("%sCreated folder: %s%s\n", colorGreen, folder, colorReset))
	}

	if err := r.rt.WriteFile(ctx, filePath, content); err != nil {
		r.sink.Write(fmt.Sprintf("%sFailed to write file: %s%s\n%v\n\n", colorRed, filePath, colorReset, err))
		return fmt.Errorf("write file %s: %w", filePath, err)
	}

	logger.Debug("file written", zap.String("path", filePath))
	r.sink.Write(fmt.Sprintf("%sFile created: %s%s\n\n", colorGreen, filePath, colorReset))
	return nil
}
