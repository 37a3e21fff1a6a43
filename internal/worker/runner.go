// runner.go implements the streaming subprocess executor on top of os/exec.
package worker

import (
	"context"
	"fmt"
	"io"
	"os/exec"

	"golang.org/x/sync/errgroup"
)

// ExecSpec describes one subprocess invocation.
type ExecSpec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string // nil inherits the parent environment
}

// ExecResult is the outcome of a finished subprocess.
type ExecResult struct {
	ExitCode int
	Stderr   []byte
}

// Executor runs a subprocess and streams its stdout incrementally.
// onStarted fires only after a real process handle exists; onData receives
// stdout chunks as they arrive, from a single goroutine. Cancelling ctx
// terminates the child. A nil ExecResult means the process never started.
type Executor interface {
	ExecuteStreaming(ctx context.Context, spec ExecSpec, onStarted func(), onData func([]byte)) (*ExecResult, error)
}

// CLIExecutor is the production Executor backed by exec.CommandContext.
type CLIExecutor struct{}

const stderrCap = 64 * 1024

func (CLIExecutor) ExecuteStreaming(ctx context.Context, spec ExecSpec, onStarted func(), onData func([]byte)) (*ExecResult, error) {
	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if spec.Env != nil {
		cmd.Env = spec.Env
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	if onStarted != nil {
		onStarted()
	}

	var stderrBuf []byte
	g := new(errgroup.Group)
	g.Go(func() error {
		buf := make([]byte, 32*1024)
		for {
			n, err := stdout.Read(buf)
			if n > 0 && onData != nil {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				onData(chunk)
			}
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
		}
	})
	g.Go(func() error {
		data, err := io.ReadAll(io.LimitReader(stderr, stderrCap))
		stderrBuf = data
		return err
	})

	pumpErr := g.Wait()
	waitErr := cmd.Wait()

	result := &ExecResult{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stderr:   stderrBuf,
	}

	if ctx.Err() != nil {
		// The child was killed on purpose; report the cancellation, not
		// the broken-pipe noise that follows it.
		return result, ctx.Err()
	}
	if pumpErr != nil {
		return result, fmt.Errorf("%w: %v", ErrStream, pumpErr)
	}
	if waitErr != nil {
		return result, fmt.Errorf("subprocess exited: %w", waitErr)
	}
	return result, nil
}
