package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"procplane/pkg/subprocess"

	"golang.org/x/sys/unix"
)

// ExecRuntime implements the Runtime interface using raw OS processes
// spawned through the subprocess package. The command's stdin is connected
// to the null device; stderr is merged into stdout on a single pipe so the
// combined output arrives in one stream.
type ExecRuntime struct{}

// NewExecRuntime creates a new process-based runtime.
func NewExecRuntime() *ExecRuntime {
	return &ExecRuntime{}
}

// Start implements Runtime.Start.
func (e *ExecRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("runner: empty command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p, err := subprocess.Spawn(
		opts.Command,
		subprocess.NullDevice,
		subprocess.FreshPipe,
		subprocess.SameAsStdout,
	)
	if err != nil {
		return nil, fmt.Errorf("runner: spawn %q: %w", opts.Command[0], err)
	}

	// The handle owns the pipe's far end from here on; reading and closing
	// both go through the *os.File.
	output := os.NewFile(uintptr(p.Stdout), "output")
	p.Stdout = -1

	return &execHandle{proc: p, output: output}, nil
}

type execHandle struct {
	proc   *subprocess.Process
	output *os.File
}

func (h *execHandle) Pid() int {
	return h.proc.Pid
}

// waitPoll is how long each bounded wait runs before the handle rechecks
// its context.
const waitPoll = 200 * time.Millisecond

func (h *execHandle) Wait(ctx context.Context) (Result, error) {
	for {
		if h.proc.WaitFor(waitPoll) {
			return Result{ExitCode: h.proc.ExitCode()}, nil
		}
		select {
		case <-ctx.Done():
			// Cancellation kills the command; the reap must still happen
			// so the exit status is recorded and no zombie remains.
			_ = h.proc.Kill(unix.SIGKILL)
			h.proc.Wait()
			return Result{ExitCode: h.proc.ExitCode()}, ctx.Err()
		default:
		}
	}
}

func (h *execHandle) Poll() bool {
	return h.proc.Poll()
}

func (h *execHandle) Signal(sig unix.Signal) error {
	return h.proc.Kill(sig)
}

func (h *execHandle) Output() io.ReadCloser {
	return h.output
}
