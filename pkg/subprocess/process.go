// Package subprocess spawns external commands with arbitrary redirection of
// their standard streams and lets any number of goroutines observe and
// control the child's lifecycle without racing on the reap syscall.
//
// Each of the three streams is independently wired from an int request:
// a descriptor of the caller's (0, 1 and 2 inherit the parent's standard
// streams), NullDevice, FreshPipe, or (for stderr only) SameAsStdout.
// The handle that comes back carries the parent-side pipe descriptors and
// the lifecycle operations Wait, WaitFor, Poll and Kill, all safe to call
// concurrently.
package subprocess

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Exit-code values a handle can report.
const (
	// UnknownExit is reported before termination has been observed, and
	// stays if reaping failed (for instance when the process has chosen to
	// ignore SIGCHLD, so no child status is ever available).
	UnknownExit = -127

	// CommandNotFound is reported when the program could not be executed,
	// matching the exit code most shells use for the same condition.
	CommandNotFound = 127
)

// Lifecycle states. Exactly one goroutine may hold the reaper role
// (stateAwaited) at any time; everyone else parks until the state leaves it.
type lifecycle int

const (
	stateDone     lifecycle = iota // child reaped, exit code recorded
	stateUnwaited                  // child running, nobody in the reap syscall
	stateAwaited                   // one goroutine is executing the reap
)

// Process is the parent-side handle for a single spawned child. Use it
// through the pointer returned by Spawn; handles are never copied or
// reassigned.
//
// Dropping a handle does not kill or reap the child: pipelines of
// short-lived handles must not tear their children down, so an unwaited
// child becomes an orphan when the parent exits. Call Wait or Kill explicitly
// when that is not what you want.
type Process struct {
	// Pid is the child's OS process identifier, written once by Spawn.
	// Once the handle reports done the OS may recycle the number, so treat
	// it as opaque from then on.
	Pid int

	// Stdin, Stdout and Stderr are the parent-side pipe descriptors, -1
	// for every stream that was not requested as a FreshPipe. Set by Spawn;
	// Close closes them and resets each to -1.
	Stdin  int
	Stdout int
	Stderr int

	mu       sync.Mutex
	state    lifecycle
	exitCode int

	// notAwaited is closed and replaced each time state leaves
	// stateAwaited; parked waiters select on it, which also gives timed
	// waits a wakeup they can race against a timer.
	notAwaited chan struct{}
}

// Spawn starts args[0], resolved through PATH, with the given redirection
// requests for the child's stdin, stdout and stderr. The returned handle is
// live (unwaited) unless the program could not be executed, in which case
// the handle is already done with exit code CommandNotFound, the same
// shape a shell gives the failure, not a spawn error.
//
// Spawn fails only on invalid requests and on kernel errors (pipe
// exhaustion, fork failure). On failure every descriptor created along the
// way is released; borrowed descriptors are untouched.
func Spawn(args []string, stdin, stdout, stderr int) (*Process, error) {
	if len(args) == 0 {
		return nil, errors.New("subprocess: empty argument list")
	}
	if stdin == SameAsStdout || stdout == SameAsStdout {
		return nil, errors.New("subprocess: SameAsStdout is valid for the stderr slot only")
	}
	for _, fd := range []int{stdin, stdout, stderr} {
		if fd < SameAsStdout {
			return nil, fmt.Errorf("subprocess: invalid redirection request %d", fd)
		}
	}

	// Resolve the three requests to endpoints in stream order. The stderr
	// SameAsStdout case borrows the stdout endpoint's child-side
	// descriptor, so both streams land on the same open file; the borrowed
	// endpoint owns nothing and closes nothing.
	fd0, err := fdOrDevNull(stdin)
	if err != nil {
		return nil, err
	}
	fd1, err := fdOrDevNull(stdout)
	if err != nil {
		return nil, err
	}

	in, err := newEndpoint(fd0, false)
	if err != nil {
		return nil, err
	}
	out, err := newEndpoint(fd1, true)
	if err != nil {
		in.closeAll()
		return nil, err
	}

	var ep endpoint
	if stderr == SameAsStdout {
		ep = endpoint{near: out.near, far: -1}
	} else {
		fd2, err := fdOrDevNull(stderr)
		if err == nil {
			ep, err = newEndpoint(fd2, true)
		}
		if err != nil {
			in.closeAll()
			out.closeAll()
			return nil, err
		}
	}

	path, lookErr := exec.LookPath(args[0])
	if lookErr != nil {
		// No program to run. Surface it the way a failed exec surfaces:
		// through the lifecycle, as a handle already done with 127.
		return notFoundHandle(&in, &out, &ep), nil
	}

	// The child-side redirection plan: slot i of the table becomes the
	// child's descriptor i. The fork/exec helper realizes the mapping with
	// a collision-free descriptor shuffle, so the merge (both output slots
	// holding one near) and swap (slots 1 and 2 holding each other's
	// inherited stream) cases need no special casing here. Everything else
	// we created carries close-on-exec and dies at the exec boundary.
	pid, forkErr := syscall.ForkExec(path, args, &syscall.ProcAttr{
		Env:   os.Environ(),
		Files: []uintptr{uintptr(in.near), uintptr(out.near), uintptr(ep.near)},
	})
	if forkErr != nil {
		if execFailure(forkErr) {
			// The program vanished or became unrunnable between LookPath
			// and exec; the runtime has already collected the stillborn
			// child.
			return notFoundHandle(&in, &out, &ep), nil
		}
		in.closeAll()
		out.closeAll()
		ep.closeAll()
		return nil, fmt.Errorf("subprocess: fork %s: %w", path, forkErr)
	}

	p := newHandle(&in, &out, &ep)
	p.Pid = pid
	p.state = stateUnwaited
	return p, nil
}

// newHandle moves the far ends onto a fresh handle and closes the parent's
// copies of the near ends, which belonged to the child.
func newHandle(in, out, ep *endpoint) *Process {
	p := &Process{
		exitCode:   UnknownExit,
		notAwaited: make(chan struct{}),
	}
	p.Stdin = in.takeFar()
	p.Stdout = out.takeFar()
	p.Stderr = ep.takeFar()
	in.closeNearParent()
	out.closeNearParent()
	ep.closeNearParent()
	return p
}

// notFoundHandle builds the already-done CommandNotFound handle. The far
// ends are still exposed: a pipe the caller asked for exists regardless of
// whether the program did, and reading it yields immediate EOF.
func notFoundHandle(in, out, ep *endpoint) *Process {
	p := newHandle(in, out, ep)
	p.state = stateDone
	p.exitCode = CommandNotFound
	return p
}

// execFailure reports whether a ForkExec error came from the exec side
// (program missing or unrunnable) rather than from fork itself.
func execFailure(err error) bool {
	return errors.Is(err, unix.ENOENT) ||
		errors.Is(err, unix.EACCES) ||
		errors.Is(err, unix.ENOEXEC) ||
		errors.Is(err, unix.ETXTBSY)
}

// Wait blocks until the child has terminated and its exit status has been
// recorded, then returns. Safe to call from any number of goroutines and
// after completion, where it returns immediately.
func (p *Process) Wait() {
	p.mu.Lock()
	p.awaitReaperDone()

	if p.state == stateUnwaited {
		p.state = stateAwaited

		// The blocking reap runs with the mutex held. The kernel answers
		// only the first wait for a pid; a second concurrent one gets
		// ECHILD. The reap must be serialized with the state gate, not
		// just with itself.
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(p.Pid, &ws, 0, nil)
		for err == unix.EINTR {
			wpid, err = unix.Wait4(p.Pid, &ws, 0, nil)
		}
		if err == nil && wpid == p.Pid {
			p.exitCode = decodeStatus(ws)
		}
		// On error the exit code stays UnknownExit; the usual cause is a
		// process-wide SIG_IGN on SIGCHLD, which makes child statuses
		// uncollectable and is a legitimate deployment choice.

		p.markDone()
	}
	p.mu.Unlock()
}

// WaitFor blocks until the child has terminated or the timeout elapses,
// reporting whether the child is done. A false return means the child was
// still running when time ran out.
//
// There is no SIGCHLD handler behind this; the reaping goroutine polls the
// non-blocking reap with exponential backoff capped at 64ms. Concurrent
// timed waiters cooperate rather than race: one of them volunteers to poll
// while the rest park, and when the volunteer's deadline expires it hands
// the role back and wakes someone else to take over. The set of waiters
// collectively observes termination even when no single deadline outlives
// the child.
//
// The timeout does not bound a wait behind a concurrent Wait: Wait holds
// the mutex through its blocking reap, so WaitFor then returns only once
// the child has exited.
func (p *Process) WaitFor(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	p.mu.Lock()
	for p.state == stateAwaited {
		ch := p.notAwaited
		p.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false // someone else is still reaping; our time is up
		}
		t := time.NewTimer(remaining)
		select {
		case <-ch:
			t.Stop()
		case <-t.C:
			return false
		}
		p.mu.Lock()
	}

	if p.state == stateDone {
		p.mu.Unlock()
		return true
	}

	// Take the reaper role. The state stays stateAwaited while the mutex
	// is dropped around each catnap, so no second goroutine can enter the
	// reap path in the gaps.
	p.state = stateAwaited
	for backoff := time.Millisecond; ; {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(p.Pid, &ws, unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}
		if wpid != 0 || err != nil {
			if err == nil && wpid == p.Pid {
				p.exitCode = decodeStatus(ws)
			}
			p.markDone()
			p.mu.Unlock()
			return true
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			// Out of time: hand the reaper role back and wake the others
			// so one of them can take over.
			p.state = stateUnwaited
			p.wakeWaiters()
			p.mu.Unlock()
			return false
		}

		p.mu.Unlock()
		time.Sleep(min(backoff, remaining))
		if backoff < 64*time.Millisecond {
			backoff *= 2
		}
		p.mu.Lock()
	}
}

// Poll reports whether the child has terminated, without blocking beyond
// mutex acquisition. When it is the first to observe termination it also
// records the exit status. While a WaitFor holds the reaper role Poll
// reports false, since the child has not been seen to finish yet. While a
// Wait holds it, the mutex is held through the blocking reap, so Poll waits
// for that reap to finish and then reports true.
func (p *Process) Poll() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == stateUnwaited {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(p.Pid, &ws, unix.WNOHANG, nil)
		for err == unix.EINTR {
			wpid, err = unix.Wait4(p.Pid, &ws, unix.WNOHANG, nil)
		}
		if wpid == 0 && err == nil {
			return false
		}
		if err == nil && wpid == p.Pid {
			p.exitCode = decodeStatus(ws)
		}
		p.markDone()
	}

	return p.state == stateDone
}

// Kill delivers sig to the child. The child is polled first: one that has
// terminated but not been reaped is a zombie, unreachable by signals, and
// reaping is the only way to retire it, which the poll just did. Kill on a
// done handle is a no-op.
func (p *Process) Kill(sig unix.Signal) error {
	if p.Poll() {
		return nil
	}
	if err := unix.Kill(p.Pid, sig); err != nil {
		return fmt.Errorf("subprocess: kill pid %d: %w", p.Pid, err)
	}
	return nil
}

// ExitCode returns the recorded exit status: the child's exit code for a
// normal exit, the negated signal number for a signalled termination, and
// UnknownExit until termination has been observed.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Close releases the parent-side pipe descriptors. It does not wait for or
// kill the child. Close is idempotent but, like the descriptor fields
// themselves, not meant for concurrent use with readers of those fields.
func (p *Process) Close() error {
	for _, fd := range []*int{&p.Stdin, &p.Stdout, &p.Stderr} {
		if *fd >= 0 {
			unix.Close(*fd)
			*fd = -1
		}
	}
	return nil
}

// awaitReaperDone parks, mutex held on entry and exit, until the state has
// left stateAwaited.
func (p *Process) awaitReaperDone() {
	for p.state == stateAwaited {
		ch := p.notAwaited
		p.mu.Unlock()
		<-ch
		p.mu.Lock()
	}
}

// markDone records the terminal state and wakes every parked waiter.
// Mutex held.
func (p *Process) markDone() {
	p.state = stateDone
	p.wakeWaiters()
}

// wakeWaiters broadcasts a departure from stateAwaited. Mutex held.
func (p *Process) wakeWaiters() {
	close(p.notAwaited)
	p.notAwaited = make(chan struct{})
}

// decodeStatus maps a wait status to the exit-code encoding: n for a normal
// exit with status n, -s for termination by signal s.
func decodeStatus(ws unix.WaitStatus) int {
	switch {
	case ws.Exited():
		return ws.ExitStatus()
	case ws.Signaled():
		return -int(ws.Signal())
	}
	return UnknownExit
}
