package subprocess

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Redirection requests for the three standard streams of a spawned child.
// A value >= 0 connects the stream to that caller-owned descriptor; the
// values 0, 1 and 2 therefore inherit the parent's own standard streams.
const (
	// NullDevice connects the stream to /dev/null, opened once per process
	// on first use and kept open until process exit.
	NullDevice = -1

	// FreshPipe creates a new anonymous pipe for the stream and exposes the
	// parent end on the handle.
	FreshPipe = -2

	// SameAsStdout routes the child's stderr to wherever its stdout was
	// routed, so both streams appear at the same destination. Valid for the
	// stderr slot only.
	SameAsStdout = -3
)

// endpoint is one side of the parent/child descriptor wiring for a single
// stream. near is the descriptor the child's standard stream will be
// duplicated from; far is the parent's end when a pipe was created, -1
// otherwise. owned reports whether the pair was created here (a fresh pipe,
// closed by us) or supplied by the caller (borrowed, never closed by us).
type endpoint struct {
	near  int
	far   int
	owned bool
}

// newEndpoint resolves a redirection request into an endpoint. outward is
// true for streams flowing out of the child (stdout, stderr) and selects
// which end of a fresh pipe faces the child: the read end is near for the
// child's stdin, the write end is near for its stdout and stderr.
//
// Both ends of a fresh pipe carry the close-on-exec flag, so nothing created
// here survives the exec unless the spawn plan duplicates it onto one of the
// child's standard stream slots.
func newEndpoint(fd int, outward bool) (endpoint, error) {
	if fd >= 0 {
		return endpoint{near: fd, far: -1}, nil
	}

	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return endpoint{}, fmt.Errorf("subprocess: pipe: %w", err)
	}

	if outward {
		return endpoint{near: p[1], far: p[0], owned: true}, nil
	}
	return endpoint{near: p[0], far: p[1], owned: true}, nil
}

// closeNearParent closes the parent's copy of the child-side pipe end once
// the fork boundary is behind us; from then on the endpoint concerns only
// its far end. Borrowed descriptors are left alone.
func (e *endpoint) closeNearParent() {
	if e.owned && e.near >= 0 {
		unix.Close(e.near)
		e.near = -1
	}
}

// takeFar surrenders the parent-side pipe end to the caller, leaving the
// endpoint with nothing left to release. Returns -1 when no pipe was
// created.
func (e *endpoint) takeFar() int {
	fd := e.far
	e.far = -1
	return fd
}

// closeAll releases both ends of an owned pipe. Used when spawning fails
// before a child exists.
func (e *endpoint) closeAll() {
	if !e.owned {
		return
	}
	if e.far >= 0 {
		unix.Close(e.far)
		e.far = -1
	}
	if e.near >= 0 {
		unix.Close(e.near)
		e.near = -1
	}
}

var (
	devNullOnce sync.Once
	devNullFD   int
	devNullErr  error
)

// fdOrDevNull maps the NullDevice request to the process-wide /dev/null
// descriptor. Any other request passes through untouched.
func fdOrDevNull(fd int) (int, error) {
	if fd != NullDevice {
		return fd, nil
	}
	devNullOnce.Do(func() {
		devNullFD, devNullErr = unix.Open(os.DevNull, unix.O_RDWR|unix.O_CLOEXEC, 0)
	})
	if devNullErr != nil {
		return -1, fmt.Errorf("subprocess: open %s: %w", os.DevNull, devNullErr)
	}
	return devNullFD, nil
}
