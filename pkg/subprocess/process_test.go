package subprocess

import (
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// writeAll writes data to a raw descriptor.
func writeAll(t *testing.T, fd int, data string) {
	t.Helper()
	buf := []byte(data)
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			t.Fatalf("write to fd %d failed: %v", fd, err)
		}
		buf = buf[n:]
	}
}

// readAll reads a raw descriptor until EOF.
func readAll(t *testing.T, fd int) string {
	t.Helper()
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil {
			t.Fatalf("read from fd %d failed: %v", fd, err)
		}
		if n == 0 {
			return string(out)
		}
	}
}

func TestSortThroughPipes(t *testing.T) {
	p, err := Spawn([]string{"sort"}, FreshPipe, FreshPipe, NullDevice)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	writeAll(t, p.Stdin, "line 2\nline 1\n")
	unix.Close(p.Stdin)
	p.Stdin = -1

	got := readAll(t, p.Stdout)
	if got != "line 1\nline 2\n" {
		t.Errorf("expected sorted output, got %q", got)
	}

	p.Wait()
	if code := p.ExitCode(); code != 0 {
		t.Errorf("expected exit code 0, got %d", code)
	}
	p.Close()
}

func TestUnknownCommand(t *testing.T) {
	p, err := Spawn([]string{"this-does-not-exist-xyz"}, NullDevice, NullDevice, NullDevice)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	p.Wait()
	if code := p.ExitCode(); code != CommandNotFound {
		t.Errorf("expected exit code %d, got %d", CommandNotFound, code)
	}
}

func TestUnknownCommandStillExposesPipes(t *testing.T) {
	p, err := Spawn([]string{"this-does-not-exist-xyz"}, NullDevice, FreshPipe, NullDevice)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer p.Close()

	if p.Stdout < 0 {
		t.Fatal("expected a stdout descriptor even though the program does not exist")
	}
	if got := readAll(t, p.Stdout); got != "" {
		t.Errorf("expected immediate EOF, got %q", got)
	}
	if !p.Poll() {
		t.Error("expected handle to already be done")
	}
	if code := p.ExitCode(); code != CommandNotFound {
		t.Errorf("expected exit code %d, got %d", CommandNotFound, code)
	}
}

func TestSignalledTermination(t *testing.T) {
	p, err := Spawn([]string{"sleep", "30"}, NullDevice, NullDevice, NullDevice)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	if err := p.Kill(unix.SIGKILL); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	p.Wait()
	if code := p.ExitCode(); code != -int(unix.SIGKILL) {
		t.Errorf("expected exit code %d, got %d", -int(unix.SIGKILL), code)
	}
}

// TestHelperSwap is not a test: it is re-executed by TestSwappedOutputs as a
// separate process, where its own stdout and stderr can be captured. It
// spawns a child whose stdout is wired to this process' stderr and vice
// versa, then exits with the child's code.
func TestHelperSwap(t *testing.T) {
	if os.Getenv("SUBPROCESS_TEST_HELPER") != "swap" {
		t.Skip("helper process only")
	}
	p, err := Spawn(
		[]string{"sh", "-c", "printf A; printf B >&2"},
		NullDevice, 2, 1,
	)
	if err != nil {
		os.Exit(3)
	}
	p.Wait()
	os.Exit(p.ExitCode())
}

func TestSwappedOutputs(t *testing.T) {
	cmd := exec.Command(os.Args[0], "-test.run", "TestHelperSwap")
	cmd.Env = append(os.Environ(), "SUBPROCESS_TEST_HELPER=swap")

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		t.Fatalf("helper process failed: %v (stderr: %q)", err, stderr.String())
	}

	if got := stdout.String(); got != "B" {
		t.Errorf("expected parent stdout to receive %q, got %q", "B", got)
	}
	if got := stderr.String(); got != "A" {
		t.Errorf("expected parent stderr to receive %q, got %q", "A", got)
	}
}

func TestMergedDiagnostics(t *testing.T) {
	p, err := Spawn(
		[]string{"sh", "-c", "printf A; printf B >&2"},
		NullDevice, FreshPipe, SameAsStdout,
	)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer p.Close()

	got := readAll(t, p.Stdout)
	if !strings.Contains(got, "A") || !strings.Contains(got, "B") {
		t.Errorf("expected both streams on the pipe, got %q", got)
	}

	p.Wait()
	if code := p.ExitCode(); code != 0 {
		t.Errorf("expected exit code 0, got %d", code)
	}
}

func TestCooperativeTimedWait(t *testing.T) {
	p, err := Spawn([]string{"sleep", "2"}, NullDevice, NullDevice, NullDevice)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	const timeout = 300 * time.Millisecond
	const slack = 250 * time.Millisecond

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				began := time.Now()
				done := p.WaitFor(timeout)
				if took := time.Since(began); took > timeout+slack {
					t.Errorf("WaitFor took %v, exceeding %v by more than slack", took, timeout)
				}
				if done {
					return
				}
			}
		}()
	}
	wg.Wait()

	if elapsed := time.Since(start); elapsed < 1500*time.Millisecond || elapsed > 4*time.Second {
		t.Errorf("expected the waiters to cover ~2s of child lifetime, took %v", elapsed)
	}
	if code := p.ExitCode(); code != 0 {
		t.Errorf("expected exit code 0, got %d", code)
	}
}

func TestTimedWaitTimeout(t *testing.T) {
	p, err := Spawn([]string{"sleep", "1"}, NullDevice, NullDevice, NullDevice)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	if p.WaitFor(150 * time.Millisecond) {
		t.Error("expected the timed wait to run out before the child exits")
	}
	if p.Poll() {
		t.Error("expected the child to still be running after the timeout")
	}
	if code := p.ExitCode(); code != UnknownExit {
		t.Errorf("expected exit code to still be %d, got %d", UnknownExit, code)
	}

	p.Wait()
	if code := p.ExitCode(); code != 0 {
		t.Errorf("expected exit code 0, got %d", code)
	}
}

func TestPipeDescriptorsPresentOnlyForFreshPipes(t *testing.T) {
	p, err := Spawn([]string{"true"}, NullDevice, FreshPipe, NullDevice)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer p.Close()

	if p.Stdin != -1 {
		t.Errorf("expected no stdin descriptor, got %d", p.Stdin)
	}
	if p.Stdout < 0 {
		t.Error("expected a stdout descriptor for the fresh pipe")
	}
	if p.Stderr != -1 {
		t.Errorf("expected no stderr descriptor, got %d", p.Stderr)
	}
	p.Wait()
}

func TestNoDescriptorLeaksIntoChild(t *testing.T) {
	// The child enumerates its own open descriptors. Beyond the three
	// standard streams, only the descriptor ls itself opens to read the
	// directory may appear.
	p, err := Spawn([]string{"ls", "/proc/self/fd"}, FreshPipe, FreshPipe, FreshPipe)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	unix.Close(p.Stdin)
	p.Stdin = -1

	got := readAll(t, p.Stdout)
	p.Wait()
	p.Close()

	for _, entry := range strings.Fields(got) {
		fd, err := strconv.Atoi(entry)
		if err != nil {
			t.Fatalf("unexpected entry %q in fd listing", entry)
		}
		if fd > 3 {
			t.Errorf("descriptor %d leaked into the child (listing: %q)", fd, got)
		}
	}
}

func TestWaitIsIdempotent(t *testing.T) {
	p, err := Spawn([]string{"sh", "-c", "exit 7"}, NullDevice, NullDevice, NullDevice)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	p.Wait()
	first := p.ExitCode()

	start := time.Now()
	p.Wait()
	if took := time.Since(start); took > 100*time.Millisecond {
		t.Errorf("second Wait should return immediately, took %v", took)
	}
	if second := p.ExitCode(); second != first || second != 7 {
		t.Errorf("expected exit code 7 on both waits, got %d then %d", first, second)
	}
}

func TestKillAfterDoneIsNoop(t *testing.T) {
	p, err := Spawn([]string{"true"}, NullDevice, NullDevice, NullDevice)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	p.Wait()
	if err := p.Kill(unix.SIGKILL); err != nil {
		t.Errorf("expected Kill on a done handle to be a no-op, got %v", err)
	}
}

func TestConcurrentObserversAgree(t *testing.T) {
	p, err := Spawn([]string{"sh", "-c", "exit 5"}, NullDevice, NullDevice, NullDevice)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	var wg sync.WaitGroup
	codes := make([]int, 12)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 3 {
			case 0:
				p.Wait()
			case 1:
				for !p.WaitFor(20 * time.Millisecond) {
				}
			case 2:
				for !p.Poll() {
					time.Sleep(5 * time.Millisecond)
				}
			}
			codes[i] = p.ExitCode()
		}(i)
	}
	wg.Wait()

	for i, code := range codes {
		if code != 5 {
			t.Errorf("observer %d saw exit code %d, expected 5", i, code)
		}
	}
}

func TestPipeline(t *testing.T) {
	// Two FreshPipe children chained stdout -> stdin. The chain must reach
	// EOF once the external producer closes its end; no internal copy of a
	// write end may keep the pipe open.
	first, err := Spawn([]string{"cat"}, FreshPipe, FreshPipe, NullDevice)
	if err != nil {
		t.Fatalf("Spawn cat failed: %v", err)
	}
	second, err := Spawn([]string{"sort"}, first.Stdout, FreshPipe, NullDevice)
	if err != nil {
		t.Fatalf("Spawn sort failed: %v", err)
	}

	lines := []string{"pear", "apple", "orange"}
	writeAll(t, first.Stdin, strings.Join(lines, "\n")+"\n")
	unix.Close(first.Stdin)
	first.Stdin = -1

	// The parent's copy of the intermediate read end must go too, or sort
	// would never see EOF.
	unix.Close(first.Stdout)
	first.Stdout = -1

	done := make(chan string, 1)
	go func() { done <- readAll(t, second.Stdout) }()

	select {
	case got := <-done:
		want := make([]string, len(lines))
		copy(want, lines)
		sort.Strings(want)
		if got != strings.Join(want, "\n")+"\n" {
			t.Errorf("expected sorted pipeline output, got %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not reach EOF; a write end leaked")
	}

	first.Wait()
	second.Wait()
	if first.ExitCode() != 0 || second.ExitCode() != 0 {
		t.Errorf("expected both stages to exit 0, got %d and %d", first.ExitCode(), second.ExitCode())
	}
	first.Close()
	second.Close()
}

func TestSpawnValidation(t *testing.T) {
	if _, err := Spawn(nil, NullDevice, NullDevice, NullDevice); err == nil {
		t.Error("expected an error for an empty argument list")
	}
	if _, err := Spawn([]string{"true"}, SameAsStdout, NullDevice, NullDevice); err == nil {
		t.Error("expected an error for SameAsStdout on the stdin slot")
	}
	if _, err := Spawn([]string{"true"}, NullDevice, SameAsStdout, NullDevice); err == nil {
		t.Error("expected an error for SameAsStdout on the stdout slot")
	}
	if _, err := Spawn([]string{"true"}, -4, NullDevice, NullDevice); err == nil {
		t.Error("expected an error for an out-of-range request")
	}
}

func TestBorrowedDescriptorNotClosed(t *testing.T) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(fds[0])

	p, err := Spawn([]string{"sh", "-c", "printf hello"}, NullDevice, fds[1], NullDevice)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	p.Wait()
	p.Close()

	// The write end was borrowed; the library must not have closed it.
	if err := unix.Close(fds[1]); err != nil {
		t.Errorf("borrowed descriptor was closed by the library: %v", err)
	}

	if got := readAll(t, fds[0]); got != "hello" {
		t.Errorf("expected %q on the borrowed pipe, got %q", "hello", got)
	}
}
