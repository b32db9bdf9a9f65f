// Package supervisor manages the set of commands a daemon is running:
// concurrency limits, spawn rate limiting, output capture, lifecycle state
// and metrics for every execution.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"procplane/internal/runner"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// State of a supervised execution.
type State string

const (
	StateRunning   State = "running"
	StateExited    State = "exited"
	StateSignalled State = "signalled"
)

var (
	// ErrNotFound is returned for an unknown execution ID.
	ErrNotFound = errors.New("supervisor: execution not found")

	// ErrBusy is returned when every concurrency slot is taken.
	ErrBusy = errors.New("supervisor: concurrency limit reached")

	// ErrRateLimited is returned when the spawn rate limiter rejects a start.
	ErrRateLimited = errors.New("supervisor: spawn rate exceeded")

	// ErrDone is returned when signalling an execution that already finished.
	ErrDone = errors.New("supervisor: execution already finished")
)

// Config holds the supervisor's tunables.
type Config struct {
	Concurrency int           // max simultaneously running commands (default 4)
	SpawnRate   float64       // spawns per second, 0 means unlimited
	SpawnBurst  int           // rate limiter burst (default 1 when rated)
	Retention   time.Duration // how long finished executions stay queryable (default 5m)
	OutputTail  int           // bytes of output kept per execution (default 64KiB)
}

// Info is a point-in-time snapshot of one execution.
type Info struct {
	ID          uuid.UUID
	Command     []string
	State       State
	Pid         int
	ExitCode    *int
	StartedAt   time.Time
	CompletedAt *time.Time
	OutputTail  string
}

// execution is the supervisor's mutable record of a command.
type execution struct {
	mu          sync.Mutex
	id          uuid.UUID
	command     []string
	state       State
	handle      runner.Handle
	exitCode    *int
	startedAt   time.Time
	completedAt *time.Time
	output      *tailBuffer
}

func (e *execution) snapshot() Info {
	e.mu.Lock()
	defer e.mu.Unlock()

	info := Info{
		ID:          e.id,
		Command:     append([]string(nil), e.command...),
		State:       e.state,
		Pid:         e.handle.Pid(),
		StartedAt:   e.startedAt,
		CompletedAt: e.completedAt,
		OutputTail:  e.output.String(),
	}
	if e.exitCode != nil {
		code := *e.exitCode
		info.ExitCode = &code
	}
	return info
}

// Supervisor runs commands through a Runtime and tracks them until they are
// pruned.
type Supervisor struct {
	runtime runner.Runtime
	cfg     Config
	logger  *slog.Logger

	sem     chan struct{}
	limiter *rate.Limiter

	mu         sync.Mutex
	executions map[uuid.UUID]*execution

	started   metric.Int64Counter
	completed metric.Int64Counter
	active    metric.Int64UpDownCounter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a supervisor on top of the given runtime.
func New(rt runner.Runtime, cfg Config, logger *slog.Logger) *Supervisor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 5 * time.Minute
	}
	if cfg.OutputTail <= 0 {
		cfg.OutputTail = 64 * 1024
	}

	var limiter *rate.Limiter
	if cfg.SpawnRate > 0 {
		burst := cfg.SpawnBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.SpawnRate), burst)
	}

	meter := otel.Meter("procplane/supervisor")
	started, _ := meter.Int64Counter("procplane.executions.started")
	completed, _ := meter.Int64Counter("procplane.executions.completed")
	active, _ := meter.Int64UpDownCounter("procplane.executions.active")

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		runtime:    rt,
		cfg:        cfg,
		logger:     logger,
		sem:        make(chan struct{}, cfg.Concurrency),
		limiter:    limiter,
		executions: make(map[uuid.UUID]*execution),
		started:    started,
		completed:  completed,
		active:     active,
		ctx:        ctx,
		cancel:     cancel,
	}

	s.wg.Add(1)
	go s.reconcile()

	return s
}

// Start launches a command and returns its execution ID. It does not wait
// for the command to finish.
func (s *Supervisor) Start(ctx context.Context, command []string) (uuid.UUID, error) {
	if len(command) == 0 {
		return uuid.Nil, errors.New("supervisor: empty command")
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return uuid.Nil, ErrRateLimited
	}

	select {
	case s.sem <- struct{}{}:
	default:
		return uuid.Nil, ErrBusy
	}

	handle, err := s.runtime.Start(ctx, runner.StartOptions{Command: command})
	if err != nil {
		<-s.sem
		return uuid.Nil, fmt.Errorf("supervisor: start: %w", err)
	}

	id := uuid.New()
	exec := &execution{
		id:        id,
		command:   append([]string(nil), command...),
		state:     StateRunning,
		handle:    handle,
		startedAt: time.Now(),
		output:    newTailBuffer(s.cfg.OutputTail),
	}

	s.mu.Lock()
	s.executions[id] = exec
	s.mu.Unlock()

	s.started.Add(ctx, 1)
	s.active.Add(ctx, 1)
	s.logger.Info("execution started", "id", id, "command", command[0], "pid", handle.Pid())

	s.wg.Add(1)
	go s.run(exec)

	return id, nil
}

// run drains the command's output into the tail buffer, waits for it to
// finish and records the result.
func (s *Supervisor) run(exec *execution) {
	defer s.wg.Done()
	defer func() { <-s.sem }()

	tracer := otel.Tracer("procplane/supervisor")
	_, span := tracer.Start(context.Background(), "execution",
		trace.WithAttributes(
			attribute.String("execution.id", exec.id.String()),
			attribute.String("execution.command", exec.command[0]),
		),
	)
	defer span.End()

	out := exec.handle.Output()
	buf := make([]byte, 4096)
	for {
		n, err := out.Read(buf)
		if n > 0 {
			exec.output.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	out.Close()

	result, err := exec.handle.Wait(s.ctx)
	now := time.Now()

	exec.mu.Lock()
	code := result.ExitCode
	exec.exitCode = &code
	exec.completedAt = &now
	if code < 0 {
		exec.state = StateSignalled
	} else {
		exec.state = StateExited
	}
	state := exec.state
	exec.mu.Unlock()

	span.SetAttributes(attribute.Int("execution.exit_code", code))

	s.active.Add(context.Background(), -1)
	s.completed.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("outcome", string(state))))

	if err != nil {
		s.logger.Warn("execution cut short", "id", exec.id, "exit_code", code, "error", err)
		return
	}
	s.logger.Info("execution finished", "id", exec.id, "state", string(state), "exit_code", code)
}

// Get returns a snapshot of one execution.
func (s *Supervisor) Get(id uuid.UUID) (Info, error) {
	s.mu.Lock()
	exec, ok := s.executions[id]
	s.mu.Unlock()

	if !ok {
		return Info{}, ErrNotFound
	}
	return exec.snapshot(), nil
}

// List returns snapshots of every tracked execution, newest first.
func (s *Supervisor) List() []Info {
	s.mu.Lock()
	execs := make([]*execution, 0, len(s.executions))
	for _, exec := range s.executions {
		execs = append(execs, exec)
	}
	s.mu.Unlock()

	infos := make([]Info, 0, len(execs))
	for _, exec := range execs {
		infos = append(infos, exec.snapshot())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.After(infos[j].StartedAt)
	})
	return infos
}

// Signal delivers sig to a running execution.
func (s *Supervisor) Signal(id uuid.UUID, sig unix.Signal) error {
	s.mu.Lock()
	exec, ok := s.executions[id]
	s.mu.Unlock()

	if !ok {
		return ErrNotFound
	}

	exec.mu.Lock()
	running := exec.state == StateRunning
	handle := exec.handle
	exec.mu.Unlock()

	if !running {
		return ErrDone
	}
	return handle.Signal(sig)
}

// reconcile prunes finished executions that have outlived the retention
// window.
func (s *Supervisor) reconcile() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Retention / 4)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.cfg.Retention)
			s.mu.Lock()
			for id, exec := range s.executions {
				exec.mu.Lock()
				expired := exec.completedAt != nil && exec.completedAt.Before(cutoff)
				exec.mu.Unlock()
				if expired {
					delete(s.executions, id)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Shutdown signals every running execution and waits, up to ctx's deadline,
// for the supervisor's goroutines to drain.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, exec := range s.executions {
		exec.mu.Lock()
		if exec.state == StateRunning {
			_ = exec.handle.Signal(unix.SIGKILL)
		}
		exec.mu.Unlock()
	}
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("supervisor: shutdown: %w", ctx.Err())
	}
}
