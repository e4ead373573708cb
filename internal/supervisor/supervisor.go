package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"
	"golang.org/x/sync/singleflight"

	"backend_gateway/internal/health"
	"backend_gateway/internal/obs"
)

const (
	DefaultSettleDelay   = 2 * time.Second
	DefaultReadyTimeout  = 10 * time.Second
	DefaultShutdownGrace = 5 * time.Second

	lockWaitTimeout    = time.Second
	lockRetryDelay     = 25 * time.Millisecond
	readyInitialDelay  = 50 * time.Millisecond
	readyMaxDelay      = 500 * time.Millisecond
	// outputWaitDelay bounds how long exit handling waits for output pipes
	// that a grandchild may still hold open.
	outputWaitDelay    = time.Second
	launchFlightKey    = "launch"
	backendPortEnvName = "PORT"
)

// ErrClosed is returned once Shutdown has been called.
var ErrClosed = errors.New("supervisor closed")

var errExitedEarly = errors.New("backend exited before becoming ready")

type State int

const (
	StateNotStarted State = iota
	StateStarting
	StateRunning
	StateExited
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot of the supervised backend.
type Status struct {
	State      State     `json:"-"`
	StateName  string    `json:"state"`
	PID        int       `json:"pid,omitempty"`
	ExitCode   int       `json:"exit_code"`
	Executable string    `json:"executable"`
	WorkDir    string    `json:"work_dir"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	ExitedAt   time.Time `json:"exited_at,omitempty"`
	Launches   int64     `json:"launches"`
}

type Config struct {
	Executable      string
	Args            []string
	WorkDir         string
	Env             map[string]string
	// Port is exported to the child as PORT when non-zero.
	Port            int
	// HealthURL is polled until it answers 2xx/3xx. Empty means wait SettleDelay.
	HealthURL       string
	SettleDelay     time.Duration
	ReadyTimeout    time.Duration
	ShutdownGrace   time.Duration
	LockFile        string
	WatchExecutable bool
	WatchDebounce   time.Duration
	// OnExit runs after every backend exit, once the exit is recorded.
	OnExit          func()
}

// LaunchError reports why a backend could not be brought to Running.
type LaunchError struct {
	Executable string
	Reason     string
	Err        error
}

func (e *LaunchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("launch %s: %s", e.Executable, e.Reason)
	}
	return fmt.Sprintf("launch %s: %s: %v", e.Executable, e.Reason, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

type process struct {
	cmd      *exec.Cmd
	pid      int
	done     chan struct{}
	exitCode int
	lock     *flock.Flock
	// stdout and stderr feed streamLines; output tracks those readers.
	stdout   *io.PipeWriter
	stderr   *io.PipeWriter
	output   sync.WaitGroup
}

type Supervisor struct {
	cfg     Config
	logger  *slog.Logger
	metrics *obs.Metrics
	prober  *health.Prober

	group    singleflight.Group
	baseCtx  context.Context
	cancel   context.CancelFunc
	launches atomic.Int64

	mu        sync.Mutex
	state     State
	current   *process
	pid       int
	exitCode  int
	startedAt time.Time
	exitedAt  time.Time
	closed    bool
}

func New(cfg Config, logger *slog.Logger, metrics *obs.Metrics) *Supervisor {
	if cfg.WorkDir == "" {
		cfg.WorkDir = "."
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if logger == nil {
		logger = obs.DiscardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:     cfg,
		logger:  logger.With("component", "supervisor"),
		metrics: metrics,
		baseCtx: ctx,
		cancel:  cancel,
	}
	if cfg.HealthURL != "" {
		s.prober = health.NewProber(cfg.HealthURL, readyMaxDelay)
	}
	return s
}

// EnsureRunning returns once a backend is Running. Concurrent callers share a
// single launch; a caller whose ctx ends stops waiting but the launch proceeds.
func (s *Supervisor) EnsureRunning(ctx context.Context) (Status, error) {
	s.mu.Lock()
	if s.closed {
		status := s.statusLocked()
		s.mu.Unlock()
		return status, ErrClosed
	}
	if s.current != nil && s.state == StateRunning {
		status := s.statusLocked()
		s.mu.Unlock()
		return status, nil
	}
	s.mu.Unlock()

	result := s.group.DoChan(launchFlightKey, func() (interface{}, error) {
		return s.launch()
	})
	select {
	case res := <-result:
		if res.Err != nil {
			return s.Status(), res.Err
		}
		return res.Val.(Status), nil
	case <-ctx.Done():
		return s.Status(), ctx.Err()
	}
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Supervisor) statusLocked() Status {
	return Status{
		State:      s.state,
		StateName:  s.state.String(),
		PID:        s.pid,
		ExitCode:   s.exitCode,
		Executable: s.executablePath(),
		WorkDir:    s.cfg.WorkDir,
		StartedAt:  s.startedAt,
		ExitedAt:   s.exitedAt,
		Launches:   s.launches.Load(),
	}
}

// Launches counts processes spawned over the supervisor's lifetime.
func (s *Supervisor) Launches() int64 {
	return s.launches.Load()
}

// Running reports whether a tracked backend is currently Running.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil && s.state == StateRunning
}

func (s *Supervisor) launch() (Status, error) {
	s.mu.Lock()
	if s.closed {
		status := s.statusLocked()
		s.mu.Unlock()
		return status, ErrClosed
	}
	if s.current != nil && s.state == StateRunning {
		status := s.statusLocked()
		s.mu.Unlock()
		return status, nil
	}
	previous := s.state
	s.state = StateStarting
	s.mu.Unlock()

	proc, err := s.start()
	if err != nil {
		s.mu.Lock()
		if s.state == StateStarting {
			s.state = previous
		}
		s.mu.Unlock()
		s.recordLaunchFailure(err)
		return s.Status(), err
	}

	if err := s.waitReady(proc); err != nil {
		s.kill(proc)
		<-proc.done
		s.recordLaunchFailure(err)
		return s.Status(), err
	}

	s.mu.Lock()
	if s.current != proc {
		status := s.statusLocked()
		s.mu.Unlock()
		err := &LaunchError{Executable: s.executablePath(), Reason: "backend exited before becoming ready", Err: errExitedEarly}
		s.recordLaunchFailure(err)
		return status, err
	}
	s.state = StateRunning
	status := s.statusLocked()
	s.mu.Unlock()

	s.metrics.RecordBackendLaunch("success")
	s.metrics.SetBackendUp(true)
	s.logger.Info("backend running", "pid", proc.pid, "launches", status.Launches)
	return status, nil
}

func (s *Supervisor) recordLaunchFailure(err error) {
	result := "error"
	var launchErr *LaunchError
	if errors.As(err, &launchErr) {
		result = launchErr.Reason
	}
	if errors.Is(err, ErrClosed) {
		result = "closed"
	}
	s.metrics.RecordBackendLaunch(result)
	s.logger.Error("backend launch failed", "error", err)
}

func (s *Supervisor) executablePath() string {
	exe := s.cfg.Executable
	if exe == "" || filepath.IsAbs(exe) {
		return exe
	}
	return filepath.Join(s.cfg.WorkDir, exe)
}

func (s *Supervisor) environ() []string {
	env := os.Environ()
	if s.cfg.Port > 0 {
		env = append(env, backendPortEnvName+"="+strconv.Itoa(s.cfg.Port))
	}
	keys := make([]string, 0, len(s.cfg.Env))
	for key := range s.cfg.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, fmt.Sprintf("%s=%s", key, s.cfg.Env[key]))
	}
	return env
}

func (s *Supervisor) acquireLock() (*flock.Flock, error) {
	if s.cfg.LockFile == "" {
		return nil, nil
	}
	fileLock := flock.New(s.cfg.LockFile)
	ctx, cancel := context.WithTimeout(s.baseCtx, lockWaitTimeout)
	defer cancel()
	acquired, err := fileLock.TryLockContext(ctx, lockRetryDelay)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, &LaunchError{Executable: s.executablePath(), Reason: "lock", Err: err}
	}
	if !acquired {
		return nil, &LaunchError{Executable: s.executablePath(), Reason: "lock", Err: fmt.Errorf("launch lock %s held by another process", s.cfg.LockFile)}
	}
	return fileLock, nil
}

func (s *Supervisor) start() (*process, error) {
	exe := s.executablePath()
	if exe == "" {
		return nil, &LaunchError{Reason: "spawn", Err: errors.New("no executable configured")}
	}
	if _, err := os.Stat(exe); err != nil {
		return nil, &LaunchError{Executable: exe, Reason: "spawn", Err: err}
	}

	fileLock, err := s.acquireLock()
	if err != nil {
		return nil, err
	}
	unlock := func() {
		if fileLock != nil {
			_ = fileLock.Unlock()
		}
	}

	cmd := exec.Command(exe, s.cfg.Args...)
	cmd.Dir = s.cfg.WorkDir
	cmd.Env = s.environ()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.WaitDelay = outputWaitDelay
	if err := cmd.Start(); err != nil {
		_ = stdoutW.Close()
		_ = stderrW.Close()
		unlock()
		return nil, &LaunchError{Executable: exe, Reason: "spawn", Err: err}
	}

	proc := &process{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		done:   make(chan struct{}),
		lock:   fileLock,
		stdout: stdoutW,
		stderr: stderrW,
	}
	s.launches.Add(1)
	procLogger := s.logger.With("pid", proc.pid)

	proc.output.Add(2)
	go streamLines(&proc.output, stdoutR, procLogger.With("stream", "stdout"), slog.LevelInfo)
	go streamLines(&proc.output, stderrR, procLogger.With("stream", "stderr"), slog.LevelWarn)

	s.mu.Lock()
	closed := s.closed
	if !closed {
		s.current = proc
		s.pid = proc.pid
		s.startedAt = time.Now()
		s.exitedAt = time.Time{}
		s.exitCode = 0
	}
	s.mu.Unlock()

	go s.observe(proc)

	procLogger.Info("backend started", "executable", exe, "work_dir", s.cfg.WorkDir, "port", s.cfg.Port)
	if closed {
		s.kill(proc)
		<-proc.done
		return nil, ErrClosed
	}
	return proc, nil
}

// observe waits for the child to exit and records the outcome. Output still
// held open by a grandchild is cut off after outputWaitDelay.
func (s *Supervisor) observe(proc *process) {
	err := proc.cmd.Wait()
	_ = proc.stdout.Close()
	_ = proc.stderr.Close()
	proc.output.Wait()
	if errors.Is(err, exec.ErrWaitDelay) {
		s.logger.Warn("backend output still open after exit, detached", "pid", proc.pid)
		err = nil
	}
	code := proc.cmd.ProcessState.ExitCode()
	proc.exitCode = code
	if proc.lock != nil {
		_ = proc.lock.Unlock()
	}

	s.mu.Lock()
	if s.current == proc {
		s.current = nil
		s.state = StateExited
		s.exitCode = code
		s.exitedAt = time.Now()
	}
	s.mu.Unlock()
	close(proc.done)
	if s.cfg.OnExit != nil {
		s.cfg.OnExit()
	}

	s.metrics.RecordBackendExit()
	s.metrics.SetBackendUp(false)
	if err != nil {
		s.logger.Warn("backend exited", "pid", proc.pid, "exit_code", code, "error", err)
		return
	}
	s.logger.Info("backend exited", "pid", proc.pid, "exit_code", code)
}

func (s *Supervisor) waitReady(proc *process) error {
	exe := s.executablePath()
	if s.prober == nil {
		timer := time.NewTimer(s.cfg.SettleDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-proc.done:
			return &LaunchError{Executable: exe, Reason: "exited", Err: fmt.Errorf("%w (exit code %d)", errExitedEarly, proc.exitCode)}
		case <-s.baseCtx.Done():
			return ErrClosed
		}
	}

	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.ReadyTimeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = readyInitialDelay
	policy.MaxInterval = readyMaxDelay
	policy.MaxElapsedTime = 0

	attempt := func() error {
		select {
		case <-proc.done:
			return backoff.Permanent(errExitedEarly)
		default:
		}
		return s.prober.Probe(ctx)
	}
	err := backoff.Retry(attempt, backoff.WithContext(policy, ctx))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errExitedEarly):
		return &LaunchError{Executable: exe, Reason: "exited", Err: fmt.Errorf("%w (exit code %d)", errExitedEarly, proc.exitCode)}
	case s.baseCtx.Err() != nil:
		return ErrClosed
	default:
		return &LaunchError{Executable: exe, Reason: "not_ready", Err: fmt.Errorf("no healthy answer from %s within %s: %w", s.cfg.HealthURL, s.cfg.ReadyTimeout, err)}
	}
}

func (s *Supervisor) kill(proc *process) {
	if proc == nil || proc.cmd.Process == nil {
		return
	}
	if err := proc.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("kill backend", "pid", proc.pid, "error", err)
	}
}

// terminate sends SIGTERM and escalates to SIGKILL after the grace period or
// when ctx ends first.
func (s *Supervisor) terminate(ctx context.Context, proc *process) {
	if proc == nil {
		return
	}
	select {
	case <-proc.done:
		return
	default:
	}
	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("sigterm backend", "pid", proc.pid, "error", err)
	}

	grace := time.NewTimer(s.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-proc.done:
		return
	case <-grace.C:
		s.logger.Warn("backend ignored sigterm, killing", "pid", proc.pid, "grace", s.cfg.ShutdownGrace)
	case <-ctx.Done():
	}
	s.kill(proc)
	<-proc.done
}

// Restart stops the current backend. The next EnsureRunning launches a new one.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	proc := s.current
	s.mu.Unlock()
	if proc == nil {
		return nil
	}
	s.logger.Info("restarting backend", "pid", proc.pid)
	s.terminate(ctx, proc)
	return nil
}

func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	proc := s.current
	s.mu.Unlock()

	s.cancel()
	if proc != nil {
		s.logger.Info("stopping backend", "pid", proc.pid)
		s.terminate(ctx, proc)
	}
	s.metrics.SetBackendUp(false)
	return nil
}
