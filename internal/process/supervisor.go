package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// State is the supervisor's view of the child process.
type State string

const (
	StateStopped  State = "stopped"
	StateRunning  State = "running"
	StateBackoff  State = "backoff"
	StateFailed   State = "failed"
	StateStopping State = "stopping"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultRestartDelay    = time.Second
	DefaultMaxRestartDelay = time.Minute
	DefaultStableAfter     = 2 * time.Minute
	DefaultStopTimeout     = 10 * time.Second
	DefaultCheckInterval   = 30 * time.Second
	DefaultCheckFailures   = 3
)

// ErrAlreadyStarted is returned by Start on a supervisor that is running.
var ErrAlreadyStarted = errors.New("process: already started")

// Config describes the supervised command.
type Config struct {
	// Name is used in log lines.
	Name string

	Command string
	Args    []string

	// Env is appended to the parent environment.
	Env []string
	Dir string

	// RestartDelay is the first backoff step; each consecutive crash
	// doubles it up to MaxRestartDelay.
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration

	// StableAfter is how long a run must last for the backoff to reset.
	StableAfter time.Duration

	// MaxRestarts gives up after this many consecutive crashes. 0 never gives up.
	MaxRestarts int

	// StopTimeout is the grace period between SIGTERM and SIGKILL.
	StopTimeout time.Duration

	// HealthCheck reports whether the running child is healthy. After
	// CheckFailures consecutive errors the child is killed and restarted.
	HealthCheck   func(ctx context.Context) error
	CheckInterval time.Duration
	CheckFailures int

	// OnExit is called after every exit, with nil for a requested stop.
	OnExit func(err error)
}

// Logger is the logging interface used by the supervisor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Stats is a point-in-time view of the supervisor.
type Stats struct {
	Name      string        `json:"name"`
	State     State         `json:"state"`
	PID       int           `json:"pid,omitempty"`
	Uptime    time.Duration `json:"uptime,omitempty"`
	Restarts  int           `json:"restarts"`
	LastError string        `json:"last_error,omitempty"`
}

// Supervisor runs one command and keeps it running.
type Supervisor struct {
	cfg    Config
	logger Logger

	mu       sync.Mutex
	state    State
	cmd      *exec.Cmd
	started  time.Time
	restarts int
	crashes  int
	lastErr  error
	stopping bool
	cancel   context.CancelFunc
	done     chan struct{}
	wakeStop chan struct{}
	stopOnce sync.Once
}

// New validates cfg and returns a stopped supervisor.
func New(cfg Config, logger Logger) (*Supervisor, error) {
	if cfg.Command == "" {
		return nil, errors.New("process: command is required")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Command
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = DefaultRestartDelay
	}
	if cfg.MaxRestartDelay < cfg.RestartDelay {
		cfg.MaxRestartDelay = max(DefaultMaxRestartDelay, cfg.RestartDelay)
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = DefaultStableAfter
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.CheckFailures <= 0 {
		cfg.CheckFailures = DefaultCheckFailures
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Supervisor{cfg: cfg, logger: logger, state: StateStopped}, nil
}

// Start launches the command. An error is returned only when the first
// launch fails; later crashes are handled by the restart loop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.wakeStop = make(chan struct{})
	s.mu.Unlock()

	cmd, err := s.launch()
	if err != nil {
		cancel()
		s.mu.Lock()
		s.state = StateFailed
		s.lastErr = err
		close(s.done)
		s.mu.Unlock()
		return err
	}

	go s.run(runCtx, cmd)
	return nil
}

func (s *Supervisor) launch() (*exec.Cmd, error) {
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...) //nolint:gosec // command comes from operator config
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if s.cfg.Env != nil {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}
	cmd.Dir = s.cfg.Dir
	cmd.Stdout = &lineWriter{s: s, stream: "stdout"}
	cmd.Stderr = &lineWriter{s: s, stream: "stderr"}
	// Grandchildren holding the output pipes must not block Wait forever.
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", s.cfg.Name, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.state = StateRunning
	s.started = time.Now()
	s.mu.Unlock()

	s.logger.Info("native host started", "name", s.cfg.Name, "pid", cmd.Process.Pid)
	return cmd, nil
}

// lineWriter logs child output one line at a time. exec copies each
// stream from a single goroutine, so it needs no locking.
type lineWriter struct {
	s      *Supervisor
	stream string
	buf    []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.s.logger.Debug("native host output", "name", w.s.cfg.Name, "stream", w.stream, "line", string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// run waits for each child, decides whether to restart it and sleeps
// through the backoff.
func (s *Supervisor) run(ctx context.Context, cmd *exec.Cmd) {
	defer close(s.done)

	for {
		err := s.wait(ctx, cmd)

		s.mu.Lock()
		uptime := time.Since(s.started)
		stopping := s.stopping
		s.cmd = nil
		s.mu.Unlock()

		if stopping {
			s.setState(StateStopped, nil)
			s.logger.Info("native host stopped", "name", s.cfg.Name)
			s.exited(nil)
			return
		}
		if err == nil {
			err = errors.New("exited with status 0")
		}
		s.logger.Warn("native host exited", "name", s.cfg.Name, "error", err, "uptime", uptime)
		s.exited(err)

		delay, giveUp := s.nextDelay(uptime)
		if giveUp {
			s.setState(StateFailed, err)
			s.logger.Error("native host keeps crashing, giving up", "name", s.cfg.Name, "restarts", s.Stats().Restarts)
			return
		}
		s.setState(StateBackoff, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(StateStopped, err)
			return
		case <-s.wakeStop:
			timer.Stop()
			s.setState(StateStopped, err)
			return
		case <-timer.C:
		}

		next, launchErr := s.launch()
		s.mu.Lock()
		s.restarts++
		s.mu.Unlock()
		if launchErr != nil {
			s.logger.Error("restarting native host failed", "name", s.cfg.Name, "error", launchErr)
			s.setState(StateFailed, launchErr)
			return
		}
		cmd = next
	}
}

// wait returns when the child exits. With a health check configured it
// also kills the child after CheckFailures consecutive check errors.
func (s *Supervisor) wait(ctx context.Context, cmd *exec.Cmd) error {
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	var check <-chan time.Time
	if s.cfg.HealthCheck != nil {
		ticker := time.NewTicker(s.cfg.CheckInterval)
		defer ticker.Stop()
		check = ticker.C
	}

	failures := 0
	for {
		select {
		case err := <-exited:
			return err

		case <-ctx.Done():
			s.mu.Lock()
			s.stopping = true
			s.mu.Unlock()
			s.terminate(cmd, exited)
			return ctx.Err()

		case <-check:
			checkCtx, cancel := context.WithTimeout(ctx, s.cfg.CheckInterval)
			err := s.cfg.HealthCheck(checkCtx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			s.logger.Warn("native host health check failed", "name", s.cfg.Name, "error", err, "consecutive", failures)
			if failures >= s.cfg.CheckFailures {
				s.logger.Error("native host unresponsive, killing it", "name", s.cfg.Name)
				signalGroup(cmd, syscall.SIGKILL)
				<-exited
				return fmt.Errorf("killed after %d failed health checks: %w", failures, err)
			}
		}
	}
}

// terminate sends SIGTERM to the child's process group and SIGKILL after
// StopTimeout. It consumes the exit from exited.
func (s *Supervisor) terminate(cmd *exec.Cmd, exited <-chan error) {
	signalGroup(cmd, syscall.SIGTERM)
	select {
	case <-exited:
		return
	case <-time.After(s.cfg.StopTimeout):
	}
	s.logger.Warn("native host ignored SIGTERM, killing it", "name", s.cfg.Name, "timeout", s.cfg.StopTimeout)
	signalGroup(cmd, syscall.SIGKILL)
	<-exited
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	// Negative pid addresses the group created by Setpgid.
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		//nolint:errcheck // fall back to the direct child
		cmd.Process.Signal(sig)
	}
}

// nextDelay returns the backoff before the next launch. A run that lasted
// StableAfter resets the crash count.
func (s *Supervisor) nextDelay(uptime time.Duration) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if uptime >= s.cfg.StableAfter {
		s.crashes = 0
	}
	s.crashes++
	if s.cfg.MaxRestarts > 0 && s.crashes > s.cfg.MaxRestarts {
		return 0, true
	}
	return backoff(s.cfg.RestartDelay, s.cfg.MaxRestartDelay, s.crashes), false
}

// backoff doubles base for every crash after the first, capped at limit.
func backoff(base, limit time.Duration, crashes int) time.Duration {
	d := base
	for i := 1; i < crashes; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return min(d, limit)
}

func (s *Supervisor) setState(state State, err error) {
	s.mu.Lock()
	s.state = state
	if err != nil {
		s.lastErr = err
	}
	s.mu.Unlock()
}

func (s *Supervisor) exited(err error) {
	if s.cfg.OnExit != nil {
		s.cfg.OnExit(err)
	}
}

// Stop terminates the child and the restart loop and waits for both.
// It is safe to call more than once and before Start.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	done := s.done
	if done == nil {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	if s.state == StateRunning {
		s.state = StateStopping
	}
	s.mu.Unlock()

	s.stopOnce.Do(func() {
		close(s.wakeStop)
		s.cancel()
	})
	<-done
	return nil
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a snapshot for diagnostics.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Name: s.cfg.Name, State: s.state, Restarts: s.restarts}
	if s.cmd != nil && s.cmd.Process != nil {
		st.PID = s.cmd.Process.Pid
		st.Uptime = time.Since(s.started)
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}
