package process

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// recordingLogger keeps every message for assertions.
type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) log(level, msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprint(level, " ", msg, " ", args))
}

func (l *recordingLogger) Debug(msg string, args ...any) { l.log("DEBUG", msg, args...) }
func (l *recordingLogger) Info(msg string, args ...any)  { l.log("INFO", msg, args...) }
func (l *recordingLogger) Warn(msg string, args ...any)  { l.log("WARN", msg, args...) }
func (l *recordingLogger) Error(msg string, args ...any) { l.log("ERROR", msg, args...) }

func (l *recordingLogger) contains(s string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, s) {
			return true
		}
	}
	return false
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func shell(t *testing.T, script string, mutate func(*Config)) *Supervisor {
	t.Helper()
	cfg := Config{
		Name:         "test-host",
		Command:      "/bin/sh",
		Args:         []string{"-c", script},
		RestartDelay: 10 * time.Millisecond,
		StopTimeout:  200 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg, &recordingLogger{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestNew_Defaults(t *testing.T) {
	s, err := New(Config{Command: "/usr/local/bin/accessory-host"}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if s.cfg.Name != "/usr/local/bin/accessory-host" {
		t.Errorf("Name = %q, want the command", s.cfg.Name)
	}
	if s.cfg.RestartDelay != DefaultRestartDelay {
		t.Errorf("RestartDelay = %v, want %v", s.cfg.RestartDelay, DefaultRestartDelay)
	}
	if s.cfg.MaxRestartDelay != DefaultMaxRestartDelay {
		t.Errorf("MaxRestartDelay = %v, want %v", s.cfg.MaxRestartDelay, DefaultMaxRestartDelay)
	}
	if s.cfg.StopTimeout != DefaultStopTimeout {
		t.Errorf("StopTimeout = %v, want %v", s.cfg.StopTimeout, DefaultStopTimeout)
	}
	if s.cfg.CheckFailures != DefaultCheckFailures {
		t.Errorf("CheckFailures = %d, want %d", s.cfg.CheckFailures, DefaultCheckFailures)
	}
	if s.State() != StateStopped {
		t.Errorf("State() = %q, want %q", s.State(), StateStopped)
	}
}

func TestNew_RequiresCommand(t *testing.T) {
	if _, err := New(Config{Name: "empty"}, nil); err == nil {
		t.Error("New() without command should fail")
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		crashes int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, time.Minute},
		{50, time.Minute},
	}
	for _, tt := range tests {
		if got := backoff(time.Second, time.Minute, tt.crashes); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.crashes, got, tt.want)
		}
	}
}

func TestNextDelay_StableRunResets(t *testing.T) {
	s, err := New(Config{Command: "x", RestartDelay: time.Second, StableAfter: time.Minute}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for i, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		if got, _ := s.nextDelay(time.Second); got != want {
			t.Errorf("crash %d: nextDelay() = %v, want %v", i+1, got, want)
		}
	}
	if got, _ := s.nextDelay(2 * time.Minute); got != time.Second {
		t.Errorf("after stable run nextDelay() = %v, want %v", got, time.Second)
	}
}

func TestSupervisor_StartAndStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var mu sync.Mutex
	var exits []error
	s := shell(t, "exec sleep 30", func(c *Config) {
		c.OnExit = func(err error) {
			mu.Lock()
			exits = append(exits, err)
			mu.Unlock()
		}
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want %v", err, ErrAlreadyStarted)
	}

	stats := s.Stats()
	if stats.State != StateRunning || stats.PID == 0 {
		t.Fatalf("Stats() = %+v, want running with a pid", stats)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if s.State() != StateStopped {
		t.Errorf("State() = %q, want %q", s.State(), StateStopped)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(exits) != 1 || exits[0] != nil {
		t.Errorf("OnExit calls = %v, want one nil", exits)
	}
}

func TestSupervisor_StopKillsStubbornProcess(t *testing.T) {
	s := shell(t, "trap '' TERM; sleep 30", nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	// Give the shell time to install the trap.
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	s.Stop() //nolint:errcheck // always nil
	if s.State() != StateStopped {
		t.Errorf("State() = %q, want %q", s.State(), StateStopped)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Stop() took %v", elapsed)
	}
}

func TestSupervisor_RestartsUntilLimit(t *testing.T) {
	s := shell(t, "exit 3", func(c *Config) { c.MaxRestarts = 2 })
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	eventually(t, "give up", func() bool { return s.State() == StateFailed })
	stats := s.Stats()
	if stats.Restarts != 2 {
		t.Errorf("Restarts = %d, want 2", stats.Restarts)
	}
	if !strings.Contains(stats.LastError, "exit status 3") {
		t.Errorf("LastError = %q, want exit status 3", stats.LastError)
	}
}

func TestSupervisor_HealthCheckKillsUnresponsiveHost(t *testing.T) {
	var checks sync.WaitGroup
	checks.Add(1)
	var once sync.Once
	s := shell(t, "exec sleep 30", func(c *Config) {
		c.CheckInterval = 10 * time.Millisecond
		c.CheckFailures = 2
		c.RestartDelay = time.Hour
		c.HealthCheck = func(context.Context) error {
			once.Do(checks.Done)
			return errors.New("host offline")
		}
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	checks.Wait()
	eventually(t, "health check kill", func() bool { return s.State() == StateBackoff })
	if got := s.Stats().LastError; !strings.Contains(got, "failed health checks") {
		t.Errorf("LastError = %q, want health check failure", got)
	}
}

func TestSupervisor_LogsOutput(t *testing.T) {
	logger := &recordingLogger{}
	s, err := New(Config{
		Command:      "/bin/sh",
		Args:         []string{"-c", "echo host ready; echo oops >&2; exec sleep 30"},
		RestartDelay: time.Hour,
		StopTimeout:  200 * time.Millisecond,
	}, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop() //nolint:errcheck // always nil

	eventually(t, "stdout line", func() bool { return logger.contains("host ready") })
	eventually(t, "stderr line", func() bool { return logger.contains("oops") })
}

func TestSupervisor_StartFailure(t *testing.T) {
	s, err := New(Config{Command: "/nonexistent/accessory-host"}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start() should fail for a missing binary")
	}
	if s.State() != StateFailed {
		t.Errorf("State() = %q, want %q", s.State(), StateFailed)
	}
	s.Stop() //nolint:errcheck // always nil
}

func TestSupervisor_ContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := shell(t, "exec sleep 30", nil)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()
	eventually(t, "stop on cancel", func() bool { return s.State() == StateStopped })
}
