// Package service owns the lifecycle of the inference service: liveness,
// idempotent start with a bounded readiness wait, and graceful-then-forced
// stop. Liveness is always re-derived from the well-known port; the Manager
// never caches whether the service was running.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/inboxguard/inboxguard/logger"
	"github.com/inboxguard/inboxguard/pkg/metrics"
	"github.com/inboxguard/inboxguard/pkg/retry"
)

const (
	DefaultStartRetries  = 10
	DefaultStartInterval = time.Second
	DefaultStopGrace     = 5 * time.Second

	stopPollStep = 100 * time.Millisecond
)

type Config struct {
	Port          int
	Entrypoint    string
	Args          []string
	WorkDir       string
	LogPath       string
	StartRetries  int
	StartInterval time.Duration
	StopGrace     time.Duration
}

func (c Config) withDefaults() Config {
	if c.StartRetries <= 0 {
		c.StartRetries = DefaultStartRetries
	}
	if c.StartInterval <= 0 {
		c.StartInterval = DefaultStartInterval
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	return c
}

// StateKind is the coarse lifecycle state.
type StateKind int

const (
	StateUnknown StateKind = iota
	StateRunning
	StateStopped
)

// State is one observation of the service. PID is set for StateRunning and
// may be 0 when the listener could not be identified.
type State struct {
	Kind StateKind
	PID  int
}

func (s State) String() string {
	switch s.Kind {
	case StateRunning:
		return fmt.Sprintf("Running(%d)", s.PID)
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// StartErrorKind distinguishes why a start failed.
type StartErrorKind int

const (
	MissingEntrypoint StartErrorKind = iota
	LaunchFailed
	Timeout
)

func (k StartErrorKind) String() string {
	switch k {
	case MissingEntrypoint:
		return "missing entrypoint"
	case LaunchFailed:
		return "launch failed"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

var (
	ErrMissingEntrypoint = errors.New("service entrypoint not found")
	ErrStartTimeout      = errors.New("service did not bind its port in time")
)

type StartError struct {
	Kind       StartErrorKind
	Entrypoint string
	Port       int
	Err        error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("service start failed (%s, entrypoint %q, port %d): %v", e.Kind, e.Entrypoint, e.Port, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// Is lets callers match the kind with errors.Is(err, ErrMissingEntrypoint).
func (e *StartError) Is(target error) bool {
	switch target {
	case ErrMissingEntrypoint:
		return e.Kind == MissingEntrypoint
	case ErrStartTimeout:
		return e.Kind == Timeout
	}
	return false
}

type StopError struct {
	Port int
	PIDs []int
	Err  error
}

func (e *StopError) Error() string {
	return fmt.Sprintf("service stop failed (port %d, pids %v): %v", e.Port, e.PIDs, e.Err)
}

func (e *StopError) Unwrap() error {
	return e.Err
}

type Manager struct {
	cfg    Config
	pm     ProcessManager
	events *slog.Logger
}

// NewManager creates a Manager. events receives lifecycle records (usually
// the pipeline sink); the diagnostic log is used when it is nil.
func NewManager(cfg Config, pm ProcessManager, events *slog.Logger) *Manager {
	if events == nil {
		events = logger.Get()
	}
	return &Manager{cfg: cfg.withDefaults(), pm: pm, events: events}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// IsRunning reports whether a process is bound to the service port. It has no
// side effects; a failed check counts as not running.
func (m *Manager) IsRunning(ctx context.Context) bool {
	pids, err := m.pm.ListenerPIDs(ctx, m.cfg.Port)
	if err != nil {
		logger.Debugf("[SERVICE] liveness check on port %d failed: %v", m.cfg.Port, err)
		return false
	}
	return len(pids) > 0
}

// State returns the current observation, Unknown when the check failed.
func (m *Manager) State(ctx context.Context) State {
	pids, err := m.pm.ListenerPIDs(ctx, m.cfg.Port)
	if err != nil {
		return State{Kind: StateUnknown}
	}
	if len(pids) == 0 {
		return State{Kind: StateStopped}
	}
	return State{Kind: StateRunning, PID: pids[0]}
}

func (m *Manager) checkEntrypoint() error {
	if m.cfg.Entrypoint == "" {
		return fmt.Errorf("%w: no entrypoint configured", ErrMissingEntrypoint)
	}
	if m.cfg.WorkDir != "" {
		if info, err := os.Stat(m.cfg.WorkDir); err != nil || !info.IsDir() {
			return fmt.Errorf("%w: working directory %s is not accessible", ErrMissingEntrypoint, m.cfg.WorkDir)
		}
	}
	if _, err := exec.LookPath(m.cfg.Entrypoint); err != nil {
		return fmt.Errorf("%w: %v", ErrMissingEntrypoint, err)
	}
	return nil
}

// Start ensures the service is running and returns the PID bound to the port.
// A missing entrypoint fails before anything is launched or waited on.
func (m *Manager) Start(ctx context.Context) (int, error) {
	if pids, err := m.pm.ListenerPIDs(ctx, m.cfg.Port); err == nil && len(pids) > 0 {
		m.events.Info(fmt.Sprintf("inference service already running (pid=%d, port=%d)", pids[0], m.cfg.Port))
		metrics.ServiceTransitions.WithLabelValues("start", "noop").Inc()
		return pids[0], nil
	}

	if err := m.checkEntrypoint(); err != nil {
		m.events.Error(fmt.Sprintf("cannot start inference service: %v", err))
		metrics.ServiceTransitions.WithLabelValues("start", "missing_entrypoint").Inc()
		return 0, &StartError{Kind: MissingEntrypoint, Entrypoint: m.cfg.Entrypoint, Port: m.cfg.Port, Err: err}
	}

	started := time.Now()
	launched, err := m.pm.Start(ctx, LaunchSpec{
		Entrypoint: m.cfg.Entrypoint,
		Args:       m.cfg.Args,
		WorkDir:    m.cfg.WorkDir,
		LogPath:    m.cfg.LogPath,
	})
	if err != nil {
		m.events.Error(fmt.Sprintf("failed to launch inference service: %v", err))
		metrics.ServiceTransitions.WithLabelValues("start", "launch_failed").Inc()
		return 0, &StartError{Kind: LaunchFailed, Entrypoint: m.cfg.Entrypoint, Port: m.cfg.Port, Err: err}
	}
	logger.Infof("[SERVICE] launched %s (pid=%d), waiting for port %d", m.cfg.Entrypoint, launched, m.cfg.Port)

	var bound int
	exited := false
	pollErr := retry.Poll(ctx, retry.FixedInterval(m.cfg.StartInterval, m.cfg.StartRetries), func(attempt int) bool {
		pids, err := m.pm.ListenerPIDs(ctx, m.cfg.Port)
		if err == nil && len(pids) > 0 {
			bound = pids[0]
			return true
		}
		logger.Debugf("[SERVICE] readiness check %d/%d: port %d not bound", attempt, m.cfg.StartRetries, m.cfg.Port)
		if !m.pm.Alive(launched) {
			exited = true
			return true
		}
		return false
	})

	switch {
	case pollErr != nil && ctx.Err() != nil:
		metrics.ServiceTransitions.WithLabelValues("start", "cancelled").Inc()
		return 0, fmt.Errorf("waiting for inference service: %w", ctx.Err())
	case exited:
		m.events.Error(fmt.Sprintf("inference service (pid=%d) exited before binding port %d", launched, m.cfg.Port))
		metrics.ServiceTransitions.WithLabelValues("start", "launch_failed").Inc()
		return 0, &StartError{Kind: LaunchFailed, Entrypoint: m.cfg.Entrypoint, Port: m.cfg.Port,
			Err: fmt.Errorf("process %d exited before binding the port", launched)}
	case pollErr != nil:
		m.events.Error(fmt.Sprintf("inference service did not bind port %d after %d checks", m.cfg.Port, m.cfg.StartRetries))
		metrics.ServiceTransitions.WithLabelValues("start", "timeout").Inc()
		return 0, &StartError{Kind: Timeout, Entrypoint: m.cfg.Entrypoint, Port: m.cfg.Port,
			Err: fmt.Errorf("%w: %v", ErrStartTimeout, pollErr)}
	}

	metrics.ServiceStartDuration.Observe(time.Since(started).Seconds())
	metrics.ServiceTransitions.WithLabelValues("start", "success").Inc()
	m.events.Log(ctx, logger.SlogLevelSuccess, fmt.Sprintf("inference service started (pid=%d, port=%d)", bound, m.cfg.Port))
	return bound, nil
}

// Stop sends SIGTERM to every process bound to the port, waits up to the
// grace period, then SIGKILLs the survivors. Stopping a stopped service
// succeeds without doing anything.
func (m *Manager) Stop(ctx context.Context) error {
	pids, err := m.pm.ListenerPIDs(ctx, m.cfg.Port)
	if err != nil {
		metrics.ServiceTransitions.WithLabelValues("stop", "failure").Inc()
		return &StopError{Port: m.cfg.Port, Err: fmt.Errorf("liveness check failed: %w", err)}
	}
	if len(pids) == 0 {
		m.events.Info(fmt.Sprintf("inference service not running on port %d, nothing to stop", m.cfg.Port))
		metrics.ServiceTransitions.WithLabelValues("stop", "noop").Inc()
		return nil
	}

	var errs []error
	var signalled []int
	for _, pid := range pids {
		if pid <= 0 {
			errs = append(errs, fmt.Errorf("a process is bound to port %d but its pid is unknown", m.cfg.Port))
			continue
		}
		if err := m.pm.Signal(pid, syscall.SIGTERM); err != nil {
			errs = append(errs, fmt.Errorf("SIGTERM pid %d: %w", pid, err))
			continue
		}
		signalled = append(signalled, pid)
	}
	if len(signalled) > 0 {
		m.events.Info(fmt.Sprintf("sent SIGTERM to inference service (pids=%v)", signalled))
	}

	survivors := m.awaitExit(ctx, signalled)
	for _, pid := range survivors {
		if err := m.pm.Signal(pid, syscall.SIGKILL); err != nil {
			errs = append(errs, fmt.Errorf("SIGKILL pid %d: %w", pid, err))
			continue
		}
		m.events.Warn(fmt.Sprintf("inference service pid %d ignored SIGTERM for %v, sent SIGKILL", pid, m.cfg.StopGrace))
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		m.events.Error(fmt.Sprintf("failed to stop inference service: %v", err))
		metrics.ServiceTransitions.WithLabelValues("stop", "failure").Inc()
		return &StopError{Port: m.cfg.Port, PIDs: pids, Err: err}
	}

	result := "graceful"
	if len(survivors) > 0 {
		result = "forced"
	}
	metrics.ServiceTransitions.WithLabelValues("stop", result).Inc()
	m.events.Log(ctx, logger.SlogLevelSuccess, fmt.Sprintf("inference service stopped (port=%d, %s)", m.cfg.Port, result))
	return nil
}

// awaitExit polls until every pid has exited or the grace period elapsed and
// returns the ones still alive.
func (m *Manager) awaitExit(ctx context.Context, pids []int) []int {
	if len(pids) == 0 {
		return nil
	}
	step := stopPollStep
	if m.cfg.StopGrace < step {
		step = m.cfg.StopGrace
	}
	checks := int((m.cfg.StopGrace + step - 1) / step)

	alive := func() []int {
		var out []int
		for _, pid := range pids {
			if m.pm.Alive(pid) {
				out = append(out, pid)
			}
		}
		return out
	}
	// A cancelled context ends the grace period early; survivors are still killed
	_ = retry.Poll(ctx, retry.FixedInterval(step, checks), func(int) bool {
		return len(alive()) == 0
	})
	return alive()
}
