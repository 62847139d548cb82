// Package dispatch runs the pipeline body under one of three isolation
// strategies and normalizes every outcome to an integer exit status.
//
//   - ForkIsolated: the body runs in a child process (the inboxguard binary
//     re-executed with the hidden pipeline-body command). Nothing in memory is
//     shared; the child re-derives its state from the run snapshot.
//   - ThreadShared: the body runs in a goroutine sharing the caller's Env,
//     including its Shared counters.
//   - SubshellIsolated: the body runs in a goroutine with a private working
//     directory, a cloned environment and fresh counters. Errors and panics
//     are contained and reported as a status.
//
// The Dispatcher wraps every Runner with the same entry/exit logging.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/inboxguard/inboxguard/config"
	"github.com/inboxguard/inboxguard/logger"
	"github.com/inboxguard/inboxguard/pkg/metrics"
)

type Mode = config.ExecutionMode

const (
	ForkIsolated     = config.ModeForkIsolated
	ThreadShared     = config.ModeThreadShared
	SubshellIsolated = config.ModeSubshellIsolated

	// DefaultMode applies when no mode is configured.
	DefaultMode = SubshellIsolated
)

// Exit statuses produced by the runners themselves.
const (
	StatusOK          = 0
	StatusFailed      = 1
	StatusInterrupted = 130
)

// StatusError lets a body choose its exit status.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("exit status %d: %v", e.Code, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// StatusOf maps a body error to an exit status.
func StatusOf(err error) int {
	if err == nil {
		return StatusOK
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	if errors.Is(err, context.Canceled) {
		return StatusInterrupted
	}
	return StatusFailed
}

// Shared is the state a ThreadShared body shares with its caller.
type Shared struct {
	mu       sync.Mutex
	counters map[string]int
}

func NewShared() *Shared {
	return &Shared{counters: make(map[string]int)}
}

func (s *Shared) Add(name string, delta int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name] += delta
	return s.counters[name]
}

func (s *Shared) Get(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name]
}

func (s *Shared) Snapshot() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.counters)
}

// Env is what a body sees of its surroundings.
type Env struct {
	RunID        string
	WorkDir      string
	Environ      map[string]string
	Shared       *Shared
	Config       config.RunConfig
	SnapshotPath string
	// Events receives pipeline records. Sinks are safe for concurrent use,
	// so every in-process mode may share it.
	Events *slog.Logger
}

func (e *Env) Getenv(key string) string {
	return e.Environ[key]
}

// Environment is the process environment with Environ laid over it, in the
// form exec.Cmd.Env takes.
func (e *Env) Environment() []string {
	out := os.Environ()
	for _, k := range slices.Sorted(maps.Keys(e.Environ)) {
		out = append(out, k+"="+e.Environ[k])
	}
	return out
}

// clone copies everything a body could mutate.
func (e *Env) clone() *Env {
	c := *e
	c.Environ = maps.Clone(e.Environ)
	if c.Environ == nil {
		c.Environ = make(map[string]string)
	}
	c.Shared = NewShared()
	return &c
}

// Body is the classify+act pipeline.
type Body func(ctx context.Context, env *Env) error

// Runner is one isolation strategy.
type Runner interface {
	Run(ctx context.Context, env *Env, body Body) int
}

type Dispatcher struct {
	runners map[Mode]Runner
	events  *slog.Logger
}

// NewDispatcher creates a Dispatcher. events is the pipeline sink; the
// diagnostic log is used when it is nil.
func NewDispatcher(events *slog.Logger, runners map[Mode]Runner) *Dispatcher {
	if events == nil {
		events = logger.Get()
	}
	return &Dispatcher{runners: runners, events: events}
}

// NewDefaultDispatcher wires the three standard runners. scratchDir is the
// parent of the per-run SubshellIsolated working directories.
func NewDefaultDispatcher(events *slog.Logger, fork *ForkRunner, scratchDir string) *Dispatcher {
	return NewDispatcher(events, map[Mode]Runner{
		ForkIsolated:     fork,
		ThreadShared:     ThreadRunner{},
		SubshellIsolated: SubshellRunner{BaseDir: scratchDir},
	})
}

// Select parses a configured mode name. An empty name selects DefaultMode
// and records a warning.
func (d *Dispatcher) Select(name string) (Mode, error) {
	mode, defaulted, err := config.ParseMode(name)
	if err != nil {
		return mode, err
	}
	if defaulted {
		d.events.Warn(fmt.Sprintf("no execution mode given, defaulting to %s", DefaultMode))
	}
	return mode, nil
}

// Run executes body under mode and returns its exit status.
func (d *Dispatcher) Run(ctx context.Context, mode Mode, env *Env, body Body) int {
	runner, ok := d.runners[mode]
	if !ok || runner == nil {
		d.events.Error(fmt.Sprintf("no runner for execution mode %s, exit status %d", mode, StatusFailed))
		metrics.PipelineRuns.WithLabelValues(mode.String(), fmt.Sprint(StatusFailed)).Inc()
		return StatusFailed
	}

	d.events.Info(fmt.Sprintf("entering pipeline body (mode=%s, run=%s)", mode, env.RunID))
	started := time.Now()

	status := runner.Run(ctx, env, body)

	elapsed := time.Since(started)
	metrics.PipelineRunDuration.WithLabelValues(mode.String()).Observe(elapsed.Seconds())
	metrics.PipelineRuns.WithLabelValues(mode.String(), fmt.Sprint(status)).Inc()
	if env.Shared != nil {
		if counters := env.Shared.Snapshot(); len(counters) > 0 {
			logger.Debugf("[DISPATCH] counters visible to the controller: %v", counters)
		}
	}

	if status != StatusOK {
		d.events.Error(fmt.Sprintf("pipeline body exited with status %d (mode=%s, elapsed=%s)", status, mode, elapsed.Round(time.Millisecond)))
		return status
	}
	d.events.Log(ctx, logger.SlogLevelSuccess, fmt.Sprintf("pipeline body exited with status 0 (mode=%s, elapsed=%s)", mode, elapsed.Round(time.Millisecond)))
	return status
}

// runContained runs body on its own goroutine, turning panics into
// StatusFailed, and waits for it.
func runContained(ctx context.Context, env *Env, body Body) int {
	done := make(chan int, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[DISPATCH] pipeline body panicked: %v", r)
				if env.Events != nil {
					env.Events.Error(fmt.Sprintf("pipeline body panicked: %v", r))
				}
				done <- StatusFailed
			}
		}()
		err := body(ctx, env)
		if err != nil {
			logger.Warnf("[DISPATCH] pipeline body returned: %v", err)
			if env.Events != nil {
				env.Events.Error(fmt.Sprintf("pipeline body failed: %v", err))
			}
		}
		done <- StatusOf(err)
	}()
	return <-done
}
