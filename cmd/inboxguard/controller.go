package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inboxguard/inboxguard/classifier"
	"github.com/inboxguard/inboxguard/config"
	"github.com/inboxguard/inboxguard/consts"
	"github.com/inboxguard/inboxguard/dispatch"
	"github.com/inboxguard/inboxguard/ledger"
	"github.com/inboxguard/inboxguard/logger"
	igerrors "github.com/inboxguard/inboxguard/pkg/errors"
	"github.com/inboxguard/inboxguard/pkg/health"
	"github.com/inboxguard/inboxguard/pkg/metrics"
	"github.com/inboxguard/inboxguard/pkg/privilege"
	"github.com/inboxguard/inboxguard/service"
)

// Controller sequences one run: configuration, sinks, the inference service,
// the pipeline body and the cleanup that always follows.
type Controller struct {
	errors    *igerrors.ErrorHandler
	Privilege privilege.Checker
	// ProcessManager defaults to the lsof/kill based manager.
	ProcessManager service.ProcessManager
	// Fork runs ForkIsolated bodies; defaults to re-executing this binary.
	Fork     *dispatch.ForkRunner
	NewRunID func() string
}

func NewController(eh *igerrors.ErrorHandler) *Controller {
	return &Controller{
		errors:    eh,
		Privilege: privilege.NewOSChecker(),
		NewRunID:  uuid.NewString,
	}
}

// session is the state the cleanup hook needs.
type session struct {
	rc        config.RunConfig
	cfg       config.Config
	started   time.Time
	sinks     *logger.Sinks
	manager   *service.Manager
	ledger    *ledger.Ledger
	client    *classifier.Client
	monitor   *health.HealthMonitor
	metrics   *metrics.Server
	logFile   *os.File
	cleanOnce sync.Once
}

func (s *session) events() *slog.Logger {
	if s.sinks != nil && s.sinks.Pipeline != nil {
		return s.sinks.Pipeline.Slog()
	}
	return logger.Get()
}

// Run executes the controller sequence and returns the process exit code.
func (c *Controller) Run(ctx context.Context, flags *Flags) int {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(flags.ConfigPath, &cfg); err != nil {
		if os.IsNotExist(err) && !flags.IsSet("config") {
			logger.Warnf("[CONTROLLER] default configuration file '%s' not found, using defaults and flags", flags.ConfigPath)
		} else {
			return c.errors.Fatal(igerrors.NewExitError(igerrors.ExitInvalidOption, "configuration", err))
		}
	}
	flags.Apply(&cfg)
	if dir, err := filepath.Abs(cfg.Logging.GetDir()); err == nil {
		cfg.Logging.Dir = dir
	}

	s := &session{cfg: cfg, started: time.Now()}
	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		return c.errors.Fatal(igerrors.NewExitError(igerrors.ExitLoggingInitFailed, "diagnostic log", err))
	}
	s.logFile = logFile

	runID := c.NewRunID()
	s.rc = config.NewRunConfig(cfg, config.RunOptions{RunID: runID, Reset: flags.Reset, StopOnly: flags.StopServer})
	ctx = context.WithValue(ctx, consts.RunIDKey, runID)

	// Only the audit sink exists before validation: a rejected run must not
	// create anything else.
	sinks, err := logger.InitializeAudit(cfg.AuditLogPath(), c.Privilege.Actor())
	if err != nil {
		code := c.errors.Fatal(igerrors.NewExitError(igerrors.ExitLoggingInitFailed, "audit log", err))
		s.closeLogFile()
		return code
	}
	s.sinks = sinks
	sinks.Audit.Infof("session started (run=%s, mode=%s, limit=%d, pid=%d)", runID, s.rc.Mode, s.rc.Limit, os.Getpid())

	code := c.run(ctx, s)
	return c.cleanup(s, code)
}

func (c *Controller) run(ctx context.Context, s *session) int {
	rc, cfg := s.rc, s.cfg

	if err := rc.Validate(); err != nil {
		code := igerrors.ExitInvalidOption
		var verr *config.ValidationError
		if errors.As(err, &verr) && verr.Missing {
			code = igerrors.ExitMissingParameter
		}
		return c.fail(s, code, "configuration", err)
	}

	if rc.Reset {
		return c.reset(ctx, s)
	}

	if err := s.sinks.OpenPipeline(cfg.PipelineLogPath()); err != nil {
		return c.fail(s, igerrors.ExitLoggingInitFailed, "pipeline log", err)
	}
	events := s.events()

	pm := c.ProcessManager
	if pm == nil {
		pm = service.NewDefaultProcessManager(cfg.Service.GetHost())
	}
	s.manager = service.NewManager(serviceConfig(cfg), pm, events)

	if rc.StopOnly {
		// Stopping is best effort even when it is the only thing asked for.
		if err := s.manager.Stop(ctx); err != nil {
			s.sinks.Audit.Warningf("inference service stop failed: %v", err)
		}
		return igerrors.ExitOK
	}

	if code := c.ensureService(ctx, s); code != igerrors.ExitOK {
		return code
	}

	if cfg.Ledger.Enabled {
		l, err := ledger.Open(ctx, cfg.LedgerPath())
		if err != nil {
			logger.Warnf("[CONTROLLER] run ledger unavailable, continuing without it: %v", err)
			events.Warn(fmt.Sprintf("run ledger unavailable: %v", err))
		} else {
			s.ledger = l
		}
	}

	// One classifier client serves the body and the health monitor, so the
	// breaker the monitor reports is the one the body trips.
	if cfg.Pipeline.Fixture == "" {
		client, err := classifier.NewFromConfig(cfg)
		if err != nil {
			return c.fail(s, igerrors.ExitInvalidOption, "classifier", err)
		}
		s.client = client
	}
	c.startMonitoring(ctx, s)

	if err := config.WriteSnapshot(cfg.SnapshotPath(), rc); err != nil {
		return c.fail(s, igerrors.ExitPipelineFailed, "run snapshot", err)
	}

	fork := c.Fork
	if fork == nil {
		var err error
		if fork, err = dispatch.NewForkRunner(); err != nil {
			return c.fail(s, igerrors.ExitPipelineFailed, "dispatch", err)
		}
	}
	dispatcher := dispatch.NewDefaultDispatcher(events, fork, cfg.StateDir())
	mode, err := dispatcher.Select(rc.ModeName)
	if err != nil {
		return c.fail(s, igerrors.ExitInvalidOption, "execution mode", err)
	}

	body := buildBody(rc, s.manager, s.ledger, s.client)

	wd, _ := os.Getwd()
	env := &dispatch.Env{
		RunID:        rc.RunID,
		WorkDir:      wd,
		Environ:      map[string]string{"INBOXGUARD_LOG_DIR": cfg.Logging.GetDir()},
		Shared:       dispatch.NewShared(),
		Config:       rc,
		SnapshotPath: cfg.SnapshotPath(),
		Events:       events,
	}
	status := dispatcher.Run(ctx, mode, env, body)

	if ctx.Err() != nil || status == dispatch.StatusInterrupted {
		return c.fail(s, igerrors.ExitInterrupted, "pipeline", context.Canceled)
	}
	if status != dispatch.StatusOK {
		return c.fail(s, igerrors.ExitPipelineFailed, "pipeline", fmt.Errorf("pipeline body exited with status %d", status))
	}
	return igerrors.ExitOK
}

// ensureService makes sure the inference service is up when the run needs
// it. Fixture runs and services marked optional only warn.
func (c *Controller) ensureService(ctx context.Context, s *session) int {
	cfg := s.cfg
	required := cfg.Pipeline.Fixture == "" && !cfg.Service.Optional
	events := s.events()

	if cfg.Service.AutoStart {
		pid, err := s.manager.Start(ctx)
		if err == nil {
			s.sinks.Audit.Successf("inference service running (pid=%d, port=%d)", pid, cfg.Service.GetPort())
			return igerrors.ExitOK
		}
		if ctx.Err() != nil {
			return c.fail(s, igerrors.ExitInterrupted, "inference service", ctx.Err())
		}
		if required {
			return c.fail(s, igerrors.ExitServiceStart, "inference service", err)
		}
		events.Warn(fmt.Sprintf("inference service failed to start, continuing without it: %v", err))
		return igerrors.ExitOK
	}

	if s.manager.IsRunning(ctx) {
		return igerrors.ExitOK
	}
	err := fmt.Errorf("inference service is not running on port %d (use --start-server)", cfg.Service.GetPort())
	if required {
		return c.fail(s, igerrors.ExitServiceStart, "inference service", err)
	}
	events.Warn(err.Error())
	return igerrors.ExitOK
}

// startMonitoring serves /metrics and /healthz while the body runs. Failures
// here never fail the run.
func (c *Controller) startMonitoring(ctx context.Context, s *session) {
	cfg := s.cfg
	if !cfg.Metrics.Enabled {
		return
	}

	if s.client != nil {
		interval, err := cfg.Service.GetHealthInterval()
		if err != nil {
			interval = 15 * time.Second
		}
		breaker := health.NewCircuitBreakerHealthAdapter(s.client.Breaker(), "classifier")

		s.monitor = health.NewHealthMonitor()
		s.monitor.SetEventLog(s.events())
		s.monitor.AddStatusCallback(func(name string, status health.ComponentStatus) {
			if status != health.StatusHealthy {
				s.sinks.Audit.Warningf("component %s is %s", name, status)
			}
		})
		s.monitor.RegisterCheck(health.CreateInferenceHealthCheck(interval, s.client.Health))
		s.monitor.RegisterCheck(&health.HealthCheck{
			Name:     "classifier_breaker",
			Interval: interval,
			Timeout:  time.Second,
			Check:    breaker.Check,
		})
		s.monitor.Start(ctx)
	}

	s.metrics = metrics.NewServer(cfg.Metrics.GetAddr(), func() (string, map[string]string) {
		out := map[string]string{}
		if s.monitor == nil {
			return string(health.StatusHealthy), out
		}
		for name, st := range s.monitor.GetAllStatuses() {
			out[name] = string(st)
		}
		return string(s.monitor.GetOverallStatus()), out
	})
	if err := s.metrics.Start(); err != nil {
		logger.Warnf("[CONTROLLER] %v", err)
		s.metrics = nil
	}
}

// fail reports a fatal error once and returns its exit code. The cleanup
// hook still runs afterwards.
func (c *Controller) fail(s *session, code int, op string, err error) int {
	exitErr := igerrors.NewExitError(code, op, err)
	if s.sinks != nil && s.sinks.Audit != nil {
		s.sinks.Audit.Errorf("%v (exit code %d)", exitErr, code)
	}
	return c.errors.Fatal(exitErr)
}

// cleanup is the hook every path ends in. It stops the inference service,
// archives and reports the run, writes the session-end record and closes the
// sinks. Nothing here changes the exit code.
func (c *Controller) cleanup(s *session, code int) int {
	s.cleanOnce.Do(func() {
		// The run context may already be cancelled.
		ctx, cancel := context.WithTimeout(context.WithValue(context.Background(), consts.RunIDKey, s.rc.RunID), 2*time.Minute)
		defer cancel()

		if s.monitor != nil {
			s.monitor.Stop()
		}
		if s.metrics != nil {
			s.metrics.Shutdown()
		}

		if s.manager != nil && !s.rc.StopOnly {
			if err := s.manager.Stop(ctx); err != nil {
				s.sinks.Audit.Warningf("inference service stop failed: %v", err)
			}
		}

		if s.sinks.Pipeline != nil && !s.rc.Reset {
			if err := s.sinks.Pipeline.Flush(); err != nil {
				logger.Warnf("[CONTROLLER] pipeline log flush failed: %v", err)
			}
			c.report(ctx, s, code)
		}

		if s.ledger != nil {
			if err := s.ledger.FinishRun(ctx, s.rc.RunID, s.started, code); err != nil {
				logger.Warnf("[CONTROLLER] failed to record run end in ledger: %v", err)
			}
			s.ledger.Close()
		}

		if code == igerrors.ExitOK {
			s.sinks.Audit.Successf("session ended (exit=%d)", code)
		} else {
			s.sinks.Audit.Infof("session ended (exit=%d)", code)
		}
		s.sinks.Close()
		s.closeLogFile()
	})
	return code
}

func (s *session) closeLogFile() {
	if s.logFile != nil {
		s.logFile.Close()
		s.logFile = nil
	}
}

func serviceConfig(cfg config.Config) service.Config {
	// Durations were checked by RunConfig.Validate.
	interval, _ := cfg.Service.GetStartInterval()
	grace, _ := cfg.Service.GetStopGrace()
	return service.Config{
		Port:          cfg.Service.GetPort(),
		Entrypoint:    cfg.Service.Entrypoint,
		Args:          cfg.Service.Args,
		WorkDir:       cfg.Service.WorkDir,
		LogPath:       cfg.ServiceLogPath(),
		StartRetries:  cfg.Service.GetStartRetries(),
		StartInterval: interval,
		StopGrace:     grace,
	}
}
