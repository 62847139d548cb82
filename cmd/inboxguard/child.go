package main

import (
	"context"
	"fmt"
	"os"

	"github.com/inboxguard/inboxguard/config"
	"github.com/inboxguard/inboxguard/dispatch"
	"github.com/inboxguard/inboxguard/ledger"
	"github.com/inboxguard/inboxguard/logger"
	"github.com/inboxguard/inboxguard/pkg/privilege"
	"github.com/inboxguard/inboxguard/service"
)

// runChild is the ForkIsolated side of a run. It shares nothing with the
// controller except the snapshot artifact, the log directory and the exit
// status.
func runChild(ctx context.Context, opts childOptions) int {
	if opts.SnapshotPath == "" {
		fmt.Fprintln(os.Stderr, "inboxguard: pipeline-body needs --snapshot")
		return dispatch.StatusFailed
	}
	rc, err := config.ReadSnapshot(opts.SnapshotPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inboxguard: %v\n", err)
		return dispatch.StatusFailed
	}
	if opts.RunID != "" && opts.RunID != rc.RunID {
		fmt.Fprintf(os.Stderr, "inboxguard: snapshot belongs to run %s, not %s\n", rc.RunID, opts.RunID)
		return dispatch.StatusFailed
	}
	cfg := rc.Settings

	logFile, err := logger.Initialize(cfg.Logging)
	if err == nil && logFile != nil {
		defer logFile.Close()
	}

	sinks, err := logger.InitializeSinks(cfg.AuditLogPath(), cfg.PipelineLogPath(), privilege.NewOSChecker().Actor())
	if err != nil {
		fmt.Fprintf(os.Stderr, "inboxguard: %v\n", err)
		return dispatch.StatusFailed
	}
	defer sinks.Close()
	events := sinks.Pipeline.Slog()

	var l *ledger.Ledger
	if cfg.Ledger.Enabled {
		if l, err = ledger.Open(ctx, cfg.LedgerPath()); err != nil {
			events.Warn(fmt.Sprintf("run ledger unavailable: %v", err))
		} else {
			defer l.Close()
		}
	}

	manager := service.NewManager(serviceConfig(cfg), service.NewDefaultProcessManager(cfg.Service.GetHost()), events)
	body := buildBody(rc, manager, l, nil)

	wd, _ := os.Getwd()
	env := &dispatch.Env{
		RunID:        rc.RunID,
		WorkDir:      wd,
		Shared:       dispatch.NewShared(),
		Config:       rc,
		SnapshotPath: opts.SnapshotPath,
		Events:       events,
	}
	return dispatch.StatusOf(body(ctx, env))
}
