package main

import (
	"context"
	"errors"
	"os"

	"github.com/inboxguard/inboxguard/ledger"
	"github.com/inboxguard/inboxguard/logger"
	igerrors "github.com/inboxguard/inboxguard/pkg/errors"
	"github.com/inboxguard/inboxguard/pkg/privilege"
)

// reset clears persisted run state: the snapshot artifact, run artifacts,
// the pipeline log contents and the ledger history. The audit log is kept.
// Nothing is touched unless the invoker is privileged.
func (c *Controller) reset(ctx context.Context, s *session) int {
	if err := privilege.Require(c.Privilege, "reset"); err != nil {
		return c.fail(s, igerrors.ExitPermissionDenied, "reset", err)
	}
	cfg := s.cfg
	audit := s.sinks.Audit

	var errs []error
	if err := os.Remove(cfg.SnapshotPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	if err := os.RemoveAll(cfg.ArtifactsDir()); err != nil {
		errs = append(errs, err)
	}

	if err := s.sinks.OpenPipeline(cfg.PipelineLogPath()); err != nil {
		errs = append(errs, err)
	} else if err := s.sinks.Pipeline.Truncate(); err != nil {
		errs = append(errs, err)
	}

	if _, err := os.Stat(cfg.LedgerPath()); err == nil {
		l, err := ledger.Open(ctx, cfg.LedgerPath())
		if err != nil {
			errs = append(errs, err)
		} else {
			if err := l.Clear(ctx); err != nil {
				errs = append(errs, err)
			}
			l.Close()
		}
	}

	if err := errors.Join(errs...); err != nil {
		// Partial resets are reported but the remaining state was still cleared.
		audit.Warningf("reset incomplete: %v", err)
		logger.Warnf("[CONTROLLER] reset incomplete: %v", err)
		return igerrors.ExitOK
	}
	audit.Successf("reset complete: removed %s and %s, cleared %s and the run ledger", cfg.SnapshotPath(), cfg.ArtifactsDir(), cfg.PipelineLogPath())
	return igerrors.ExitOK
}
