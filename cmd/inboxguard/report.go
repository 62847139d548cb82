package main

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/inboxguard/inboxguard/logger"
	"github.com/inboxguard/inboxguard/notify"
	"github.com/inboxguard/inboxguard/pipeline"
	"github.com/inboxguard/inboxguard/storage"
)

// report archives the run artifacts and mails the run report. Both are
// best effort: failures are logged to the audit sink and never change the
// exit code.
func (c *Controller) report(ctx context.Context, s *session, code int) {
	cfg := s.cfg
	outcomesPath := filepath.Join(cfg.ArtifactsDir(), pipeline.OutcomesFile(s.rc.RunID))

	var archived []string
	if cfg.Archive.Enabled {
		store, err := storage.New(cfg.Archive)
		if err != nil {
			s.sinks.Audit.Warningf("artifact archive unavailable: %v", err)
		} else {
			archiver := storage.NewArchiver(store, cfg.Archive.Prefix, s.rc.Email)
			keys, err := archiver.ArchiveRun(ctx, s.rc.RunID, []string{outcomesPath, cfg.PipelineLogPath()})
			archived = keys
			if err != nil {
				s.sinks.Audit.Warningf("artifact archive incomplete: %v", err)
			} else if len(keys) > 0 {
				s.sinks.Audit.Infof("archived %d artifact(s) of run %s", len(keys), s.rc.RunID)
			}
		}
	}

	if !cfg.Notify.Enabled {
		return
	}
	mailer, err := notify.NewMailer(cfg.Notify, s.rc.Email)
	if err != nil {
		s.sinks.Audit.Warningf("run report not sent: %v", err)
		return
	}

	r := notify.Report{
		RunID:      s.rc.RunID,
		Mailbox:    s.rc.Email,
		Mode:       s.rc.Mode.String(),
		ExitCode:   code,
		StartedAt:  s.started,
		FinishedAt: time.Now(),
		Archived:   archived,
	}
	if result, err := readOutcomes(outcomesPath); err == nil {
		r.Outcomes = result.Outcomes
		r.Summary = result.Summary
	} else if !errors.Is(err, fs.ErrNotExist) {
		logger.Warnf("[CONTROLLER] outcomes of run %s unreadable: %v", s.rc.RunID, err)
	}

	if err := mailer.Send(ctx, r); err != nil {
		s.sinks.Audit.Warningf("run report not sent: %v", err)
		return
	}
	s.sinks.Audit.Infof("run report sent to %d recipient(s)", len(cfg.Notify.To))
}

func readOutcomes(path string) (pipeline.RunResult, error) {
	var result pipeline.RunResult
	data, err := os.ReadFile(path)
	if err != nil {
		return result, err
	}
	err = json.Unmarshal(data, &result)
	return result, err
}
