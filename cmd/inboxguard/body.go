package main

import (
	"context"
	"fmt"

	"github.com/inboxguard/inboxguard/classifier"
	"github.com/inboxguard/inboxguard/config"
	"github.com/inboxguard/inboxguard/dispatch"
	"github.com/inboxguard/inboxguard/ledger"
	"github.com/inboxguard/inboxguard/mailbox"
	"github.com/inboxguard/inboxguard/pipeline"
)

// buildBody assembles the pipeline body for one run. Collaborators are built
// inside the body so they log to whatever pipeline sink the execution mode
// hands it. l may be nil when the ledger is disabled; a nil client is built
// from the configuration.
func buildBody(rc config.RunConfig, svc pipeline.ServiceWatcher, l *ledger.Ledger, client *classifier.Client) dispatch.Body {
	return func(ctx context.Context, env *dispatch.Env) error {
		cfg := rc.Settings
		events := env.Events

		dialer, err := mailbox.NewDialer(cfg.Mailbox, rc.Email, rc.Password)
		if err != nil {
			return err
		}

		var executor pipeline.Executor
		switch cfg.Actions.GetExecutor() {
		case "command":
			timeout, err := cfg.Actions.GetCommandTimeout()
			if err != nil {
				return fmt.Errorf("invalid actions.command_timeout: %w", err)
			}
			cmdExec, err := mailbox.NewCommandExecutor(cfg.Actions.Command, mailbox.CommandVars{
				Email:    rc.Email,
				Password: rc.Password,
				Server:   cfg.Mailbox.GetServer(),
			}, timeout, events)
			if err != nil {
				return err
			}
			cmdExec.Dir = env.WorkDir
			cmdExec.Env = env.Environment()
			executor = cmdExec
		default:
			executor = mailbox.NewIMAPExecutor(dialer, cfg.Mailbox.GetFolder(), cfg.Actions, events)
		}

		deps := pipeline.Deps{
			Fixture:      cfg.Pipeline.Fixture,
			Limit:        rc.Limit,
			Service:      svc,
			Executor:     executor,
			Concurrency:  cfg.Pipeline.GetConcurrency(),
			ArtifactsDir: cfg.ArtifactsDir(),
		}
		if l != nil {
			deps.Recorder = l
			if cfg.Ledger.SkipRepeated {
				deps.History = l
			}
		}

		if deps.Fixture == "" {
			if client == nil {
				if client, err = classifier.NewFromConfig(cfg); err != nil {
					return err
				}
			}
			deps.Source = mailbox.NewExtractor(dialer, cfg.Mailbox.GetFolder(), events)
			deps.Classifier = client
			deps.Scores = classifier.NewScoreMap(cfg.Classifier.Scores)

			if cfg.Actions.EnsureLabels && cfg.Actions.GetExecutor() == "imap" {
				if err := mailbox.EnsureLabels(ctx, dialer, cfg.Actions.Labels, events); err != nil {
					events.Warn(fmt.Sprintf("label setup incomplete: %v", err))
				}
			}
		}

		return pipeline.NewBody(deps)(ctx, env)
	}
}
