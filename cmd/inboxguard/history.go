package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/inboxguard/inboxguard/config"
	"github.com/inboxguard/inboxguard/ledger"
)

const timeLayout = "2006-01-02 15:04:05"

// runHistory prints recent runs, or the outcomes of one run, from the ledger.
func runHistory(ctx context.Context, opts historyOptions, out io.Writer) error {
	path := opts.LedgerPath
	if path == "" {
		cfg := config.NewDefaultConfig()
		if err := config.LoadConfigFromFile(opts.ConfigPath, &cfg); err != nil && !os.IsNotExist(err) {
			return err
		}
		path = cfg.LedgerPath()
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no run ledger at %s: %w", path, err)
	}

	l, err := ledger.Open(ctx, path)
	if err != nil {
		return err
	}
	defer l.Close()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	if opts.RunID != "" {
		outcomes, err := l.Outcomes(ctx, opts.RunID)
		if err != nil {
			return err
		}
		if len(outcomes) == 0 {
			fmt.Fprintf(out, "No outcomes recorded for run %s.\n", opts.RunID)
			return nil
		}
		fmt.Fprintln(w, "ITEM\tSCORE\tACTION\tRESULT\tDURATION\tDETAIL")
		for _, o := range outcomes {
			result := "ok"
			if !o.Succeeded {
				result = "failed"
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n", o.ItemID, o.Score, o.Action, result, o.Duration, o.Detail)
		}
		return nil
	}

	runs, err := l.Runs(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}
	fmt.Fprintln(w, "RUN\tMODE\tSTARTED\tEXIT\tTOTAL\tOK\tFAILED")
	for _, r := range runs {
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprintf("%d", *r.ExitCode)
		}
		mode := r.Mode
		if mode == "" {
			mode = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			r.RunID, mode, r.StartedAt.Local().Format(timeLayout), exit, r.Total, r.Succeeded, r.Failed)
	}
	return nil
}
