package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/inboxguard/inboxguard/config"
	"github.com/inboxguard/inboxguard/dispatch"
	igerrors "github.com/inboxguard/inboxguard/pkg/errors"
)

func main() {
	os.Exit(execute(os.Args[1:]))
}

// execute runs the command line and returns the process exit code.
func execute(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errorHandler := igerrors.NewErrorHandler()
	code := igerrors.ExitOK

	root := newRootCommand(func(cmd *cobra.Command, flags *Flags) error {
		code = NewController(errorHandler).Run(ctx, flags)
		return nil
	})
	root.AddCommand(newChildCommand(func(opts childOptions) {
		code = runChild(ctx, opts)
	}))
	root.AddCommand(newHistoryCommand(func(opts historyOptions) error {
		return runHistory(ctx, opts, os.Stdout)
	}))
	root.SetArgs(args)

	if err := root.Execute(); err != nil {
		var exitErr *igerrors.ExitError
		if !errors.As(err, &exitErr) {
			err = igerrors.NewExitError(igerrors.ExitInvalidOption, "command line", err)
		}
		return errorHandler.Fatal(err)
	}
	return code
}

// Flags holds the command-line overrides. Only flags the operator actually
// set override the configuration file.
type Flags struct {
	ConfigPath  string
	Email       string
	Password    string
	Limit       int
	Mode        string
	LogDir      string
	Fixture     string
	Reset       bool
	StartServer bool
	StopServer  bool

	set map[string]bool
}

// IsSet reports whether the named flag was given on the command line.
func (f *Flags) IsSet(name string) bool {
	return f.set[name]
}

// Apply overrides cfg with every flag that was set.
func (f *Flags) Apply(cfg *config.Config) {
	if f.IsSet("email") {
		cfg.Mailbox.Address = f.Email
	}
	if f.IsSet("password") {
		cfg.Mailbox.Password = f.Password
	}
	if f.IsSet("limit") {
		cfg.Pipeline.Limit = f.Limit
	}
	if f.IsSet("mode") {
		cfg.Pipeline.Mode = f.Mode
	}
	if f.IsSet("log-dir") {
		cfg.Logging.Dir = f.LogDir
	}
	if f.IsSet("fixture") {
		cfg.Pipeline.Fixture = f.Fixture
	}
	if f.IsSet("start-server") {
		cfg.Service.AutoStart = f.StartServer
	}
}

func newRootCommand(run func(cmd *cobra.Command, flags *Flags) error) *cobra.Command {
	flags := &Flags{set: make(map[string]bool)}

	cmd := &cobra.Command{
		Use:   "inboxguard",
		Short: "Classify recent mailbox messages and remediate phishing",
		Long: `inboxguard extracts the newest messages of a mailbox, scores them with the
local inference service and applies one of four actions per message:
safe (0-30), flag (31-60), tag (61-85) or quarantine (86-100).`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Flags().Visit(func(f *pflag.Flag) {
				flags.set[f.Name] = true
			})
			return run(cmd, flags)
		},
	}
	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return err
	})

	defaults := config.NewDefaultConfig()
	fs := cmd.Flags()
	fs.StringVar(&flags.ConfigPath, "config", config.DefaultConfigFile, "Path to TOML configuration file")
	fs.StringVarP(&flags.Email, "email", "e", "", "Mailbox address (overrides config)")
	fs.StringVarP(&flags.Password, "password", "p", "", "Mailbox password or app password (overrides config)")
	fs.IntVarP(&flags.Limit, "limit", "n", defaults.Pipeline.Limit, "Number of newest messages to process (overrides config)")
	fs.StringVarP(&flags.Mode, "mode", "m", "", "Execution mode: fork, thread or subshell (overrides config, default subshell)")
	fs.StringVar(&flags.LogDir, "log-dir", defaults.Logging.GetDir(), "Directory of the audit and pipeline logs (overrides config)")
	fs.StringVar(&flags.Fixture, "fixture", "", "JSON file of item scores; skips extraction and classification")
	fs.BoolVar(&flags.Reset, "reset", false, "Remove run state, artifacts and pipeline log contents, then exit (requires root)")
	fs.BoolVar(&flags.StartServer, "start-server", false, "Start the inference service when it is not running")
	fs.BoolVar(&flags.StopServer, "stop-server", false, "Stop the inference service and exit")
	return cmd
}

type childOptions struct {
	SnapshotPath string
	RunID        string
}

// newChildCommand is the hidden entry point of a ForkIsolated pipeline body.
func newChildCommand(run func(opts childOptions)) *cobra.Command {
	var opts childOptions
	cmd := &cobra.Command{
		Use:    dispatch.ChildCommand,
		Short:  "Run the pipeline body from a run snapshot",
		Hidden: true,
		Args:   cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if opts.SnapshotPath == "" {
				opts.SnapshotPath = os.Getenv(dispatch.EnvSnapshot)
			}
			if opts.RunID == "" {
				opts.RunID = os.Getenv(dispatch.EnvRunID)
			}
			run(opts)
		},
	}
	cmd.Flags().StringVar(&opts.SnapshotPath, "snapshot", "", "Run snapshot written by the controller")
	cmd.Flags().StringVar(&opts.RunID, "run-id", "", "Run id")
	return cmd
}

type historyOptions struct {
	ConfigPath string
	LedgerPath string
	RunID      string
	Limit      int
}

func newHistoryCommand(run func(opts historyOptions) error) *cobra.Command {
	var opts historyOptions
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent runs recorded in the run ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}
	cmd.Flags().StringVar(&opts.ConfigPath, "config", config.DefaultConfigFile, "Path to TOML configuration file")
	cmd.Flags().StringVar(&opts.LedgerPath, "ledger", "", "Ledger database (default from config)")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "Show the outcomes of one run")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "Number of runs to list")
	return cmd
}
