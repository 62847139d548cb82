package mailbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/inboxguard/inboxguard/helpers"
	"github.com/inboxguard/inboxguard/logger"
	"github.com/inboxguard/inboxguard/pipeline"
)

// ErrEmptyCommand is returned by NewCommandExecutor for an empty template.
var ErrEmptyCommand = errors.New("action command is empty")

// CommandVars are substituted into the command template.
type CommandVars struct {
	Email    string
	Password string
	Server   string
}

// CommandExecutor applies actions by running an external program once per
// item, e.g.
//
//	["python3", "imap_action.py", "--mailid", "{id}", "--action", "{action}",
//	 "--email", "{email}", "--pass", "{password}", "--server", "{server}"]
//
// A non-zero exit fails the item with the last line of the program output.
type CommandExecutor struct {
	// Dir and Env are handed to every invocation; empty values inherit the
	// controller's working directory and environment.
	Dir string
	Env []string

	template []string
	vars     CommandVars
	timeout  time.Duration
	events   *slog.Logger
}

func NewCommandExecutor(template []string, vars CommandVars, timeout time.Duration, events *slog.Logger) (*CommandExecutor, error) {
	if len(template) == 0 || strings.TrimSpace(template[0]) == "" {
		return nil, ErrEmptyCommand
	}
	if events == nil {
		events = logger.Get()
	}
	return &CommandExecutor{
		template: append([]string(nil), template...),
		vars:     vars,
		timeout:  timeout,
		events:   events,
	}, nil
}

// Args renders the template for one invocation.
func (x *CommandExecutor) Args(itemID string, action pipeline.Action) []string {
	r := strings.NewReplacer(
		"{id}", itemID,
		"{action}", action.String(),
		"{email}", x.vars.Email,
		"{password}", x.vars.Password,
		"{server}", x.vars.Server,
	)
	args := make([]string, len(x.template))
	for i, arg := range x.template {
		args[i] = r.Replace(arg)
	}
	return args
}

// Apply implements pipeline.Executor. Safe items are passed to the command
// like any other action.
func (x *CommandExecutor) Apply(ctx context.Context, itemID string, action pipeline.Action) error {
	if x.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.timeout)
		defer cancel()
	}

	args := x.Args(itemID, action)
	logger.Debugf("[ACTION] running %s", strings.Join(helpers.MaskSecrets(args, x.vars.Password), " "))

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = x.Dir
	cmd.Env = x.Env
	if x.Dir != "" && x.Env != nil {
		cmd.Env = append(slices.Clip(x.Env), "PWD="+x.Dir)
	}
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = time.Second
	err := cmd.Run()
	if err == nil {
		return nil
	}

	detail := lastLine(helpers.MaskSecrets([]string{out.String()}, x.vars.Password)[0])
	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("action command for %s interrupted: %w", itemID, ctx.Err())
	case errors.As(err, &exitErr):
		if detail == "" {
			return fmt.Errorf("action command exited with status %d", exitErr.ExitCode())
		}
		return fmt.Errorf("action command exited with status %d: %s", exitErr.ExitCode(), detail)
	default:
		return fmt.Errorf("failed to run action command: %w", err)
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return helpers.Truncate(strings.TrimSpace(lines[len(lines)-1]), 200)
}
