package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/inboxguard/inboxguard/logger"
)

// ChildCommand is the hidden subcommand a ForkIsolated child runs.
const ChildCommand = "pipeline-body"

// Environment variables passed to a ForkIsolated child.
const (
	EnvRunID    = "INBOXGUARD_RUN_ID"
	EnvSnapshot = "INBOXGUARD_SNAPSHOT"
)

// ForkRunner re-executes Executable with the pipeline-body subcommand. The
// in-process body is not called: the child rebuilds it from the snapshot.
type ForkRunner struct {
	Executable string
	Stdout     io.Writer
	Stderr     io.Writer
	// Grace is how long a cancelled child gets between SIGTERM and SIGKILL.
	Grace time.Duration
}

// NewForkRunner re-executes the running binary.
func NewForkRunner() (*ForkRunner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("cannot locate own executable: %w", err)
	}
	return &ForkRunner{Executable: exe, Stdout: os.Stdout, Stderr: os.Stderr, Grace: 5 * time.Second}, nil
}

// ChildArgs returns the argument vector for the child process.
func ChildArgs(env *Env) []string {
	return []string{ChildCommand, "--snapshot", env.SnapshotPath, "--run-id", env.RunID}
}

func (r *ForkRunner) Run(ctx context.Context, env *Env, _ Body) int {
	if env.SnapshotPath == "" {
		logger.Errorf("[DISPATCH] fork mode requires a run snapshot")
		return StatusFailed
	}

	cmd := exec.Command(r.Executable, ChildArgs(env)...)
	cmd.Dir = env.WorkDir
	cmd.Env = append(env.Environment(), EnvRunID+"="+env.RunID, EnvSnapshot+"="+env.SnapshotPath)
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	// Own process group so a terminal ^C reaches only the controller, which
	// then decides how to stop the child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logger.Errorf("[DISPATCH] failed to start pipeline child: %v", err)
		if env.Events != nil {
			env.Events.Error(fmt.Sprintf("failed to start pipeline child: %v", err))
		}
		return StatusFailed
	}
	logger.Infof("[DISPATCH] pipeline child started (pid=%d)", cmd.Process.Pid)

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var err error
	interrupted := false
	select {
	case err = <-waitErr:
	case <-ctx.Done():
		interrupted = true
		err = r.terminate(cmd, waitErr)
	}

	if interrupted {
		return StatusInterrupted
	}
	return exitStatus(err)
}

func (r *ForkRunner) terminate(cmd *exec.Cmd, waitErr <-chan error) error {
	pid := cmd.Process.Pid
	logger.Warnf("[DISPATCH] run cancelled, sending SIGTERM to pipeline child %d", pid)
	cmd.Process.Signal(syscall.SIGTERM)

	grace := r.Grace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	select {
	case err := <-waitErr:
		return err
	case <-time.After(grace):
		logger.Warnf("[DISPATCH] pipeline child %d ignored SIGTERM, killing", pid)
		cmd.Process.Kill()
		return <-waitErr
	}
}

func exitStatus(err error) int {
	if err == nil {
		return StatusOK
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return exitErr.ExitCode()
	}
	logger.Errorf("[DISPATCH] waiting for pipeline child: %v", err)
	return StatusFailed
}
