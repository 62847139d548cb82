package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/inboxguard/inboxguard/logger"
)

// LaunchSpec describes how to start the inference service.
type LaunchSpec struct {
	Entrypoint string
	Args       []string
	WorkDir    string
	LogPath    string // stdout and stderr of the service; discarded when empty
	Env        []string
}

// ProcessManager abstracts the operating system calls the Manager needs so
// tests can drive the lifecycle without real processes.
type ProcessManager interface {
	// ListenerPIDs returns the processes bound to port. A PID of 0 means a
	// listener exists but could not be identified.
	ListenerPIDs(ctx context.Context, port int) ([]int, error)

	// Start launches spec detached from the caller and returns its PID.
	Start(ctx context.Context, spec LaunchSpec) (int, error)

	Signal(pid int, sig syscall.Signal) error

	Alive(pid int) bool
}

// DefaultProcessManager implements ProcessManager with lsof and signals.
type DefaultProcessManager struct {
	// Host is dialled when lsof is unavailable.
	Host        string
	DialTimeout time.Duration
}

func NewDefaultProcessManager(host string) *DefaultProcessManager {
	if host == "" {
		host = "127.0.0.1"
	}
	return &DefaultProcessManager{Host: host, DialTimeout: 500 * time.Millisecond}
}

func (pm *DefaultProcessManager) ListenerPIDs(ctx context.Context, port int) ([]int, error) {
	cmd := exec.CommandContext(ctx, "lsof", "-t", "-n", "-P", fmt.Sprintf("-iTCP:%d", port), "-sTCP:LISTEN")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if errors.Is(err, exec.ErrNotFound) {
		return pm.dialCheck(ctx, port)
	}
	if err != nil {
		// lsof exits 1 when nothing matches
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 && strings.TrimSpace(stderr.String()) == "" {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("lsof failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parsePIDs(stdout.String()), nil
}

func parsePIDs(output string) []int {
	seen := make(map[int]bool)
	var pids []int
	for _, field := range strings.Fields(output) {
		pid, err := strconv.Atoi(field)
		if err != nil || pid <= 0 || seen[pid] {
			continue
		}
		seen[pid] = true
		pids = append(pids, pid)
	}
	return pids
}

func (pm *DefaultProcessManager) dialCheck(ctx context.Context, port int) ([]int, error) {
	dialer := net.Dialer{Timeout: pm.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(pm.Host, strconv.Itoa(port)))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, nil
	}
	conn.Close()
	return []int{0}, nil
}

func (pm *DefaultProcessManager) Start(_ context.Context, spec LaunchSpec) (int, error) {
	// The service must outlive a cancelled run context, so no CommandContext.
	cmd := exec.Command(spec.Entrypoint, spec.Args...)
	cmd.Dir = spec.WorkDir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	// New session: terminal signals sent to the controller do not reach the service
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	var logFile *os.File
	if spec.LogPath != "" {
		f, err := os.OpenFile(spec.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return 0, fmt.Errorf("failed to open service log %s: %w", spec.LogPath, err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return 0, fmt.Errorf("failed to start %s: %w", spec.Entrypoint, err)
	}

	pid := cmd.Process.Pid
	go func() {
		// Reap the child so Alive does not see a zombie
		err := cmd.Wait()
		if logFile != nil {
			logFile.Close()
		}
		logger.Debugf("[SERVICE] process %d exited: %v", pid, err)
	}()
	return pid, nil
}

func (pm *DefaultProcessManager) Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("refusing to signal pid %d", pid)
	}
	err := syscall.Kill(pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func (pm *DefaultProcessManager) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

var _ ProcessManager = (*DefaultProcessManager)(nil)
