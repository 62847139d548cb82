package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/inboxguard/inboxguard/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const childModeVar = "DISPATCH_TEST_CHILD"

// TestMain doubles as the ForkIsolated child: when childModeVar is set the
// test binary behaves like a pipeline-body process.
func TestMain(m *testing.M) {
	switch mode := os.Getenv(childModeVar); mode {
	case "":
		os.Exit(m.Run())
	case "sleep":
		time.Sleep(30 * time.Second)
		os.Exit(0)
	default:
		if os.Args[1] != ChildCommand || os.Getenv(EnvSnapshot) == "" {
			os.Exit(99)
		}
		code, _ := strconv.Atoi(mode)
		os.Exit(code)
	}
}

type recorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *recorder) Enabled(context.Context, slog.Level) bool { return true }
func (r *recorder) Handle(_ context.Context, rec slog.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, rec.Level.String()+" "+rec.Message)
	return nil
}
func (r *recorder) WithAttrs([]slog.Attr) slog.Handler { return r }
func (r *recorder) WithGroup(string) slog.Handler      { return r }

func (r *recorder) contains(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *recorder) {
	rec := &recorder{}
	fork := &ForkRunner{Executable: os.Args[0], Grace: time.Second}
	return NewDefaultDispatcher(slog.New(rec), fork, t.TempDir()), rec
}

func newEnv(t *testing.T) *Env {
	return &Env{
		RunID:        "run-1",
		WorkDir:      t.TempDir(),
		Environ:      map[string]string{"PARENT": "1"},
		Shared:       NewShared(),
		SnapshotPath: filepath.Join(t.TempDir(), "run.snapshot"),
	}
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, StatusOK, StatusOf(nil))
	assert.Equal(t, StatusFailed, StatusOf(errors.New("x")))
	assert.Equal(t, StatusInterrupted, StatusOf(fmt.Errorf("wrap: %w", context.Canceled)))
	assert.Equal(t, 7, StatusOf(&StatusError{Code: 7, Err: errors.New("x")}))
}

func TestInProcessModesNormalizeStatus(t *testing.T) {
	for _, mode := range []Mode{ThreadShared, SubshellIsolated} {
		t.Run(mode.String(), func(t *testing.T) {
			d, rec := newTestDispatcher(t)

			ok := d.Run(context.Background(), mode, newEnv(t), func(context.Context, *Env) error { return nil })
			assert.Equal(t, StatusOK, ok)

			failed := d.Run(context.Background(), mode, newEnv(t), func(context.Context, *Env) error {
				return errors.New("classification failed")
			})
			assert.Equal(t, StatusFailed, failed)

			panicked := d.Run(context.Background(), mode, newEnv(t), func(context.Context, *Env) error {
				panic("nil mailbox")
			})
			assert.Equal(t, StatusFailed, panicked)

			assert.True(t, rec.contains("entering pipeline body (mode="+mode.String()))
			assert.True(t, rec.contains("pipeline body exited with status 0"))
			assert.True(t, rec.contains("ERROR pipeline body exited with status 1"))
		})
	}
}

func TestThreadSharedSharesState(t *testing.T) {
	d, _ := newTestDispatcher(t)
	env := newEnv(t)

	status := d.Run(context.Background(), ThreadShared, env, func(_ context.Context, e *Env) error {
		e.Shared.Add("processed", 3)
		e.Environ["CHILD"] = "1"
		return nil
	})
	require.Equal(t, StatusOK, status)
	assert.Equal(t, 3, env.Shared.Get("processed"))
	assert.Equal(t, "1", env.Getenv("CHILD"))
}

func TestSubshellIsolatesState(t *testing.T) {
	d, _ := newTestDispatcher(t)
	env := newEnv(t)

	var workDir string
	status := d.Run(context.Background(), SubshellIsolated, env, func(_ context.Context, e *Env) error {
		workDir = e.WorkDir
		e.Shared.Add("processed", 3)
		e.Environ["CHILD"] = "1"
		assert.Equal(t, "1", e.Getenv("PARENT"))
		return os.WriteFile(filepath.Join(e.WorkDir, "scratch"), []byte("x"), 0644)
	})
	require.Equal(t, StatusOK, status)

	assert.NotEqual(t, env.WorkDir, workDir)
	assert.NoDirExists(t, workDir, "private working directory is removed")
	assert.Zero(t, env.Shared.Get("processed"))
	assert.Empty(t, env.Getenv("CHILD"))
}

func TestEnvironmentOverlaysEnviron(t *testing.T) {
	t.Setenv("INBOXGUARD_TEST_BASE", "controller")
	env := &Env{Environ: map[string]string{"B_VAR": "2", "A_VAR": "1", "INBOXGUARD_TEST_BASE": "body"}}

	vars := env.Environment()

	assert.Contains(t, vars, "A_VAR=1")
	assert.Contains(t, vars, "B_VAR=2")
	last := map[string]string{}
	for _, kv := range vars {
		k, v, _ := strings.Cut(kv, "=")
		last[k] = v
	}
	assert.Equal(t, "body", last["INBOXGUARD_TEST_BASE"], "overlay wins over the process environment")
}

func TestBodyHonorsCancellation(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	status := d.Run(ctx, ThreadShared, newEnv(t), func(ctx context.Context, _ *Env) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.Equal(t, StatusInterrupted, status)
}

func TestForkIsolatedPropagatesChildStatus(t *testing.T) {
	for _, code := range []int{0, 3} {
		t.Run(strconv.Itoa(code), func(t *testing.T) {
			d, rec := newTestDispatcher(t)
			env := newEnv(t)
			env.Environ[childModeVar] = strconv.Itoa(code)

			called := false
			status := d.Run(context.Background(), ForkIsolated, env, func(context.Context, *Env) error {
				called = true
				return nil
			})
			assert.Equal(t, code, status)
			assert.False(t, called, "the body runs in the child, never in the dispatcher")
			if code != 0 {
				assert.True(t, rec.contains(fmt.Sprintf("exited with status %d", code)))
			}
		})
	}
}

func TestForkIsolatedCancellation(t *testing.T) {
	d, _ := newTestDispatcher(t)
	env := newEnv(t)
	env.Environ[childModeVar] = "sleep"

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	status := d.Run(ctx, ForkIsolated, env, nil)
	assert.Equal(t, StatusInterrupted, status)
}

func TestSelectDefaultWarns(t *testing.T) {
	d, rec := newTestDispatcher(t)

	mode, err := d.Select("")
	require.NoError(t, err)
	assert.Equal(t, SubshellIsolated, mode)
	assert.True(t, rec.contains("WARN no execution mode given"))

	_, err = d.Select("coroutine")
	assert.Error(t, err)
}

func TestUnknownRunner(t *testing.T) {
	d := NewDispatcher(slog.New(&recorder{}), map[Mode]Runner{})
	assert.Equal(t, StatusFailed, d.Run(context.Background(), ThreadShared, newEnv(t), nil))
}

func TestSuccessRecordLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.log")
	sink, err := logger.OpenSink("pipeline", path, "tester")
	require.NoError(t, err)

	d := NewDispatcher(sink.Slog(), map[Mode]Runner{ThreadShared: ThreadRunner{}})
	d.Run(context.Background(), ThreadShared, newEnv(t), func(context.Context, *Env) error { return nil })
	sink.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), " : tester : SUCCESS : pipeline body exited with status 0")
}
