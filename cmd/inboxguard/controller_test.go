package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxguard/inboxguard/config"
	"github.com/inboxguard/inboxguard/ledger"
	igerrors "github.com/inboxguard/inboxguard/pkg/errors"
	"github.com/inboxguard/inboxguard/pkg/privilege"
	"github.com/inboxguard/inboxguard/testutils"
)

const testServicePort = 18765

type harness struct {
	dir    string
	logDir string
	pm     *testutils.FakeProcessManager
	stderr *bytes.Buffer
	ctrl   *Controller
}

func newHarness(t *testing.T, privileged bool) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		dir:    dir,
		logDir: filepath.Join(dir, "logs"),
		pm:     testutils.NewFakeProcessManager(testServicePort),
		stderr: &bytes.Buffer{},
	}
	h.ctrl = NewController(igerrors.NewErrorHandlerWithOutput(h.stderr))
	h.ctrl.Privilege = privilege.Static{Privileged: privileged, Name: "tester"}
	h.ctrl.ProcessManager = h.pm
	h.ctrl.NewRunID = func() string { return "run-test" }
	return h
}

// writeConfig writes a configuration file whose [logging] and [service]
// sections point into the harness directory, followed by extra.
func (h *harness) writeConfig(t *testing.T, extra string) string {
	t.Helper()
	content := fmt.Sprintf(`
[logging]
dir = %q

[service]
port = %d
start_retries = 3
start_interval = "10ms"
stop_grace = "50ms"
`, h.logDir, testServicePort) + extra
	path := filepath.Join(h.dir, "inboxguard.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func (h *harness) flags(configPath string, set ...string) *Flags {
	f := &Flags{ConfigPath: configPath, set: map[string]bool{"config": true}}
	for _, name := range set {
		f.set[name] = true
	}
	return f
}

func (h *harness) audit(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(h.logDir, config.AuditLogFile))
	require.NoError(t, err)
	return string(data)
}

// fixtureRun configures a ThreadShared fixture run whose command executor
// appends "<id> <action>" to actions.txt.
func (h *harness) fixtureRun(t *testing.T, fixture string, extra string) (string, string) {
	t.Helper()
	fixturePath := filepath.Join(h.dir, "scores.json")
	require.NoError(t, os.WriteFile(fixturePath, []byte(fixture), 0644))
	actionsPath := filepath.Join(h.dir, "actions.txt")

	cfgPath := h.writeConfig(t, fmt.Sprintf(`
[mailbox]
address = "user@example.com"
password = "secret"

[pipeline]
mode = "thread"
fixture = %q

[actions]
executor = "command"
command = ["sh", "-c", "echo \"$0 $1\" >> %s", "{id}", "{action}"]
`, fixturePath, actionsPath)+extra)
	return cfgPath, actionsPath
}

func TestFixtureRunAppliesMappedActions(t *testing.T) {
	h := newHarness(t, false)
	cfgPath, actionsPath := h.fixtureRun(t, `{"m1": 25, "m2": 67, "m3": 92}`, `
[ledger]
enabled = true
`)

	code := h.ctrl.Run(context.Background(), h.flags(cfgPath))
	require.Equal(t, igerrors.ExitOK, code, h.stderr.String())

	data, err := os.ReadFile(actionsPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	sort.Strings(lines)
	assert.Equal(t, []string{"m1 safe", "m2 tag", "m3 quarantine"}, lines)

	audit := h.audit(t)
	assert.Contains(t, audit, " : tester : INFO : session started (run=run-test")
	assert.Contains(t, audit, " : tester : SUCCESS : session ended (exit=0)")

	_, err = os.Stat(filepath.Join(h.logDir, config.StateDirName, config.ArtifactsDirName, "outcomes-run-test.json"))
	assert.NoError(t, err, "outcomes artifact is written")

	l, err := ledger.Open(context.Background(), filepath.Join(h.logDir, config.StateDirName, config.DefaultLedgerFileName))
	require.NoError(t, err)
	defer l.Close()
	runs, err := l.Runs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-test", runs[0].RunID)
	assert.Equal(t, 3, runs[0].Total)
	require.NotNil(t, runs[0].ExitCode)
	assert.Equal(t, 0, *runs[0].ExitCode)
}

func TestSubshellRunGivesExecutorPrivateWorkDir(t *testing.T) {
	h := newHarness(t, false)
	fixturePath := filepath.Join(h.dir, "scores.json")
	require.NoError(t, os.WriteFile(fixturePath, []byte(`{"m1": 50}`), 0644))
	seenPath := filepath.Join(h.dir, "seen.txt")

	cfgPath := h.writeConfig(t, fmt.Sprintf(`
[mailbox]
address = "user@example.com"
password = "secret"

[pipeline]
mode = "subshell"
fixture = %q

[actions]
executor = "command"
command = ["sh", "-c", 'echo "$(pwd -P)|$INBOXGUARD_WORKDIR|$INBOXGUARD_LOG_DIR" >> %s']
`, fixturePath, seenPath))

	code := h.ctrl.Run(context.Background(), h.flags(cfgPath))
	require.Equal(t, igerrors.ExitOK, code, h.stderr.String())

	data, err := os.ReadFile(seenPath)
	require.NoError(t, err)
	fields := strings.Split(strings.TrimSpace(string(data)), "|")
	require.Len(t, fields, 3)

	cwd, workDir, logDir := fields[0], fields[1], fields[2]
	require.NotEmpty(t, workDir)
	stateDir, err := filepath.EvalSymlinks(filepath.Join(h.logDir, config.StateDirName))
	require.NoError(t, err)
	assert.Equal(t, stateDir, filepath.Dir(cwd), "executor runs inside the scratch directory")
	assert.Equal(t, filepath.Base(workDir), filepath.Base(cwd))
	assert.Equal(t, h.logDir, logDir)
	assert.NoDirExists(t, workDir, "scratch directory is removed after the run")

	wd, err := os.Getwd()
	require.NoError(t, err)
	assert.NotEqual(t, wd, cwd)
}

func TestMissingPasswordExitsBeforeServiceAndPipelineLog(t *testing.T) {
	h := newHarness(t, false)
	cfgPath := h.writeConfig(t, `
[mailbox]
address = "user@example.com"

[classifier.scores]
phishing = 95
legitimate = 5
suspicious = 50
`)

	code := h.ctrl.Run(context.Background(), h.flags(cfgPath, "start-server"))
	assert.Equal(t, igerrors.ExitMissingParameter, code)
	assert.Contains(t, h.stderr.String(), "(exit code 101)")
	assert.Empty(t, h.pm.Starts, "no service start attempt")

	_, err := os.Stat(filepath.Join(h.logDir, config.PipelineLogFile))
	assert.True(t, os.IsNotExist(err), "pipeline log must not be created")
	_, err = os.Stat(filepath.Join(h.logDir, config.StateDirName))
	assert.True(t, os.IsNotExist(err), "state directory must not be created")

	audit := h.audit(t)
	assert.Contains(t, audit, "ERROR : configuration: missing required parameter")
	assert.Contains(t, audit, "session ended (exit=101)")
}

func TestInvalidModeExits100(t *testing.T) {
	h := newHarness(t, false)
	cfgPath := h.writeConfig(t, `
[mailbox]
address = "user@example.com"
password = "secret"
`)
	flags := h.flags(cfgPath, "mode")
	flags.Mode = "parallel"

	code := h.ctrl.Run(context.Background(), flags)
	assert.Equal(t, igerrors.ExitInvalidOption, code)
}

func TestMissingExplicitConfigExits100(t *testing.T) {
	h := newHarness(t, false)
	code := h.ctrl.Run(context.Background(), h.flags(filepath.Join(h.dir, "absent.toml")))
	assert.Equal(t, igerrors.ExitInvalidOption, code)
	assert.Contains(t, h.stderr.String(), "(exit code 100)")
}

func seedState(t *testing.T, h *harness) []string {
	t.Helper()
	state := filepath.Join(h.logDir, config.StateDirName)
	artifacts := filepath.Join(state, config.ArtifactsDirName)
	require.NoError(t, os.MkdirAll(artifacts, 0755))

	files := []string{
		filepath.Join(state, config.SnapshotFile),
		filepath.Join(artifacts, "outcomes-old.json"),
		filepath.Join(h.logDir, config.PipelineLogFile),
	}
	for _, f := range files {
		require.NoError(t, os.WriteFile(f, []byte("previous run\n"), 0600))
	}
	return files
}

func TestResetWithoutPrivilegeRemovesNothing(t *testing.T) {
	h := newHarness(t, false)
	cfgPath := h.writeConfig(t, "")
	files := seedState(t, h)

	flags := h.flags(cfgPath, "reset")
	flags.Reset = true
	code := h.ctrl.Run(context.Background(), flags)
	assert.Equal(t, igerrors.ExitPermissionDenied, code)

	for _, f := range files {
		data, err := os.ReadFile(f)
		require.NoError(t, err, "%s must survive", f)
		assert.Equal(t, "previous run\n", string(data))
	}
	assert.Contains(t, h.audit(t), "session ended (exit=102)")
}

func TestResetClearsState(t *testing.T) {
	h := newHarness(t, true)
	cfgPath := h.writeConfig(t, "")
	files := seedState(t, h)

	flags := h.flags(cfgPath, "reset")
	flags.Reset = true
	code := h.ctrl.Run(context.Background(), flags)
	require.Equal(t, igerrors.ExitOK, code, h.stderr.String())

	_, err := os.Stat(files[0])
	assert.True(t, os.IsNotExist(err), "snapshot removed")
	_, err = os.Stat(filepath.Dir(files[1]))
	assert.True(t, os.IsNotExist(err), "artifacts removed")

	info, err := os.Stat(files[2])
	require.NoError(t, err, "pipeline log is truncated, not removed")
	assert.Zero(t, info.Size())

	audit := h.audit(t)
	assert.Contains(t, audit, "reset complete")
	assert.Contains(t, audit, "session ended (exit=0)")
}

func TestMissingEntrypointExits103(t *testing.T) {
	h := newHarness(t, false)
	cfgPath := h.writeConfig(t, `
entrypoint = "/nonexistent/inboxguard-serve"

[mailbox]
address = "user@example.com"
password = "secret"

[classifier.scores]
phishing = 95
legitimate = 5
suspicious = 50
`)

	flags := h.flags(cfgPath, "start-server")
	flags.StartServer = true
	code := h.ctrl.Run(context.Background(), flags)
	assert.Equal(t, igerrors.ExitServiceStart, code)
	assert.Empty(t, h.pm.Starts, "nothing is launched without an entrypoint")
	assert.Contains(t, h.stderr.String(), "(exit code 103)")
	assert.Contains(t, h.audit(t), "session ended (exit=103)")
}

func TestServiceRequiredWhenNotRunning(t *testing.T) {
	h := newHarness(t, false)
	cfgPath := h.writeConfig(t, `
[mailbox]
address = "user@example.com"
password = "secret"

[classifier.scores]
phishing = 95
legitimate = 5
suspicious = 50
`)

	code := h.ctrl.Run(context.Background(), h.flags(cfgPath))
	assert.Equal(t, igerrors.ExitServiceStart, code)
	assert.Contains(t, h.stderr.String(), "--start-server")
}

func TestBodyFailureStillCleansUp(t *testing.T) {
	h := newHarness(t, false)
	pid := h.pm.Listen(testServicePort)
	cfgPath, _ := h.fixtureRun(t, `not json`, "")

	code := h.ctrl.Run(context.Background(), h.flags(cfgPath))
	assert.Equal(t, igerrors.ExitPipelineFailed, code)

	require.NotEmpty(t, h.pm.Signals, "service is stopped after a failed body")
	assert.Equal(t, testutils.Signal{PID: pid, Sig: syscall.SIGTERM}, h.pm.Signals[0])

	audit := h.audit(t)
	assert.Contains(t, audit, "session ended (exit=104)")

	pipelineLog, err := os.ReadFile(filepath.Join(h.logDir, config.PipelineLogFile))
	require.NoError(t, err)
	assert.Contains(t, string(pipelineLog), "pipeline body failed")
}

func TestInterruptedRunExits130(t *testing.T) {
	h := newHarness(t, false)
	cfgPath, _ := h.fixtureRun(t, `{"m1": 10}`, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	code := h.ctrl.Run(ctx, h.flags(cfgPath))
	assert.Equal(t, igerrors.ExitInterrupted, code)
	assert.Contains(t, h.audit(t), "session ended (exit=130)")
}

func TestStopOnly(t *testing.T) {
	h := newHarness(t, false)
	pid := h.pm.Listen(testServicePort)
	cfgPath := h.writeConfig(t, "")

	flags := h.flags(cfgPath, "stop-server")
	flags.StopServer = true
	code := h.ctrl.Run(context.Background(), flags)
	require.Equal(t, igerrors.ExitOK, code, h.stderr.String())

	require.Len(t, h.pm.Signals, 1)
	assert.Equal(t, testutils.Signal{PID: pid, Sig: syscall.SIGTERM}, h.pm.Signals[0])
	assert.Contains(t, h.audit(t), "session ended (exit=0)")
}

func TestFlagsOverrideOnlyWhenSet(t *testing.T) {
	var got *Flags
	cmd := newRootCommand(func(_ *cobra.Command, flags *Flags) error {
		got = flags
		return nil
	})
	cmd.SetArgs([]string{"-e", "cli@example.com", "--limit", "25", "--mode", "fork"})
	require.NoError(t, cmd.Execute())
	require.NotNil(t, got)

	cfg := config.NewDefaultConfig()
	cfg.Mailbox.Password = "from-file"
	cfg.Logging.Dir = "/srv/inboxguard"
	got.Apply(&cfg)

	assert.Equal(t, "cli@example.com", cfg.Mailbox.Address)
	assert.Equal(t, 25, cfg.Pipeline.Limit)
	assert.Equal(t, "fork", cfg.Pipeline.Mode)
	assert.Equal(t, "from-file", cfg.Mailbox.Password, "unset flags keep file values")
	assert.Equal(t, "/srv/inboxguard", cfg.Logging.Dir, "flag defaults do not override the file")
	assert.False(t, got.IsSet("password"))
}

func TestUnknownFlagExits100(t *testing.T) {
	assert.Equal(t, igerrors.ExitInvalidOption, execute([]string{"--no-such-flag"}))
}
