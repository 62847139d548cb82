package ledger_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxguard/inboxguard/ledger"
	"github.com/inboxguard/inboxguard/pipeline"
	"github.com/inboxguard/inboxguard/testutils"
)

func TestOpenMigrates(t *testing.T) {
	l := testutils.SetupTestLedger(t)
	version, err := l.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	for i := 0; i < 2; i++ {
		l, err := ledger.Open(context.Background(), path)
		require.NoError(t, err)
		require.NoError(t, l.Close())
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := ledger.Open(context.Background(), "  ")
	assert.Error(t, err)
}

func TestRecordRunAndQuery(t *testing.T) {
	l := testutils.SetupTestLedger(t)
	ctx := context.Background()
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	result := testutils.NewRunResult("run-1", started,
		pipeline.ActionOutcome{ItemID: "m1", Score: 25, Action: pipeline.Safe, Succeeded: true, Detail: "safe applied"},
		pipeline.ActionOutcome{ItemID: "m2", Score: 67, Action: pipeline.Tag, Succeeded: false, Detail: "IMAP COPY failed", Duration: 1500 * time.Millisecond},
		pipeline.ActionOutcome{ItemID: "m3", Score: 92, Action: pipeline.Quarantine, Succeeded: true},
	)
	result.Digests["m3"] = "abc123"
	require.NoError(t, l.RecordRun(ctx, result))

	runs, err := l.Runs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].RunID)
	assert.Equal(t, 3, runs[0].Total)
	assert.Equal(t, 2, runs[0].Succeeded)
	assert.Equal(t, 1, runs[0].Failed)
	assert.True(t, runs[0].StartedAt.Equal(started))
	assert.Nil(t, runs[0].ExitCode)

	outcomes, err := l.Outcomes(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	assert.Equal(t, pipeline.Tag, outcomes[1].Action)
	assert.False(t, outcomes[1].Succeeded)
	assert.Equal(t, 1500*time.Millisecond, outcomes[1].Duration)
	assert.Equal(t, "abc123", outcomes[2].Digest)

	action, found, err := l.LastAction(ctx, "abc123")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, pipeline.Quarantine, action)

	_, found, err = l.LastAction(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRecordRunReplacesOutcomes(t *testing.T) {
	l := testutils.SetupTestLedger(t)
	ctx := context.Background()
	started := time.Now()

	require.NoError(t, l.RecordRun(ctx, testutils.NewRunResult("r", started,
		pipeline.ActionOutcome{ItemID: "m1", Action: pipeline.Flag, Score: 40, Succeeded: false})))
	require.NoError(t, l.RecordRun(ctx, testutils.NewRunResult("r", started,
		pipeline.ActionOutcome{ItemID: "m1", Action: pipeline.Flag, Score: 40, Succeeded: true})))

	outcomes, err := l.Outcomes(ctx, "r")
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Succeeded)
}

func TestFinishRun(t *testing.T) {
	l := testutils.SetupTestLedger(t)
	ctx := context.Background()
	started := time.Now().Add(-time.Minute)

	// A run that failed before the body has no outcomes
	require.NoError(t, l.FinishRun(ctx, "early", started, 103))
	require.NoError(t, l.RecordRun(ctx, testutils.NewRunResult("full", started.Add(time.Second),
		pipeline.ActionOutcome{ItemID: "m1", Action: pipeline.Safe, Succeeded: true})))
	require.NoError(t, l.FinishRun(ctx, "full", started, 0))

	runs, err := l.Runs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	byID := map[string]ledger.Run{}
	for _, r := range runs {
		byID[r.RunID] = r
	}
	require.NotNil(t, byID["early"].ExitCode)
	assert.Equal(t, 103, *byID["early"].ExitCode)
	assert.Equal(t, 0, byID["early"].Total)
	require.NotNil(t, byID["full"].ExitCode)
	assert.Equal(t, 0, *byID["full"].ExitCode)
	assert.Equal(t, 1, byID["full"].Total)
	assert.Equal(t, "full", runs[0].RunID, "newest first")
}

func TestClear(t *testing.T) {
	l := testutils.SetupTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.RecordRun(ctx, testutils.NewRunResult("r", time.Now(),
		pipeline.ActionOutcome{ItemID: "m1", Action: pipeline.Safe, Succeeded: true})))

	require.NoError(t, l.Clear(ctx))

	runs, err := l.Runs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
	outcomes, err := l.Outcomes(ctx, "r")
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestConcurrentRecorders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()
	first, err := ledger.Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := ledger.Open(ctx, path)
			if !assert.NoError(t, err) {
				return
			}
			defer l.Close()
			runID := "run-" + string(rune('a'+i))
			assert.NoError(t, l.RecordRun(ctx, testutils.NewRunResult(runID, time.Now(),
				pipeline.ActionOutcome{ItemID: "m1", Action: pipeline.Safe, Succeeded: true})))
		}()
	}
	wg.Wait()

	l, err := ledger.Open(ctx, path)
	require.NoError(t, err)
	defer l.Close()
	runs, err := l.Runs(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 4)
}
