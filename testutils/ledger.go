package testutils

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inboxguard/inboxguard/ledger"
	"github.com/inboxguard/inboxguard/pipeline"
)

// SetupTestLedger opens a migrated ledger in a temporary directory. It is
// closed when the test ends.
func SetupTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(context.Background(), filepath.Join(t.TempDir(), "state", "ledger.db"))
	require.NoError(t, err, "failed to open test ledger")
	t.Cleanup(func() { l.Close() })
	return l
}

// NewRunResult builds a RunResult for the given outcomes, summarized.
func NewRunResult(runID string, started time.Time, outcomes ...pipeline.ActionOutcome) pipeline.RunResult {
	return pipeline.RunResult{
		RunID:      runID,
		Mode:       "subshell",
		StartedAt:  started,
		FinishedAt: started.Add(time.Second),
		Digests:    map[string]string{},
		Outcomes:   outcomes,
		Summary:    pipeline.Summarize(outcomes),
	}
}
