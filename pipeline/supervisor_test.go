package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxguard/inboxguard/logger"
)

// eventLog captures records written through a *slog.Logger.
type eventLog struct {
	mu      sync.Mutex
	records []slog.Record
}

func (l *eventLog) Enabled(context.Context, slog.Level) bool { return true }

func (l *eventLog) Handle(_ context.Context, r slog.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, r)
	return nil
}

func (l *eventLog) WithAttrs([]slog.Attr) slog.Handler { return l }
func (l *eventLog) WithGroup(string) slog.Handler      { return l }

func (l *eventLog) messages(level slog.Level) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, r := range l.records {
		if r.Level == level {
			out = append(out, r.Message)
		}
	}
	return out
}

func (l *eventLog) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.records {
		if strings.Contains(r.Message, substr) {
			return true
		}
	}
	return false
}

// recordingExecutor remembers every call and fails the ids in failOn.
type recordingExecutor struct {
	mu     sync.Mutex
	calls  map[string]Action
	failOn map[string]error
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{calls: make(map[string]Action), failOn: make(map[string]error)}
}

func (e *recordingExecutor) Apply(_ context.Context, itemID string, action Action) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls[itemID] = action
	return e.failOn[itemID]
}

func (e *recordingExecutor) called() map[string]Action {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Action, len(e.calls))
	for k, v := range e.calls {
		out[k] = v
	}
	return out
}

func TestApplyAllMapsScoresToActions(t *testing.T) {
	exec := newRecordingExecutor()
	events := &eventLog{}
	s := NewSupervisor(exec, 2, slog.New(events))

	outcomes := s.ApplyAll(context.Background(), []ScoredItem{
		{ItemID: "m1", Score: 25},
		{ItemID: "m2", Score: 67},
		{ItemID: "m3", Score: 92},
	})

	require.Len(t, outcomes, 3)
	assert.Equal(t, map[string]Action{"m1": Safe, "m2": Tag, "m3": Quarantine}, exec.called())
	for i, id := range []string{"m1", "m2", "m3"} {
		assert.Equal(t, id, outcomes[i].ItemID, "outcomes keep input order")
		assert.True(t, outcomes[i].Succeeded)
	}
	assert.Equal(t, Tag, outcomes[1].Action)
	assert.Len(t, events.messages(logger.SlogLevelSuccess), 3)
}

func TestApplyAllFailureDoesNotAffectSiblings(t *testing.T) {
	exec := newRecordingExecutor()
	exec.failOn["m4"] = errors.New("IMAP COPY failed: mailbox locked")
	events := &eventLog{}
	s := NewSupervisor(exec, 4, slog.New(events))

	items := make([]ScoredItem, 10)
	for i := range items {
		items[i] = ScoredItem{ItemID: fmt.Sprintf("m%d", i), Score: 10 * i}
	}
	outcomes := s.ApplyAll(context.Background(), items)

	require.Len(t, outcomes, len(items))
	assert.Len(t, exec.called(), len(items), "every item is attempted")
	for _, o := range outcomes {
		if o.ItemID == "m4" {
			assert.False(t, o.Succeeded)
			assert.Equal(t, Flag, o.Action)
			assert.Contains(t, o.Detail, "mailbox locked")
			continue
		}
		assert.True(t, o.Succeeded, o.ItemID)
	}
	assert.True(t, events.contains("item m4 (score=40, action=flag): IMAP COPY failed"))

	sum := Summarize(outcomes)
	assert.Equal(t, 10, sum.Total)
	assert.Equal(t, 9, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
}

func TestApplyAllInvalidScoreSkipsExecutor(t *testing.T) {
	exec := newRecordingExecutor()
	s := NewSupervisor(exec, 1, slog.New(&eventLog{}))

	outcomes := s.ApplyAll(context.Background(), []ScoredItem{{ItemID: "m1", Score: 101}, {ItemID: "m2", Score: 50}})

	require.Len(t, outcomes, 2)
	assert.False(t, outcomes[0].Succeeded)
	assert.Contains(t, outcomes[0].Detail, "invalid score 101")
	assert.True(t, outcomes[1].Succeeded)
	assert.Equal(t, map[string]Action{"m2": Flag}, exec.called())
}

func TestApplyAllRecoversExecutorPanic(t *testing.T) {
	s := NewSupervisor(ExecutorFunc(func(_ context.Context, itemID string, _ Action) error {
		if itemID == "boom" {
			panic("nil mailbox")
		}
		return nil
	}), 2, slog.New(&eventLog{}))

	outcomes := s.ApplyAll(context.Background(), []ScoredItem{{ItemID: "boom", Score: 90}, {ItemID: "ok", Score: 90}})

	assert.False(t, outcomes[0].Succeeded)
	assert.Contains(t, outcomes[0].Detail, "executor panicked: nil mailbox")
	assert.True(t, outcomes[1].Succeeded)
}

func TestApplyAllRespectsConcurrencyLimit(t *testing.T) {
	var current, peak atomic.Int32
	s := NewSupervisor(ExecutorFunc(func(context.Context, string, Action) error {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return nil
	}), 3, slog.New(&eventLog{}))

	items := make([]ScoredItem, 12)
	for i := range items {
		items[i] = ScoredItem{ItemID: fmt.Sprintf("m%d", i), Score: 50}
	}
	s.ApplyAll(context.Background(), items)

	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestApplyAllCancelledContext(t *testing.T) {
	exec := newRecordingExecutor()
	s := NewSupervisor(exec, 1, slog.New(&eventLog{}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcomes := s.ApplyAll(ctx, []ScoredItem{{ItemID: "m1", Score: 90}})

	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Succeeded)
	assert.Contains(t, outcomes[0].Detail, "not applied")
	assert.Empty(t, exec.called())
}

func TestApplyAllEmptyBatch(t *testing.T) {
	s := NewSupervisor(newRecordingExecutor(), 0, nil)
	assert.Empty(t, s.ApplyAll(context.Background(), nil))
}

func TestSummaryString(t *testing.T) {
	sum := Summarize([]ActionOutcome{
		{ItemID: "m1", Action: Safe, Succeeded: true},
		{ItemID: "m2", Action: Tag, Succeeded: true},
		{ItemID: "m3", Action: Quarantine},
	})
	assert.Equal(t, "total=3 succeeded=2 failed=1 safe=1 flag=0 tag=1 quarantine=0", sum.String())
}
