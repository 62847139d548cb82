package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/inboxguard/inboxguard/logger"
	"github.com/inboxguard/inboxguard/pkg/metrics"
)

// DefaultConcurrency bounds concurrent executor invocations.
const DefaultConcurrency = 4

// ScoredItem is one classified item.
type ScoredItem struct {
	ItemID string `json:"id"`
	Score  int    `json:"score"`
}

// ActionOutcome is the result of applying the mapped action to one item.
type ActionOutcome struct {
	ItemID    string        `json:"id"`
	Score     int           `json:"score"`
	Action    Action        `json:"action"`
	Succeeded bool          `json:"succeeded"`
	Detail    string        `json:"detail,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}

// Executor applies a remediation action to one item. Implementations must be
// safe for concurrent use.
type Executor interface {
	Apply(ctx context.Context, itemID string, action Action) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, itemID string, action Action) error

func (f ExecutorFunc) Apply(ctx context.Context, itemID string, action Action) error {
	return f(ctx, itemID, action)
}

// Supervisor fans a batch out to an Executor. One item's failure never
// cancels or blocks another.
type Supervisor struct {
	Executor    Executor
	Concurrency int
	Events      *slog.Logger
}

func NewSupervisor(executor Executor, concurrency int, events *slog.Logger) *Supervisor {
	if events == nil {
		events = logger.Get()
	}
	return &Supervisor{Executor: executor, Concurrency: concurrency, Events: events}
}

// ApplyAll maps every item to an action and applies it. It returns once all
// invocations finished, with exactly one outcome per item in input order.
func (s *Supervisor) ApplyAll(ctx context.Context, items []ScoredItem) []ActionOutcome {
	outcomes := make([]ActionOutcome, len(items))
	if len(items) == 0 {
		return outcomes
	}

	limit := s.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	if limit > len(items) {
		limit = len(items)
	}

	// No errgroup context: a failed item must not cancel its siblings.
	var g errgroup.Group
	g.SetLimit(limit)
	for i, item := range items {
		g.Go(func() error {
			outcomes[i] = s.applyOne(ctx, item)
			return nil
		})
	}
	g.Wait()
	return outcomes
}

func (s *Supervisor) applyOne(ctx context.Context, item ScoredItem) (outcome ActionOutcome) {
	outcome = ActionOutcome{ItemID: item.ItemID, Score: item.Score}

	action, err := MapAction(item.Score)
	if err != nil {
		outcome.Detail = err.Error()
		s.record(outcome)
		return outcome
	}
	outcome.Action = action

	if err := ctx.Err(); err != nil {
		outcome.Detail = fmt.Sprintf("not applied: %v", err)
		s.record(outcome)
		return outcome
	}

	metrics.ActionsInFlight.Inc()
	started := time.Now()
	defer func() {
		metrics.ActionsInFlight.Dec()
		outcome.Duration = time.Since(started)
		metrics.ActionDuration.WithLabelValues(action.String()).Observe(outcome.Duration.Seconds())
		if r := recover(); r != nil {
			logger.Errorf("[SUPERVISOR] executor panicked on %s: %v\n%s", item.ItemID, r, debug.Stack())
			outcome.Succeeded = false
			outcome.Detail = fmt.Sprintf("executor panicked: %v", r)
		}
		s.record(outcome)
	}()

	if err := s.Executor.Apply(ctx, item.ItemID, action); err != nil {
		outcome.Detail = err.Error()
		return outcome
	}
	outcome.Succeeded = true
	outcome.Detail = fmt.Sprintf("%s applied", action)
	return outcome
}

func (s *Supervisor) record(o ActionOutcome) {
	metrics.ActionsTotal.WithLabelValues(o.Action.String(), resultLabel(o.Succeeded)).Inc()
	if o.Succeeded {
		s.Events.Log(context.Background(), logger.SlogLevelSuccess,
			fmt.Sprintf("item %s (score=%d): %s", o.ItemID, o.Score, o.Detail))
		return
	}
	s.Events.Error(fmt.Sprintf("item %s (score=%d, action=%s): %s", o.ItemID, o.Score, o.Action, o.Detail))
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// Summary aggregates a batch of outcomes.
type Summary struct {
	Total     int            `json:"total"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	ByAction  map[string]int `json:"by_action"`
}

func Summarize(outcomes []ActionOutcome) Summary {
	sum := Summary{Total: len(outcomes), ByAction: make(map[string]int, len(Actions))}
	for _, a := range Actions {
		sum.ByAction[a.String()] = 0
	}
	for _, o := range outcomes {
		if o.Succeeded {
			sum.Succeeded++
			sum.ByAction[o.Action.String()]++
		} else {
			sum.Failed++
		}
	}
	return sum
}

func (s Summary) String() string {
	return fmt.Sprintf("total=%d succeeded=%d failed=%d safe=%d flag=%d tag=%d quarantine=%d",
		s.Total, s.Succeeded, s.Failed,
		s.ByAction["safe"], s.ByAction["flag"], s.ByAction["tag"], s.ByAction["quarantine"])
}
