package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/inboxguard/inboxguard/classifier"
	"github.com/inboxguard/inboxguard/dispatch"
	"github.com/inboxguard/inboxguard/logger"
)

// ErrServiceUnavailable is returned by the body when the inference service
// is not running at classification time.
var ErrServiceUnavailable = errors.New("inference service is not running")

// Item is one extracted message as the pipeline sees it.
type Item struct {
	classifier.Email
	Digest string
}

// Source produces the items of a live run.
type Source interface {
	Items(ctx context.Context, limit int) ([]Item, error)
}

// Classifier predicts a class for every email of a batch.
type Classifier interface {
	ClassifyBatch(ctx context.Context, emails []classifier.Email) ([]classifier.Prediction, error)
}

// ServiceWatcher reports whether the inference service is up.
type ServiceWatcher interface {
	IsRunning(ctx context.Context) bool
}

// Recorder persists the result of a body run.
type Recorder interface {
	RecordRun(ctx context.Context, result RunResult) error
}

// History answers which action an earlier run applied to a message with the
// same content digest.
type History interface {
	LastAction(ctx context.Context, digest string) (Action, bool, error)
}

// RunResult is everything a body run produced.
type RunResult struct {
	RunID      string            `json:"run_id"`
	Mode       string            `json:"mode"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Digests    map[string]string `json:"digests,omitempty"`
	Outcomes   []ActionOutcome   `json:"outcomes"`
	Summary    Summary           `json:"summary"`
}

// OutcomesFile is the artifact name of a run's outcomes.
func OutcomesFile(runID string) string {
	return fmt.Sprintf("outcomes-%s.json", runID)
}

// Deps are the collaborators of the body. Source, Classifier and Service
// are only needed for live runs; Recorder is optional.
type Deps struct {
	Fixture     string
	Limit       int
	Source      Source
	Classifier  Classifier
	Scores      classifier.ScoreMap
	Service     ServiceWatcher
	Executor    Executor
	Concurrency int
	Recorder    Recorder
	// History, when set, drops live items whose mapped action was already
	// applied successfully to the same content.
	History      History
	ArtifactsDir string
}

// NewBody returns the classify-and-act pipeline body. Stage failures
// (extraction, classification, a missing service, the artifact write) fail
// the body; failures of individual actions never do.
func NewBody(deps Deps) dispatch.Body {
	return func(ctx context.Context, env *dispatch.Env) error {
		events := env.Events
		if events == nil {
			events = logger.Get()
		}
		started := time.Now()

		items, skipped, digests, err := deps.scoredItems(ctx, events)
		if err != nil {
			return err
		}
		if env.Shared != nil {
			env.Shared.Add("items", len(items))
		}

		supervisor := NewSupervisor(deps.Executor, deps.Concurrency, events)
		outcomes := withSkipped(items, skipped, supervisor.ApplyAll(ctx, pending(items, skipped)))
		summary := Summarize(outcomes)
		events.Info(fmt.Sprintf("actions finished: %s", summary))
		if env.Shared != nil {
			env.Shared.Add("failed", summary.Failed)
		}

		result := RunResult{
			RunID:      env.RunID,
			Mode:       env.Config.Mode.String(),
			StartedAt:  started,
			FinishedAt: time.Now(),
			Digests:    digests,
			Outcomes:   outcomes,
			Summary:    summary,
		}
		if err := writeOutcomes(deps.ArtifactsDir, result); err != nil {
			return err
		}

		if deps.Recorder != nil {
			if err := deps.Recorder.RecordRun(ctx, result); err != nil {
				events.Warn(fmt.Sprintf("run ledger not updated: %v", err))
			}
		}
		return ctx.Err()
	}
}

// scoredItems returns every item of the run in source order, plus the items
// whose mapped action is already in effect and must not be applied again.
func (d Deps) scoredItems(ctx context.Context, events *slog.Logger) ([]ScoredItem, map[string]Action, map[string]string, error) {
	if d.Fixture != "" {
		items, err := LoadFixture(d.Fixture)
		if err != nil {
			return nil, nil, nil, err
		}
		events.Info(fmt.Sprintf("loaded %d scored items from fixture %s", len(items), d.Fixture))
		return items, nil, nil, nil
	}

	if d.Source == nil || d.Classifier == nil {
		return nil, nil, nil, fmt.Errorf("live run requires a source and a classifier")
	}

	extracted, err := d.Source.Items(ctx, d.Limit)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("extraction failed: %w", err)
	}
	events.Info(fmt.Sprintf("extracted %d items", len(extracted)))
	if len(extracted) == 0 {
		return nil, nil, nil, nil
	}

	if d.Service != nil && !d.Service.IsRunning(ctx) {
		return nil, nil, nil, ErrServiceUnavailable
	}

	emails := make([]classifier.Email, len(extracted))
	digests := make(map[string]string, len(extracted))
	for i, it := range extracted {
		emails[i] = it.Email
		if it.Digest != "" {
			digests[it.ID] = it.Digest
		}
	}
	predictions, err := d.Classifier.ClassifyBatch(ctx, emails)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("classification failed: %w", err)
	}

	byID := make(map[string]classifier.Prediction, len(predictions))
	for _, p := range predictions {
		byID[p.ID] = p
	}
	items := make([]ScoredItem, 0, len(emails))
	skipped := make(map[string]Action)
	for _, e := range emails {
		p, ok := byID[e.ID]
		if !ok {
			return nil, nil, nil, fmt.Errorf("classification failed: no prediction for item %s", e.ID)
		}
		score, err := d.Scores.Score(p)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("item %s: %w", e.ID, err)
		}
		events.Info(fmt.Sprintf("item %s classified as %s (confidence=%.2f, score=%d)", e.ID, classifier.ClassName(p.Class), p.Confidence, score))
		if action, ok := d.repeated(ctx, events, e.ID, digests[e.ID], score); ok {
			skipped[e.ID] = action
		}
		items = append(items, ScoredItem{ItemID: e.ID, Score: score})
	}
	return items, skipped, digests, nil
}

func (d Deps) repeated(ctx context.Context, events *slog.Logger, id, digest string, score int) (Action, bool) {
	if d.History == nil || digest == "" {
		return 0, false
	}
	action, err := MapAction(score)
	if err != nil {
		return 0, false
	}
	last, found, err := d.History.LastAction(ctx, digest)
	if err != nil {
		events.Warn(fmt.Sprintf("history lookup for item %s failed: %v", id, err))
		return 0, false
	}
	if !found || last != action {
		return 0, false
	}
	events.Info(fmt.Sprintf("item %s skipped: %s already applied to identical content", id, action))
	return action, true
}

// pending drops the skipped items.
func pending(items []ScoredItem, skipped map[string]Action) []ScoredItem {
	if len(skipped) == 0 {
		return items
	}
	out := make([]ScoredItem, 0, len(items)-len(skipped))
	for _, it := range items {
		if _, ok := skipped[it.ItemID]; !ok {
			out = append(out, it)
		}
	}
	return out
}

// withSkipped merges the supervisor's outcomes back into source order, giving
// every skipped item a succeeded outcome of its own.
func withSkipped(items []ScoredItem, skipped map[string]Action, applied []ActionOutcome) []ActionOutcome {
	if len(skipped) == 0 {
		return applied
	}
	out := make([]ActionOutcome, 0, len(items))
	next := 0
	for _, it := range items {
		if action, ok := skipped[it.ItemID]; ok {
			out = append(out, ActionOutcome{
				ItemID:    it.ItemID,
				Score:     it.Score,
				Action:    action,
				Succeeded: true,
				Detail:    "skipped: already applied",
			})
			continue
		}
		out = append(out, applied[next])
		next++
	}
	return out
}

func writeOutcomes(dir string, result RunResult) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create artifacts directory: %w", err)
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode outcomes: %w", err)
	}
	path := filepath.Join(dir, OutcomesFile(result.RunID))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write outcomes: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write outcomes: %w", err)
	}
	return nil
}
