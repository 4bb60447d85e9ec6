package experiment

import (
	"context"
	"time"

	"github.com/ashita-ai/kansoku/internal/model"
)

// Best returns the ended run with the lowest (ascending) or highest value of
// metric. ok is false when no ended run logged it.
func (t *Tracker) Best(metric string, ascending bool) (model.RunRecord, bool) {
	var best model.RunRecord
	var bestVal float64
	found := false
	for _, rec := range t.History() {
		if rec.State != model.RunStateEnded {
			continue
		}
		v, ok := rec.MetricValue(metric)
		if !ok {
			continue
		}
		if !found || (ascending && v < bestVal) || (!ascending && v > bestVal) {
			best, bestVal, found = rec, v, true
		}
	}
	return best, found
}

// Comparison is the best run of one model for a metric.
type Comparison struct {
	RunID     string          `json:"run_id"`
	Value     float64         `json:"value"`
	StartedAt time.Time       `json:"start_time"`
	Status    model.RunStatus `json:"status"`
}

// ParamModelName is the run param that identifies the model a run measured.
const ParamModelName = "model_name"

// Compare returns, per model name, the run with the lowest value of metric.
// Models with no matching run are absent.
func (t *Tracker) Compare(models []string, metric string) map[string]Comparison {
	want := make(map[string]bool, len(models))
	for _, m := range models {
		want[m] = true
	}
	out := make(map[string]Comparison)
	for _, rec := range t.History() {
		name, ok := rec.Param(ParamModelName)
		if !ok || !want[name] {
			continue
		}
		v, ok := rec.MetricValue(metric)
		if !ok {
			continue
		}
		if cur, seen := out[name]; seen && cur.Value <= v {
			continue
		}
		out[name] = Comparison{RunID: rec.ID, Value: v, StartedAt: rec.StartedAt, Status: rec.Status}
	}
	return out
}

// CleanupOlderThan forgets ended runs started before now-age, deleting them
// from the backend when it supports deletion. Returns how many were removed.
func (t *Tracker) CleanupOlderThan(ctx context.Context, age time.Duration) int {
	cutoff := t.now().Add(-age)

	t.mu.Lock()
	var keep, drop []*Run
	for _, r := range t.history {
		rec := r.Record()
		if rec.State != model.RunStateActive && rec.StartedAt.Before(cutoff) {
			drop = append(drop, r)
			continue
		}
		keep = append(keep, r)
	}
	t.history = keep
	t.mu.Unlock()

	if d, ok := t.backend.(RunDeleter); ok {
		for _, r := range drop {
			if r.State() != model.RunStateEnded {
				continue
			}
			id := r.ID()
			if err := t.call(ctx, func(ctx context.Context) error { return d.DeleteRun(ctx, id) }); err != nil {
				t.logFailure("delete run", r, err)
				continue
			}
			t.logger.Info("experiment: run removed", "run_id", id)
		}
	}
	return len(drop)
}
