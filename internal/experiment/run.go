package experiment

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/ashita-ai/kansoku/internal/model"
)

// Run is a handle to one tracked run. Methods are safe for concurrent use
// and never fail: writes to a run that is not active are dropped.
type Run struct {
	tracker *Tracker
	stack   *stack

	mu  sync.Mutex
	rec model.RunRecord
}

// ID returns the run id.
func (r *Run) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec.ID
}

// Name returns the run name.
func (r *Run) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec.Name
}

// State returns the run's lifecycle state.
func (r *Run) State() model.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec.State
}

// Active reports whether the run accepts writes.
func (r *Run) Active() bool { return r.State() == model.RunStateActive }

// Record returns a snapshot of the run.
func (r *Run) Record() model.RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec.Clone()
}

// End ends the run and any runs nested inside it in the same context.
// Calling End again is a no-op.
func (r *Run) End(ctx context.Context, status model.RunStatus) {
	if !r.Active() {
		return
	}
	for _, child := range r.stack.above(r) {
		r.tracker.logger.Warn("experiment: ending nested run left open",
			"run_id", child.ID(), "parent_run_id", r.ID())
		child.end(ctx, model.RunStatusKilled)
	}
	r.end(ctx, status)
}

// end transitions the run to ended exactly once and notifies the backend.
func (r *Run) end(ctx context.Context, status model.RunStatus) {
	r.mu.Lock()
	if r.rec.State != model.RunStateActive {
		r.mu.Unlock()
		return
	}
	endedAt := r.tracker.now().UTC()
	r.rec.State = model.RunStateEnded
	r.rec.Status = status
	r.rec.EndedAt = &endedAt
	id := r.rec.ID
	r.mu.Unlock()

	r.stack.remove(r)

	t := r.tracker
	t.forget(r)
	if err := t.call(ctx, func(ctx context.Context) error {
		return t.backend.EndRun(ctx, id, status, endedAt)
	}); err != nil {
		t.logFailure("end run", r, err)
	}
}

// LogParam logs a parameter. Params are immutable: a repeated key is dropped.
func (r *Run) LogParam(ctx context.Context, key, value string) {
	r.mu.Lock()
	if r.rec.State != model.RunStateActive {
		r.mu.Unlock()
		return
	}
	if _, dup := r.rec.Param(key); dup {
		r.mu.Unlock()
		return
	}
	r.rec.Params = append(r.rec.Params, model.RunParam{Key: key, Value: value})
	id := r.rec.ID
	r.mu.Unlock()

	t := r.tracker
	if err := t.call(ctx, func(ctx context.Context) error {
		return t.backend.LogParam(ctx, id, key, value)
	}); err != nil {
		t.logFailure("log param", r, err)
	}
}

// LogParams logs several parameters. Non-string values are formatted.
func (r *Run) LogParams(ctx context.Context, params map[string]any) {
	for k, v := range params {
		r.LogParam(ctx, k, formatParam(v))
	}
}

// LogMetric logs a metric value at step 0.
func (r *Run) LogMetric(ctx context.Context, key string, value float64) {
	r.LogMetricStep(ctx, key, value, 0)
}

// LogMetricStep logs a metric value at the given step.
func (r *Run) LogMetricStep(ctx context.Context, key string, value float64, step int64) {
	r.mu.Lock()
	if r.rec.State != model.RunStateActive {
		r.mu.Unlock()
		return
	}
	m := model.RunMetric{Key: key, Value: value, Step: step, RecordedAt: r.tracker.now().UTC()}
	r.rec.Metrics = append(r.rec.Metrics, m)
	id := r.rec.ID
	r.mu.Unlock()

	t := r.tracker
	if err := t.call(ctx, func(ctx context.Context) error {
		return t.backend.LogMetric(ctx, id, m)
	}); err != nil {
		t.logFailure("log metric", r, err)
	}
}

// LogMetrics logs several metrics at step 0.
func (r *Run) LogMetrics(ctx context.Context, metrics map[string]float64) {
	for k, v := range metrics {
		r.LogMetric(ctx, k, v)
	}
}

// LogArtifact attaches a file reference to the run.
func (r *Run) LogArtifact(ctx context.Context, name, path string) {
	r.mu.Lock()
	if r.rec.State != model.RunStateActive {
		r.mu.Unlock()
		return
	}
	a := model.RunArtifact{Name: name, Path: path}
	r.rec.Artifacts = append(r.rec.Artifacts, a)
	id := r.rec.ID
	r.mu.Unlock()

	t := r.tracker
	if err := t.call(ctx, func(ctx context.Context) error {
		return t.backend.LogArtifact(ctx, id, a)
	}); err != nil {
		t.logFailure("log artifact", r, err)
	}
}

func formatParam(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}
