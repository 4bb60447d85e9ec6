// Package perf times units of work and emits exactly one metric record per
// scope, whatever the exit path.
package perf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kansoku/internal/metrics"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// historyPerOperation bounds the per-operation duration history.
const historyPerOperation = 50

// Tracker opens timing scopes and forwards their records to a sink.
type Tracker struct {
	collector     *metrics.Collector
	sink          metrics.Sink
	logger        *slog.Logger
	now           func() time.Time
	slowThreshold time.Duration
	duration      metric.Float64Histogram

	mu        sync.Mutex
	durations map[string][]float64
	active    map[uint64]*Scope
	nextID    uint64
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the clock used for start and end times.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithSlowThreshold logs a warning for operations slower than d. Zero disables.
func WithSlowThreshold(d time.Duration) Option {
	return func(t *Tracker) { t.slowThreshold = d }
}

// New creates a tracker emitting to sink, which may be nil.
func New(logger *slog.Logger, sink metrics.Sink, opts ...Option) *Tracker {
	t := &Tracker{
		sink:      sink,
		logger:    logger,
		now:       time.Now,
		durations: make(map[string][]float64),
		active:    make(map[uint64]*Scope),
	}
	for _, o := range opts {
		o(t)
	}
	t.collector = metrics.NewCollectorWithClock(t.now)

	h, err := telemetry.Meter("kansoku/perf").Float64Histogram("kansoku.operation.duration",
		metric.WithDescription("Duration of tracked operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("perf: create duration histogram", "error", err)
	}
	t.duration = h
	return t
}

// Scope is one timed unit of work. A scope belongs to the goroutine that
// opened it; End may be called from a deferred function on any exit path.
type Scope struct {
	tracker  *Tracker
	ctx      context.Context
	id       uint64
	name     string
	category model.Category
	start    time.Time
	attrs    model.Attributes

	once sync.Once
	rec  model.MetricRecord
}

// Track opens a scope. attrs is copied.
func (t *Tracker) Track(ctx context.Context, name string, category model.Category, attrs model.Attributes) *Scope {
	s := &Scope{
		tracker:  t,
		ctx:      ctx,
		name:     name,
		category: category,
		start:    t.now(),
		attrs:    maps.Clone(attrs),
	}
	if s.attrs == nil {
		s.attrs = model.Attributes{}
	}
	t.mu.Lock()
	t.nextID++
	s.id = t.nextID
	t.active[s.id] = s
	t.mu.Unlock()
	return s
}

// Name returns the operation name.
func (s *Scope) Name() string { return s.name }

// Start returns the scope's start time.
func (s *Scope) Start() time.Time { return s.start }

// Set adds an attribute to the record the scope will emit. Calls after End
// have no effect.
func (s *Scope) Set(key string, value any) {
	s.attrs[key] = value
}

// Merge adds every attribute in attrs.
func (s *Scope) Merge(attrs model.Attributes) {
	maps.Copy(s.attrs, attrs)
}

// End closes the scope and returns its record. Only the first call emits;
// later calls return the same record.
func (s *Scope) End(err error) model.MetricRecord {
	s.once.Do(func() {
		s.rec = s.tracker.finish(s, err)
	})
	return s.rec
}

func (t *Tracker) finish(s *Scope, err error) model.MetricRecord {
	end := t.now()
	attrs := maps.Clone(s.attrs)
	success := err == nil
	if isCancelled(s.ctx, err) {
		success = false
		attrs[model.AttrCancelled] = true
	}
	if err != nil {
		attrs[model.AttrError] = err.Error()
	}

	rec := t.collector.Record(metrics.Measurement{
		Operation:  s.name,
		Category:   s.category,
		Timestamp:  end,
		Duration:   end.Sub(s.start),
		Success:    success,
		Attributes: attrs,
	})

	t.mu.Lock()
	delete(t.active, s.id)
	hist := append(t.durations[s.name], rec.DurationSeconds())
	if len(hist) > historyPerOperation {
		hist = hist[len(hist)-historyPerOperation:]
	}
	t.durations[s.name] = hist
	t.mu.Unlock()

	if t.slowThreshold > 0 && rec.DurationSeconds() > t.slowThreshold.Seconds() {
		t.logger.Warn("perf: slow operation",
			"operation", s.name,
			"duration_seconds", rec.DurationSeconds(),
			"threshold_seconds", t.slowThreshold.Seconds(),
		)
	}
	if t.duration != nil {
		t.duration.Record(context.WithoutCancel(s.ctx), rec.DurationSeconds(), metric.WithAttributes(
			attribute.String("operation", s.name),
			attribute.String("category", string(s.category)),
			attribute.Bool("success", rec.Success()),
		))
	}
	if t.sink != nil {
		t.sink.Emit(rec)
	}
	return rec
}

func isCancelled(ctx context.Context, err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return ctx != nil && ctx.Err() != nil
}

var errAborted = errors.New("perf: operation aborted")

// PanicError wraps a recovered panic value so it can be recorded as a failure.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Do runs fn inside a scope and returns fn's error unchanged. A panic in fn
// is recorded as a failure and then re-raised.
func (t *Tracker) Do(ctx context.Context, name string, category model.Category, fn func(ctx context.Context) error) error {
	s := t.Track(ctx, name, category, nil)
	completed := false
	defer func() {
		if completed {
			return
		}
		p := recover()
		if p == nil {
			// runtime.Goexit, nothing to re-raise
			s.End(errAborted)
			return
		}
		s.End(&PanicError{Value: p})
		panic(p)
	}()
	err := fn(ctx)
	completed = true
	s.End(err)
	return err
}

// OperationStats summarizes the recent durations of one operation.
// P95 and P99 need at least five samples.
type OperationStats struct {
	Count  int      `json:"count"`
	Avg    float64  `json:"avg_duration"`
	Min    float64  `json:"min_duration"`
	Max    float64  `json:"max_duration"`
	Median float64  `json:"median_duration"`
	Last   float64  `json:"last_duration"`
	P95    *float64 `json:"p95,omitempty"`
	P99    *float64 `json:"p99,omitempty"`
}

// Summary returns stats for every operation seen since the last Reset.
func (t *Tracker) Summary() map[string]OperationStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]OperationStats, len(t.durations))
	for name, d := range t.durations {
		if len(d) == 0 {
			continue
		}
		out[name] = summarize(d)
	}
	return out
}

func summarize(d []float64) OperationStats {
	sorted := slices.Clone(d)
	sort.Float64s(sorted)
	n := len(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	st := OperationStats{
		Count: n,
		Avg:   sum / float64(n),
		Min:   sorted[0],
		Max:   sorted[n-1],
		Last:  d[n-1],
	}
	if n%2 == 1 {
		st.Median = sorted[n/2]
	} else {
		st.Median = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	if n >= 5 {
		p95 := sorted[min(int(0.95*float64(n)), n-1)]
		p99 := sorted[min(int(0.99*float64(n)), n-1)]
		st.P95, st.P99 = &p95, &p99
	}
	return st
}

// ActiveOperation describes an open scope.
type ActiveOperation struct {
	Operation      string         `json:"operation"`
	Category       model.Category `json:"category"`
	StartedAt      time.Time      `json:"started_at"`
	ElapsedSeconds float64        `json:"duration_so_far"`
}

// Active lists open scopes, oldest first.
func (t *Tracker) Active() []ActiveOperation {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := slices.Sorted(maps.Keys(t.active))
	out := make([]ActiveOperation, 0, len(ids))
	for _, id := range ids {
		s := t.active[id]
		out = append(out, ActiveOperation{
			Operation:      s.name,
			Category:       s.category,
			StartedAt:      s.start.UTC(),
			ElapsedSeconds: now.Sub(s.start).Seconds(),
		})
	}
	return out
}

// Reset clears the duration history. Open scopes are unaffected.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.durations = make(map[string][]float64)
	t.mu.Unlock()
	t.logger.Info("perf: history cleared")
}
