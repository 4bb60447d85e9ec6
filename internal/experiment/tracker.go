package experiment

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/ashita-ai/kansoku/internal/model"
)

// DefaultHistorySize bounds the run records kept for export and queries.
const DefaultHistorySize = 1000

// Tracker starts and ends runs. It never returns backend errors to callers.
type Tracker struct {
	backend     Backend // nil in no-op mode
	breaker     *gobreaker.CircuitBreaker
	logger      *slog.Logger
	now         func() time.Time
	defaultTags map[string]string
	callTimeout time.Duration
	maxHistory  int

	mu      sync.Mutex
	history []*Run
	active  []*Run // started order, independent of history bounds
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithDefaultTags sets tags merged under every run's own tags.
func WithDefaultTags(tags map[string]string) Option {
	return func(t *Tracker) { t.defaultTags = maps.Clone(tags) }
}

// WithClock overrides the clock used for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithCallTimeout bounds each backend call. Defaults to 5s.
func WithCallTimeout(d time.Duration) Option {
	return func(t *Tracker) { t.callTimeout = d }
}

// WithHistorySize bounds the run history. Defaults to DefaultHistorySize.
func WithHistorySize(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxHistory = n
		}
	}
}

// New creates a tracker. When backend is nil or fails its Ping, the tracker
// runs in no-op mode: runs are returned in state failed_to_start and every
// call on them does nothing. That fallback is logged once, here.
func New(ctx context.Context, backend Backend, logger *slog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		logger:      logger,
		now:         time.Now,
		callTimeout: 5 * time.Second,
		maxHistory:  DefaultHistorySize,
	}
	for _, o := range opts {
		o(t)
	}

	if backend == nil {
		logger.Info("experiment: no tracking backend configured, tracking disabled")
		return t
	}
	pingCtx, cancel := context.WithTimeout(ctx, t.callTimeout)
	defer cancel()
	if err := backend.Ping(pingCtx); err != nil {
		logger.Warn("experiment: tracking backend unavailable, tracking disabled", "error", err)
		return t
	}

	t.backend = backend
	t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "experiment-backend",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("experiment: backend circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return t
}

// Enabled reports whether a backend is in use.
func (t *Tracker) Enabled() bool { return t.backend != nil }

// call runs one backend operation through the breaker. The operation gets a
// context detached from caller cancellation so cleanup still reaches the
// backend when the instrumented call was cancelled.
func (t *Tracker) call(ctx context.Context, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.callTimeout)
	defer cancel()
	_, err := t.breaker.Execute(func() (interface{}, error) {
		return nil, fn(cctx)
	})
	return err
}

// StartRun starts a run and returns a context carrying it as the current run.
//
// When nested is false, any runs still active in ctx are ended first with
// status KILLED and a warning. When nested is true the run becomes a child of
// the current run; with no current run it starts top-level.
//
// The returned run is never nil. If the backend rejects the run it comes back
// in state failed_to_start and ignores further calls.
func (t *Tracker) StartRun(ctx context.Context, name string, tags map[string]string, nested bool) (context.Context, *Run) {
	ctx, st := withStack(ctx)

	var parent *Run
	if nested {
		parent = Current(ctx)
	} else {
		for _, stale := range st.drain() {
			t.logger.Warn("experiment: ending stale active run",
				"run_id", stale.ID(), "run_name", stale.Name(), "new_run", name)
			stale.end(ctx, model.RunStatusKilled)
		}
	}

	if name == "" {
		name = "run_" + t.now().Format("20060102_150405")
	}
	allTags := make(map[string]string, len(t.defaultTags)+len(tags))
	maps.Copy(allTags, t.defaultTags)
	maps.Copy(allTags, tags)

	r := &Run{
		tracker: t,
		stack:   st,
		rec: model.RunRecord{
			ID:        uuid.NewString(),
			Name:      name,
			Tags:      allTags,
			State:     model.RunStateFailedToStart,
			StartedAt: t.now().UTC(),
		},
	}
	if parent != nil {
		pid := parent.ID()
		r.rec.ParentRunID = &pid
	}
	t.remember(r)

	if t.backend == nil {
		return ctx, r
	}

	req := StartRunRequest{RunID: r.rec.ID, Name: name, Tags: maps.Clone(allTags), StartedAt: r.rec.StartedAt}
	if parent != nil {
		req.ParentRunID = parent.ID()
	}
	var backendID string
	err := t.call(ctx, func(ctx context.Context) error {
		id, err := t.backend.StartRun(ctx, req)
		backendID = id
		return err
	})
	if err != nil {
		t.logger.Warn("experiment: start run failed", "run_name", name, "error", err)
		return ctx, r
	}

	r.mu.Lock()
	if backendID != "" {
		r.rec.ID = backendID
	}
	r.rec.State = model.RunStateActive
	r.mu.Unlock()
	t.mu.Lock()
	t.active = append(t.active, r)
	t.mu.Unlock()
	st.push(r)
	t.logger.Debug("experiment: run started", "run_id", r.ID(), "run_name", name, "nested", parent != nil)
	return ctx, r
}

// EndRun ends run with status. Ending an already-ended run is a no-op.
func (t *Tracker) EndRun(ctx context.Context, run *Run, status model.RunStatus) {
	if run == nil {
		return
	}
	run.End(ctx, status)
}

// EndAll ends every run still active in ctx, innermost first.
func (t *Tracker) EndAll(ctx context.Context, status model.RunStatus) {
	st := stackFrom(ctx)
	if st == nil {
		return
	}
	for _, r := range st.drain() {
		r.end(ctx, status)
	}
}

// EndActive ends every run that is still active, newest first, whatever
// context started it and however long ago. Used at shutdown.
func (t *Tracker) EndActive(ctx context.Context, status model.RunStatus) int {
	t.mu.Lock()
	runs := slices.Clone(t.active)
	t.mu.Unlock()

	n := 0
	for i := len(runs) - 1; i >= 0; i-- {
		if runs[i].Active() {
			runs[i].End(ctx, status)
			n++
		}
	}
	return n
}

func (t *Tracker) forget(r *Run) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i := slices.Index(t.active, r); i >= 0 {
		t.active = slices.Delete(t.active, i, i+1)
	}
}

func (t *Tracker) remember(r *Run) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = append(t.history, r)
	if over := len(t.history) - t.maxHistory; over > 0 {
		t.history = append(t.history[:0:0], t.history[over:]...)
	}
}

// History returns snapshots of every remembered run, oldest first.
func (t *Tracker) History() []model.RunRecord {
	t.mu.Lock()
	runs := append([]*Run(nil), t.history...)
	t.mu.Unlock()

	out := make([]model.RunRecord, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.Record())
	}
	return out
}

// Reset forgets the run history. Active runs are unaffected.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.history = nil
	t.mu.Unlock()
}

func (t *Tracker) logFailure(op string, r *Run, err error) {
	t.logger.Warn(fmt.Sprintf("experiment: %s failed", op), "run_id", r.ID(), "error", err)
}
