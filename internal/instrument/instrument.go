// Package instrument wraps arbitrary operations with timing, metric
// collection, experiment tracking, alerting and model monitoring.
//
// For every invocation the steps run in a fixed order inside one cleanup
// scope: the perf scope opens, an experiment run starts (nested under the
// context's current run when there is one), the call runs, the metric record
// is emitted, the run is logged and closed, alerts are evaluated and the
// monitor is updated. The wrapped call's result and error pass through
// unchanged; a panic is recorded and then re-raised.
package instrument

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kansoku/internal/alert"
	"github.com/ashita-ai/kansoku/internal/experiment"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/monitor"
	"github.com/ashita-ai/kansoku/internal/perf"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

var errAborted = errors.New("instrument: call aborted")

// Describer derives record attributes from a finished call. in is nil for
// calls without an input; out is the zero value when the call failed.
type Describer func(in, out any, elapsed time.Duration) model.Attributes

// Op describes one kind of instrumented operation.
type Op struct {
	Name     string
	Category model.Category

	// Subject is the monitor key, e.g. "ollama:llama3". Empty skips the
	// monitor update.
	Subject string

	// TrackRun opens an experiment run around each call.
	TrackRun bool
	RunName  string
	Tags     map[string]string
	Params   map[string]any

	Attributes model.Attributes
	Describe   Describer
}

// WithParams returns a copy of op with params added.
func (op Op) WithParams(params map[string]any) Op {
	merged := make(map[string]any, len(op.Params)+len(params))
	maps.Copy(merged, op.Params)
	maps.Copy(merged, params)
	op.Params = merged
	return op
}

// WithoutRun returns a copy of op that does not open an experiment run.
func (op Op) WithoutRun() Op {
	op.TrackRun = false
	return op
}

// Instrumenter composes the monitoring components. Only perf is required;
// nil runs, alerts or monitor skip their step.
type Instrumenter struct {
	perf    *perf.Tracker
	runs    *experiment.Tracker
	alerts  *alert.Engine
	monitor *monitor.Monitor
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures an Instrumenter.
type Option func(*Instrumenter)

// WithClock overrides the clock used for elapsed times passed to describers
// and the monitor.
func WithClock(now func() time.Time) Option {
	return func(i *Instrumenter) { i.now = now }
}

// New creates an instrumenter.
func New(tracker *perf.Tracker, runs *experiment.Tracker, alerts *alert.Engine, mon *monitor.Monitor, logger *slog.Logger, opts ...Option) *Instrumenter {
	i := &Instrumenter{
		perf:    tracker,
		runs:    runs,
		alerts:  alerts,
		monitor: mon,
		logger:  logger,
		tracer:  telemetry.Tracer("kansoku/instrument"),
		now:     time.Now,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Func wraps fn so every call is instrumented as op.
func Func[Out any](i *Instrumenter, op Op, fn func(ctx context.Context) (Out, error)) func(ctx context.Context) (Out, error) {
	return func(ctx context.Context) (Out, error) {
		var out Out
		err := i.invoke(ctx, op, nil, func(ctx context.Context) (any, error) {
			var err error
			out, err = fn(ctx)
			return out, err
		})
		return out, err
	}
}

// Func1 wraps a one-argument fn; the argument is passed to op's describer.
func Func1[In, Out any](i *Instrumenter, op Op, fn func(ctx context.Context, in In) (Out, error)) func(ctx context.Context, in In) (Out, error) {
	return func(ctx context.Context, in In) (Out, error) {
		var out Out
		err := i.invoke(ctx, op, in, func(ctx context.Context) (any, error) {
			var err error
			out, err = fn(ctx, in)
			return out, err
		})
		return out, err
	}
}

// Do instruments a call with no result.
func (i *Instrumenter) Do(ctx context.Context, op Op, fn func(ctx context.Context) error) error {
	return i.invoke(ctx, op, nil, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
}

type invocation struct {
	op    Op
	in    any
	span  trace.Span
	scope *perf.Scope
	run   *experiment.Run
	start time.Time
}

func (i *Instrumenter) invoke(ctx context.Context, op Op, in any, call func(ctx context.Context) (any, error)) error {
	ctx, span := i.tracer.Start(ctx, op.Name, trace.WithAttributes(
		attribute.String("kansoku.operation", op.Name),
		attribute.String("kansoku.category", string(op.Category)),
	))
	defer span.End()

	inv := &invocation{op: op, in: in, span: span, start: i.now()}
	inv.scope = i.perf.Track(ctx, op.Name, op.Category, op.Attributes)

	callCtx := ctx
	if op.TrackRun && i.runs != nil {
		callCtx, inv.run = i.startRun(ctx, op)
	}

	completed := false
	defer func() {
		if completed {
			return
		}
		p := recover()
		if p == nil {
			i.finish(ctx, inv, nil, errAborted)
			return
		}
		i.finish(ctx, inv, nil, &perf.PanicError{Value: p})
		panic(p)
	}()

	out, err := call(callCtx)
	completed = true
	i.finish(ctx, inv, out, err)
	return err
}

// startRun starts the invocation's run on a fork of ctx, so concurrent
// calls sharing a parent context each get their own stack and only ever see
// the caller's run as parent.
func (i *Instrumenter) startRun(ctx context.Context, op Op) (context.Context, *experiment.Run) {
	nested := experiment.Current(ctx) != nil
	ctx = experiment.Fork(ctx)
	name := op.RunName
	if name == "" {
		name = fmt.Sprintf("%s_%d", op.Name, i.now().Unix())
	}
	tags := map[string]string{"operation_type": op.Name, "auto_tracked": "true"}
	maps.Copy(tags, op.Tags)
	return i.runs.StartRun(ctx, name, tags, nested)
}

func (i *Instrumenter) finish(ctx context.Context, inv *invocation, out any, err error) {
	elapsed := i.now().Sub(inv.start)
	if inv.op.Describe != nil {
		inv.scope.Merge(i.describe(inv, out, err, elapsed))
	}
	rec := inv.scope.End(err)

	if inv.run != nil {
		inv.run.LogParams(ctx, inv.op.Params)
		inv.run.LogMetrics(ctx, runMetrics(rec))
		status := model.RunStatusFinished
		if !rec.Success() {
			status = model.RunStatusFailed
		}
		inv.run.End(ctx, status)
	}

	if i.alerts != nil {
		i.alerts.Evaluate(ctx, rec)
	}
	if i.monitor != nil && inv.op.Subject != "" {
		i.monitor.RecordRequest(inv.op.Subject, rec.Success(), time.Duration(rec.DurationSeconds()*float64(time.Second)))
	}

	inv.span.SetAttributes(
		attribute.Float64("kansoku.duration_seconds", rec.DurationSeconds()),
		attribute.Bool("kansoku.success", rec.Success()),
	)
	if err != nil {
		inv.span.RecordError(err)
		inv.span.SetStatus(codes.Error, err.Error())
	}
}

// describe runs the op's describer. A describer panic is logged and dropped
// so it cannot replace the wrapped call's outcome.
func (i *Instrumenter) describe(inv *invocation, out any, err error, elapsed time.Duration) (attrs model.Attributes) {
	defer func() {
		if p := recover(); p != nil {
			i.logger.Error("instrument: describer panic", "operation", inv.op.Name, "panic", fmt.Sprint(p))
			attrs = nil
		}
	}()
	if err != nil {
		out = nil
	}
	return inv.op.Describe(inv.in, out, elapsed)
}

// runMetrics picks the numeric attributes of rec for logging on the run.
func runMetrics(rec model.MetricRecord) map[string]float64 {
	attrs := rec.Attributes()
	m := map[string]float64{model.AttrDurationSeconds: rec.DurationSeconds()}
	for k := range attrs {
		if v, ok := attrs.Float(k); ok {
			m[k] = v
		}
	}
	return m
}
