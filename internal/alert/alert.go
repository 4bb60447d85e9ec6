// Package alert evaluates metric records against threshold rules and
// dispatches fired alerts to registered callbacks.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ashita-ai/kansoku/internal/model"
)

// Callback handles one fired alert. Errors are logged by the engine.
type Callback func(ctx context.Context, a model.Alert) error

// recentAlerts bounds the fired-alert history.
const recentAlerts = 100

// Engine holds rules and callbacks. Safe for concurrent use.
type Engine struct {
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	rules     []model.AlertRule
	callbacks map[string][]Callback
	observers []func(model.Alert)

	recentMu sync.Mutex
	recent   []model.Alert
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock used for FiredAt.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine with no rules.
func New(logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		logger:    logger,
		now:       time.Now,
		callbacks: make(map[string][]Callback),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetRules replaces the whole rule set. Invalid rule sets are rejected and
// the previous rules stay in force. Evaluations already running keep the
// rules they started with.
func (e *Engine) SetRules(rules []model.AlertRule) error {
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("alert: rule %d: %w", i, err)
		}
	}
	e.mu.Lock()
	e.rules = slices.Clone(rules)
	e.mu.Unlock()
	return nil
}

// Rules returns a copy of the current rules.
func (e *Engine) Rules() []model.AlertRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.rules)
}

// Register appends cb to the callbacks for callbackID.
func (e *Engine) Register(callbackID string, cb Callback) {
	e.mu.Lock()
	e.callbacks[callbackID] = append(e.callbacks[callbackID], cb)
	e.mu.Unlock()
}

// Observe registers fn to see every fired alert regardless of callback id.
func (e *Engine) Observe(fn func(model.Alert)) {
	e.mu.Lock()
	e.observers = append(e.observers, fn)
	e.mu.Unlock()
}

// Evaluate checks rec against every rule in order and returns the alerts
// that fired. A rule whose attribute is absent or non-numeric is skipped.
func (e *Engine) Evaluate(ctx context.Context, rec model.MetricRecord) []model.Alert {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	var fired []model.Alert
	for _, rule := range rules {
		if rule.Category != "" && rule.Category != rec.Category() {
			continue
		}
		v, ok := rec.Value(rule.MetricKey)
		if !ok || !rule.Comparator.Holds(v, rule.Threshold) {
			continue
		}
		a := model.Alert{
			Rule:     rule,
			Subject:  rec.Subject(),
			Value:    v,
			Category: rec.Category(),
			FiredAt:  e.now().UTC(),
		}
		e.dispatch(ctx, a)
		fired = append(fired, a)
	}
	return fired
}

// dispatch runs every callback for the alert's id in registration order.
// Each callback is isolated: an error or panic is logged and the rest still run.
func (e *Engine) dispatch(ctx context.Context, a model.Alert) {
	e.mu.RLock()
	cbs := slices.Clone(e.callbacks[a.Rule.CallbackID])
	observers := slices.Clone(e.observers)
	e.mu.RUnlock()

	e.recentMu.Lock()
	e.recent = append(e.recent, a)
	if over := len(e.recent) - recentAlerts; over > 0 {
		e.recent = append(e.recent[:0:0], e.recent[over:]...)
	}
	e.recentMu.Unlock()

	for i, cb := range cbs {
		if err := e.invoke(ctx, cb, a); err != nil {
			e.logger.Error("alert: callback failed",
				"callback_id", a.Rule.CallbackID,
				"callback_index", i,
				"subject", a.Subject,
				"error", err,
			)
		}
	}
	for _, fn := range observers {
		e.observe(fn, a)
	}
}

func (e *Engine) invoke(ctx context.Context, cb Callback, a model.Alert) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("alert: callback panic: %v", p)
		}
	}()
	return cb(ctx, a)
}

func (e *Engine) observe(fn func(model.Alert), a model.Alert) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("alert: observer panic", "callback_id", a.Rule.CallbackID, "panic", fmt.Sprint(p))
		}
	}()
	fn(a)
}

// Recent returns the most recently fired alerts, oldest first.
func (e *Engine) Recent() []model.Alert {
	e.recentMu.Lock()
	defer e.recentMu.Unlock()
	return slices.Clone(e.recent)
}

// LogCallback logs each alert at a level matching its severity.
func LogCallback(logger *slog.Logger) Callback {
	return func(ctx context.Context, a model.Alert) error {
		level := slog.LevelInfo
		switch a.Rule.Severity {
		case model.SeverityWarning:
			level = slog.LevelWarn
		case model.SeverityCritical:
			level = slog.LevelError
		}
		logger.Log(ctx, level, "alert: fired",
			"callback_id", a.Rule.CallbackID,
			"subject", a.Subject,
			"metric", a.Rule.MetricKey,
			"value", a.Value,
			"threshold", a.Rule.Threshold,
			"message", a.Message(),
		)
		return nil
	}
}
