package alert

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func slowRule() model.AlertRule {
	return model.AlertRule{
		MetricKey:  model.AttrDurationSeconds,
		Comparator: model.ComparatorGT,
		Threshold:  30,
		CallbackID: "slow",
		Severity:   model.SeverityWarning,
	}
}

func record(duration float64, attrs model.Attributes) model.MetricRecord {
	return model.NewMetricRecord("llm_generation", model.CategoryLLM, time.Now(), duration, true, attrs)
}

func TestEvaluateFiresWhenConditionHolds(t *testing.T) {
	e := New(testLogger())
	require.NoError(t, e.SetRules([]model.AlertRule{slowRule()}))

	var got []model.Alert
	e.Register("slow", func(_ context.Context, a model.Alert) error {
		got = append(got, a)
		return nil
	})

	fired := e.Evaluate(context.Background(), record(31, model.Attributes{model.AttrModel: "llama3"}))
	require.Len(t, fired, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "llama3", got[0].Subject)
	assert.Equal(t, 31.0, got[0].Value)

	assert.Empty(t, e.Evaluate(context.Background(), record(30, nil)), "gt is strict")
	assert.Len(t, got, 1)
}

func TestEvaluateSkipsMissingAndNonNumericAttributes(t *testing.T) {
	e := New(testLogger())
	rule := slowRule()
	rule.MetricKey = model.AttrTokensOut
	rule.Threshold = 0
	require.NoError(t, e.SetRules([]model.AlertRule{rule}))

	calls := 0
	e.Register("slow", func(context.Context, model.Alert) error { calls++; return nil })

	assert.Empty(t, e.Evaluate(context.Background(), record(1, nil)))
	assert.Empty(t, e.Evaluate(context.Background(), record(1, model.Attributes{model.AttrTokensOut: "lots"})))
	assert.Empty(t, e.Evaluate(context.Background(), record(1, model.Attributes{model.AttrTokensOut: true})))
	assert.Zero(t, calls)

	assert.Len(t, e.Evaluate(context.Background(), record(1, model.Attributes{model.AttrTokensOut: int64(5)})), 1)
	assert.Equal(t, 1, calls)
}

func TestEvaluateRespectsCategory(t *testing.T) {
	e := New(testLogger())
	rule := slowRule()
	rule.Category = model.CategoryPDF
	require.NoError(t, e.SetRules([]model.AlertRule{rule}))

	assert.Empty(t, e.Evaluate(context.Background(), record(100, nil)))
	pdf := model.NewMetricRecord("pdf_processing", model.CategoryPDF, time.Now(), 100, true, nil)
	assert.Len(t, e.Evaluate(context.Background(), pdf), 1)
}

func TestCallbacksRunInOrderAndAreIsolated(t *testing.T) {
	var logs bytes.Buffer
	e := New(slog.New(slog.NewTextHandler(&logs, nil)))
	require.NoError(t, e.SetRules([]model.AlertRule{slowRule()}))

	var order []int
	e.Register("slow", func(context.Context, model.Alert) error { order = append(order, 1); return errors.New("boom") })
	e.Register("slow", func(context.Context, model.Alert) error { order = append(order, 2); panic("kaboom") })
	e.Register("slow", func(context.Context, model.Alert) error { order = append(order, 3); return nil })

	fired := e.Evaluate(context.Background(), record(60, nil))
	assert.Len(t, fired, 1)
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.Contains(t, logs.String(), "boom")
	assert.Contains(t, logs.String(), "kaboom")
}

func TestUnregisteredCallbackStillRecordsAlert(t *testing.T) {
	e := New(testLogger())
	require.NoError(t, e.SetRules([]model.AlertRule{slowRule()}))

	var observed []model.Alert
	e.Observe(func(a model.Alert) { observed = append(observed, a) })

	assert.Len(t, e.Evaluate(context.Background(), record(45, nil)), 1)
	assert.Len(t, observed, 1)
	assert.Len(t, e.Recent(), 1)
}

func TestSetRulesReplacesWholesale(t *testing.T) {
	e := New(testLogger())
	require.NoError(t, e.SetRules([]model.AlertRule{slowRule()}))

	fast := slowRule()
	fast.Comparator = model.ComparatorLT
	fast.Threshold = 1
	fast.CallbackID = "fast"
	require.NoError(t, e.SetRules([]model.AlertRule{fast}))

	rules := e.Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, "fast", rules[0].CallbackID)
	assert.Empty(t, e.Evaluate(context.Background(), record(60, nil)))
}

func TestSetRulesRejectsInvalidAndKeepsPrevious(t *testing.T) {
	e := New(testLogger())
	require.NoError(t, e.SetRules([]model.AlertRule{slowRule()}))

	bad := slowRule()
	bad.CallbackID = ""
	err := e.SetRules([]model.AlertRule{slowRule(), bad})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rule 1")
	assert.Len(t, e.Rules(), 1)
}

func TestMultipleRulesFireIndependently(t *testing.T) {
	e := New(testLogger())
	tokens := model.AlertRule{MetricKey: model.AttrTokensOut, Comparator: model.ComparatorGTE, Threshold: 100, CallbackID: "tokens"}
	require.NoError(t, e.SetRules([]model.AlertRule{slowRule(), tokens}))

	fired := e.Evaluate(context.Background(), record(31, model.Attributes{model.AttrTokensOut: int64(100)}))
	require.Len(t, fired, 2)
	assert.Equal(t, "slow", fired[0].Rule.CallbackID)
	assert.Equal(t, "tokens", fired[1].Rule.CallbackID)
}

func TestRecentIsBounded(t *testing.T) {
	e := New(testLogger())
	require.NoError(t, e.SetRules([]model.AlertRule{slowRule()}))
	for i := range recentAlerts + 10 {
		e.Evaluate(context.Background(), record(float64(31+i), nil))
	}
	recent := e.Recent()
	require.Len(t, recent, recentAlerts)
	assert.Equal(t, 41.0, recent[0].Value)
}

func TestConcurrentEvaluateAndSetRules(t *testing.T) {
	e := New(testLogger())
	require.NoError(t, e.SetRules([]model.AlertRule{slowRule()}))

	var mu sync.Mutex
	calls := 0
	e.Register("slow", func(context.Context, model.Alert) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 50 {
				e.Evaluate(context.Background(), record(60, nil))
			}
		})
	}
	wg.Go(func() {
		for range 50 {
			_ = e.SetRules([]model.AlertRule{slowRule()})
		}
	})
	wg.Wait()
	assert.Equal(t, 400, calls)
}

func TestLogCallbackLevelFollowsSeverity(t *testing.T) {
	var buf bytes.Buffer
	cb := LogCallback(slog.New(slog.NewTextHandler(&buf, nil)))

	rule := slowRule()
	rule.Severity = model.SeverityCritical
	require.NoError(t, cb(context.Background(), model.Alert{Rule: rule, Subject: "llama3", Value: 40}))
	assert.Contains(t, buf.String(), "level=ERROR")

	buf.Reset()
	rule.Severity = model.SeverityWarning
	require.NoError(t, cb(context.Background(), model.Alert{Rule: rule, Subject: "llama3", Value: 40}))
	assert.Contains(t, buf.String(), "level=WARN")

	buf.Reset()
	rule.Severity = model.SeverityInfo
	require.NoError(t, cb(context.Background(), model.Alert{Rule: rule, Subject: "llama3", Value: 40}))
	assert.Contains(t, buf.String(), "level=INFO")
}

func TestDefaultRules(t *testing.T) {
	rules := DefaultRules(Thresholds{ResponseTime: 30 * time.Second, Memory: 0.8, ErrorRate: 0.1, Availability: 0.95})
	require.Len(t, rules, 5)
	for _, r := range rules {
		require.NoError(t, r.Validate())
	}

	e := New(testLogger())
	require.NoError(t, e.SetRules(rules))

	sys := model.NewMetricRecord("system_monitor", model.CategorySystem, time.Now(), 0, true, model.Attributes{
		model.AttrMemoryPercent: 85.0,
		AttrAvgResponseTime:     12.0,
		AttrErrorRate:           0.2,
		AttrAvailability:        0.8,
	})
	var ids []string
	for _, a := range e.Evaluate(context.Background(), sys) {
		ids = append(ids, a.Rule.CallbackID)
	}
	assert.Equal(t, []string{MemoryHigh, ErrorRateHigh, AvailabilityLow}, ids)

	assert.Empty(t, DefaultRules(Thresholds{}))
}
