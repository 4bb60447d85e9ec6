package kansoku_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku"
	"github.com/ashita-ai/kansoku/internal/config"
	"github.com/ashita-ai/kansoku/internal/experiment"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/sampler"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fixedSampler() kansoku.Sampler {
	return sampler.Func(func(context.Context) (model.SystemSample, error) {
		return model.SystemSample{CPUPercent: 10, MemoryPercent: 40, SampledAt: time.Now()}, nil
	})
}

// liveBackend accepts every call and counts ended runs.
type liveBackend struct {
	mu    sync.Mutex
	ended map[string]model.RunStatus
}

func (b *liveBackend) StartRun(_ context.Context, req experiment.StartRunRequest) (string, error) {
	return req.RunID, nil
}

func (b *liveBackend) EndRun(_ context.Context, id string, status model.RunStatus, _ time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ended == nil {
		b.ended = map[string]model.RunStatus{}
	}
	b.ended[id] = status
	return nil
}

func (b *liveBackend) LogParam(context.Context, string, string, string) error       { return nil }
func (b *liveBackend) LogMetric(context.Context, string, model.RunMetric) error     { return nil }
func (b *liveBackend) LogArtifact(context.Context, string, model.RunArtifact) error { return nil }
func (b *liveBackend) Ping(context.Context) error                                   { return nil }

func newMonitoring(t *testing.T, opts ...kansoku.Option) *kansoku.Monitoring {
	t.Helper()
	cfg := config.Defaults()
	cfg.ExportDir = t.TempDir()
	base := []kansoku.Option{
		kansoku.WithConfig(cfg),
		kansoku.WithLogger(testLogger()),
		kansoku.WithSampler(fixedSampler()),
	}
	m, err := kansoku.New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func generate(_ context.Context, prompt string) (string, error) {
	return "echo: " + prompt, nil
}

func TestNewStartsQuiet(t *testing.T) {
	m := newMonitoring(t)

	st := m.Status()
	assert.Zero(t, st.TotalRequests)
	assert.Equal(t, 1.0, st.Availability)
	_, ok := st.Uptime()
	assert.False(t, ok, "no sample taken yet")
	assert.Empty(t, m.Records())
	assert.NotNil(t, m.Gatherer())
}

func TestWrapRecordsAndUpdatesMonitor(t *testing.T) {
	m := newMonitoring(t, kansoku.WithBackend(&liveBackend{}))
	llm := kansoku.Wrap1(m, kansoku.LLMOp("llama3", "ollama"), generate)

	out, err := llm(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, "echo: hello world", out)

	recs := m.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, kansoku.CategoryLLM, recs[0].Category())
	assert.True(t, recs[0].Success())

	st, ok := m.ModelStatus("ollama:llama3")
	require.True(t, ok)
	assert.Equal(t, int64(1), st.RequestCount)
	assert.Zero(t, st.ErrorCount)
	assert.Equal(t, 1.0, st.Availability)

	runs := m.Runs()
	require.Len(t, runs, 1)
	v, ok := runs[0].Param(experiment.ParamModelName)
	require.True(t, ok)
	assert.Equal(t, "llama3", v)
}

func TestWrapPassesErrorThrough(t *testing.T) {
	m := newMonitoring(t)
	sentinel := errors.New("provider down")
	llm := kansoku.Wrap(m, kansoku.LLMOp("gpt-4", "openai"), func(context.Context) (string, error) {
		return "", sentinel
	})

	_, err := llm(context.Background())
	assert.Same(t, sentinel, err)

	recs := m.Records()
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Success())
	st, _ := m.ModelStatus("openai:gpt-4")
	assert.Equal(t, int64(1), st.ErrorCount)
}

func TestAlertsReachPrometheusAndRecent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMonitoring(t,
		kansoku.WithRegisterer(reg),
		kansoku.WithAlertRules([]kansoku.AlertRule{{
			MetricKey:  model.AttrDurationSeconds,
			Comparator: model.ComparatorGTE,
			Threshold:  0,
			CallbackID: "any_call",
			Category:   kansoku.CategoryLLM,
		}}),
	)
	llm := kansoku.Wrap1(m, kansoku.LLMOp("llama3", "ollama"), generate)
	_, err := llm(context.Background(), "hi")
	require.NoError(t, err)

	alerts := m.Alerts().Recent()
	require.Len(t, alerts, 1)
	assert.Equal(t, "any_call", alerts[0].Rule.CallbackID)
	assert.Equal(t, "llama3", alerts[0].Subject, "records are keyed by the model attribute")

	n, err := testutil.GatherAndCount(reg, "kansoku_alerts_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = testutil.GatherAndCount(reg, "kansoku_model_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Same(t, reg, m.Gatherer())
}

// syncBuffer is a bytes.Buffer safe for a logger shared across goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestReloadedRulesLogNewCallbackIDs(t *testing.T) {
	var logs syncBuffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelInfo}))
	m := newMonitoring(t, kansoku.WithLogger(logger))

	rule := kansoku.AlertRule{
		MetricKey:  model.AttrDurationSeconds,
		Comparator: model.ComparatorGTE,
		Threshold:  0,
		CallbackID: "pager_slow_llm",
		Category:   kansoku.CategoryLLM,
	}
	require.NoError(t, m.SetAlertRules([]kansoku.AlertRule{rule}))
	require.NoError(t, m.SetAlertRules([]kansoku.AlertRule{rule}))

	llm := kansoku.Wrap1(m, kansoku.LLMOp("llama3", "ollama"), generate)
	_, err := llm(context.Background(), "hi")
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(logs.String(), `"callback_id":"pager_slow_llm"`),
		"the log callback is installed exactly once for a reloaded id")
}

func TestSetAlertRulesRejectsInvalidSet(t *testing.T) {
	m := newMonitoring(t)
	before := m.Alerts().Rules()
	err := m.SetAlertRules([]kansoku.AlertRule{{MetricKey: "x", Comparator: "==", CallbackID: "c"}})
	assert.Error(t, err)
	assert.Equal(t, before, m.Alerts().Rules())
}

func TestSecondInstanceOnSameRegistererFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	newMonitoring(t, kansoku.WithRegisterer(reg))

	_, err := kansoku.New(kansoku.WithRegisterer(reg), kansoku.WithLogger(testLogger()), kansoku.WithSampler(fixedSampler()))
	assert.Error(t, err)
}

func TestInvalidConfigRejected(t *testing.T) {
	cfg := config.Defaults()
	cfg.ErrorRateThreshold = 2
	_, err := kansoku.New(kansoku.WithConfig(cfg), kansoku.WithLogger(testLogger()))
	assert.Error(t, err)
}

func TestInvalidAlertRulesRejected(t *testing.T) {
	_, err := kansoku.New(
		kansoku.WithLogger(testLogger()),
		kansoku.WithSampler(fixedSampler()),
		kansoku.WithAlertRules([]kansoku.AlertRule{{MetricKey: "x", Comparator: "==", CallbackID: "c"}}),
	)
	assert.Error(t, err)
}

func TestPollGivesUptime(t *testing.T) {
	m := newMonitoring(t)
	_, ok := m.Monitor().Poll(context.Background())
	require.True(t, ok)

	st := m.Status()
	_, ok = st.Uptime()
	assert.True(t, ok)
	require.NotNil(t, st.MemoryPercent)
	assert.Equal(t, 40.0, *st.MemoryPercent)
}

func TestExportDefaultPaths(t *testing.T) {
	m := newMonitoring(t)
	llm := kansoku.Wrap1(m, kansoku.LLMOp("llama3", "ollama"), generate)
	_, err := llm(context.Background(), "hi")
	require.NoError(t, err)

	path, err := m.ExportMonitoringData("")
	require.NoError(t, err)
	assert.Equal(t, m.Config().ExportDir, filepath.Dir(path))
	assert.True(t, strings.HasPrefix(filepath.Base(path), "monitoring_data_"))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(b, &doc))
	assert.Len(t, doc["records"], 1)
	assert.Contains(t, doc["model_states"], "ollama:llama3")

	path, err = m.ExportExperimentData(filepath.Join(m.Config().ExportDir, "runs.csv"))
	require.NoError(t, err)
	b, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(b), "\n"), "header plus one run")
}

func TestExportEmpty(t *testing.T) {
	m := newMonitoring(t)
	path, err := m.ExportMonitoringData("")
	require.NoError(t, err)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"records": []`)
}

func TestNonFiniteAttributeDoesNotBreakExport(t *testing.T) {
	m := newMonitoring(t)
	op := kansoku.Op{
		Name:       "quality_check",
		Category:   kansoku.CategoryQuality,
		Attributes: kansoku.Attributes{"relevance": math.NaN(), "coverage": 0.5},
	}
	check := kansoku.Wrap(m, op, func(context.Context) (bool, error) { return true, nil })
	_, err := check(context.Background())
	require.NoError(t, err)

	recs := m.Records()
	require.Len(t, recs, 1)
	_, ok := recs[0].Attr("relevance")
	assert.False(t, ok)
	flagged, _ := recs[0].Attr(model.AttrInvalidValue)
	assert.Equal(t, true, flagged)

	path, err := m.ExportMonitoringData("")
	require.NoError(t, err)
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"coverage": 0.5`)
}

func TestCloseEndsActiveRuns(t *testing.T) {
	b := &liveBackend{}
	m := newMonitoring(t, kansoku.WithBackend(b))

	_, run := m.Experiments().StartRun(context.Background(), "left-open", nil, false)
	require.True(t, run.Active())

	require.NoError(t, m.Close(context.Background()))
	require.NoError(t, m.Close(context.Background()))
	assert.Equal(t, model.RunStateEnded, run.State())
	assert.Equal(t, kansoku.RunStatusKilled, b.ended[run.ID()])
}

func TestStartAndClose(t *testing.T) {
	m := newMonitoring(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)
	require.Eventually(t, func() bool {
		_, ok := m.Status().Uptime()
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, m.Close(context.Background()))
}
