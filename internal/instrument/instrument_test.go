package instrument

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kansoku/internal/alert"
	"github.com/ashita-ai/kansoku/internal/experiment"
	"github.com/ashita-ai/kansoku/internal/metrics"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/monitor"
	"github.com/ashita-ai/kansoku/internal/perf"
	"github.com/ashita-ai/kansoku/internal/sampler"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memBackend records backend calls in order.
type memBackend struct {
	mu     sync.Mutex
	calls  []string
	parent map[string]string
	status map[string]model.RunStatus
	params map[string]map[string]string
}

func newMemBackend() *memBackend {
	return &memBackend{
		parent: make(map[string]string),
		status: make(map[string]model.RunStatus),
		params: make(map[string]map[string]string),
	}
}

func (b *memBackend) log(s string) {
	b.mu.Lock()
	b.calls = append(b.calls, s)
	b.mu.Unlock()
}

func (b *memBackend) StartRun(_ context.Context, req experiment.StartRunRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "start:"+req.Name)
	b.parent[req.RunID] = req.ParentRunID
	return req.RunID, nil
}

func (b *memBackend) EndRun(_ context.Context, runID string, status model.RunStatus, _ time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "end")
	b.status[runID] = status
	return nil
}

func (b *memBackend) LogParam(_ context.Context, runID, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.params[runID] == nil {
		b.params[runID] = make(map[string]string)
	}
	b.params[runID][key] = value
	return nil
}

func (b *memBackend) LogMetric(context.Context, string, model.RunMetric) error {
	b.log("metric")
	return nil
}

func (b *memBackend) LogArtifact(context.Context, string, model.RunArtifact) error { return nil }
func (b *memBackend) Ping(context.Context) error                                  { return nil }

type harness struct {
	inst    *Instrumenter
	history *metrics.History
	runs    *experiment.Tracker
	backend *memBackend
	alerts  *alert.Engine
	monitor *monitor.Monitor
}

func newHarness(t *testing.T, backend experiment.Backend) *harness {
	t.Helper()
	logger := testLogger()
	h := &harness{history: metrics.NewHistory(100), alerts: alert.New(logger)}
	if mb, ok := backend.(*memBackend); ok {
		h.backend = mb
	}
	h.runs = experiment.New(context.Background(), backend, logger)
	h.monitor = monitor.New(monitor.Config{}, sampler.Noop{}, h.alerts, logger)
	tracker := perf.New(logger, h.history)
	h.inst = New(tracker, h.runs, h.alerts, h.monitor, logger)
	return h
}

func TestFuncPassesResultThrough(t *testing.T) {
	h := newHarness(t, newMemBackend())
	gen := Func1(h.inst, LLMOp("llama3", "ollama"), func(_ context.Context, prompt string) (string, error) {
		return "the answer is forty two", nil
	})

	out, err := gen(context.Background(), "what is the answer to everything")
	require.NoError(t, err)
	assert.Equal(t, "the answer is forty two", out)

	recs := h.history.Records()
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.True(t, rec.Success())
	assert.Equal(t, model.CategoryLLM, rec.Category())
	v, ok := rec.Value(model.AttrTokensIn)
	require.True(t, ok)
	assert.Equal(t, 7.0, v, "6 words * 1.3")
	v, _ = rec.Value(model.AttrTokensOut)
	assert.Equal(t, 6.0, v, "5 words * 1.3")
	m, _ := rec.Attr(model.AttrModel)
	assert.Equal(t, "llama3", m)

	st, ok := h.monitor.Status("ollama:llama3")
	require.True(t, ok)
	assert.Equal(t, int64(1), st.RequestCount)

	runs := h.runs.History()
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStateEnded, runs[0].State)
	assert.Equal(t, model.RunStatusFinished, runs[0].Status)
	p, ok := runs[0].Param(experiment.ParamModelName)
	require.True(t, ok)
	assert.Equal(t, "llama3", p)
	_, ok = runs[0].MetricValue(model.AttrDurationSeconds)
	assert.True(t, ok)
	assert.Equal(t, "true", runs[0].Tags["auto_tracked"])
}

func TestFailingCallRecordsOneFailureAndKeepsError(t *testing.T) {
	h := newHarness(t, newMemBackend())
	sentinel := errors.New("model overloaded")
	gen := Func(h.inst, LLMOp("llama3", "ollama"), func(context.Context) (string, error) {
		return "partial", sentinel
	})

	out, err := gen(context.Background())
	assert.Same(t, sentinel, err)
	assert.Equal(t, "partial", out)

	recs := h.history.Records()
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Success())
	e, _ := recs[0].Attr(model.AttrError)
	assert.Equal(t, "model overloaded", e)

	st, _ := h.monitor.Status("ollama:llama3")
	assert.Equal(t, int64(1), st.ErrorCount)

	runs := h.runs.History()
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusFailed, runs[0].Status)
}

func TestPanicIsRecordedAndReraised(t *testing.T) {
	h := newHarness(t, newMemBackend())
	boom := Func(h.inst, PDFOp(), func(context.Context) (string, error) {
		panic("corrupt xref table")
	})

	assert.PanicsWithValue(t, "corrupt xref table", func() { _, _ = boom(context.Background()) })

	recs := h.history.Records()
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Success())
	runs := h.runs.History()
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusFailed, runs[0].Status)
	assert.Empty(t, experiment.ActiveRuns(context.Background()))
}

func TestStepsRunInOrder(t *testing.T) {
	h := newHarness(t, newMemBackend())
	rule := model.AlertRule{MetricKey: model.AttrDurationSeconds, Comparator: model.ComparatorGTE, Threshold: 0, CallbackID: "order"}
	require.NoError(t, h.alerts.SetRules([]model.AlertRule{rule}))

	var alertSawEndedRun, alertSawMonitorUpdate bool
	h.alerts.Register("order", func(context.Context, model.Alert) error {
		runs := h.runs.History()
		alertSawEndedRun = len(runs) == 1 && runs[0].State == model.RunStateEnded
		_, alertSawMonitorUpdate = h.monitor.Status(QASubject)
		return nil
	})

	var stateInCall model.RunState
	ask := Func1(h.inst, QAOp(), func(ctx context.Context, q Question) (string, error) {
		if cur := experiment.Current(ctx); cur != nil {
			stateInCall = cur.State()
		}
		assert.Len(t, h.history.Records(), 0, "record is emitted after the call")
		return "yes", nil
	})
	_, err := ask(context.Background(), Question{Context: "a\n\nb", Question: "is it?"})
	require.NoError(t, err)

	assert.Equal(t, model.RunStateActive, stateInCall)
	assert.True(t, alertSawEndedRun, "run closed before alerts")
	assert.False(t, alertSawMonitorUpdate, "monitor updated after alerts")

	st, ok := h.monitor.Status(QASubject)
	require.True(t, ok)
	assert.Equal(t, int64(1), st.RequestCount)
}

func TestNestedCallsShareParentRun(t *testing.T) {
	backend := newMemBackend()
	h := newHarness(t, backend)

	extract := Func1(h.inst, PDFOp(), func(_ context.Context, path string) (string, error) {
		return "some words\n\nmore words", nil
	})
	generate := Func1(h.inst, LLMOp("llama3", "ollama"), func(_ context.Context, prompt string) (string, error) {
		return "summary", nil
	})
	pipeline := Func1(h.inst, PipelineOp("summarize"), func(ctx context.Context, path string) (string, error) {
		text, err := extract(ctx, path)
		if err != nil {
			return "", err
		}
		return generate(ctx, text)
	})

	out, err := pipeline(context.Background(), "missing.pdf")
	require.NoError(t, err)
	assert.Equal(t, "summary", out)

	runs := h.runs.History()
	require.Len(t, runs, 3)
	var root model.RunRecord
	for _, r := range runs {
		if r.ParentRunID == nil {
			root = r
		}
	}
	require.NotEmpty(t, root.ID)
	children := 0
	for _, r := range runs {
		if r.ParentRunID != nil {
			assert.Equal(t, root.ID, *r.ParentRunID)
			children++
		}
		assert.Equal(t, model.RunStateEnded, r.State)
	}
	assert.Equal(t, 2, children)

	pdf := h.history.Records()[0]
	assert.Equal(t, model.CategoryPDF, pdf.Category())
	words, _ := pdf.Value(model.AttrWordCount)
	assert.Equal(t, 4.0, words)
	chunks, _ := pdf.Value(model.AttrChunkCount)
	assert.Equal(t, 2.0, chunks)
	name, _ := pdf.Attr(model.AttrFileName)
	assert.Equal(t, "missing.pdf", name)
}

func TestConcurrentCallsAreAllCounted(t *testing.T) {
	h := newHarness(t, newMemBackend())
	gen := Func1(h.inst, LLMOp("llama3", "ollama"), func(_ context.Context, i int) (int, error) {
		return i * 2, nil
	})

	const n = 50
	var g errgroup.Group
	for i := range n {
		g.Go(func() error {
			ctx := experiment.Fork(context.Background())
			out, err := gen(ctx, i)
			if err == nil && out != i*2 {
				return errors.New("wrong result")
			}
			return err
		})
	}
	require.NoError(t, g.Wait())

	st, _ := h.monitor.Status("ollama:llama3")
	assert.Equal(t, int64(n), st.RequestCount)
	assert.Len(t, h.history.Records(), n)
	for _, r := range h.runs.History() {
		assert.Equal(t, model.RunStateEnded, r.State)
	}
}

func TestConcurrentCallsUnderSharedRunContext(t *testing.T) {
	backend := newMemBackend()
	h := newHarness(t, backend)
	ctx, pipeline := h.runs.StartRun(context.Background(), "pipeline", nil, false)
	require.True(t, pipeline.Active())

	aIn, bIn, aDone := make(chan struct{}), make(chan struct{}), make(chan struct{})
	callA := Func(h.inst, LLMOp("model-a", "ollama"), func(context.Context) (string, error) {
		close(aIn)
		<-bIn
		return "a", nil
	})
	callB := Func(h.inst, LLMOp("model-b", "ollama"), func(context.Context) (string, error) {
		close(bIn)
		<-aDone
		return "b", nil
	})

	var g errgroup.Group
	g.Go(func() error {
		_, err := callA(ctx)
		close(aDone)
		return err
	})
	<-aIn
	g.Go(func() error {
		_, err := callB(ctx)
		return err
	})
	require.NoError(t, g.Wait())

	backend.mu.Lock()
	defer backend.mu.Unlock()
	seen := map[string]bool{}
	for _, r := range h.runs.History() {
		if r.ID == pipeline.ID() {
			continue
		}
		require.NotNil(t, r.ParentRunID)
		assert.Equal(t, pipeline.ID(), *r.ParentRunID)
		assert.Equal(t, model.RunStatusFinished, backend.status[r.ID])
		assert.NotEmpty(t, r.Metrics)
		seen[backend.params[r.ID][experiment.ParamModelName]] = true
	}
	assert.Equal(t, map[string]bool{"model-a": true, "model-b": true}, seen)
	assert.True(t, pipeline.Active(), "children ending must not end the pipeline run")
}

func TestWorksWithoutBackend(t *testing.T) {
	h := newHarness(t, nil)
	gen := Func(h.inst, LLMOp("llama3", "ollama"), func(context.Context) (string, error) {
		return "ok", nil
	})
	out, err := gen(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Len(t, h.history.Records(), 1)

	runs := h.runs.History()
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStateFailedToStart, runs[0].State)
}

func TestCancelledCallIsRecordedAsCancelled(t *testing.T) {
	h := newHarness(t, newMemBackend())
	ctx, cancel := context.WithCancel(context.Background())
	err := h.inst.Do(ctx, LLMOp("llama3", "ollama").WithoutRun(), func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)

	rec := h.history.Records()[0]
	assert.False(t, rec.Success())
	c, _ := rec.Attr(model.AttrCancelled)
	assert.Equal(t, true, c)
	assert.Empty(t, h.runs.History())
}

func TestDescriberPanicDoesNotChangeOutcome(t *testing.T) {
	h := newHarness(t, newMemBackend())
	op := Op{Name: "custom", Category: model.CategoryQuality, Describe: func(any, any, time.Duration) model.Attributes {
		panic("bad describer")
	}}
	err := h.inst.Do(context.Background(), op, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, h.history.Records()[0].Success())
}

func TestPDFOpMeasuresFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), uuid.NewString()+".pdf")
	require.NoError(t, os.WriteFile(path, []byte("not really a pdf"), 0o600))

	attrs := PDFOp().Describe(path, statsResult{words: 1200, pages: 3}, time.Second)
	assert.Equal(t, filepath.Base(path), attrs[model.AttrFileName])
	assert.Equal(t, int64(3), attrs[model.AttrPages])
	assert.Equal(t, int64(1200), attrs[model.AttrWordCount])
	assert.Equal(t, 1.0, attrs[model.AttrExtractionQuality])
}

func countPDFParses(t *testing.T) *int {
	t.Helper()
	n := 0
	orig := pdfFileInfo
	pdfFileInfo = func(path string) (metrics.FileInfo, error) {
		n++
		return orig(path)
	}
	t.Cleanup(func() { pdfFileInfo = orig })
	return &n
}

func TestPDFOpSkipsParseWhenPagesKnown(t *testing.T) {
	parses := countPDFParses(t)
	path := filepath.Join(t.TempDir(), "report.pdf")
	require.NoError(t, os.WriteFile(path, make([]byte, 512*1024), 0o600))

	attrs := PDFOp().Describe(path, statsResult{words: 900, pages: 3}, time.Second)
	assert.Equal(t, 0, *parses)
	assert.Equal(t, int64(3), attrs[model.AttrPages])
	assert.InDelta(t, 0.5, attrs[model.AttrFileSizeMB], 1e-9)
	assert.Equal(t, "report.pdf", attrs[model.AttrFileName])
}

func TestPDFOpKeepsSizeWhenParseFails(t *testing.T) {
	parses := countPDFParses(t)
	path := filepath.Join(t.TempDir(), "broken.pdf")
	require.NoError(t, os.WriteFile(path, make([]byte, 256*1024), 0o600))

	attrs := PDFOp().Describe(path, "some extracted words", time.Second)
	assert.Equal(t, 1, *parses)
	assert.Equal(t, "broken.pdf", attrs[model.AttrFileName])
	assert.InDelta(t, 0.25, attrs[model.AttrFileSizeMB], 1e-9)
	assert.Equal(t, int64(0), attrs[model.AttrPages])
	assert.Equal(t, int64(3), attrs[model.AttrWordCount])
}

func TestPDFOpFileNameUsesPathBase(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	path := filepath.Join(dir, "doc.v2.pdf")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	attrs := PDFOp().Describe(path, statsResult{pages: 1}, time.Second)
	assert.Equal(t, "doc.v2.pdf", attrs[model.AttrFileName])

	attrs = PDFOp().Describe(filepath.Join(dir, "missing.pdf"), "", time.Second)
	assert.Equal(t, "missing.pdf", attrs[model.AttrFileName])
	assert.Equal(t, 0.0, attrs[model.AttrFileSizeMB])
}

type statsResult struct {
	words, pages int64
}

func (s statsResult) PDFStats() metrics.PDFStats {
	return metrics.PDFStats{Words: s.words, Pages: s.pages}
}

func TestWithParams(t *testing.T) {
	op := LLMOp("llama3", "ollama").WithParams(map[string]any{"temperature": 0.7})
	assert.Equal(t, 0.7, op.Params["temperature"])
	assert.Equal(t, "llama3", op.Params[experiment.ParamModelName])
	assert.NotContains(t, LLMOp("llama3", "ollama").Params, "temperature")
}
