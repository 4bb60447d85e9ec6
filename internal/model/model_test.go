package model

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComparatorHolds(t *testing.T) {
	tests := []struct {
		cmp       Comparator
		value     float64
		threshold float64
		want      bool
	}{
		{ComparatorGT, 2, 1, true},
		{ComparatorGT, 1, 1, false},
		{ComparatorGTE, 1, 1, true},
		{ComparatorLT, 0.5, 1, true},
		{ComparatorLT, 1, 1, false},
		{ComparatorLTE, 1, 1, true},
		{Comparator("bogus"), 1, 0, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.cmp.Holds(tt.value, tt.threshold), "%s(%v, %v)", tt.cmp, tt.value, tt.threshold)
	}
}

func TestParseComparator(t *testing.T) {
	for in, want := range map[string]Comparator{">": ComparatorGT, "GTE": ComparatorGTE, " lt ": ComparatorLT, "<=": ComparatorLTE} {
		got, err := ParseComparator(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseComparator("==")
	assert.Error(t, err)
}

func TestAlertRuleValidate(t *testing.T) {
	ok := AlertRule{MetricKey: "duration_seconds", Comparator: ComparatorGT, Threshold: 30, CallbackID: "slow"}
	require.NoError(t, ok.Validate())

	missingKey := ok
	missingKey.MetricKey = ""
	assert.Error(t, missingKey.Validate())

	missingCallback := ok
	missingCallback.CallbackID = ""
	assert.Error(t, missingCallback.Validate())

	badCmp := ok
	badCmp.Comparator = "eq"
	assert.Error(t, badCmp.Validate())
}

func TestMetricRecordIsImmutable(t *testing.T) {
	attrs := Attributes{AttrTokensOut: int64(10)}
	rec := NewMetricRecord("llm_generation", CategoryLLM, time.Now(), 1.5, true, attrs)

	// Writes to the caller's map do not reach the record.
	attrs[AttrTokensOut] = int64(99)
	v, ok := rec.Value(AttrTokensOut)
	require.True(t, ok)
	assert.Equal(t, 10.0, v)

	// Writes to the returned copy do not reach the record either.
	got := rec.Attributes()
	got[AttrTokensOut] = int64(42)
	v, _ = rec.Value(AttrTokensOut)
	assert.Equal(t, 10.0, v)
}

func TestMetricRecordKeepsOnlyFiniteScalars(t *testing.T) {
	type level string
	scores := []float64{0.1, 0.2}
	rec := NewMetricRecord("quality_check", CategoryQuality, time.Now(), 1, true, Attributes{
		"relevance": math.NaN(),
		"coverage":  math.Inf(1),
		"missing":   nil,
		"pages":     int32(7),
		"ratio":     float32(0.5),
		"level":     level("high"),
		"scores":    scores,
		"ok":        0.75,
	})

	attrs := rec.Attributes()
	assert.NotContains(t, attrs, "relevance")
	assert.NotContains(t, attrs, "coverage")
	assert.NotContains(t, attrs, "missing")
	assert.Equal(t, true, attrs[AttrInvalidValue])
	assert.Equal(t, int64(7), attrs["pages"])
	assert.Equal(t, 0.5, attrs["ratio"])
	assert.Equal(t, "high", attrs["level"])
	assert.Equal(t, "[0.1 0.2]", attrs["scores"])
	assert.Equal(t, 0.75, attrs["ok"])

	// A slice handed in cannot be mutated through the record.
	scores[0] = 9
	assert.Equal(t, "[0.1 0.2]", rec.Attributes()["scores"])

	_, err := json.Marshal(rec)
	assert.NoError(t, err)
}

func TestMetricRecordClampsBadDuration(t *testing.T) {
	rec := NewMetricRecord("op", CategoryLLM, time.Now(), math.NaN(), true, nil)
	assert.Zero(t, rec.DurationSeconds())
	v, _ := rec.Attr(AttrClockAnomaly)
	assert.Equal(t, true, v)

	ok := NewMetricRecord("op", CategoryLLM, time.Now(), 1, true, nil)
	_, flagged := ok.Attr(AttrInvalidValue)
	assert.False(t, flagged)
}

func TestMetricRecordValue(t *testing.T) {
	rec := NewMetricRecord("op", CategoryPDF, time.Now(), 2.5, true, Attributes{
		AttrPages:     3,
		AttrFileName:  "a.pdf",
		AttrCancelled: false,
	})

	v, ok := rec.Value(AttrDurationSeconds)
	assert.True(t, ok)
	assert.Equal(t, 2.5, v)

	v, ok = rec.Value(AttrPages)
	assert.True(t, ok)
	assert.Equal(t, 3.0, v)

	_, ok = rec.Value(AttrFileName)
	assert.False(t, ok, "strings are not numeric")
	_, ok = rec.Value(AttrCancelled)
	assert.False(t, ok, "bools are not numeric")
	_, ok = rec.Value("missing")
	assert.False(t, ok)
}

func TestMetricRecordSubject(t *testing.T) {
	withModel := NewMetricRecord("llm_generation", CategoryLLM, time.Now(), 1, true, Attributes{AttrModel: "ollama:llama3"})
	assert.Equal(t, "ollama:llama3", withModel.Subject())

	without := NewMetricRecord("pdf_processing", CategoryPDF, time.Now(), 1, true, nil)
	assert.Equal(t, "pdf_processing", without.Subject())
}

func TestMetricRecordMarshalJSON(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := NewMetricRecord("pdf_processing", CategoryPDF, ts, 0.25, false, Attributes{AttrPages: int64(4)})

	b, err := json.Marshal(rec)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "pdf_processing", got["operation_name"])
	assert.Equal(t, "pdf", got["category"])
	assert.Equal(t, false, got["success"])
	assert.Equal(t, 0.25, got["duration_seconds"])
	assert.Equal(t, map[string]any{"pages": 4.0}, got["attributes"])
}

func TestRunRecordClone(t *testing.T) {
	parent := "parent-1"
	r := RunRecord{
		ID:          "run-1",
		Tags:        map[string]string{"k": "v"},
		ParentRunID: &parent,
		Params:      []RunParam{{Key: "model_name", Value: "llama3"}},
		Metrics:     []RunMetric{{Key: "response_time", Value: 1}, {Key: "response_time", Value: 2}},
	}
	c := r.Clone()
	c.Tags["k"] = "changed"
	*c.ParentRunID = "changed"
	c.Params[0].Value = "changed"

	assert.Equal(t, "v", r.Tags["k"])
	assert.Equal(t, "parent-1", *r.ParentRunID)
	assert.Equal(t, "llama3", r.Params[0].Value)

	v, ok := r.MetricValue("response_time")
	require.True(t, ok)
	assert.Equal(t, 2.0, v, "latest value wins")

	p, ok := r.Param("model_name")
	require.True(t, ok)
	assert.Equal(t, "llama3", p)
}

func TestSystemStatusUptimeAbsent(t *testing.T) {
	var s SystemStatus
	_, ok := s.Uptime()
	assert.False(t, ok)

	secs := 90.0
	s.UptimeSeconds = &secs
	d, ok := s.Uptime()
	assert.True(t, ok)
	assert.Equal(t, 90*time.Second, d)
}
