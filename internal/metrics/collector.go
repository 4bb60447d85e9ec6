// Package metrics turns raw measurements into structured metric records and
// accumulates them for the dashboard read surface.
//
// Collector is pure: it performs no I/O and never fails. History, Fanout and
// Prometheus are the sinks that records flow into after collection.
package metrics

import (
	"math"
	"strings"
	"time"

	"github.com/ashita-ai/kansoku/internal/model"
)

// Measurement is the raw input for one record.
type Measurement struct {
	Operation  string
	Category   model.Category
	Timestamp  time.Time // zero means "now" per the collector's clock
	Duration   time.Duration
	Success    bool
	Attributes model.Attributes
}

// Collector shapes measurements into records.
type Collector struct {
	now func() time.Time
}

// NewCollector returns a collector using the wall clock.
func NewCollector() *Collector {
	return &Collector{now: time.Now}
}

// NewCollectorWithClock returns a collector using the given clock for default timestamps.
func NewCollectorWithClock(now func() time.Time) *Collector {
	if now == nil {
		now = time.Now
	}
	return &Collector{now: now}
}

// Record builds an immutable MetricRecord from m. A negative duration is
// clamped to zero and flagged with clock_anomaly=true; clock skew is an
// environmental condition, not a caller error. Attributes that are not
// finite scalars are normalized or dropped with invalid_value=true.
func (c *Collector) Record(m Measurement) model.MetricRecord {
	attrs := make(model.Attributes, len(m.Attributes)+1)
	for k, v := range m.Attributes {
		attrs[k] = v
	}

	secs := m.Duration.Seconds()
	if secs < 0 || math.IsNaN(secs) {
		secs = 0
		attrs[model.AttrClockAnomaly] = true
	}

	ts := m.Timestamp
	if ts.IsZero() {
		ts = c.now()
	}
	category := m.Category
	if category == "" {
		category = model.CategorySystem
	}
	return model.NewMetricRecord(m.Operation, category, ts.UTC(), secs, m.Success, attrs)
}

// LLMUsage describes one language-model call.
type LLMUsage struct {
	Model     string
	Provider  string
	TokensIn  int64
	TokensOut int64
}

// LLMAttributes derives the llm attribute set: token counts, throughput and a
// cost estimate when the provider's pricing is known.
func LLMAttributes(u LLMUsage, d time.Duration) model.Attributes {
	attrs := model.Attributes{
		model.AttrTokensIn:  u.TokensIn,
		model.AttrTokensOut: u.TokensOut,
	}
	if u.Model != "" {
		attrs[model.AttrModel] = u.Model
	}
	if u.Provider != "" {
		attrs[model.AttrProvider] = u.Provider
	}
	if secs := d.Seconds(); secs > 0 {
		attrs[model.AttrTokensPerSecond] = float64(u.TokensOut) / secs
	} else {
		attrs[model.AttrTokensPerSecond] = 0.0
	}
	if cost, ok := EstimateCost(u.Provider, u.TokensIn, u.TokensOut); ok {
		attrs[model.AttrCostEstimation] = cost
	}
	return attrs
}

// price is USD per 1K tokens.
type price struct{ input, output float64 }

// providerPricing lists per-model prices; a provider's estimate uses the mean
// across its models. Local providers are free.
var providerPricing = map[string][]price{
	"openai": {
		{input: 0.0015, output: 0.002}, // gpt-3.5-turbo
		{input: 0.03, output: 0.06},    // gpt-4
	},
	"anthropic": {
		{input: 0.00025, output: 0.00125}, // claude-3-haiku
		{input: 0.003, output: 0.015},     // claude-3-sonnet
	},
	"ollama":      nil,
	"huggingface": nil,
}

// EstimateCost returns the USD cost of a call, rounded to 6 decimals.
// ok is false when the provider is unknown.
func EstimateCost(provider string, tokensIn, tokensOut int64) (float64, bool) {
	prices, known := providerPricing[strings.ToLower(provider)]
	if !known {
		return 0, false
	}
	if len(prices) == 0 {
		return 0, true
	}
	var in, out float64
	for _, p := range prices {
		in += p.input
		out += p.output
	}
	in /= float64(len(prices))
	out /= float64(len(prices))
	cost := float64(tokensIn)/1000*in + float64(tokensOut)/1000*out
	return math.Round(cost*1e6) / 1e6, true
}

// EstimateTokens approximates a token count from whitespace-separated words.
func EstimateTokens(text string) int64 {
	return int64(float64(len(strings.Fields(text))) * 1.3)
}

// PDFStats describes one processed document.
type PDFStats struct {
	FileName   string
	FileSizeMB float64
	Pages      int64
	Words      int64
	Characters int64
	Chunks     int64
}

// PDFAttributes derives the pdf attribute set including extraction quality.
func PDFAttributes(s PDFStats) model.Attributes {
	attrs := model.Attributes{
		model.AttrFileSizeMB:        s.FileSizeMB,
		model.AttrPages:             s.Pages,
		model.AttrWordCount:         s.Words,
		model.AttrCharacterCount:    s.Characters,
		model.AttrChunkCount:        s.Chunks,
		model.AttrExtractionQuality: ExtractionQuality(s.Pages, s.Words),
	}
	if s.FileName != "" {
		attrs[model.AttrFileName] = s.FileName
	}
	return attrs
}

// ExtractionQuality scores text density: 100-500 words per page is 1.0,
// sparser pages scale linearly, denser pages decay as 500/wpp.
func ExtractionQuality(pages, words int64) float64 {
	if pages <= 0 {
		return 0
	}
	wpp := float64(words) / float64(pages)
	var q float64
	switch {
	case wpp >= 100 && wpp <= 500:
		q = 1
	case wpp < 100:
		q = wpp / 100
	default:
		q = math.Min(1, 500/wpp)
	}
	return math.Round(q*100) / 100
}

// SystemAttributes flattens a resource sample into attributes. GPU keys are
// only present when the sample carries them.
func SystemAttributes(s model.SystemSample) model.Attributes {
	attrs := model.Attributes{
		model.AttrCPUPercent:    s.CPUPercent,
		model.AttrMemoryPercent: s.MemoryPercent,
		model.AttrDiskPercent:   s.DiskPercent,
		"net_bytes_sent":        int64(s.NetBytesSent), //nolint:gosec // counters fit in int64
		"net_bytes_recv":        int64(s.NetBytesRecv), //nolint:gosec // counters fit in int64
	}
	if s.GPUUtilization != nil {
		attrs[model.AttrGPUUtilization] = *s.GPUUtilization
	}
	if s.GPUMemoryPercent != nil {
		attrs[model.AttrGPUMemoryPercent] = *s.GPUMemoryPercent
	}
	return attrs
}

// QualityAttributes copies named quality scores (coherence, relevance,
// completeness, accuracy, user satisfaction) into attributes.
func QualityAttributes(scores map[string]float64) model.Attributes {
	attrs := make(model.Attributes, len(scores))
	for k, v := range scores {
		attrs[k] = v
	}
	return attrs
}
