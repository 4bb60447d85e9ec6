package metrics

import (
	"sync"
	"time"

	"github.com/ashita-ai/kansoku/internal/model"
)

// DefaultHistorySize bounds in-memory record accumulation.
const DefaultHistorySize = 1000

// Sink receives every emitted record. Implementations must be safe for
// concurrent use and must not block.
type Sink interface {
	Emit(rec model.MetricRecord)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(rec model.MetricRecord)

// Emit calls f(rec).
func (f SinkFunc) Emit(rec model.MetricRecord) { f(rec) }

// Fanout forwards each record to every sink in order.
type Fanout []Sink

// Emit forwards rec to all sinks.
func (f Fanout) Emit(rec model.MetricRecord) {
	for _, s := range f {
		if s != nil {
			s.Emit(rec)
		}
	}
}

// History keeps the most recent records, oldest dropped first.
type History struct {
	mu      sync.Mutex
	records []model.MetricRecord
	max     int
	dropped int64
}

// NewHistory creates a history bounded to max records (DefaultHistorySize if <= 0).
func NewHistory(max int) *History {
	if max <= 0 {
		max = DefaultHistorySize
	}
	return &History{max: max}
}

// Emit appends rec, evicting the oldest record when full.
func (h *History) Emit(rec model.MetricRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	if over := len(h.records) - h.max; over > 0 {
		h.records = append(h.records[:0:0], h.records[over:]...)
		h.dropped += int64(over)
	}
}

// Records returns a copy of the accumulated records, oldest first.
func (h *History) Records() []model.MetricRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.MetricRecord(nil), h.records...)
}

// Len returns the number of held records.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

// Dropped returns the number of records evicted so far.
func (h *History) Dropped() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Reset clears the history.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = nil
	h.dropped = 0
}

// Summary aggregates the held records.
type Summary struct {
	TotalRecords      int        `json:"total_records"`
	Failures          int        `json:"failures"`
	AvgResponseTime   float64    `json:"avg_response_time"`
	AvgProcessingTime float64    `json:"avg_processing_time"`
	LastUpdate        *time.Time `json:"last_update,omitempty"`
}

// Summary computes average LLM response time and PDF processing time over the
// held records. LastUpdate is absent when there are no records.
func (h *History) Summary() Summary {
	h.mu.Lock()
	defer h.mu.Unlock()

	var s Summary
	var llmSum, pdfSum float64
	var llmN, pdfN int
	for _, r := range h.records {
		if !r.Success() {
			s.Failures++
		}
		switch r.Category() {
		case model.CategoryLLM, model.CategoryQA:
			llmSum += r.DurationSeconds()
			llmN++
		case model.CategoryPDF:
			pdfSum += r.DurationSeconds()
			pdfN++
		}
	}
	s.TotalRecords = len(h.records)
	if llmN > 0 {
		s.AvgResponseTime = llmSum / float64(llmN)
	}
	if pdfN > 0 {
		s.AvgProcessingTime = pdfSum / float64(pdfN)
	}
	if n := len(h.records); n > 0 {
		ts := h.records[n-1].Timestamp()
		s.LastUpdate = &ts
	}
	return s
}
