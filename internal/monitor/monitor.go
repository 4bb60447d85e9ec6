// Package monitor tracks per-model request health and process-wide
// availability, and turns periodic resource samples into system records
// that feed the alert engine.
//
// Each model moves through UNSEEN, ACTIVE and DEGRADED. A model degrades when
// the error rate over its last ErrorWindow requests exceeds the threshold,
// and recovers only after RecoveryObservations consecutive requests with the
// rate back below it.
package monitor

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashita-ai/kansoku/internal/alert"
	"github.com/ashita-ai/kansoku/internal/metrics"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/sampler"
)

// Buffer sizes for the real-time view.
const (
	realTimeSize       = 100
	modelResponseTimes = 50
)

// Config holds monitor tuning. Zero fields take the defaults below.
type Config struct {
	Interval             time.Duration
	Thresholds           alert.Thresholds
	ErrorWindow          int
	RecoveryObservations int

	// MinObservations is how many requests the window must hold before a
	// model can degrade.
	MinObservations int
	IdleAfter       time.Duration
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Thresholds: alert.Thresholds{
			ResponseTime: 30 * time.Second,
			Memory:       0.8,
			ErrorRate:    0.1,
			Availability: 0.95,
		},
		ErrorWindow:          20,
		RecoveryObservations: 5,
		MinObservations:      5,
		IdleAfter:            5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Thresholds.ResponseTime <= 0 {
		c.Thresholds.ResponseTime = d.Thresholds.ResponseTime
	}
	if c.Thresholds.Memory <= 0 {
		c.Thresholds.Memory = d.Thresholds.Memory
	}
	if c.Thresholds.ErrorRate <= 0 {
		c.Thresholds.ErrorRate = d.Thresholds.ErrorRate
	}
	if c.Thresholds.Availability <= 0 {
		c.Thresholds.Availability = d.Thresholds.Availability
	}
	if c.ErrorWindow <= 0 {
		c.ErrorWindow = d.ErrorWindow
	}
	if c.RecoveryObservations <= 0 {
		c.RecoveryObservations = d.RecoveryObservations
	}
	if c.MinObservations <= 0 {
		c.MinObservations = d.MinObservations
	}
	c.MinObservations = min(c.MinObservations, c.ErrorWindow)
	if c.IdleAfter <= 0 {
		c.IdleAfter = d.IdleAfter
	}
	return c
}

// RequestObserver is told about every recorded request.
type RequestObserver func(modelName string, success bool)

// Monitor aggregates request outcomes. Safe for concurrent use; every
// RecordRequest is applied atomically.
type Monitor struct {
	cfg       Config
	logger    *slog.Logger
	alerts    *alert.Engine
	sink      metrics.Sink
	collector *metrics.Collector
	poller    *sampler.Poller
	now       func() time.Time
	observers []RequestObserver
	createdAt time.Time

	mu             sync.Mutex
	models         map[string]*modelStats
	totalRequests  int64
	failedRequests int64
	successTime    float64
	successCount   int64
	lastError      *time.Time
	sampled        bool
	responseTimes  []float64
	errorCounts    []int
	memoryUsage    []float64

	running atomic.Bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithSink sends the system records produced by each poll to sink.
func WithSink(sink metrics.Sink) Option {
	return func(m *Monitor) { m.sink = sink }
}

// WithRequestObserver registers fn to see every RecordRequest.
func WithRequestObserver(fn RequestObserver) Option {
	return func(m *Monitor) { m.observers = append(m.observers, fn) }
}

// New creates a monitor. s may be sampler.Noop{} when resource sampling is
// unavailable; engine may be nil to disable alerting.
func New(cfg Config, s sampler.Sampler, engine *alert.Engine, logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:    cfg.withDefaults(),
		logger: logger,
		alerts: engine,
		now:    time.Now,
		models: make(map[string]*modelStats),
	}
	for _, o := range opts {
		o(m)
	}
	m.createdAt = m.now()
	m.collector = metrics.NewCollectorWithClock(m.now)
	if s == nil {
		s = sampler.Noop{}
	}
	m.poller = sampler.NewPoller(s, logger, m.cfg.Interval, m.onSample)
	return m
}

// Config returns the effective configuration.
func (m *Monitor) Config() Config { return m.cfg }

// RecordRequest applies one request outcome for modelName.
func (m *Monitor) RecordRequest(modelName string, success bool, responseTime time.Duration) {
	now := m.now()
	secs := max(responseTime.Seconds(), 0)

	m.mu.Lock()
	ms, ok := m.models[modelName]
	if !ok {
		ms = newModelStats(modelName, m.cfg.ErrorWindow)
		m.models[modelName] = ms
	}
	from := ms.state

	m.totalRequests++
	errFlag := 0
	if success {
		m.successTime += secs
		m.successCount++
		m.responseTimes = pushFloat(m.responseTimes, secs, realTimeSize)
	} else {
		m.failedRequests++
		t := now
		m.lastError = &t
		errFlag = 1
	}
	m.errorCounts = pushInt(m.errorCounts, errFlag, realTimeSize)

	ms.observe(now, success, secs, m.cfg)
	to := ms.state
	rate := ms.rollingErrorRate()
	m.mu.Unlock()

	if from != to {
		m.logTransition(modelName, from, to, rate)
	}
	for _, fn := range m.observers {
		fn(modelName, success)
	}
}

func (m *Monitor) logTransition(name string, from, to model.ModelState, rate float64) {
	switch to {
	case model.ModelStateDegraded:
		m.logger.Warn("monitor: model degraded", "model", name, "rolling_error_rate", rate)
	case model.ModelStateActive:
		if from == model.ModelStateDegraded {
			m.logger.Info("monitor: model recovered", "model", name, "rolling_error_rate", rate)
		}
	}
}

// Status returns the snapshot for one model. The boolean is false when the
// model has never been seen; the returned status then carries State unseen.
func (m *Monitor) Status(modelName string) (model.ModelStatus, bool) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.models[modelName]
	if !ok {
		return model.ModelStatus{ModelName: modelName, State: model.ModelStateUnseen}, false
	}
	return ms.snapshot(now, m.cfg.IdleAfter), true
}

// IsHealthy reports whether a model's success rate is above 90% and its
// average response time is under the response-time threshold.
func (m *Monitor) IsHealthy(modelName string) bool {
	st, ok := m.Status(modelName)
	if !ok || st.RequestCount == 0 {
		return false
	}
	return st.Availability > 0.9 && st.AvgResponseTime < m.cfg.Thresholds.ResponseTime.Seconds()
}

// SystemStatus returns the process-wide snapshot. It never fails: fields
// whose preconditions are unmet are left nil.
func (m *Monitor) SystemStatus() model.SystemStatus {
	now := m.now()
	latest, haveSample := m.poller.Latest()

	m.mu.Lock()
	defer m.mu.Unlock()

	st := model.SystemStatus{
		MonitoringActive: m.running.Load(),
		TotalRequests:    m.totalRequests,
		FailedRequests:   m.failedRequests,
		Availability:     m.availabilityLocked(),
		AvgResponseTime:  m.avgResponseLocked(),
		Models:           make(map[string]model.ModelStatus, len(m.models)),
		GeneratedAt:      now.UTC(),
	}
	st.Health = model.HealthDegraded
	if st.Availability > m.cfg.Thresholds.Availability {
		st.Health = model.HealthHealthy
	}
	if m.sampled {
		up := now.Sub(m.createdAt).Seconds()
		st.UptimeSeconds = &up
	}
	if haveSample {
		mem := latest.MemoryPercent
		st.MemoryPercent = &mem
		st.LastSample = &latest
	}
	if m.lastError != nil {
		t := *m.lastError
		st.LastError = &t
	}
	for name, ms := range m.models {
		snap := ms.snapshot(now, m.cfg.IdleAfter)
		st.Models[name] = snap
		switch snap.State {
		case model.ModelStateActive:
			st.ActiveModels++
		case model.ModelStateDegraded:
			st.DegradedModels++
		}
	}
	return st
}

func (m *Monitor) availabilityLocked() float64 {
	if m.totalRequests == 0 {
		return 1
	}
	return float64(m.totalRequests-m.failedRequests) / float64(m.totalRequests)
}

func (m *Monitor) errorRateLocked() float64 {
	if m.totalRequests == 0 {
		return 0
	}
	return float64(m.failedRequests) / float64(m.totalRequests)
}

func (m *Monitor) avgResponseLocked() float64 {
	if m.successCount == 0 {
		return 0
	}
	return m.successTime / float64(m.successCount)
}

// ModelNames lists every model seen so far, sorted.
func (m *Monitor) ModelNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.models))
}

// RealTime is the recent-activity view for live dashboards.
type RealTime struct {
	ResponseTimes []float64            `json:"response_times"`
	ErrorCounts   []int                `json:"error_counts"`
	MemoryUsage   []float64            `json:"memory_usage"`
	ModelResponse map[string][]float64 `json:"model_response_times"`
	Timestamp     time.Time            `json:"timestamp"`
}

// RealTime returns copies of the recent-activity buffers.
func (m *Monitor) RealTime() RealTime {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	rt := RealTime{
		ResponseTimes: slices.Clone(m.responseTimes),
		ErrorCounts:   slices.Clone(m.errorCounts),
		MemoryUsage:   slices.Clone(m.memoryUsage),
		ModelResponse: make(map[string][]float64, len(m.models)),
		Timestamp:     now.UTC(),
	}
	for name, ms := range m.models {
		rt.ModelResponse[name] = slices.Clone(ms.responseTimes)
	}
	return rt
}

// Reset clears all request statistics and model state. Uptime keeps its
// baseline.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models = make(map[string]*modelStats)
	m.totalRequests = 0
	m.failedRequests = 0
	m.successTime = 0
	m.successCount = 0
	m.lastError = nil
	m.responseTimes = nil
	m.errorCounts = nil
	m.memoryUsage = nil
	m.logger.Info("monitor: statistics reset")
}

// Start begins periodic resource sampling. Each sample is turned into a
// system record, sent to the sink and evaluated against the alert rules.
func (m *Monitor) Start(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	m.poller.Start(ctx)
	m.logger.Info("monitor: started", "interval", m.cfg.Interval)
}

// Stop ends sampling and waits for the loop, bounded by ctx.
func (m *Monitor) Stop(ctx context.Context) {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	m.poller.Stop(ctx)
	m.logger.Info("monitor: stopped")
}

// Poll takes one sample immediately, outside the loop.
func (m *Monitor) Poll(ctx context.Context) (model.SystemSample, bool) {
	return m.poller.Poll(ctx)
}

// onSample runs on the poll goroutine for every successful sample.
func (m *Monitor) onSample(s model.SystemSample) {
	now := m.now()

	m.mu.Lock()
	m.sampled = true
	m.memoryUsage = pushFloat(m.memoryUsage, s.MemoryPercent, realTimeSize)
	attrs := metrics.SystemAttributes(s)
	attrs[alert.AttrAvgResponseTime] = m.avgResponseLocked()
	attrs[alert.AttrErrorRate] = m.errorRateLocked()
	attrs[alert.AttrAvailability] = m.availabilityLocked()
	var idled []string
	for name, ms := range m.models {
		idle := ms.idleAt(now, m.cfg.IdleAfter)
		if idle && !ms.idle {
			idled = append(idled, name)
		}
		ms.idle = idle
	}
	m.mu.Unlock()

	for _, name := range idled {
		m.logger.Info("monitor: model idle", "model", name, "idle_after", m.cfg.IdleAfter)
	}

	rec := m.collector.Record(metrics.Measurement{
		Operation:  "system_monitor",
		Category:   model.CategorySystem,
		Timestamp:  s.SampledAt,
		Success:    true,
		Attributes: attrs,
	})
	if m.sink != nil {
		m.sink.Emit(rec)
	}
	if m.alerts != nil {
		m.alerts.Evaluate(context.Background(), rec)
	}
}

func pushFloat(buf []float64, v float64, limit int) []float64 {
	buf = append(buf, v)
	if len(buf) > limit {
		buf = slices.Delete(buf, 0, len(buf)-limit)
	}
	return buf
}

func pushInt(buf []int, v, limit int) []int {
	buf = append(buf, v)
	if len(buf) > limit {
		buf = slices.Delete(buf, 0, len(buf)-limit)
	}
	return buf
}
