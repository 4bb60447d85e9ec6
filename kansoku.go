// Package kansoku monitors LLM and PDF processing pipelines.
//
// A Monitoring value bundles the metric history, performance tracker,
// experiment tracker, alert engine and model monitor, wired to each other.
// There are no package-level singletons: construct one with New and pass it
// where it is needed.
//
//	mon, err := kansoku.New(kansoku.WithLogger(logger))
//	if err != nil { ... }
//	mon.Start(ctx)
//	defer mon.Close(context.Background())
//
//	generate := kansoku.Wrap1(mon, kansoku.LLMOp("llama3", "ollama"), client.Generate)
//	answer, err := generate(ctx, prompt)
package kansoku

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ashita-ai/kansoku/internal/alert"
	"github.com/ashita-ai/kansoku/internal/config"
	"github.com/ashita-ai/kansoku/internal/experiment"
	"github.com/ashita-ai/kansoku/internal/export"
	"github.com/ashita-ai/kansoku/internal/instrument"
	"github.com/ashita-ai/kansoku/internal/metrics"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/monitor"
	"github.com/ashita-ai/kansoku/internal/perf"
	"github.com/ashita-ai/kansoku/internal/sampler"
)

// Monitoring is one monitoring context. Safe for concurrent use.
type Monitoring struct {
	cfg      config.Config
	logger   *slog.Logger
	now      func() time.Time
	history  *metrics.History
	prom     *metrics.Prometheus
	gatherer prometheus.Gatherer
	perf     *perf.Tracker
	runs     *experiment.Tracker
	alerts   *alert.Engine
	monitor  *monitor.Monitor
	instr    *instrument.Instrumenter

	logCallback alert.Callback
	logMu       sync.Mutex
	logged      map[string]bool

	closeOnce sync.Once
}

// New wires a monitoring context. It pings the tracking backend once; an
// unreachable backend disables tracking rather than failing New. It does
// not start sampling. Call Start.
func New(opts ...Option) (*Monitoring, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	cfg := config.Defaults()
	if o.cfg != nil {
		cfg = *o.cfg
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kansoku: %w", err)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	now := o.now
	if now == nil {
		now = time.Now
	}

	m := &Monitoring{cfg: cfg, logger: logger, now: now}

	reg := o.registerer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, m.gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	prom, err := metrics.NewPrometheus(reg)
	if err != nil {
		return nil, fmt.Errorf("kansoku: %w", err)
	}
	m.prom = prom
	m.history = metrics.NewHistory(cfg.RecordHistorySize)
	sink := metrics.Fanout{m.history, prom}

	thresholds := alert.Thresholds{
		ResponseTime: cfg.ResponseTimeThreshold,
		Memory:       cfg.MemoryThreshold,
		ErrorRate:    cfg.ErrorRateThreshold,
		Availability: cfg.AvailabilityThreshold,
	}
	rules := o.rules
	if !o.rulesSet {
		rules = alert.DefaultRules(thresholds)
	}
	m.alerts = alert.New(logger, alert.WithClock(now))
	m.logCallback = alert.LogCallback(logger)
	m.logged = map[string]bool{}
	if err := m.SetAlertRules(rules); err != nil {
		return nil, err
	}
	m.alerts.Observe(prom.ObserveAlert)

	m.perf = perf.New(logger, sink, perf.WithClock(now), perf.WithSlowThreshold(cfg.SlowOperationThreshold))

	s := o.sampler
	if s == nil {
		s = sampler.New()
	}
	m.monitor = monitor.New(monitor.Config{
		Interval:             cfg.MonitorInterval,
		Thresholds:           thresholds,
		ErrorWindow:          cfg.ErrorWindow,
		RecoveryObservations: cfg.RecoveryObservations,
		IdleAfter:            cfg.IdleAfter,
	}, s, m.alerts, logger,
		monitor.WithClock(now),
		monitor.WithSink(sink),
		monitor.WithRequestObserver(prom.ObserveRequest),
	)

	m.runs = experiment.New(context.Background(), o.backend, logger,
		experiment.WithDefaultTags(cfg.DefaultTags()),
		experiment.WithClock(now),
		experiment.WithCallTimeout(cfg.TrackingTimeout),
		experiment.WithHistorySize(cfg.RunHistorySize),
	)

	m.instr = instrument.New(m.perf, m.runs, m.alerts, m.monitor, logger, instrument.WithClock(now))
	return m, nil
}

// SetAlertRules replaces the alert rules. Every callback id the rules
// name, plus the built-in ones, gets the log callback once, so ids first
// seen on a reload still log. An invalid set changes nothing.
func (m *Monitoring) SetAlertRules(rules []model.AlertRule) error {
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("kansoku: alert rule %d: %w", i, err)
		}
	}
	m.logMu.Lock()
	defer m.logMu.Unlock()
	// Callbacks go in first so a rule can never fire before its id logs.
	for _, id := range callbackIDs(rules) {
		if !m.logged[id] {
			m.logged[id] = true
			m.alerts.Register(id, m.logCallback)
		}
	}
	if err := m.alerts.SetRules(rules); err != nil {
		return fmt.Errorf("kansoku: %w", err)
	}
	return nil
}

// callbackIDs lists the built-in ids plus any others the rules name.
func callbackIDs(rules []model.AlertRule) []string {
	ids := []string{alert.MemoryHigh, alert.ResponseTimeHigh, alert.ErrorRateHigh, alert.AvailabilityLow}
	seen := map[string]bool{}
	for _, id := range ids {
		seen[id] = true
	}
	for _, r := range rules {
		if !seen[r.CallbackID] {
			seen[r.CallbackID] = true
			ids = append(ids, r.CallbackID)
		}
	}
	return ids
}

// Wrap instruments fn. Every call is timed, recorded, alert-evaluated and
// counted against its subject; fn's result and error pass through unchanged.
func Wrap[Out any](m *Monitoring, op Op, fn func(ctx context.Context) (Out, error)) func(ctx context.Context) (Out, error) {
	return instrument.Func(m.instr, op, fn)
}

// Wrap1 is Wrap for functions taking one input, which the op's describer
// can inspect.
func Wrap1[In, Out any](m *Monitoring, op Op, fn func(ctx context.Context, in In) (Out, error)) func(ctx context.Context, in In) (Out, error) {
	return instrument.Func1(m.instr, op, fn)
}

// Config returns the effective configuration.
func (m *Monitoring) Config() config.Config { return m.cfg }

func (m *Monitoring) Instrumenter() *instrument.Instrumenter { return m.instr }
func (m *Monitoring) Monitor() *monitor.Monitor              { return m.monitor }
func (m *Monitoring) Experiments() *experiment.Tracker       { return m.runs }
func (m *Monitoring) Alerts() *alert.Engine                  { return m.alerts }
func (m *Monitoring) Performance() *perf.Tracker             { return m.perf }

// Gatherer returns the registry behind the Prometheus collectors, or nil
// when a caller registerer cannot be gathered from.
func (m *Monitoring) Gatherer() prometheus.Gatherer { return m.gatherer }

// Records returns the held metric records, oldest first.
func (m *Monitoring) Records() []model.MetricRecord { return m.history.Records() }

// Status is the current system status.
func (m *Monitoring) Status() model.SystemStatus { return m.monitor.SystemStatus() }

// SystemStatus is Status under the name the dashboard reads.
func (m *Monitoring) SystemStatus() model.SystemStatus { return m.Status() }

// ModelStatus returns one model's status; false when it was never observed.
func (m *Monitoring) ModelStatus(name string) (model.ModelStatus, bool) {
	return m.monitor.Status(name)
}

// ActiveOperations lists operations currently in flight.
func (m *Monitoring) ActiveOperations() []perf.ActiveOperation { return m.perf.Active() }

// RealTime returns the recent-activity buffers.
func (m *Monitoring) RealTime() monitor.RealTime { return m.monitor.RealTime() }

// Runs returns the remembered experiment runs, oldest first.
func (m *Monitoring) Runs() []model.RunRecord { return m.runs.History() }

// MonitoringData snapshots everything the monitoring export contains.
func (m *Monitoring) MonitoringData() export.MonitoringData {
	st := m.monitor.SystemStatus()
	return export.MonitoringData{
		ExportedAt:  m.now().UTC(),
		System:      st,
		Models:      st.Models,
		Performance: m.perf.Summary(),
		Summary:     m.history.Summary(),
		Records:     m.history.Records(),
		Alerts:      m.alerts.Recent(),
	}
}

// ExportMonitoringData writes the monitoring snapshot to path and returns
// the path written. An empty path picks a timestamped JSON file in the
// configured export directory.
func (m *Monitoring) ExportMonitoringData(path string) (string, error) {
	path = m.exportPath(path, "monitoring_data")
	if err := export.Monitoring(path, m.MonitoringData()); err != nil {
		return "", fmt.Errorf("kansoku: export monitoring data: %w", err)
	}
	m.logger.Info("kansoku: monitoring data exported", "path", path)
	return path, nil
}

// ExportExperimentData writes the remembered runs to path. An empty path
// behaves as in ExportMonitoringData.
func (m *Monitoring) ExportExperimentData(path string) (string, error) {
	path = m.exportPath(path, "experiment_data")
	data := export.ExperimentData{ExportedAt: m.now().UTC(), Runs: m.runs.History()}
	if err := export.Experiments(path, data); err != nil {
		return "", fmt.Errorf("kansoku: export experiment data: %w", err)
	}
	m.logger.Info("kansoku: experiment data exported", "path", path, "runs", len(data.Runs))
	return path, nil
}

func (m *Monitoring) exportPath(path, prefix string) string {
	if path != "" {
		return path
	}
	name := fmt.Sprintf("%s_%s.json", prefix, m.now().UTC().Format("20060102_150405"))
	return filepath.Join(m.cfg.ExportDir, name)
}

// Start begins periodic resource sampling until ctx is done or Close.
func (m *Monitoring) Start(ctx context.Context) {
	m.monitor.Start(ctx)
}

// Close stops sampling and ends every run still active with status KILLED.
// Safe to call more than once.
func (m *Monitoring) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.monitor.Stop(ctx)
		if n := m.runs.EndActive(ctx, model.RunStatusKilled); n > 0 {
			m.logger.Warn("kansoku: ended runs left active at close", "count", n)
		}
	})
	return nil
}

