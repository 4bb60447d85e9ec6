package kansoku

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ashita-ai/kansoku/internal/config"
)

// Option configures a Monitoring instance.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported. Callers use the With* functions.
type resolvedOptions struct {
	cfg        *config.Config
	logger     *slog.Logger
	backend    Backend
	sampler    Sampler
	registerer prometheus.Registerer
	rules      []AlertRule
	rulesSet   bool
	now        func() time.Time
}

// WithConfig replaces the built-in defaults. The config is validated by New.
func WithConfig(cfg config.Config) Option {
	return func(o *resolvedOptions) { o.cfg = &cfg }
}

// WithLogger sets the structured logger.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithBackend sets the experiment tracking backend. Without one, runs are
// kept in memory only. The caller owns the backend's lifecycle.
func WithBackend(b Backend) Option {
	return func(o *resolvedOptions) { o.backend = b }
}

// WithSampler replaces the host resource sampler (gopsutil).
func WithSampler(s Sampler) Option {
	return func(o *resolvedOptions) { o.sampler = s }
}

// WithRegisterer registers the Prometheus collectors on reg instead of a
// private registry. When reg is also a prometheus.Gatherer it backs Gatherer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *resolvedOptions) { o.registerer = reg }
}

// WithAlertRules replaces the threshold-derived default rules. An empty
// slice disables alerting until rules are set.
func WithAlertRules(rules []AlertRule) Option {
	return func(o *resolvedOptions) {
		o.rules = append([]AlertRule(nil), rules...)
		o.rulesSet = true
	}
}

// WithClock overrides the time source of every component. Tests only.
func WithClock(now func() time.Time) Option {
	return func(o *resolvedOptions) { o.now = now }
}
