package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ashita-ai/kansoku/internal/model"
)

// Prometheus exposes records as Prometheus series. Collectors are registered
// on the caller's registerer so independent instances never collide.
type Prometheus struct {
	duration      *prometheus.HistogramVec
	operations    *prometheus.CounterVec
	alerts        *prometheus.CounterVec
	modelRequests *prometheus.CounterVec
	modelErrors   *prometheus.CounterVec
}

// NewPrometheus creates and registers the kansoku collectors on reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kansoku_operation_duration_seconds",
			Help:    "Duration of instrumented operations",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"operation", "category", "success"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kansoku_operations_total",
			Help: "Instrumented operations by outcome",
		}, []string{"operation", "category", "success"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kansoku_alerts_total",
			Help: "Fired alerts by callback id",
		}, []string{"callback_id"}),
		modelRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kansoku_model_requests_total",
			Help: "Requests recorded per model",
		}, []string{"model"}),
		modelErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kansoku_model_errors_total",
			Help: "Failed requests recorded per model",
		}, []string{"model"}),
	}
	for _, c := range []prometheus.Collector{p.duration, p.operations, p.alerts, p.modelRequests, p.modelErrors} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Emit observes one record. System samples are not operations and are skipped.
func (p *Prometheus) Emit(rec model.MetricRecord) {
	if rec.Category() == model.CategorySystem {
		return
	}
	labels := prometheus.Labels{
		"operation": rec.OperationName(),
		"category":  string(rec.Category()),
		"success":   strconv.FormatBool(rec.Success()),
	}
	p.duration.With(labels).Observe(rec.DurationSeconds())
	p.operations.With(labels).Inc()
}

// ObserveAlert counts one fired alert.
func (p *Prometheus) ObserveAlert(a model.Alert) {
	p.alerts.WithLabelValues(a.Rule.CallbackID).Inc()
}

// ObserveRequest counts one model request.
func (p *Prometheus) ObserveRequest(modelName string, success bool) {
	p.modelRequests.WithLabelValues(modelName).Inc()
	if !success {
		p.modelErrors.WithLabelValues(modelName).Inc()
	}
}
