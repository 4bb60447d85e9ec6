package server

import (
	"bytes"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/ashita-ai/kansoku/internal/export"
	"github.com/ashita-ai/kansoku/internal/metrics"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/perf"
)

// maxListLimit caps the limit query parameter.
const maxListLimit = 1000

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	source    Source
	logger    *slog.Logger
	version   string
	startedAt time.Time
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status           model.HealthStatus `json:"status"`
	Version          string             `json:"version,omitempty"`
	MonitoringActive bool               `json:"monitoring_active"`
	Availability     float64            `json:"availability"`
	ActiveModels     int                `json:"active_models"`
	DegradedModels   int                `json:"degraded_models"`
	Uptime           int64              `json:"uptime_seconds"`
}

// HandleHealth handles GET /health. Always 200; the body carries the state.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	st := h.source.SystemStatus()
	writeJSON(w, r, http.StatusOK, HealthResponse{
		Status:           st.Health,
		Version:          h.version,
		MonitoringActive: st.MonitoringActive,
		Availability:     st.Availability,
		ActiveModels:     st.ActiveModels,
		DegradedModels:   st.DegradedModels,
		Uptime:           int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleStatus handles GET /v1/status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.source.SystemStatus())
}

// HandleListModels handles GET /v1/models, sorted by name.
func (h *Handlers) HandleListModels(w http.ResponseWriter, r *http.Request) {
	models := h.source.SystemStatus().Models
	out := make([]model.ModelStatus, 0, len(models))
	for _, name := range slices.Sorted(maps.Keys(models)) {
		out = append(out, models[name])
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleGetModel handles GET /v1/models/{model}.
func (h *Handlers) HandleGetModel(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("model")
	st, ok := h.source.ModelStatus(name)
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, fmt.Sprintf("model %q has not been observed", name))
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}

// HandleRecords handles GET /v1/records.
// Query: category, operation, since (RFC 3339), limit (most recent N).
func (h *Handlers) HandleRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	category := model.Category(q.Get("category"))
	if category != "" && !category.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, fmt.Sprintf("unknown category %q", category))
		return
	}
	var since time.Time
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	operation := q.Get("operation")

	records := h.source.MonitoringData().Records
	out := make([]model.MetricRecord, 0, len(records))
	for _, rec := range records {
		if category != "" && rec.Category() != category {
			continue
		}
		if operation != "" && rec.OperationName() != operation {
			continue
		}
		if !since.IsZero() && rec.Timestamp().Before(since) {
			continue
		}
		out = append(out, rec)
	}
	writeJSON(w, r, http.StatusOK, tail(out, limit))
}

// PerformanceResponse is the body of GET /v1/performance.
type PerformanceResponse struct {
	Operations map[string]perf.OperationStats `json:"operations"`
	Active     []perf.ActiveOperation         `json:"active"`
	Summary    metrics.Summary                `json:"summary"`
}

// HandlePerformance handles GET /v1/performance.
func (h *Handlers) HandlePerformance(w http.ResponseWriter, r *http.Request) {
	data := h.source.MonitoringData()
	resp := PerformanceResponse{
		Operations: data.Performance,
		Active:     h.source.ActiveOperations(),
		Summary:    data.Summary,
	}
	if resp.Operations == nil {
		resp.Operations = map[string]perf.OperationStats{}
	}
	if resp.Active == nil {
		resp.Active = []perf.ActiveOperation{}
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleAlerts handles GET /v1/alerts, oldest first.
func (h *Handlers) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	alerts := h.source.MonitoringData().Alerts
	if alerts == nil {
		alerts = []model.Alert{}
	}
	writeJSON(w, r, http.StatusOK, tail(alerts, limit))
}

// HandleRealTime handles GET /v1/realtime.
func (h *Handlers) HandleRealTime(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.source.RealTime())
}

// HandleRuns handles GET /v1/runs. Query: state, limit.
func (h *Handlers) HandleRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	state := model.RunState(q.Get("state"))

	runs := h.source.Runs()
	out := make([]model.RunRecord, 0, len(runs))
	for _, run := range runs {
		if state != "" && run.State != state {
			continue
		}
		out = append(out, run)
	}
	writeJSON(w, r, http.StatusOK, tail(out, limit))
}

// HandleExportMonitoring handles GET /v1/export/monitoring?format=json|csv.
func (h *Handlers) HandleExportMonitoring(w http.ResponseWriter, r *http.Request) {
	format, ok := exportFormat(w, r)
	if !ok {
		return
	}
	data := h.source.MonitoringData()
	h.writeExport(w, r, "monitoring", format, func(buf *bytes.Buffer) error {
		return export.WriteMonitoring(buf, format, data)
	})
}

// HandleExportExperiments handles GET /v1/export/experiments?format=json|csv.
func (h *Handlers) HandleExportExperiments(w http.ResponseWriter, r *http.Request) {
	format, ok := exportFormat(w, r)
	if !ok {
		return
	}
	data := export.ExperimentData{ExportedAt: time.Now().UTC(), Runs: h.source.Runs()}
	h.writeExport(w, r, "experiments", format, func(buf *bytes.Buffer) error {
		return export.WriteExperiments(buf, format, data)
	})
}

// writeExport buffers the encoded export before writing any headers.
func (h *Handlers) writeExport(w http.ResponseWriter, r *http.Request, name string, format export.Format, encode func(*bytes.Buffer) error) {
	var buf bytes.Buffer
	if err := encode(&buf); err != nil {
		h.logger.Error("server: export failed", "export", name, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "export failed")
		return
	}

	contentType := "application/json"
	if format == export.FormatCSV {
		contentType = "text/csv; charset=utf-8"
	}
	filename := fmt.Sprintf("kansoku_%s_%s.%s", name, time.Now().UTC().Format("20060102_150405"), format)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func exportFormat(w http.ResponseWriter, r *http.Request) (export.Format, bool) {
	switch f := export.Format(r.URL.Query().Get("format")); f {
	case "", export.FormatJSON:
		return export.FormatJSON, true
	case export.FormatCSV:
		return export.FormatCSV, true
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, fmt.Sprintf("unsupported format %q", f))
		return "", false
	}
}

// parseLimit returns 0 for an absent limit, meaning everything.
func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}

// tail keeps the last n elements, or all of them when n is 0.
func tail[T any](s []T, n int) []T {
	if n == 0 || len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
