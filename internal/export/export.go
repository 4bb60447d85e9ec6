// Package export writes monitoring and experiment data to JSON or CSV files.
//
// The format follows the path's extension: ".csv" selects CSV, anything else
// JSON. Files are written to a temporary sibling and renamed into place, so a
// reader never sees a partial export.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/kansoku/internal/metrics"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/perf"
)

// Format is an export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// FormatFor picks the format from path's extension.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return FormatCSV
	}
	return FormatJSON
}

// MonitoringData is everything the monitoring export contains.
type MonitoringData struct {
	ExportedAt  time.Time                      `json:"exported_at"`
	System      model.SystemStatus             `json:"system_status"`
	Models      map[string]model.ModelStatus   `json:"model_states"`
	Performance map[string]perf.OperationStats `json:"performance_summary"`
	Summary     metrics.Summary                `json:"metrics_summary"`
	Records     []model.MetricRecord           `json:"records"`
	Alerts      []model.Alert                  `json:"alerts"`
}

// ExperimentData is the experiment export.
type ExperimentData struct {
	ExportedAt time.Time         `json:"exported_at"`
	Runs       []model.RunRecord `json:"runs"`
}

// Monitoring writes data to path.
func Monitoring(path string, data MonitoringData) error {
	return writeFile(path, func(w io.Writer) error {
		return WriteMonitoring(w, FormatFor(path), data)
	})
}

// Experiments writes runs to path.
func Experiments(path string, data ExperimentData) error {
	return writeFile(path, func(w io.Writer) error {
		return WriteExperiments(w, FormatFor(path), data)
	})
}

// WriteMonitoring encodes data to w. CSV carries the records only.
func WriteMonitoring(w io.Writer, format Format, data MonitoringData) error {
	if data.Records == nil {
		data.Records = []model.MetricRecord{}
	}
	if data.Alerts == nil {
		data.Alerts = []model.Alert{}
	}
	if data.Models == nil {
		data.Models = map[string]model.ModelStatus{}
	}
	if data.Performance == nil {
		data.Performance = map[string]perf.OperationStats{}
	}
	if format == FormatCSV {
		return WriteRecordsCSV(w, data.Records)
	}
	return writeJSON(w, data)
}

// WriteExperiments encodes data to w.
func WriteExperiments(w io.Writer, format Format, data ExperimentData) error {
	if data.Runs == nil {
		data.Runs = []model.RunRecord{}
	}
	if format == FormatCSV {
		return WriteRunsCSV(w, data.Runs)
	}
	return writeJSON(w, data)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("export: encode json: %w", err)
	}
	return nil
}

func writeFile(path string, write func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("export: create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("export: create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := write(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("export: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("export: rename into place: %w", err)
	}
	return nil
}

var recordColumns = []string{"timestamp", "operation_name", "category", "subject", "duration_seconds", "success"}

// WriteRecordsCSV writes one row per record. Attribute keys are unioned
// across records into sorted trailing columns; a record without a key leaves
// its cell empty. Zero records produce the header row only.
func WriteRecordsCSV(w io.Writer, recs []model.MetricRecord) error {
	keySet := map[string]struct{}{}
	for _, r := range recs {
		for k := range r.Attributes() {
			keySet[k] = struct{}{}
		}
	}
	keys := sortedKeys(keySet)

	cw := csv.NewWriter(w)
	if err := cw.Write(append(slices.Clone(recordColumns), keys...)); err != nil {
		return fmt.Errorf("export: write csv header: %w", err)
	}
	for _, r := range recs {
		row := []string{
			r.Timestamp().Format(time.RFC3339Nano),
			r.OperationName(),
			string(r.Category()),
			r.Subject(),
			strconv.FormatFloat(r.DurationSeconds(), 'f', -1, 64),
			strconv.FormatBool(r.Success()),
		}
		for _, k := range keys {
			v, ok := r.Attr(k)
			row = append(row, cell(v, ok))
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("export: write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("export: flush csv: %w", err)
	}
	return nil
}

var runColumns = []string{"run_id", "name", "parent_run_id", "state", "status", "started_at", "ended_at"}

// WriteRunsCSV writes one row per run with params as "param.<key>" and the
// latest value of each metric as "metric.<key>" columns.
func WriteRunsCSV(w io.Writer, runs []model.RunRecord) error {
	paramSet, metricSet, tagSet := map[string]struct{}{}, map[string]struct{}{}, map[string]struct{}{}
	for _, r := range runs {
		for _, p := range r.Params {
			paramSet[p.Key] = struct{}{}
		}
		for _, m := range r.Metrics {
			metricSet[m.Key] = struct{}{}
		}
		for k := range r.Tags {
			tagSet[k] = struct{}{}
		}
	}
	params, metricKeys, tags := sortedKeys(paramSet), sortedKeys(metricSet), sortedKeys(tagSet)

	header := slices.Clone(runColumns)
	for _, k := range tags {
		header = append(header, "tag."+k)
	}
	for _, k := range params {
		header = append(header, "param."+k)
	}
	for _, k := range metricKeys {
		header = append(header, "metric."+k)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("export: write csv header: %w", err)
	}
	for _, r := range runs {
		row := []string{r.ID, r.Name, "", string(r.State), string(r.Status), r.StartedAt.Format(time.RFC3339Nano), ""}
		if r.ParentRunID != nil {
			row[2] = *r.ParentRunID
		}
		if r.EndedAt != nil {
			row[6] = r.EndedAt.Format(time.RFC3339Nano)
		}
		for _, k := range tags {
			row = append(row, r.Tags[k])
		}
		for _, k := range params {
			v, _ := r.Param(k)
			row = append(row, v)
		}
		for _, k := range metricKeys {
			v, ok := r.MetricValue(k)
			row = append(row, cell(v, ok))
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("export: write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("export: flush csv: %w", err)
	}
	return nil
}

func cell(v any, ok bool) string {
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return fmt.Sprint(v)
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
