package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
)

func TestPrometheusSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg)
	require.NoError(t, err)

	p.Emit(rec("llm_generation", model.CategoryLLM, 0.2, true))
	p.Emit(rec("llm_generation", model.CategoryLLM, 0.4, false))
	p.Emit(rec("sample", model.CategorySystem, 0, true))

	assert.Equal(t, 1.0, testutil.ToFloat64(p.operations.WithLabelValues("llm_generation", "llm", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.operations.WithLabelValues("llm_generation", "llm", "false")))
	assert.Equal(t, 2, testutil.CollectAndCount(p.operations), "system samples are not counted as operations")

	p.ObserveRequest("llama3", true)
	p.ObserveRequest("llama3", false)
	assert.Equal(t, 2.0, testutil.ToFloat64(p.modelRequests.WithLabelValues("llama3")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.modelErrors.WithLabelValues("llama3")))

	p.ObserveAlert(model.Alert{Rule: model.AlertRule{CallbackID: "slow"}, FiredAt: time.Now()})
	assert.Equal(t, 1.0, testutil.ToFloat64(p.alerts.WithLabelValues("slow")))
}

func TestPrometheusIndependentRegistries(t *testing.T) {
	_, err := NewPrometheus(prometheus.NewRegistry())
	require.NoError(t, err)
	_, err = NewPrometheus(prometheus.NewRegistry())
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	_, err = NewPrometheus(reg)
	require.NoError(t, err)
	_, err = NewPrometheus(reg)
	assert.Error(t, err, "same registry rejects duplicate collectors")
}

func TestPDFFileInfoErrors(t *testing.T) {
	_, err := PDFFileInfo(filepath.Join(t.TempDir(), "missing.pdf"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "notes.pdf")
	require.NoError(t, os.WriteFile(path, []byte("plain text, not a pdf"), 0o600))
	info, err := PDFFileInfo(path)
	assert.Error(t, err)
	assert.Equal(t, "notes.pdf", info.FileName)
	assert.Positive(t, info.FileSizeMB)
}

func TestFileSizeMB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "half.pdf")
	require.NoError(t, os.WriteFile(path, make([]byte, 512*1024), 0o600))
	size, err := FileSizeMB(path)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, size, 1e-9)

	_, err = FileSizeMB(filepath.Join(t.TempDir(), "missing.pdf"))
	assert.Error(t, err)
}
