package experiment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ashita-ai/kansoku/internal/model"
)

// mlflowParentTag links a nested run to its parent in the MLflow UI.
const mlflowParentTag = "mlflow.parentRunId"

// artifactTagPrefix namespaces artifact references stored as run tags.
const artifactTagPrefix = "kansoku.artifact."

// MLflowBackend talks to an MLflow tracking server over its REST API.
// Artifacts are recorded as tags holding the artifact path; uploading file
// contents needs an artifact store and is left to the MLflow client tooling.
type MLflowBackend struct {
	baseURL        string
	experimentName string
	httpClient     *http.Client

	mu           sync.Mutex
	experimentID string
}

// NewMLflowBackend creates a backend for the tracking server at trackingURI.
func NewMLflowBackend(trackingURI, experimentName string) *MLflowBackend {
	if trackingURI == "" {
		trackingURI = "http://localhost:5000"
	}
	if experimentName == "" {
		experimentName = "llm-pdf-reading"
	}
	return &MLflowBackend{
		baseURL:        strings.TrimRight(trackingURI, "/"),
		experimentName: experimentName,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type mlflowError struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

type mlflowTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// errNotFound marks RESOURCE_DOES_NOT_EXIST responses.
var errNotFound = errors.New("mlflow: resource does not exist")

func (b *MLflowBackend) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("mlflow: marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+"/api/2.0/mlflow/"+path, reader)
	if err != nil {
		return fmt.Errorf("mlflow: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mlflow: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		var me mlflowError
		if json.Unmarshal(raw, &me) == nil && me.ErrorCode == "RESOURCE_DOES_NOT_EXIST" {
			return fmt.Errorf("%w: %s", errNotFound, me.Message)
		}
		return fmt.Errorf("mlflow: %s: status %d: %s", path, resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("mlflow: decode %s: %w", path, err)
	}
	return nil
}

// experiment resolves the experiment id, creating the experiment if needed.
func (b *MLflowBackend) experiment(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.experimentID != "" {
		return b.experimentID, nil
	}

	var got struct {
		Experiment struct {
			ExperimentID string `json:"experiment_id"`
		} `json:"experiment"`
	}
	err := b.do(ctx, http.MethodGet, "experiments/get-by-name?experiment_name="+url.QueryEscape(b.experimentName), nil, &got)
	switch {
	case err == nil:
		b.experimentID = got.Experiment.ExperimentID
	case errors.Is(err, errNotFound):
		var created struct {
			ExperimentID string `json:"experiment_id"`
		}
		if err := b.do(ctx, http.MethodPost, "experiments/create", map[string]string{"name": b.experimentName}, &created); err != nil {
			return "", err
		}
		b.experimentID = created.ExperimentID
	default:
		return "", err
	}
	if b.experimentID == "" {
		return "", fmt.Errorf("mlflow: experiment %q has no id", b.experimentName)
	}
	return b.experimentID, nil
}

// Ping resolves the experiment, which proves the server is reachable.
func (b *MLflowBackend) Ping(ctx context.Context) error {
	_, err := b.experiment(ctx)
	return err
}

// StartRun creates a run. MLflow assigns its own id, which is returned.
func (b *MLflowBackend) StartRun(ctx context.Context, req StartRunRequest) (string, error) {
	expID, err := b.experiment(ctx)
	if err != nil {
		return "", err
	}
	tags := make([]mlflowTag, 0, len(req.Tags)+1)
	for k, v := range req.Tags {
		tags = append(tags, mlflowTag{Key: k, Value: v})
	}
	if req.ParentRunID != "" {
		tags = append(tags, mlflowTag{Key: mlflowParentTag, Value: req.ParentRunID})
	}

	var resp struct {
		Run struct {
			Info struct {
				RunID string `json:"run_id"`
			} `json:"info"`
		} `json:"run"`
	}
	err = b.do(ctx, http.MethodPost, "runs/create", map[string]any{
		"experiment_id": expID,
		"run_name":      req.Name,
		"start_time":    req.StartedAt.UnixMilli(),
		"tags":          tags,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Run.Info.RunID == "" {
		return "", fmt.Errorf("mlflow: runs/create returned no run id")
	}
	return resp.Run.Info.RunID, nil
}

// EndRun marks the run terminated.
func (b *MLflowBackend) EndRun(ctx context.Context, runID string, status model.RunStatus, endedAt time.Time) error {
	return b.do(ctx, http.MethodPost, "runs/update", map[string]any{
		"run_id":   runID,
		"status":   string(status),
		"end_time": endedAt.UnixMilli(),
	}, nil)
}

func (b *MLflowBackend) LogParam(ctx context.Context, runID, key, value string) error {
	return b.do(ctx, http.MethodPost, "runs/log-parameter", map[string]string{
		"run_id": runID,
		"key":    key,
		"value":  value,
	}, nil)
}

func (b *MLflowBackend) LogMetric(ctx context.Context, runID string, m model.RunMetric) error {
	return b.do(ctx, http.MethodPost, "runs/log-metric", map[string]any{
		"run_id":    runID,
		"key":       m.Key,
		"value":     m.Value,
		"timestamp": m.RecordedAt.UnixMilli(),
		"step":      m.Step,
	}, nil)
}

func (b *MLflowBackend) LogArtifact(ctx context.Context, runID string, a model.RunArtifact) error {
	return b.do(ctx, http.MethodPost, "runs/set-tag", map[string]string{
		"run_id": runID,
		"key":    artifactTagPrefix + a.Name,
		"value":  a.Path,
	}, nil)
}

// DeleteRun moves the run to MLflow's deleted lifecycle stage.
func (b *MLflowBackend) DeleteRun(ctx context.Context, runID string) error {
	return b.do(ctx, http.MethodPost, "runs/delete", map[string]string{"run_id": runID}, nil)
}
