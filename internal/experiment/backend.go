// Package experiment manages experiment-tracking runs on an external backend.
//
// Tracking is best-effort: backend failures are logged and never reach the
// instrumented operation. The active-run stack lives in the context.Context
// of the caller, so concurrent executions each see their own active run.
package experiment

import (
	"context"
	"errors"
	"time"

	"github.com/ashita-ai/kansoku/internal/model"
)

// ErrBackendUnavailable reports that no tracking backend could be reached.
var ErrBackendUnavailable = errors.New("experiment: tracking backend unavailable")

// StartRunRequest describes a run to create on the backend.
type StartRunRequest struct {
	RunID       string
	Name        string
	Tags        map[string]string
	ParentRunID string // empty for top-level runs
	StartedAt   time.Time
}

// Backend is the tracking service boundary.
type Backend interface {
	// StartRun creates a run and returns the backend's run id.
	StartRun(ctx context.Context, req StartRunRequest) (string, error)
	EndRun(ctx context.Context, runID string, status model.RunStatus, endedAt time.Time) error
	LogParam(ctx context.Context, runID, key, value string) error
	LogMetric(ctx context.Context, runID string, m model.RunMetric) error
	LogArtifact(ctx context.Context, runID string, a model.RunArtifact) error
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}

// RunDeleter is implemented by backends that can delete runs.
type RunDeleter interface {
	DeleteRun(ctx context.Context, runID string) error
}

// RunLister is implemented by backends that can list stored runs.
type RunLister interface {
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
}

// NoopBackend accepts and discards everything. Its Ping always fails, so a
// tracker built on it runs in no-op mode.
type NoopBackend struct{}

func (NoopBackend) StartRun(_ context.Context, req StartRunRequest) (string, error) {
	return req.RunID, nil
}

func (NoopBackend) EndRun(context.Context, string, model.RunStatus, time.Time) error { return nil }
func (NoopBackend) LogParam(context.Context, string, string, string) error          { return nil }
func (NoopBackend) LogMetric(context.Context, string, model.RunMetric) error        { return nil }
func (NoopBackend) LogArtifact(context.Context, string, model.RunArtifact) error    { return nil }
func (NoopBackend) Ping(context.Context) error                                      { return ErrBackendUnavailable }
