package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kansoku/internal/experiment"
	"github.com/ashita-ai/kansoku/internal/model"
)

var _ experiment.Backend = (*DB)(nil)

// StartRun inserts a run. The requested id is kept; an empty one gets a new UUID.
func (db *DB) StartRun(ctx context.Context, req experiment.StartRunRequest) (string, error) {
	id := req.RunID
	if id == "" {
		id = uuid.NewString()
	}
	tags := req.Tags
	if tags == nil {
		tags = map[string]string{}
	}
	var parent *string
	if req.ParentRunID != "" {
		parent = &req.ParentRunID
	}

	err := write(ctx, func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO runs (id, name, parent_run_id, tags, started_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			id, req.Name, parent, tags, req.StartedAt.UTC(),
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("storage: create run: %w", err)
	}
	return id, nil
}

// EndRun records the terminal status of an active run.
func (db *DB) EndRun(ctx context.Context, runID string, status model.RunStatus, endedAt time.Time) error {
	var affected int64
	err := write(ctx, func() error {
		tag, err := db.pool.Exec(ctx,
			`UPDATE runs SET status = $1, ended_at = $2 WHERE id = $3 AND ended_at IS NULL`,
			string(status), endedAt.UTC(), runID,
		)
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: end run: %w", err)
	}
	if affected == 0 {
		if _, err := db.GetRun(ctx, runID); err != nil {
			return err
		}
		return fmt.Errorf("storage: end run %s: %w", runID, ErrRunEnded)
	}
	return nil
}

// LogParam stores a param. A key already logged on the run keeps its first value.
func (db *DB) LogParam(ctx context.Context, runID, key, value string) error {
	err := write(ctx, func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO run_params (run_id, key, value) VALUES ($1, $2, $3)
			 ON CONFLICT (run_id, key) DO NOTHING`,
			runID, key, value,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: log param: %w", err)
	}
	return nil
}

// LogMetric appends a metric value.
func (db *DB) LogMetric(ctx context.Context, runID string, m model.RunMetric) error {
	err := write(ctx, func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO run_metrics (run_id, key, value, step, recorded_at) VALUES ($1, $2, $3, $4, $5)`,
			runID, m.Key, m.Value, m.Step, m.RecordedAt.UTC(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: log metric: %w", err)
	}
	return nil
}

// LogArtifact stores an artifact reference, replacing one with the same name.
func (db *DB) LogArtifact(ctx context.Context, runID string, a model.RunArtifact) error {
	err := write(ctx, func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO run_artifacts (run_id, name, path) VALUES ($1, $2, $3)
			 ON CONFLICT (run_id, name) DO UPDATE SET path = EXCLUDED.path`,
			runID, a.Name, a.Path,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: log artifact: %w", err)
	}
	return nil
}

// DeleteRun removes a run and everything logged on it.
func (db *DB) DeleteRun(ctx context.Context, runID string) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM runs WHERE id = $1`, runID)
	if err != nil {
		return fmt.Errorf("storage: delete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: delete run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// GetRun loads one run with its params, metrics and artifacts.
func (db *DB) GetRun(ctx context.Context, runID string) (model.RunRecord, error) {
	rec, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT id, name, parent_run_id, tags, status, started_at, ended_at FROM runs WHERE id = $1`, runID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RunRecord{}, fmt.Errorf("storage: run %s: %w", runID, ErrNotFound)
		}
		return model.RunRecord{}, fmt.Errorf("storage: get run: %w", err)
	}
	byID := map[string]*model.RunRecord{rec.ID: &rec}
	if err := db.loadChildren(ctx, byID, []string{rec.ID}); err != nil {
		return model.RunRecord{}, err
	}
	return rec, nil
}

// ListRuns returns every stored run ordered by start time.
func (db *DB) ListRuns(ctx context.Context) ([]model.RunRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, name, parent_run_id, tags, status, started_at, ended_at FROM runs ORDER BY started_at, id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}

	byID := make(map[string]*model.RunRecord, len(runs))
	ids := make([]string, len(runs))
	for i := range runs {
		byID[runs[i].ID] = &runs[i]
		ids[i] = runs[i].ID
	}
	if err := db.loadChildren(ctx, byID, ids); err != nil {
		return nil, err
	}
	return runs, nil
}

func scanRun(row pgx.Row) (model.RunRecord, error) {
	var r model.RunRecord
	var status *string
	err := row.Scan(&r.ID, &r.Name, &r.ParentRunID, &r.Tags, &status, &r.StartedAt, &r.EndedAt)
	if err != nil {
		return model.RunRecord{}, err
	}
	finishRecord(&r, status)
	return r, nil
}

// finishRecord derives state from the end time and normalizes empty fields.
func finishRecord(r *model.RunRecord, status *string) {
	r.State = model.RunStateActive
	if r.EndedAt != nil {
		r.State = model.RunStateEnded
		e := r.EndedAt.UTC()
		r.EndedAt = &e
	}
	if status != nil {
		r.Status = model.RunStatus(*status)
	}
	r.StartedAt = r.StartedAt.UTC()
	if r.Tags == nil {
		r.Tags = map[string]string{}
	}
}

func (db *DB) loadChildren(ctx context.Context, byID map[string]*model.RunRecord, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	rows, err := db.pool.Query(ctx,
		`SELECT run_id, key, value FROM run_params WHERE run_id = ANY($1) ORDER BY run_id, key`, ids)
	if err != nil {
		return fmt.Errorf("storage: load params: %w", err)
	}
	for rows.Next() {
		var id string
		var p model.RunParam
		if err := rows.Scan(&id, &p.Key, &p.Value); err != nil {
			rows.Close()
			return fmt.Errorf("storage: scan param: %w", err)
		}
		byID[id].Params = append(byID[id].Params, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("storage: load params: %w", err)
	}

	rows, err = db.pool.Query(ctx,
		`SELECT run_id, key, value, step, recorded_at FROM run_metrics WHERE run_id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return fmt.Errorf("storage: load metrics: %w", err)
	}
	for rows.Next() {
		var id string
		var m model.RunMetric
		if err := rows.Scan(&id, &m.Key, &m.Value, &m.Step, &m.RecordedAt); err != nil {
			rows.Close()
			return fmt.Errorf("storage: scan metric: %w", err)
		}
		m.RecordedAt = m.RecordedAt.UTC()
		byID[id].Metrics = append(byID[id].Metrics, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("storage: load metrics: %w", err)
	}

	rows, err = db.pool.Query(ctx,
		`SELECT run_id, name, path FROM run_artifacts WHERE run_id = ANY($1) ORDER BY run_id, name`, ids)
	if err != nil {
		return fmt.Errorf("storage: load artifacts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var a model.RunArtifact
		if err := rows.Scan(&id, &a.Name, &a.Path); err != nil {
			return fmt.Errorf("storage: scan artifact: %w", err)
		}
		byID[id].Artifacts = append(byID[id].Artifacts, a)
	}
	return rows.Err()
}
