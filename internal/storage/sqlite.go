package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ashita-ai/kansoku/internal/experiment"
	"github.com/ashita-ai/kansoku/internal/model"
)

var _ experiment.Backend = (*SQLite)(nil)

// SQLite stores runs in a local database file.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// One writer at a time; concurrent callers queue on the pool.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping sqlite: %w", err)
	}
	return &SQLite{db: db, logger: logger}, nil
}

// Ping checks the database is usable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// RunMigrations applies the SQLite migrations in migrationsFS.
func (s *SQLite) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	return runMigrations(ctx, liteMigrator{s}, migrationsFS, s.logger)
}

type liteMigrator struct{ s *SQLite }

func (m liteMigrator) exec(ctx context.Context, query string, args ...any) error {
	_, err := m.s.db.ExecContext(ctx, query, args...)
	return err
}

func (m liteMigrator) placeholder(int) string { return "?" }

func (m liteMigrator) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := m.s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// liteTimeLayout is fixed-width UTC text, so stored timestamps sort correctly
// as strings and round-trip at nanosecond precision.
const liteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(liteTimeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(liteTimeLayout, s) }

// StartRun inserts a run. The requested id is kept; an empty one gets a new UUID.
func (s *SQLite) StartRun(ctx context.Context, req experiment.StartRunRequest) (string, error) {
	id := req.RunID
	if id == "" {
		id = uuid.NewString()
	}
	tags := req.Tags
	if tags == nil {
		tags = map[string]string{}
	}
	rawTags, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("storage: marshal tags: %w", err)
	}
	var parent sql.NullString
	if req.ParentRunID != "" {
		parent = sql.NullString{String: req.ParentRunID, Valid: true}
	}

	err = write(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO runs (id, name, parent_run_id, tags, started_at) VALUES (?, ?, ?, ?, ?)`,
			id, req.Name, parent, string(rawTags), formatTime(req.StartedAt),
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("storage: create run: %w", err)
	}
	return id, nil
}

// EndRun records the terminal status of an active run.
func (s *SQLite) EndRun(ctx context.Context, runID string, status model.RunStatus, endedAt time.Time) error {
	var affected int64
	err := write(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE runs SET status = ?, ended_at = ? WHERE id = ? AND ended_at IS NULL`,
			string(status), formatTime(endedAt), runID,
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: end run: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetRun(ctx, runID); err != nil {
			return err
		}
		return fmt.Errorf("storage: end run %s: %w", runID, ErrRunEnded)
	}
	return nil
}

// LogParam stores a param. A key already logged on the run keeps its first value.
func (s *SQLite) LogParam(ctx context.Context, runID, key, value string) error {
	err := write(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO run_params (run_id, key, value) VALUES (?, ?, ?) ON CONFLICT (run_id, key) DO NOTHING`,
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
func (s *SQLite) LogMetric(ctx context.Context, runID string, m model.RunMetric) error {
	err := write(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO run_metrics (run_id, key, value, step, recorded_at) VALUES (?, ?, ?, ?, ?)`,
			runID, m.Key, m.Value, m.Step, formatTime(m.RecordedAt),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: log metric: %w", err)
	}
	return nil
}

// LogArtifact stores an artifact reference, replacing one with the same name.
func (s *SQLite) LogArtifact(ctx context.Context, runID string, a model.RunArtifact) error {
	err := write(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO run_artifacts (run_id, name, path) VALUES (?, ?, ?)
			 ON CONFLICT (run_id, name) DO UPDATE SET path = excluded.path`,
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
func (s *SQLite) DeleteRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, runID)
	if err != nil {
		return fmt.Errorf("storage: delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage: delete run %s: %w", runID, ErrNotFound)
	}
	return nil
}

const liteRunColumns = `id, name, parent_run_id, tags, status, started_at, ended_at`

// GetRun loads one run with its params, metrics and artifacts.
func (s *SQLite) GetRun(ctx context.Context, runID string) (model.RunRecord, error) {
	rec, err := scanLiteRun(s.db.QueryRowContext(ctx, `SELECT `+liteRunColumns+` FROM runs WHERE id = ?`, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RunRecord{}, fmt.Errorf("storage: run %s: %w", runID, ErrNotFound)
		}
		return model.RunRecord{}, fmt.Errorf("storage: get run: %w", err)
	}
	if err := s.loadChildren(ctx, map[string]*model.RunRecord{rec.ID: &rec}); err != nil {
		return model.RunRecord{}, err
	}
	return rec, nil
}

// ListRuns returns every stored run ordered by start time.
func (s *SQLite) ListRuns(ctx context.Context) ([]model.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+liteRunColumns+` FROM runs ORDER BY started_at, id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	var runs []model.RunRecord
	for rows.Next() {
		r, err := scanLiteRun(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}

	byID := make(map[string]*model.RunRecord, len(runs))
	for i := range runs {
		byID[runs[i].ID] = &runs[i]
	}
	if err := s.loadChildren(ctx, byID); err != nil {
		return nil, err
	}
	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLiteRun(row rowScanner) (model.RunRecord, error) {
	var r model.RunRecord
	var parent, status, ended sql.NullString
	var tags, started string
	if err := row.Scan(&r.ID, &r.Name, &parent, &tags, &status, &started, &ended); err != nil {
		return model.RunRecord{}, err
	}
	if parent.Valid {
		r.ParentRunID = &parent.String
	}
	if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
		return model.RunRecord{}, fmt.Errorf("decode tags: %w", err)
	}
	var err error
	if r.StartedAt, err = parseTime(started); err != nil {
		return model.RunRecord{}, fmt.Errorf("decode started_at: %w", err)
	}
	if ended.Valid {
		e, err := parseTime(ended.String)
		if err != nil {
			return model.RunRecord{}, fmt.Errorf("decode ended_at: %w", err)
		}
		r.EndedAt = &e
	}
	var st *string
	if status.Valid {
		st = &status.String
	}
	finishRecord(&r, st)
	return r, nil
}

// loadChildren fills params, metrics and artifacts for the runs in byID.
// Rows for runs outside byID are skipped.
func (s *SQLite) loadChildren(ctx context.Context, byID map[string]*model.RunRecord) error {
	if len(byID) == 0 {
		return nil
	}
	ids := make([]any, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	in := "(" + strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + ")"

	if err := s.eachRow(ctx, `SELECT run_id, key, value FROM run_params WHERE run_id IN `+in+` ORDER BY run_id, key`, ids,
		func(rows *sql.Rows) error {
			var id string
			var p model.RunParam
			if err := rows.Scan(&id, &p.Key, &p.Value); err != nil {
				return err
			}
			byID[id].Params = append(byID[id].Params, p)
			return nil
		}); err != nil {
		return fmt.Errorf("storage: load params: %w", err)
	}

	if err := s.eachRow(ctx, `SELECT run_id, key, value, step, recorded_at FROM run_metrics WHERE run_id IN `+in+` ORDER BY id`, ids,
		func(rows *sql.Rows) error {
			var id, at string
			var m model.RunMetric
			if err := rows.Scan(&id, &m.Key, &m.Value, &m.Step, &at); err != nil {
				return err
			}
			t, err := parseTime(at)
			if err != nil {
				return err
			}
			m.RecordedAt = t
			byID[id].Metrics = append(byID[id].Metrics, m)
			return nil
		}); err != nil {
		return fmt.Errorf("storage: load metrics: %w", err)
	}

	if err := s.eachRow(ctx, `SELECT run_id, name, path FROM run_artifacts WHERE run_id IN `+in+` ORDER BY run_id, name`, ids,
		func(rows *sql.Rows) error {
			var id string
			var a model.RunArtifact
			if err := rows.Scan(&id, &a.Name, &a.Path); err != nil {
				return err
			}
			byID[id].Artifacts = append(byID[id].Artifacts, a)
			return nil
		}); err != nil {
		return fmt.Errorf("storage: load artifacts: %w", err)
	}
	return nil
}

func (s *SQLite) eachRow(ctx context.Context, query string, args []any, fn func(*sql.Rows) error) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}
