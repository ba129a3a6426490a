package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stepglass-ai/stepglass/internal/model"
)

// sqliteTime is the column format for timestamps. RFC3339 in UTC keeps
// lexicographic and chronological order aligned.
const sqliteTime = time.RFC3339Nano

// SQLite is the embedded single-file Store backend for local and single-node
// deployments. The schema is created on open; there is no separate migration
// step for the embedded store.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (and if needed creates) the database at path.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// modernc.org/sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY churn under concurrent ingest.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	seq         INTEGER NOT NULL,
	pipeline    TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'running',
	error       TEXT NOT NULL DEFAULT '',
	input       TEXT,
	output      TEXT,
	metadata    TEXT,
	start_time  TEXT NOT NULL,
	end_time    TEXT,
	duration_ms INTEGER
);
CREATE INDEX IF NOT EXISTS idx_runs_pipeline ON runs (pipeline);
CREATE INDEX IF NOT EXISTS idx_runs_start_time ON runs (start_time);

CREATE TABLE IF NOT EXISTS steps (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	step_id     TEXT NOT NULL UNIQUE,
	run_id      TEXT NOT NULL DEFAULT '',
	attached    INTEGER NOT NULL DEFAULT 0,
	name        TEXT NOT NULL DEFAULT '',
	step_type   TEXT NOT NULL DEFAULT '',
	input       TEXT,
	output      TEXT,
	candidates  TEXT,
	filtered    TEXT,
	metadata    TEXT,
	reasoning   TEXT NOT NULL DEFAULT '',
	timestamp   TEXT NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_steps_run ON steps (run_id);
CREATE INDEX IF NOT EXISTS idx_steps_type ON steps (step_type);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: init sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLite) Name() string { return "sqlite" }

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLite) Close(context.Context) error { return s.db.Close() }

// Ingest applies one batch inside a transaction so a query never observes a
// run whose step list is mid-append.
func (s *SQLite) Ingest(ctx context.Context, events []model.Event) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin ingest: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	processed := 0
	for _, ev := range events {
		switch ev.Type {
		case model.EventRunStart:
			processed++
			run, ok := decodeRunStart(ev)
			if !ok {
				continue
			}
			if err := sqliteInsertRun(ctx, tx, run); err != nil {
				return 0, err
			}
		case model.EventStep:
			processed++
			step, ok := decodeStep(ev)
			if !ok {
				continue
			}
			if err := sqliteInsertStep(ctx, tx, step); err != nil {
				return 0, err
			}
		case model.EventRunEnd:
			processed++
			end, ok := decodeRunEnd(ev)
			if !ok {
				continue
			}
			if err := sqliteFinishRun(ctx, tx, end); err != nil {
				return 0, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit ingest: %w", err)
	}
	return processed, nil
}

func sqliteInsertRun(ctx context.Context, tx *sql.Tx, run model.Run) error {
	input, err := jsonColumn(run.Input)
	if err != nil {
		return fmt.Errorf("store: encode run input: %w", err)
	}
	metadata, err := jsonColumn(run.Metadata)
	if err != nil {
		return fmt.Errorf("store: encode run metadata: %w", err)
	}

	// seq assigns the pipeline-index position; an overwrite keeps it only
	// when the run stays in the same pipeline.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, seq, pipeline, status, error, input, output, metadata, start_time, end_time, duration_ms)
		VALUES (?, (SELECT IFNULL(MAX(seq), 0) + 1 FROM runs), ?, 'running', '', ?, NULL, ?, ?, NULL, NULL)
		ON CONFLICT (run_id) DO UPDATE SET
			seq = CASE WHEN runs.pipeline = excluded.pipeline THEN runs.seq ELSE excluded.seq END,
			pipeline = excluded.pipeline,
			status = excluded.status,
			error = excluded.error,
			input = excluded.input,
			output = excluded.output,
			metadata = excluded.metadata,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			duration_ms = excluded.duration_ms`,
		run.RunID, run.Pipeline, input, metadata, run.StartTime.UTC().Format(sqliteTime),
	)
	if err != nil {
		return fmt.Errorf("store: insert run: %w", err)
	}

	// A fresh run_start means an empty step list; existing steps stay
	// queryable standalone but no longer nest under the run.
	if _, err := tx.ExecContext(ctx, `UPDATE steps SET attached = 0 WHERE run_id = ?`, run.RunID); err != nil {
		return fmt.Errorf("store: detach steps: %w", err)
	}
	return nil
}

func sqliteInsertStep(ctx context.Context, tx *sql.Tx, step model.Step) error {
	input, err := jsonColumn(step.Input)
	if err != nil {
		return fmt.Errorf("store: encode step input: %w", err)
	}
	output, err := jsonColumn(step.Output)
	if err != nil {
		return fmt.Errorf("store: encode step output: %w", err)
	}
	candidates, err := sequenceColumn(step.Candidates)
	if err != nil {
		return fmt.Errorf("store: encode step candidates: %w", err)
	}
	filtered, err := sequenceColumn(step.Filtered)
	if err != nil {
		return fmt.Errorf("store: encode step filtered: %w", err)
	}
	metadata, err := jsonColumn(step.Metadata)
	if err != nil {
		return fmt.Errorf("store: encode step metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO steps (step_id, run_id, attached, name, step_type, input, output, candidates, filtered, metadata, reasoning, timestamp, duration_ms)
		VALUES (?, ?, EXISTS (SELECT 1 FROM runs WHERE run_id = ?), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (step_id) DO UPDATE SET
			run_id = excluded.run_id,
			attached = excluded.attached,
			name = excluded.name,
			step_type = excluded.step_type,
			input = excluded.input,
			output = excluded.output,
			candidates = excluded.candidates,
			filtered = excluded.filtered,
			metadata = excluded.metadata,
			reasoning = excluded.reasoning,
			timestamp = excluded.timestamp,
			duration_ms = excluded.duration_ms`,
		step.StepID, step.RunID, step.RunID, step.Name, step.Type,
		input, output, candidates, filtered, metadata,
		step.Reasoning, step.Timestamp.UTC().Format(sqliteTime), step.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("store: insert step: %w", err)
	}
	return nil
}

func sqliteFinishRun(ctx context.Context, tx *sql.Tx, p model.RunEndPayload) error {
	var startRaw string
	err := tx.QueryRowContext(ctx, `SELECT start_time FROM runs WHERE run_id = ?`, p.RunID).Scan(&startRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil // unknown run, silently dropped
	}
	if err != nil {
		return fmt.Errorf("store: lookup run for run_end: %w", err)
	}

	duration := p.DurationMs
	if duration == 0 {
		if start, perr := time.Parse(sqliteTime, startRaw); perr == nil {
			duration = p.EndTime.Sub(start).Milliseconds()
		}
	}

	output, err := jsonColumn(p.Output)
	if err != nil {
		return fmt.Errorf("store: encode run output: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE runs SET status = ?, output = ?, error = ?, end_time = ?, duration_ms = ?
		WHERE run_id = ?`,
		string(p.Status), output, p.Error, p.EndTime.UTC().Format(sqliteTime), duration, p.RunID,
	)
	if err != nil {
		return fmt.Errorf("store: finish run: %w", err)
	}
	return nil
}

const sqliteRunColumns = `run_id, pipeline, status, error, input, output, metadata, start_time, end_time, duration_ms`

func (s *SQLite) GetRun(ctx context.Context, runID string) (model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM runs WHERE run_id = ?`, runID)

	run, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Run{}, fmt.Errorf("store: get run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return model.Run{}, fmt.Errorf("store: get run: %w", err)
	}

	steps, err := s.attachedSteps(ctx, runID)
	if err != nil {
		return model.Run{}, err
	}
	run.Steps = steps
	return run, nil
}

func (s *SQLite) ListRuns(ctx context.Context, f RunFilter) ([]model.Run, int, error) {
	where, args := sqliteRunWhere(f)

	var total int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("store: count runs: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM runs`+where+` ORDER BY start_time DESC, seq DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("store: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("store: list runs: %w", err)
	}

	for i := range runs {
		steps, err := s.attachedSteps(ctx, runs[i].RunID)
		if err != nil {
			return nil, 0, err
		}
		runs[i].Steps = steps
	}
	return runs, total, nil
}

func sqliteRunWhere(f RunFilter) (string, []any) {
	var conds []string
	var args []any
	if f.Pipeline != "" {
		conds = append(conds, "pipeline = ?")
		args = append(args, f.Pipeline)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.StartTime != nil {
		conds = append(conds, "start_time >= ?")
		args = append(args, f.StartTime.UTC().Format(sqliteTime))
	}
	if f.EndTime != nil {
		conds = append(conds, "start_time <= ?")
		args = append(args, f.EndTime.UTC().Format(sqliteTime))
	}
	if f.MinSteps != nil {
		conds = append(conds, "(SELECT COUNT(*) FROM steps WHERE steps.run_id = runs.run_id AND attached = 1) >= ?")
		args = append(args, *f.MinSteps)
	}
	if f.MaxSteps != nil {
		conds = append(conds, "(SELECT COUNT(*) FROM steps WHERE steps.run_id = runs.run_id AND attached = 1) <= ?")
		args = append(args, *f.MaxSteps)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

const sqliteStepColumns = `step_id, run_id, name, step_type, input, output, candidates, filtered, metadata, reasoning, timestamp, duration_ms`

func (s *SQLite) ListSteps(ctx context.Context, f StepFilter) ([]model.Step, int, error) {
	var conds []string
	var args []any
	if f.RunID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.Name != "" {
		conds = append(conds, "name = ?")
		args = append(args, f.Name)
	}
	if f.Type != "" {
		conds = append(conds, "step_type = ?")
		args = append(args, f.Type)
	}
	if f.Pipeline != "" {
		conds = append(conds, "run_id IN (SELECT run_id FROM runs WHERE pipeline = ?)")
		args = append(args, f.Pipeline)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM steps`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count steps: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteStepColumns+` FROM steps`+where+` ORDER BY timestamp DESC, seq DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list steps: %w", err)
	}
	defer rows.Close()

	steps, err := scanSQLiteSteps(rows)
	if err != nil {
		return nil, 0, err
	}
	return steps, total, nil
}

func (s *SQLite) ListPipelines(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pipeline FROM runs WHERE pipeline != '' GROUP BY pipeline ORDER BY MIN(seq)`)
	if err != nil {
		return nil, fmt.Errorf("store: list pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("store: scan pipeline: %w", err)
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, rows.Err()
}

func (s *SQLite) attachedSteps(ctx context.Context, runID string) ([]model.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteStepColumns+` FROM steps WHERE run_id = ? AND attached = 1 ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: load run steps: %w", err)
	}
	defer rows.Close()

	steps, err := scanSQLiteSteps(rows)
	if err != nil {
		return nil, err
	}
	if steps == nil {
		steps = []model.Step{}
	}
	return steps, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row rowScanner) (model.Run, error) {
	var (
		run              model.Run
		status           string
		input, output    sql.NullString
		metadata         sql.NullString
		startRaw         string
		endRaw           sql.NullString
		duration         sql.NullInt64
	)
	err := row.Scan(&run.RunID, &run.Pipeline, &status, &run.Error,
		&input, &output, &metadata, &startRaw, &endRaw, &duration)
	if err != nil {
		return model.Run{}, err
	}

	run.Status = model.RunStatus(status)
	run.Input = decodeJSONColumn(input)
	run.Output = decodeJSONColumn(output)
	run.Metadata = decodeMetaColumn(metadata)
	run.StartTime, _ = time.Parse(sqliteTime, startRaw)
	if endRaw.Valid {
		if end, perr := time.Parse(sqliteTime, endRaw.String); perr == nil {
			run.EndTime = &end
		}
	}
	if duration.Valid {
		d := duration.Int64
		run.DurationMs = &d
	}
	return run, nil
}

func scanSQLiteSteps(rows *sql.Rows) ([]model.Step, error) {
	var steps []model.Step
	for rows.Next() {
		var (
			step                 model.Step
			input, output        sql.NullString
			candidates, filtered sql.NullString
			metadata             sql.NullString
			tsRaw                string
		)
		err := rows.Scan(&step.StepID, &step.RunID, &step.Name, &step.Type,
			&input, &output, &candidates, &filtered, &metadata,
			&step.Reasoning, &tsRaw, &step.DurationMs)
		if err != nil {
			return nil, fmt.Errorf("store: scan step: %w", err)
		}
		step.Input = decodeJSONColumn(input)
		step.Output = decodeJSONColumn(output)
		step.Candidates = decodeSequenceColumn(candidates)
		step.Filtered = decodeSequenceColumn(filtered)
		step.Metadata = decodeMetaColumn(metadata)
		step.Timestamp, _ = time.Parse(sqliteTime, tsRaw)
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// jsonColumn marshals an arbitrary value for a TEXT column, NULL for nil.
func jsonColumn(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func sequenceColumn(seq *model.Sequence) (any, error) {
	if seq == nil {
		return nil, nil
	}
	data, err := json.Marshal(seq)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func decodeJSONColumn(ns sql.NullString) any {
	if !ns.Valid {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(ns.String), &v); err != nil {
		return nil
	}
	return v
}

func decodeMetaColumn(ns sql.NullString) map[string]any {
	if !ns.Valid {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil
	}
	return m
}

func decodeSequenceColumn(ns sql.NullString) *model.Sequence {
	if !ns.Valid {
		return nil
	}
	var seq model.Sequence
	if err := json.Unmarshal([]byte(ns.String), &seq); err != nil {
		return nil
	}
	return &seq
}
