package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stepglass-ai/stepglass/internal/model"
)

// Postgres is the production Store backend: pooled connections via pgxpool
// and a forward-only migration runner over an embedded filesystem.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres creates a Postgres store with a connection pool and verifies
// connectivity.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse postgres DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping pool: %w", err)
	}

	return &Postgres{pool: pool, logger: logger}, nil
}

func (p *Postgres) Name() string { return "postgres" }

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *Postgres) Close(context.Context) error {
	p.pool.Close()
	return nil
}

// RunMigrations executes unapplied SQL migration files from the provided
// filesystem in order, tracking applied files in a schema_migrations table so
// each runs at most once. Forward-only.
func (p *Postgres) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	applied, err := p.loadAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("store: load applied migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("store: read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		name := entry.Name()
		if applied[name] {
			p.logger.Debug("migration already applied, skipping", "file", name)
			continue
		}

		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("store: read migration %s: %w", name, err)
		}

		p.logger.Info("running migration", "file", name)
		if _, err := p.pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("store: execute migration %s: %w", name, err)
		}

		if _, err := p.pool.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, name,
		); err != nil {
			return fmt.Errorf("store: record migration %s: %w", name, err)
		}
	}

	return nil
}

func (p *Postgres) loadAppliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := p.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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

// Ingest applies one batch inside a transaction. See the Store contract for
// the three transitions.
func (p *Postgres) Ingest(ctx context.Context, events []model.Event) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: begin ingest: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	processed := 0
	for _, ev := range events {
		switch ev.Type {
		case model.EventRunStart:
			processed++
			run, ok := decodeRunStart(ev)
			if !ok {
				continue
			}
			if err := pgInsertRun(ctx, tx, run); err != nil {
				return 0, err
			}
		case model.EventStep:
			processed++
			step, ok := decodeStep(ev)
			if !ok {
				continue
			}
			if err := pgInsertStep(ctx, tx, step); err != nil {
				return 0, err
			}
		case model.EventRunEnd:
			processed++
			end, ok := decodeRunEnd(ev)
			if !ok {
				continue
			}
			if err := pgFinishRun(ctx, tx, end); err != nil {
				return 0, err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("store: commit ingest: %w", err)
	}
	return processed, nil
}

func pgInsertRun(ctx context.Context, tx pgx.Tx, run model.Run) error {
	input, err := jsonbColumn(run.Input)
	if err != nil {
		return fmt.Errorf("store: encode run input: %w", err)
	}
	metadata, err := jsonbColumn(run.Metadata)
	if err != nil {
		return fmt.Errorf("store: encode run metadata: %w", err)
	}

	// seq orders the pipeline index; an overwrite keeps its position only
	// when the run stays in the same pipeline.
	_, err = tx.Exec(ctx, `
		INSERT INTO runs (run_id, pipeline, status, error, input, output, metadata, start_time, end_time, duration_ms)
		VALUES ($1, $2, 'running', '', $3, NULL, $4, $5, NULL, NULL)
		ON CONFLICT (run_id) DO UPDATE SET
			seq = CASE WHEN runs.pipeline = EXCLUDED.pipeline THEN runs.seq ELSE EXCLUDED.seq END,
			pipeline = EXCLUDED.pipeline,
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			input = EXCLUDED.input,
			output = EXCLUDED.output,
			metadata = EXCLUDED.metadata,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			duration_ms = EXCLUDED.duration_ms`,
		run.RunID, run.Pipeline, input, metadata, run.StartTime,
	)
	if err != nil {
		return fmt.Errorf("store: insert run: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE steps SET attached = FALSE WHERE run_id = $1`, run.RunID); err != nil {
		return fmt.Errorf("store: detach steps: %w", err)
	}
	return nil
}

func pgInsertStep(ctx context.Context, tx pgx.Tx, step model.Step) error {
	input, err := jsonbColumn(step.Input)
	if err != nil {
		return fmt.Errorf("store: encode step input: %w", err)
	}
	output, err := jsonbColumn(step.Output)
	if err != nil {
		return fmt.Errorf("store: encode step output: %w", err)
	}
	candidates, err := jsonbSequence(step.Candidates)
	if err != nil {
		return fmt.Errorf("store: encode step candidates: %w", err)
	}
	filtered, err := jsonbSequence(step.Filtered)
	if err != nil {
		return fmt.Errorf("store: encode step filtered: %w", err)
	}
	metadata, err := jsonbColumn(step.Metadata)
	if err != nil {
		return fmt.Errorf("store: encode step metadata: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO steps (step_id, run_id, attached, name, step_type, input, output, candidates, filtered, metadata, reasoning, timestamp, duration_ms)
		VALUES ($1, $2, EXISTS (SELECT 1 FROM runs WHERE run_id = $2), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (step_id) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			attached = EXCLUDED.attached,
			name = EXCLUDED.name,
			step_type = EXCLUDED.step_type,
			input = EXCLUDED.input,
			output = EXCLUDED.output,
			candidates = EXCLUDED.candidates,
			filtered = EXCLUDED.filtered,
			metadata = EXCLUDED.metadata,
			reasoning = EXCLUDED.reasoning,
			timestamp = EXCLUDED.timestamp,
			duration_ms = EXCLUDED.duration_ms`,
		step.StepID, step.RunID, step.Name, step.Type,
		input, output, candidates, filtered, metadata,
		step.Reasoning, step.Timestamp, step.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("store: insert step: %w", err)
	}
	return nil
}

func pgFinishRun(ctx context.Context, tx pgx.Tx, p model.RunEndPayload) error {
	output, err := jsonbColumn(p.Output)
	if err != nil {
		return fmt.Errorf("store: encode run output: %w", err)
	}

	// Zero affected rows means an unknown run: silently dropped.
	_, err = tx.Exec(ctx, `
		UPDATE runs SET
			status = $1,
			output = $2,
			error = $3,
			end_time = $4,
			duration_ms = CASE WHEN $5::bigint <> 0 THEN $5::bigint
				ELSE (EXTRACT(EPOCH FROM ($4::timestamptz - start_time)) * 1000)::bigint END
		WHERE run_id = $6`,
		string(p.Status), output, p.Error, p.EndTime, p.DurationMs, p.RunID,
	)
	if err != nil {
		return fmt.Errorf("store: finish run: %w", err)
	}
	return nil
}

const pgRunColumns = `run_id, pipeline, status, error, input, output, metadata, start_time, end_time, duration_ms`

func (p *Postgres) GetRun(ctx context.Context, runID string) (model.Run, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+pgRunColumns+` FROM runs WHERE run_id = $1`, runID)

	run, err := scanPgRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Run{}, fmt.Errorf("store: get run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return model.Run{}, fmt.Errorf("store: get run: %w", err)
	}

	steps, err := p.attachedSteps(ctx, runID)
	if err != nil {
		return model.Run{}, err
	}
	run.Steps = steps
	return run, nil
}

func (p *Postgres) ListRuns(ctx context.Context, f RunFilter) ([]model.Run, int, error) {
	where, args := pgRunWhere(f)

	var total int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM runs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count runs: %w", err)
	}

	query := `SELECT ` + pgRunColumns + ` FROM runs` + where + ` ORDER BY start_time DESC, seq DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		run, err := scanPgRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("store: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("store: list runs: %w", err)
	}

	for i := range runs {
		steps, err := p.attachedSteps(ctx, runs[i].RunID)
		if err != nil {
			return nil, 0, err
		}
		runs[i].Steps = steps
	}
	return runs, total, nil
}

func pgRunWhere(f RunFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Pipeline != "" {
		add("pipeline = $%d", f.Pipeline)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.StartTime != nil {
		add("start_time >= $%d", *f.StartTime)
	}
	if f.EndTime != nil {
		add("start_time <= $%d", *f.EndTime)
	}
	if f.MinSteps != nil {
		add("(SELECT COUNT(*) FROM steps WHERE steps.run_id = runs.run_id AND attached) >= $%d", *f.MinSteps)
	}
	if f.MaxSteps != nil {
		add("(SELECT COUNT(*) FROM steps WHERE steps.run_id = runs.run_id AND attached) <= $%d", *f.MaxSteps)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

const pgStepColumns = `step_id, run_id, name, step_type, input, output, candidates, filtered, metadata, reasoning, timestamp, duration_ms`

func (p *Postgres) ListSteps(ctx context.Context, f StepFilter) ([]model.Step, int, error) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.RunID != "" {
		add("run_id = $%d", f.RunID)
	}
	if f.Name != "" {
		add("name = $%d", f.Name)
	}
	if f.Type != "" {
		add("step_type = $%d", f.Type)
	}
	if f.Pipeline != "" {
		add("run_id IN (SELECT run_id FROM runs WHERE pipeline = $%d)", f.Pipeline)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM steps`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count steps: %w", err)
	}

	query := `SELECT ` + pgStepColumns + ` FROM steps` + where + ` ORDER BY timestamp DESC, seq DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list steps: %w", err)
	}
	defer rows.Close()

	steps, err := scanPgSteps(rows)
	if err != nil {
		return nil, 0, err
	}
	return steps, total, nil
}

func (p *Postgres) ListPipelines(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT pipeline FROM runs WHERE pipeline != '' GROUP BY pipeline ORDER BY MIN(seq)`)
	if err != nil {
		return nil, fmt.Errorf("store: list pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("store: scan pipeline: %w", err)
		}
		pipelines = append(pipelines, name)
	}
	return pipelines, rows.Err()
}

func (p *Postgres) attachedSteps(ctx context.Context, runID string) ([]model.Step, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+pgStepColumns+` FROM steps WHERE run_id = $1 AND attached ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: load run steps: %w", err)
	}
	defer rows.Close()

	steps, err := scanPgSteps(rows)
	if err != nil {
		return nil, err
	}
	if steps == nil {
		steps = []model.Step{}
	}
	return steps, nil
}

func scanPgRun(row pgx.Row) (model.Run, error) {
	var (
		run             model.Run
		status          string
		input, output   []byte
		metadata        []byte
		endTime         *time.Time
		duration        *int64
	)
	err := row.Scan(&run.RunID, &run.Pipeline, &status, &run.Error,
		&input, &output, &metadata, &run.StartTime, &endTime, &duration)
	if err != nil {
		return model.Run{}, err
	}

	run.Status = model.RunStatus(status)
	run.Input = decodeJSONB(input)
	run.Output = decodeJSONB(output)
	run.Metadata = decodeJSONBMap(metadata)
	run.EndTime = endTime
	run.DurationMs = duration
	return run, nil
}

func scanPgSteps(rows pgx.Rows) ([]model.Step, error) {
	var steps []model.Step
	for rows.Next() {
		var (
			step                 model.Step
			input, output        []byte
			candidates, filtered []byte
			metadata             []byte
		)
		err := rows.Scan(&step.StepID, &step.RunID, &step.Name, &step.Type,
			&input, &output, &candidates, &filtered, &metadata,
			&step.Reasoning, &step.Timestamp, &step.DurationMs)
		if err != nil {
			return nil, fmt.Errorf("store: scan step: %w", err)
		}
		step.Input = decodeJSONB(input)
		step.Output = decodeJSONB(output)
		step.Candidates = decodeJSONBSequence(candidates)
		step.Filtered = decodeJSONBSequence(filtered)
		step.Metadata = decodeJSONBMap(metadata)
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// jsonbColumn marshals an arbitrary value for a JSONB column, NULL for nil.
func jsonbColumn(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func jsonbSequence(seq *model.Sequence) ([]byte, error) {
	if seq == nil {
		return nil, nil
	}
	return json.Marshal(seq)
}

func decodeJSONB(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	return v
}

func decodeJSONBMap(data []byte) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

func decodeJSONBSequence(data []byte) *model.Sequence {
	if len(data) == 0 {
		return nil
	}
	var seq model.Sequence
	if err := json.Unmarshal(data, &seq); err != nil {
		return nil
	}
	return &seq
}
