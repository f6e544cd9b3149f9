package tracking

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteTracker stores runs, scalars and examples in a local SQLite file.
type SQLiteTracker struct {
	db  *sql.DB
	run *Run
}

// OpenSQLite opens (and migrates) the tracking database at path.
func OpenSQLite(path string) (*SQLiteTracker, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open tracking db: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate tracking db: %w", err)
		}
	}
	return &SQLiteTracker{db: db}, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs(
		id TEXT PRIMARY KEY,
		project TEXT NOT NULL,
		name TEXT NOT NULL,
		config TEXT,
		started_at REAL NOT NULL,
		finished_at REAL
	)`,
	`CREATE TABLE IF NOT EXISTS scalars(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(id),
		step INTEGER NOT NULL,
		key TEXT NOT NULL,
		value REAL
	)`,
	`CREATE TABLE IF NOT EXISTS examples(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(id),
		step INTEGER NOT NULL,
		caption TEXT,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		image BLOB,
		pred BLOB,
		target BLOB,
		classes TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS scalars_run_key ON scalars(run_id, key, step)`,
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000.0
}

func (t *SQLiteTracker) Start(ctx context.Context, run Run) error {
	cfg, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("encode run config: %w", err)
	}
	_, err = t.db.ExecContext(ctx,
		`INSERT INTO runs(id, project, name, config, started_at) VALUES(?,?,?,?,?)`,
		run.ID, run.Project, run.Name, string(cfg), unixSeconds(run.StartedAt))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	t.run = &run
	return nil
}

func (t *SQLiteTracker) Log(ctx context.Context, rec Record) error {
	if t.run == nil {
		return ErrNoRun
	}
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for k, v := range rec.FiniteScalars() {
		var value any
		if v != nil {
			value = *v
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO scalars(run_id, step, key, value) VALUES(?,?,?,?)`,
			t.run.ID, rec.Step, k, value); err != nil {
			return fmt.Errorf("insert scalar %s: %w", k, err)
		}
	}
	for _, ex := range rec.Examples {
		classes, err := json.Marshal(ex.Classes)
		if err != nil {
			return fmt.Errorf("encode example classes: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO examples(run_id, step, caption, width, height, image, pred, target, classes) VALUES(?,?,?,?,?,?,?,?,?)`,
			t.run.ID, rec.Step, ex.Caption, ex.Width, ex.Height, ex.Image, ex.Pred, ex.Target, string(classes)); err != nil {
			return fmt.Errorf("insert example: %w", err)
		}
	}
	return tx.Commit()
}

func (t *SQLiteTracker) Finish(ctx context.Context) error {
	if t.run == nil {
		return ErrNoRun
	}
	_, err := t.db.ExecContext(ctx, `UPDATE runs SET finished_at = ? WHERE id = ?`, unixSeconds(time.Now()), t.run.ID)
	t.run = nil
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// Point is one logged scalar value; Valid is false for NaN/Inf values.
type Point struct {
	Step  int
	Value float64
	Valid bool
}

// History returns the series of key for runID ordered by step.
func (t *SQLiteTracker) History(ctx context.Context, runID, key string) ([]Point, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT step, value FROM scalars WHERE run_id = ? AND key = ? ORDER BY step, id`, runID, key)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	var out []Point
	for rows.Next() {
		var p Point
		var v sql.NullFloat64
		if err := rows.Scan(&p.Step, &v); err != nil {
			return nil, err
		}
		p.Value, p.Valid = v.Float64, v.Valid
		out = append(out, p)
	}
	return out, rows.Err()
}

// RunSummary is a stored run header.
type RunSummary struct {
	ID       string
	Project  string
	Name     string
	Finished bool
}

// Runs lists stored runs, newest first.
func (t *SQLiteTracker) Runs(ctx context.Context) ([]RunSummary, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, project, name, finished_at IS NOT NULL FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.ID, &r.Project, &r.Name, &r.Finished); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountExamples returns the number of stored examples for runID.
func (t *SQLiteTracker) CountExamples(ctx context.Context, runID string) (int, error) {
	var n int
	err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM examples WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}

// Examples returns the stored examples of runID in logging order.
func (t *SQLiteTracker) Examples(ctx context.Context, runID string) ([]Example, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT caption, width, height, image, pred, target, classes FROM examples WHERE run_id = ? ORDER BY step, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query examples: %w", err)
	}
	defer rows.Close()
	var out []Example
	for rows.Next() {
		var (
			ex      Example
			caption sql.NullString
			classes sql.NullString
		)
		if err := rows.Scan(&caption, &ex.Width, &ex.Height, &ex.Image, &ex.Pred, &ex.Target, &classes); err != nil {
			return nil, err
		}
		ex.Caption = caption.String
		if classes.Valid && classes.String != "" {
			if err := json.Unmarshal([]byte(classes.String), &ex.Classes); err != nil {
				return nil, fmt.Errorf("decode example classes: %w", err)
			}
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// Close closes the database.
func (t *SQLiteTracker) Close() error { return t.db.Close() }
