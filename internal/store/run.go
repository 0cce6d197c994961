package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ayusman/gestureops/internal/training"
	"github.com/ayusman/gestureops/internal/workflow"
)

// RunRepository records finished training jobs.
type RunRepository struct {
	db *sql.DB
}

// Runs returns the training run repository for this store.
func (s *Store) Runs() *RunRepository {
	return &RunRepository{db: s.db}
}

// RecordRun stores a finished job. Recording the same job twice keeps the
// latest values.
func (r *RunRepository) RecordRun(ctx context.Context, job training.Job) error {
	if !job.State.Terminal() {
		return fmt.Errorf("job %s is %s, not finished", job.ID, job.State)
	}

	var m training.Metrics
	if job.Metrics != nil {
		m = *job.Metrics
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO training_runs (id, state, progress, cause, accuracy, precision_score, recall, f1, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET state = excluded.state, progress = excluded.progress, cause = excluded.cause,
		   accuracy = excluded.accuracy, precision_score = excluded.precision_score, recall = excluded.recall,
		   f1 = excluded.f1, finished_at = excluded.finished_at`,
		job.ID.String(), string(job.State), job.Progress, job.Cause,
		nullFloat(m.Accuracy), nullFloat(m.Precision), nullFloat(m.Recall), nullFloat(m.F1),
		job.StartedAt.UTC(), job.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", job.ID, err)
	}
	return nil
}

const runColumns = `id, state, progress, cause, accuracy, precision_score, recall, f1, started_at, finished_at`

func scanRun(row rowScanner) (training.Job, error) {
	var (
		job                training.Job
		id, state          string
		acc, prec, rec, f1 sql.NullFloat64
	)
	if err := row.Scan(&id, &state, &job.Progress, &job.Cause, &acc, &prec, &rec, &f1, &job.StartedAt, &job.FinishedAt); err != nil {
		return training.Job{}, err
	}
	tok, err := workflow.ParseToken(id)
	if err != nil {
		return training.Job{}, fmt.Errorf("bad run id %q: %w", id, err)
	}
	job.ID = tok
	job.State = training.State(state)

	m := training.Metrics{Accuracy: floatPtr(acc), Precision: floatPtr(prec), Recall: floatPtr(rec), F1: floatPtr(f1)}
	if !m.Empty() {
		job.Metrics = &m
	}
	return job, nil
}

// Latest returns the most recently finished run.
func (r *RunRepository) Latest(ctx context.Context) (training.Job, error) {
	job, err := scanRun(r.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM training_runs ORDER BY finished_at DESC LIMIT 1`))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return training.Job{}, ErrNotFound
		}
		return training.Job{}, err
	}
	return job, nil
}

// List returns up to limit runs, newest first.
func (r *RunRepository) List(ctx context.Context, limit int) ([]training.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM training_runs ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []training.Job
	for rows.Next() {
		job, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
