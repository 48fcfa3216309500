package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/job-autopilot/internal/types"
)

const runColumns = `id, type, status, job_id, user_id, input, output, screenshots,
	error, progress, current_step, total_steps, started_at, completed_at,
	created_at, updated_at`

// InsertRun persists a new automation run row.
func (db *DB) InsertRun(ctx context.Context, run *types.AutomationRun) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO automation_runs
		 (id, type, status, job_id, user_id, input, output, screenshots,
		  error, progress, current_step, total_steps, started_at, completed_at,
		  created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		run.ID, run.Type, run.Status, run.JobID, run.UserID,
		run.Input, run.Output, run.Screenshots,
		run.Error, run.Progress, run.CurrentStep, run.TotalSteps,
		run.StartedAt, run.CompletedAt, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID, returning nil when it does not exist.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (*types.AutomationRun, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM automation_runs WHERE id = $1`, id)

	run, err := scanRun(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves recent runs, newest first, optionally filtered by type
// and status.
func (db *DB) ListRuns(ctx context.Context, filters types.RunFilters) ([]types.AutomationRun, error) {
	query := `SELECT ` + runColumns + ` FROM automation_runs WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if filters.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argPos)
		args = append(args, filters.Type)
		argPos++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, filters.Status)
		argPos++
	}

	query += " ORDER BY created_at DESC"
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, filters.Limit)
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []types.AutomationRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// UpdateRun applies a partial update to a run. Nil fields are left untouched;
// updated_at is always bumped.
func (db *DB) UpdateRun(ctx context.Context, id uuid.UUID, update types.RunUpdate) error {
	query := `UPDATE automation_runs SET updated_at = NOW()`
	args := []interface{}{}
	argPos := 1

	add := func(column string, value interface{}) {
		query += fmt.Sprintf(", %s = $%d", column, argPos)
		args = append(args, value)
		argPos++
	}

	if update.Status != nil {
		add("status", *update.Status)
	}
	if update.Output != nil {
		add("output", update.Output)
	}
	if update.Screenshots != nil {
		add("screenshots", update.Screenshots)
	}
	if update.Error != nil {
		add("error", *update.Error)
	}
	if update.Progress != nil {
		add("progress", *update.Progress)
	}
	if update.CurrentStep != nil {
		add("current_step", *update.CurrentStep)
	}
	if update.TotalSteps != nil {
		add("total_steps", *update.TotalSteps)
	}
	if update.StartedAt != nil {
		add("started_at", *update.StartedAt)
	}
	if update.CompletedAt != nil {
		add("completed_at", *update.CompletedAt)
	}
	if update.JobID != nil {
		add("job_id", *update.JobID)
	}

	query += fmt.Sprintf(" WHERE id = $%d", argPos)
	args = append(args, id)

	tag, err := db.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run not found: %s", id)
	}
	return nil
}

// ListPendingScheduledRuns retrieves pending job-apply runs whose input
// carries schedule metadata. Used by the scheduler's restart recovery pass.
func (db *DB) ListPendingScheduledRuns(ctx context.Context) ([]types.AutomationRun, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+`
		 FROM automation_runs
		 WHERE status = $1 AND type = $2 AND input ? 'runAt'
		 ORDER BY created_at`,
		types.RunStatusPending, types.RunTypeJobApply,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled runs: %w", err)
	}
	defer rows.Close()

	var runs []types.AutomationRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func scanRun(row pgx.Row) (*types.AutomationRun, error) {
	var run types.AutomationRun
	err := row.Scan(&run.ID, &run.Type, &run.Status, &run.JobID, &run.UserID,
		&run.Input, &run.Output, &run.Screenshots,
		&run.Error, &run.Progress, &run.CurrentStep, &run.TotalSteps,
		&run.StartedAt, &run.CompletedAt, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &run, nil
}
