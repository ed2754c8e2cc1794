package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/ajitkushawaha/lead-flow-ai/internal/domain"
)

// CreateRun inserts a new automation run unless a non-terminal run already
// exists for the same (automation, lead) pair. Returns false when the
// insert was skipped, making trigger evaluation idempotent.
func (r *Repository) CreateRun(ctx context.Context, run domain.AutomationRun) (bool, error) {
	const q = `
INSERT INTO automation_runs (id, automation_id, lead_id, current_step, scheduled_at, state)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (automation_id, lead_id) WHERE state IN ('pending', 'running') DO NOTHING;
`
	ct, err := r.pool.Exec(ctx, q, run.ID, run.AutomationID, run.LeadID,
		run.CurrentStep, run.ScheduledAt, run.State)
	if err != nil {
		return false, fmt.Errorf("create run: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// UpdateRunProgress advances a run to its next step and fire time.
func (r *Repository) UpdateRunProgress(ctx context.Context, id string, step int, scheduledAt time.Time) error {
	const q = `
UPDATE automation_runs
SET current_step = $2, scheduled_at = $3, state = 'running', updated_at = NOW()
WHERE id = $1 AND state IN ('pending', 'running');
`
	ct, err := r.pool.Exec(ctx, q, id, step, scheduledAt)
	if err != nil {
		return fmt.Errorf("update run progress: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishRun moves a run into a terminal state.
func (r *Repository) FinishRun(ctx context.Context, id string, state domain.RunState) error {
	if !state.Terminal() {
		return fmt.Errorf("finish run: %q is not a terminal state", state)
	}
	const q = `
UPDATE automation_runs SET state = $2, updated_at = NOW()
WHERE id = $1 AND state IN ('pending', 'running');
`
	ct, err := r.pool.Exec(ctx, q, id, state)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUnfinishedRuns returns all non-terminal runs, used to resume
// scheduling after a restart.
func (r *Repository) ListUnfinishedRuns(ctx context.Context) ([]domain.AutomationRun, error) {
	const q = `
SELECT id, automation_id, lead_id, current_step, scheduled_at, state, created_at, updated_at
FROM automation_runs
WHERE state IN ('pending', 'running')
ORDER BY scheduled_at;
`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list unfinished runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.AutomationRun
	for rows.Next() {
		var run domain.AutomationRun
		if err := rows.Scan(&run.ID, &run.AutomationID, &run.LeadID, &run.CurrentStep,
			&run.ScheduledAt, &run.State, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}
