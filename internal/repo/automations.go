package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ajitkushawaha/lead-flow-ai/internal/domain"
)

const automationColumns = `id, client_id, name, trigger_type, trigger_keywords,
message_sequence, is_active, business_hours_only, next_run_at, created_at, updated_at`

func scanAutomation(row pgx.Row) (*domain.Automation, error) {
	var a domain.Automation
	var keywords, sequence []byte
	err := row.Scan(&a.ID, &a.ClientID, &a.Name, &a.TriggerType, &keywords,
		&sequence, &a.IsActive, &a.BusinessHoursOnly, &a.NextRunAt,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan automation: %w", err)
	}
	if len(keywords) > 0 {
		if err := json.Unmarshal(keywords, &a.TriggerKeywords); err != nil {
			return nil, fmt.Errorf("decode trigger keywords: %w", err)
		}
	}
	if len(sequence) > 0 {
		if err := json.Unmarshal(sequence, &a.Sequence); err != nil {
			return nil, fmt.Errorf("decode message sequence: %w", err)
		}
	}
	return &a, nil
}

// GetAutomation fetches an automation by id.
func (r *Repository) GetAutomation(ctx context.Context, id string) (*domain.Automation, error) {
	q := fmt.Sprintf(`SELECT %s FROM automations WHERE id = $1`, automationColumns)
	return scanAutomation(r.pool.QueryRow(ctx, q, id))
}

// ListActiveAutomations returns a client's active automations for a trigger type.
func (r *Repository) ListActiveAutomations(ctx context.Context, clientID string, trigger domain.TriggerType) ([]domain.Automation, error) {
	q := fmt.Sprintf(`
SELECT %s FROM automations
WHERE client_id = $1 AND trigger_type = $2 AND is_active
ORDER BY created_at;`, automationColumns)
	return r.queryAutomations(ctx, q, clientID, trigger)
}

// ListDueScheduledAutomations returns active scheduled automations whose
// next_run_at has passed.
func (r *Repository) ListDueScheduledAutomations(ctx context.Context, now time.Time) ([]domain.Automation, error) {
	q := fmt.Sprintf(`
SELECT %s FROM automations
WHERE trigger_type = 'scheduled' AND is_active
  AND next_run_at IS NOT NULL AND next_run_at <= $1
ORDER BY next_run_at;`, automationColumns)
	return r.queryAutomations(ctx, q, now)
}

// AdvanceScheduledAutomation pushes a scheduled automation's due time forward.
func (r *Repository) AdvanceScheduledAutomation(ctx context.Context, id string, nextRunAt time.Time) error {
	const q = `UPDATE automations SET next_run_at = $2, updated_at = NOW() WHERE id = $1`
	ct, err := r.pool.Exec(ctx, q, id, nextRunAt)
	if err != nil {
		return fmt.Errorf("advance scheduled automation: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) queryAutomations(ctx context.Context, q string, args ...any) ([]domain.Automation, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query automations: %w", err)
	}
	defer rows.Close()

	var automations []domain.Automation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, err
		}
		automations = append(automations, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate automations: %w", err)
	}
	return automations, nil
}
