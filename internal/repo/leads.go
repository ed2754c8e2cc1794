package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ajitkushawaha/lead-flow-ai/internal/domain"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

const leadColumns = `id, client_id, name, phone, email, status, source,
whatsapp_available, preferred_channel, last_message_sent, created_at, updated_at`

func scanLead(row pgx.Row) (*domain.Lead, error) {
	var l domain.Lead
	err := row.Scan(&l.ID, &l.ClientID, &l.Name, &l.Phone, &l.Email, &l.Status,
		&l.Source, &l.WhatsAppAvailable, &l.PreferredChannel, &l.LastMessageSent,
		&l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan lead: %w", err)
	}
	return &l, nil
}

// GetLead fetches a lead by id.
func (r *Repository) GetLead(ctx context.Context, id string) (*domain.Lead, error) {
	q := fmt.Sprintf(`SELECT %s FROM leads WHERE id = $1`, leadColumns)
	return scanLead(r.pool.QueryRow(ctx, q, id))
}

// FindLeadByPhone resolves a lead from an inbound transport address.
func (r *Repository) FindLeadByPhone(ctx context.Context, phone string) (*domain.Lead, error) {
	q := fmt.Sprintf(`SELECT %s FROM leads WHERE phone = $1 ORDER BY created_at DESC LIMIT 1`, leadColumns)
	return scanLead(r.pool.QueryRow(ctx, q, phone))
}

// UpdateLeadStatus moves a lead to a new funnel status.
func (r *Repository) UpdateLeadStatus(ctx context.Context, id string, status domain.LeadStatus) error {
	const q = `UPDATE leads SET status = $2, updated_at = NOW() WHERE id = $1`
	ct, err := r.pool.Exec(ctx, q, id, status)
	if err != nil {
		return fmt.Errorf("update lead status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastMessageSent records when the engine last messaged the lead.
func (r *Repository) TouchLastMessageSent(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE leads SET last_message_sent = $2, updated_at = NOW() WHERE id = $1`
	if _, err := r.pool.Exec(ctx, q, id, at); err != nil {
		return fmt.Errorf("touch last message sent: %w", err)
	}
	return nil
}

// ListLeadsInFunnel returns a client's leads still eligible for automation.
func (r *Repository) ListLeadsInFunnel(ctx context.Context, clientID string) ([]domain.Lead, error) {
	q := fmt.Sprintf(`
SELECT %s FROM leads
WHERE client_id = $1 AND status NOT IN ('converted', 'lost')
ORDER BY created_at;`, leadColumns)
	rows, err := r.pool.Query(ctx, q, clientID)
	if err != nil {
		return nil, fmt.Errorf("list leads in funnel: %w", err)
	}
	defer rows.Close()

	var leads []domain.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leads: %w", err)
	}
	return leads, nil
}
