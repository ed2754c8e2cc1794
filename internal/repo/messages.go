package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ajitkushawaha/lead-flow-ai/internal/domain"
)

// InsertConversationMessage appends a ledger row for a lead. The sequence
// number is assigned from the lead's current maximum; callers serialize
// appends per lead so two inserts never race on the same seq.
func (r *Repository) InsertConversationMessage(ctx context.Context, msg domain.Message) error {
	const q = `
INSERT INTO conversation_messages (id, lead_id, seq, sender, body, channel, ts, delivery_status, external_id)
VALUES ($1, $2,
    (SELECT COALESCE(MAX(seq), 0) + 1 FROM conversation_messages WHERE lead_id = $2),
    $3, $4, $5, $6, $7, $8);
`
	_, err := r.pool.Exec(ctx, q, msg.ID, msg.LeadID, msg.Sender, msg.Body,
		msg.Channel, msg.Timestamp, msg.DeliveryStatus, msg.ExternalID)
	if err != nil {
		return fmt.Errorf("insert conversation message: %w", err)
	}
	return nil
}

// ListConversation returns a lead's ledger in append order. Append order is
// authoritative, never the timestamps.
func (r *Repository) ListConversation(ctx context.Context, leadID string) ([]domain.Message, error) {
	const q = `
SELECT id, lead_id, sender, body, channel, ts, delivery_status, external_id
FROM conversation_messages
WHERE lead_id = $1
ORDER BY seq;
`
	rows, err := r.pool.Query(ctx, q, leadID)
	if err != nil {
		return nil, fmt.Errorf("list conversation: %w", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.LeadID, &m.Sender, &m.Body, &m.Channel,
			&m.Timestamp, &m.DeliveryStatus, &m.ExternalID); err != nil {
			return nil, fmt.Errorf("scan conversation message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation: %w", err)
	}
	return msgs, nil
}

// UpdateDeliveryStatus moves the ledger entry matching the external
// transport id forward in the status lattice. Returns false when no entry
// matches; illegal backward transitions are skipped without error.
func (r *Repository) UpdateDeliveryStatus(ctx context.Context, externalID string, status domain.DeliveryStatus) (bool, error) {
	found := false
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		var id string
		var current domain.DeliveryStatus
		err := tx.QueryRow(ctx, `
SELECT id, delivery_status FROM conversation_messages
WHERE external_id = $1
FOR UPDATE;`, externalID).Scan(&id, &current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("lookup message by external id: %w", err)
		}
		found = true

		if !current.CanTransitionTo(status) {
			r.logger.Debug("skipping non-forward status transition",
				"external_id", externalID, "from", current, "to", status)
			return nil
		}

		if _, err := tx.Exec(ctx, `
UPDATE conversation_messages SET delivery_status = $2 WHERE id = $1;`, id, status); err != nil {
			return fmt.Errorf("update delivery status: %w", err)
		}
		return nil
	})
	if err != nil {
		return found, err
	}
	return found, nil
}
