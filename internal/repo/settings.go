package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ajitkushawaha/lead-flow-ai/internal/domain"
)

// GetSMSSettings fetches a client's messaging configuration. ErrNotFound
// means the client has no SMS configuration at all.
func (r *Repository) GetSMSSettings(ctx context.Context, clientID string) (*domain.SMSSettings, error) {
	const q = `
SELECT client_id, business_hours_start, business_hours_end, timezone,
       monthly_sms_limit, sms_sent_this_month, booking_url
FROM sms_settings
WHERE client_id = $1;
`
	var s domain.SMSSettings
	err := r.pool.QueryRow(ctx, q, clientID).Scan(&s.ClientID, &s.BusinessHoursStart,
		&s.BusinessHoursEnd, &s.Timezone, &s.MonthlySMSLimit, &s.SMSSentThisMonth, &s.BookingURL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get sms settings: %w", err)
	}
	return &s, nil
}

// ReserveSMSCredit atomically consumes one unit of the client's monthly SMS
// quota. The conditional update keeps concurrent senders from pushing the
// counter past the limit. A zero-row update is either an exhausted quota
// (ErrSMSLimitExceeded) or a client with no SMS configuration (ErrNotFound).
func (r *Repository) ReserveSMSCredit(ctx context.Context, clientID string) error {
	const q = `
UPDATE sms_settings
SET sms_sent_this_month = sms_sent_this_month + 1, updated_at = NOW()
WHERE client_id = $1 AND sms_sent_this_month < monthly_sms_limit;
`
	ct, err := r.pool.Exec(ctx, q, clientID)
	if err != nil {
		return fmt.Errorf("reserve sms credit: %w", err)
	}
	if ct.RowsAffected() == 0 {
		const exists = `SELECT EXISTS (SELECT 1 FROM sms_settings WHERE client_id = $1);`
		var configured bool
		if err := r.pool.QueryRow(ctx, exists, clientID).Scan(&configured); err != nil {
			return fmt.Errorf("reserve sms credit: %w", err)
		}
		if !configured {
			return ErrNotFound
		}
		return domain.ErrSMSLimitExceeded
	}
	return nil
}
