package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNoChannelAvailable indicates no transport can reach the lead.
	ErrNoChannelAvailable = errors.New("no channel available for lead")

	// ErrSMSLimitExceeded indicates the client's monthly SMS quota is
	// exhausted. Distinct from transport failures so operators can tell
	// quota problems from configuration problems.
	ErrSMSLimitExceeded = errors.New("monthly sms limit exceeded")
)

// TransportError wraps a provider failure or timeout behind a typed error
// so callers never see raw transport errors.
type TransportError struct {
	Channel Channel
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport: %v", e.Channel, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
