package engine

import "errors"

// Precondition failures are surfaced directly and never retried; they are
// legitimate business-rule rejections, not faults. ErrConcurrentModification
// is the one transient error: it appears only after internal retries on
// store-level conflicts are exhausted, and callers may retry it.
var (
	ErrTaskNotAvailable       = errors.New("task not available")
	ErrReservationExpired     = errors.New("reservation expired")
	ErrReservationLimit       = errors.New("reservation limit exceeded")
	ErrExpertNotEligible      = errors.New("expert not eligible")
	ErrInviteResponded        = errors.New("invite already responded")
	ErrConcurrentModification = errors.New("concurrent modification")
)
