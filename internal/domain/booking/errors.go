package booking

import "errors"

var (
	ErrNoAvailability = errors.New("no available slots found")
	ErrNotFound       = errors.New("not found")
	ErrForbidden      = errors.New("caller is not a participant of this reservation")

	// ErrContention is a lock or serialization conflict on one provider's
	// slots. The allocator moves on to the next provider.
	ErrContention = errors.New("slot claim contention")

	ErrCredentialIssuance = errors.New("session credential issuance failed")

	// ErrInvariantViolation means the store refused a write that would break
	// slot/reservation uniqueness. It is never expected in normal operation.
	ErrInvariantViolation = errors.New("booking invariant violation")

	ErrSlotExists = errors.New("slot already published")

	ErrInvalidRange    = errors.New("invalid time range")
	ErrInvalidDuration = errors.New("invalid slot duration")
	ErrInvalidRequest  = errors.New("invalid request")
)
