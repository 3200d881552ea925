package booking

import (
	"context"
	"time"
)

type ProviderDirectory interface {
	// ListProviders returns providers ascending by id. An empty
	// specialization matches every provider.
	ListProviders(ctx context.Context, specialization string) ([]*Provider, error)
	GetProvider(ctx context.Context, id int64) (*Provider, error)
	CreateProvider(ctx context.Context, p *Provider) error
}

type SlotStore interface {
	// ClaimEarliestEligibleSlot atomically claims the provider's unclaimed
	// slot with the smallest (start, id) among those starting at or after
	// asOf. It returns nil, nil when there is none and ErrContention when a
	// lock conflict prevented the claim.
	ClaimEarliestEligibleSlot(ctx context.Context, providerID int64, asOf time.Time) (*Slot, error)
	// CreateSlots inserts one slot per interval, skipping starts the provider
	// already published, and returns the slots actually created.
	CreateSlots(ctx context.Context, providerID int64, intervals []Interval) ([]*Slot, error)
	GetSlot(ctx context.Context, id int64) (*Slot, error)
	ListAvailableSlots(ctx context.Context, providerID int64, asOf time.Time, limit, offset int) ([]*Slot, int, error)
}

type ReservationStore interface {
	CreateReservation(ctx context.Context, r *Reservation) error
	GetReservation(ctx context.Context, id int64) (*Reservation, error)
	ListUpcomingByPatient(ctx context.Context, patientID int64, asOf time.Time) ([]*Reservation, error)
	ListUpcomingByProvider(ctx context.Context, providerID int64, asOf time.Time) ([]*Reservation, error)
}

// Auditor finds rows that break the claimed/reservation invariants.
type Auditor interface {
	OrphanedClaims(ctx context.Context) ([]*Slot, error)
	MismatchedReservations(ctx context.Context) ([]ReservationMismatch, error)
}

// TxRunner runs fn in one store transaction: committed when fn returns nil,
// rolled back otherwise.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// EventPublisher delivers domain events. Publishing is best effort.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}
