package booking

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// AuditReport lists rows that break the slot/reservation invariants.
type AuditReport struct {
	OrphanedClaims []*Slot               `json:"orphaned_claims"`
	Mismatched     []ReservationMismatch `json:"mismatched_reservations"`
}

func (r *AuditReport) Clean() bool {
	return len(r.OrphanedClaims) == 0 && len(r.Mismatched) == 0
}

// Audit checks that every claimed slot has exactly one reservation and that
// every reservation agrees with its slot. Each violation is logged at error.
func Audit(ctx context.Context, a Auditor, logger zerolog.Logger) (*AuditReport, error) {
	orphans, err := a.OrphanedClaims(ctx)
	if err != nil {
		return nil, fmt.Errorf("find orphaned claims: %w", err)
	}
	mismatched, err := a.MismatchedReservations(ctx)
	if err != nil {
		return nil, fmt.Errorf("find mismatched reservations: %w", err)
	}

	for _, s := range orphans {
		logger.Error().
			Int64("slot_id", s.ID).
			Int64("provider_id", s.ProviderID).
			Time("start", s.Start).
			Msg("claimed slot has no reservation")
	}
	for _, m := range mismatched {
		logger.Error().
			Int64("reservation_id", m.ReservationID).
			Int64("slot_id", m.SlotID).
			Bool("slot_claimed", m.SlotClaimed).
			Time("scheduled_at", m.ScheduledAt).
			Time("slot_start", m.SlotStart).
			Bool("provider_match", m.ProviderMatch).
			Msg("reservation disagrees with its slot")
	}

	return &AuditReport{OrphanedClaims: orphans, Mismatched: mismatched}, nil
}
