package booking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dermalink/booking/internal/platform/session"
	"github.com/dermalink/booking/pkg/pagination"
)

const (
	DefaultSlotDuration = 30 * time.Minute
	// MaxSlotsPerPublish caps a single range publish.
	MaxSlotsPerPublish = 2000

	defaultTokenMargin = 5 * time.Minute
)

// ServiceDeps wires a Service. SlotDuration and TokenMargin fall back to
// package defaults when zero.
type ServiceDeps struct {
	Providers    ProviderDirectory
	Slots        SlotStore
	Reservations ReservationStore
	Allocator    *Allocator
	Issuer       session.Issuer
	AppID        string
	Clock        Clock
	SlotDuration time.Duration
	TokenMargin  time.Duration
}

type Service struct {
	providers    ProviderDirectory
	slots        SlotStore
	reservations ReservationStore
	allocator    *Allocator
	issuer       session.Issuer
	appID        string
	clock        Clock
	slotDuration time.Duration
	tokenMargin  time.Duration
}

func NewService(d ServiceDeps) *Service {
	s := &Service{
		providers:    d.Providers,
		slots:        d.Slots,
		reservations: d.Reservations,
		allocator:    d.Allocator,
		issuer:       d.Issuer,
		appID:        d.AppID,
		clock:        d.Clock,
		slotDuration: d.SlotDuration,
		tokenMargin:  d.TokenMargin,
	}
	if s.clock == nil {
		s.clock = SystemClock{}
	}
	if s.slotDuration <= 0 {
		s.slotDuration = DefaultSlotDuration
	}
	if s.tokenMargin <= 0 {
		s.tokenMargin = defaultTokenMargin
	}
	return s
}

func (s *Service) SlotDuration() time.Duration { return s.slotDuration }

// -- Providers --

func (s *Service) RegisterProvider(ctx context.Context, displayName, specialization string) (*Provider, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, fmt.Errorf("%w: display_name is required", ErrInvalidRequest)
	}
	p := &Provider{DisplayName: displayName}
	if spec := strings.TrimSpace(specialization); spec != "" {
		p.Specialization = &spec
	}
	if err := s.providers.CreateProvider(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) ListProviders(ctx context.Context, specialization string) ([]*Provider, error) {
	return s.providers.ListProviders(ctx, strings.TrimSpace(specialization))
}

// -- Slots --

// SplitRange cuts [start, end) into consecutive whole intervals of length d.
// A trailing remainder shorter than d is dropped.
func SplitRange(start, end time.Time, d time.Duration) ([]Interval, error) {
	if d <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", ErrInvalidDuration)
	}
	if start.IsZero() || end.IsZero() || !start.Before(end) {
		return nil, fmt.Errorf("%w: start must be before end", ErrInvalidRange)
	}
	n := int64(end.Sub(start) / d)
	if n == 0 {
		return nil, fmt.Errorf("%w: range is shorter than one %s slot", ErrInvalidRange, d)
	}
	if n > MaxSlotsPerPublish {
		return nil, fmt.Errorf("%w: range holds %d slots, limit is %d", ErrInvalidRange, n, MaxSlotsPerPublish)
	}

	start = start.UTC()
	out := make([]Interval, 0, n)
	for i := int64(0); i < n; i++ {
		from := start.Add(time.Duration(i) * d)
		out = append(out, Interval{Start: from, End: from.Add(d)})
	}
	return out, nil
}

// PublishAvailability splits the range into slots and stores those the
// provider has not already published.
func (s *Service) PublishAvailability(ctx context.Context, providerID int64, start, end time.Time, d time.Duration) ([]*Slot, error) {
	if providerID <= 0 {
		return nil, fmt.Errorf("%w: provider_id is required", ErrInvalidRequest)
	}
	intervals, err := SplitRange(start, end, d)
	if err != nil {
		return nil, err
	}
	return s.slots.CreateSlots(ctx, providerID, intervals)
}

func (s *Service) PublishSlot(ctx context.Context, providerID int64, start time.Time, d time.Duration) (*Slot, error) {
	if providerID <= 0 {
		return nil, fmt.Errorf("%w: provider_id is required", ErrInvalidRequest)
	}
	if d <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", ErrInvalidDuration)
	}
	if start.IsZero() {
		return nil, fmt.Errorf("%w: start is required", ErrInvalidRange)
	}
	start = start.UTC()
	created, err := s.slots.CreateSlots(ctx, providerID, []Interval{{Start: start, End: start.Add(d)}})
	if err != nil {
		return nil, err
	}
	if len(created) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSlotExists, start.Format(time.RFC3339))
	}
	return created[0], nil
}

func (s *Service) ListAvailableSlots(ctx context.Context, providerID int64, p pagination.Params) ([]*Slot, int, error) {
	return s.slots.ListAvailableSlots(ctx, providerID, s.clock.Now().UTC(), p.Limit, p.Offset)
}

// -- Reservations --

func (s *Service) Allocate(ctx context.Context, req AllocationRequest) (*Reservation, error) {
	if req.AsOf.IsZero() {
		req.AsOf = s.clock.Now()
	}
	req.Specialization = strings.TrimSpace(req.Specialization)
	return s.allocator.Allocate(ctx, req)
}

func (s *Service) asOf(t time.Time) time.Time {
	if t.IsZero() {
		return s.clock.Now().UTC()
	}
	return t.UTC()
}

func (s *Service) ListUpcomingForPatient(ctx context.Context, patientID int64, asOf time.Time) ([]*Reservation, error) {
	return s.reservations.ListUpcomingByPatient(ctx, patientID, s.asOf(asOf))
}

func (s *Service) ListUpcomingForProvider(ctx context.Context, providerID int64, asOf time.Time) ([]*Reservation, error) {
	return s.reservations.ListUpcomingByProvider(ctx, providerID, s.asOf(asOf))
}

// SessionCredential returns the caller's credential for the reservation's
// channel. Only the reservation's own patient and provider may ask.
func (s *Service) SessionCredential(ctx context.Context, reservationID int64, caller Caller) (*SessionDetails, error) {
	res, err := s.reservations.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	var participant string
	switch {
	case caller.Patient && caller.ProfileID == res.PatientID:
		participant = PatientParticipant(res.PatientID)
		if res.SessionToken != nil && res.SessionExpiresAt != nil &&
			res.SessionExpiresAt.Sub(s.clock.Now()) > s.tokenMargin {
			return s.details(res, participant, &session.Credential{
				Token:     *res.SessionToken,
				ExpiresAt: *res.SessionExpiresAt,
			}), nil
		}
	case caller.Provider && caller.ProfileID == res.ProviderID:
		participant = ProviderParticipant(res.ProviderID)
	default:
		return nil, ErrForbidden
	}

	cred, err := s.issuer.IssueCredential(ctx, res.ChannelID, participant)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentialIssuance, err)
	}
	return s.details(res, participant, cred), nil
}

func (s *Service) details(res *Reservation, participant string, cred *session.Credential) *SessionDetails {
	return &SessionDetails{
		ChannelName: res.ChannelID,
		Token:       cred.Token,
		UID:         participant,
		AppID:       s.appID,
		ExpiresAt:   cred.ExpiresAt.UTC(),
	}
}
