package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dermalink/booking/internal/platform/db"
	"github.com/dermalink/booking/internal/platform/session"
)

const (
	DefaultAllocateTimeout = 10 * time.Second
	publishTimeout         = 5 * time.Second
)

// credentialCache is satisfied by session.CachingIssuer.
type credentialCache interface {
	Remember(channelID, participantID string, cred *session.Credential)
}

// AllocatorDeps wires an Allocator. Events and Clock are optional.
type AllocatorDeps struct {
	Providers    ProviderDirectory
	Slots        SlotStore
	Reservations ReservationStore
	Tx           TxRunner
	Issuer       session.Issuer
	Events       EventPublisher
	Clock        Clock
	Timeout      time.Duration
	Logger       zerolog.Logger
}

// Allocator turns a patient's request into a reservation on the earliest
// eligible slot, walking providers in directory order.
type Allocator struct {
	providers    ProviderDirectory
	slots        SlotStore
	reservations ReservationStore
	tx           TxRunner
	issuer       session.Issuer
	events       EventPublisher
	clock        Clock
	timeout      time.Duration
	logger       zerolog.Logger
	newChannelID func() string
}

func NewAllocator(d AllocatorDeps) *Allocator {
	a := &Allocator{
		providers:    d.Providers,
		slots:        d.Slots,
		reservations: d.Reservations,
		tx:           d.Tx,
		issuer:       d.Issuer,
		events:       d.Events,
		clock:        d.Clock,
		timeout:      d.Timeout,
		logger:       d.Logger.With().Str("component", "allocator").Logger(),
		newChannelID: NewChannelID,
	}
	if a.clock == nil {
		a.clock = SystemClock{}
	}
	if a.timeout <= 0 {
		a.timeout = DefaultAllocateTimeout
	}
	return a
}

// NewChannelID returns "appt_" followed by 32 hex characters.
func NewChannelID() string {
	return "appt_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

type allocation struct {
	reservation *Reservation
	patient     *session.Credential
	provider    *session.Credential
}

// Allocate claims a slot, issues both participants' credentials and stores the
// reservation in one transaction. Any failure after the claim rolls it back.
func (a *Allocator) Allocate(ctx context.Context, req AllocationRequest) (*Reservation, error) {
	if req.PatientID <= 0 {
		return nil, fmt.Errorf("%w: patient_id is required", ErrInvalidRequest)
	}
	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = a.clock.Now()
	}
	asOf = asOf.UTC()

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	log := a.logger.With().
		Int64("patient_id", req.PatientID).
		Str("specialization", req.Specialization).
		Time("as_of", asOf).
		Logger()

	providers, err := a.providers.ListProviders(ctx, req.Specialization)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}

	var out allocation
	err = a.tx.RunInTx(ctx, func(ctx context.Context) error {
		slot, err := a.claimFirst(ctx, log, providers, asOf)
		if err != nil {
			return err
		}
		out, err = a.reserve(ctx, req.PatientID, slot)
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrNoAvailability):
			log.Info().Int("providers", len(providers)).Msg("no eligible slot")
		case errors.Is(err, ErrInvariantViolation):
			log.Error().Err(err).Msg("allocation refused by store invariant")
		default:
			log.Warn().Err(err).Msg("allocation rolled back")
		}
		return nil, err
	}

	a.afterCommit(parent, log, out)
	return out.reservation, nil
}

func (a *Allocator) claimFirst(ctx context.Context, log zerolog.Logger, providers []*Provider, asOf time.Time) (*Slot, error) {
	for _, p := range providers {
		slot, err := a.slots.ClaimEarliestEligibleSlot(ctx, p.ID, asOf)
		switch {
		case errors.Is(err, ErrContention):
			log.Debug().Int64("provider_id", p.ID).Err(err).Msg("claim contended, trying next provider")
			continue
		case err != nil:
			return nil, fmt.Errorf("claim slot for provider %d: %w", p.ID, err)
		case slot == nil:
			continue
		}
		log.Debug().Int64("provider_id", p.ID).Int64("slot_id", slot.ID).Time("start", slot.Start).Msg("slot claimed")
		return slot, nil
	}
	return nil, ErrNoAvailability
}

func (a *Allocator) reserve(ctx context.Context, patientID int64, slot *Slot) (allocation, error) {
	channelID := a.newChannelID()
	patient := PatientParticipant(patientID)
	provider := ProviderParticipant(slot.ProviderID)

	out, err := a.issueCredentials(ctx, channelID, patient, provider)
	if err != nil {
		return allocation{}, fmt.Errorf("%w: %w", ErrCredentialIssuance, err)
	}

	expires := out.patient.ExpiresAt
	token := out.patient.Token
	res := &Reservation{
		PatientID:        patientID,
		ProviderID:       slot.ProviderID,
		SlotID:           slot.ID,
		ScheduledAt:      slot.Start,
		Status:           StatusScheduled,
		ChannelID:        channelID,
		SessionToken:     &token,
		SessionExpiresAt: &expires,
	}
	if err := a.reservations.CreateReservation(ctx, res); err != nil {
		return allocation{}, fmt.Errorf("persist reservation: %w", err)
	}
	out.reservation = res
	return out, nil
}

// issueCredentials returns when both credentials are issued or ctx is done,
// whichever comes first. An issuer that ignores ctx is abandoned.
func (a *Allocator) issueCredentials(ctx context.Context, channelID, patient, provider string) (allocation, error) {
	var out allocation
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cred, err := a.issuer.IssueCredential(gctx, channelID, patient)
		out.patient = cred
		return err
	})
	g.Go(func() error {
		cred, err := a.issuer.IssueCredential(gctx, channelID, provider)
		out.provider = cred
		return err
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			return allocation{}, err
		}
		return out, nil
	case <-ctx.Done():
		return allocation{}, ctx.Err()
	}
}

// afterCommit runs once the reservation is durable. Nothing here can undo it.
func (a *Allocator) afterCommit(ctx context.Context, log zerolog.Logger, out allocation) {
	res := out.reservation
	if cache, ok := a.issuer.(credentialCache); ok {
		cache.Remember(res.ChannelID, PatientParticipant(res.PatientID), out.patient)
		cache.Remember(res.ChannelID, ProviderParticipant(res.ProviderID), out.provider)
	}

	log.Info().
		Int64("reservation_id", res.ID).
		Int64("provider_id", res.ProviderID).
		Int64("slot_id", res.SlotID).
		Time("scheduled_at", res.ScheduledAt).
		Msg("reservation scheduled")

	if a.events == nil {
		return
	}
	evt := ReservationScheduled{
		ReservationID: res.ID,
		PatientID:     res.PatientID,
		ProviderID:    res.ProviderID,
		SlotID:        res.SlotID,
		ScheduledAt:   res.ScheduledAt,
		ChannelID:     res.ChannelID,
		Tenant:        db.TenantFromContext(ctx),
		OccurredAt:    a.clock.Now().UTC(),
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := a.events.Publish(pubCtx, RoutingKeyReservationScheduled, evt); err != nil {
		log.Warn().Err(err).Int64("reservation_id", res.ID).Msg("publish reservation event")
	}
}
