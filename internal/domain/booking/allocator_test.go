package booking

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dermalink/booking/internal/platform/session"
)

func TestAllocate_EarliestSlotWithinProvider(t *testing.T) {
	env := newTestEnv(t, monday9)
	p := env.addProvider(t, "Dr. Ames", "dermatology")
	env.addSlots(t, p.ID, monday9.Add(time.Hour), monday9, monday9.Add(30*time.Minute))

	res, err := env.alloc.Allocate(context.Background(), AllocationRequest{PatientID: 7})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.ScheduledAt.Equal(monday9) {
		t.Errorf("expected 09:00, got %s", res.ScheduledAt)
	}
	slot := env.slot(t, res.SlotID)
	if !slot.Claimed {
		t.Error("expected reserved slot to be claimed")
	}
	if !slot.Start.Equal(res.ScheduledAt) {
		t.Errorf("scheduled_at %s differs from slot start %s", res.ScheduledAt, slot.Start)
	}
	if res.Status != StatusScheduled {
		t.Errorf("expected status scheduled, got %s", res.Status)
	}
	if res.SessionToken == nil || *res.SessionToken == "" {
		t.Error("expected patient session token to be stored")
	}
}

func TestAllocate_ProviderOrderFirst(t *testing.T) {
	env := newTestEnv(t, monday9)
	first := env.addProvider(t, "Dr. First", "")
	second := env.addProvider(t, "Dr. Second", "")
	env.addSlots(t, first.ID, monday9.Add(2*time.Hour))
	env.addSlots(t, second.ID, monday9)

	res, err := env.alloc.Allocate(context.Background(), AllocationRequest{PatientID: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ProviderID != first.ID {
		t.Errorf("expected provider %d, got %d", first.ID, res.ProviderID)
	}
	if !res.ScheduledAt.Equal(monday9.Add(2 * time.Hour)) {
		t.Errorf("expected 11:00, got %s", res.ScheduledAt)
	}

	// The first provider is exhausted, so the next request falls through.
	res, err = env.alloc.Allocate(context.Background(), AllocationRequest{PatientID: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ProviderID != second.ID {
		t.Errorf("expected provider %d, got %d", second.ID, res.ProviderID)
	}
}

func TestAllocate_SpecializationFilter(t *testing.T) {
	env := newTestEnv(t, monday9)
	cardio := env.addProvider(t, "Dr. Heart", "cardiology")
	derm := env.addProvider(t, "Dr. Skin", "dermatology")
	env.addSlots(t, cardio.ID, monday9)
	env.addSlots(t, derm.ID, monday9.Add(time.Hour))

	res, err := env.alloc.Allocate(context.Background(), AllocationRequest{PatientID: 3, Specialization: "dermatology"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ProviderID != derm.ID {
		t.Errorf("expected dermatology provider %d, got %d", derm.ID, res.ProviderID)
	}

	_, err = env.alloc.Allocate(context.Background(), AllocationRequest{PatientID: 4, Specialization: "oncology"})
	if !errors.Is(err, ErrNoAvailability) {
		t.Errorf("expected ErrNoAvailability for unknown specialization, got %v", err)
	}
}

func TestAllocate_TwoSlotsThreePatients(t *testing.T) {
	env := newTestEnv(t, monday9)
	p := env.addProvider(t, "Dr. Ames", "")
	env.addSlots(t, p.ID, monday9, monday9.Add(30*time.Minute))
	ctx := context.Background()

	a, err := env.alloc.Allocate(ctx, AllocationRequest{PatientID: 100})
	if err != nil {
		t.Fatalf("patient A: %v", err)
	}
	b, err := env.alloc.Allocate(ctx, AllocationRequest{PatientID: 200})
	if err != nil {
		t.Fatalf("patient B: %v", err)
	}
	if !a.ScheduledAt.Equal(monday9) || !b.ScheduledAt.Equal(monday9.Add(30*time.Minute)) {
		t.Errorf("expected 09:00 and 09:30, got %s and %s", a.ScheduledAt, b.ScheduledAt)
	}
	if a.ChannelID == b.ChannelID {
		t.Error("expected distinct channel ids")
	}

	_, err = env.alloc.Allocate(ctx, AllocationRequest{PatientID: 300})
	if !errors.Is(err, ErrNoAvailability) {
		t.Fatalf("patient C: expected ErrNoAvailability, got %v", err)
	}
	if err.Error() != "no available slots found" {
		t.Errorf("unexpected message %q", err.Error())
	}

	upcoming, err := env.svc.ListUpcomingForProvider(ctx, p.ID, monday9)
	if err != nil {
		t.Fatalf("list upcoming: %v", err)
	}
	if len(upcoming) != 2 || upcoming[0].ID != a.ID || upcoming[1].ID != b.ID {
		t.Errorf("unexpected provider schedule: %+v", upcoming)
	}
}

func TestAllocate_NoDoubleClaimUnderConcurrency(t *testing.T) {
	env := newTestEnv(t, monday9)
	const perProvider = 5
	var total int
	for i := 0; i < 3; i++ {
		p := env.addProvider(t, "Dr. Load", "")
		for j := 0; j < perProvider; j++ {
			env.addSlots(t, p.ID, monday9.Add(time.Duration(j)*30*time.Minute))
			total++
		}
	}

	const callers = 50
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		won       = make(map[int64]int64)
		noSlot    int
		otherErrs []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(patient int64) {
			defer wg.Done()
			res, err := env.alloc.Allocate(context.Background(), AllocationRequest{PatientID: patient})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrNoAvailability):
				noSlot++
			case err != nil:
				otherErrs = append(otherErrs, err)
			default:
				if prev, dup := won[res.SlotID]; dup {
					t.Errorf("slot %d reserved by patients %d and %d", res.SlotID, prev, patient)
				}
				won[res.SlotID] = patient
			}
		}(int64(i + 1))
	}
	wg.Wait()

	if len(otherErrs) > 0 {
		t.Fatalf("unexpected errors: %v", otherErrs)
	}
	if len(won) != total {
		t.Errorf("expected %d successes, got %d", total, len(won))
	}
	if noSlot != callers-total {
		t.Errorf("expected %d ErrNoAvailability, got %d", callers-total, noSlot)
	}

	report, err := Audit(context.Background(), env.store, zerolog.Nop())
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if !report.Clean() {
		t.Errorf("expected clean audit, got %+v", report)
	}
}

func TestAllocate_CredentialFailureReleasesClaim(t *testing.T) {
	env := newTestEnv(t, monday9)
	p := env.addProvider(t, "Dr. Ames", "")
	slots := env.addSlots(t, p.ID, monday9)
	env.issuer.setFailure(session.ErrIssuerUnavailable, "provider:")

	_, err := env.alloc.Allocate(context.Background(), AllocationRequest{PatientID: 5})
	if !errors.Is(err, ErrCredentialIssuance) {
		t.Fatalf("expected ErrCredentialIssuance, got %v", err)
	}
	if !errors.Is(err, session.ErrIssuerUnavailable) {
		t.Errorf("expected issuer cause to be kept, got %v", err)
	}
	if env.slot(t, slots[0].ID).Claimed {
		t.Error("expected slot to be released after credential failure")
	}
	upcoming, _ := env.svc.ListUpcomingForPatient(context.Background(), 5, monday9)
	if len(upcoming) != 0 {
		t.Errorf("expected no reservation, got %d", len(upcoming))
	}
	if len(env.events.keys) != 0 {
		t.Error("expected no event for a rolled back allocation")
	}

	env.issuer.setFailure(nil, "")
	res, err := env.alloc.Allocate(context.Background(), AllocationRequest{PatientID: 5})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.SlotID != slots[0].ID {
		t.Errorf("expected released slot %d to be reserved, got %d", slots[0].ID, res.SlotID)
	}
}

func TestAllocate_TimeoutReleasesClaim(t *testing.T) {
	env := newTestEnv(t, monday9)
	env.alloc.timeout = 20 * time.Millisecond
	env.issuer.delay = time.Second
	p := env.addProvider(t, "Dr. Slow", "")
	slots := env.addSlots(t, p.ID, monday9)

	_, err := env.alloc.Allocate(context.Background(), AllocationRequest{PatientID: 9})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if env.slot(t, slots[0].ID).Claimed {
		t.Error("expected slot to be released after timeout")
	}
}

func TestAllocate_TimeoutWithUnresponsiveIssuer(t *testing.T) {
	hang := make(chan struct{})
	defer close(hang)
	env := newTestEnvWithIssuer(t, monday9, &fakeIssuer{}, func(session.Issuer) session.Issuer {
		return session.IssuerFunc(func(context.Context, string, string) (*session.Credential, error) {
			<-hang
			return nil, errors.New("issuer gave up")
		})
	})
	env.alloc.timeout = 50 * time.Millisecond
	p := env.addProvider(t, "Dr. Hung", "")
	slots := env.addSlots(t, p.ID, monday9)

	done := make(chan error, 1)
	go func() {
		_, err := env.alloc.Allocate(context.Background(), AllocationRequest{PatientID: 4})
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, ErrCredentialIssuance) || !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected credential issuance deadline error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Allocate did not return after its timeout")
	}
	if env.slot(t, slots[0].ID).Claimed {
		t.Error("expected slot to be released after timeout")
	}
}

func TestAllocate_EligibilityBoundary(t *testing.T) {
	env := newTestEnv(t, monday9)
	p := env.addProvider(t, "Dr. Ames", "")
	env.addSlots(t, p.ID, monday9.Add(-time.Second))

	_, err := env.alloc.Allocate(context.Background(), AllocationRequest{PatientID: 1})
	if !errors.Is(err, ErrNoAvailability) {
		t.Fatalf("slot one second in the past must not be eligible, got %v", err)
	}

	env.addSlots(t, p.ID, monday9)
	res, err := env.alloc.Allocate(context.Background(), AllocationRequest{PatientID: 1})
	if err != nil {
		t.Fatalf("slot starting exactly now must be eligible: %v", err)
	}
	if !res.ScheduledAt.Equal(monday9) {
		t.Errorf("expected %s, got %s", monday9, res.ScheduledAt)
	}
}

func TestAllocate_ExplicitAsOf(t *testing.T) {
	env := newTestEnv(t, monday9)
	p := env.addProvider(t, "Dr. Ames", "")
	env.addSlots(t, p.ID, monday9, monday9.Add(time.Hour))

	res, err := env.alloc.Allocate(context.Background(), AllocationRequest{
		PatientID: 1,
		AsOf:      monday9.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.ScheduledAt.Equal(monday9.Add(time.Hour)) {
		t.Errorf("expected 10:00, got %s", res.ScheduledAt)
	}
}

func TestAllocate_PatientRequired(t *testing.T) {
	env := newTestEnv(t, monday9)
	_, err := env.alloc.Allocate(context.Background(), AllocationRequest{})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestAllocate_DuplicateChannelIsInvariantViolation(t *testing.T) {
	env := newTestEnv(t, monday9)
	env.alloc.newChannelID = func() string { return "appt_fixed" }
	p := env.addProvider(t, "Dr. Ames", "")
	slots := env.addSlots(t, p.ID, monday9, monday9.Add(30*time.Minute))

	if _, err := env.alloc.Allocate(context.Background(), AllocationRequest{PatientID: 1}); err != nil {
		t.Fatalf("first allocation: %v", err)
	}
	_, err := env.alloc.Allocate(context.Background(), AllocationRequest{PatientID: 2})
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got %v", err)
	}
	if env.slot(t, slots[1].ID).Claimed {
		t.Error("expected second slot to be released")
	}
}

func TestAllocate_PublishesEventAndSeedsCache(t *testing.T) {
	fake := &fakeIssuer{}
	var cache *session.CachingIssuer
	env := newTestEnvWithIssuer(t, monday9, fake, func(next session.Issuer) session.Issuer {
		cache = session.NewCachingIssuer(next, 16, time.Hour)
		return cache
	})
	p := env.addProvider(t, "Dr. Ames", "")
	env.addSlots(t, p.ID, monday9)

	res, err := env.alloc.Allocate(context.Background(), AllocationRequest{PatientID: 11})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(env.events.keys) != 1 || env.events.keys[0] != RoutingKeyReservationScheduled {
		t.Fatalf("expected one %s event, got %v", RoutingKeyReservationScheduled, env.events.keys)
	}
	evt, ok := env.events.payloads[0].(ReservationScheduled)
	if !ok || evt.ReservationID != res.ID || evt.ChannelID != res.ChannelID {
		t.Errorf("unexpected event payload: %+v", env.events.payloads[0])
	}

	if cache.Len() != 2 {
		t.Errorf("expected both credentials cached, got %d", cache.Len())
	}
	calls := fake.callCount()
	if _, err := cache.IssueCredential(context.Background(), res.ChannelID, ProviderParticipant(p.ID)); err != nil {
		t.Fatalf("cached issue: %v", err)
	}
	if fake.callCount() != calls {
		t.Error("expected provider credential to come from cache")
	}
}

func TestAllocate_EventFailureKeepsReservation(t *testing.T) {
	env := newTestEnv(t, monday9)
	env.events.err = errors.New("broker down")
	p := env.addProvider(t, "Dr. Ames", "")
	env.addSlots(t, p.ID, monday9)

	res, err := env.alloc.Allocate(context.Background(), AllocationRequest{PatientID: 1})
	if err != nil {
		t.Fatalf("expected success despite event failure, got %v", err)
	}
	if _, err := env.store.GetReservation(context.Background(), res.ID); err != nil {
		t.Errorf("expected committed reservation: %v", err)
	}
}

func TestNewChannelID(t *testing.T) {
	pattern := regexp.MustCompile(`^appt_[0-9a-f]{32}$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewChannelID()
		if !pattern.MatchString(id) {
			t.Fatalf("unexpected channel id %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate channel id %q", id)
		}
		seen[id] = true
	}
}
