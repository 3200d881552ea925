package booking

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seedMemory(t *testing.T) (*MemoryStore, *Provider, []*Slot) {
	t.Helper()
	m := NewMemoryStore()
	ctx := context.Background()
	p := &Provider{DisplayName: "Dr. Ames"}
	if err := m.CreateProvider(ctx, p); err != nil {
		t.Fatalf("create provider: %v", err)
	}
	slots, err := m.CreateSlots(ctx, p.ID, []Interval{
		{Start: monday9, End: monday9.Add(30 * time.Minute)},
		{Start: monday9.Add(30 * time.Minute), End: monday9.Add(time.Hour)},
	})
	if err != nil {
		t.Fatalf("create slots: %v", err)
	}
	return m, p, slots
}

func TestMemoryStore_ClaimOrderAndExhaustion(t *testing.T) {
	m, p, slots := seedMemory(t)
	ctx := context.Background()

	for _, want := range slots {
		got, err := m.ClaimEarliestEligibleSlot(ctx, p.ID, monday9)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if got == nil || got.ID != want.ID {
			t.Fatalf("expected slot %d, got %+v", want.ID, got)
		}
		if !got.Claimed {
			t.Error("expected returned slot to be claimed")
		}
	}
	got, err := m.ClaimEarliestEligibleSlot(ctx, p.ID, monday9)
	if err != nil || got != nil {
		t.Errorf("expected nil, nil once exhausted, got %+v, %v", got, err)
	}
}

func TestMemoryStore_CreateSlotsSkipsDuplicates(t *testing.T) {
	m, p, _ := seedMemory(t)
	created, err := m.CreateSlots(context.Background(), p.ID, []Interval{
		{Start: monday9, End: monday9.Add(30 * time.Minute)},
		{Start: monday9.Add(time.Hour), End: monday9.Add(90 * time.Minute)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(created) != 1 || !created[0].Start.Equal(monday9.Add(time.Hour)) {
		t.Errorf("expected only the 10:00 slot to be created, got %+v", created)
	}
}

func TestMemoryStore_CreateSlotsUnknownProvider(t *testing.T) {
	m := NewMemoryStore()
	_, err := m.CreateSlots(context.Background(), 99, []Interval{{Start: monday9, End: monday9.Add(time.Hour)}})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_RollbackReleasesClaimAndReservation(t *testing.T) {
	m, p, slots := seedMemory(t)
	boom := errors.New("boom")

	err := m.RunInTx(context.Background(), func(ctx context.Context) error {
		s, err := m.ClaimEarliestEligibleSlot(ctx, p.ID, monday9)
		if err != nil || s == nil {
			t.Fatalf("claim: %+v, %v", s, err)
		}
		r := &Reservation{PatientID: 1, ProviderID: p.ID, SlotID: s.ID, ScheduledAt: s.Start, ChannelID: "appt_x"}
		if err := m.CreateReservation(ctx, r); err != nil {
			t.Fatalf("create reservation: %v", err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}

	s, _ := m.GetSlot(context.Background(), slots[0].ID)
	if s.Claimed {
		t.Error("expected claim to be undone")
	}
	items, _ := m.ListUpcomingByPatient(context.Background(), 1, monday9)
	if len(items) != 0 {
		t.Errorf("expected rolled back reservation to vanish, got %d", len(items))
	}
	// The channel id is free again.
	r := &Reservation{PatientID: 2, ProviderID: p.ID, SlotID: slots[0].ID, ScheduledAt: monday9, ChannelID: "appt_x"}
	if err := m.CreateReservation(context.Background(), r); err != nil {
		t.Errorf("expected channel id to be reusable after rollback: %v", err)
	}
}

func TestMemoryStore_PendingReservationVisibility(t *testing.T) {
	m, p, slots := seedMemory(t)
	outside := context.Background()

	var id int64
	err := m.RunInTx(outside, func(ctx context.Context) error {
		r := &Reservation{PatientID: 1, ProviderID: p.ID, SlotID: slots[0].ID, ScheduledAt: monday9, ChannelID: "appt_a"}
		if err := m.CreateReservation(ctx, r); err != nil {
			return err
		}
		id = r.ID
		if _, err := m.GetReservation(ctx, id); err != nil {
			t.Errorf("own transaction should see its reservation: %v", err)
		}
		if _, err := m.GetReservation(outside, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("other callers must not see uncommitted reservation, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	if _, err := m.GetReservation(outside, id); err != nil {
		t.Errorf("expected committed reservation to be visible: %v", err)
	}
}

func TestMemoryStore_ReservationUniqueness(t *testing.T) {
	m, p, slots := seedMemory(t)
	ctx := context.Background()
	first := &Reservation{PatientID: 1, ProviderID: p.ID, SlotID: slots[0].ID, ScheduledAt: monday9, ChannelID: "appt_a"}
	if err := m.CreateReservation(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}

	tests := []struct {
		name string
		r    *Reservation
	}{
		{"same slot", &Reservation{PatientID: 2, ProviderID: p.ID, SlotID: slots[0].ID, ChannelID: "appt_b"}},
		{"same channel", &Reservation{PatientID: 2, ProviderID: p.ID, SlotID: slots[1].ID, ChannelID: "appt_a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := m.CreateReservation(ctx, tt.r); !errors.Is(err, ErrInvariantViolation) {
				t.Errorf("expected ErrInvariantViolation, got %v", err)
			}
		})
	}
}

func TestMemoryStore_CommitOnCancelledContextRollsBack(t *testing.T) {
	m, p, slots := seedMemory(t)
	ctx, cancel := context.WithCancel(context.Background())

	err := m.RunInTx(ctx, func(txCtx context.Context) error {
		if _, err := m.ClaimEarliestEligibleSlot(txCtx, p.ID, monday9); err != nil {
			return err
		}
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	s, _ := m.GetSlot(context.Background(), slots[0].ID)
	if s.Claimed {
		t.Error("expected claim to be undone")
	}
}

func TestMemoryStore_ListAvailableSlotsPaged(t *testing.T) {
	m, p, slots := seedMemory(t)
	ctx := context.Background()
	if _, err := m.ClaimEarliestEligibleSlot(ctx, p.ID, monday9); err != nil {
		t.Fatalf("claim: %v", err)
	}

	items, total, err := m.ListAvailableSlots(ctx, p.ID, monday9, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(items) != 1 || items[0].ID != slots[1].ID {
		t.Errorf("expected only the unclaimed slot, got total=%d items=%+v", total, items)
	}

	items, total, _ = m.ListAvailableSlots(ctx, p.ID, monday9, 10, 5)
	if total != 1 || len(items) != 0 {
		t.Errorf("expected empty page past the end, got total=%d items=%d", total, len(items))
	}
}

func TestMemoryStore_ListProvidersOrderAndFilter(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	derm := "dermatology"
	for _, p := range []*Provider{
		{DisplayName: "A", Specialization: &derm},
		{DisplayName: "B"},
		{DisplayName: "C", Specialization: &derm},
	} {
		if err := m.CreateProvider(ctx, p); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	all, _ := m.ListProviders(ctx, "")
	if len(all) != 3 || all[0].ID >= all[1].ID || all[1].ID >= all[2].ID {
		t.Errorf("expected three providers ascending by id, got %+v", all)
	}
	filtered, _ := m.ListProviders(ctx, derm)
	if len(filtered) != 2 || filtered[0].DisplayName != "A" || filtered[1].DisplayName != "C" {
		t.Errorf("unexpected filtered providers: %+v", filtered)
	}
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	m, p, _ := seedMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.ClaimEarliestEligibleSlot(ctx, p.ID, monday9); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
