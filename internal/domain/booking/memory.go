package booking

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dermalink/booking/pkg/pagination"
)

// MemoryStore implements every booking store interface in process. A single
// mutex makes each claim a compare-and-set; transactions keep an undo
// journal so a rolled-back allocation releases its claim, and reservations
// stay invisible to other callers until commit.
type MemoryStore struct {
	mu sync.Mutex

	nextProviderID    int64
	nextSlotID        int64
	nextReservationID int64

	providers    map[int64]*Provider
	slots        map[int64]*Slot
	byProvider   map[int64][]*Slot
	slotStarts   map[slotKey]int64
	reservations map[int64]*memReservation
	bySlot       map[int64]int64
	byChannel    map[string]int64

	now func() time.Time
}

type slotKey struct {
	providerID int64
	start      int64
}

type memReservation struct {
	r Reservation
	// tx is the open transaction that created the row, nil once committed.
	tx *memTx
}

type memTx struct {
	undo    []func()
	pending []*memReservation
}

type memTxKey struct{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		providers:    make(map[int64]*Provider),
		slots:        make(map[int64]*Slot),
		byProvider:   make(map[int64][]*Slot),
		slotStarts:   make(map[slotKey]int64),
		reservations: make(map[int64]*memReservation),
		bySlot:       make(map[int64]int64),
		byChannel:    make(map[string]int64),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func memTxFrom(ctx context.Context) *memTx {
	tx, _ := ctx.Value(memTxKey{}).(*memTx)
	return tx
}

// journal records how to revert a write made in ctx's transaction. Callers
// hold m.mu.
func journal(ctx context.Context, undo func()) {
	if tx := memTxFrom(ctx); tx != nil {
		tx.undo = append(tx.undo, undo)
	}
}

func (m *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if memTxFrom(ctx) != nil {
		return fn(ctx)
	}

	tx := &memTx{}
	err := fn(context.WithValue(ctx, memTxKey{}, tx))
	if err == nil {
		// Commit fails on a dead context, as it does against Postgres.
		err = ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	for _, r := range tx.pending {
		r.tx = nil
	}
	return nil
}

// -- ProviderDirectory --

func (m *MemoryStore) CreateProvider(ctx context.Context, p *Provider) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextProviderID++
	p.ID = m.nextProviderID
	p.CreatedAt = m.now()
	cp := *p
	m.providers[p.ID] = &cp
	journal(ctx, func() { delete(m.providers, cp.ID) })
	return nil
}

func (m *MemoryStore) GetProvider(ctx context.Context, id int64) (*Provider, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.providers[id]
	if !ok {
		return nil, fmt.Errorf("provider %d: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListProviders(ctx context.Context, specialization string) ([]*Provider, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Provider, 0, len(m.providers))
	for _, p := range m.providers {
		if specialization != "" && (p.Specialization == nil || *p.Specialization != specialization) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// -- SlotStore --

func (m *MemoryStore) ClaimEarliestEligibleSlot(ctx context.Context, providerID int64, asOf time.Time) (*Slot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *Slot
	for _, s := range m.byProvider[providerID] {
		if s.Claimed || s.Start.Before(asOf) {
			continue
		}
		if best == nil || s.Start.Before(best.Start) || (s.Start.Equal(best.Start) && s.ID < best.ID) {
			best = s
		}
	}
	if best == nil {
		return nil, nil
	}

	claimed := best
	prevUpdated := claimed.UpdatedAt
	claimed.Claimed = true
	claimed.UpdatedAt = m.now()
	journal(ctx, func() {
		claimed.Claimed = false
		claimed.UpdatedAt = prevUpdated
	})

	cp := *claimed
	return &cp, nil
}

func (m *MemoryStore) CreateSlots(ctx context.Context, providerID int64, intervals []Interval) ([]*Slot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.providers[providerID]; !ok {
		return nil, fmt.Errorf("provider %d: %w", providerID, ErrNotFound)
	}

	now := m.now()
	created := make([]*Slot, 0, len(intervals))
	for _, iv := range intervals {
		key := slotKey{providerID: providerID, start: iv.Start.UnixNano()}
		if _, dup := m.slotStarts[key]; dup {
			continue
		}
		m.nextSlotID++
		s := &Slot{
			ID:         m.nextSlotID,
			ProviderID: providerID,
			Start:      iv.Start.UTC(),
			End:        iv.End.UTC(),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		m.slots[s.ID] = s
		m.byProvider[providerID] = append(m.byProvider[providerID], s)
		m.slotStarts[key] = s.ID
		journal(ctx, func() { m.removeSlot(s, key) })

		cp := *s
		created = append(created, &cp)
	}
	return created, nil
}

func (m *MemoryStore) removeSlot(s *Slot, key slotKey) {
	delete(m.slots, s.ID)
	delete(m.slotStarts, key)
	list := m.byProvider[s.ProviderID]
	for i, other := range list {
		if other == s {
			m.byProvider[s.ProviderID] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
}

func (m *MemoryStore) GetSlot(ctx context.Context, id int64) (*Slot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[id]
	if !ok {
		return nil, fmt.Errorf("slot %d: %w", id, ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListAvailableSlots(ctx context.Context, providerID int64, asOf time.Time, limit, offset int) ([]*Slot, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var avail []*Slot
	for _, s := range m.byProvider[providerID] {
		if !s.Claimed && !s.Start.Before(asOf) {
			cp := *s
			avail = append(avail, &cp)
		}
	}
	sortSlots(avail)

	lo, hi := pagination.Params{Limit: limit, Offset: offset}.Window(len(avail))
	return avail[lo:hi], len(avail), nil
}

func sortSlots(s []*Slot) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].Start.Equal(s[j].Start) {
			return s[i].Start.Before(s[j].Start)
		}
		return s[i].ID < s[j].ID
	})
}

// -- ReservationStore --

func (m *MemoryStore) CreateReservation(ctx context.Context, r *Reservation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.slots[r.SlotID]; !ok {
		return fmt.Errorf("slot %d: %w", r.SlotID, ErrNotFound)
	}
	if _, ok := m.providers[r.ProviderID]; !ok {
		return fmt.Errorf("provider %d: %w", r.ProviderID, ErrNotFound)
	}
	if _, dup := m.bySlot[r.SlotID]; dup {
		return fmt.Errorf("%w: slot %d is already reserved", ErrInvariantViolation, r.SlotID)
	}
	if _, dup := m.byChannel[r.ChannelID]; dup {
		return fmt.Errorf("%w: channel %s is already in use", ErrInvariantViolation, r.ChannelID)
	}

	m.nextReservationID++
	r.ID = m.nextReservationID
	r.CreatedAt = m.now()
	if r.Status == "" {
		r.Status = StatusScheduled
	}

	row := &memReservation{r: *r}
	m.reservations[r.ID] = row
	m.bySlot[r.SlotID] = r.ID
	m.byChannel[r.ChannelID] = r.ID

	if tx := memTxFrom(ctx); tx != nil {
		row.tx = tx
		tx.pending = append(tx.pending, row)
		journal(ctx, func() {
			delete(m.reservations, row.r.ID)
			delete(m.bySlot, row.r.SlotID)
			delete(m.byChannel, row.r.ChannelID)
		})
	}
	return nil
}

func (row *memReservation) visible(ctx context.Context) bool {
	return row.tx == nil || row.tx == memTxFrom(ctx)
}

func (m *MemoryStore) GetReservation(ctx context.Context, id int64) (*Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.reservations[id]
	if !ok || !row.visible(ctx) {
		return nil, fmt.Errorf("reservation %d: %w", id, ErrNotFound)
	}
	cp := row.r
	return &cp, nil
}

func (m *MemoryStore) listUpcoming(ctx context.Context, asOf time.Time, match func(*Reservation) bool) ([]*Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Reservation
	for _, row := range m.reservations {
		if !row.visible(ctx) || row.r.ScheduledAt.Before(asOf) || !match(&row.r) {
			continue
		}
		cp := row.r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) ListUpcomingByPatient(ctx context.Context, patientID int64, asOf time.Time) ([]*Reservation, error) {
	return m.listUpcoming(ctx, asOf, func(r *Reservation) bool { return r.PatientID == patientID })
}

func (m *MemoryStore) ListUpcomingByProvider(ctx context.Context, providerID int64, asOf time.Time) ([]*Reservation, error) {
	return m.listUpcoming(ctx, asOf, func(r *Reservation) bool { return r.ProviderID == providerID })
}

// -- Auditor --

func (m *MemoryStore) OrphanedClaims(ctx context.Context) ([]*Slot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Slot
	for _, s := range m.slots {
		if _, reserved := m.bySlot[s.ID]; s.Claimed && !reserved {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) MismatchedReservations(ctx context.Context) ([]ReservationMismatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ReservationMismatch
	for _, row := range m.reservations {
		if row.tx != nil {
			continue
		}
		s, ok := m.slots[row.r.SlotID]
		if !ok {
			continue
		}
		providerMatch := s.ProviderID == row.r.ProviderID
		if s.Claimed && s.Start.Equal(row.r.ScheduledAt) && providerMatch {
			continue
		}
		out = append(out, ReservationMismatch{
			ReservationID: row.r.ID,
			SlotID:        s.ID,
			SlotClaimed:   s.Claimed,
			ScheduledAt:   row.r.ScheduledAt,
			SlotStart:     s.Start,
			ProviderMatch: providerMatch,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReservationID < out[j].ReservationID })
	return out, nil
}
