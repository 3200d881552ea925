package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dermalink/booking/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type pgBase struct{ pool *pgxpool.Pool }

// conn prefers the request transaction, then the tenant connection, then
// the pool.
func (b pgBase) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return b.pool
}

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"
)

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
		return fmt.Errorf("%w: %s", ErrContention, pgErr.Message)
	case pgUniqueViolation:
		return fmt.Errorf("%w: %s (%s)", ErrInvariantViolation, pgErr.Message, pgErr.ConstraintName)
	case pgForeignKeyViolation:
		return fmt.Errorf("%w: %s", ErrNotFound, pgErr.Message)
	}
	return err
}

// =========== Provider Repository ===========

type providerRepoPG struct{ pgBase }

func NewProviderRepoPG(pool *pgxpool.Pool) ProviderDirectory {
	return &providerRepoPG{pgBase{pool: pool}}
}

const providerCols = `id, display_name, specialization, created_at`

func scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider
	if err := row.Scan(&p.ID, &p.DisplayName, &p.Specialization, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *providerRepoPG) CreateProvider(ctx context.Context, p *Provider) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO provider (display_name, specialization)
		VALUES ($1, $2)
		RETURNING id, created_at`,
		p.DisplayName, p.Specialization).Scan(&p.ID, &p.CreatedAt)
	return mapPgError(err)
}

func (r *providerRepoPG) GetProvider(ctx context.Context, id int64) (*Provider, error) {
	p, err := scanProvider(r.conn(ctx).QueryRow(ctx, `SELECT `+providerCols+` FROM provider WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("provider %d: %w", id, ErrNotFound)
	}
	return p, err
}

func (r *providerRepoPG) ListProviders(ctx context.Context, specialization string) ([]*Provider, error) {
	query := `SELECT ` + providerCols + ` FROM provider`
	var args []interface{}
	if specialization != "" {
		query += ` WHERE specialization = $1`
		args = append(args, specialization)
	}
	query += ` ORDER BY id ASC`

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

// =========== Slot Repository ===========

type slotRepoPG struct{ pgBase }

func NewSlotRepoPG(pool *pgxpool.Pool) SlotStore {
	return &slotRepoPG{pgBase{pool: pool}}
}

const slotCols = `id, provider_id, start_time, end_time, claimed, created_at, updated_at`

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	if err := row.Scan(&s.ID, &s.ProviderID, &s.Start, &s.End, &s.Claimed, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Start, s.End = s.Start.UTC(), s.End.UTC()
	return &s, nil
}

// The inner select skips rows another transaction holds, so concurrent
// claimers pick distinct slots instead of queueing on the same one. The
// outer predicate re-checks claimed after the lock is taken.
const claimSQL = `
	UPDATE slot SET claimed = TRUE, updated_at = NOW()
	WHERE id = (
		SELECT id FROM slot
		WHERE provider_id = $1 AND claimed = FALSE AND start_time >= $2
		ORDER BY start_time ASC, id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	) AND claimed = FALSE
	RETURNING ` + slotCols

func (r *slotRepoPG) ClaimEarliestEligibleSlot(ctx context.Context, providerID int64, asOf time.Time) (*Slot, error) {
	tx := db.TxFromContext(ctx)
	if tx == nil {
		s, err := scanSlot(r.conn(ctx).QueryRow(ctx, claimSQL, providerID, asOf))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return s, mapPgError(err)
	}

	// A savepoint keeps a failed claim from aborting the outer transaction,
	// so the caller can still try the next provider.
	sp, err := tx.Begin(ctx)
	if err != nil {
		return nil, mapPgError(err)
	}
	s, err := scanSlot(sp.QueryRow(ctx, claimSQL, providerID, asOf))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		if rbErr := sp.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		return nil, mapPgError(err)
	}
	if cerr := sp.Commit(ctx); cerr != nil {
		return nil, mapPgError(cerr)
	}
	if err != nil {
		return nil, nil
	}
	return s, nil
}

func (r *slotRepoPG) CreateSlots(ctx context.Context, providerID int64, intervals []Interval) ([]*Slot, error) {
	if len(intervals) == 0 {
		return nil, nil
	}
	starts := make([]time.Time, len(intervals))
	ends := make([]time.Time, len(intervals))
	for i, iv := range intervals {
		starts[i], ends[i] = iv.Start.UTC(), iv.End.UTC()
	}

	rows, err := r.conn(ctx).Query(ctx, `
		INSERT INTO slot (provider_id, start_time, end_time)
		SELECT $1, s, e FROM unnest($2::timestamptz[], $3::timestamptz[]) AS t(s, e)
		ON CONFLICT (provider_id, start_time) DO NOTHING
		RETURNING `+slotCols,
		providerID, starts, ends)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()
	var created []*Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		created = append(created, s)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err)
	}
	sortSlots(created)
	return created, nil
}

func (r *slotRepoPG) GetSlot(ctx context.Context, id int64) (*Slot, error) {
	s, err := scanSlot(r.conn(ctx).QueryRow(ctx, `SELECT `+slotCols+` FROM slot WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("slot %d: %w", id, ErrNotFound)
	}
	return s, err
}

func (r *slotRepoPG) ListAvailableSlots(ctx context.Context, providerID int64, asOf time.Time, limit, offset int) ([]*Slot, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM slot
		WHERE provider_id = $1 AND claimed = FALSE AND start_time >= $2`,
		providerID, asOf).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+slotCols+` FROM slot
		WHERE provider_id = $1 AND claimed = FALSE AND start_time >= $2
		ORDER BY start_time ASC, id ASC
		LIMIT $3 OFFSET $4`,
		providerID, asOf, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

// =========== Reservation Repository ===========

type reservationRepoPG struct{ pgBase }

func NewReservationRepoPG(pool *pgxpool.Pool) ReservationStore {
	return &reservationRepoPG{pgBase{pool: pool}}
}

const reservationCols = `id, patient_id, provider_id, slot_id, scheduled_at, status,
	channel_id, session_token, session_expires_at, created_at`

func scanReservation(row pgx.Row) (*Reservation, error) {
	var r Reservation
	err := row.Scan(&r.ID, &r.PatientID, &r.ProviderID, &r.SlotID, &r.ScheduledAt, &r.Status,
		&r.ChannelID, &r.SessionToken, &r.SessionExpiresAt, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.ScheduledAt = r.ScheduledAt.UTC()
	return &r, nil
}

func (r *reservationRepoPG) CreateReservation(ctx context.Context, res *Reservation) error {
	if res.Status == "" {
		res.Status = StatusScheduled
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO reservation (patient_id, provider_id, slot_id, scheduled_at, status,
			channel_id, session_token, session_expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id, created_at`,
		res.PatientID, res.ProviderID, res.SlotID, res.ScheduledAt, res.Status,
		res.ChannelID, res.SessionToken, res.SessionExpiresAt).Scan(&res.ID, &res.CreatedAt)
	return mapPgError(err)
}

func (r *reservationRepoPG) GetReservation(ctx context.Context, id int64) (*Reservation, error) {
	res, err := scanReservation(r.conn(ctx).QueryRow(ctx, `SELECT `+reservationCols+` FROM reservation WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reservation %d: %w", id, ErrNotFound)
	}
	return res, err
}

func (r *reservationRepoPG) listUpcoming(ctx context.Context, column string, id int64, asOf time.Time) ([]*Reservation, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+reservationCols+` FROM reservation
		WHERE `+column+` = $1 AND scheduled_at >= $2
		ORDER BY scheduled_at ASC, id ASC`,
		id, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, res)
	}
	return items, rows.Err()
}

func (r *reservationRepoPG) ListUpcomingByPatient(ctx context.Context, patientID int64, asOf time.Time) ([]*Reservation, error) {
	return r.listUpcoming(ctx, "patient_id", patientID, asOf)
}

func (r *reservationRepoPG) ListUpcomingByProvider(ctx context.Context, providerID int64, asOf time.Time) ([]*Reservation, error) {
	return r.listUpcoming(ctx, "provider_id", providerID, asOf)
}

// =========== Audit Repository ===========

type auditRepoPG struct{ pgBase }

func NewAuditRepoPG(pool *pgxpool.Pool) Auditor {
	return &auditRepoPG{pgBase{pool: pool}}
}

func (r *auditRepoPG) OrphanedClaims(ctx context.Context) ([]*Slot, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT s.id, s.provider_id, s.start_time, s.end_time, s.claimed, s.created_at, s.updated_at
		FROM slot s
		LEFT JOIN reservation res ON res.slot_id = s.id
		WHERE s.claimed = TRUE AND res.id IS NULL
		ORDER BY s.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *auditRepoPG) MismatchedReservations(ctx context.Context) ([]ReservationMismatch, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT res.id, s.id, s.claimed, res.scheduled_at, s.start_time, res.provider_id = s.provider_id
		FROM reservation res
		JOIN slot s ON s.id = res.slot_id
		WHERE s.claimed = FALSE
			OR res.scheduled_at <> s.start_time
			OR res.provider_id <> s.provider_id
		ORDER BY res.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []ReservationMismatch
	for rows.Next() {
		var m ReservationMismatch
		if err := rows.Scan(&m.ReservationID, &m.SlotID, &m.SlotClaimed, &m.ScheduledAt, &m.SlotStart, &m.ProviderMatch); err != nil {
			return nil, err
		}
		m.ScheduledAt, m.SlotStart = m.ScheduledAt.UTC(), m.SlotStart.UTC()
		items = append(items, m)
	}
	return items, rows.Err()
}
