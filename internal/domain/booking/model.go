package booking

import (
	"strconv"
	"time"
)

// Provider maps to the provider table.
type Provider struct {
	ID             int64     `db:"id" json:"id"`
	DisplayName    string    `db:"display_name" json:"display_name"`
	Specialization *string   `db:"specialization" json:"specialization,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Slot maps to the slot table. Start and End are UTC and half-open.
type Slot struct {
	ID         int64     `db:"id" json:"id"`
	ProviderID int64     `db:"provider_id" json:"provider_id"`
	Start      time.Time `db:"start_time" json:"start"`
	End        time.Time `db:"end_time" json:"end"`
	Claimed    bool      `db:"claimed" json:"claimed"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Interval is a half-open [Start, End) span.
type Interval struct {
	Start time.Time
	End   time.Time
}

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Reservation maps to the reservation table. The stored session token is the
// patient's and is never serialised with the reservation.
type Reservation struct {
	ID               int64      `db:"id" json:"id"`
	PatientID        int64      `db:"patient_id" json:"patient_id"`
	ProviderID       int64      `db:"provider_id" json:"provider_id"`
	SlotID           int64      `db:"slot_id" json:"slot_id"`
	ScheduledAt      time.Time  `db:"scheduled_at" json:"scheduled_at"`
	Status           Status     `db:"status" json:"status"`
	ChannelID        string     `db:"channel_id" json:"channel_id"`
	SessionToken     *string    `db:"session_token" json:"-"`
	SessionExpiresAt *time.Time `db:"session_expires_at" json:"-"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
}

// AllocationRequest asks for the earliest eligible slot for a patient. A zero
// AsOf means the allocator's clock.
type AllocationRequest struct {
	PatientID      int64
	Specialization string
	AsOf           time.Time
}

// Caller identifies who is asking, for participant checks.
type Caller struct {
	ProfileID int64
	Patient   bool
	Provider  bool
}

// SessionDetails is what a participant needs to join the live session.
type SessionDetails struct {
	ChannelName string    `json:"channel_name"`
	Token       string    `json:"token"`
	UID         string    `json:"uid"`
	AppID       string    `json:"app_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Participant ids are namespaced so a patient and a provider that share a
// numeric id never collide on a channel.
func PatientParticipant(id int64) string  { return "patient:" + strconv.FormatInt(id, 10) }
func ProviderParticipant(id int64) string { return "provider:" + strconv.FormatInt(id, 10) }

// ReservationMismatch is a reservation that disagrees with its slot.
type ReservationMismatch struct {
	ReservationID int64     `json:"reservation_id"`
	SlotID        int64     `json:"slot_id"`
	SlotClaimed   bool      `json:"slot_claimed"`
	ScheduledAt   time.Time `json:"scheduled_at"`
	SlotStart     time.Time `json:"slot_start"`
	ProviderMatch bool      `json:"provider_match"`
}

// ReservationScheduled is published after an allocation commits.
type ReservationScheduled struct {
	ReservationID int64     `json:"reservation_id"`
	PatientID     int64     `json:"patient_id"`
	ProviderID    int64     `json:"provider_id"`
	SlotID        int64     `json:"slot_id"`
	ScheduledAt   time.Time `json:"scheduled_at"`
	ChannelID     string    `json:"channel_id"`
	Tenant        string    `json:"tenant,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

const RoutingKeyReservationScheduled = "booking.reservation.scheduled"
