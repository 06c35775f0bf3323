package reservation

import (
	"time"

	"github.com/google/uuid"
)

// Reservation lifecycle statuses
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

// Reservation is a half-open time range [StartsAt, EndsAt) bound to one
// space. Only pending and confirmed reservations participate in the overlap
// guarantee and in display decisions; cancelled and expired rows are kept as
// history.
type Reservation struct {
	ID        uuid.UUID
	SpaceID   uuid.UUID
	TenantID  uuid.UUID
	StartsAt  time.Time
	EndsAt    time.Time
	Status    string
	RequestID string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Blocking reports whether the reservation currently counts toward the
// overlap guarantee
func (r *Reservation) Blocking() bool {
	return r.Status == StatusPending || r.Status == StatusConfirmed
}
