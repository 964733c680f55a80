package models

import (
	"time"

	"github.com/uptrace/bun"
)

type HoldStatus string

const (
	HoldStatusActive    HoldStatus = "active"
	HoldStatusReleased  HoldStatus = "released"
	HoldStatusConverted HoldStatus = "converted"
	HoldStatusExpired   HoldStatus = "expired"
)

// ReservationHold is a time-bounded claim on cabin capacity. Rows are never
// deleted; only the status moves.
type ReservationHold struct {
	bun.BaseModel `bun:"table:reservation_holds"`

	ID         int64      `bun:"id,pk,autoincrement" json:"hold_id"`
	FlightID   int64      `bun:"flight_id,notnull" json:"flight_id"`
	CabinClass CabinClass `bun:"cabin_class,notnull" json:"cabin_class"`
	SeatCount  int        `bun:"seat_count,notnull" json:"seat_count"`
	SessionID  string     `bun:"session_id,notnull" json:"session_id"`
	UserID     int64      `bun:"user_id,nullzero" json:"user_id,omitempty"`
	Status     HoldStatus `bun:"status,notnull" json:"status"`
	CreatedAt  time.Time  `bun:"created_at,notnull" json:"created_at"`
	ExpiresAt  time.Time  `bun:"expires_at,notnull" json:"expires_at"`
	ReleasedAt time.Time  `bun:"released_at,nullzero" json:"released_at,omitempty"`
	UpdatedAt  time.Time  `bun:"updated_at,notnull" json:"updated_at"`
}

// IsLive reports whether the hold still claims seats at now. An active row
// past its expiry is already dead even if no sweep has marked it yet.
func (h ReservationHold) IsLive(now time.Time) bool {
	return h.Status == HoldStatusActive && now.Before(h.ExpiresAt)
}
