package models

import (
	"time"

	"github.com/uptrace/bun"
)

type BookingStatus string

const (
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusPaid      BookingStatus = "paid"
)

// Booking is the confirmed sale produced from exactly one converted hold.
type Booking struct {
	bun.BaseModel `bun:"table:bookings"`

	ID         int64         `bun:"id,pk,autoincrement" json:"booking_id"`
	HoldID     int64         `bun:"hold_id,notnull,unique" json:"hold_id"`
	FlightID   int64         `bun:"flight_id,notnull" json:"flight_id"`
	CabinClass CabinClass    `bun:"cabin_class,notnull" json:"cabin_class"`
	SeatCount  int           `bun:"seat_count,notnull" json:"seat_count"`
	SessionID  string        `bun:"session_id,notnull" json:"session_id"`
	UserID     int64         `bun:"user_id,nullzero" json:"user_id,omitempty"`
	Status     BookingStatus `bun:"status,notnull" json:"status"`
	PaymentRef string        `bun:"payment_ref,nullzero" json:"payment_ref,omitempty"`
	CreatedAt  time.Time     `bun:"created_at,notnull" json:"created_at"`
	PaidAt     time.Time     `bun:"paid_at,nullzero" json:"paid_at,omitempty"`
}
