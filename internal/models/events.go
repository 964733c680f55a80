package models

import "time"

// PaymentCaptured arrives from the payment domain once a charge for a booking
// has been verified. EventID is the provider's delivery id and doubles as the
// idempotency key.
type PaymentCaptured struct {
	EventID    string    `json:"event_id"`
	BookingID  int64     `json:"booking_id"`
	PaymentRef string    `json:"payment_ref"`
	CapturedAt time.Time `json:"captured_at"`
}
