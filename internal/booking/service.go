package booking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ms-booking/internal/clock"
	"ms-booking/internal/database"
	"ms-booking/internal/idempotency"
	"ms-booking/internal/inventory"
	"ms-booking/internal/logger"
	"ms-booking/internal/metrics"
	"ms-booking/internal/models"

	"github.com/uptrace/bun"
)

const (
	ScopeBookingCreate  = "booking.create"
	ScopePaymentCapture = "payment.capture"
)

// Publisher receives booking events once the database has committed them.
type Publisher interface {
	PublishBookingCreated(ctx context.Context, b models.Booking) error
	PublishHoldReleased(ctx context.Context, h models.ReservationHold, reason string) error
}

type ReserveRequest struct {
	FlightID   int64             `json:"flight_id"`
	CabinClass models.CabinClass `json:"cabin_class"`
	SeatCount  int               `json:"seat_count"`
	SessionID  string            `json:"session_id"`
	UserID     int64             `json:"-"`
}

// ConfirmRequest turns an existing hold into a booking.
type ConfirmRequest struct {
	IdempotencyKey string
	HoldID         int64
	SessionID      string
	UserID         int64
}

// BookRequest holds and confirms in one call.
type BookRequest struct {
	IdempotencyKey string
	FlightID       int64
	CabinClass     models.CabinClass
	SeatCount      int
	SessionID      string
	UserID         int64
}

// Confirmation is the stored, replayable result of a booking.
type Confirmation struct {
	BookingID  int64                `json:"booking_id"`
	HoldID     int64                `json:"hold_id"`
	FlightID   int64                `json:"flight_id"`
	CabinClass models.CabinClass    `json:"cabin_class"`
	SeatCount  int                  `json:"seat_count"`
	Status     models.BookingStatus `json:"status"`
	CreatedAt  time.Time            `json:"created_at"`
	// Replayed marks a result served from an earlier execution.
	Replayed bool `json:"-"`
}

// confirmPayload is the hash basis of a hold confirmation.
type confirmPayload struct {
	HoldID     int64             `json:"hold_id"`
	FlightID   int64             `json:"flight_id"`
	CabinClass models.CabinClass `json:"cabin_class"`
	SeatCount  int               `json:"seat_count"`
	SessionID  string            `json:"session_id"`
}

// bookPayload is the hash basis of a one-shot booking. The hold does not
// exist yet when the key is first claimed, so only the request is hashed.
type bookPayload struct {
	FlightID   int64             `json:"flight_id"`
	CabinClass models.CabinClass `json:"cabin_class"`
	SeatCount  int               `json:"seat_count"`
	SessionID  string            `json:"session_id"`
}

type paymentPayload struct {
	BookingID  int64  `json:"booking_id"`
	PaymentRef string `json:"payment_ref"`
}

// Service composes the reservation manager and the idempotency coordinator
// into the booking workflow.
type Service struct {
	db         *bun.DB
	holds      *inventory.Manager
	coord      *idempotency.Coordinator
	publisher  Publisher
	clock      clock.Clock
	log        *logger.Logger
	metrics    *metrics.Metrics
	bookingTTL time.Duration
}

type Option func(*Service)

func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Service) { s.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithBookingTTL sets how long booking idempotency records live. Zero keeps
// the coordinator default.
func WithBookingTTL(ttl time.Duration) Option {
	return func(s *Service) { s.bookingTTL = ttl }
}

func NewService(db *bun.DB, holds *inventory.Manager, coord *idempotency.Coordinator, opts ...Option) *Service {
	s := &Service{
		db:    db,
		holds: holds,
		coord: coord,
		clock: clock.NewSystem(),
		log:   logger.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewUnregistered()
	}
	return s
}

// Reserve takes a hold on seats for the session.
func (s *Service) Reserve(ctx context.Context, req ReserveRequest) (*models.ReservationHold, error) {
	return s.holds.CreateHold(ctx, inventory.CreateHoldRequest{
		FlightID:   req.FlightID,
		CabinClass: req.CabinClass,
		SeatCount:  req.SeatCount,
		SessionID:  req.SessionID,
		UserID:     req.UserID,
	})
}

// Release gives a session's hold back before it expires.
func (s *Service) Release(ctx context.Context, holdID int64, sessionID string) (bool, error) {
	hold, err := s.holds.GetHold(ctx, holdID)
	if err != nil {
		return false, err
	}
	if hold.SessionID != sessionID {
		return false, fmt.Errorf("%w: hold %d belongs to another session", models.ErrHoldInvalid, holdID)
	}
	released, err := s.holds.ReleaseHold(ctx, holdID)
	if err != nil {
		return false, err
	}
	if released {
		s.notifyReleased(ctx, *hold, "released_by_client")
	}
	return released, nil
}

// Confirm persists a booking for a held set of seats exactly once per
// idempotency key. The hold is converted in the same transaction as the
// booking insert. Any failure before that commit releases the hold, except
// when another attempt currently owns the key.
func (s *Service) Confirm(ctx context.Context, req ConfirmRequest) (*Confirmation, error) {
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", models.ErrInvalidRequest)
	}
	if req.HoldID <= 0 || strings.TrimSpace(req.SessionID) == "" {
		return nil, fmt.Errorf("%w: hold id and session id are required", models.ErrInvalidRequest)
	}

	hold, err := s.holds.GetHold(ctx, req.HoldID)
	if err != nil {
		return nil, err
	}
	if hold.SessionID != req.SessionID {
		return nil, fmt.Errorf("%w: hold %d belongs to another session", models.ErrHoldInvalid, req.HoldID)
	}

	return s.confirmHold(ctx, idempotency.Request{
		Scope:  ScopeBookingCreate,
		Key:    req.IdempotencyKey,
		UserID: req.UserID,
		Payload: confirmPayload{
			HoldID:     hold.ID,
			FlightID:   hold.FlightID,
			CabinClass: hold.CabinClass,
			SeatCount:  hold.SeatCount,
			SessionID:  hold.SessionID,
		},
		TTL: s.bookingTTL,
	}, req.UserID, hold, nil)
}

// Book reserves and confirms in one step. The hold is taken before the key
// is claimed; a retry that finds the key completed or in progress does not
// take a second hold.
func (s *Service) Book(ctx context.Context, req BookRequest) (*Confirmation, error) {
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", models.ErrInvalidRequest)
	}

	reserveFirst, err := s.keyIsFree(ctx, req.IdempotencyKey, req.UserID)
	if err != nil {
		return nil, err
	}

	reserve := ReserveRequest{
		FlightID:   req.FlightID,
		CabinClass: req.CabinClass,
		SeatCount:  req.SeatCount,
		SessionID:  req.SessionID,
		UserID:     req.UserID,
	}

	var hold *models.ReservationHold
	if reserveFirst {
		if hold, err = s.Reserve(ctx, reserve); err != nil {
			return nil, err
		}
	}

	return s.confirmHold(ctx, idempotency.Request{
		Scope:  ScopeBookingCreate,
		Key:    req.IdempotencyKey,
		UserID: req.UserID,
		Payload: bookPayload{
			FlightID:   req.FlightID,
			CabinClass: req.CabinClass,
			SeatCount:  req.SeatCount,
			SessionID:  req.SessionID,
		},
		TTL: s.bookingTTL,
	}, req.UserID, hold, func(ctx context.Context) (*models.ReservationHold, error) {
		return s.Reserve(ctx, reserve)
	})
}

// keyIsFree reports whether a new execution would run for key, so Book only
// reserves seats when they can actually be used.
func (s *Service) keyIsFree(ctx context.Context, key string, userID int64) (bool, error) {
	rec, err := s.coord.GetRecord(ctx, ScopeBookingCreate, key, userID)
	if errors.Is(err, models.ErrRecordNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	switch rec.Status {
	case models.IdempotencyCompleted:
		return false, nil
	case models.IdempotencyStarted:
		if !rec.Expired(s.clock.Now()) {
			return false, fmt.Errorf("%w: scope %s key %s", models.ErrIdempotencyInProgress, ScopeBookingCreate, key)
		}
	}
	return true, nil
}

// confirmHold runs the idempotent persist for hold. reserve is set when the
// caller takes holds itself: it supplies a hold if none was taken up front,
// and a hold left over because another execution already owns the key is
// released.
func (s *Service) confirmHold(ctx context.Context, req idempotency.Request, userID int64, hold *models.ReservationHold, reserve func(context.Context) (*models.ReservationHold, error)) (*Confirmation, error) {
	start := time.Now()

	var booking *models.Booking
	conf, outcome, err := idempotency.DoWithOutcome(ctx, s.coord, req, func(ctx context.Context) (Confirmation, error) {
		if hold == nil {
			var err error
			if hold, err = reserve(ctx); err != nil {
				return Confirmation{}, err
			}
		}
		var err error
		if booking, err = s.persist(ctx, hold, userID); err != nil {
			return Confirmation{}, err
		}
		return confirmationOf(booking), nil
	})

	switch {
	case booking != nil:
		// Persisted: the sale stands whatever happens after this point.
		s.metrics.BookingDuration.Observe(time.Since(start).Seconds())
		s.notifyCreated(ctx, *booking)
	case hold == nil:
	case err == nil, errors.Is(err, models.ErrIdempotencyInProgress):
		if reserve != nil {
			s.releaseHold(ctx, *hold, "duplicate_request")
		}
	default:
		s.releaseHold(ctx, *hold, "confirm_failed")
	}
	if err != nil {
		return nil, err
	}

	conf.Replayed = outcome.Replayed
	return &conf, nil
}

// persist re-verifies the hold, then inserts the booking and converts the
// hold in one transaction.
func (s *Service) persist(ctx context.Context, hold *models.ReservationHold, userID int64) (*models.Booking, error) {
	ok, err := s.holds.VerifyHold(ctx, hold.ID, hold.SessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: hold %d is no longer active", models.ErrHoldInvalid, hold.ID)
	}

	if userID == 0 {
		userID = hold.UserID
	}
	booking := &models.Booking{
		HoldID:     hold.ID,
		FlightID:   hold.FlightID,
		CabinClass: hold.CabinClass,
		SeatCount:  hold.SeatCount,
		SessionID:  hold.SessionID,
		UserID:     userID,
		Status:     models.BookingStatusConfirmed,
		CreatedAt:  s.clock.Now(),
	}

	var converted *models.ReservationHold
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(booking).Exec(ctx); err != nil {
			return err
		}
		var err error
		converted, err = s.holds.ConvertHoldTx(ctx, tx, hold.ID)
		return err
	})
	if err != nil {
		if current, getErr := s.holds.GetHold(ctx, hold.ID); getErr == nil && current.Status == models.HoldStatusConverted {
			return nil, fmt.Errorf("%w: hold %d already booked", models.ErrHoldInvalid, hold.ID)
		}
		s.metrics.ErrorsCount.WithLabelValues("persist_booking").Inc()
		return nil, database.Translate(err)
	}

	s.holds.AfterConvert(ctx, converted)
	s.metrics.BookingsConfirmed.Inc()
	s.log.LogBooking("CONFIRM", booking.ID, fmt.Sprintf("hold %d, %d seats on flight %d %s",
		hold.ID, booking.SeatCount, booking.FlightID, booking.CabinClass))
	return booking, nil
}

// CapturePayment marks a booking paid. Deliveries are deduplicated on the
// event id under the system identity.
func (s *Service) CapturePayment(ctx context.Context, evt models.PaymentCaptured) (*models.Booking, error) {
	if strings.TrimSpace(evt.EventID) == "" || evt.BookingID <= 0 {
		return nil, fmt.Errorf("%w: payment event needs an event id and booking id", models.ErrInvalidRequest)
	}

	return idempotency.Do(ctx, s.coord, idempotency.Request{
		Scope:   ScopePaymentCapture,
		Key:     evt.EventID,
		UserID:  models.NoUser,
		Payload: paymentPayload{BookingID: evt.BookingID, PaymentRef: evt.PaymentRef},
	}, func(ctx context.Context) (*models.Booking, error) {
		paidAt := evt.CapturedAt
		if paidAt.IsZero() {
			paidAt = s.clock.Now()
		}

		res, err := s.db.NewUpdate().
			Model((*models.Booking)(nil)).
			Set("status = ?", models.BookingStatusPaid).
			Set("payment_ref = ?", evt.PaymentRef).
			Set("paid_at = ?", paidAt.UTC()).
			Where("id = ?", evt.BookingID).
			Where("status = ?", models.BookingStatusConfirmed).
			Exec(ctx)
		if err != nil {
			return nil, database.Translate(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, database.Translate(err)
		}

		b, err := s.GetBooking(ctx, evt.BookingID)
		if err != nil {
			return nil, err
		}
		if n == 0 && b.PaymentRef != evt.PaymentRef {
			return nil, fmt.Errorf("%w: booking %d already paid by %s", models.ErrInvalidRequest, b.ID, b.PaymentRef)
		}
		if n == 1 {
			s.metrics.PaymentsCaptured.Inc()
			s.log.LogBooking("PAID", b.ID, fmt.Sprintf("payment %s", evt.PaymentRef))
		}
		return b, nil
	})
}

func (s *Service) GetBooking(ctx context.Context, id int64) (*models.Booking, error) {
	var b models.Booking
	err := s.db.NewSelect().
		Model(&b).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", models.ErrBookingNotFound, id)
	}
	if err != nil {
		return nil, database.Translate(err)
	}
	return &b, nil
}

func (s *Service) releaseHold(ctx context.Context, hold models.ReservationHold, reason string) {
	ctx = context.WithoutCancel(ctx)
	released, err := s.holds.ReleaseHold(ctx, hold.ID)
	if err != nil {
		s.log.Error("BOOKING", fmt.Sprintf("Release of hold %d after %s failed: %v", hold.ID, reason, err))
		return
	}
	if released {
		s.notifyReleased(ctx, hold, reason)
	}
}

func (s *Service) notifyCreated(ctx context.Context, b models.Booking) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishBookingCreated(context.WithoutCancel(ctx), b); err != nil {
		s.log.Warn("KAFKA", fmt.Sprintf("BookingCreated for booking %d not published: %v", b.ID, err))
	}
}

func (s *Service) notifyReleased(ctx context.Context, h models.ReservationHold, reason string) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishHoldReleased(context.WithoutCancel(ctx), h, reason); err != nil {
		s.log.Warn("KAFKA", fmt.Sprintf("HoldReleased for hold %d not published: %v", h.ID, err))
	}
}

func confirmationOf(b *models.Booking) Confirmation {
	return Confirmation{
		BookingID:  b.ID,
		HoldID:     b.HoldID,
		FlightID:   b.FlightID,
		CabinClass: b.CabinClass,
		SeatCount:  b.SeatCount,
		Status:     b.Status,
		CreatedAt:  b.CreatedAt,
	}
}
