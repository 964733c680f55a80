package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ms-booking/internal/clock"
	"ms-booking/internal/database"
	"ms-booking/internal/logger"
	"ms-booking/internal/metrics"
	"ms-booking/internal/models"

	"github.com/uptrace/bun"
)

const defaultHoldTTL = 15 * time.Minute

// CapacityStore reads and writes cabin capacities on the connection or
// transaction it is given.
type CapacityStore interface {
	CabinCapacityTx(ctx context.Context, db bun.IDB, flightID int64, cabin models.CabinClass) (int, error)
	UpsertCabinTx(ctx context.Context, db bun.IDB, fc models.FlightCabin) error
}

// Availability is a point-in-time view of one cabin's inventory.
type Availability struct {
	FlightID   int64             `json:"flight_id"`
	CabinClass models.CabinClass `json:"cabin_class"`
	Capacity   int               `json:"capacity"`
	Sold       int               `json:"sold"`
	Held       int               `json:"held"`
	Sellable   int               `json:"sellable"`
	AsOf       time.Time         `json:"as_of"`
	// NextExpiry is when the earliest live hold lapses; the counts are stale
	// from then on.
	NextExpiry *time.Time `json:"next_expiry,omitempty"`
}

func (a Availability) freshAt(now time.Time) bool {
	return a.NextExpiry == nil || now.Before(*a.NextExpiry)
}

type CreateHoldRequest struct {
	FlightID   int64
	CabinClass models.CabinClass
	SeatCount  int
	SessionID  string
	UserID     int64
}

func (r CreateHoldRequest) validate() error {
	switch {
	case r.FlightID <= 0:
		return fmt.Errorf("%w: flight id must be positive", models.ErrInvalidRequest)
	case !r.CabinClass.Valid():
		return fmt.Errorf("%w: unknown cabin class %q", models.ErrInvalidRequest, r.CabinClass)
	case r.SeatCount < 1:
		return fmt.Errorf("%w: seat count must be at least 1", models.ErrInvalidRequest)
	case strings.TrimSpace(r.SessionID) == "":
		return fmt.Errorf("%w: session id is required", models.ErrInvalidRequest)
	}
	return nil
}

// Manager grants, releases, converts and expires seat holds. Every decision
// is taken against rows in the relational store.
type Manager struct {
	db         *bun.DB
	capacity   CapacityStore
	clock      clock.Clock
	log        *logger.Logger
	metrics    *metrics.Metrics
	cache      AvailabilityCache
	notify     ChangeNotifier
	holdTTL    time.Duration
	sweepFirst bool
}

type Option func(*Manager)

func WithHoldTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.holdTTL = ttl
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithLogger(l *logger.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithCache enables the display availability cache.
func WithCache(c AvailabilityCache) Option {
	return func(m *Manager) { m.cache = c }
}

// ChangeNotifier hears about every committed change to a cabin's counts.
type ChangeNotifier interface {
	AvailabilityChanged(flightID int64, cabin models.CabinClass)
}

func WithChangeNotifier(n ChangeNotifier) Option {
	return func(m *Manager) { m.notify = n }
}

// WithSweepBeforeCheck controls the housekeeping sweep CreateHold runs
// before counting. Correctness does not depend on it.
func WithSweepBeforeCheck(enabled bool) Option {
	return func(m *Manager) { m.sweepFirst = enabled }
}

func NewManager(db *bun.DB, capacity CapacityStore, opts ...Option) *Manager {
	m := &Manager{
		db:         db,
		capacity:   capacity,
		clock:      clock.NewSystem(),
		log:        logger.Discard(),
		holdTTL:    defaultHoldTTL,
		sweepFirst: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = metrics.NewUnregistered()
	}
	return m
}

func (m *Manager) HoldTTL() time.Duration {
	return m.holdTTL
}

// CreateHold claims SeatCount seats for a session if the cabin can still sell
// them. The count and the insert happen under a per-cabin lock in a single
// transaction, so concurrent callers can never oversell.
func (m *Manager) CreateHold(ctx context.Context, req CreateHoldRequest) (*models.ReservationHold, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	if m.sweepFirst {
		if _, err := m.ExpireStaleHolds(ctx); err != nil {
			m.log.Warn("HOLD", fmt.Sprintf("Pre-check sweep failed: %v", err))
		}
	}

	now := m.clock.Now()
	hold := &models.ReservationHold{
		FlightID:   req.FlightID,
		CabinClass: req.CabinClass,
		SeatCount:  req.SeatCount,
		SessionID:  req.SessionID,
		UserID:     req.UserID,
		Status:     models.HoldStatusActive,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.holdTTL),
		UpdatedAt:  now,
	}

	err := m.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := lockCabin(ctx, tx, req.FlightID, req.CabinClass); err != nil {
			return err
		}

		capacity, err := m.capacity.CabinCapacityTx(ctx, tx, req.FlightID, req.CabinClass)
		if err != nil {
			return err
		}
		counts, err := countSeats(ctx, tx, req.FlightID, req.CabinClass, now)
		if err != nil {
			return err
		}

		available := capacity - counts.Sold - counts.Held
		if available < req.SeatCount {
			if available < 0 {
				available = 0
			}
			return &models.InsufficientInventoryError{
				FlightID:   req.FlightID,
				CabinClass: req.CabinClass,
				Requested:  req.SeatCount,
				Available:  available,
			}
		}

		_, err = tx.NewInsert().Model(hold).Exec(ctx)
		return err
	})
	if err != nil {
		if errors.Is(err, models.ErrInsufficientInventory) {
			m.metrics.HoldsRejected.Inc()
			m.log.Info("HOLD", err.Error())
			return nil, err
		}
		if errors.Is(err, models.ErrCabinNotFound) {
			return nil, err
		}
		m.metrics.ErrorsCount.WithLabelValues("create_hold").Inc()
		m.log.Error("HOLD", fmt.Sprintf("Create hold failed for flight %d %s: %v", req.FlightID, req.CabinClass, err))
		return nil, database.Translate(err)
	}

	m.metrics.HoldsCreated.Inc()
	m.InvalidateAvailability(ctx, req.FlightID, req.CabinClass)
	m.log.LogHold("CREATE", hold.ID, fmt.Sprintf("%d seats on flight %d %s until %s",
		hold.SeatCount, hold.FlightID, hold.CabinClass, hold.ExpiresAt.Format(time.RFC3339)))
	return hold, nil
}

// ReleaseHold returns an active hold's seats to the pool. It reports whether
// this call performed the release; holds in any other state are left alone.
func (m *Manager) ReleaseHold(ctx context.Context, holdID int64) (bool, error) {
	hold, err := loadHold(ctx, m.db, holdID)
	if err != nil {
		return false, database.Translate(err)
	}
	if hold.Status != models.HoldStatusActive {
		return false, nil
	}

	released, err := transition(ctx, m.db, holdID, models.HoldStatusReleased, m.clock.Now(), nil)
	if err != nil {
		m.metrics.ErrorsCount.WithLabelValues("release_hold").Inc()
		return false, database.Translate(err)
	}
	if released {
		m.metrics.HoldsReleased.Inc()
		m.InvalidateAvailability(ctx, hold.FlightID, hold.CabinClass)
		m.log.LogHold("RELEASE", holdID, fmt.Sprintf("%d seats returned", hold.SeatCount))
	}
	return released, nil
}

// ConvertHold marks a live hold as sold in its own transaction.
func (m *Manager) ConvertHold(ctx context.Context, holdID int64) error {
	var hold *models.ReservationHold
	err := m.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		hold, err = m.ConvertHoldTx(ctx, tx, holdID)
		return err
	})
	if err != nil {
		return database.Translate(err)
	}
	m.AfterConvert(ctx, hold)
	return nil
}

// ConvertHoldTx converts on db, which is normally a transaction the caller
// also writes its booking through. Converting an already converted hold is a
// no-op; any other non-live hold yields ErrHoldInvalid. Callers report the
// committed conversion with AfterConvert.
func (m *Manager) ConvertHoldTx(ctx context.Context, db bun.IDB, holdID int64) (*models.ReservationHold, error) {
	now := m.clock.Now()
	converted, err := transition(ctx, db, holdID, models.HoldStatusConverted, now, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.Where("expires_at > ?", now)
	})
	if err != nil {
		return nil, err
	}

	hold, err := loadHold(ctx, db, holdID)
	if err != nil {
		return nil, err
	}
	if converted || hold.Status == models.HoldStatusConverted {
		return hold, nil
	}
	if hold.Status == models.HoldStatusActive {
		return nil, fmt.Errorf("%w: hold %d expired at %s", models.ErrHoldInvalid, holdID, hold.ExpiresAt.Format(time.RFC3339))
	}
	return nil, fmt.Errorf("%w: hold %d is %s", models.ErrHoldInvalid, holdID, hold.Status)
}

// AfterConvert records a committed conversion.
func (m *Manager) AfterConvert(ctx context.Context, hold *models.ReservationHold) {
	if hold == nil {
		return
	}
	m.metrics.HoldsConverted.Inc()
	m.InvalidateAvailability(ctx, hold.FlightID, hold.CabinClass)
	m.log.LogHold("CONVERT", hold.ID, fmt.Sprintf("%d seats sold on flight %d %s", hold.SeatCount, hold.FlightID, hold.CabinClass))
}

// ExpireStaleHolds marks every active hold past its expiry as expired and
// returns how many rows moved. Safe to run from any number of callers.
func (m *Manager) ExpireStaleHolds(ctx context.Context) (int, error) {
	now := m.clock.Now()
	res, err := m.db.NewUpdate().
		Model((*models.ReservationHold)(nil)).
		Set("status = ?", models.HoldStatusExpired).
		Set("updated_at = ?", now).
		Where("status = ?", models.HoldStatusActive).
		Where("expires_at <= ?", now).
		Exec(ctx)
	if err != nil {
		m.metrics.ErrorsCount.WithLabelValues("expire_holds").Inc()
		return 0, database.Translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, database.Translate(err)
	}
	if n > 0 {
		m.metrics.HoldsExpired.Add(float64(n))
		m.log.Info("HOLD", fmt.Sprintf("Expired %d stale holds", n))
	}
	return int(n), nil
}

// VerifyHold reports whether the hold exists, belongs to sessionID and is
// still live. A hold found active past its expiry is released on the spot.
func (m *Manager) VerifyHold(ctx context.Context, holdID int64, sessionID string) (bool, error) {
	hold, err := loadHold(ctx, m.db, holdID)
	if errors.Is(err, models.ErrHoldNotFound) {
		return false, nil
	}
	if err != nil {
		return false, database.Translate(err)
	}

	if hold.SessionID != sessionID || hold.Status != models.HoldStatusActive {
		return false, nil
	}
	if !hold.IsLive(m.clock.Now()) {
		if _, err := m.ReleaseHold(ctx, holdID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ExtendHold pushes a valid hold's expiry to now plus the hold TTL.
func (m *Manager) ExtendHold(ctx context.Context, holdID int64, sessionID string) (time.Time, error) {
	ok, err := m.VerifyHold(ctx, holdID, sessionID)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, fmt.Errorf("%w: hold %d cannot be extended", models.ErrHoldInvalid, holdID)
	}

	now := m.clock.Now()
	expiresAt := now.Add(m.holdTTL)
	res, err := m.db.NewUpdate().
		Model((*models.ReservationHold)(nil)).
		Set("expires_at = ?", expiresAt).
		Set("updated_at = ?", now).
		Where("id = ?", holdID).
		Where("session_id = ?", sessionID).
		Where("status = ?", models.HoldStatusActive).
		Where("expires_at > ?", now).
		Exec(ctx)
	if err != nil {
		return time.Time{}, database.Translate(err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return time.Time{}, fmt.Errorf("%w: hold %d changed while extending", models.ErrHoldInvalid, holdID)
	}

	m.log.LogHold("EXTEND", holdID, fmt.Sprintf("now expires %s", expiresAt.Format(time.RFC3339)))
	return expiresAt, nil
}

func (m *Manager) GetHold(ctx context.Context, holdID int64) (*models.ReservationHold, error) {
	hold, err := loadHold(ctx, m.db, holdID)
	if err != nil {
		return nil, database.Translate(err)
	}
	return hold, nil
}

// Availability reports the cabin's current counts, served from the cache
// when one is configured and fresh.
func (m *Manager) Availability(ctx context.Context, flightID int64, cabin models.CabinClass) (Availability, error) {
	if m.cache != nil {
		a, ok, err := m.cache.Get(ctx, flightID, cabin)
		if err != nil {
			m.log.Warn("CACHE", fmt.Sprintf("Availability lookup failed: %v", err))
		} else if ok && a.freshAt(m.clock.Now()) {
			return a, nil
		}
	}

	capacity, err := m.capacity.CabinCapacityTx(ctx, m.db, flightID, cabin)
	if err != nil {
		return Availability{}, err
	}
	now := m.clock.Now()
	counts, err := countSeats(ctx, m.db, flightID, cabin, now)
	if err != nil {
		return Availability{}, database.Translate(err)
	}
	next, err := nextExpiry(ctx, m.db, flightID, cabin, now)
	if err != nil {
		return Availability{}, database.Translate(err)
	}

	sellable := capacity - counts.Sold - counts.Held
	if sellable < 0 {
		sellable = 0
	}
	a := Availability{
		FlightID:   flightID,
		CabinClass: cabin,
		Capacity:   capacity,
		Sold:       counts.Sold,
		Held:       counts.Held,
		Sellable:   sellable,
		AsOf:       now,
		NextExpiry: next,
	}

	if m.cache != nil {
		if err := m.cache.Set(ctx, a); err != nil {
			m.log.Warn("CACHE", fmt.Sprintf("Availability store failed: %v", err))
		}
	}
	return a, nil
}

// SetCapacity stores a cabin's capacity under the same lock CreateHold
// counts under, so no hold is granted against a superseded figure.
func (m *Manager) SetCapacity(ctx context.Context, fc models.FlightCabin) error {
	err := m.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := lockCabin(ctx, tx, fc.FlightID, fc.CabinClass); err != nil {
			return err
		}
		return m.capacity.UpsertCabinTx(ctx, tx, fc)
	})
	if err != nil {
		return database.Translate(err)
	}
	m.log.Info("HOLD", fmt.Sprintf("Capacity of flight %d %s set to %d", fc.FlightID, fc.CabinClass, fc.Capacity))
	m.InvalidateAvailability(ctx, fc.FlightID, fc.CabinClass)
	return nil
}

// InvalidateAvailability drops the cached counts of a cabin and tells the
// change notifier, if any, that they moved.
func (m *Manager) InvalidateAvailability(ctx context.Context, flightID int64, cabin models.CabinClass) {
	if m.cache != nil {
		if err := m.cache.Invalidate(ctx, flightID, cabin); err != nil {
			m.log.Warn("CACHE", fmt.Sprintf("Invalidate %d/%s failed: %v", flightID, cabin, err))
		}
	}
	if m.notify != nil {
		m.notify.AvailabilityChanged(flightID, cabin)
	}
}
