package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ms-booking/internal/models"

	"github.com/uptrace/bun"
)

type seatCounts struct {
	Held int
	Sold int
}

// countSeats sums the seats claimed in one cabin. Active holds count only
// while unexpired; converted holds are sold seats.
func countSeats(ctx context.Context, db bun.IDB, flightID int64, cabin models.CabinClass, now time.Time) (seatCounts, error) {
	var c seatCounts
	err := db.NewSelect().
		Model((*models.ReservationHold)(nil)).
		ColumnExpr("COALESCE(SUM(CASE WHEN status = ? AND expires_at > ? THEN seat_count ELSE 0 END), 0) AS held",
			models.HoldStatusActive, now).
		ColumnExpr("COALESCE(SUM(CASE WHEN status = ? THEN seat_count ELSE 0 END), 0) AS sold",
			models.HoldStatusConverted).
		Where("flight_id = ?", flightID).
		Where("cabin_class = ?", cabin).
		Where("status IN (?)", bun.In([]models.HoldStatus{models.HoldStatusActive, models.HoldStatusConverted})).
		Scan(ctx, &c.Held, &c.Sold)
	return c, err
}

// nextExpiry returns when the earliest live hold in the cabin lapses, or nil
// when there is none.
func nextExpiry(ctx context.Context, db bun.IDB, flightID int64, cabin models.CabinClass, now time.Time) (*time.Time, error) {
	var hold models.ReservationHold
	err := db.NewSelect().
		Model(&hold).
		Column("id", "expires_at").
		Where("flight_id = ?", flightID).
		Where("cabin_class = ?", cabin).
		Where("status = ?", models.HoldStatusActive).
		Where("expires_at > ?", now).
		Order("expires_at ASC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &hold.ExpiresAt, nil
}

func loadHold(ctx context.Context, db bun.IDB, holdID int64) (*models.ReservationHold, error) {
	var hold models.ReservationHold
	err := db.NewSelect().
		Model(&hold).
		Where("id = ?", holdID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", models.ErrHoldNotFound, holdID)
	}
	if err != nil {
		return nil, err
	}
	return &hold, nil
}

// transition moves a hold out of active. Extra conditions narrow the update
// further; the affected row count tells the caller whether it won.
func transition(ctx context.Context, db bun.IDB, holdID int64, to models.HoldStatus, now time.Time, extra func(*bun.UpdateQuery) *bun.UpdateQuery) (bool, error) {
	q := db.NewUpdate().
		Model((*models.ReservationHold)(nil)).
		Set("status = ?", to).
		Set("updated_at = ?", now).
		Where("id = ?", holdID).
		Where("status = ?", models.HoldStatusActive)
	if to == models.HoldStatusReleased {
		q = q.Set("released_at = ?", now)
	}
	if extra != nil {
		q = extra(q)
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
