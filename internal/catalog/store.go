package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ms-booking/internal/database"
	"ms-booking/internal/models"

	"github.com/uptrace/bun"
)

// Store reads cabin capacities. The catalog is owned elsewhere; this service
// only looks capacities up and seeds them for dev and admin use.
type Store struct {
	db bun.IDB
}

func NewStore(db bun.IDB) *Store {
	return &Store{db: db}
}

// CabinCapacity returns the configured seat count of one cabin.
func (s *Store) CabinCapacity(ctx context.Context, flightID int64, cabin models.CabinClass) (int, error) {
	return s.CabinCapacityTx(ctx, s.db, flightID, cabin)
}

// CabinCapacityTx is CabinCapacity on a caller-provided connection or
// transaction.
func (s *Store) CabinCapacityTx(ctx context.Context, db bun.IDB, flightID int64, cabin models.CabinClass) (int, error) {
	var fc models.FlightCabin
	err := db.NewSelect().
		Model(&fc).
		Where("flight_id = ?", flightID).
		Where("cabin_class = ?", cabin).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: flight %d %s", models.ErrCabinNotFound, flightID, cabin)
	}
	if err != nil {
		return 0, database.Translate(err)
	}
	return fc.Capacity, nil
}

func (s *Store) UpsertCabin(ctx context.Context, fc models.FlightCabin) error {
	return s.UpsertCabinTx(ctx, s.db, fc)
}

func (s *Store) UpsertCabinTx(ctx context.Context, db bun.IDB, fc models.FlightCabin) error {
	if !fc.CabinClass.Valid() || fc.FlightID <= 0 || fc.Capacity < 0 {
		return fmt.Errorf("%w: cabin %d/%s capacity %d", models.ErrInvalidRequest, fc.FlightID, fc.CabinClass, fc.Capacity)
	}
	_, err := db.NewInsert().
		Model(&fc).
		On("CONFLICT (flight_id, cabin_class) DO UPDATE").
		Set("capacity = EXCLUDED.capacity").
		Exec(ctx)
	return database.Translate(err)
}

func (s *Store) ListCabins(ctx context.Context, flightID int64) ([]models.FlightCabin, error) {
	var cabins []models.FlightCabin
	err := s.db.NewSelect().
		Model(&cabins).
		Where("flight_id = ?", flightID).
		Order("cabin_class ASC").
		Scan(ctx)
	if err != nil {
		return nil, database.Translate(err)
	}
	return cabins, nil
}
