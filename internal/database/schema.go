package database

import (
	"context"
	"fmt"

	"ms-booking/internal/models"

	"github.com/uptrace/bun"
)

var tables = []interface{}{
	(*models.FlightCabin)(nil),
	(*models.ReservationHold)(nil),
	(*models.IdempotencyRecord)(nil),
	(*models.Booking)(nil),
}

type index struct {
	name    string
	model   interface{}
	columns []string
}

var indexes = []index{
	{"idx_holds_cabin_status", (*models.ReservationHold)(nil), []string{"flight_id", "cabin_class", "status"}},
	{"idx_holds_status_expiry", (*models.ReservationHold)(nil), []string{"status", "expires_at"}},
	{"idx_idempotency_expires", (*models.IdempotencyRecord)(nil), []string{"expires_at"}},
}

// CreateSchema builds the tables straight from the bun models. PostgreSQL
// deployments use the migrations package instead; this path serves SQLite
// dev mode and tests.
func CreateSchema(ctx context.Context, db bun.IDB) error {
	for _, model := range tables {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table %T: %w", model, err)
		}
	}
	for _, idx := range indexes {
		if _, err := db.NewCreateIndex().
			Model(idx.model).
			Index(idx.name).
			IfNotExists().
			Column(idx.columns...).
			Exec(ctx); err != nil {
			return fmt.Errorf("create index %s: %w", idx.name, err)
		}
	}
	return nil
}
