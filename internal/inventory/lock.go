package inventory

import (
	"context"
	"fmt"
	"hash/fnv"

	"ms-booking/internal/database"
	"ms-booking/internal/models"

	"github.com/uptrace/bun"
)

// lockCabin serializes hold creation for one (flight, cabin) until tx ends.
// On PostgreSQL this is a transaction-scoped advisory lock. SQLite takes a
// database-wide write lock on the first write, and the single pooled
// connection already serializes transactions, so nothing is needed there.
func lockCabin(ctx context.Context, tx bun.Tx, flightID int64, cabin models.CabinClass) error {
	if !database.IsPostgres(tx) {
		return nil
	}
	_, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(?)", cabinLockKey(flightID, cabin))
	return err
}

func cabinLockKey(flightID int64, cabin models.CabinClass) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "hold:%d:%s", flightID, cabin)
	return int64(h.Sum64())
}
