// Package testutil holds fixtures shared by package tests: an in-memory SQLite
// database with the full schema, a miniredis-backed client and a seeded
// flight cabin.
package testutil

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"ms-booking/internal/clock"
	"ms-booking/internal/database"
	"ms-booking/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

// Epoch is the start time of every manual clock handed out here.
var Epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// NewDB opens a private in-memory SQLite database. The pool is pinned to one
// connection so every goroutine sees the same database and writes serialize.
func NewDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	sqldb.SetMaxIdleConns(1)
	sqldb.SetConnMaxLifetime(0)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	require.NoError(t, database.CreateSchema(context.Background(), db))

	t.Cleanup(func() { _ = db.Close() })
	return db
}

func NewClock() *clock.Manual {
	return clock.NewManual(Epoch)
}

// NewRedis starts a miniredis server for the duration of the test.
func NewRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// SeedCabin inserts or replaces the capacity of one cabin.
func SeedCabin(t *testing.T, db bun.IDB, flightID int64, cabin models.CabinClass, capacity int) {
	t.Helper()

	_, err := db.NewInsert().
		Model(&models.FlightCabin{FlightID: flightID, CabinClass: cabin, Capacity: capacity}).
		On("CONFLICT (flight_id, cabin_class) DO UPDATE").
		Set("capacity = EXCLUDED.capacity").
		Exec(context.Background())
	require.NoError(t, err)
}
