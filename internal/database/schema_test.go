package database_test

import (
	"context"
	"testing"
	"time"

	"ms-booking/internal/database"
	"ms-booking/internal/models"
	"ms-booking/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSchema_IsRepeatable(t *testing.T) {
	db := testutil.NewDB(t)
	require.NoError(t, database.CreateSchema(context.Background(), db))
	assert.False(t, database.IsPostgres(db))
}

func TestCreateSchema_IdempotencyKeyIsUnique(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	now := testutil.Epoch

	rec := &models.IdempotencyRecord{
		Scope:       "booking.create",
		Key:         "k1",
		UserID:      models.NoUser,
		RequestHash: "h",
		Status:      models.IdempotencyStarted,
		Attempt:     1,
		ExpiresAt:   now.Add(time.Hour),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := db.NewInsert().Model(rec).Exec(ctx)
	require.NoError(t, err)

	res, err := db.NewInsert().Model(rec).On("CONFLICT DO NOTHING").Exec(ctx)
	require.NoError(t, err)
	n, err := res.RowsAffected()
	require.NoError(t, err)
	assert.Zero(t, n)

	other := *rec
	other.UserID = 7
	_, err = db.NewInsert().Model(&other).Exec(ctx)
	require.NoError(t, err, "same key under another user is a separate record")
}

func TestCreateSchema_OneBookingPerHold(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()

	b := &models.Booking{
		HoldID:     1,
		FlightID:   10,
		CabinClass: models.CabinEconomy,
		SeatCount:  2,
		SessionID:  "s",
		Status:     models.BookingStatusConfirmed,
		CreatedAt:  testutil.Epoch,
	}
	_, err := db.NewInsert().Model(b).Exec(ctx)
	require.NoError(t, err)
	assert.NotZero(t, b.ID)

	dup := *b
	dup.ID = 0
	_, err = db.NewInsert().Model(&dup).Exec(ctx)
	assert.Error(t, err)
}
