package catalog

import (
	"context"
	"testing"

	"ms-booking/internal/models"
	"ms-booking/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_CabinCapacity(t *testing.T) {
	ctx := context.Background()
	store := NewStore(testutil.NewDB(t))

	require.NoError(t, store.UpsertCabin(ctx, models.FlightCabin{FlightID: 1, CabinClass: models.CabinEconomy, Capacity: 180}))
	require.NoError(t, store.UpsertCabin(ctx, models.FlightCabin{FlightID: 1, CabinClass: models.CabinBusiness, Capacity: 12}))

	got, err := store.CabinCapacity(ctx, 1, models.CabinEconomy)
	require.NoError(t, err)
	assert.Equal(t, 180, got)

	require.NoError(t, store.UpsertCabin(ctx, models.FlightCabin{FlightID: 1, CabinClass: models.CabinEconomy, Capacity: 150}))
	got, err = store.CabinCapacity(ctx, 1, models.CabinEconomy)
	require.NoError(t, err)
	assert.Equal(t, 150, got)

	cabins, err := store.ListCabins(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, cabins, 2)
}

func TestStore_UnknownCabin(t *testing.T) {
	store := NewStore(testutil.NewDB(t))

	_, err := store.CabinCapacity(context.Background(), 99, models.CabinBusiness)
	assert.ErrorIs(t, err, models.ErrCabinNotFound)
}

func TestStore_UpsertRejectsInvalid(t *testing.T) {
	store := NewStore(testutil.NewDB(t))

	err := store.UpsertCabin(context.Background(), models.FlightCabin{FlightID: 1, CabinClass: "first", Capacity: 4})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}
