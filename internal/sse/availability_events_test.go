package sse

import (
	"context"
	"testing"
	"time"

	"ms-booking/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAvailabilityEmitter_DeliversToCabinSubscribers(t *testing.T) {
	e := NewAvailabilityEmitter()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	economy := e.Subscribe(ctx, 1, models.CabinEconomy)
	business := e.Subscribe(ctx, 1, models.CabinBusiness)
	assert.Equal(t, 1, e.ClientCount(1, models.CabinEconomy))

	e.AvailabilityChanged(1, models.CabinEconomy)

	select {
	case c := <-economy:
		assert.Equal(t, int64(1), c.FlightID)
		assert.Equal(t, models.CabinEconomy, c.CabinClass)
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}

	select {
	case c := <-business:
		t.Fatalf("unexpected change for business: %+v", c)
	default:
	}
}

func TestAvailabilityEmitter_DropsWhenBufferFull(t *testing.T) {
	e := NewAvailabilityEmitter()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := e.Subscribe(ctx, 1, models.CabinEconomy)
	for i := 0; i < 50; i++ {
		e.AvailabilityChanged(1, models.CabinEconomy)
	}
	assert.Len(t, ch, cap(ch))
}

func TestAvailabilityEmitter_UnsubscribesOnCancel(t *testing.T) {
	e := NewAvailabilityEmitter()
	ctx, cancel := context.WithCancel(context.Background())

	ch := e.Subscribe(ctx, 1, models.CabinEconomy)
	cancel()

	require.Eventually(t, func() bool { return e.ClientCount(1, models.CabinEconomy) == 0 }, time.Second, time.Millisecond)
	_, open := <-ch
	assert.False(t, open)

	// Emitting after removal is a no-op.
	e.AvailabilityChanged(1, models.CabinEconomy)
}
