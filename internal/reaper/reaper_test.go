package reaper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"ms-booking/internal/catalog"
	"ms-booking/internal/idempotency"
	"ms-booking/internal/inventory"
	"ms-booking/internal/metrics"
	"ms-booking/internal/models"
	"ms-booking/internal/testutil"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const flightID = 77

func TestSweep_ExpiresHoldsAndDeletesRecords(t *testing.T) {
	db := testutil.NewDB(t)
	testutil.SeedCabin(t, db, flightID, models.CabinBusiness, 4)
	clk := testutil.NewClock()
	m := metrics.NewUnregistered()

	// CreateHold's own housekeeping would otherwise expire the stale hold first.
	holds := inventory.NewManager(db, catalog.NewStore(db),
		inventory.WithClock(clk),
		inventory.WithHoldTTL(time.Minute),
		inventory.WithSweepBeforeCheck(false),
	)
	coord := idempotency.NewCoordinator(db, idempotency.WithClock(clk))
	r := New(holds, coord, WithMetrics(m))

	ctx := context.Background()
	stale, err := holds.CreateHold(ctx, inventory.CreateHoldRequest{FlightID: flightID, CabinClass: models.CabinBusiness, SeatCount: 3, SessionID: "s-1"})
	require.NoError(t, err)
	_, err = idempotency.Do(ctx, coord, idempotency.Request{Scope: "test", Key: "k-1", Payload: 1, TTL: time.Minute}, func(context.Context) (int, error) {
		return 1, nil
	})
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	fresh, err := holds.CreateHold(ctx, inventory.CreateHoldRequest{FlightID: flightID, CabinClass: models.CabinBusiness, SeatCount: 1, SessionID: "s-2"})
	require.NoError(t, err)

	res, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{HoldsExpired: 1, RecordsDeleted: 1}, res)

	got, err := holds.GetHold(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HoldStatusExpired, got.Status)

	got, err = holds.GetHold(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HoldStatusActive, got.Status)

	_, err = coord.GetRecord(ctx, "test", "k-1", models.NoUser)
	assert.ErrorIs(t, err, models.ErrRecordNotFound)

	// A second pass finds nothing left to do.
	res, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Equal(t, 2.0, promtest.ToFloat64(m.ReaperSweeps))
}

type stubExpirer struct {
	n   int
	err error
}

func (s stubExpirer) ExpireStaleHolds(context.Context) (int, error) { return s.n, s.err }

type stubCleaner struct {
	calls atomic.Int32
	n     int
	err   error
}

func (s *stubCleaner) CleanupExpired(context.Context) (int, error) {
	s.calls.Add(1)
	return s.n, s.err
}

func TestSweep_RunsCleanupWhenExpiryFails(t *testing.T) {
	boom := errors.New("connection reset")
	cleaner := &stubCleaner{n: 3}
	r := New(stubExpirer{err: boom}, cleaner)

	res, err := r.Sweep(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, res.RecordsDeleted)
	assert.Equal(t, int32(1), cleaner.calls.Load())
}

func TestSweep_SkipsWithoutLease(t *testing.T) {
	_, client := testutil.NewRedis(t)

	holder := NewRedisLease(client, "reaper:lease", time.Minute)
	ok, err := holder.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	cleaner := &stubCleaner{}
	r := New(stubExpirer{}, cleaner, WithLease(NewRedisLease(client, "reaper:lease", time.Minute)))

	res, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, int32(0), cleaner.calls.Load())

	require.NoError(t, holder.Release(context.Background()))
	res, err = r.Sweep(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, int32(1), cleaner.calls.Load())
}

func TestRedisLease(t *testing.T) {
	mr, client := testutil.NewRedis(t)
	ctx := context.Background()

	a := NewRedisLease(client, "lease", 30*time.Second)
	b := NewRedisLease(client, "lease", 30*time.Second)
	assert.NotEqual(t, a.Owner(), b.Owner())

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// Re-acquiring refreshes the TTL for the owner.
	mr.FastForward(20 * time.Second)
	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, mr.TTL("lease"))

	// Releasing someone else's lease is a no-op.
	require.NoError(t, b.Release(ctx))
	assert.True(t, mr.Exists("lease"))

	mr.FastForward(31 * time.Second)
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, a.Release(ctx))
	v, err := mr.Get("lease")
	require.NoError(t, err)
	assert.Equal(t, b.Owner(), v)

	require.NoError(t, b.Release(ctx))
	assert.False(t, mr.Exists("lease"))
}

func TestRun_StopsOnCancel(t *testing.T) {
	cleaner := &stubCleaner{}
	r := New(stubExpirer{}, cleaner, WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return cleaner.calls.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
