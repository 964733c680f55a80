// Package reaper periodically expires stale holds and deletes idempotency
// records past their retention.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-booking/internal/logger"
	"ms-booking/internal/metrics"
)

const defaultInterval = time.Minute

type HoldExpirer interface {
	ExpireStaleHolds(ctx context.Context) (int, error)
}

type RecordCleaner interface {
	CleanupExpired(ctx context.Context) (int, error)
}

// Result counts what one sweep changed.
type Result struct {
	HoldsExpired   int  `json:"holds_expired"`
	RecordsDeleted int  `json:"records_deleted"`
	Skipped        bool `json:"skipped,omitempty"`
}

type Reaper struct {
	holds    HoldExpirer
	records  RecordCleaner
	lease    Lease
	interval time.Duration
	log      *logger.Logger
	metrics  *metrics.Metrics
}

type Option func(*Reaper)

func WithInterval(d time.Duration) Option {
	return func(r *Reaper) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithLease makes every sweep conditional on holding lease.
func WithLease(l Lease) Option {
	return func(r *Reaper) { r.lease = l }
}

func WithLogger(l *logger.Logger) Option {
	return func(r *Reaper) { r.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reaper) { r.metrics = m }
}

func New(holds HoldExpirer, records RecordCleaner, opts ...Option) *Reaper {
	r := &Reaper{
		holds:    holds,
		records:  records,
		interval: defaultInterval,
		log:      logger.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.NewUnregistered()
	}
	return r
}

// Sweep runs one pass. Both halves are attempted even when one fails.
func (r *Reaper) Sweep(ctx context.Context) (Result, error) {
	if r.lease != nil {
		ok, err := r.lease.Acquire(ctx)
		if err != nil {
			// Without the lease service the sweep still runs; overlapping is harmless.
			r.log.Warn("REAPER", fmt.Sprintf("Lease unavailable, sweeping anyway: %v", err))
		} else if !ok {
			r.log.Debug("REAPER", "Another instance holds the lease, skipping sweep")
			return Result{Skipped: true}, nil
		}
	}

	var res Result
	var errs []error

	n, err := r.holds.ExpireStaleHolds(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("expire holds: %w", err))
	}
	res.HoldsExpired = n

	n, err = r.records.CleanupExpired(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("cleanup idempotency records: %w", err))
	}
	res.RecordsDeleted = n

	r.metrics.ReaperSweeps.Inc()
	if res.HoldsExpired > 0 || res.RecordsDeleted > 0 {
		r.log.Info("REAPER", fmt.Sprintf("Sweep expired %d holds, deleted %d records", res.HoldsExpired, res.RecordsDeleted))
	}
	return res, errors.Join(errs...)
}

// Run sweeps once immediately and then every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("REAPER", fmt.Sprintf("Started, sweeping every %s", r.interval))
	r.sweepAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			if r.lease != nil {
				if err := r.lease.Release(context.WithoutCancel(ctx)); err != nil {
					r.log.Warn("REAPER", fmt.Sprintf("Lease release failed: %v", err))
				}
			}
			r.log.Info("REAPER", "Stopped")
			return
		case <-ticker.C:
			r.sweepAndLog(ctx)
		}
	}
}

func (r *Reaper) sweepAndLog(ctx context.Context) {
	if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
		r.metrics.ErrorsCount.WithLabelValues("reaper_sweep").Inc()
		r.log.Error("REAPER", fmt.Sprintf("Sweep failed: %v", err))
	}
}
