package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the booking core's prometheus collectors.
type Metrics struct {
	HoldsCreated   prometheus.Counter
	HoldsRejected  prometheus.Counter
	HoldsReleased  prometheus.Counter
	HoldsConverted prometheus.Counter
	HoldsExpired   prometheus.Counter

	IdempotencyOutcomes *prometheus.CounterVec
	IdempotencyCleaned  prometheus.Counter

	BookingsConfirmed prometheus.Counter
	PaymentsCaptured  prometheus.Counter
	BookingDuration   prometheus.Histogram

	ReaperSweeps prometheus.Counter
	ErrorsCount  *prometheus.CounterVec
}

// NewMetrics registers every collector on reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HoldsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "holds_created_total",
			Help:      "Holds granted",
		}),
		HoldsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "holds_rejected_total",
			Help:      "Hold requests rejected for insufficient inventory",
		}),
		HoldsReleased: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "holds_released_total",
			Help:      "Holds moved from active to released",
		}),
		HoldsConverted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "holds_converted_total",
			Help:      "Holds converted into bookings",
		}),
		HoldsExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "holds_expired_total",
			Help:      "Stale holds marked expired by sweeps",
		}),
		IdempotencyOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotency_requests_total",
			Help:      "Idempotent executions by outcome",
		}, []string{"scope", "outcome"}),
		IdempotencyCleaned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotency_records_cleaned_total",
			Help:      "Expired idempotency records deleted",
		}),
		BookingsConfirmed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bookings_confirmed_total",
			Help:      "Bookings persisted",
		}),
		PaymentsCaptured: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_captured_total",
			Help:      "Bookings marked paid",
		}),
		BookingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "booking_confirm_duration_seconds",
			Help:      "Time taken by booking confirmation",
			Buckets:   prometheus.DefBuckets,
		}),
		ReaperSweeps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_sweeps_total",
			Help:      "Completed expiry sweeps",
		}),
		ErrorsCount: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "The total number of errors",
		}, []string{"operation"}),
	}
}

// NewUnregistered returns collectors bound to a private registry, for tests
// and for components constructed without metrics.
func NewUnregistered() *Metrics {
	return NewMetrics("booking", prometheus.NewRegistry())
}
