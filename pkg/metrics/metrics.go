package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Submission metrics
	Submissions *prometheus.CounterVec

	// Dispatch metrics
	DispatchesCompleted *prometheus.CounterVec
	DispatchDuration    prometheus.Histogram
	DispatchesInFlight  prometheus.Gauge
	LeaseLost           prometheus.Counter

	// Delivery metrics
	Deliveries      *prometheus.CounterVec
	DeliveryRetries prometheus.Counter
	DeliveryLatency prometheus.Histogram

	// Scheduler metrics
	SchedulerClaims      prometheus.Counter
	SchedulerConflicts   prometheus.Counter
	SchedulerPollLatency prometheus.Histogram
	SchedulerErrors      prometheus.Counter

	// Database metrics
	DatabaseOperations *prometheus.CounterVec
}

// New creates all metrics and registers them with reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction never collides.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_submissions_total",
			Help:      "Total number of notification submissions",
		}, []string{"result"}),

		DispatchesCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_completed_total",
			Help:      "Total number of dispatches committed, by final status",
		}, []string{"status"}),
		DispatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time from claim to terminal commit",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		DispatchesInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatches_in_flight",
			Help:      "Current number of records being dispatched",
		}),
		LeaseLost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_lease_lost_total",
			Help:      "Total number of dispatches abandoned because the claim lease was lost",
		}),

		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Total number of per-recipient delivery outcomes",
		}, []string{"outcome"}),
		DeliveryRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_retries_total",
			Help:      "Total number of delivery retries after transient failures",
		}),
		DeliveryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_attempt_duration_seconds",
			Help:      "Duration of individual delivery provider calls",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		SchedulerClaims: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_claims_total",
			Help:      "Total number of due records claimed by this instance",
		}),
		SchedulerConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_conflicts_total",
			Help:      "Total number of claimed records taken over by another instance before commit",
		}),
		SchedulerPollLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_poll_duration_seconds",
			Help:      "Time spent claiming due records per poll",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		SchedulerErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_errors_total",
			Help:      "Total number of failed scheduler polls",
		}),

		DatabaseOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "database_operations_total",
			Help:      "Total number of database operations",
		}, []string{"operation", "status"}),
	}
}

// NewUnregistered builds metrics on a private registry for components
// constructed without one.
func NewUnregistered() *Metrics {
	return New("notification", prometheus.NewRegistry())
}
