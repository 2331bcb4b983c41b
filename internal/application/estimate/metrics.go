package estimate

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mutationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "estimate_mutation_total",
		Help: "Structural mutations by operation and result",
	}, []string{"operation", "result"})

	mutationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "estimate_mutation_duration_seconds",
		Help:    "Structural mutation duration including lock wait",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
	}, []string{"operation"})

	designationsAssigned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "estimate_designations_assigned_total",
		Help: "Designations assigned by the numbering engine, by node kind",
	}, []string{"kind"})

	idCollisionsReconciled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "estimate_id_collisions_reconciled_total",
		Help: "Ouvrage/bloc identifiers moved after a post-insert collision",
	}, []string{"kind"})
)

func observeMutation(op string, start time.Time, err error) {
	mutationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	mutationTotal.WithLabelValues(op, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	switch Class(err) {
	case ErrNotFound:
		return "not_found"
	case ErrConflict:
		return "conflict"
	case ErrInvalid:
		return "invalid"
	case ErrBusy:
		return "busy"
	case ErrFatal:
		return "fatal"
	}
	return "error"
}
