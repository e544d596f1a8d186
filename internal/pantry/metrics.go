package pantry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pantry_reservations_total",
		Help: "Reservation attempts by outcome.",
	}, []string{"result"})

	retriesScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pantry_retries_scheduled_total",
		Help: "Retry attempts scheduled after an insufficient reservation.",
	})

	ordersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pantry_orders_cancelled_total",
		Help: "Orders cancelled after exhausting retries.",
	})
)
