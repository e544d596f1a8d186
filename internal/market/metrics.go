package market

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	purchasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pantry_market_purchases_total",
		Help: "Recorded market purchases.",
	}, []string{"ingredient"})

	purchasedUnits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pantry_market_purchased_units_total",
		Help: "Units bought from the market.",
	}, []string{"ingredient"})

	marketEmptyCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pantry_market_empty_calls_total",
		Help: "Market calls that sold nothing, including failures.",
	}, []string{"ingredient"})
)
