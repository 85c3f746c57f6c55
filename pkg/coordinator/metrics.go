package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ordersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perptrader_orders_submitted_total",
		Help: "Orders accepted by the exchange, by order type.",
	}, []string{"order_type"})

	guardRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perptrader_guard_rejections_total",
		Help: "Submissions refused by a price sanity guard.",
	}, []string{"reason"})

	lockTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perptrader_lock_timeouts_total",
		Help: "Order-type locks released by the timeout instead of a push update.",
	})

	duplicateCancels = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perptrader_duplicate_cancels_total",
		Help: "Duplicate resting orders cancelled before submission.",
	})
)
