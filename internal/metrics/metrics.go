// Package metrics holds the Prometheus collectors shared by the engine,
// the feed and the HTTP layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecore_feed_ticks_total",
		Help: "Price ticks offered to the feed, by result.",
	}, []string{"result"})

	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecore_orders_total",
		Help: "Orders reaching a status, by kind and status.",
	}, []string{"kind", "status"})

	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecore_fills_total",
		Help: "Fill transactions, by outcome.",
	}, []string{"outcome"})

	FillDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradecore_fill_duration_seconds",
		Help:    "Time spent in the fill transaction.",
		Buckets: prometheus.DefBuckets,
	})

	SweepCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradecore_sweep_candidates",
		Help:    "Resting orders evaluated per price tick.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	BookOrders = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradecore_book_orders",
		Help: "Resting orders in the book, by symbol.",
	}, []string{"symbol"})

	ExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradecore_orders_expired_total",
		Help: "Orders moved to EXPIRED by the scheduler.",
	})

	TradesPurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradecore_trades_purged_total",
		Help: "Trades removed by the retention sweep.",
	})

	WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecore_webhook_deliveries_total",
		Help: "Webhook delivery attempts, by result.",
	}, []string{"result"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecore_http_requests_total",
		Help: "HTTP requests, by method and status code.",
	}, []string{"method", "code"})
)
