package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counter: Total orders received
	OrdersReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matching_orders_received_total",
			Help: "Total number of orders submitted to the ingest pipeline",
		},
		[]string{"instrument", "side", "type"}, // Labels: instrument, buy/sell, limit/market
	)

	// Counter: Total orders rejected
	OrdersRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matching_orders_rejected_total",
			Help: "Total number of orders rejected, by reason",
		},
		[]string{"instrument", "reason"},
	)

	// Histogram: Submit latency, from validation to outcome
	OrderLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "matching_order_latency_seconds",
			Help:    "Time taken to process an order from receipt to outcome",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15), // 0.1ms to ~3.2s
		},
		[]string{"instrument", "type"},
	)

	// Gauge: Resting orders per side
	CurrentOrderbookDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "matching_orderbook_orders",
			Help: "Current number of resting orders in the order book",
		},
		[]string{"instrument", "side"},
	)

	// Counter: Total trades executed
	TradesExecutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matching_trades_executed_total",
			Help: "Total number of trades executed",
		},
		[]string{"instrument"},
	)

	// Histogram: Trade size distribution
	TradeSizeDistribution = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "matching_trade_size",
			Help:    "Distribution of trade quantities",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 0.01 to ~40
		},
		[]string{"instrument"},
	)

	// Gauge: Pending WAL entries per stream
	WALPendingEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "matching_wal_pending_entries",
			Help: "Entries waiting in the write-ahead log",
		},
		[]string{"stream"},
	)

	// Counter: Entries applied to the store by the batch writer
	WriterEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matching_writer_entries_total",
			Help: "WAL entries handled by the batch writer, by stream and outcome",
		},
		[]string{"stream", "outcome"}, // outcome: written, discarded, deferred, failed
	)

	// Histogram: Duration of one writer flush
	WriterFlushSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "matching_writer_flush_seconds",
			Help:    "Time taken by one batch writer flush",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)
)

// RecordOrderReceived increments the orders received counter
func RecordOrderReceived(instrument, side, orderType string) {
	OrdersReceivedTotal.WithLabelValues(instrument, side, orderType).Inc()
}

// RecordOrderRejected increments the orders rejected counter
func RecordOrderRejected(instrument, reason string) {
	OrdersRejectedTotal.WithLabelValues(instrument, reason).Inc()
}

// RecordOrderLatency records the time taken to process an order
func RecordOrderLatency(instrument, orderType string, seconds float64) {
	OrderLatencySeconds.WithLabelValues(instrument, orderType).Observe(seconds)
}

// UpdateOrderbookDepth updates the resting orders gauge
func UpdateOrderbookDepth(instrument, side string, orders float64) {
	CurrentOrderbookDepth.WithLabelValues(instrument, side).Set(orders)
}

// RecordTrade records a trade execution
func RecordTrade(instrument string, quantity float64) {
	TradesExecutedTotal.WithLabelValues(instrument).Inc()
	TradeSizeDistribution.WithLabelValues(instrument).Observe(quantity)
}

// UpdateWALPending sets the pending entries gauge of a stream
func UpdateWALPending(stream string, n int) {
	WALPendingEntries.WithLabelValues(stream).Set(float64(n))
}

// RecordWriterEntries adds n handled entries for stream and outcome
func RecordWriterEntries(stream, outcome string, n int) {
	if n <= 0 {
		return
	}
	WriterEntriesTotal.WithLabelValues(stream, outcome).Add(float64(n))
}

// RecordWriterFlush records the duration of one flush
func RecordWriterFlush(seconds float64) {
	WriterFlushSeconds.Observe(seconds)
}
