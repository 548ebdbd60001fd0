package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReservationsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reservations_created_total",
		Help: "Total number of reservations placed",
	})

	ReservationsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservations_failed_total",
		Help: "Total number of rejected reservation attempts",
	}, []string{"reason"})

	ReservationsClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservations_closed_total",
		Help: "Total number of reservations leaving the active state",
	}, []string{"status"})

	ReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reservation_reserve_latency_seconds",
		Help:    "Latency of reservation placement",
		Buckets: prometheus.DefBuckets,
	})

	OrdersCommittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_committed_total",
		Help: "Total number of orders committed from reservations",
	})

	CommitReplaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "order_commit_replays_total",
		Help: "Total number of commit retries answered with an existing order",
	})

	CommitFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_commit_failed_total",
		Help: "Total number of failed commits",
	}, []string{"reason"})

	CommitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "order_commit_latency_seconds",
		Help:    "Latency of order commit",
		Buckets: prometheus.DefBuckets,
	})

	StockIntegrityErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_integrity_errors_total",
		Help: "Total number of counter/ledger disagreements detected",
	})

	TxConflictRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tx_conflict_retries_total",
		Help: "Total number of transactions retried after a lock conflict",
	}, []string{"operation"})

	LedgerMovementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_movements_total",
		Help: "Total number of stock movements appended",
	}, []string{"type", "reason"})

	ReclaimSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reclaim_sweep_duration_seconds",
		Help:    "Duration of expiration sweeps",
		Buckets: prometheus.DefBuckets,
	})

	ReclaimSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reclaim_skipped_total",
		Help: "Total number of expired reservations already moved by another writer",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
