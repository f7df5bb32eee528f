package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	StreamsStarted   prometheus.Counter
	StreamsCompleted prometheus.Counter
	StreamsFailed    prometheus.Counter
	StreamsCancelled prometheus.Counter
	QuotaDenied      prometheus.Counter
	TokensUsed       prometheus.Counter
	ReconcileQueued  prometheus.Counter
	ReconcileDone    prometheus.Counter
	ReconcileFailed  prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			StreamsStarted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "aichatd",
				Name:      "streams_started_total",
				Help:      "Total chat streams started",
			}),
			StreamsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "aichatd",
				Name:      "streams_completed_total",
				Help:      "Total chat streams completed successfully",
			}),
			StreamsFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "aichatd",
				Name:      "streams_failed_total",
				Help:      "Total chat streams terminated by an error",
			}),
			StreamsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "aichatd",
				Name:      "streams_cancelled_total",
				Help:      "Total chat streams cancelled by disconnect or timeout",
			}),
			QuotaDenied: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "aichatd",
				Name:      "quota_denied_total",
				Help:      "Total turns denied by quota reservation",
			}),
			TokensUsed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "aichatd",
				Name:      "tokens_used_total",
				Help:      "Total tokens committed to the usage ledger",
			}),
			ReconcileQueued: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "aichatd",
				Name:      "reconcile_queued_total",
				Help:      "Total reconciliation jobs enqueued",
			}),
			ReconcileDone: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "aichatd",
				Name:      "reconcile_processed_total",
				Help:      "Total reconciliation jobs successfully processed",
			}),
			ReconcileFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "aichatd",
				Name:      "reconcile_failed_total",
				Help:      "Total reconciliation jobs failed during processing",
			}),
		}
		prometheus.MustRegister(
			global.StreamsStarted, global.StreamsCompleted, global.StreamsFailed,
			global.StreamsCancelled, global.QuotaDenied, global.TokensUsed,
			global.ReconcileQueued, global.ReconcileDone, global.ReconcileFailed,
		)
	})
	return global
}
