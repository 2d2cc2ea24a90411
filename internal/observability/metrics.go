package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce            sync.Once
	httpDurationHistogram   *prometheus.HistogramVec
	statusTransitionCounter *prometheus.CounterVec
	stageTransitionCounter  *prometheus.CounterVec
	payoutCounter           *prometheus.CounterVec
	workerRunCounter        *prometheus.CounterVec
	waitingTxnsGauge        prometheus.Gauge
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		statusTransitionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transaction_status_transitions_total",
			Help: "Transaction status transitions applied by the ledger",
		}, []string{"from", "to"})

		stageTransitionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticket_stage_transitions_total",
			Help: "Ticket stage transitions applied by the negotiation engine",
		}, []string{"to"})

		payoutCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payouts_total",
			Help: "Settlement payouts broadcast, by asset and outcome",
		}, []string{"crypto", "outcome"})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		waitingTxnsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transactions_waiting_for_funds",
			Help: "Transactions currently polled for incoming balance",
		})

		prometheus.MustRegister(
			httpDurationHistogram,
			statusTransitionCounter,
			stageTransitionCounter,
			payoutCounter,
			workerRunCounter,
			waitingTxnsGauge,
		)
	})
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

func IncrementStatusTransition(from, to string) {
	if statusTransitionCounter == nil {
		return
	}
	statusTransitionCounter.WithLabelValues(from, to).Inc()
}

func IncrementStageTransition(to string) {
	if stageTransitionCounter == nil {
		return
	}
	stageTransitionCounter.WithLabelValues(to).Inc()
}

func IncrementPayout(crypto, outcome string) {
	if payoutCounter == nil {
		return
	}
	payoutCounter.WithLabelValues(crypto, outcome).Inc()
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}

func SetWaitingTransactions(n int) {
	if waitingTxnsGauge == nil {
		return
	}
	waitingTxnsGauge.Set(float64(n))
}
