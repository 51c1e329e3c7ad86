package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "quotes"

var (
	// 实时流
	StreamEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_events_total",
		Help:      "Live stream events by outcome (accepted/deduped/partial).",
	}, []string{"venue", "outcome"})

	WorkerStateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_worker_state_total",
		Help:      "Stream worker state transitions.",
	}, []string{"venue", "state"})

	StreamRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_retries_total",
		Help:      "Stream reconnect attempts by error kind.",
	}, []string{"venue", "kind"})

	// 落库
	StoreInsertedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_inserted_total",
		Help:      "Bars inserted (conflicts excluded).",
	}, []string{"venue", "path"}) // path: live/gap

	StoreErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_errors_total",
		Help:      "Store write failures and drops.",
	}, []string{"venue", "reason"})

	// 补洞
	GapFetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gap_fetch_total",
		Help:      "Historical fetches issued by the gap healer.",
	}, []string{"venue", "kind"}) // kind: bootstrap/gap

	GapErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gap_errors_total",
		Help:      "Per-symbol gap healing failures.",
	}, []string{"venue", "kind"})

	GapCycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "gap_cycle_duration_seconds",
		Help:      "Duration of one gap healing cycle.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"venue"})

	// 会话
	Sessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions",
		Help:      "Running sessions.",
	}, []string{"venue", "kind"}) // kind: subscriber/headless

	SessionCloseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_close_total",
		Help:      "Session teardowns by reason.",
	}, []string{"venue", "reason"})

	// broker 镜像
	BrokerPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broker_publish_total",
		Help:      "Bars mirrored to the broker by result.",
	}, []string{"venue", "result"})

	// 限流 / 熔断
	RateLimitWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ratelimit_wait_seconds",
		Help:      "Time spent waiting on venue rate limiters.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"key"})

	CBRejectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "circuitbreaker_reject_total",
		Help:      "Total number of circuit breaker rejections.",
	}, []string{"name", "reason"})

	CBState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuitbreaker_state",
		Help:      "Circuit breaker state (0/1).",
	}, []string{"name", "state"}) // state: closed/open/half_open
)
