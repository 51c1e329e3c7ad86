package wsmetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "quotes"

var (
	Conns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_conns",
		Help:      "Active subscriber websocket connections",
	}, []string{"kind"}) // venue/topics
	ConnOpenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_conn_open_total",
		Help:      "Total subscriber websocket connections opened",
	}, []string{"kind"})
	ConnCloseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_conn_close_total",
		Help:      "Total websocket connections closed, partitioned by close code and reason",
	}, []string{"code", "reason"})

	SubOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_sub_ops_total",
		Help:      "Total topic subscription operations",
	}, []string{"op"}) // sub/unsub

	BatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fanout_batches_total",
		Help:      "Aggregated batches by result",
	}, []string{"result"}) // sent/dropped
	BytesOutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_bytes_out_total",
		Help:      "Total websocket bytes sent out",
	})
	DroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fanout_dropped_total",
		Help:      "Total dropped batches",
	}, []string{"why"}) // timeout/error/encode

	PingSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_ping_sent_total",
		Help:      "Total heartbeat pings sent",
	})
	PingSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_ping_skipped_total",
		Help:      "Heartbeats skipped because a batch send was in flight",
	})
	PingErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_ping_errors_total",
		Help:      "Total ping send errors",
	})
	PongRecvTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_pong_recv_total",
		Help:      "Total pong received",
	})

	SendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "fanout_send_duration_seconds",
		Help:      "Duration of one batch send",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms -> ~4s
	})
	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "fanout_batch_size",
		Help:      "Number of symbols per batch",
		Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
	})
)

func OnOpen(kind string) {
	Conns.WithLabelValues(kind).Inc()
	ConnOpenTotal.WithLabelValues(kind).Inc()
}

func OnClose(kind string, code int, reason string) {
	Conns.WithLabelValues(kind).Dec()
	ConnCloseTotal.WithLabelValues(strconv.Itoa(code), reason).Inc()
}

// ObserveSend why 为空表示发送成功
func ObserveSend(batchN int, bytes int, dur time.Duration, why string) {
	SendDuration.Observe(dur.Seconds())
	if why != "" {
		BatchesTotal.WithLabelValues("dropped").Inc()
		DroppedTotal.WithLabelValues(why).Inc()
		return
	}
	BatchesTotal.WithLabelValues("sent").Inc()
	BatchSize.Observe(float64(batchN))
	BytesOutTotal.Add(float64(bytes))
}
