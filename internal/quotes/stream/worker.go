// Package stream 单个 symbol 的实时订阅：拉流、只收已收盘 bar、去重、写 buffer 和异步落库，失败按错误分类重试。
package stream

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
	"klinefeed.com/internal/quotes/model"
	"klinefeed.com/internal/quotes/venue"
	"klinefeed.com/pkg/logger"
	"klinefeed.com/pkg/metrics"
	"klinefeed.com/pkg/xerr"
)

type State uint8

const (
	Connecting State = iota
	Streaming
	Retrying
	Cancelled
	Dropped
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Retrying:
		return "retrying"
	case Cancelled:
		return "cancelled"
	case Dropped:
		return "dropped"
	}
	return "unknown"
}

// Backoff 第 n 次重试等待 Base * Factor^(n-1)，最多 Attempts 次
type Backoff struct {
	Base     time.Duration
	Factor   float64
	Attempts int
}

// DefaultBackoff 1, 2, 4, 8, 16s
var DefaultBackoff = Backoff{Base: time.Second, Factor: 2, Attempts: 5}

func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return time.Duration(float64(b.Base) * math.Pow(b.Factor, float64(n-1)))
}

// Buffer 聚合 buffer，只保留每个 symbol 最新一根
type Buffer interface {
	Put(bar model.Bar)
}

// Writer 异步落库，不阻塞
type Writer interface {
	Submit(bars ...model.Bar) bool
}

// Publisher 可选的跨节点镜像，不阻塞
type Publisher interface {
	PublishBar(ctx context.Context, venue string, bar model.Bar)
}

type Worker struct {
	Venue     string
	Symbol    string
	Session   venue.Session
	Buffer    Buffer
	Writer    Writer
	Publisher Publisher
	Backoff   Backoff
	// OnState 状态变化回调，测试里用
	OnState func(State)

	last  *model.Bar
	state State
}

// Run 阻塞到 ctx 取消（Cancelled）或放弃这个 symbol（Dropped）
func (w *Worker) Run(ctx context.Context) State {
	if w.Backoff.Attempts <= 0 {
		w.Backoff = DefaultBackoff
	}
	ctx = logger.WithFields(ctx, zap.String("venue", w.Venue), zap.String("symbol", w.Symbol))

	var (
		attempt int // 连续失败次数，收到事件后清零
		unknown int // 连续 Unknown 错误
	)
	for {
		w.set(ctx, Connecting)
		st, err := w.Session.OpenStream(ctx, w.Symbol)
		if err == nil {
			w.set(ctx, Streaming)
			err = w.pump(ctx, st, func() { attempt, unknown = 0, 0 })
			_ = st.Close()
		}
		if ctx.Err() != nil {
			return w.set(ctx, Cancelled)
		}

		kind := xerr.KindOf(err)
		metrics.StreamRetriesTotal.WithLabelValues(w.Venue, kind.String()).Inc()
		switch kind {
		case xerr.KindInvalidSymbol:
			logger.Warn(ctx, "symbol rejected by venue, dropping", zap.Error(err))
			return w.set(ctx, Dropped)
		case xerr.KindUnknown:
			unknown++
			if unknown >= 2 {
				logger.Error(ctx, "repeated unknown stream error, dropping", zap.Error(err))
				return w.set(ctx, Dropped)
			}
		default:
			unknown = 0
		}

		attempt++
		if attempt > w.Backoff.Attempts {
			logger.Error(ctx, "stream retries exhausted, dropping",
				zap.Int("attempts", w.Backoff.Attempts), zap.Error(err))
			return w.set(ctx, Dropped)
		}
		delay := w.Backoff.Delay(attempt)
		w.set(ctx, Retrying)
		logger.Warn(ctx, "stream failed, retrying",
			zap.Int("attempt", attempt), zap.Duration("backoff", delay), zap.Error(err))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return w.set(ctx, Cancelled)
		case <-t.C:
		}
	}
}

// pump 逐条拉取，Next 是唯一的挂起点
func (w *Worker) pump(ctx context.Context, st venue.Stream, delivered func()) error {
	for {
		ev, err := st.Next(ctx)
		if err != nil {
			return err
		}
		delivered()
		w.handle(ctx, ev)
	}
}

func (w *Worker) handle(ctx context.Context, ev model.Event) {
	if ctx.Err() != nil {
		return
	}
	if !ev.Closed {
		metrics.StreamEventsTotal.WithLabelValues(w.Venue, "partial").Inc()
		return
	}
	bar := ev.Bar
	if w.last != nil && w.last.Equal(bar) {
		metrics.StreamEventsTotal.WithLabelValues(w.Venue, "deduped").Inc()
		return
	}
	w.last = &bar
	metrics.StreamEventsTotal.WithLabelValues(w.Venue, "accepted").Inc()

	w.Buffer.Put(bar)
	if w.Writer != nil && !w.Writer.Submit(bar) {
		logger.Warn(ctx, "store queue full, bar dropped", zap.Time("ts", bar.Timestamp))
	}
	if w.Publisher != nil {
		w.Publisher.PublishBar(ctx, w.Venue, bar)
	}
}

func (w *Worker) set(ctx context.Context, s State) State {
	w.state = s
	metrics.WorkerStateTotal.WithLabelValues(w.Venue, s.String()).Inc()
	logger.Debug(ctx, "stream worker state", zap.Stringer("state", s))
	if w.OnState != nil {
		w.OnState(s)
	}
	return s
}

func (w *Worker) State() State { return w.state }
