package store

import (
	"context"
	"time"

	"go.uber.org/zap"
	"klinefeed.com/internal/quotes/model"
	"klinefeed.com/pkg/logger"
	"klinefeed.com/pkg/metrics"
	"klinefeed.com/pkg/xerr"
)

// AsyncWriter 会话内唯一的写库协程。Submit 从不阻塞，队列满直接丢弃；
// Run 随会话 ctx 退出，退出后不会再写库。
type AsyncWriter struct {
	store   Store
	venue   string
	queue   chan []model.Bar
	timeout time.Duration
}

func NewAsyncWriter(s Store, venue string, size int, timeout time.Duration) *AsyncWriter {
	if size <= 0 {
		size = 1024
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &AsyncWriter{
		store:   s,
		venue:   venue,
		queue:   make(chan []model.Bar, size),
		timeout: timeout,
	}
}

// Submit false 表示队列满被丢弃
func (w *AsyncWriter) Submit(bars ...model.Bar) bool {
	if len(bars) == 0 {
		return true
	}
	select {
	case w.queue <- bars:
		return true
	default:
		metrics.StoreErrorsTotal.WithLabelValues(w.venue, "queue_full").Inc()
		return false
	}
}

func (w *AsyncWriter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case bars := <-w.queue:
			w.write(ctx, bars)
		}
	}
}

func (w *AsyncWriter) write(ctx context.Context, bars []model.Bar) {
	wctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	n, err := w.store.InsertMany(wctx, bars)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.StoreErrorsTotal.WithLabelValues(w.venue, xerr.KindOf(err).String()).Inc()
		logger.Error(ctx, "store insert failed",
			zap.String("venue", w.venue), zap.Int("bars", len(bars)), zap.Error(err))
		return
	}
	metrics.StoreInsertedTotal.WithLabelValues(w.venue, "live").Add(float64(n))
}
