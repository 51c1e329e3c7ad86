// Package fanout 把一段时间内的更新合并成一批推给订阅端：每个 key 只发最新值，发送失败直接丢，不重试。
package fanout

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"klinefeed.com/internal/quotes/wsmetrics"
	"klinefeed.com/pkg/logger"
)

// Transport 订阅端连接
type Transport interface {
	Send(ctx context.Context, payload []byte) error
	Ping(ctx context.Context) error
	Close(code int, reason string) error
	// Done 对端断开时关闭
	Done() <-chan struct{}
}

type Config struct {
	Every          time.Duration // 合并窗口，默认 1s
	SendTimeout    time.Duration // 单批发送超时，默认 2s
	HeartbeatEvery time.Duration // 默认 25s
}

func (c Config) withDefaults() Config {
	if c.Every <= 0 {
		c.Every = time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 2 * time.Second
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 25 * time.Second
	}
	return c
}

type Fanout[V any] struct {
	buf *Buffer[V]
	tr  Transport
	cfg Config

	sending atomic.Bool
}

func New[V any](buf *Buffer[V], tr Transport, cfg Config) *Fanout[V] {
	return &Fanout[V]{buf: buf, tr: tr, cfg: cfg.withDefaults()}
}

// Run 每个窗口取一次 buffer，非空就整批发出
func (f *Fanout[V]) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.cfg.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		f.Flush(ctx)
	}
}

// Flush 发一批；返回是否真的发出去了
func (f *Fanout[V]) Flush(ctx context.Context) bool {
	batch := f.buf.Take()
	if len(batch) == 0 || ctx.Err() != nil {
		return false
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		wsmetrics.ObserveSend(len(batch), 0, 0, "encode")
		logger.Error(ctx, "encode batch failed", zap.Error(err))
		return false
	}

	f.sending.Store(true)
	defer f.sending.Store(false)

	sctx, cancel := context.WithTimeout(ctx, f.cfg.SendTimeout)
	defer cancel()
	start := time.Now()
	err = f.tr.Send(sctx, payload)
	dur := time.Since(start)
	if err != nil {
		why := "error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(sctx.Err(), context.DeadlineExceeded) {
			why = "timeout"
		}
		if ctx.Err() == nil {
			wsmetrics.ObserveSend(len(batch), len(payload), dur, why)
			logger.Warn(ctx, "batch dropped", zap.String("why", why), zap.Int("symbols", len(batch)), zap.Error(err))
		}
		return false
	}
	wsmetrics.ObserveSend(len(batch), len(payload), dur, "")
	return true
}

// Heartbeat 定时 ping；正在发批次时跳过这一次
func (f *Fanout[V]) Heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(f.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if f.sending.Load() {
			wsmetrics.PingSkippedTotal.Inc()
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, f.cfg.SendTimeout)
		err := f.tr.Ping(pctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wsmetrics.PingErrorsTotal.Inc()
			logger.Warn(ctx, "heartbeat failed", zap.Error(err))
			continue
		}
		wsmetrics.PingSentTotal.Inc()
	}
}
