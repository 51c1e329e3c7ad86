package venue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"klinefeed.com/pkg/logger"
	"klinefeed.com/pkg/xerr"
)

// Watchdog 周期性检查 venue 会话是否还活着；连续失败 maxFailures 次判定会话丢失。
// 各 venue 的 Session 嵌入它来实现 Done/Err。
type Watchdog struct {
	name   string
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	err    error
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// StartWatchdog every<=0 时不做探活，只支持手动 MarkLost
func StartWatchdog(ctx context.Context, name string, every time.Duration, maxFailures int,
	check func(ctx context.Context) error) *Watchdog {
	// 会话寿命不跟 Connect 的 ctx 走，只保留 ctx 里的日志字段
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := &Watchdog{name: name, done: make(chan struct{}), cancel: cancel}
	if every <= 0 || check == nil {
		return w
	}
	if maxFailures <= 0 {
		maxFailures = 3
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()

		failures := 0
		for {
			select {
			case <-wctx.Done():
				return
			case <-ticker.C:
			}
			cctx, ccancel := context.WithTimeout(wctx, every)
			err := check(cctx)
			ccancel()
			if err == nil {
				failures = 0
				continue
			}
			if wctx.Err() != nil {
				return
			}
			failures++
			logger.Warn(wctx, "venue keepalive failed",
				zap.String("venue", name), zap.Int("failures", failures), zap.Error(err))
			if failures >= maxFailures {
				w.MarkLost(err)
				return
			}
		}
	}()
	return w
}

// MarkLost 标记会话丢失（幂等）
func (w *Watchdog) MarkLost(cause error) {
	w.once.Do(func() {
		w.mu.Lock()
		w.err = &xerr.Error{Kind: xerr.KindSessionLost, Op: "keepalive", Venue: w.name, Err: cause}
		w.mu.Unlock()
		close(w.done)
	})
}

func (w *Watchdog) Done() <-chan struct{} { return w.done }

func (w *Watchdog) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Stop 停掉探活协程并等它退出
func (w *Watchdog) Stop() {
	w.cancel()
	w.wg.Wait()
}
