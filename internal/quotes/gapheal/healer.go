// Package gapheal 定时对比库里最新一根和当前时间，按块拉历史把缺口补上。
package gapheal

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"klinefeed.com/internal/quotes/model"
	"klinefeed.com/internal/quotes/store"
	"klinefeed.com/internal/quotes/venue"
	"klinefeed.com/pkg/logger"
	"klinefeed.com/pkg/metrics"
	"klinefeed.com/pkg/xerr"
)

const (
	MinEvery = 60 * time.Second
	MaxEvery = 300 * time.Second
)

type Config struct {
	Every    time.Duration // 周期，钳在 [60s, 300s]
	Lookback time.Duration // 库里没有数据时往回拉多久
	MaxChunk time.Duration // 单次补洞最多拉多长
}

// MarketHours 交易日历；为 nil 表示 7x24
type MarketHours interface {
	IsOpen(t time.Time) bool
}

type Healer struct {
	venue    string
	interval time.Duration
	session  venue.Session
	store    store.Store
	hours    MarketHours
	cfg      Config
	every    time.Duration

	// Now 测试里替换
	Now func() time.Time

	mu      sync.Mutex
	symbols []string
	removed map[string]bool

	// cursor 某段窗口拉回来是空的，下一轮从窗口末尾接着补；只在 Cycle 协程里读写
	cursor map[string]time.Time
}

func New(venueName string, interval time.Duration, sess venue.Session, st store.Store,
	symbols []string, cfg Config, hours MarketHours) *Healer {
	if cfg.Lookback <= 0 {
		cfg.Lookback = 100 * 24 * time.Hour
	}
	if cfg.MaxChunk <= 0 {
		cfg.MaxChunk = 1000 * interval
	}
	return &Healer{
		venue:    venueName,
		interval: interval,
		session:  sess,
		store:    st,
		hours:    hours,
		cfg:      cfg,
		every:    Clamp(cfg.Every),
		Now:      time.Now,
		symbols:  append([]string(nil), symbols...),
		removed:  make(map[string]bool),
		cursor:   make(map[string]time.Time),
	}
}

// Clamp 周期钳到 [60s, 300s]，0 取下限
func Clamp(d time.Duration) time.Duration {
	if d < MinEvery {
		return MinEvery
	}
	if d > MaxEvery {
		return MaxEvery
	}
	return d
}

// Run 启动后立刻跑一轮，之后按周期跑，直到 ctx 取消
func (h *Healer) Run(ctx context.Context) error {
	ctx = logger.WithFields(ctx, zap.String("venue", h.venue), zap.String("component", "gapheal"))
	ticker := time.NewTicker(h.every)
	defer ticker.Stop()
	for {
		h.Cycle(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Cycle 对每个 symbol 补一次；单个 symbol 出错只记日志
func (h *Healer) Cycle(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.GapCycleDuration.WithLabelValues(h.venue).Observe(time.Since(start).Seconds())
	}()

	for _, sym := range h.Symbols() {
		if ctx.Err() != nil {
			return
		}
		if err := h.heal(ctx, sym); err != nil {
			if ctx.Err() != nil {
				return
			}
			kind := xerr.KindOf(err)
			metrics.GapErrorsTotal.WithLabelValues(h.venue, kind.String()).Inc()
			if kind == xerr.KindInvalidSymbol {
				h.remove(sym)
				logger.Warn(ctx, "symbol rejected, removed from gap healing", zap.String("symbol", sym), zap.Error(err))
				continue
			}
			logger.Error(ctx, "gap heal failed", zap.String("symbol", sym), zap.Error(err))
		}
	}
}

func (h *Healer) heal(ctx context.Context, symbol string) error {
	now := h.Now().UTC()
	key := model.NormalizeSymbol(symbol)
	latest, ok, err := h.store.Latest(ctx, key)
	if err != nil {
		return err
	}

	var from, to time.Time
	kind := "bootstrap"
	if !ok {
		from, to = now.Add(-h.cfg.Lookback), now
	} else {
		if now.Sub(latest.Timestamp) < h.interval {
			return nil
		}
		// 休市时已有数据的 symbol 不用补
		if h.hours != nil && !h.hours.IsOpen(now) {
			return nil
		}
		kind = "gap"
		from = latest.Timestamp
		if c, ok := h.cursor[key]; ok {
			if c.After(from) {
				from = c
			} else {
				delete(h.cursor, key)
			}
		}
		to = from.Add(h.cfg.MaxChunk)
		if to.After(now) {
			to = now
		}
	}

	metrics.GapFetchTotal.WithLabelValues(h.venue, kind).Inc()
	bars, err := h.session.FetchHistorical(ctx, symbol, from, to)
	if err != nil {
		return err
	}
	bars = normalize(key, bars)
	if ok && !to.Before(now) {
		delete(h.cursor, key)
	} else if ok && !advances(bars, from) {
		// 停牌/长时间断流，窗口里没有新 bar：跳过这段，否则每轮都拉同一段
		h.cursor[key] = to
		logger.Debug(ctx, "empty gap window skipped", zap.String("symbol", symbol),
			zap.Time("from", from), zap.Time("to", to))
	}
	if len(bars) == 0 {
		return nil
	}
	n, err := h.store.InsertMany(ctx, bars)
	if err != nil {
		return err
	}
	metrics.StoreInsertedTotal.WithLabelValues(h.venue, "gap").Add(float64(n))
	logger.Debug(ctx, "gap healed", zap.String("symbol", symbol),
		zap.Time("from", from), zap.Time("to", to), zap.Int("fetched", len(bars)), zap.Int("inserted", n))
	return nil
}

func advances(bars []model.Bar, from time.Time) bool {
	for _, b := range bars {
		if b.Timestamp.After(from) {
			return true
		}
	}
	return false
}

// normalize 统一成规范化后的 symbol 写库，Latest 才能按同一个 key 查到
func normalize(symbol string, bars []model.Bar) []model.Bar {
	for i := range bars {
		bars[i].Symbol = symbol
	}
	return bars
}

func (h *Healer) Symbols() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.symbols))
	for _, s := range h.symbols {
		if !h.removed[s] {
			out = append(out, s)
		}
	}
	return out
}

func (h *Healer) remove(symbol string) {
	h.mu.Lock()
	h.removed[symbol] = true
	h.mu.Unlock()
}
