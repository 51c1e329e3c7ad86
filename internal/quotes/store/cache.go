package store

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"klinefeed.com/internal/quotes/model"
	"klinefeed.com/pkg/logger"
)

// 只有更新的 ts 才覆盖，乱序写入不会把缓存回退
var setIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ts')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'ts', ARGV[1], 'bar', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

type cachedBar struct {
	Symbol string `json:"s"`
	Ts     int64  `json:"t"`
	Open   string `json:"o"`
	High   string `json:"h"`
	Low    string `json:"l"`
	Close  string `json:"c"`
	Volume string `json:"v"`
}

// CachedStore 在 redis 里缓存每个 symbol 的最新一根，Latest 优先读缓存。
// 缓存失败只打日志，不影响主存储。
type CachedStore struct {
	inner  Store
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

var _ Store = (*CachedStore)(nil)

// NewCachedStore prefix 例如 kline:binance
func NewCachedStore(inner Store, rdb redis.Cmdable, prefix string, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedStore{inner: inner, rdb: rdb, prefix: prefix, ttl: ttl}
}

func (c *CachedStore) InsertMany(ctx context.Context, bars []model.Bar) (int, error) {
	n, err := c.inner.InsertMany(ctx, bars)
	if err != nil {
		return n, err
	}
	newest := make(map[string]model.Bar, 4)
	for _, b := range bars {
		if cur, ok := newest[b.Symbol]; !ok || b.Timestamp.After(cur.Timestamp) {
			newest[b.Symbol] = b
		}
	}
	for _, b := range newest {
		c.put(ctx, b)
	}
	return n, nil
}

func (c *CachedStore) Unwrap() Store { return c.inner }

func (c *CachedStore) Latest(ctx context.Context, symbol string) (model.Bar, bool, error) {
	raw, err := c.rdb.HGet(ctx, c.key(symbol), "bar").Result()
	if err == nil {
		if b, derr := decodeCached(raw); derr == nil {
			return b, true, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logger.Warn(ctx, "latest cache read failed", zap.String("symbol", symbol), zap.Error(err))
	}

	b, ok, err := c.inner.Latest(ctx, symbol)
	if err != nil || !ok {
		return b, ok, err
	}
	c.put(ctx, b)
	return b, true, nil
}

func (c *CachedStore) put(ctx context.Context, b model.Bar) {
	raw, _ := json.Marshal(cachedBar{
		Symbol: b.Symbol,
		Ts:     b.Timestamp.UnixMilli(),
		Open:   b.Open.String(),
		High:   b.High.String(),
		Low:    b.Low.String(),
		Close:  b.Close.String(),
		Volume: b.Volume.String(),
	})
	ttl := withJitter(c.ttl, 300*time.Millisecond)
	err := setIfNewer.Run(ctx, c.rdb, []string{c.key(b.Symbol)},
		b.Timestamp.UnixMilli(), string(raw), ttl.Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		logger.Warn(ctx, "latest cache write failed", zap.String("symbol", b.Symbol), zap.Error(err))
	}
}

func (c *CachedStore) key(symbol string) string {
	return c.prefix + ":" + symbol + ":latest"
}

func decodeCached(raw string) (model.Bar, error) {
	var cb cachedBar
	if err := json.Unmarshal([]byte(raw), &cb); err != nil {
		return model.Bar{}, err
	}
	b := model.Bar{Symbol: cb.Symbol, Timestamp: time.UnixMilli(cb.Ts).UTC()}
	fields := []struct {
		dst *decimal.Decimal
		src string
	}{{&b.Open, cb.Open}, {&b.High, cb.High}, {&b.Low, cb.Low}, {&b.Close, cb.Close}, {&b.Volume, cb.Volume}}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return model.Bar{}, err
		}
		*f.dst = v
	}
	return b, nil
}

// 同一批 key 错开过期时间
func withJitter(ttl time.Duration, jitter time.Duration) time.Duration {
	if ttl <= 0 || jitter <= 0 {
		return ttl
	}
	return ttl + time.Duration(rand.Int63n(int64(jitter)))
}
