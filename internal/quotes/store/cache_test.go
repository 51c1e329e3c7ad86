package store

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"klinefeed.com/internal/quotes/model"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestCachedStore_Contract(t *testing.T) {
	_, rdb := newRedis(t)
	storeContract(t, NewCachedStore(NewMemStore(), rdb, "kline:binance", time.Minute))
}

func TestCachedStore_NeverGoesBack(t *testing.T) {
	mr, rdb := newRedis(t)
	s := NewCachedStore(NewMemStore(), rdb, "kline:binance", time.Minute)
	ctx := context.Background()
	key := "kline:binance:BTCUSDT:latest"

	_, err := s.InsertMany(ctx, []model.Bar{bar("BTCUSDT", 5, "105")})
	require.NoError(t, err)
	require.True(t, mr.Exists(key))
	assert.Equal(t, strconv.FormatInt(t0.Add(25*time.Minute).UnixMilli(), 10), mr.HGet(key, "ts"))

	// 补历史写进更早的 bar，缓存不能回退
	_, err = s.InsertMany(ctx, []model.Bar{bar("BTCUSDT", 1, "101")})
	require.NoError(t, err)
	got, ok, err := s.Latest(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(bar("BTCUSDT", 5, "105")))
}

func TestCachedStore_FallsBackAndRefills(t *testing.T) {
	mr, rdb := newRedis(t)
	mem := NewMemStore()
	_, err := mem.InsertMany(context.Background(), []model.Bar{bar("ETHUSDT", 3, "7")})
	require.NoError(t, err)

	s := NewCachedStore(mem, rdb, "kline:binance", time.Minute)
	got, ok, err := s.Latest(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Close.Equal(model.MustDecimal("7")))
	assert.True(t, mr.Exists("kline:binance:ETHUSDT:latest"), "miss should refill the cache")

	// redis 挂了也能从主存储读
	mr.Close()
	got, ok, err = s.Latest(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(bar("ETHUSDT", 3, "7")))
}

func TestInfluxMirror_WritesAfterPrimary(t *testing.T) {
	var (
		mu    sync.Mutex
		lines []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v2/write" {
			b, _ := io.ReadAll(r.Body)
			mu.Lock()
			lines = append(lines, strings.Split(strings.TrimSpace(string(b)), "\n")...)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	mem := NewMemStore()
	m := NewInfluxMirror(mem, InfluxConfig{URL: srv.URL, Token: "t", Org: "o", Bucket: "quotes", BatchSize: 10}, "binance", 5*time.Minute)
	defer m.Close()
	ctx := context.Background()

	n, err := m.InsertMany(ctx, []model.Bar{bar("BTCUSDT", 0, "100"), bar("BTCUSDT", 1, "101")})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	m.Flush()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lines) == 2
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Contains(t, lines[0], "kline,")
	assert.Contains(t, lines[0], "symbol=BTCUSDT")
	assert.Contains(t, lines[0], "venue=binance")
	assert.Contains(t, lines[0], "interval=5m")
	mu.Unlock()

	// 主存储失败时不镜像
	_, err = m.InsertMany(ctx, []model.Bar{{}})
	assert.Error(t, err)

	got, ok, err := m.Latest(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Close.Equal(model.MustDecimal("101")))
}
