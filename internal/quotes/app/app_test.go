package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	qconfig "klinefeed.com/internal/quotes/config"
	"klinefeed.com/internal/quotes/session"
	"klinefeed.com/internal/quotes/store"
	pkgconfig "klinefeed.com/pkg/config"
	"klinefeed.com/pkg/metrics"
)

func testConfig() qconfig.Config {
	return qconfig.Config{
		Name:   "quotes-test",
		HTTP:   qconfig.HTTPConfig{Rate: 1000, Burst: 1000},
		Store:  qconfig.StoreConfig{Driver: "sqlite", DSN: ":memory:"},
		Broker: qconfig.BrokerConfig{Kind: "mem"},
		Retry:  qconfig.RetryConfig{Attempts: 3, Base: 10 * time.Millisecond, Factor: 3},
		Session: qconfig.SessionConfig{
			FanoutEvery:  500 * time.Millisecond,
			DrainTimeout: time.Second,
		},
		Venues: map[string]qconfig.VenueConfig{
			"binance": {Enabled: true, Symbols: []string{"btc/usdt", "BTCUSDT", "ethusdt"}, Interval: 5 * time.Minute},
			"fyers":   {Enabled: true, Symbols: []string{"NSE:ICICIBANK-EQ"}, Interval: 24 * time.Hour, Calendar: "xnys"},
			"ibkr":    {Enabled: false, Symbols: []string{"AAPL"}},
		},
	}
}

func newApp(t *testing.T, cfg qconfig.Config) *App {
	t.Helper()
	a, err := New(context.Background(), pkgconfig.NewHolder(cfg))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func TestNew_WiresVenuesAndStores(t *testing.T) {
	a := newApp(t, testConfig())

	assert.Equal(t, []string{"binance", "fyers"}, a.registry.Names())
	assert.True(t, a.known("fyers"))
	assert.False(t, a.known("ibkr"))

	st, ok := a.store("binance")
	require.True(t, ok)
	_, isSQL := st.(*store.SQLStore)
	assert.True(t, isSQL)

	w := httptest.NewRecorder()
	a.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBuild_SnapshotsConfig(t *testing.T) {
	a := newApp(t, testConfig())

	deps, cfg, err := a.build("binance")
	require.NoError(t, err)
	assert.Equal(t, "binance", deps.Adapter.Name())
	assert.NotNil(t, deps.Publisher)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Symbols)
	assert.Equal(t, 10*time.Millisecond, cfg.Backoff.Base)
	assert.Equal(t, 3.0, cfg.Backoff.Factor)
	assert.Equal(t, 3, cfg.Backoff.Attempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Fanout.Every)
	assert.Nil(t, cfg.Hours, "crypto trades 24x7")

	_, cfg, err = a.build("fyers")
	require.NoError(t, err)
	assert.Equal(t, []string{"ICICIBANK"}, cfg.Symbols)
	assert.NotNil(t, cfg.Hours)

	_, _, err = a.build("ibkr")
	assert.ErrorIs(t, err, session.ErrUnknownVenue)
	_, _, err = a.build("kraken")
	assert.ErrorIs(t, err, session.ErrUnknownVenue)
}

func TestNew_RejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Store = qconfig.StoreConfig{Driver: "oracle"}
	_, err := New(context.Background(), pkgconfig.NewHolder(cfg))
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Venues["kraken"] = qconfig.VenueConfig{Enabled: true, Symbols: []string{"XBTUSD"}}
	_, err = New(context.Background(), pkgconfig.NewHolder(cfg))
	assert.ErrorContains(t, err, "not supported")
}

func TestNormalizeSymbols(t *testing.T) {
	assert.Equal(t, []string{"SBIN", "AAPL"}, normalizeSymbols([]string{"NSE:SBIN-EQ", " aapl ", "sbin", ""}))
}

func TestObservePools(t *testing.T) {
	a := newApp(t, testConfig())
	require.NotNil(t, a.db)
	a.db.SetMaxIdleConns(2)
	require.NoError(t, a.db.PingContext(context.Background()))

	a.observePools()
	open := testutil.ToFloat64(metrics.DbPoolOpen.WithLabelValues("sqlite"))
	assert.GreaterOrEqual(t, open, 1.0)
	assert.Equal(t, open, testutil.ToFloat64(metrics.DbPoolIdle.WithLabelValues("sqlite"))+
		testutil.ToFloat64(metrics.DbPoolInuse.WithLabelValues("sqlite")))
}
