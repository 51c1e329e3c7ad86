package fyers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"klinefeed.com/internal/quotes/model"
	"klinefeed.com/pkg/xerr"
)

type historyCall struct {
	symbol   string
	from, to int64
}

type fakeFyers struct {
	mu      sync.Mutex
	calls   []historyCall
	auth    []string
	expired bool
}

func (f *fakeFyers) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	if f.expired {
		_, _ = w.Write([]byte(`{"s":"error","code":-16,"message":"token expired"}`))
		return
	}
	switch r.URL.Path {
	case "/api/v3/profile":
		_, _ = w.Write([]byte(`{"s":"ok","code":200,"data":{"fy_id":"XY0001"}}`))
	case "/data/history":
		q := r.URL.Query()
		sym := q.Get("symbol")
		if sym == "NSE:NOPE-EQ" {
			_, _ = w.Write([]byte(`{"s":"error","code":-300,"message":"Invalid symbol provided"}`))
			return
		}
		from, _ := strconv.ParseInt(q.Get("range_from"), 10, 64)
		to, _ := strconv.ParseInt(q.Get("range_to"), 10, 64)
		f.calls = append(f.calls, historyCall{sym, from, to})
		// 一天只给一根，足够验证分段
		var rows []string
		for ts := from - from%86400; ts <= to; ts += 86400 {
			rows = append(rows, fmt.Sprintf("[%d,10.5,11,10,10.75,1200]", ts))
		}
		_, _ = fmt.Fprintf(w, `{"s":"ok","candles":[%s]}`, strings.Join(rows, ","))
	default:
		http.NotFound(w, r)
	}
}

func connect(t *testing.T, f *fakeFyers, interval time.Duration) *session {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	a := New(Config{BaseURL: srv.URL, ClientID: "APP-100", AccessToken: "tok", Interval: interval, RPS: 1000})
	s, err := a.Connect(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s.(*session)
}

func TestFetchHistorical_ChunksOf100Days(t *testing.T) {
	f := &fakeFyers{}
	s := connect(t, f, 24*time.Hour)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(249 * 24 * time.Hour)
	bars, err := s.FetchHistorical(context.Background(), "ICICIBANK", start, end)
	require.NoError(t, err)

	require.Len(t, f.calls, 3)
	for _, c := range f.calls {
		assert.Equal(t, "NSE:ICICIBANK-EQ", c.symbol)
		assert.LessOrEqual(t, c.to-c.from, int64(maxChunk/time.Second))
	}
	require.Len(t, bars, 250)
	assert.Equal(t, "ICICIBANK", bars[0].Symbol)
	assert.Equal(t, start, bars[0].Timestamp)
	assert.Equal(t, end, bars[len(bars)-1].Timestamp)
	assert.True(t, bars[0].Close.Equal(model.MustDecimal("10.75")))
	assert.Equal(t, "APP-100:tok", f.auth[0])
}

func TestErrorCodes(t *testing.T) {
	f := &fakeFyers{}
	s := connect(t, f, 5*time.Minute)
	ctx := context.Background()

	_, err := s.OpenStream(ctx, "NSE:NOPE-EQ")
	assert.ErrorIs(t, err, xerr.ErrInvalidSymbol)

	f.mu.Lock()
	f.expired = true
	f.mu.Unlock()
	_, err = s.FetchHistorical(ctx, "SBIN", time.Now().Add(-time.Hour), time.Now())
	assert.ErrorIs(t, err, xerr.ErrSessionLost)

	select {
	case <-s.Done():
	default:
		t.Fatal("expired token should mark the session lost")
	}
}

func TestOpenStream_Polls(t *testing.T) {
	f := &fakeFyers{}
	s := connect(t, f, 24*time.Hour)

	st, err := s.OpenStream(context.Background(), "NSE:SBIN-EQ")
	require.NoError(t, err)
	defer st.Close()

	ev, err := st.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "SBIN", ev.Bar.Symbol)
}

func TestResolution(t *testing.T) {
	assert.Equal(t, "5", Resolution(5*time.Minute))
	assert.Equal(t, "60", Resolution(time.Hour))
	assert.Equal(t, "D", Resolution(24*time.Hour))
	assert.Equal(t, "30S", Resolution(30*time.Second))
}
