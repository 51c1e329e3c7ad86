package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"klinefeed.com/internal/quotes/model"
	"klinefeed.com/internal/quotes/venue/fakevenue"
	"klinefeed.com/pkg/xerr"
)

var t0 = time.Date(2025, 2, 3, 10, 0, 0, 0, time.UTC)

type recorder struct {
	mu        sync.Mutex
	puts      []model.Bar
	submits   []model.Bar
	published []model.Bar
}

func (r *recorder) Put(b model.Bar) {
	r.mu.Lock()
	r.puts = append(r.puts, b)
	r.mu.Unlock()
}

func (r *recorder) Submit(bars ...model.Bar) bool {
	r.mu.Lock()
	r.submits = append(r.submits, bars...)
	r.mu.Unlock()
	return true
}

func (r *recorder) PublishBar(ctx context.Context, venue string, b model.Bar) {
	r.mu.Lock()
	r.published = append(r.published, b)
	r.mu.Unlock()
}

func (r *recorder) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.puts), len(r.submits), len(r.published)
}

var fastBackoff = Backoff{Base: time.Millisecond, Factor: 2, Attempts: 5}

func newWorker(t *testing.T, v *fakevenue.Venue, symbol string) (*Worker, *recorder) {
	t.Helper()
	sess, err := v.Connect(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	rec := &recorder{}
	return &Worker{
		Venue:     v.Name(),
		Symbol:    symbol,
		Session:   sess,
		Buffer:    rec,
		Writer:    rec,
		Publisher: rec,
		Backoff:   fastBackoff,
	}, rec
}

func ev(ts time.Time, price, vol string, closed bool) fakevenue.Step {
	return fakevenue.Step{Event: model.Event{Bar: fakevenue.NewBar("BTCUSDT", ts, price, vol), Closed: closed}}
}

func runUntil(t *testing.T, w *Worker, cond func() bool) State {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan State, 1)
	go func() { done <- w.Run(ctx) }()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
	cancel()
	select {
	case s := <-done:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
		return Connecting
	}
}

func TestWorker_OnlyClosedAndDeduped(t *testing.T) {
	v := fakevenue.New("binance", 5*time.Minute)
	v.Script("BTCUSDT",
		ev(t0, "100", "1", false),
		ev(t0, "100", "2", false),
		ev(t0, "100", "3", false),
		ev(t0, "100", "4", true),
		ev(t0, "100", "4", true), // 重复推送
		ev(t0.Add(5*time.Minute), "101", "1", true),
	)
	w, rec := newWorker(t, v, "BTCUSDT")

	st := runUntil(t, w, func() bool { p, _, _ := rec.counts(); return p == 2 })
	assert.Equal(t, Cancelled, st)

	puts, submits, pubs := rec.counts()
	assert.Equal(t, 2, puts)
	assert.Equal(t, 2, submits)
	assert.Equal(t, 2, pubs)
	assert.True(t, rec.puts[0].Volume.Equal(model.MustDecimal("4")))
	assert.Equal(t, t0.Add(5*time.Minute), rec.puts[1].Timestamp)
}

func TestWorker_DedupeSurvivesReconnect(t *testing.T) {
	v := fakevenue.New("binance", 5*time.Minute)
	v.Script("BTCUSDT", ev(t0, "100", "4", true), fakevenue.Step{Err: xerr.ErrTransientNetwork})
	// 重连后交易所会把最后一根再推一次
	v.Script("BTCUSDT", ev(t0, "100", "4", true), ev(t0.Add(5*time.Minute), "102", "1", true))
	w, rec := newWorker(t, v, "BTCUSDT")

	runUntil(t, w, func() bool { p, _, _ := rec.counts(); return p == 2 })
	assert.Equal(t, 2, v.Opens("BTCUSDT"))
	assert.Equal(t, t0.Add(5*time.Minute), rec.puts[1].Timestamp)
}

func TestWorker_TransientRetriesThenDrops(t *testing.T) {
	v := fakevenue.New("binance", 5*time.Minute)
	errs := make([]error, 6)
	for i := range errs {
		errs[i] = xerr.Wrap(xerr.KindTransientNetwork, "dial", errors.New("connection reset"))
	}
	v.FailOpen("BTCUSDT", errs...)
	w, _ := newWorker(t, v, "BTCUSDT")

	var states []State
	w.OnState = func(s State) { states = append(states, s) }
	st := w.Run(context.Background())

	assert.Equal(t, Dropped, st)
	assert.Equal(t, 6, v.Opens("BTCUSDT"), "first try plus 5 retries")
	retries := 0
	for _, s := range states {
		if s == Retrying {
			retries++
		}
	}
	assert.Equal(t, 5, retries)
}

func TestWorker_InvalidSymbolDropsImmediately(t *testing.T) {
	v := fakevenue.New("binance", 5*time.Minute)
	v.FailOpen("NOPE", xerr.Wrap(xerr.KindInvalidSymbol, "klines", errors.New("-1121")))
	w, _ := newWorker(t, v, "NOPE")

	assert.Equal(t, Dropped, w.Run(context.Background()))
	assert.Equal(t, 1, v.Opens("NOPE"))
}

func TestWorker_SecondUnknownDrops(t *testing.T) {
	v := fakevenue.New("binance", 5*time.Minute)
	v.FailOpen("BTCUSDT", errors.New("weird"), errors.New("weird again"))
	w, _ := newWorker(t, v, "BTCUSDT")

	assert.Equal(t, Dropped, w.Run(context.Background()))
	assert.Equal(t, 2, v.Opens("BTCUSDT"))
}

func TestWorker_AttemptsResetAfterDelivery(t *testing.T) {
	v := fakevenue.New("binance", 5*time.Minute)
	// 每次重连都能收到一根再断，永远不会耗尽重试
	for i := 0; i < 8; i++ {
		v.Script("BTCUSDT",
			ev(t0.Add(time.Duration(i)*5*time.Minute), "100", "1", true),
			fakevenue.Step{Err: xerr.ErrTransientNetwork},
		)
	}
	w, rec := newWorker(t, v, "BTCUSDT")

	st := runUntil(t, w, func() bool { p, _, _ := rec.counts(); return p == 8 })
	assert.Equal(t, Cancelled, st)
	assert.GreaterOrEqual(t, v.Opens("BTCUSDT"), 8)
}

func TestWorker_CancelStopsWrites(t *testing.T) {
	v := fakevenue.New("binance", 5*time.Minute)
	v.Script("BTCUSDT",
		ev(t0, "100", "1", true),
		fakevenue.Step{Delay: time.Hour, Event: model.Event{Bar: fakevenue.NewBar("BTCUSDT", t0.Add(5*time.Minute), "1", "1"), Closed: true}},
	)
	w, rec := newWorker(t, v, "BTCUSDT")

	start := time.Now()
	st := runUntil(t, w, func() bool { p, _, _ := rec.counts(); return p == 1 })
	assert.Equal(t, Cancelled, st)
	assert.Less(t, time.Since(start), time.Second)

	time.Sleep(10 * time.Millisecond)
	puts, submits, _ := rec.counts()
	assert.Equal(t, 1, puts)
	assert.Equal(t, 1, submits)
}

func TestBackoff_Delay(t *testing.T) {
	var got []time.Duration
	for i := 1; i <= DefaultBackoff.Attempts; i++ {
		got = append(got, DefaultBackoff.Delay(i))
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}, got)
}
