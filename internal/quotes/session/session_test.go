package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"klinefeed.com/internal/quotes/fanout"
	"klinefeed.com/internal/quotes/fanout/fanouttest"
	"klinefeed.com/internal/quotes/gapheal"
	"klinefeed.com/internal/quotes/model"
	"klinefeed.com/internal/quotes/store"
	"klinefeed.com/internal/quotes/stream"
	"klinefeed.com/internal/quotes/venue/fakevenue"
	"klinefeed.com/pkg/xerr"
)

const iv = 5 * time.Minute

var t0 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func closed(symbol string, i int, price string) fakevenue.Step {
	return fakevenue.Step{Event: model.Event{Bar: fakevenue.NewBar(symbol, t0.Add(time.Duration(i)*iv), price, "1"), Closed: true}}
}

func testConfig(symbols ...string) Config {
	return Config{
		Symbols:      symbols,
		Fanout:       fanout.Config{Every: 5 * time.Millisecond, SendTimeout: 50 * time.Millisecond, HeartbeatEvery: 5 * time.Millisecond},
		Gap:          gapheal.Config{Lookback: time.Hour},
		Backoff:      stream.Backoff{Base: time.Millisecond, Factor: 2, Attempts: 5},
		DrainTimeout: time.Second,
	}
}

func run(s *Supervisor) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()
	return errc
}

func wait(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not return")
		return nil
	}
}

func TestSupervisor_StreamsAndClosesOnDisconnect(t *testing.T) {
	v := fakevenue.New("binance", iv)
	v.Script("BTCUSDT", closed("BTCUSDT", 0, "100"), closed("BTCUSDT", 1, "101"))
	v.Script("ETHUSDT", closed("ETHUSDT", 0, "5"))
	mem := store.NewMemStore()
	tr := fanouttest.New()

	s := NewSupervisor("s1", Deps{Adapter: v, Store: mem}, testConfig("BTCUSDT", "ETHUSDT"), tr)
	errc := run(s)

	latest := map[string]fanout.BarDTO{}
	require.Eventually(t, func() bool {
		for _, b := range tr.Sent() {
			var batch map[string]fanout.BarDTO
			if json.Unmarshal(b, &batch) == nil {
				for k, dto := range batch {
					latest[k] = dto
				}
			}
		}
		return latest["BTCUSDT"].Close == "101" && latest["ETHUSDT"].Close == "5"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Active, s.State())

	// 实时 bar 落库，补洞也跑过一轮
	require.Eventually(t, func() bool {
		_, ok := findBar(mem, "BTCUSDT", t0.Add(iv))
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, v.HistoryCalls())
	assert.Greater(t, tr.Pings(), 0)

	tr.Disconnect()
	require.NoError(t, wait(t, errc))
	assert.Equal(t, Closed, s.State())
	assert.Equal(t, []fanouttest.Close{{Code: CloseNormal, Reason: "subscriber disconnected"}}, tr.Closes())
	require.Len(t, v.Sessions(), 1)
	assert.Equal(t, 1, v.Sessions()[0].Closed())
}

func findBar(m *store.MemStore, symbol string, ts time.Time) (model.Bar, bool) {
	for _, b := range m.Bars(symbol) {
		if b.Timestamp.Equal(ts) {
			return b, true
		}
	}
	return model.Bar{}, false
}

func TestSupervisor_ConnectFailure(t *testing.T) {
	v := fakevenue.New("ibkr", iv)
	v.FailConnect(xerr.Wrap(xerr.KindSessionLost, "tickle", errors.New("not authenticated")))
	tr := fanouttest.New()

	s := NewSupervisor("s2", Deps{Adapter: v, Store: store.NewMemStore()}, testConfig("AAPL"), tr)
	err := wait(t, run(s))

	assert.ErrorIs(t, err, xerr.ErrSessionLost)
	assert.Equal(t, Closed, s.State())
	require.Len(t, tr.Closes(), 1)
	assert.Equal(t, CloseInternal, tr.Closes()[0].Code)
	assert.Empty(t, v.Sessions())
}

func TestSupervisor_VenueSessionLost(t *testing.T) {
	v := fakevenue.New("fyers", iv)
	tr := fanouttest.New()
	s := NewSupervisor("s3", Deps{Adapter: v, Store: store.NewMemStore()}, testConfig("SBIN"), tr)
	errc := run(s)

	require.Eventually(t, func() bool { return s.State() == Active }, time.Second, time.Millisecond)
	v.Sessions()[0].LoseSession(errors.New("token expired"))

	require.NoError(t, wait(t, errc))
	assert.Equal(t, []fanouttest.Close{{Code: CloseInternal, Reason: ReasonSessionLost}}, tr.Closes())
	assert.Equal(t, 1, v.Sessions()[0].Closed())
}

func TestSupervisor_NoWritesAfterReturn(t *testing.T) {
	v := fakevenue.New("binance", iv)
	steps := []fakevenue.Step{closed("BTCUSDT", 0, "1")}
	for i := 1; i < 500; i++ {
		st := closed("BTCUSDT", i, "1")
		st.Delay = time.Millisecond
		steps = append(steps, st)
	}
	v.Script("BTCUSDT", steps...)
	mem := store.NewMemStore()
	tr := fanouttest.New()
	s := NewSupervisor("s4", Deps{Adapter: v, Store: mem}, testConfig("BTCUSDT"), tr)
	errc := run(s)

	require.Eventually(t, func() bool { return len(tr.Sent()) > 2 }, 2*time.Second, time.Millisecond)
	s.Stop()
	require.NoError(t, wait(t, errc))

	stored, sent := len(mem.Calls()), len(tr.Sent())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stored, len(mem.Calls()), "no store writes after teardown")
	assert.Equal(t, sent, len(tr.Sent()), "no sends after teardown")
	assert.Equal(t, CloseNormal, tr.Closes()[0].Code)
}

func TestSupervisor_DroppedWorkerKeepsSession(t *testing.T) {
	v := fakevenue.New("binance", iv)
	v.FailOpen("NOPE", xerr.Wrap(xerr.KindInvalidSymbol, "klines", errors.New("-1121")))
	v.Script("BTCUSDT", closed("BTCUSDT", 0, "1"), fakevenue.Step{Delay: 30 * time.Millisecond, Event: closed("BTCUSDT", 1, "2").Event})
	tr := fanouttest.New()
	s := NewSupervisor("s5", Deps{Adapter: v, Store: store.NewMemStore()}, testConfig("NOPE", "BTCUSDT"), tr)
	errc := run(s)

	require.Eventually(t, func() bool { return v.Opens("NOPE") == 1 && len(tr.Sent()) >= 2 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, Active, s.State())
	assert.Empty(t, tr.Closes())

	s.Stop()
	require.NoError(t, wait(t, errc))
}

func TestManager_Lifecycle(t *testing.T) {
	v := fakevenue.New("binance", iv)
	mem := store.NewMemStore()
	m := NewManager(context.Background(), func(venue string) (Deps, Config, error) {
		if venue != "binance" {
			return Deps{}, Config{}, ErrUnknownVenue
		}
		return Deps{Adapter: v, Store: mem}, testConfig("BTCUSDT"), nil
	})

	_, err := m.Start("kraken", nil)
	assert.ErrorIs(t, err, ErrUnknownVenue)

	a, err := m.Start("binance", nil)
	require.NoError(t, err)
	b, err := m.Start("binance", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID(), "each start is an independent session")

	require.Eventually(t, func() bool { return len(m.List()) == 2 && a.State() == Active }, time.Second, time.Millisecond)
	info := m.List()[0]
	assert.Equal(t, "binance", info.Venue)
	assert.False(t, info.Subscriber)
	assert.Equal(t, []string{"BTCUSDT"}, info.Symbols)

	assert.True(t, m.Stop(a.ID()))
	<-a.Done()
	require.Eventually(t, func() bool { return len(m.List()) == 1 }, time.Second, time.Millisecond)
	assert.False(t, m.Stop("missing"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.StopAll(ctx))
	assert.Empty(t, m.List())
	assert.Equal(t, Closed, b.State())
}

// panicSend 每次 Send 都 panic，Ping 正常
type panicSend struct {
	*fanouttest.Transport
}

func (p panicSend) Send(context.Context, []byte) error { panic("encoder blew up") }

func TestSupervisor_FailedTaskTearsDown(t *testing.T) {
	v := fakevenue.New("binance", iv)
	v.Script("BTCUSDT", closed("BTCUSDT", 0, "100"))
	tr := fanouttest.New()

	s := NewSupervisor("s-fail", Deps{Adapter: v, Store: store.NewMemStore()}, testConfig("BTCUSDT"), panicSend{tr})
	require.NoError(t, wait(t, run(s)))

	assert.Equal(t, Closed, s.State())
	assert.Equal(t, []fanouttest.Close{{Code: CloseInternal, Reason: ReasonTaskFailed}}, tr.Closes())
	require.Len(t, v.Sessions(), 1)
	assert.Equal(t, 1, v.Sessions()[0].Closed())
}

func TestManager_RejectsAfterStopAll(t *testing.T) {
	v := fakevenue.New("binance", iv)
	mem := store.NewMemStore()
	m := NewManager(context.Background(), func(string) (Deps, Config, error) {
		return Deps{Adapter: v, Store: mem}, testConfig("BTCUSDT"), nil
	})

	// StopAll 和并发 Start 交错：要么被拒，要么被等到退出
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Start("binance", nil); err != nil {
				assert.ErrorIs(t, err, ErrClosed)
			}
		}()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, m.StopAll(ctx))
	wg.Wait()
	require.NoError(t, m.StopAll(ctx))
	assert.Empty(t, m.List())

	_, err := m.Start("binance", nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.Serve("binance", fanouttest.New()), ErrClosed)
}
