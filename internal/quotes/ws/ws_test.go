package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"klinefeed.com/internal/quotes/fanout"
	"klinefeed.com/internal/quotes/gapheal"
	"klinefeed.com/internal/quotes/gateway"
	"klinefeed.com/internal/quotes/model"
	"klinefeed.com/internal/quotes/session"
	"klinefeed.com/internal/quotes/store"
	"klinefeed.com/internal/quotes/stream"
	"klinefeed.com/internal/quotes/venue/fakevenue"
)

var t0 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

type env struct {
	venue   *fakevenue.Venue
	broker  *gateway.MemBroker
	manager *session.Manager
	hub     *Hub
	srv     *httptest.Server
	wsURL   string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	e := &env{venue: fakevenue.New("binance", 5*time.Minute), broker: gateway.NewMemBroker()}
	gw := gateway.NewGateway(e.broker)
	fcfg := fanout.Config{Every: 5 * time.Millisecond, SendTimeout: 100 * time.Millisecond, HeartbeatEvery: 20 * time.Millisecond}
	e.manager = session.NewManager(ctx, func(venue string) (session.Deps, session.Config, error) {
		if venue != "binance" {
			return session.Deps{}, session.Config{}, session.ErrUnknownVenue
		}
		return session.Deps{Adapter: e.venue, Store: store.NewMemStore(), Publisher: gw},
			session.Config{
				Symbols:      []string{"BTCUSDT"},
				Fanout:       fcfg,
				Gap:          gapheal.Config{Lookback: time.Hour},
				Backoff:      stream.Backoff{Base: time.Millisecond, Factor: 2, Attempts: 5},
				DrainTimeout: time.Second,
			}, nil
	})

	e.hub = NewHub()
	go func() { _ = Bridge(ctx, e.hub, e.broker) }()

	s := NewServer(ctx, e.manager, e.hub, func(v string) bool { return v == "binance" })
	s.Fanout = fcfg
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/ws/topics":
			s.ServeTopics(w, r)
		case strings.HasPrefix(r.URL.Path, "/ws/"):
			s.ServeVenue(w, r, strings.TrimPrefix(r.URL.Path, "/ws/"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(e.srv.Close)
	e.wsURL = "ws" + strings.TrimPrefix(e.srv.URL, "http")
	return e
}

func closedStep(symbol string, i int, price string) fakevenue.Step {
	return fakevenue.Step{Event: model.Event{Bar: fakevenue.NewBar(symbol, t0.Add(time.Duration(i)*5*time.Minute), price, "1"), Closed: true}}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return c
}

// readUntil 读文本消息直到 fn 返回 true
func readUntil(t *testing.T, c *websocket.Conn, fn func([]byte) bool) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, msg, err := c.ReadMessage()
		require.NoError(t, err)
		if fn(msg) {
			return
		}
	}
}

func TestServeVenue_StreamsBatches(t *testing.T) {
	e := newEnv(t)
	e.venue.Script("BTCUSDT", closedStep("BTCUSDT", 0, "100"), closedStep("BTCUSDT", 1, "101"))

	c := dial(t, e.wsURL+"/ws/binance")
	readUntil(t, c, func(b []byte) bool {
		var batch map[string]fanout.BarDTO
		return json.Unmarshal(b, &batch) == nil && batch["BTCUSDT"].Close == "101"
	})
	require.Len(t, e.manager.List(), 1)
	assert.True(t, e.manager.List()[0].Subscriber)

	// 客户端断开，会话跟着结束
	require.NoError(t, c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = c.Close()
	require.Eventually(t, func() bool { return len(e.manager.List()) == 0 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, e.venue.Sessions()[0].Closed())
}

func TestServeVenue_SessionLostSendsCloseFrame(t *testing.T) {
	e := newEnv(t)
	c := dial(t, e.wsURL+"/ws/binance")
	defer c.Close()

	require.Eventually(t, func() bool { return len(e.venue.Sessions()) == 1 }, time.Second, time.Millisecond)
	e.venue.Sessions()[0].LoseSession(errors.New("stream reset"))

	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ce *websocket.CloseError
	for {
		_, _, err := c.ReadMessage()
		if err != nil {
			require.ErrorAs(t, err, &ce)
			break
		}
	}
	assert.Equal(t, websocket.CloseInternalServerErr, ce.Code)
	assert.Equal(t, session.ReasonSessionLost, ce.Text)
}

func TestServeVenue_UnknownVenue(t *testing.T) {
	e := newEnv(t)
	_, resp, err := websocket.DefaultDialer.Dial(e.wsURL+"/ws/kraken", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServeTopics_SubscribeReplayAndUnsub(t *testing.T) {
	e := newEnv(t)
	gw := gateway.NewGateway(e.broker)
	ctx := context.Background()

	// 先发一根，订阅时应回放快照
	require.Eventually(t, func() bool {
		gw.PublishBar(ctx, "binance", fakevenue.NewBar("BTCUSDT", t0, "100", "1"))
		_, ok := e.hub.Snapshot("kline.binance.BTCUSDT")
		return ok
	}, time.Second, 5*time.Millisecond)

	c := dial(t, e.wsURL+"/ws/topics")
	defer c.Close()

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"sub","topics":["kline.binance.*"]}`)))
	var acked, replayed bool
	readUntil(t, c, func(b []byte) bool {
		var m ServerMsg
		if json.Unmarshal(b, &m) == nil && m.Type == "ack" && m.Op == "sub" {
			acked = true
		}
		var batch map[string]fanout.BarDTO
		if json.Unmarshal(b, &batch) == nil && batch["kline.binance.BTCUSDT"].Close == "100" {
			replayed = true
		}
		return acked && replayed
	})

	gw.PublishBar(ctx, "binance", fakevenue.NewBar("ETHUSDT", t0, "5", "1"))
	gw.PublishBar(ctx, "fyers", fakevenue.NewBar("SBIN", t0, "800", "1"))
	readUntil(t, c, func(b []byte) bool {
		var batch map[string]fanout.BarDTO
		if json.Unmarshal(b, &batch) != nil {
			return false
		}
		_, other := batch["kline.fyers.SBIN"]
		assert.False(t, other, "unsubscribed venue must not be relayed")
		return batch["kline.binance.ETHUSDT"].Close == "5"
	})

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"unsub","topics":["kline.binance.*"]}`)))
	readUntil(t, c, func(b []byte) bool {
		var m ServerMsg
		return json.Unmarshal(b, &m) == nil && m.Type == "ack" && m.Op == "unsub"
	})

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"sub","topics":["kline..x"]}`)))
	readUntil(t, c, func(b []byte) bool {
		var m ServerMsg
		return json.Unmarshal(b, &m) == nil && m.Type == "error" && strings.Contains(m.Error, "invalid topic")
	})
}

type recorder struct{ got map[string]string }

func (r *recorder) Offer(topic string, payload []byte) { r.got[topic] = string(payload) }

func TestHub_MatchAndSnapshot(t *testing.T) {
	h := NewHub()
	h.Publish("kline.ibkr.AAPL", []byte("a"))

	r := &recorder{got: map[string]string{}}
	h.Subscribe(r, []string{"kline.ibkr.>"})
	assert.Equal(t, "a", r.got["kline.ibkr.AAPL"])

	h.Publish("kline.ibkr.MSFT", []byte("m"))
	h.Publish("kline.binance.BTCUSDT", []byte("b"))
	assert.Equal(t, "m", r.got["kline.ibkr.MSFT"])
	assert.NotContains(t, r.got, "kline.binance.BTCUSDT")

	h.RemoveConn(r)
	h.Publish("kline.ibkr.TSLA", []byte("t"))
	assert.NotContains(t, r.got, "kline.ibkr.TSLA")
	assert.Empty(t, h.Topics(r))
}
