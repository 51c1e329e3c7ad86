package binance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"klinefeed.com/internal/quotes/model"
	"klinefeed.com/pkg/xerr"
)

// stream 单 symbol 的 kline websocket
type stream struct {
	c        *websocket.Conn
	interval time.Duration
	readWait time.Duration
	writeMu  sync.Mutex
}

func dialStream(ctx context.Context, cfg Config, symbol string) (*stream, error) {
	url := cfg.WSURL + "/ws/" + streamName(symbol, cfg.Interval)

	c, _, err := cfg.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &xerr.Error{Kind: xerr.KindTransientNetwork, Op: "dial", Venue: Name, Symbol: symbol, Err: err}
	}
	s := &stream{c: c, interval: cfg.Interval, readWait: cfg.ReadTimeout}

	c.SetReadLimit(cfg.ReadLimit)
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(s.readWait))
	})
	// 服务端 ping 必须回 pong，否则会被断开
	c.SetPingHandler(func(appData string) error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		_ = c.SetReadDeadline(time.Now().Add(s.readWait))
		return c.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(cfg.WriteWait))
	})
	return s, nil
}

func (s *stream) Next(ctx context.Context) (model.Event, error) {
	// ReadMessage 不认 ctx，取消时直接关连接把它打断
	stop := context.AfterFunc(ctx, func() { _ = s.c.Close() })
	defer stop()

	for {
		_ = s.c.SetReadDeadline(time.Now().Add(s.readWait))
		_, msg, err := s.c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return model.Event{}, ctx.Err()
			}
			return model.Event{}, xerr.Wrap(xerr.KindTransientNetwork, "read", err)
		}
		ev, err := ParseKlineEvent(msg, s.interval)
		if errors.Is(err, errNotKline) {
			continue
		}
		if err != nil {
			return model.Event{}, xerr.Wrap(xerr.KindUnknown, "parse", err)
		}
		return ev, nil
	}
}

func (s *stream) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return s.c.Close()
}
