package ws

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"klinefeed.com/internal/quotes/fanout"
	"klinefeed.com/internal/quotes/wsmetrics"
	"klinefeed.com/pkg/logger"
	"klinefeed.com/pkg/xerr"
)

// Conn 一个订阅端 websocket，实现 fanout.Transport。
// 写操作串行化；读只在 readPump 里做。
type Conn struct {
	ws   *websocket.Conn
	kind string // venue/topics

	writeWait time.Duration
	pongWait  time.Duration
	readLimit int64

	wmu       sync.Mutex
	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
}

var _ fanout.Transport = (*Conn)(nil)

func newConn(ws *websocket.Conn, kind string, s *Server) *Conn {
	wsmetrics.OnOpen(kind)
	return &Conn{
		ws:        ws,
		kind:      kind,
		writeWait: s.WriteWait,
		pongWait:  s.PongWait,
		readLimit: s.ReadLimit,
		done:      make(chan struct{}),
	}
}

// Send 写一条文本消息；ctx 的 deadline 比 WriteWait 早时用 ctx 的
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(c.writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return xerr.Wrap(xerr.KindTransportSend, "ws send", context.DeadlineExceeded)
		}
		return xerr.Wrap(xerr.KindTransportSend, "ws send", err)
	}
	return nil
}

func (c *Conn) Ping(ctx context.Context) error {
	deadline := time.Now().Add(c.writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
		return xerr.Wrap(xerr.KindTransportSend, "ws ping", err)
	}
	return nil
}

// Close 发 close frame 后关底层连接（幂等）
func (c *Conn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		werr := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeWait))
		if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			logger.Debug(context.Background(), "write close frame failed", zap.Error(werr))
		}
		err = c.ws.Close()
		wsmetrics.OnClose(c.kind, code, reason)
	})
	return err
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) markDone() { c.doneOnce.Do(func() { close(c.done) }) }

// readPump 读到错误（含对端 close、pong 超时）就标记断开
func (c *Conn) readPump(ctx context.Context, onMessage func([]byte)) {
	defer c.markDone()

	c.ws.SetReadLimit(c.readLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error {
		wsmetrics.PongRecvTotal.Inc()
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				logger.Info(ctx, "subscriber read timeout", zap.String("kind", c.kind))
			} else if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug(ctx, "subscriber read error", zap.String("kind", c.kind), zap.Error(err))
			}
			return
		}
		// 任意消息都算活着
		_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
		if onMessage != nil {
			onMessage(b)
		}
	}
}
