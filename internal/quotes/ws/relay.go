package ws

import (
	"context"
	"time"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"klinefeed.com/internal/quotes/fanout"
	"klinefeed.com/internal/quotes/gateway"
	"klinefeed.com/internal/quotes/wsmetrics"
	"klinefeed.com/pkg/logger"
)

const maxTopics = 256

// relay 一个 topic 订阅连接：hub 的更新先进 latest-only buffer，再按窗口整批推送
type relay struct {
	hub  *Hub
	conn *Conn
	buf  *fanout.Buffer[json.RawMessage]
	cfg  fanout.Config
}

func newRelay(h *Hub, c *Conn, cfg fanout.Config) *relay {
	return &relay{hub: h, conn: c, buf: fanout.NewBuffer[json.RawMessage](), cfg: cfg}
}

func (r *relay) Offer(topic string, payload []byte) {
	r.buf.Set(topic, json.RawMessage(payload))
}

// handle 处理上行 sub/unsub；在 readPump 里调用
func (r *relay) handle(ctx context.Context, b []byte) {
	var msg ClientMsg
	if err := json.Unmarshal(b, &msg); err != nil {
		r.reply(ctx, ServerMsg{Type: "error", Error: "invalid message"})
		return
	}
	for _, t := range msg.Topics {
		if !gateway.ValidTopic(t) {
			r.reply(ctx, ServerMsg{Type: "error", Op: msg.Type, Error: "invalid topic: " + t})
			return
		}
	}
	switch msg.Type {
	case "sub":
		if len(r.hub.Topics(r))+len(msg.Topics) > maxTopics {
			r.reply(ctx, ServerMsg{Type: "error", Op: msg.Type, Error: "too many topics"})
			return
		}
		r.hub.Subscribe(r, msg.Topics)
	case "unsub":
		r.hub.Unsubscribe(r, msg.Topics)
	default:
		r.reply(ctx, ServerMsg{Type: "error", Error: "unknown type: " + msg.Type})
		return
	}
	wsmetrics.SubOpsTotal.WithLabelValues(msg.Type).Inc()
	logger.Debug(ctx, "topic relay "+msg.Type, zap.Strings("topics", msg.Topics))
	r.reply(ctx, ServerMsg{Type: "ack", Op: msg.Type, Topics: msg.Topics})
}

func (r *relay) reply(ctx context.Context, m ServerMsg) {
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout+time.Second)
	defer cancel()
	if err := r.conn.Send(sctx, b); err != nil {
		logger.Debug(ctx, "relay reply failed", zap.Error(err))
	}
}

// run 推送 + 心跳，直到 ctx 结束或对端断开；返回 close reason
func (r *relay) run(ctx context.Context) (int, string) {
	defer r.hub.RemoveConn(r)

	scope, cancel := context.WithCancel(ctx)
	defer cancel()
	f := fanout.New(r.buf, r.conn, r.cfg)
	var g errgroup.Group
	g.Go(func() error { return f.Run(scope) })
	g.Go(func() error { return f.Heartbeat(scope) })

	code, reason := 1000, "subscriber disconnected"
	select {
	case <-ctx.Done():
		code, reason = 1001, "server shutting down"
	case <-r.conn.Done():
	}
	cancel()
	_ = g.Wait()
	return code, reason
}
