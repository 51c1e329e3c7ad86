// Package ws 订阅端 websocket：/ws/:venue 每个连接一个订阅会话，/ws/topics 是基于 broker 的 topic 转发。
package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"klinefeed.com/internal/quotes/fanout"
	"klinefeed.com/internal/quotes/session"
	"klinefeed.com/pkg/logger"
	"klinefeed.com/pkg/safe"
)

type Server struct {
	Upgrader websocket.Upgrader
	Sessions *session.Manager
	Hub      *Hub
	// Known 升级前判断 venue 是否存在，不存在直接 404
	Known func(venue string) bool
	// topic relay 的推送参数
	Fanout fanout.Config

	PongWait  time.Duration
	WriteWait time.Duration
	ReadLimit int64

	ctx context.Context
}

func NewServer(ctx context.Context, sessions *session.Manager, hub *Hub, known func(string) bool) *Server {
	return &Server{
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true }, // 跨域由 http 层 cors 处理
		},
		Sessions:  sessions,
		Hub:       hub,
		Known:     known,
		PongWait:  60 * time.Second,
		WriteWait: 5 * time.Second,
		ReadLimit: 4 << 10,
		ctx:       ctx,
	}
}

// ServeVenue 一个连接对应一个订阅会话，会话结束（含 venue 断开）时由 supervisor 关连接
func (s *Server) ServeVenue(w http.ResponseWriter, r *http.Request, venue string) {
	if s.Known != nil && !s.Known(venue) {
		http.Error(w, "unknown venue", http.StatusNotFound)
		return
	}
	wsConn, err := s.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn(r.Context(), "ws upgrade failed", zap.Error(err))
		return
	}
	ctx := s.ctx
	c := newConn(wsConn, "venue", s)
	safe.GoCtx(ctx, func(ctx context.Context) { c.readPump(ctx, nil) })

	if err := s.Sessions.Serve(venue, c); err != nil {
		if errors.Is(err, session.ErrUnknownVenue) {
			_ = c.Close(websocket.ClosePolicyViolation, "unknown venue")
			return
		}
		if errors.Is(err, session.ErrClosed) {
			_ = c.Close(websocket.CloseGoingAway, "server shutting down")
			return
		}
		logger.Error(ctx, "session build failed", zap.String("venue", venue), zap.Error(err))
		_ = c.Close(websocket.CloseInternalServerErr, "session build failed")
	}
}

// ServeTopics topic relay：订阅 broker topic，latest-only 合并推送
func (s *Server) ServeTopics(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn(r.Context(), "ws upgrade failed", zap.Error(err))
		return
	}
	ctx := s.ctx
	c := newConn(wsConn, "topics", s)
	rl := newRelay(s.Hub, c, s.Fanout)
	safe.GoCtx(ctx, func(ctx context.Context) {
		c.readPump(ctx, func(b []byte) { rl.handle(ctx, b) })
	})

	code, reason := rl.run(ctx)
	_ = c.Close(code, reason)
}
