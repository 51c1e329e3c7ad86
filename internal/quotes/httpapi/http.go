// Package httpapi quotes-service 的 HTTP 入口：会话触发/查询、最新 bar、订阅端 websocket
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprom "github.com/zsais/go-gin-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"
	"klinefeed.com/internal/quotes/session"
	"klinefeed.com/internal/quotes/store"
	"klinefeed.com/internal/quotes/ws"
	"klinefeed.com/pkg/middleware"
	"klinefeed.com/pkg/ratelimit"
)

type Deps struct {
	Sessions *session.Manager
	WS       *ws.Server
	// Store 按 venue 取主存储
	Store func(venue string) (store.Store, bool)
	// Venues 已启用的 venue
	Venues func() []string
}

type Options struct {
	Service string
	Rate    float64 // 每 IP+路由 每秒
	Burst   int
}

func NewRouter(ctx context.Context, d Deps, opt Options) *gin.Engine {
	if opt.Service == "" {
		opt.Service = "quotes-service"
	}
	if opt.Rate <= 0 {
		opt.Rate = 50
	}
	// 限流
	limits := ratelimit.NewStore(rate.Limit(opt.Rate), opt.Burst, 10*time.Minute)
	limits.StartJanitor(ctx, time.Minute)

	r := gin.New()
	// 监控，/metrics 由 ginprom 暴露
	p := ginprom.NewPrometheus("quotes")
	p.Use(r)
	r.Use(
		otelgin.Middleware(opt.Service),
		middleware.ReqId(),
		cors.Default(),
		middleware.Recover(),
		middleware.RateLimit(limits),
	)

	h := &handler{d: d}
	r.GET("/", h.Root)
	r.GET("/healthz", h.Health)

	api := r.Group("/api")
	{
		api.POST("/start/:venue", h.Start)
		api.GET("/sessions", h.Sessions)
		api.DELETE("/sessions/:id", h.StopSession)
		api.GET("/bars/:venue/:symbol", h.Bars)
		api.GET("/bars/:venue/:symbol/latest", h.Latest)
	}
	r.GET("/ws/:venue", h.WS)
	return r
}

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}
