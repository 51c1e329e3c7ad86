package binance

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
	"klinefeed.com/internal/quotes/model"
	"klinefeed.com/internal/quotes/venue"
	"klinefeed.com/pkg/ratelimit"
	"klinefeed.com/pkg/xerr"
)

const (
	Name = "binance"

	codeInvalidSymbol = -1121
	codeTooMany       = -1003
	pageLimit         = 1000
)

type Config struct {
	APIKey    string
	SecretKey string
	BaseURL   string // REST，默认 https://api.binance.com
	WSURL     string // 默认 wss://stream.binance.com:9443
	Interval  time.Duration

	RPS   float64
	Burst int

	KeepAlive      time.Duration // PingService 探活周期，0 关闭
	KeepAliveFails int
	ReadTimeout    time.Duration // 单条消息读超时
	WriteWait      time.Duration
	ReadLimit      int64

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Breakers   *ratelimit.Manager
}

type Adapter struct {
	cfg     Config
	limiter *ratelimit.Store
}

var _ venue.Adapter = (*Adapter)(nil)

func New(cfg Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.binance.com"
	}
	if cfg.WSURL == "" {
		cfg.WSURL = "wss://stream.binance.com:9443"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 10
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 2 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Adapter{
		cfg:     cfg,
		limiter: ratelimit.NewStore(rate.Limit(cfg.RPS), max(cfg.Burst, 1), 0),
	}
}

func (a *Adapter) Name() string            { return Name }
func (a *Adapter) Interval() time.Duration { return a.cfg.Interval }

func (a *Adapter) Connect(ctx context.Context) (venue.Session, error) {
	client := gobinance.NewClient(a.cfg.APIKey, a.cfg.SecretKey)
	client.BaseURL = a.cfg.BaseURL
	if a.cfg.HTTPClient != nil {
		client.HTTPClient = a.cfg.HTTPClient
	}
	s := &session{
		cfg:    a.cfg,
		client: client,
		guard:  &venue.Guard{Venue: Name, Limiter: a.limiter, Breakers: a.cfg.Breakers},
	}
	// 先 ping 一次，连不上直接失败，不进入 Active
	if err := s.ping(ctx); err != nil {
		return nil, err
	}
	s.Watchdog = venue.StartWatchdog(ctx, Name, a.cfg.KeepAlive, a.cfg.KeepAliveFails, s.ping)
	return s, nil
}

type session struct {
	*venue.Watchdog
	cfg    Config
	client *gobinance.Client
	guard  *venue.Guard

	validated sync.Map // symbol -> struct{}
}

func (s *session) ping(ctx context.Context) error {
	return s.guard.Do(ctx, "ping", func(ctx context.Context) error {
		return mapErr(s.client.NewPingService().Do(ctx))
	})
}

func (s *session) OpenStream(ctx context.Context, symbol string) (venue.Stream, error) {
	symbol = NormalizeSymbol(symbol)
	// ws 订阅不存在的 symbol 只会一直没数据，先用 REST 校验一次
	if _, ok := s.validated.Load(symbol); !ok {
		if _, err := s.klines(ctx, symbol, 0, 0, 1); err != nil {
			return nil, xerr.WithSymbol(err, Name, symbol)
		}
		s.validated.Store(symbol, struct{}{})
	}
	return dialStream(ctx, s.cfg, symbol)
}

// FetchHistorical 每页 1000 根，start = 上一页最后 open + 1ms 往后翻
func (s *session) FetchHistorical(ctx context.Context, symbol string, start, end time.Time) ([]model.Bar, error) {
	symbol = NormalizeSymbol(symbol)
	from, to := start.UnixMilli(), end.UnixMilli()
	var out []model.Bar
	for from <= to {
		page, err := s.klines(ctx, symbol, from, to, pageLimit)
		if err != nil {
			return nil, xerr.WithSymbol(err, Name, symbol)
		}
		for _, k := range page {
			bar, err := barFromKline(symbol, k, s.cfg.Interval)
			if err != nil {
				return nil, xerr.WithSymbol(xerr.Wrap(xerr.KindUnknown, "klines", err), Name, symbol)
			}
			out = append(out, bar)
		}
		if len(page) < pageLimit {
			break
		}
		from = page[len(page)-1].OpenTime + 1
	}
	return out, nil
}

func (s *session) klines(ctx context.Context, symbol string, from, to int64, limit int) ([]*gobinance.Kline, error) {
	var page []*gobinance.Kline
	err := s.guard.Do(ctx, "klines", func(ctx context.Context) error {
		svc := s.client.NewKlinesService().
			Symbol(symbol).
			Interval(model.IntervalKey(s.cfg.Interval)).
			Limit(limit)
		if from > 0 {
			svc = svc.StartTime(from)
		}
		if to > 0 {
			svc = svc.EndTime(to)
		}
		var err error
		page, err = svc.Do(ctx)
		return mapErr(err)
	})
	return page, err
}

func (s *session) Close() error {
	s.Stop()
	s.client.HTTPClient.CloseIdleConnections()
	return nil
}

// mapErr binance 错误码 -> 错误分类
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case codeInvalidSymbol:
			return xerr.Wrap(xerr.KindInvalidSymbol, "binance", err)
		case codeTooMany:
			return xerr.Wrap(xerr.KindRateLimited, "binance", err)
		}
		return xerr.Wrap(xerr.KindUnknown, "binance", err)
	}
	if k := xerr.KindOf(err); k != xerr.KindUnknown {
		return xerr.Wrap(k, "binance", err)
	}
	// REST 请求本身失败（DNS、连接被拒）
	return xerr.Wrap(xerr.KindTransientNetwork, "binance", err)
}
