// Package fyers NSE/BSE 券商行情：历史走 /data/history，实时用轮询同一个接口。
package fyers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
	"klinefeed.com/internal/quotes/model"
	"klinefeed.com/internal/quotes/venue"
	"klinefeed.com/pkg/ratelimit"
	"klinefeed.com/pkg/xerr"
)

const (
	Name = "fyers"

	maxChunk = 100 * 24 * time.Hour

	codeInvalidInput = -300
	codeRateLimited  = -429
)

// token 失效相关错误码，会话需要重新登录
var authCodes = map[int]bool{-8: true, -15: true, -16: true, -17: true}

type Config struct {
	BaseURL     string // 默认 https://api-t1.fyers.in
	ClientID    string
	AccessToken string
	Exchange    string // 裸 symbol 补前缀，默认 NSE
	Series      string // 裸 symbol 补后缀，默认 -EQ
	Interval    time.Duration

	ChunkPause time.Duration // 历史分段之间的停顿
	PollEvery  time.Duration

	RPS   float64
	Burst int

	KeepAlive      time.Duration
	KeepAliveFails int

	HTTPClient *http.Client
	Breakers   *ratelimit.Manager
}

type Adapter struct {
	cfg     Config
	limiter *ratelimit.Store
}

var _ venue.Adapter = (*Adapter)(nil)

func New(cfg Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api-t1.fyers.in"
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "NSE"
	}
	if cfg.Series == "" {
		cfg.Series = "-EQ"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 5
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Adapter{
		cfg:     cfg,
		limiter: ratelimit.NewStore(rate.Limit(cfg.RPS), max(cfg.Burst, 1), 0),
	}
}

func (a *Adapter) Name() string            { return Name }
func (a *Adapter) Interval() time.Duration { return a.cfg.Interval }

func (a *Adapter) Connect(ctx context.Context) (venue.Session, error) {
	s := &session{
		cfg:   a.cfg,
		guard: &venue.Guard{Venue: Name, Limiter: a.limiter, Breakers: a.cfg.Breakers},
	}
	if err := s.profile(ctx); err != nil {
		return nil, err
	}
	s.Watchdog = venue.StartWatchdog(ctx, Name, a.cfg.KeepAlive, a.cfg.KeepAliveFails, s.profile)
	return s, nil
}

type session struct {
	*venue.Watchdog
	cfg   Config
	guard *venue.Guard
}

type apiResp struct {
	S       string      `json:"s"`
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Candles [][]float64 `json:"candles"`
}

func (s *session) profile(ctx context.Context) error {
	return s.call(ctx, "profile", "/api/v3/profile", nil, &apiResp{})
}

func (s *session) OpenStream(ctx context.Context, symbol string) (venue.Stream, error) {
	// 先拉一次最近区间，确认 symbol 有效
	now := time.Now()
	if _, err := s.history(ctx, symbol, now.Add(-2*s.cfg.Interval), now); err != nil {
		return nil, err
	}
	return venue.NewPollStream(symbol, s.cfg.Interval, s.cfg.PollEvery, s.history), nil
}

// FetchHistorical 单次请求最多 100 天，分段往后拉，段之间停顿 ChunkPause
func (s *session) FetchHistorical(ctx context.Context, symbol string, start, end time.Time) ([]model.Bar, error) {
	var out []model.Bar
	for from := start; !from.After(end); {
		to := from.Add(maxChunk)
		if to.After(end) {
			to = end
		}
		bars, err := s.history(ctx, symbol, from, to)
		if err != nil {
			return nil, err
		}
		out = append(out, bars...)

		from = to.Add(time.Second)
		if !from.After(end) && s.cfg.ChunkPause > 0 {
			t := time.NewTimer(s.cfg.ChunkPause)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}
	}
	return out, nil
}

func (s *session) history(ctx context.Context, symbol string, from, to time.Time) ([]model.Bar, error) {
	q := url.Values{}
	q.Set("symbol", s.venueSymbol(symbol))
	q.Set("resolution", Resolution(s.cfg.Interval))
	q.Set("date_format", "0")
	q.Set("range_from", strconv.FormatInt(from.Unix(), 10))
	q.Set("range_to", strconv.FormatInt(to.Unix(), 10))
	q.Set("cont_flag", "1")

	var resp apiResp
	if err := s.call(ctx, "history", "/data/history", q, &resp); err != nil {
		return nil, xerr.WithSymbol(err, Name, symbol)
	}
	canon := model.NormalizeSymbol(symbol)
	bars := make([]model.Bar, 0, len(resp.Candles))
	for _, c := range resp.Candles {
		bar, err := candleToBar(canon, c, s.cfg.Interval)
		if err != nil {
			return nil, xerr.WithSymbol(xerr.Wrap(xerr.KindUnknown, "history", err), Name, symbol)
		}
		// 接口按天对齐返回，区间外的丢掉，分段边界不重复
		if bar.Timestamp.Before(from) || bar.Timestamp.After(to) {
			continue
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func (s *session) call(ctx context.Context, op, path string, q url.Values, out *apiResp) error {
	return s.guard.Do(ctx, op, func(ctx context.Context) error {
		u := s.cfg.BaseURL + path
		if len(q) > 0 {
			u += "?" + q.Encode()
		}
		req, err := http.NewRequest(http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", s.cfg.ClientID+":"+s.cfg.AccessToken)
		if err := venue.DoJSON(ctx, s.cfg.HTTPClient, req, out); err != nil {
			return err
		}
		if out.S == "ok" || out.S == "no_data" {
			return nil
		}
		return s.apiErr(op, out)
	})
}

func (s *session) apiErr(op string, r *apiResp) error {
	err := fmt.Errorf("fyers %d: %s", r.Code, r.Message)
	switch {
	case r.Code == codeInvalidInput:
		return xerr.Wrap(xerr.KindInvalidSymbol, op, err)
	case r.Code == codeRateLimited:
		return xerr.Wrap(xerr.KindRateLimited, op, err)
	case authCodes[r.Code]:
		// token 过期，后面的请求都不会成功
		if s.Watchdog != nil {
			s.MarkLost(err)
		}
		return xerr.Wrap(xerr.KindSessionLost, op, err)
	}
	return xerr.Wrap(xerr.KindUnknown, op, err)
}

// venueSymbol ICICIBANK -> NSE:ICICIBANK-EQ；已带交易所前缀的原样使用
func (s *session) venueSymbol(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if strings.Contains(symbol, ":") {
		return symbol
	}
	return s.cfg.Exchange + ":" + symbol + s.cfg.Series
}

func (s *session) Close() error {
	s.Stop()
	return nil
}

// candleToBar [epoch秒, o, h, l, c, v]
func candleToBar(symbol string, c []float64, interval time.Duration) (model.Bar, error) {
	if len(c) < 6 {
		return model.Bar{}, fmt.Errorf("short candle: %v", c)
	}
	bar := model.Bar{
		Symbol:    symbol,
		Timestamp: model.Truncate(time.Unix(int64(c[0]), 0), interval),
		Open:      decimal.NewFromFloat(c[1]),
		High:      decimal.NewFromFloat(c[2]),
		Low:       decimal.NewFromFloat(c[3]),
		Close:     decimal.NewFromFloat(c[4]),
		Volume:    decimal.NewFromFloat(c[5]),
	}
	return bar, bar.Validate()
}

// Resolution 5m -> "5"，1d -> "D"
func Resolution(d time.Duration) string {
	if d >= 24*time.Hour {
		return "D"
	}
	if d < time.Minute {
		return strconv.Itoa(int(d.Seconds())) + "S"
	}
	return strconv.Itoa(int(d.Minutes()))
}
