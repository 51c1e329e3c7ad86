// Package ibkr Interactive Brokers Client Portal 网关行情。
// 网关本身维持券商登录态，这里只负责 tickle 保活、conid 解析、历史 K 线。
package ibkr

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
	"klinefeed.com/internal/quotes/model"
	"klinefeed.com/internal/quotes/venue"
	"klinefeed.com/pkg/ratelimit"
	"klinefeed.com/pkg/xerr"
)

const (
	Name = "ibkr"

	startTimeLayout = "20060102-15:04:05"
)

type Config struct {
	BaseURL  string // 默认 https://localhost:5000/v1/api
	Insecure bool   // 网关默认自签证书
	SecType  string // 默认 STK
	Interval time.Duration

	PollEvery time.Duration

	RPS   float64
	Burst int

	KeepAlive      time.Duration // tickle 周期，网关要求至少每分钟一次
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
		cfg.BaseURL = "https://localhost:5000/v1/api"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.SecType == "" {
		cfg.SecType = "STK"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 5
	}
	if cfg.HTTPClient == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.Insecure {
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second, Transport: tr}
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
		cfg:    a.cfg,
		guard:  &venue.Guard{Venue: Name, Limiter: a.limiter, Breakers: a.cfg.Breakers},
		conids: make(map[string]string),
	}
	if err := s.tickle(ctx); err != nil {
		return nil, err
	}
	s.Watchdog = venue.StartWatchdog(ctx, Name, a.cfg.KeepAlive, a.cfg.KeepAliveFails, s.tickle)
	return s, nil
}

type session struct {
	*venue.Watchdog
	cfg   Config
	guard *venue.Guard

	mu     sync.Mutex
	conids map[string]string
}

type tickleResp struct {
	Session string `json:"session"`
	Iserver struct {
		AuthStatus struct {
			Authenticated bool `json:"authenticated"`
			Connected     bool `json:"connected"`
		} `json:"authStatus"`
	} `json:"iserver"`
}

type secdef struct {
	Conid   json.RawMessage `json:"conid"` // 有时是字符串有时是数字
	Symbol  string          `json:"symbol"`
	Company string          `json:"companyName"`
}

type historyResp struct {
	Symbol string `json:"symbol"`
	Data   []struct {
		T int64   `json:"t"` // unix ms
		O float64 `json:"o"`
		H float64 `json:"h"`
		L float64 `json:"l"`
		C float64 `json:"c"`
		V float64 `json:"v"`
	} `json:"data"`
}

func (s *session) tickle(ctx context.Context) error {
	var resp tickleResp
	if err := s.do(ctx, "tickle", http.MethodPost, "/tickle", nil, &resp); err != nil {
		return err
	}
	if !resp.Iserver.AuthStatus.Authenticated {
		return xerr.Wrap(xerr.KindSessionLost, "tickle", fmt.Errorf("gateway not authenticated"))
	}
	return nil
}

// conid symbol -> IB 合约 id，按会话缓存
func (s *session) conid(ctx context.Context, symbol string) (string, error) {
	s.mu.Lock()
	id, ok := s.conids[symbol]
	s.mu.Unlock()
	if ok {
		return id, nil
	}

	q := url.Values{"symbol": {symbol}, "secType": {s.cfg.SecType}}
	var defs []secdef
	if err := s.do(ctx, "secdef", http.MethodGet, "/iserver/secdef/search", q, &defs); err != nil {
		return "", err
	}
	for _, d := range defs {
		id = strings.Trim(string(d.Conid), `"`)
		if id != "" && id != "null" {
			break
		}
		id = ""
	}
	if id == "" {
		return "", xerr.Wrap(xerr.KindInvalidSymbol, "secdef", fmt.Errorf("no contract for %s", symbol))
	}
	s.mu.Lock()
	s.conids[symbol] = id
	s.mu.Unlock()
	return id, nil
}

func (s *session) OpenStream(ctx context.Context, symbol string) (venue.Stream, error) {
	symbol = model.NormalizeSymbol(symbol)
	if _, err := s.conid(ctx, symbol); err != nil {
		return nil, xerr.WithSymbol(err, Name, symbol)
	}
	return venue.NewPollStream(symbol, s.cfg.Interval, s.cfg.PollEvery, s.FetchHistorical), nil
}

// FetchHistorical 网关按 period 限制单次返回量，从 end 往前逐段走到 start
func (s *session) FetchHistorical(ctx context.Context, symbol string, start, end time.Time) ([]model.Bar, error) {
	symbol = model.NormalizeSymbol(symbol)
	id, err := s.conid(ctx, symbol)
	if err != nil {
		return nil, xerr.WithSymbol(err, Name, symbol)
	}
	period, span := Period(s.cfg.Interval)

	var chunks [][]model.Bar
	cursor := end.UTC()
	for !cursor.Before(start) {
		q := url.Values{
			"conid":      {id},
			"bar":        {BarSize(s.cfg.Interval)},
			"period":     {period},
			"startTime":  {cursor.Format(startTimeLayout)},
			"outsideRth": {"false"},
		}
		var resp historyResp
		if err := s.do(ctx, "history", http.MethodGet, "/iserver/marketdata/history", q, &resp); err != nil {
			return nil, xerr.WithSymbol(err, Name, symbol)
		}
		if len(resp.Data) == 0 {
			// 这一段没有交易（休市），继续往前
			cursor = cursor.Add(-span)
			continue
		}

		chunk := make([]model.Bar, 0, len(resp.Data))
		earliest := cursor
		for _, d := range resp.Data {
			ts := time.UnixMilli(d.T).UTC()
			if ts.Before(earliest) {
				earliest = ts
			}
			if ts.Before(start) || ts.After(end) || ts.After(cursor) {
				continue
			}
			bar := model.Bar{
				Symbol:    symbol,
				Timestamp: model.Truncate(ts, s.cfg.Interval),
				Open:      decimal.NewFromFloat(d.O),
				High:      decimal.NewFromFloat(d.H),
				Low:       decimal.NewFromFloat(d.L),
				Close:     decimal.NewFromFloat(d.C),
				Volume:    decimal.NewFromFloat(d.V),
			}
			if err := bar.Validate(); err != nil {
				return nil, xerr.WithSymbol(xerr.Wrap(xerr.KindUnknown, "history", err), Name, symbol)
			}
			chunk = append(chunk, bar)
		}
		chunks = append(chunks, chunk)
		if !earliest.Before(cursor) {
			// 没有往前推进，避免死循环
			break
		}
		cursor = earliest.Add(-time.Second)
	}

	// 逐段是倒着拿的，拼回升序
	var out []model.Bar
	for i := len(chunks) - 1; i >= 0; i-- {
		out = append(out, chunks[i]...)
	}
	return out, nil
}

func (s *session) do(ctx context.Context, op, method, path string, q url.Values, out any) error {
	return s.guard.Do(ctx, op, func(ctx context.Context) error {
		u := s.cfg.BaseURL + path
		if len(q) > 0 {
			u += "?" + q.Encode()
		}
		req, err := http.NewRequest(method, u, nil)
		if err != nil {
			return err
		}
		// 网关会拒绝没有 UA 的请求
		req.Header.Set("User-Agent", "klinefeed/1.0")
		err = venue.DoJSON(ctx, s.cfg.HTTPClient, req, out)
		if xerr.KindOf(err) == xerr.KindInvalidSymbol && op != "secdef" && op != "history" {
			// 400/404 出现在 tickle 上说明网关会话已经没了
			return xerr.Wrap(xerr.KindSessionLost, op, err)
		}
		return err
	})
}

func (s *session) Close() error {
	s.Stop()
	return nil
}

// BarSize 5m -> 5min，1h -> 1h，1d -> 1d
func BarSize(d time.Duration) string {
	switch {
	case d >= 24*time.Hour:
		return fmt.Sprintf("%dd", int(d/(24*time.Hour)))
	case d >= time.Hour:
		return fmt.Sprintf("%dh", int(d/time.Hour))
	default:
		return fmt.Sprintf("%dmin", int(d/time.Minute))
	}
}

// Period 单次请求的时间跨度，网关单次最多约 1000 根
func Period(d time.Duration) (string, time.Duration) {
	switch {
	case d >= 24*time.Hour:
		return "1y", 365 * 24 * time.Hour
	case d >= time.Hour:
		return "1m", 30 * 24 * time.Hour
	default:
		return "1w", 7 * 24 * time.Hour
	}
}
