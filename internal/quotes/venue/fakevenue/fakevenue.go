// Package fakevenue 可编排的内存行情源，给 stream/gapheal/session/ws 的测试用
package fakevenue

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"klinefeed.com/internal/quotes/model"
	"klinefeed.com/internal/quotes/venue"
)

// Step 流里的一步：返回事件或错误，Delay 先等一会
type Step struct {
	Event model.Event
	Err   error
	Delay time.Duration
}

type HistoryCall struct {
	Symbol     string
	Start, End time.Time
}

type Venue struct {
	name     string
	interval time.Duration

	mu         sync.Mutex
	connectErr error
	openErrs   map[string][]error
	scripts    map[string][][]Step
	opens      map[string]int
	calls      []HistoryCall
	sessions   []*Session

	// History 为空时按周期生成 [start, end] 内的整齐 bar
	History func(symbol string, start, end time.Time) ([]model.Bar, error)
}

var _ venue.Adapter = (*Venue)(nil)

func New(name string, interval time.Duration) *Venue {
	return &Venue{
		name:     name,
		interval: interval,
		openErrs: make(map[string][]error),
		scripts:  make(map[string][][]Step),
		opens:    make(map[string]int),
	}
}

func (v *Venue) Name() string            { return v.name }
func (v *Venue) Interval() time.Duration { return v.interval }

// FailConnect 下次 Connect 返回 err
func (v *Venue) FailConnect(err error) {
	v.mu.Lock()
	v.connectErr = err
	v.mu.Unlock()
}

// FailOpen 之后的 OpenStream(symbol) 依次返回这些错误
func (v *Venue) FailOpen(symbol string, errs ...error) {
	v.mu.Lock()
	v.openErrs[symbol] = append(v.openErrs[symbol], errs...)
	v.mu.Unlock()
}

// Script 追加一次 OpenStream(symbol) 的脚本；脚本走完后流阻塞到 ctx 结束
func (v *Venue) Script(symbol string, steps ...Step) {
	v.mu.Lock()
	v.scripts[symbol] = append(v.scripts[symbol], steps)
	v.mu.Unlock()
}

func (v *Venue) Opens(symbol string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.opens[symbol]
}

func (v *Venue) HistoryCalls() []HistoryCall {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]HistoryCall(nil), v.calls...)
}

func (v *Venue) Sessions() []*Session {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]*Session(nil), v.sessions...)
}

func (v *Venue) Connect(ctx context.Context) (venue.Session, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.connectErr; err != nil {
		v.connectErr = nil
		return nil, err
	}
	s := &Session{v: v, Watchdog: venue.StartWatchdog(ctx, v.name, 0, 0, nil)}
	v.sessions = append(v.sessions, s)
	return s, nil
}

type Session struct {
	*venue.Watchdog
	v *Venue

	mu     sync.Mutex
	closed int
}

func (s *Session) OpenStream(ctx context.Context, symbol string) (venue.Stream, error) {
	v := s.v
	v.mu.Lock()
	defer v.mu.Unlock()
	v.opens[symbol]++
	if errs := v.openErrs[symbol]; len(errs) > 0 {
		v.openErrs[symbol] = errs[1:]
		return nil, errs[0]
	}
	var steps []Step
	if sc := v.scripts[symbol]; len(sc) > 0 {
		steps = sc[0]
		v.scripts[symbol] = sc[1:]
	}
	return &Stream{steps: steps}, nil
}

func (s *Session) FetchHistorical(ctx context.Context, symbol string, start, end time.Time) ([]model.Bar, error) {
	v := s.v
	v.mu.Lock()
	v.calls = append(v.calls, HistoryCall{Symbol: symbol, Start: start, End: end})
	fn := v.History
	v.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(symbol, start, end)
	}
	return Bars(symbol, start, end, v.interval), nil
}

// LoseSession 模拟底层连接丢失
func (s *Session) LoseSession(cause error) { s.MarkLost(cause) }

func (s *Session) Close() error {
	s.Stop()
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

func (s *Session) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type Stream struct {
	steps []Step
}

func (st *Stream) Next(ctx context.Context) (model.Event, error) {
	if len(st.steps) == 0 {
		<-ctx.Done()
		return model.Event{}, ctx.Err()
	}
	step := st.steps[0]
	st.steps = st.steps[1:]
	if step.Delay > 0 {
		t := time.NewTimer(step.Delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return model.Event{}, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return model.Event{}, err
	}
	if step.Err != nil {
		return model.Event{}, step.Err
	}
	return step.Event, nil
}

func (st *Stream) Close() error { return nil }

// Bars 生成 [start, end] 内按周期对齐的 bar（end 含）
func Bars(symbol string, start, end time.Time, interval time.Duration) []model.Bar {
	var out []model.Bar
	first := model.Truncate(start, interval)
	if first.Before(start) {
		first = first.Add(interval)
	}
	for ts := first; !ts.After(end); ts = ts.Add(interval) {
		out = append(out, NewBar(symbol, ts, "100", "1"))
	}
	return out
}

// NewBar 测试用 bar：OHLC 都取 price
func NewBar(symbol string, ts time.Time, price, volume string) model.Bar {
	p := decimal.RequireFromString(price)
	return model.Bar{
		Symbol:    symbol,
		Timestamp: ts.UTC(),
		Open:      p,
		High:      p,
		Low:       p,
		Close:     p,
		Volume:    decimal.RequireFromString(volume),
	}
}
