package venue

import (
	"context"
	"time"

	"klinefeed.com/internal/quotes/model"
)

// FetchFunc 拉一段历史 bar，按时间升序
type FetchFunc func(ctx context.Context, symbol string, start, end time.Time) ([]model.Bar, error)

// PollStream 没有可用推送接口的 venue 用轮询模拟实时流：
// 每 every 拉一次最近两个周期，已走完的区间作为 closed 事件发出（每个区间只发一次），
// 正在形成的区间作为 partial 事件发出。
type PollStream struct {
	symbol   string
	interval time.Duration
	every    time.Duration
	fetch    FetchFunc
	now      func() time.Time

	queue      []model.Event
	lastClosed time.Time
	polled     bool
}

func NewPollStream(symbol string, interval, every time.Duration, fetch FetchFunc) *PollStream {
	if every <= 0 {
		every = interval / 5
	}
	if every < time.Second {
		every = time.Second
	}
	return &PollStream{
		symbol:   symbol,
		interval: interval,
		every:    every,
		fetch:    fetch,
		now:      time.Now,
	}
}

// WithClock 测试用
func (p *PollStream) WithClock(now func() time.Time, every time.Duration) *PollStream {
	p.now = now
	p.every = every
	return p
}

func (p *PollStream) Next(ctx context.Context) (model.Event, error) {
	for len(p.queue) == 0 {
		if p.polled {
			t := time.NewTimer(p.every)
			select {
			case <-ctx.Done():
				t.Stop()
				return model.Event{}, ctx.Err()
			case <-t.C:
			}
		}
		p.polled = true
		if err := p.poll(ctx); err != nil {
			return model.Event{}, err
		}
	}
	ev := p.queue[0]
	p.queue = p.queue[1:]
	return ev, nil
}

func (p *PollStream) poll(ctx context.Context) error {
	now := p.now().UTC()
	bars, err := p.fetch(ctx, p.symbol, now.Add(-2*p.interval), now)
	if err != nil {
		return err
	}
	for _, b := range bars {
		closed := !b.Timestamp.Add(p.interval).After(now)
		if closed {
			if !p.lastClosed.IsZero() && !b.Timestamp.After(p.lastClosed) {
				continue
			}
			p.lastClosed = b.Timestamp
		}
		p.queue = append(p.queue, model.Event{Bar: b, Closed: closed})
	}
	return nil
}

func (p *PollStream) Close() error { return nil }
