// Package fanouttest 记录型 Transport，给 fanout/session 测试用
package fanouttest

import (
	"context"
	"sync"
	"time"
)

type Transport struct {
	mu      sync.Mutex
	sent    [][]byte
	pings   int
	closes  []Close
	done    chan struct{}
	once    sync.Once
	closeCh chan struct{}

	// SendDelay 模拟慢客户端
	SendDelay time.Duration
	SendErr   error
	// SendStarted 每次 Send 开始时非阻塞通知一次
	SendStarted chan struct{}
}

type Close struct {
	Code   int
	Reason string
}

func New() *Transport {
	return &Transport{done: make(chan struct{}), closeCh: make(chan struct{})}
}

func (t *Transport) Send(ctx context.Context, payload []byte) error {
	if t.SendStarted != nil {
		select {
		case t.SendStarted <- struct{}{}:
		default:
		}
	}
	if t.SendDelay > 0 {
		timer := time.NewTimer(t.SendDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	if t.SendErr != nil {
		return t.SendErr
	}
	t.mu.Lock()
	t.sent = append(t.sent, append([]byte(nil), payload...))
	t.mu.Unlock()
	return nil
}

func (t *Transport) Ping(ctx context.Context) error {
	t.mu.Lock()
	t.pings++
	t.mu.Unlock()
	return nil
}

func (t *Transport) Close(code int, reason string) error {
	t.mu.Lock()
	t.closes = append(t.closes, Close{Code: code, Reason: reason})
	t.mu.Unlock()
	t.once.Do(func() { close(t.closeCh) })
	return nil
}

func (t *Transport) Done() <-chan struct{} { return t.done }

// Disconnect 模拟对端断开
func (t *Transport) Disconnect() { close(t.done) }

// Closed Close 被调用后关闭
func (t *Transport) Closed() <-chan struct{} { return t.closeCh }

func (t *Transport) Sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.sent...)
}

func (t *Transport) Pings() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pings
}

func (t *Transport) Closes() []Close {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Close(nil), t.closes...)
}
