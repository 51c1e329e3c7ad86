package gateway

import (
	"context"
	"sync"
)

type memSub struct {
	patterns []string
	ch       chan Message
}

// MemBroker 单进程 broker，默认配置用它
type MemBroker struct {
	mu   sync.RWMutex
	subs map[*memSub]struct{}
	buf  int
}

func NewMemBroker() *MemBroker {
	return &MemBroker{subs: make(map[*memSub]struct{}), buf: 4096}
}

func (b *MemBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	msg := Message{Topic: topic, Payload: payload}

	// 持读锁发送，取消订阅拿写锁后才 close，不会写到已关闭的 channel
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		for _, p := range s.patterns {
			if !Match(p, topic) {
				continue
			}
			// fanout：at-most-once，慢订阅者直接丢
			select {
			case s.ch <- msg:
			default:
			}
			break
		}
	}
	return nil
}

func (b *MemBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	s := &memSub{patterns: append([]string(nil), topics...), ch: make(chan Message, b.buf)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		close(s.ch)
	}()
	return s.ch, nil
}

func (b *MemBroker) Close() error { return nil }
