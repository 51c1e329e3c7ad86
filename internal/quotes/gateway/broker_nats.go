package gateway

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"
)

type NatsBroker struct {
	nc *nats.Conn
}

func NewNatsBroker(url string, opts ...nats.Option) (*NatsBroker, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NatsBroker{nc: nc}, nil
}

// topic 直接就是 NATS subject
func (b *NatsBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.nc.Publish(topic, payload)
}

func (b *NatsBroker) Subscribe(ctx context.Context, subjects []string) (<-chan Message, error) {
	out := make(chan Message, 8192)
	var (
		mu     sync.RWMutex
		closed bool
	)

	// 保存订阅，退出时取消
	subs := make([]*nats.Subscription, 0, len(subjects))

	for _, subj := range subjects {
		sub, err := b.nc.Subscribe(subj, func(m *nats.Msg) {
			mu.RLock()
			defer mu.RUnlock()
			if closed {
				return
			}
			// at-most-once：慢消费者直接丢，避免把 NATS 回调卡死
			select {
			case out <- Message{Topic: m.Subject, Payload: m.Data}:
			default:
			}
		})
		if err != nil {
			for _, ss := range subs {
				_ = ss.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}

	go func() {
		<-ctx.Done()
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
		// Unsubscribe 之后回调可能还在跑
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()

	return out, nil
}

func (b *NatsBroker) Close() error {
	if b.nc != nil {
		_ = b.nc.Drain()
		b.nc.Close()
	}
	return nil
}
