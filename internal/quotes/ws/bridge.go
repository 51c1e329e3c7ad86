package ws

import (
	"context"

	"go.uber.org/zap"
	"klinefeed.com/internal/quotes/gateway"
	"klinefeed.com/pkg/logger"
)

// AllBars 订阅全部 venue 的 bar
const AllBars = "kline.>"

// Bridge 订阅 broker，把消息转进本地 hub；ctx 结束或 broker 关闭时返回
func Bridge(ctx context.Context, h *Hub, broker gateway.Broker) error {
	ch, err := broker.Subscribe(ctx, []string{AllBars})
	if err != nil {
		return err
	}
	logger.Info(ctx, "broker bridge started", zap.String("topics", AllBars))
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			h.Publish(m.Topic, m.Payload)
		}
	}
}
