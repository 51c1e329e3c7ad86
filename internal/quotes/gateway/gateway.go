package gateway

import (
	"context"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"klinefeed.com/internal/quotes/fanout"
	"klinefeed.com/internal/quotes/model"
	"klinefeed.com/internal/quotes/stream"
	"klinefeed.com/pkg/logger"
	"klinefeed.com/pkg/metrics"
)

// Gateway 把已接收的实时 bar 镜像到 broker，topic 见 Topic
type Gateway struct {
	broker Broker
}

var _ stream.Publisher = (*Gateway)(nil)

func NewGateway(broker Broker) *Gateway {
	return &Gateway{broker: broker}
}

func (g *Gateway) Broker() Broker { return g.broker }

// PublishBar 失败只记日志，不影响主流程
func (g *Gateway) PublishBar(ctx context.Context, venue string, bar model.Bar) {
	payload, err := json.Marshal(fanout.NewBarDTO(bar))
	if err != nil {
		logger.Error(ctx, "encode bar failed", zap.Error(err))
		return
	}
	topic := Topic(venue, bar.Symbol)
	if err := g.broker.Publish(ctx, topic, payload); err != nil {
		metrics.BrokerPublishTotal.WithLabelValues(venue, "error").Inc()
		logger.Warn(ctx, "broker publish failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	metrics.BrokerPublishTotal.WithLabelValues(venue, "ok").Inc()
}
