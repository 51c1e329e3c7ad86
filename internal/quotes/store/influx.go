package store

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
	"klinefeed.com/internal/quotes/model"
	"klinefeed.com/pkg/logger"
)

type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string

	// 写入优化项
	BatchSize     uint          // 建议从 1000~5000 起步
	FlushInterval time.Duration // 例如 1s
	UseGzip       bool
}

func (cfg InfluxConfig) String() string {
	return fmt.Sprintf("url=%s org=%s bucket=%s batch=%d flush=%s gzip=%v",
		cfg.URL, cfg.Org, cfg.Bucket, cfg.BatchSize, cfg.FlushInterval, cfg.UseGzip)
}

// InfluxMirror 主存储写成功后，把新 bar 异步镜像到 InfluxDB 供看板查询。
// Latest 只读主存储。
type InfluxMirror struct {
	inner    Store
	client   influxdb2.Client
	write    api.WriteAPI
	venue    string
	interval string
}

var _ Store = (*InfluxMirror)(nil)

func NewInfluxMirror(inner Store, cfg InfluxConfig, venue string, interval time.Duration) *InfluxMirror {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 2000
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Second
	}

	opt := influxdb2.DefaultOptions().
		SetBatchSize(cfg.BatchSize).
		SetFlushInterval(uint(cfg.FlushInterval.Milliseconds())).
		SetUseGZip(cfg.UseGzip)

	c := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opt)
	w := c.WriteAPI(cfg.Org, cfg.Bucket)
	m := &InfluxMirror{
		inner:    inner,
		client:   c,
		write:    w,
		venue:    venue,
		interval: model.IntervalKey(interval),
	}

	// 必须消费 Errors()，否则异步写入出错会阻塞
	go func() {
		for err := range w.Errors() {
			logger.Warn(context.Background(), "influx write failed",
				zap.String("venue", venue), zap.Error(err))
		}
	}()
	return m
}

func (m *InfluxMirror) InsertMany(ctx context.Context, bars []model.Bar) (int, error) {
	n, err := m.inner.InsertMany(ctx, bars)
	if err != nil {
		return n, err
	}
	for _, b := range bars {
		m.write.WritePoint(m.point(b))
	}
	return n, nil
}

func (m *InfluxMirror) Unwrap() Store { return m.inner }

func (m *InfluxMirror) Latest(ctx context.Context, symbol string) (model.Bar, bool, error) {
	return m.inner.Latest(ctx, symbol)
}

// tags: symbol/interval/venue，注意 tag 基数
func (m *InfluxMirror) point(b model.Bar) *write.Point {
	tags := map[string]string{
		"symbol":   b.Symbol,
		"interval": m.interval,
		"venue":    m.venue,
	}
	fields := map[string]interface{}{
		"o": b.Open.InexactFloat64(),
		"h": b.High.InexactFloat64(),
		"l": b.Low.InexactFloat64(),
		"c": b.Close.InexactFloat64(),
		"v": b.Volume.InexactFloat64(),
	}
	return write.NewPoint("kline", tags, fields, b.Timestamp)
}

func (m *InfluxMirror) Flush() { m.write.Flush() }

// Close flush 剩余 buffer 并关闭客户端
func (m *InfluxMirror) Close() {
	m.client.Close()
}
