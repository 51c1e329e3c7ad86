package gateway

import (
	"context"
	"strings"
)

type Message struct {
	Topic   string
	Payload []byte
}

// Broker 跨节点的 bar 镜像。topic 用 "." 分段，订阅时支持 "*"（一段）和 ">"（剩余所有段）。
type Broker interface {
	// publish
	Publish(ctx context.Context, topic string, payload []byte) error
	// 订阅，ctx 结束时取消订阅并关闭 channel
	Subscribe(ctx context.Context, topics []string) (<-chan Message, error)
	// 关闭
	Close() error
}

// Topic kline.<venue>.<SYMBOL>
func Topic(venue, symbol string) string {
	return "kline." + strings.ToLower(venue) + "." + strings.ToUpper(symbol)
}

// Match pattern 是否覆盖 topic，语义同 NATS subject
func Match(pattern, topic string) bool {
	ps := strings.Split(pattern, ".")
	ts := strings.Split(topic, ".")
	for i, p := range ps {
		if p == ">" {
			return i < len(ts)
		}
		if i >= len(ts) {
			return false
		}
		if p != "*" && p != ts[i] {
			return false
		}
	}
	return len(ps) == len(ts)
}

// ValidTopic 订阅端传上来的 topic 做个基本检查
func ValidTopic(topic string) bool {
	if topic == "" || strings.ContainsAny(topic, " \t\r\n") {
		return false
	}
	for i, tok := range strings.Split(topic, ".") {
		if tok == "" {
			return false
		}
		if tok == ">" && i != strings.Count(topic, ".") {
			return false
		}
	}
	return true
}
