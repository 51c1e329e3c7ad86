package ws

import (
	"sync"

	"klinefeed.com/internal/quotes/gateway"
)

// subscriber 收 hub 推过来的 topic 更新，Offer 不能阻塞
type subscriber interface {
	Offer(topic string, payload []byte)
}

// Hub 进程内 topic 路由：broker 来的消息按订阅 pattern 分给各连接，并保留每个 topic 的最新快照
type Hub struct {
	mu   sync.RWMutex
	subs map[subscriber]map[string]struct{} // conn -> patterns
	last map[string][]byte                  // topic -> last payload (snapshot)
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[subscriber]map[string]struct{}, 64),
		last: make(map[string][]byte, 1024),
	}
}

// Subscribe 记录订阅并立即回放匹配的快照（首包不用等下一根 bar）
func (h *Hub) Subscribe(c subscriber, patterns []string) {
	type snap struct {
		topic string
		data  []byte
	}
	var snaps []snap

	h.mu.Lock()
	set := h.subs[c]
	if set == nil {
		set = make(map[string]struct{}, len(patterns))
		h.subs[c] = set
	}
	for _, p := range patterns {
		set[p] = struct{}{}
	}
	// 同一把锁里取快照，避免订阅后立刻 publish 却取不到
	for topic, b := range h.last {
		for _, p := range patterns {
			if gateway.Match(p, topic) {
				snaps = append(snaps, snap{topic, b})
				break
			}
		}
	}
	h.mu.Unlock()

	for _, s := range snaps {
		c.Offer(s.topic, s.data)
	}
}

func (h *Hub) Unsubscribe(c subscriber, patterns []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[c]
	for _, p := range patterns {
		delete(set, p)
	}
	if len(set) == 0 {
		delete(h.subs, c)
	}
}

func (h *Hub) RemoveConn(c subscriber) {
	h.mu.Lock()
	delete(h.subs, c)
	h.mu.Unlock()
}

// Topics 某连接当前的订阅
func (h *Hub) Topics(c subscriber) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.subs[c]))
	for p := range h.subs[c] {
		out = append(out, p)
	}
	return out
}

func (h *Hub) Snapshot(topic string) ([]byte, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	b, ok := h.last[topic]
	return b, ok
}

// Publish 更新快照并广播给匹配的订阅者；对每个连接都是非阻塞 Offer，慢客户端不会卡住广播
func (h *Hub) Publish(topic string, payload []byte) {
	cp := make([]byte, len(payload))
	copy(cp, payload)

	var targets []subscriber
	h.mu.Lock()
	h.last[topic] = cp
	for c, set := range h.subs {
		for p := range set {
			if gateway.Match(p, topic) {
				targets = append(targets, c)
				break
			}
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.Offer(topic, cp)
	}
}
