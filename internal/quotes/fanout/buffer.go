package fanout

import (
	"sync"

	"klinefeed.com/internal/quotes/model"
)

// Buffer 每个 key 只留最新值；Take 一次性取走并清空
type Buffer[V any] struct {
	mu     sync.Mutex
	latest map[string]V
}

func NewBuffer[V any]() *Buffer[V] {
	return &Buffer[V]{latest: make(map[string]V, 16)}
}

func (b *Buffer[V]) Set(key string, v V) {
	b.mu.Lock()
	b.latest[key] = v
	b.mu.Unlock()
}

// Take 换一张新 map，持锁期间不做任何 IO
func (b *Buffer[V]) Take() map[string]V {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.latest) == 0 {
		return nil
	}
	out := b.latest
	b.latest = make(map[string]V, len(out))
	return out
}

func (b *Buffer[V]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.latest)
}

// BarDTO 下发给订阅端的 bar；价格保持字符串避免精度丢失
type BarDTO struct {
	Symbol    string `json:"symbol"`
	Timestamp int64  `json:"timestamp"` // unix ms，区间起点
	Open      string `json:"open"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Close     string `json:"close"`
	Volume    string `json:"volume"`
}

func NewBarDTO(b model.Bar) BarDTO {
	return BarDTO{
		Symbol:    b.Symbol,
		Timestamp: b.Timestamp.UnixMilli(),
		Open:      b.Open.String(),
		High:      b.High.String(),
		Low:       b.Low.String(),
		Close:     b.Close.String(),
		Volume:    b.Volume.String(),
	}
}

// BarBuffer 按 symbol 聚合的 bar buffer
type BarBuffer struct {
	*Buffer[BarDTO]
}

func NewBarBuffer() *BarBuffer {
	return &BarBuffer{Buffer: NewBuffer[BarDTO]()}
}

func (b *BarBuffer) Put(bar model.Bar) {
	b.Set(bar.Symbol, NewBarDTO(bar))
}
