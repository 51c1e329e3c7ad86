package store

import (
	"context"
	"sort"
	"sync"

	"klinefeed.com/internal/quotes/model"
)

// MemStore 没配数据库时使用，也给测试用
type MemStore struct {
	mu   sync.RWMutex
	bars map[model.Key]model.Bar
	// 每个 symbol 的最新一根
	latest map[string]model.Bar
	// 每次 InsertMany 调用的行数，测试断言用
	calls []int
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		bars:   make(map[model.Key]model.Bar, 1024),
		latest: make(map[string]model.Bar, 16),
	}
}

func (m *MemStore) InsertMany(ctx context.Context, bars []model.Bar) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validate(bars); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, len(bars))
	n := 0
	for _, b := range bars {
		k := b.Key()
		if _, dup := m.bars[k]; dup {
			continue
		}
		m.bars[k] = b
		n++
		if cur, ok := m.latest[b.Symbol]; !ok || b.Timestamp.After(cur.Timestamp) {
			m.latest[b.Symbol] = b
		}
	}
	return n, nil
}

func (m *MemStore) Latest(ctx context.Context, symbol string) (model.Bar, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Bar{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.latest[symbol]
	return b, ok, nil
}

func (m *MemStore) Recent(ctx context.Context, symbol string, page, limit int) ([]model.Bar, error) {
	all := m.Bars(symbol)
	if page < 1 || limit < 1 || page-1 > len(all)/limit {
		return nil, nil
	}
	start := len(all) - page*limit
	end := start + limit
	if end <= 0 {
		return nil, nil
	}
	start = max(start, 0)
	out := make([]model.Bar, 0, end-start)
	for i := end - 1; i >= start; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// Bars 按时间升序返回某个 symbol 的全部数据
func (m *MemStore) Bars(symbol string) []model.Bar {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Bar
	for k, b := range m.bars {
		if k.Symbol == symbol {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bars)
}

// Calls 每次 InsertMany 的批大小
func (m *MemStore) Calls() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int(nil), m.calls...)
}
