package venue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"klinefeed.com/internal/quotes/model"
)

// Adapter 一个可插拔的行情源（crypto / broker / IB）
type Adapter interface {
	Name() string
	// Interval K 线周期，同一个 venue 所有 symbol 一致
	Interval() time.Duration
	// Connect 打开 venue 会话；会话句柄归调用方（Supervisor）所有
	Connect(ctx context.Context) (Session, error)
}

// Session venue 会话句柄。子任务只读使用，不关闭。
type Session interface {
	// OpenStream 打开某个 symbol 的实时流；流断了由调用方重开
	OpenStream(ctx context.Context, symbol string) (Stream, error)
	// FetchHistorical 返回 [start, end] 内按时间升序的 bar，分页/分段在内部完成
	FetchHistorical(ctx context.Context, symbol string, start, end time.Time) ([]model.Bar, error)
	// Done 会话句柄丢失时关闭
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Stream 惰性事件序列：每次 Next 拉一条，阻塞直到有事件、出错或 ctx 结束
type Stream interface {
	Next(ctx context.Context) (model.Event, error)
	Close() error
}

// Registry name -> Adapter
type Registry struct {
	mu sync.RWMutex
	m  map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{m: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.m[a.Name()]; dup {
		panic(fmt.Sprintf("venue %q registered twice", a.Name()))
	}
	r.m[a.Name()] = a
}

func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.m[name]
	return a, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for n := range r.m {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
