package session

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"klinefeed.com/internal/quotes/fanout"
	"klinefeed.com/pkg/safe"
)

var (
	ErrUnknownVenue = errors.New("unknown venue")
	ErrClosed       = errors.New("session manager closed")
)

// Builder 按 venue 名组装会话依赖和配置；venue 不存在返回 ErrUnknownVenue
type Builder func(venue string) (Deps, Config, error)

// Manager 运行中的会话注册表。会话彼此独立，只共享 Store。
type Manager struct {
	base  context.Context
	build Builder

	mu       sync.Mutex
	sessions map[string]*Supervisor
	closed   bool // StopAll 之后不再接新会话
	wg       sync.WaitGroup
}

// NewManager base 是所有会话的父 ctx，进程退出时取消
func NewManager(base context.Context, build Builder) *Manager {
	return &Manager{
		base:     base,
		build:    build,
		sessions: make(map[string]*Supervisor, 8),
	}
}

func (m *Manager) create(venue string, tr fanout.Transport) (*Supervisor, error) {
	deps, cfg, err := m.build(venue)
	if err != nil {
		return nil, err
	}
	s := NewSupervisor(uuid.NewString(), deps, cfg, tr)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.sessions[s.ID()] = s
	// Add 和 StopAll 里的 Wait 由 closed 串行化
	m.wg.Add(1)
	return s, nil
}

func (m *Manager) run(s *Supervisor) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.sessions, s.ID())
		m.mu.Unlock()
	}()
	_ = s.Run(m.base)
}

// Start 后台启动一个会话（headless 时 tr 为 nil），每次调用都是新的独立会话
func (m *Manager) Start(venue string, tr fanout.Transport) (*Supervisor, error) {
	s, err := m.create(venue, tr)
	if err != nil {
		return nil, err
	}
	safe.GoCtx(m.base, func(context.Context) { m.run(s) })
	return s, nil
}

// Serve 同步跑一个会话直到结束，ws handler 用
func (m *Manager) Serve(venue string, tr fanout.Transport) error {
	s, err := m.create(venue, tr)
	if err != nil {
		return err
	}
	m.run(s)
	return nil
}

func (m *Manager) Stop(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		s.Stop()
	}
	return ok
}

func (m *Manager) Get(id string) (*Supervisor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List 按启动时间排序
func (m *Manager) List() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// StopAll 拒绝新会话，停掉全部会话并等待退出，ctx 到期直接返回
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, s := range m.sessions {
		s.Stop()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
