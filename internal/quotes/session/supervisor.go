// Package session 一个订阅会话的生命周期：连接 venue，起 stream worker / 聚合推送 / 心跳 / 补洞 / 写库，
// 任一结束条件触发后统一取消并有界等待所有任务退出。
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"klinefeed.com/internal/quotes/fanout"
	"klinefeed.com/internal/quotes/gapheal"
	"klinefeed.com/internal/quotes/store"
	"klinefeed.com/internal/quotes/stream"
	"klinefeed.com/internal/quotes/venue"
	"klinefeed.com/pkg/logger"
	"klinefeed.com/pkg/metrics"
	"klinefeed.com/pkg/safe"
)

type State int32

const (
	Connecting State = iota
	Active
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// websocket close code
const (
	CloseNormal   = 1000
	CloseInternal = 1011
)

const (
	ReasonSessionLost = "venue session lost"
	ReasonTaskFailed  = "session task failed"
)

type Config struct {
	Symbols      []string
	Fanout       fanout.Config
	Gap          gapheal.Config
	Backoff      stream.Backoff
	DrainTimeout time.Duration // 每个任务的最长等待
	WriterQueue  int
	Hours        gapheal.MarketHours
}

type Deps struct {
	Adapter   venue.Adapter
	Store     store.Store
	Publisher stream.Publisher // 可为 nil
}

type Info struct {
	ID         string    `json:"id"`
	Venue      string    `json:"venue"`
	State      string    `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	Symbols    []string  `json:"symbols"`
	Subscriber bool      `json:"subscriber"`
}

type Supervisor struct {
	id    string
	deps  Deps
	cfg   Config
	tr    fanout.Transport // headless 会话为 nil
	start time.Time

	state atomic.Int32
	stop  chan struct{}
	once  sync.Once
	done  chan struct{}
}

func NewSupervisor(id string, deps Deps, cfg Config, tr fanout.Transport) *Supervisor {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	return &Supervisor{
		id:    id,
		deps:  deps,
		cfg:   cfg,
		tr:    tr,
		start: time.Now(),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (s *Supervisor) ID() string   { return s.id }
func (s *Supervisor) State() State { return State(s.state.Load()) }

// Done Run 返回后关闭
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Stop 外部停止（幂等）
func (s *Supervisor) Stop() {
	s.once.Do(func() { close(s.stop) })
}

func (s *Supervisor) Info() Info {
	return Info{
		ID:         s.id,
		Venue:      s.deps.Adapter.Name(),
		State:      s.State().String(),
		StartedAt:  s.start,
		Symbols:    append([]string(nil), s.cfg.Symbols...),
		Subscriber: s.tr != nil,
	}
}

// task 带完成信号的任务，排空时逐个有界等待
type task struct {
	name string
	done chan struct{}
}

// Run 阻塞直到会话结束；返回时所有任务都已退出（或被记为 straggler）
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.done)
	name := s.deps.Adapter.Name()
	ctx = logger.WithSession(ctx, s.id)
	ctx = logger.WithFields(ctx, zap.String("venue", name))
	kind := "headless"
	if s.tr != nil {
		kind = "subscriber"
	}
	metrics.Sessions.WithLabelValues(name, kind).Inc()
	defer metrics.Sessions.WithLabelValues(name, kind).Dec()

	s.set(ctx, Connecting)
	sess, err := s.deps.Adapter.Connect(ctx)
	if err != nil {
		logger.Error(ctx, "venue connect failed", zap.Error(err))
		if s.tr != nil {
			_ = s.tr.Close(CloseInternal, "venue connect failed")
		}
		metrics.SessionCloseTotal.WithLabelValues(name, "connect_failed").Inc()
		s.set(ctx, Closed)
		return err
	}

	s.set(ctx, Active)
	scope, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		g      errgroup.Group
		tasks  []task
		failed = make(chan error, 1) // 第一个出错的会话级任务
	)
	// escalate=false 的任务（单个 symbol 的 worker）出错只记日志，不拖垮整个会话
	spawn := func(taskName string, escalate bool, fn func(ctx context.Context) error) {
		t := task{name: taskName, done: make(chan struct{})}
		tasks = append(tasks, t)
		run := safe.Func(scope, taskName, fn)
		g.Go(func() error {
			defer close(t.done)
			err := run()
			if err == nil || scope.Err() != nil {
				return err
			}
			logger.Error(scope, "session task failed", zap.String("task", taskName), zap.Error(err))
			if escalate {
				select {
				case failed <- fmt.Errorf("%s: %w", taskName, err):
				default:
				}
			}
			return err
		})
	}

	writer := store.NewAsyncWriter(s.deps.Store, name, s.cfg.WriterQueue, 0)
	spawn("writer", true, writer.Run)

	buf := fanout.NewBarBuffer()
	for _, sym := range s.cfg.Symbols {
		w := &stream.Worker{
			Venue:     name,
			Symbol:    sym,
			Session:   sess,
			Buffer:    buf,
			Writer:    writer,
			Publisher: s.deps.Publisher,
			Backoff:   s.cfg.Backoff,
		}
		spawn("stream:"+sym, false, func(ctx context.Context) error {
			w.Run(ctx)
			return nil
		})
	}

	var trDone <-chan struct{}
	if s.tr != nil {
		f := fanout.New(buf.Buffer, s.tr, s.cfg.Fanout)
		spawn("fanout", true, f.Run)
		spawn("heartbeat", true, f.Heartbeat)
		trDone = s.tr.Done()
	} else {
		// 没有订阅端，buffer 定期清掉避免堆积
		spawn("discard", true, func(ctx context.Context) error {
			return discard(ctx, buf.Buffer, s.cfg.Fanout.Every)
		})
	}

	healer := gapheal.New(name, s.deps.Adapter.Interval(), sess, s.deps.Store, s.cfg.Symbols, s.cfg.Gap, s.cfg.Hours)
	spawn("gapheal", true, healer.Run)

	code, reason := CloseNormal, "session stopped"
	select {
	case <-ctx.Done():
	case <-s.stop:
	case <-trDone:
		reason = "subscriber disconnected"
	case <-sess.Done():
		code, reason = CloseInternal, ReasonSessionLost
		logger.Warn(ctx, "venue session lost", zap.Error(sess.Err()))
	case err := <-failed:
		code, reason = CloseInternal, ReasonTaskFailed
		logger.Error(ctx, "session task failed, draining", zap.Error(err))
	}

	s.set(ctx, Draining)
	cancel()
	stragglers := s.drain(ctx, tasks)
	if stragglers == 0 {
		_ = g.Wait()
	}
	if err := sess.Close(); err != nil {
		logger.Warn(ctx, "venue session close failed", zap.Error(err))
	}
	if s.tr != nil {
		_ = s.tr.Close(code, reason)
	}
	metrics.SessionCloseTotal.WithLabelValues(name, reason).Inc()
	s.set(ctx, Closed)
	logger.Info(ctx, "session closed", zap.String("reason", reason), zap.Int("stragglers", stragglers))
	return nil
}

// drain 逐个等任务退出，每个最多等 DrainTimeout
func (s *Supervisor) drain(ctx context.Context, tasks []task) int {
	stragglers := 0
	for _, t := range tasks {
		timer := time.NewTimer(s.cfg.DrainTimeout)
		select {
		case <-t.done:
		case <-timer.C:
			stragglers++
			logger.Warn(ctx, "task did not stop in time", zap.String("task", t.name))
		}
		timer.Stop()
	}
	return stragglers
}

func discard[V any](ctx context.Context, buf *fanout.Buffer[V], every time.Duration) error {
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			buf.Take()
		}
	}
}

func (s *Supervisor) set(ctx context.Context, st State) {
	s.state.Store(int32(st))
	logger.Debug(ctx, "session state", zap.Stringer("state", st))
}
