// Package app 组装 quotes-service：存储、行情源、broker、会话管理和 HTTP 入口
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
	qconfig "klinefeed.com/internal/quotes/config"
	"klinefeed.com/internal/quotes/gateway"
	"klinefeed.com/internal/quotes/httpapi"
	"klinefeed.com/internal/quotes/session"
	"klinefeed.com/internal/quotes/store"
	"klinefeed.com/internal/quotes/venue"
	"klinefeed.com/internal/quotes/ws"
	pkgconfig "klinefeed.com/pkg/config"
	"klinefeed.com/pkg/logger"
	"klinefeed.com/pkg/metrics"
	"klinefeed.com/pkg/orm"
	"klinefeed.com/pkg/ratelimit"
	"klinefeed.com/pkg/safe"
	"klinefeed.com/pkg/trace"
	"klinefeed.com/pkg/xredis"
)

type App struct {
	cfg  *pkgconfig.Holder[qconfig.Config]
	boot qconfig.Config // 存储、broker、http 只在启动时生效

	registry *venue.Registry
	stores   map[string]store.Store
	broker   gateway.Broker
	gateway  *gateway.Gateway
	hub      *ws.Hub
	sessions *session.Manager
	handler  http.Handler

	db  *sql.DB // 连接池指标
	rdb *redis.Client

	base    context.Context
	cancel  context.CancelFunc
	closers []closer
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

func New(ctx context.Context, h *pkgconfig.Holder[qconfig.Config]) (*App, error) {
	cfg := h.Get()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a := &App{
		cfg:    h,
		boot:   cfg,
		stores: make(map[string]store.Store, len(cfg.Venues)),
		hub:    ws.NewHub(),
		base:   base,
		cancel: cancel,
	}
	if err := a.init(ctx); err != nil {
		_ = a.close(context.Background())
		cancel()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.boot

	// 启动trace
	shutdown, err := trace.InitTrace(ctx, cfg.Name, cfg.Trace)
	if err != nil {
		return fmt.Errorf("init trace: %w", err)
	}
	a.onClose("trace", shutdown)

	if err := a.openStores(ctx); err != nil {
		return err
	}

	breakers := ratelimit.NewManager(ratelimit.Rule{
		TripConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
		Timeout:                 cfg.Breaker.Timeout,
	}, nil)
	a.registry = venue.NewRegistry()
	for _, name := range cfg.EnabledVenues() {
		vc, _ := cfg.Venue(name)
		ad, err := newAdapter(name, vc, breakers)
		if err != nil {
			return err
		}
		a.registry.Register(ad)
	}

	switch cfg.Broker.Kind {
	case "nats":
		nb, err := gateway.NewNatsBroker(cfg.Broker.URL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		a.broker = nb
	default:
		a.broker = gateway.NewMemBroker()
	}
	a.onClose("broker", func(context.Context) error { return a.broker.Close() })
	a.gateway = gateway.NewGateway(a.broker)

	a.sessions = session.NewManager(a.base, a.build)

	wsSrv := ws.NewServer(a.base, a.sessions, a.hub, a.known)
	wsSrv.Fanout = fanoutConfig(cfg)
	a.handler = httpapi.NewRouter(a.base, httpapi.Deps{
		Sessions: a.sessions,
		WS:       wsSrv,
		Store:    a.store,
		Venues:   a.registry.Names,
	}, httpapi.Options{Service: cfg.Name, Rate: cfg.HTTP.Rate, Burst: cfg.HTTP.Burst})

	logger.Info(ctx, "✅ quotes-service initialized",
		zap.Strings("venues", a.registry.Names()),
		zap.String("store", cfg.Store.Driver),
		zap.String("broker", cfg.Broker.Kind))
	return nil
}

func (a *App) openStores(ctx context.Context) error {
	cfg := a.boot
	var (
		gdb *gorm.DB
		sdb *sql.DB
		rdb *redis.Client
		err error
	)
	switch cfg.Store.Driver {
	case "mysql":
		gdb, err = orm.NewMySQL(&orm.Config{
			DSN:         cfg.Store.DSN,
			MaxIdle:     cfg.Store.MaxIdle,
			MaxOpen:     cfg.Store.MaxOpen,
			MaxLifetime: cfg.Store.MaxLifetimeSec,
			LogLevel:    cfg.Store.LogLevel,
		})
		if err != nil {
			return err
		}
		raw, err := gdb.DB()
		if err != nil {
			return err
		}
		a.db = raw
		a.onClose("mysql", func(context.Context) error { return raw.Close() })
	case "postgres", "sqlite":
		sdb, err = store.OpenSQL(ctx, cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			return err
		}
		if cfg.Store.Driver == "postgres" {
			sdb.SetMaxOpenConns(cfg.Store.MaxOpen)
			sdb.SetMaxIdleConns(cfg.Store.MaxIdle)
			sdb.SetConnMaxLifetime(time.Duration(cfg.Store.MaxLifetimeSec) * time.Second)
		}
		a.db = sdb
		a.onClose(cfg.Store.Driver, func(context.Context) error { return sdb.Close() })
	}

	if cfg.Redis.Enabled {
		rdb, err = xredis.NewRedis(ctx, &xredis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		a.rdb = rdb
		a.onClose("redis", func(context.Context) error { return rdb.Close() })
	}

	for _, name := range cfg.EnabledVenues() {
		vc, _ := cfg.Venue(name)
		table := vc.TableName(name)

		var st store.Store
		switch cfg.Store.Driver {
		case "mysql":
			gs := store.NewGormStore(gdb, table)
			if err := gs.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate %s: %w", table, err)
			}
			st = gs
		case "postgres", "sqlite":
			ss := store.NewSQLStore(sdb, cfg.Store.Driver, table)
			if err := ss.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate %s: %w", table, err)
			}
			st = ss
		default:
			st = store.NewMemStore()
		}

		if cfg.Influx.Enabled {
			m := store.NewInfluxMirror(st, store.InfluxConfig{
				URL:           cfg.Influx.URL,
				Token:         cfg.Influx.Token,
				Org:           cfg.Influx.Org,
				Bucket:        cfg.Influx.Bucket,
				BatchSize:     cfg.Influx.BatchSize,
				FlushInterval: cfg.Influx.FlushInterval,
				UseGzip:       cfg.Influx.Gzip,
			}, name, vc.Interval)
			a.onClose("influx:"+name, func(context.Context) error { m.Close(); return nil })
			st = m
		}
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.Prefix+":"+name, cfg.Redis.TTL)
		}
		a.stores[name] = st
	}
	return nil
}

func (a *App) onClose(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// close 逆序释放
func (a *App) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			logger.Warn(ctx, "close failed", zap.String("resource", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) known(name string) bool {
	_, ok := a.registry.Get(name)
	return ok
}

func (a *App) store(name string) (store.Store, bool) {
	st, ok := a.stores[name]
	return st, ok
}

// samplePools 定时把连接池状态刷到 prometheus
func (a *App) samplePools(ctx context.Context, every time.Duration) {
	if a.db == nil && a.rdb == nil {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		a.observePools()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (a *App) observePools() {
	if a.db != nil {
		metrics.ObserveDB(a.boot.Store.Driver, a.db.Stats())
	}
	if a.rdb != nil {
		metrics.ObserveRedis(a.rdb.PoolStats())
	}
}

func (a *App) Handler() http.Handler      { return a.handler }
func (a *App) Sessions() *session.Manager { return a.sessions }

// Run 启动 HTTP、broker 桥和自动会话，阻塞到 ctx 结束后优雅退出
func (a *App) Run(ctx context.Context) error {
	cfg := a.boot
	safe.GoCtx(a.base, func(ctx context.Context) { a.samplePools(ctx, 15*time.Second) })
	safe.GoCtx(a.base, func(ctx context.Context) {
		if err := ws.Bridge(ctx, a.hub, a.broker); err != nil {
			logger.Error(ctx, "broker bridge stopped", zap.Error(err))
		}
	})

	for _, name := range cfg.EnabledVenues() {
		if vc, _ := cfg.Venue(name); vc.Autostart {
			s, err := a.sessions.Start(name, nil)
			if err != nil {
				return err
			}
			logger.Info(ctx, "autostart session", zap.String("venue", name), zap.String("session_id", s.ID()))
		}
	}

	srv := httpapi.NewServer(cfg.HTTP.Addr, a.handler)
	errCh := make(chan error, 1)
	safe.Go(func() {
		logger.Info(ctx, "🚀 quotes-service listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	})

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info(ctx, "shutdown signal received")
	case runErr = <-errCh:
		logger.Error(ctx, "http server failed", zap.Error(runErr))
	}

	timeout := cfg.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn(sctx, "http shutdown error", zap.Error(err))
	}
	return errors.Join(runErr, a.Shutdown(sctx))
}

// Shutdown 停所有会话，再关 broker/存储/trace
func (a *App) Shutdown(ctx context.Context) error {
	err := a.sessions.StopAll(ctx)
	if err != nil {
		logger.Warn(ctx, "sessions did not stop in time", zap.Error(err))
	}
	a.cancel()
	return errors.Join(err, a.close(ctx))
}
