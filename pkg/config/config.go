package config

import (
	"context"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"klinefeed.com/pkg/logger"
)

// Holder 热更新安全的配置快照
type Holder[T any] struct {
	mu       sync.RWMutex
	v        T
	onChange []func(T)
}

func NewHolder[T any](v T) *Holder[T] { return &Holder[T]{v: v} }

// Get 返回当前配置的拷贝；会话启动时取一次，之后不再读
func (h *Holder[T]) Get() T {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.v
}

// Set 整体替换并触发回调
func (h *Holder[T]) Set(v T) {
	h.mu.Lock()
	h.v = v
	fns := append([]func(T){}, h.onChange...)
	h.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// OnChange 注册变更回调
func (h *Holder[T]) OnChange(fn func(T)) {
	h.mu.Lock()
	h.onChange = append(h.onChange, fn)
	h.mu.Unlock()
}

type Options struct {
	Paths    []string       // 默认 ./config 和 .
	Defaults map[string]any // viper key -> 默认值
	Watch    bool
}

// Load 读取 {service}.yaml，环境变量覆盖，例如:
//
//	QUOTES_SERVICE_HTTP_ADDR 覆盖 http.addr
func Load[T any](service string, opts Options) (*Holder[T], *viper.Viper, error) {
	v := viper.New()
	v.SetConfigName(service)
	v.SetConfigType("yaml")
	paths := opts.Paths
	if len(paths) == 0 {
		paths = []string{"./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix(envPrefix(service))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for k, d := range opts.Defaults {
		v.SetDefault(k, d)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, nil, err
	}

	var out T
	if err := v.Unmarshal(&out); err != nil {
		return nil, nil, err
	}
	h := NewHolder(out)

	logger.Info(context.Background(), "config loaded",
		zap.String("service", service), zap.String("file", v.ConfigFileUsed()))

	if opts.Watch {
		v.OnConfigChange(func(e fsnotify.Event) {
			var next T
			if err := v.Unmarshal(&next); err != nil {
				logger.Warn(context.Background(), "reload config error",
					zap.String("file", e.Name), zap.Error(err))
				return
			}
			h.Set(next)
			logger.Info(context.Background(), "config reloaded", zap.String("file", e.Name))
		})
		v.WatchConfig()
	}
	return h, v, nil
}

// LoadAndWatch 约定：config/{service}.yaml，文件变更热更新
func LoadAndWatch[T any](service string) (*Holder[T], *viper.Viper, error) {
	return Load[T](service, Options{Watch: true})
}

func envPrefix(service string) string {
	return strings.ToUpper(strings.ReplaceAll(service, "-", "_"))
}
