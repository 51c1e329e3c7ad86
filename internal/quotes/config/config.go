// Package config quotes-service 的配置结构，对应 config/quotes-service.yaml
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"klinefeed.com/pkg/trace"
)

const ServiceName = "quotes-service"

// 总配置
type Config struct {
	Name    string                 `mapstructure:"name"`
	Log     LogConfig              `mapstructure:"log"`
	HTTP    HTTPConfig             `mapstructure:"http"`
	Trace   trace.Config           `mapstructure:"trace"`
	Store   StoreConfig            `mapstructure:"store"`
	Redis   RedisConfig            `mapstructure:"redis"`
	Influx  InfluxConfig           `mapstructure:"influx"`
	Broker  BrokerConfig           `mapstructure:"broker"`
	Session SessionConfig          `mapstructure:"session"`
	Retry   RetryConfig            `mapstructure:"retry"`
	Breaker BreakerConfig          `mapstructure:"breaker"`
	Venues  map[string]VenueConfig `mapstructure:"venues"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// HTTP 配置
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	Rate            float64       `mapstructure:"rate"` // 每 IP 每秒请求
	Burst           int           `mapstructure:"burst"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StoreConfig struct {
	Driver         string `mapstructure:"driver"` // memory | mysql | postgres | sqlite
	DSN            string `mapstructure:"dsn"`
	MaxOpen        int    `mapstructure:"max_open"`
	MaxIdle        int    `mapstructure:"max_idle"`
	MaxLifetimeSec int    `mapstructure:"max_lifetime_sec"`
	LogLevel       string `mapstructure:"log_level"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type InfluxConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Token         string        `mapstructure:"token"`
	Org           string        `mapstructure:"org"`
	Bucket        string        `mapstructure:"bucket"`
	BatchSize     uint          `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	Gzip          bool          `mapstructure:"gzip"`
}

type BrokerConfig struct {
	Kind string `mapstructure:"kind"` // mem | nats
	URL  string `mapstructure:"url"`
}

type SessionConfig struct {
	FanoutEvery    time.Duration `mapstructure:"fanout_every"`
	SendTimeout    time.Duration `mapstructure:"send_timeout"`
	HeartbeatEvery time.Duration `mapstructure:"heartbeat_every"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout"`
	WriterQueue    int           `mapstructure:"writer_queue"`
}

type RetryConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Base     time.Duration `mapstructure:"base"`
	Factor   float64       `mapstructure:"factor"`
}

type BreakerConfig struct {
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	Timeout             time.Duration `mapstructure:"timeout"`
}

// VenueConfig 单个行情源；凭证一般放 .env，通过 QUOTES_SERVICE_VENUES_<NAME>_<KEY> 覆盖
type VenueConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Symbols  []string      `mapstructure:"symbols"`
	Interval time.Duration `mapstructure:"interval"`
	Table    string        `mapstructure:"table"` // 默认 <venue>_bars
	Calendar string        `mapstructure:"calendar"`

	GapEvery time.Duration `mapstructure:"gap_every"`
	Lookback time.Duration `mapstructure:"lookback"`
	MaxChunk time.Duration `mapstructure:"max_chunk"`

	RPS            float64       `mapstructure:"rps"`
	Burst          int           `mapstructure:"burst"`
	KeepAlive      time.Duration `mapstructure:"keepalive"`
	KeepAliveFails int           `mapstructure:"keepalive_fails"`
	PollEvery      time.Duration `mapstructure:"poll_every"`
	ChunkPause     time.Duration `mapstructure:"chunk_pause"`

	BaseURL  string `mapstructure:"base_url"`
	WSURL    string `mapstructure:"ws_url"`
	Insecure bool   `mapstructure:"insecure"`

	Autostart bool `mapstructure:"autostart"` // 启动时自动起一个 headless 会话

	APIKey      string `mapstructure:"api_key"`
	SecretKey   string `mapstructure:"secret_key"`
	ClientID    string `mapstructure:"client_id"`
	AccessToken string `mapstructure:"access_token"`
}

// Defaults viper 默认值，yaml 里没写的项用这些
func Defaults() map[string]any {
	return map[string]any{
		"name":                         ServiceName,
		"log.level":                    "info",
		"log.max_size_mb":              100,
		"log.max_backups":              5,
		"log.max_age_days":             7,
		"http.addr":                    ":8080",
		"http.rate":                    50,
		"http.burst":                   100,
		"http.shutdown_timeout":        "10s",
		"store.driver":                 "memory",
		"store.max_open":               20,
		"store.max_idle":               5,
		"store.max_lifetime_sec":       3600,
		"redis.prefix":                 "quotes",
		"redis.ttl":                    "30s",
		"influx.batch_size":            2000,
		"influx.flush_interval":        "1s",
		"broker.kind":                  "mem",
		"session.fanout_every":         "1s",
		"session.send_timeout":         "2s",
		"session.heartbeat_every":      "25s",
		"session.drain_timeout":        "5s",
		"session.writer_queue":         1024,
		"retry.attempts":               5,
		"retry.base":                   "1s",
		"retry.factor":                 2,
		"breaker.consecutive_failures": 5,
		"breaker.timeout":              "30s",
	}
}

// Validate 启动前检查，只查会让服务跑不起来的项
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "mysql", "postgres", "sqlite":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn required for driver %s", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.Broker.Kind {
	case "", "mem":
	case "nats":
		if c.Broker.URL == "" {
			return fmt.Errorf("broker.url required for nats")
		}
	default:
		return fmt.Errorf("unknown broker.kind %q", c.Broker.Kind)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr required when redis is enabled")
	}
	if c.Influx.Enabled && (c.Influx.URL == "" || c.Influx.Bucket == "") {
		return fmt.Errorf("influx.url and influx.bucket required when influx is enabled")
	}
	for name, v := range c.Venues {
		if !v.Enabled {
			continue
		}
		if len(v.Symbols) == 0 {
			return fmt.Errorf("venues.%s.symbols is empty", name)
		}
		if v.Interval < 0 {
			return fmt.Errorf("venues.%s.interval must be positive", name)
		}
	}
	return nil
}

// EnabledVenues 排序后的已启用 venue 名
func (c *Config) EnabledVenues() []string {
	out := make([]string, 0, len(c.Venues))
	for name, v := range c.Venues {
		if v.Enabled {
			out = append(out, strings.ToLower(name))
		}
	}
	sort.Strings(out)
	return out
}

// Venue 按名字取（不区分大小写）
func (c *Config) Venue(name string) (VenueConfig, bool) {
	name = strings.ToLower(name)
	for k, v := range c.Venues {
		if strings.ToLower(k) == name {
			return v, v.Enabled
		}
	}
	return VenueConfig{}, false
}

func (v VenueConfig) TableName(venue string) string {
	if v.Table != "" {
		return v.Table
	}
	return strings.ToLower(venue) + "_bars"
}

// WithEnv 凭证类字段为空时从环境变量（.env）补：<VENUE>_API_KEY、FYERS_ACCESS_TOKEN 等。
// 返回新的配置，Venues 是新 map。
func (c Config) WithEnv(getenv func(string) string) Config {
	venues := make(map[string]VenueConfig, len(c.Venues))
	for name, v := range c.Venues {
		p := strings.ToUpper(name) + "_"
		fill := func(dst *string, keys ...string) {
			for _, k := range keys {
				if *dst != "" {
					return
				}
				*dst = getenv(k)
			}
		}
		fill(&v.APIKey, p+"API_KEY")
		fill(&v.SecretKey, p+"SECRET_KEY")
		fill(&v.ClientID, p+"CLIENT_ID")
		fill(&v.AccessToken, p+"ACCESS_TOKEN", "ACCESS_TOKEN")
		fill(&v.BaseURL, p+"BASE_URL")
		venues[name] = v
	}
	c.Venues = venues
	return c
}
