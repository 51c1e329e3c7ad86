package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

// 连接池快照，由 SamplePools 定时刷新
var (
	DbPoolOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "app_db_pool_open",
		Help: "Current open DB connections",
	}, []string{"store"})
	DbPoolIdle         = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "app_db_pool_idle"}, []string{"store"})
	DbPoolInuse        = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "app_db_pool_inuse"}, []string{"store"})
	DbPoolWaitCount    = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "app_db_pool_wait_count"}, []string{"store"})
	DbPoolWaitDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "app_db_pool_wait_seconds"}, []string{"store"})

	RedisPoolOpen     = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_redis_pool_open"})
	RedisPoolIdle     = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_redis_pool_idle"})
	RedisPoolHits     = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_redis_pool_hits"})
	RedisPoolMisses   = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_redis_pool_misses"})
	RedisPoolTimeouts = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_redis_pool_timeouts"})
)

func ObserveDB(name string, s sql.DBStats) {
	DbPoolOpen.WithLabelValues(name).Set(float64(s.OpenConnections))
	DbPoolIdle.WithLabelValues(name).Set(float64(s.Idle))
	DbPoolInuse.WithLabelValues(name).Set(float64(s.InUse))
	DbPoolWaitCount.WithLabelValues(name).Set(float64(s.WaitCount))
	DbPoolWaitDuration.WithLabelValues(name).Set(s.WaitDuration.Seconds())
}

func ObserveRedis(s *redis.PoolStats) {
	if s == nil {
		return
	}
	RedisPoolOpen.Set(float64(s.TotalConns))
	RedisPoolIdle.Set(float64(s.IdleConns))
	RedisPoolHits.Set(float64(s.Hits))
	RedisPoolMisses.Set(float64(s.Misses))
	RedisPoolTimeouts.Set(float64(s.Timeouts))
}
