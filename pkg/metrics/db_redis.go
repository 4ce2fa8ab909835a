package metrics

import (
	"context"
	"database/sql"
	"time"

	"github.com/olawanle/time-machine-investment-system-sub000/pkg/safe"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	DbPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "app_db_pool_open",
		Help: "Current open DB connections",
	})
	DbPoolIdle         = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_db_pool_idle"})
	DbPoolInuse        = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_db_pool_inuse"})
	DbPoolWaitCount    = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_db_pool_wait_count"})
	DbPoolWaitDuration = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_db_pool_wait_seconds"})

	RedisPoolOpen     = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_redis_pool_open"})
	RedisPoolIdle     = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_redis_pool_idle"})
	RedisPoolTimeouts = promauto.NewGauge(prometheus.GaugeOpts{Name: "app_redis_pool_timeouts"})
)

// ObserveDB 把 sql.DBStats 同步到 gauge（Wait* 是累计值，所以也用 gauge 直接 Set）
func ObserveDB(st sql.DBStats) {
	DbPoolOpen.Set(float64(st.OpenConnections))
	DbPoolIdle.Set(float64(st.Idle))
	DbPoolInuse.Set(float64(st.InUse))
	DbPoolWaitCount.Set(float64(st.WaitCount))
	DbPoolWaitDuration.Set(st.WaitDuration.Seconds())
}

func ObserveRedis(st *redis.PoolStats) {
	if st == nil {
		return
	}
	RedisPoolOpen.Set(float64(st.TotalConns))
	RedisPoolIdle.Set(float64(st.IdleConns))
	RedisPoolTimeouts.Set(float64(st.Timeouts))
}

// StartPoolCollector 定时采样连接池；db / rdb 为 nil 就跳过
func StartPoolCollector(ctx context.Context, db *sql.DB, rdb *redis.Client, every time.Duration) {
	if every <= 0 {
		every = 15 * time.Second
	}
	ticker := time.NewTicker(every)
	safe.Go("pool-collector", func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if db != nil {
					ObserveDB(db.Stats())
				}
				if rdb != nil {
					ObserveRedis(rdb.PoolStats())
				}
			}
		}
	})
}
