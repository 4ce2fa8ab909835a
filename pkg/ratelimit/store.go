package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen int64 // unix nano  最后的时间
}

type limit struct {
	rate  rate.Limit
	burst int
}

// Store 按 key 维护令牌桶：HTTP 侧 key 是 ip+route，外部数据源侧 key 是 source 名
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	rate    rate.Limit
	burst   int
	ttl     time.Duration

	overrides map[string]limit
}

func NewStore(r rate.Limit, burst int, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Store{
		entries:   make(map[string]*entry, 1024),
		rate:      r,
		burst:     burst,
		ttl:       ttl,
		overrides: make(map[string]limit),
	}

}

// SetLimit 给单个 key 指定速率（比如免费的 explorer API 限额更低）
func (s *Store) SetLimit(key string, r rate.Limit, burst int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[key] = limit{rate: r, burst: burst}
	if e, ok := s.entries[key]; ok {
		e.limiter.SetLimit(r)
		e.limiter.SetBurst(burst)
	}
}

func (s *Store) get(key string) *rate.Limiter {
	now := time.Now().UnixNano()

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		r, b := s.rate, s.burst
		if o, ok := s.overrides[key]; ok {
			r, b = o.rate, o.burst
		}
		e = &entry{limiter: rate.NewLimiter(r, b), lastSeen: now}
		s.entries[key] = e
		return e.limiter
	}
	atomic.StoreInt64(&e.lastSeen, now)
	return e.limiter
}

// Allow 判断是否允许通过。允许则返回 true。
func (s *Store) Allow(key string) bool {
	return s.get(key).Allow()
}

func (s *Store) Wait(ctx context.Context, key string) error {
	return s.get(key).Wait(ctx)
}

func (s *Store) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cleanup()
			}
		}
	}()
}

func (s *Store) cleanup() {
	cut := time.Now().Add(-s.ttl).UnixNano()

	s.mu.Lock()
	for k, e := range s.entries {
		if _, pinned := s.overrides[k]; pinned {
			continue
		}
		if atomic.LoadInt64(&e.lastSeen) < cut {
			delete(s.entries, k)
		}
	}
	s.mu.Unlock()
}
