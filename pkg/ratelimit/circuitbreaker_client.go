package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/olawanle/time-machine-investment-system-sub000/pkg/xerr"
	"github.com/sony/gobreaker/v2"
)

type Rule struct {
	// Half-Open 状态允许通过的探测请求数（MaxRequests=0 时库会当作 1）
	MaxRequests uint32

	// Closed 状态计数窗口
	Interval time.Duration

	// Rolling window 每个 bucket 周期（>0 则启用 rolling window；<=0 用 fixed window）
	BucketPeriod time.Duration

	// Open 状态持续时间，到期进入 Half-Open
	Timeout time.Duration

	// 触发熔断条件（两种之一即可）
	TripConsecutiveFailures uint32  // 连续失败阈值
	TripFailureRate         float64 // 失败率阈值（0~1），比如 0.5
	TripMinRequests         uint32  // 失败率计算的最小样本数，比如 20
}

// StateHook 熔断器状态变化回调（打 metrics / 日志）
type StateHook func(name string, from, to gobreaker.State)

type Manager struct {
	mu sync.RWMutex
	m  map[string]*gobreaker.CircuitBreaker[struct{}]

	defaultRule Rule
	rules       map[string]Rule
	onState     StateHook
}

func NewManager(defaultRule Rule, perName map[string]Rule) *Manager {

	if defaultRule.MaxRequests == 0 {
		defaultRule.MaxRequests = 1
	}
	if defaultRule.Timeout <= 0 {
		defaultRule.Timeout = 30 * time.Second
	}
	if defaultRule.Interval <= 0 {
		defaultRule.Interval = 60 * time.Second
	}
	if defaultRule.TripConsecutiveFailures == 0 && defaultRule.TripFailureRate == 0 {
		defaultRule.TripConsecutiveFailures = 5
	}
	if defaultRule.TripMinRequests == 0 {
		defaultRule.TripMinRequests = 20
	}

	return &Manager{
		m:           make(map[string]*gobreaker.CircuitBreaker[struct{}], 8),
		defaultRule: defaultRule,
		rules:       perName,
	}
}

// OnStateChange 必须在第一次 Get 之前设置
func (m *Manager) OnStateChange(h StateHook) {
	m.mu.Lock()
	m.onState = h
	m.mu.Unlock()
}

func (m *Manager) Get(name string) *gobreaker.CircuitBreaker[struct{}] {
	// 快路径：读锁
	m.mu.RLock()
	cb := m.m[name]
	m.mu.RUnlock()
	if cb != nil {
		return cb
	}

	// 慢路径：创建
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb = m.m[name]; cb != nil {
		return cb
	}

	rule, ok := m.rules[name]
	if !ok {
		rule = m.defaultRule
	}
	hook := m.onState
	st := gobreaker.Settings{
		Name:         name,
		MaxRequests:  rule.MaxRequests,
		Interval:     rule.Interval,
		BucketPeriod: rule.BucketPeriod,
		Timeout:      rule.Timeout,

		ReadyToTrip: func(c gobreaker.Counts) bool {
			// 1) 连续失败阈值优先（最直观）
			if rule.TripConsecutiveFailures > 0 && c.ConsecutiveFailures >= rule.TripConsecutiveFailures {
				return true
			}
			// 2) 失败率阈值（适合波动流量）
			if rule.TripFailureRate > 0 && c.Requests >= rule.TripMinRequests {
				failRate := float64(c.TotalFailures) / float64(c.Requests)
				return failRate >= rule.TripFailureRate
			}
			return false
		},

		IsSuccessful: isSuccessfulForBreaker,
		OnStateChange: func(name string, from, to gobreaker.State) {
			if hook != nil {
				hook(name, from, to)
			}
		},
	}

	cb = gobreaker.NewCircuitBreaker[struct{}](st)
	m.m[name] = cb
	return cb
}

// Do 用 name 对应的熔断器包一层调用
func (m *Manager) Do(name string, fn func() error) error {
	_, err := m.Get(name).Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// IsOpen 熔断器打开（或半开名额已满）导致的拒绝
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func isSuccessfulForBreaker(err error) bool {
	if err == nil {
		return true
	}
	// 调用方自己取消的不算下游不健康
	if errors.Is(err, context.Canceled) {
		return true
	}

	switch xerr.CodeOf(err) {
	// ✅ 业务可预期的结果 -> 不计入熔断失败
	case xerr.RequestParamsError,
		xerr.RecordNotFound,
		xerr.AddressNotFound,
		xerr.PaymentNotFound,
		xerr.NoBalance:
		return true
	default:
		// ❌ 网络/超时/5xx/解析失败 -> 计入
		return false
	}
}
