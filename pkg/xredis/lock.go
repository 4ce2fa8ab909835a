package xredis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lua 脚本：释放锁
// KEYS[1]: 锁的 key
// ARGV[1]: 锁的 value (token)，防止误删别人的锁
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`

// 续期也要判断 owner，GET + EXPIRE 两步之间可能被别人抢走
const renewScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("pexpire", KEYS[1], ARGV[2])
else
    return 0
end
`

type DistLock struct {
	client     redis.Cmdable
	key        string
	token      string        // 锁的唯一标识 (UUID)，谁加锁谁解锁
	expiration time.Duration // 锁的自动过期时间，进程挂了也不会死锁
}

func NewDistLock(client redis.Cmdable, key string, expiration time.Duration) *DistLock {
	return &DistLock{
		client:     client,
		key:        key,
		token:      uuid.New().String(), // 每个锁实例生成唯一的 Token
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞，一次性）
func (l *DistLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.token, l.expiration).Result()
}

// Unlock 安全释放锁
func (l *DistLock) Unlock(ctx context.Context) (bool, error) {
	res, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.token).Int64()
	if err != nil {
		return false, err
	}
	// 1 表示删除成功，0 表示 Key 不存在或 Token 不匹配
	return res == 1, nil
}

// LeaderLease 多实例部署时选一个 leader 跑定时任务；lease 过期自动让位
type LeaderLease struct {
	client redis.Cmdable
	key    string
	id     string // 当前节点的唯一ID
	ttl    time.Duration
}

func NewLeaderLease(client redis.Cmdable, key string, ttl time.Duration) *LeaderLease {
	return &LeaderLease{
		client: client,
		key:    key,
		id:     fmt.Sprintf("%s-%d", uuid.NewString(), time.Now().UnixNano()),
		ttl:    ttl,
	}
}

func (l *LeaderLease) ID() string { return l.id }

// Acquire 抢到或续期成功返回 true
func (l *LeaderLease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.id, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	// 抢锁失败，看看是不是自己的（续期）
	n, err := l.client.Eval(ctx, renewScript, []string{l.key}, l.id, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release 主动让位（优雅退出时调用）
func (l *LeaderLease) Release(ctx context.Context) error {
	return l.client.Eval(ctx, unlockScript, []string{l.key}, l.id).Err()
}
