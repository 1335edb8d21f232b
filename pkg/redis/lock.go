package redis

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
)

// luaUnlock 仅当锁值匹配持有者 token 时才删除，避免 TTL 过期后误删他人的锁。
var luaUnlock = rd.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Locker 基于 SET NX PX 的分布式互斥锁工厂。
//
// 租约语义：持有者进程崩溃时，锁最多残留 ttl；ttl 小于临界区耗时时，
// 其他进程可能在前一个持有者仍在执行时拿到锁，调用方需据此选择 ttl。
type Locker struct {
	rdb      *rd.Client
	idPrefix string
	seq      atomic.Uint64
}

// NewLocker 每个进程一个随机前缀，token = 前缀 + 本次加锁序号。
func NewLocker(rdb *rd.Client) *Locker {
	return &Locker{
		rdb:      rdb,
		idPrefix: uuid.NewString() + "-",
	}
}

// Lock 一次成功的加锁；token 唯一标识这次获取。
type Lock struct {
	locker *Locker
	name   string
	token  string
}

func (l *Lock) Name() string  { return l.name }
func (l *Lock) Token() string { return l.token }

// Unlock 释放锁；锁已过期或被他人持有时不做任何事。
func (l *Lock) Unlock(ctx context.Context) error {
	_, err := l.locker.Release(ctx, l.name, l.token)
	return err
}

// TryLock 尝试获取锁，竞争失败立即返回 false，不自旋等待。
func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (*Lock, bool, error) {
	if ttl <= 0 {
		return nil, false, errors.New("lock ttl must be > 0")
	}
	token := l.idPrefix + strconv.FormatUint(l.seq.Add(1), 10)
	ok, err := l.rdb.SetNX(ctx, LockKey(name), token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{locker: l, name: name, token: token}, true, nil
}

// Release 原子比较并删除，返回是否真的删除了锁。
func (l *Locker) Release(ctx context.Context, name, token string) (bool, error) {
	n, err := luaUnlock.Run(ctx, l.rdb, []string{LockKey(name)}, token).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
