// Package cache 提供通用的读穿透缓存，内置三种防击穿/穿透策略：
// 缓存空值（pass-through）、互斥锁重建（mutex）、逻辑过期异步重建（logical expire）。
// 调用方在每个调用点选择策略。
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"shop_review/internal/metrics"
	rediskey "shop_review/pkg/redis"
)

const (
	strategyPassThrough = "passthrough"
	strategyMutex       = "mutex"
	strategyLogical     = "logical"

	// tombstone 空值占位，表示数据源中不存在
	tombstone = ""

	cacheNamespace = "cache:"
)

// ErrRebuildBusy 互斥重建在重试上限内始终没有拿到锁。
var ErrRebuildBusy = errors.New("cache rebuild busy")

// Loader 回源函数；数据不存在时返回 (nil, nil)。
type Loader[ID any, T any] func(ctx context.Context, id ID) (*T, error)

type Options struct {
	// NullTTL 空值占位的过期时间
	NullTTL time.Duration
	// LockTTL 重建锁租约，需大于一次回源耗时
	LockTTL time.Duration
	// RebuildWorkers 逻辑过期异步重建的并发上限
	RebuildWorkers int
	// MutexAttempts 互斥重建最多尝试次数，MutexBackoff 为线性退避步长
	MutexAttempts int
	MutexBackoff  time.Duration
	MaxBackoff    time.Duration
}

func (o Options) withDefaults() Options {
	if o.NullTTL <= 0 {
		o.NullTTL = rediskey.CacheNullTTL
	}
	if o.LockTTL <= 0 {
		o.LockTTL = rediskey.LockShopTTL
	}
	if o.RebuildWorkers <= 0 {
		o.RebuildWorkers = 10
	}
	if o.MutexAttempts <= 0 {
		o.MutexAttempts = 20
	}
	if o.MutexBackoff <= 0 {
		o.MutexBackoff = 50 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 500 * time.Millisecond
	}
	return o
}

// Client 持有异步重建任务池，用完需 Close。
type Client struct {
	rdb     *rd.Client
	locker  *rediskey.Locker
	log     *zap.Logger
	metrics *metrics.Metrics
	opts    Options

	sf       singleflight.Group
	rebuilds errgroup.Group
	ctx      context.Context
	cancel   context.CancelFunc
	now      func() time.Time
}

func New(rdb *rd.Client, locker *rediskey.Locker, log *zap.Logger, m *metrics.Metrics, opts Options) *Client {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		rdb:     rdb,
		locker:  locker,
		log:     log,
		metrics: m,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
	}
	c.rebuilds.SetLimit(opts.RebuildWorkers)
	return c
}

// Close 取消进行中的重建任务并等待其退出。
func (c *Client) Close() error {
	c.cancel()
	return c.rebuilds.Wait()
}

// Set 序列化后写入，并设置物理 TTL。
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return c.rdb.Set(ctx, key, b, ttl).Err()
}

// SetWithLogicalExpire 写入 {data, expireTime}，不设置物理 TTL。
func (c *Client) SetWithLogicalExpire(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	data, err := json.Marshal(RedisData{Data: b, ExpireTime: c.now().Add(ttl)})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return c.rdb.Set(ctx, key, data, 0).Err()
}

// Delete 删除缓存，更新数据库之后调用。
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

// mutexRebuildTimeout 互斥重建整体上限：全部退避加一次持锁回源。
func (c *Client) mutexRebuildTimeout() time.Duration {
	return c.opts.LockTTL + time.Duration(c.opts.MutexAttempts)*c.opts.MaxBackoff
}

func cacheKey[ID any](keyPrefix string, id ID) string {
	return keyPrefix + fmt.Sprint(id)
}

// lockName cache:shop: + 1 -> shop:1，对应锁 key lock:shop:1
func lockName[ID any](keyPrefix string, id ID) string {
	return strings.TrimPrefix(keyPrefix, cacheNamespace) + fmt.Sprint(id)
}

// readValue 读取物理过期模式的缓存。
// found=true 且 value=nil 表示命中空值占位。
func readValue[T any](ctx context.Context, c *Client, key string) (*T, bool, error) {
	raw, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, rd.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cache %s: %w", key, err)
	}
	if raw == tombstone {
		return nil, true, nil
	}
	v := new(T)
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return nil, false, fmt.Errorf("decode cache %s: %w", key, err)
	}
	return v, true, nil
}

// writeValue 回源结果写缓存：不存在时写空值占位。
func writeValue[T any](ctx context.Context, c *Client, key string, value *T, ttl time.Duration) {
	var err error
	if value == nil {
		err = c.rdb.Set(ctx, key, tombstone, c.opts.NullTTL).Err()
	} else {
		err = c.Set(ctx, key, value, ttl)
	}
	if err != nil {
		c.log.Warn("write cache failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.opts.MutexBackoff * time.Duration(attempt)
	if d > c.opts.MaxBackoff {
		return c.opts.MaxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
