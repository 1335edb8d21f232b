package cache

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	rediskey "shop_review/pkg/redis"
)

// QueryWithPassThrough 缓存空值解决缓存穿透：
// 数据源不存在时写入短 TTL 的空值，之后的查询直接返回 nil 不再回源。
func QueryWithPassThrough[ID any, T any](ctx context.Context, c *Client, keyPrefix string, id ID, load Loader[ID, T], ttl time.Duration) (*T, error) {
	key := cacheKey(keyPrefix, id)

	v, found, err := readValue[T](ctx, c, key)
	if err != nil {
		return nil, err
	}
	if found {
		c.metrics.CacheLookup(strategyPassThrough, hitResult(v))
		return v, nil
	}
	c.metrics.CacheLookup(strategyPassThrough, "miss")

	c.metrics.CacheLoad(strategyPassThrough)
	r, err := load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	writeValue(ctx, c, key, r, ttl)
	return r, nil
}

// QueryWithMutex 互斥锁解决缓存击穿：同一 key 同一时刻只有持锁者回源。
// 拿不到锁时退避重试，超过 MutexAttempts 次返回 ErrRebuildBusy。
// 同进程内对同一 key 的并发请求先经 singleflight 合并，再去竞争分布式锁。
func QueryWithMutex[ID any, T any](ctx context.Context, c *Client, keyPrefix string, id ID, load Loader[ID, T], ttl time.Duration) (*T, error) {
	key := cacheKey(keyPrefix, id)

	v, found, err := readValue[T](ctx, c, key)
	if err != nil {
		return nil, err
	}
	if found {
		c.metrics.CacheLookup(strategyMutex, hitResult(v))
		return v, nil
	}
	c.metrics.CacheLookup(strategyMutex, "miss")

	// 共享的重建不继承发起者的取消，每个调用方只按自己的 ctx 放弃等待
	ch := c.sf.DoChan(key, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.mutexRebuildTimeout())
		defer cancel()
		return rebuildWithMutex(rctx, c, key, lockName(keyPrefix, id), id, load, ttl)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*T), nil
	}
}

func rebuildWithMutex[ID any, T any](ctx context.Context, c *Client, key, name string, id ID, load Loader[ID, T], ttl time.Duration) (*T, error) {
	for attempt := 1; attempt <= c.opts.MutexAttempts; attempt++ {
		if attempt > 1 {
			v, found, err := readValue[T](ctx, c, key)
			if err != nil {
				return nil, err
			}
			if found {
				return v, nil
			}
		}

		lk, ok, err := c.locker.TryLock(ctx, name, c.opts.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", name, err)
		}
		if ok {
			return loadLocked(ctx, c, key, lk, id, load, ttl)
		}

		if attempt == c.opts.MutexAttempts {
			break
		}
		if err := sleepCtx(ctx, c.backoff(attempt)); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrRebuildBusy, key, c.opts.MutexAttempts)
}

func loadLocked[ID any, T any](ctx context.Context, c *Client, key string, lk *rediskey.Lock, id ID, load Loader[ID, T], ttl time.Duration) (*T, error) {
	defer func() {
		if err := lk.Unlock(context.WithoutCancel(ctx)); err != nil {
			c.log.Warn("release cache lock failed", zap.String("lock", lk.Name()), zap.Error(err))
		}
	}()

	// 拿到锁后再查一次，前一个持锁者可能刚写完
	v, found, err := readValue[T](ctx, c, key)
	if err != nil {
		return nil, err
	}
	if found {
		return v, nil
	}

	c.metrics.CacheLoad(strategyMutex)
	r, err := load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	writeValue(ctx, c, key, r, ttl)
	return r, nil
}

// QueryWithLogicalExpire 逻辑过期解决缓存击穿：key 不设置物理 TTL，
// 过期后仍立即返回旧值，抢到锁的请求提交异步重建任务。
// 只有从未预热过的 key 才返回 nil。
func QueryWithLogicalExpire[ID any, T any](ctx context.Context, c *Client, keyPrefix string, id ID, load Loader[ID, T], ttl time.Duration) (*T, error) {
	key := cacheKey(keyPrefix, id)

	entry, found, err := readLogical(ctx, c, key)
	if err != nil {
		return nil, err
	}
	if !found {
		c.metrics.CacheLookup(strategyLogical, "miss")
		return nil, nil
	}
	v, err := decodeData[T](key, entry.Data)
	if err != nil {
		return nil, err
	}
	if !entry.Expired(c.now()) {
		c.metrics.CacheLookup(strategyLogical, "hit")
		return v, nil
	}
	c.metrics.CacheLookup(strategyLogical, "stale")

	name := lockName(keyPrefix, id)
	lk, ok, err := c.locker.TryLock(ctx, name, c.opts.LockTTL)
	if err != nil {
		c.log.Warn("acquire rebuild lock failed", zap.String("lock", name), zap.Error(err))
		return v, nil
	}
	if !ok {
		// 其他请求已在重建
		return v, nil
	}

	submitted := c.rebuilds.TryGo(func() error {
		if err := rebuildLogical(c.ctx, c, key, lk, id, load, ttl); err != nil {
			c.metrics.CacheRebuild("failed")
			c.log.Error("cache rebuild failed", zap.String("key", key), zap.Error(err))
		}
		return nil
	})
	if !submitted {
		c.metrics.CacheRebuild("rejected")
		if err := lk.Unlock(ctx); err != nil {
			c.log.Warn("release cache lock failed", zap.String("lock", name), zap.Error(err))
		}
	}
	return v, nil
}

func rebuildLogical[ID any, T any](ctx context.Context, c *Client, key string, lk *rediskey.Lock, id ID, load Loader[ID, T], ttl time.Duration) error {
	defer func() {
		if err := lk.Unlock(context.WithoutCancel(ctx)); err != nil {
			c.log.Warn("release cache lock failed", zap.String("lock", lk.Name()), zap.Error(err))
		}
	}()

	// 再次判断是否过期，避免重复重建
	entry, found, err := readLogical(ctx, c, key)
	if err != nil {
		return err
	}
	if found && !entry.Expired(c.now()) {
		c.metrics.CacheRebuild("skipped")
		return nil
	}

	c.metrics.CacheLoad(strategyLogical)
	r, err := load(ctx, id)
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	if err := c.SetWithLogicalExpire(ctx, key, r, ttl); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	c.metrics.CacheRebuild("ok")
	return nil
}

func hitResult[T any](v *T) string {
	if v == nil {
		return "null_hit"
	}
	return "hit"
}
