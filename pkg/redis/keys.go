package redis

import (
	"fmt"
	"time"
)

const (
	// CacheShopKey 商铺详情缓存前缀，完整 key 为 cache:shop:{id}
	CacheShopKey = "cache:shop:"
	// CacheSeckillVoucherKey 秒杀券（活动时间窗）缓存前缀
	CacheSeckillVoucherKey = "cache:seckill:voucher:"

	CacheShopTTL = 30 * time.Minute
	CacheNullTTL = 2 * time.Minute

	// LockKeyPrefix 所有分布式锁的统一命名空间
	LockKeyPrefix = "lock:"
	LockShopTTL   = 10 * time.Second
	LockOrderTTL  = 30 * time.Second

	// OrderStream 秒杀下单消息队列（Redis Stream）
	OrderStream = "stream.orders"

	idCounterPrefix = "icr:"
)

// LockKey 锁名 -> Redis key。
func LockKey(name string) string {
	return LockKeyPrefix + name
}

// OrderLockName 按用户维度的下单锁，防止同一用户的消息被并发落单。
func OrderLockName(userID int64) string {
	return fmt.Sprintf("order:%d", userID)
}

// SeckillStockKey 秒杀库存计数器。
func SeckillStockKey(voucherID int64) string {
	return fmt.Sprintf("seckill:stock:%d", voucherID)
}

// SeckillOrderKey 已抢购用户集合（一人一单）。
func SeckillOrderKey(voucherID int64) string {
	return fmt.Sprintf("seckill:order:%d", voucherID)
}

// IDCounterKey 全局 ID 自增计数器，按业务 + 自然日隔离。
func IDCounterKey(businessKey string, day time.Time) string {
	return idCounterPrefix + businessKey + ":" + day.Format("2006:01:02")
}

// OrderStatusKey 存储 order_id 的异步状态（pending/success/failed）。
func OrderStatusKey(orderID int64) string {
	return fmt.Sprintf("seckill:order:status:%d", orderID)
}

// CompensationKey 标记某个订单是否已做过库存回补。
func CompensationKey(orderID int64) string {
	return fmt.Sprintf("seckill:stock:compensated:%d", orderID)
}

// RateLimitKey 下单接口按用户限流。
func RateLimitKey(userID int64) string {
	return fmt.Sprintf("rate_limit:seckill:user:%d", userID)
}
