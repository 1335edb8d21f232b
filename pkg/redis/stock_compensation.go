package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// luaMarkSoldOutOnce 落库发现库存已空时调用，SETNX 标记保证同一订单只处理一次：
// Redis 库存对齐为 0（保留原 TTL，key 不存在则不创建），用户移出已抢购集合。
// 库存只会被压到 0，不会回加。
var luaMarkSoldOutOnce = rd.NewScript(`
local markKey = KEYS[1]
local stockKey = KEYS[2]
local orderKey = KEYS[3]
local userId = ARGV[1]
local ttlSec = tonumber(ARGV[2])

if redis.call('SETNX', markKey, '1') == 0 then
  return 0
end
redis.call('EXPIRE', markKey, ttlSec)
if redis.call('EXISTS', stockKey) == 1 then
  local pttl = redis.call('PTTL', stockKey)
  redis.call('SET', stockKey, 0)
  if pttl > 0 then
    redis.call('PEXPIRE', stockKey, pttl)
  end
end
redis.call('SREM', orderKey, userId)
return 1
`)

// MarkSoldOutOnce 持久化库存不足时对齐 Redis：
// - 首次处理返回 true
// - 同一订单重复处理返回 false
func MarkSoldOutOnce(ctx context.Context, rdb *rd.Client, orderID, voucherID, userID int64) (bool, error) {
	const markTTLSeconds = int64((7 * 24 * time.Hour) / time.Second)
	keys := []string{CompensationKey(orderID), SeckillStockKey(voucherID), SeckillOrderKey(voucherID)}

	n, err := luaMarkSoldOutOnce.Run(ctx, rdb, keys, userID, markTTLSeconds).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
