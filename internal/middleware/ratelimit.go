package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	rediskey "shop_review/pkg/redis"
)

// luaRateLimit 滑动窗口限流（zset，score 为毫秒时间戳）
// KEYS[1]=限流key，ARGV[1]=当前毫秒，ARGV[2]=窗口起点毫秒，ARGV[3]=窗口毫秒，ARGV[4]=member，ARGV[5]=limit
// 返回窗口内请求数，超限返回 -1
var luaRateLimit = rd.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowStart = tonumber(ARGV[2])
local windowMs = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '0', windowStart)

local count = redis.call('ZCARD', key)
if count < tonumber(ARGV[5]) then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, windowMs)
  return count + 1
end
return -1
`)

// RedisRateLimit 按 user_id 限流，body 中没有 user_id 时按 IP。
// Redis 出错时放行。
func RedisRateLimit(rdb *rd.Client, log *zap.Logger, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		var key string
		if userID, err := extractUserID(c); err == nil && userID > 0 {
			key = rediskey.RateLimitKey(userID)
		} else {
			key = fmt.Sprintf("rate_limit:seckill:ip:%s", c.ClientIP())
		}

		now := time.Now().UnixMilli()
		windowMs := window.Milliseconds()
		res, err := luaRateLimit.Run(c.Request.Context(), rdb, []string{key},
			now, now-windowMs, windowMs, uuid.NewString(), limit).Int()
		if err != nil {
			log.Warn("rate limit check failed, allowing request", zap.String("key", key), zap.Error(err))
			c.Next()
			return
		}

		if res < 0 {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code": 429,
				"msg":  "请求过于频繁，请稍后再试",
			})
			return
		}
		c.Next()
	}
}

// extractUserID 从请求 body 中解析 user_id（不消耗 body，可重复读）
func extractUserID(c *gin.Context) (int64, error) {
	if c.Request.Body == nil {
		return 0, io.EOF
	}
	bodyBytes, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return 0, err
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

	var req struct {
		UserID int64 `json:"user_id"`
	}
	if err := json.Unmarshal(bodyBytes, &req); err != nil {
		return 0, err
	}
	return req.UserID, nil
}
