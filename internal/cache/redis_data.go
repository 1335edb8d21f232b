package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// RedisData 逻辑过期模式下的缓存包装。
type RedisData struct {
	Data       json.RawMessage `json:"data"`
	ExpireTime time.Time       `json:"expireTime"`
}

func (d RedisData) Expired(now time.Time) bool {
	return !now.Before(d.ExpireTime)
}

type logicalEnvelope struct {
	Data       json.RawMessage `json:"data"`
	ExpireTime *time.Time      `json:"expireTime"`
}

// readLogical 读取逻辑过期缓存。
// 不带 expireTime 的裸值（比如被 Set 写入的）视为已过期，触发一次重建。
func readLogical(ctx context.Context, c *Client, key string) (RedisData, bool, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, rd.Nil) {
		return RedisData{}, false, nil
	}
	if err != nil {
		return RedisData{}, false, fmt.Errorf("read cache %s: %w", key, err)
	}
	if len(raw) == 0 {
		return RedisData{}, false, nil
	}

	var env logicalEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return RedisData{}, false, fmt.Errorf("decode cache %s: %w", key, err)
	}
	if env.ExpireTime == nil {
		return RedisData{Data: raw}, true, nil
	}
	return RedisData{Data: env.Data, ExpireTime: *env.ExpireTime}, true, nil
}

func decodeData[T any](key string, data json.RawMessage) (*T, error) {
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	v := new(T)
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("decode cache %s: %w", key, err)
	}
	return v, nil
}
