package redis

import (
	"context"
	"errors"
	"time"

	rd "github.com/redis/go-redis/v9"
)

const (
	// idEpoch 2025-01-01 00:00:00 UTC
	idEpoch = int64(1735689600)
	// countBits 低 32 位为当日自增序号；同一业务每天最多 2^32 个 ID，超过即会重复。
	countBits = 32
)

// IDWorker 生成全局唯一、按时间大致递增的 64 位 ID：
// 高位为距 epoch 的秒数，低 32 位为 Redis 中按业务、按天的自增计数。
type IDWorker struct {
	rdb *rd.Client
	now func() time.Time
}

func NewIDWorker(rdb *rd.Client) *IDWorker {
	return &IDWorker{rdb: rdb, now: time.Now}
}

// NextID 同一 businessKey 在全集群唯一；不同 businessKey 之间不保证可排序。
func (w *IDWorker) NextID(ctx context.Context, businessKey string) (int64, error) {
	if businessKey == "" {
		return 0, errors.New("business key is required")
	}
	now := w.now().UTC()
	timestamp := now.Unix() - idEpoch

	count, err := w.rdb.Incr(ctx, IDCounterKey(businessKey, now)).Result()
	if err != nil {
		return 0, err
	}
	return timestamp<<countBits | (count & (1<<countBits - 1)), nil
}

// SplitID 拆出时间戳部分与序号部分，排查问题时使用。
func SplitID(id int64) (time.Time, int64) {
	sec := id>>countBits + idEpoch
	return time.Unix(sec, 0).UTC(), id & (1<<countBits - 1)
}
