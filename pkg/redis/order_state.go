package redis

import (
	"context"
	"strconv"
	"time"

	rd "github.com/redis/go-redis/v9"
)

const (
	// OrderPending 已通过资格校验并入队，等待异步落单。
	OrderPending = "pending"
	// OrderSuccess 订单已落库。
	OrderSuccess = "success"
	// OrderFailed 落单失败（终态），用户名额已释放。
	OrderFailed = "failed"
)

// OrderState 对应 Redis 内的订单状态结构。
type OrderState struct {
	OrderID   int64
	VoucherID int64
	UserID    int64
	Status    string
	Reason    string
}

// GetOrderState 查询订单当前状态。found=false 表示 key 不存在。
func GetOrderState(ctx context.Context, rdb *rd.Client, orderID int64) (OrderState, bool, error) {
	m, err := rdb.HGetAll(ctx, OrderStatusKey(orderID)).Result()
	if err != nil {
		return OrderState{}, false, err
	}
	if len(m) == 0 {
		return OrderState{}, false, nil
	}

	out := OrderState{
		OrderID: orderID,
		Status:  m["status"],
		Reason:  m["reason"],
	}
	out.VoucherID, _ = strconv.ParseInt(m["voucher_id"], 10, 64)
	out.UserID, _ = strconv.ParseInt(m["user_id"], 10, 64)
	if out.Status == "" {
		out.Status = OrderPending
	}
	return out, true, nil
}

// PutOrderState 更新订单状态，并刷新 key TTL。
func PutOrderState(ctx context.Context, rdb *rd.Client, st OrderState, ttl time.Duration) error {
	key := OrderStatusKey(st.OrderID)
	pipe := rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"order_id", st.OrderID,
		"voucher_id", st.VoucherID,
		"user_id", st.UserID,
		"status", st.Status,
		"reason", st.Reason,
	)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}
