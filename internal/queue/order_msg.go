package queue

import (
	"fmt"
	"strconv"
)

// 订单队列消息字段（Redis Stream 中均为字符串）
const (
	FieldOrderID   = "order_id"
	FieldUserID    = "user_id"
	FieldVoucherID = "voucher_id"
)

// OrderMessage 秒杀准入成功后写入 Stream 的下单消息，也是落单后发往 Kafka 的事件体。
type OrderMessage struct {
	OrderID   int64 `json:"order_id"`
	UserID    int64 `json:"user_id"`
	VoucherID int64 `json:"voucher_id"`
}

// Validate 做最小字段校验，防止消费者处理脏消息。
func (m OrderMessage) Validate() error {
	if m.OrderID <= 0 {
		return fmt.Errorf("order_id is required")
	}
	if m.UserID <= 0 {
		return fmt.Errorf("user_id is required")
	}
	if m.VoucherID <= 0 {
		return fmt.Errorf("voucher_id is required")
	}
	return nil
}

// ParseOrderMessage 从 Stream 条目的字段表解析消息。
func ParseOrderMessage(values map[string]interface{}) (OrderMessage, error) {
	var msg OrderMessage
	fields := []struct {
		name string
		dst  *int64
	}{
		{FieldOrderID, &msg.OrderID},
		{FieldUserID, &msg.UserID},
		{FieldVoucherID, &msg.VoucherID},
	}
	for _, f := range fields {
		s, err := getStreamString(values, f.name)
		if err != nil {
			return OrderMessage{}, err
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return OrderMessage{}, fmt.Errorf("invalid %s %q", f.name, s)
		}
		*f.dst = n
	}
	if err := msg.Validate(); err != nil {
		return OrderMessage{}, err
	}
	return msg, nil
}

func getStreamString(values map[string]interface{}, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}
