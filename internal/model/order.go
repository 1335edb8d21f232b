package model

import "time"

// OrderStatusUnpaid 新建订单状态，支付流程不在本服务内。
const OrderStatusUnpaid = 1

// VoucherOrder 秒杀订单，创建后不可变。
// (user_id, voucher_id) 联合唯一：一人一单。
type VoucherOrder struct {
	// ID 由 IDWorker 生成，不使用自增主键
	ID        int64     `gorm:"primaryKey;autoIncrement:false" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	UserID    int64 `gorm:"not null;uniqueIndex:uk_user_voucher" json:"user_id"`
	VoucherID int64 `gorm:"not null;uniqueIndex:uk_user_voucher;index" json:"voucher_id"`
	Status    int   `gorm:"not null;default:1" json:"status"`
}

// 显式实现结构，确定表名
func (VoucherOrder) TableName() string { return "voucher_orders" }
