package model

import "time"

// SeckillVoucher 秒杀券：库存与秒杀时间段。
// Stock 为持久化库存；秒杀准入先扣 Redis 计数，异步落单时再扣这里。
type SeckillVoucher struct {
	VoucherID int64     `gorm:"primaryKey;autoIncrement:false" json:"voucher_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ShopID    int64     `gorm:"not null;index" json:"shop_id"`
	Title     string    `gorm:"size:128;not null" json:"title"`
	PayValue  int64     `gorm:"not null" json:"pay_value"` // 单位：分
	Stock     int64     `gorm:"not null;default:0" json:"stock"`
	BeginTime time.Time `gorm:"not null" json:"begin_time"`
	EndTime   time.Time `gorm:"not null" json:"end_time"`
}

func (SeckillVoucher) TableName() string { return "seckill_vouchers" }

// Active 判断 now 是否落在秒杀时间段 [BeginTime, EndTime] 内。
func (v SeckillVoucher) Active(now time.Time) bool {
	return !now.Before(v.BeginTime) && !now.After(v.EndTime)
}
