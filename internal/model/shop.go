package model

import (
	"time"

	"gorm.io/gorm"
)

// Shop 商铺详情，读多写少，查询走缓存。
type Shop struct {
	ID        int64          `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Name      string `gorm:"size:128;not null" json:"name"`
	TypeID    int64  `gorm:"not null;index" json:"type_id"`
	Area      string `gorm:"size:128" json:"area"`
	Address   string `gorm:"size:255" json:"address"`
	AvgPrice  int64  `gorm:"not null;default:0" json:"avg_price"` // 单位：分
	Score     int    `gorm:"not null;default:0" json:"score"`     // 评分 * 10
	OpenHours string `gorm:"size:32" json:"open_hours"`
}

func (Shop) TableName() string { return "shops" }
