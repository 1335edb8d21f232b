// Package store 封装关系库访问（gorm）。
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"shop_review/internal/model"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyOrdered 该用户已有此券的订单
	ErrAlreadyOrdered = errors.New("user already ordered this voucher")
	// ErrSoldOut 持久化库存不足，乐观扣减未命中
	ErrSoldOut = errors.New("voucher sold out")
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate 建表，仅用于 demo 与测试。
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&model.Shop{}, &model.SeckillVoucher{}, &model.VoucherOrder{})
}

// GetShop 不存在时返回 (nil, nil)，供缓存回源使用。
func (s *Store) GetShop(ctx context.Context, id int64) (*model.Shop, error) {
	var shop model.Shop
	err := s.db.WithContext(ctx).First(&shop, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get shop %d: %w", id, err)
	}
	return &shop, nil
}

func (s *Store) CreateShop(ctx context.Context, shop *model.Shop) error {
	return s.db.WithContext(ctx).Create(shop).Error
}

// UpdateShop 只更新非零字段。
func (s *Store) UpdateShop(ctx context.Context, shop *model.Shop) error {
	res := s.db.WithContext(ctx).Model(&model.Shop{ID: shop.ID}).Updates(shop)
	if res.Error != nil {
		return fmt.Errorf("update shop %d: %w", shop.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSeckillVoucher 不存在时返回 (nil, nil)。
func (s *Store) GetSeckillVoucher(ctx context.Context, voucherID int64) (*model.SeckillVoucher, error) {
	var v model.SeckillVoucher
	err := s.db.WithContext(ctx).First(&v, "voucher_id = ?", voucherID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get seckill voucher %d: %w", voucherID, err)
	}
	return &v, nil
}

func (s *Store) CreateSeckillVoucher(ctx context.Context, v *model.SeckillVoucher) error {
	if err := s.db.WithContext(ctx).Create(v).Error; err != nil {
		return fmt.Errorf("create seckill voucher %d: %w", v.VoucherID, err)
	}
	return nil
}

func (s *Store) GetVoucherOrder(ctx context.Context, orderID int64) (*model.VoucherOrder, error) {
	var o model.VoucherOrder
	err := s.db.WithContext(ctx).First(&o, "id = ?", orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get voucher order %d: %w", orderID, err)
	}
	return &o, nil
}

// CountVoucherOrders 统计某券的订单数，用于对账。
func (s *Store) CountVoucherOrders(ctx context.Context, voucherID int64) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.VoucherOrder{}).Where("voucher_id = ?", voucherID).Count(&n).Error
	return n, err
}

// CreateVoucherOrder 在一个事务里完成落单：
//  1. 一人一单校验（联合唯一索引兜底）
//  2. 乐观扣减：stock = stock - 1 WHERE stock > 0
//  3. 写订单
//
// 返回 ErrAlreadyOrdered / ErrSoldOut 时事务已回滚。
func (s *Store) CreateVoucherOrder(ctx context.Context, order *model.VoucherOrder) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.VoucherOrder{}).
			Where("user_id = ? AND voucher_id = ?", order.UserID, order.VoucherID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrAlreadyOrdered
		}

		res := tx.Model(&model.SeckillVoucher{}).
			Where("voucher_id = ? AND stock > 0", order.VoucherID).
			UpdateColumn("stock", gorm.Expr("stock - 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrSoldOut
		}

		if err := tx.Create(order).Error; err != nil {
			// 并发下 count 与 insert 之间仍可能被插入，交给唯一索引判重
			if isUniqueViolation(err) {
				return ErrAlreadyOrdered
			}
			return err
		}
		return nil
	})
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE") || strings.Contains(s, "unique")
}
