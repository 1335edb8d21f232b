package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"shop_review/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// :memory: 每个连接是独立的库
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	s := New(db)
	if err := s.AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func seedVoucher(t *testing.T, s *Store, voucherID, stock int64) {
	t.Helper()
	now := time.Now()
	err := s.CreateSeckillVoucher(context.Background(), &model.SeckillVoucher{
		VoucherID: voucherID,
		ShopID:    1,
		Title:     "50 off",
		PayValue:  5000,
		Stock:     stock,
		BeginTime: now.Add(-time.Hour),
		EndTime:   now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("seed voucher: %v", err)
	}
}

func TestCreateVoucherOrder_DecrementsStock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedVoucher(t, s, 1, 2)

	if err := s.CreateVoucherOrder(ctx, &model.VoucherOrder{ID: 100, UserID: 7, VoucherID: 1}); err != nil {
		t.Fatalf("create order: %v", err)
	}
	v, err := s.GetSeckillVoucher(ctx, 1)
	if err != nil || v == nil {
		t.Fatalf("get voucher: %v", err)
	}
	if v.Stock != 1 {
		t.Fatalf("expected stock 1, got %d", v.Stock)
	}
	o, err := s.GetVoucherOrder(ctx, 100)
	if err != nil || o == nil || o.UserID != 7 {
		t.Fatalf("expected order for user 7, got %+v err=%v", o, err)
	}
}

func TestCreateVoucherOrder_Duplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedVoucher(t, s, 1, 5)

	if err := s.CreateVoucherOrder(ctx, &model.VoucherOrder{ID: 1, UserID: 7, VoucherID: 1}); err != nil {
		t.Fatalf("create order: %v", err)
	}
	err := s.CreateVoucherOrder(ctx, &model.VoucherOrder{ID: 2, UserID: 7, VoucherID: 1})
	if !errors.Is(err, ErrAlreadyOrdered) {
		t.Fatalf("expected ErrAlreadyOrdered, got %v", err)
	}
	v, _ := s.GetSeckillVoucher(ctx, 1)
	if v.Stock != 4 {
		t.Fatalf("duplicate must not consume stock, got %d", v.Stock)
	}
}

func TestCreateVoucherOrder_SoldOut(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedVoucher(t, s, 1, 1)

	if err := s.CreateVoucherOrder(ctx, &model.VoucherOrder{ID: 1, UserID: 1, VoucherID: 1}); err != nil {
		t.Fatalf("create order: %v", err)
	}
	err := s.CreateVoucherOrder(ctx, &model.VoucherOrder{ID: 2, UserID: 2, VoucherID: 1})
	if !errors.Is(err, ErrSoldOut) {
		t.Fatalf("expected ErrSoldOut, got %v", err)
	}
	if o, _ := s.GetVoucherOrder(ctx, 2); o != nil {
		t.Fatalf("sold out order must be rolled back")
	}
}

func TestCreateVoucherOrder_ConcurrentNeverOversells(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedVoucher(t, s, 1, 3)

	var wg sync.WaitGroup
	for i := int64(1); i <= 10; i++ {
		wg.Add(1)
		go func(uid int64) {
			defer wg.Done()
			_ = s.CreateVoucherOrder(ctx, &model.VoucherOrder{ID: uid, UserID: uid, VoucherID: 1})
		}(i)
	}
	wg.Wait()

	n, err := s.CountVoucherOrders(ctx, 1)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 orders, got %d", n)
	}
	v, _ := s.GetSeckillVoucher(ctx, 1)
	if v.Stock != 0 {
		t.Fatalf("expected stock 0, got %d", v.Stock)
	}
}

func TestGetShop_Missing(t *testing.T) {
	s := newTestStore(t)
	shop, err := s.GetShop(context.Background(), 42)
	if err != nil || shop != nil {
		t.Fatalf("expected (nil, nil), got %+v %v", shop, err)
	}
}

func TestUpdateShop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	shop := &model.Shop{Name: "noodle bar", TypeID: 1}
	if err := s.CreateShop(ctx, shop); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.UpdateShop(ctx, &model.Shop{ID: shop.ID, Name: "ramen bar"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := s.GetShop(ctx, shop.ID)
	if got.Name != "ramen bar" {
		t.Fatalf("expected updated name, got %q", got.Name)
	}
	if err := s.UpdateShop(ctx, &model.Shop{ID: 999, Name: "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
