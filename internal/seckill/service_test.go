package seckill

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"shop_review/internal/cache"
	"shop_review/internal/model"
	"shop_review/internal/queue"
	"shop_review/internal/store"
	rediskey "shop_review/pkg/redis"
)

type testEnv struct {
	m      *miniredis.Miniredis
	rdb    *rd.Client
	store  *store.Store
	locker *rediskey.Locker
	svc    *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	m := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	st := store.New(db)
	if err := st.AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	log := zaptest.NewLogger(t)
	locker := rediskey.NewLocker(rdb)
	cc := cache.New(rdb, locker, log, nil, cache.Options{})
	t.Cleanup(func() { _ = cc.Close() })

	svc := NewService(rdb, rediskey.NewIDWorker(rdb), cc, st, log, nil, Config{})
	return &testEnv{m: m, rdb: rdb, store: st, locker: locker, svc: svc}
}

func (e *testEnv) addVoucher(t *testing.T, voucherID, stock int64) {
	t.Helper()
	now := time.Now()
	err := e.svc.AddSeckillVoucher(context.Background(), &model.SeckillVoucher{
		VoucherID: voucherID,
		ShopID:    1,
		Title:     "100 off 200",
		PayValue:  10000,
		Stock:     stock,
		BeginTime: now.Add(-time.Hour),
		EndTime:   now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("add voucher: %v", err)
	}
}

func (e *testEnv) startConsumer(t *testing.T) *queue.OrderConsumer {
	t.Helper()
	c := queue.NewOrderConsumer(e.rdb, e.locker, e.store, nil, zaptest.NewLogger(t), nil, queue.ConsumerConfig{
		Stream:        rediskey.OrderStream,
		Group:         "g1",
		Consumer:      "c1",
		Block:         50 * time.Millisecond,
		RetryInterval: 10 * time.Millisecond,
		StateTTL:      time.Hour,
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start consumer: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestSeckill_ConcurrentNeverOversells(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	const stock, buyers = 5, 50
	e.addVoucher(t, 1, stock)

	var admitted, noStock atomic.Int32
	var wg sync.WaitGroup
	for uid := int64(1); uid <= buyers; uid++ {
		wg.Add(1)
		go func(uid int64) {
			defer wg.Done()
			_, err := e.svc.Seckill(ctx, 1, uid)
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, ErrNoStock):
				noStock.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(uid)
	}
	wg.Wait()

	if admitted.Load() != stock {
		t.Fatalf("expected %d admitted, got %d", stock, admitted.Load())
	}
	if noStock.Load() != buyers-stock {
		t.Fatalf("expected %d rejected, got %d", buyers-stock, noStock.Load())
	}
	if left, _ := e.svc.Stock(ctx, 1); left != 0 {
		t.Fatalf("expected stock 0, got %d", left)
	}
	if n, _ := e.rdb.XLen(ctx, rediskey.OrderStream).Result(); n != stock {
		t.Fatalf("expected %d queued items, got %d", stock, n)
	}
	if n, _ := e.rdb.SCard(ctx, rediskey.SeckillOrderKey(1)).Result(); n != stock {
		t.Fatalf("expected %d buyers recorded, got %d", stock, n)
	}
}

func TestSeckill_DuplicateRejected(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.addVoucher(t, 1, 10)

	orderID, err := e.svc.Seckill(ctx, 1, 7)
	if err != nil || orderID <= 0 {
		t.Fatalf("first purchase: id=%d err=%v", orderID, err)
	}
	if _, err := e.svc.Seckill(ctx, 1, 7); !errors.Is(err, ErrDuplicateOrder) {
		t.Fatalf("expected ErrDuplicateOrder, got %v", err)
	}
	if left, _ := e.svc.Stock(ctx, 1); left != 9 {
		t.Fatalf("duplicate must not consume stock, got %d", left)
	}
}

func TestSeckill_SameUserConcurrentAdmittedOnce(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.addVoucher(t, 1, 10)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.svc.Seckill(ctx, 1, 42); err == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	if admitted.Load() != 1 {
		t.Fatalf("expected exactly 1 admission, got %d", admitted.Load())
	}
}

func TestSeckill_PendingStateWrittenOnAdmission(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.addVoucher(t, 1, 1)

	orderID, err := e.svc.Seckill(ctx, 1, 3)
	if err != nil {
		t.Fatalf("seckill: %v", err)
	}
	st, err := e.svc.OrderStatus(ctx, orderID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Status != rediskey.OrderPending || st.UserID != 3 || st.VoucherID != 1 {
		t.Fatalf("unexpected state %+v", st)
	}

	msgs, err := e.rdb.XRange(ctx, rediskey.OrderStream, "-", "+").Result()
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected 1 queued item, got %d err=%v", len(msgs), err)
	}
	msg, err := queue.ParseOrderMessage(msgs[0].Values)
	if err != nil {
		t.Fatalf("parse queued item: %v", err)
	}
	if msg.OrderID != orderID || msg.UserID != 3 || msg.VoucherID != 1 {
		t.Fatalf("unexpected queued item %+v", msg)
	}
}

func TestSeckill_Window(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.addVoucher(t, 1, 10)

	e.svc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	if _, err := e.svc.Seckill(ctx, 1, 1); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	e.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := e.svc.Seckill(ctx, 1, 1); !errors.Is(err, ErrEnded) {
		t.Fatalf("expected ErrEnded, got %v", err)
	}
	if left, _ := e.svc.Stock(ctx, 1); left != 10 {
		t.Fatalf("rejected requests must not touch stock, got %d", left)
	}
}

func TestSeckill_UnknownVoucherThenCreated(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	if _, err := e.svc.Seckill(ctx, 9, 1); !errors.Is(err, ErrVoucherNotFound) {
		t.Fatalf("expected ErrVoucherNotFound, got %v", err)
	}
	// 空值已缓存，新增券时需清掉
	e.addVoucher(t, 9, 1)
	if _, err := e.svc.Seckill(ctx, 9, 1); err != nil {
		t.Fatalf("expected admission after voucher creation, got %v", err)
	}
}

func TestSeckill_MissingStockKeyIsNoStock(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	now := time.Now()
	err := e.store.CreateSeckillVoucher(ctx, &model.SeckillVoucher{
		VoucherID: 5, Title: "t", PayValue: 1, Stock: 3,
		BeginTime: now.Add(-time.Hour), EndTime: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create voucher: %v", err)
	}

	if _, err := e.svc.Seckill(ctx, 5, 1); !errors.Is(err, ErrNoStock) {
		t.Fatalf("expected ErrNoStock before preload, got %v", err)
	}
	n, err := e.svc.PreloadStock(ctx, 5)
	if err != nil || n != 3 {
		t.Fatalf("preload: n=%d err=%v", n, err)
	}
	if _, err := e.svc.Seckill(ctx, 5, 1); err != nil {
		t.Fatalf("expected admission after preload, got %v", err)
	}
}

func TestAddSeckillVoucher_Invalid(t *testing.T) {
	e := newTestEnv(t)
	now := time.Now()
	err := e.svc.AddSeckillVoucher(context.Background(), &model.SeckillVoucher{
		VoucherID: 1, Stock: 1, BeginTime: now, EndTime: now.Add(-time.Minute),
	})
	if !errors.Is(err, ErrInvalidVoucher) {
		t.Fatalf("expected ErrInvalidVoucher, got %v", err)
	}
}

func TestSeckill_EndToEnd(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.addVoucher(t, 1, 2)
	e.startConsumer(t)

	var (
		mu       sync.Mutex
		orderIDs []int64
		rejected int
		wg       sync.WaitGroup
	)
	for uid := int64(1); uid <= 5; uid++ {
		wg.Add(1)
		go func(uid int64) {
			defer wg.Done()
			id, err := e.svc.Seckill(ctx, 1, uid)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				orderIDs = append(orderIDs, id)
			case errors.Is(err, ErrNoStock):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(uid)
	}
	wg.Wait()
	if len(orderIDs) != 2 || rejected != 3 {
		t.Fatalf("expected 2 admitted / 3 rejected, got %d / %d", len(orderIDs), rejected)
	}

	waitFor(t, 3*time.Second, func() bool {
		n, _ := e.store.CountVoucherOrders(ctx, 1)
		return n == 2
	})

	for _, id := range orderIDs {
		waitFor(t, time.Second, func() bool {
			st, err := e.svc.OrderStatus(ctx, id)
			return err == nil && st.Status == rediskey.OrderSuccess
		})
	}
	v, _ := e.store.GetSeckillVoucher(ctx, 1)
	if v.Stock != 0 {
		t.Fatalf("expected persistent stock 0, got %d", v.Stock)
	}
	waitFor(t, time.Second, func() bool {
		p, err := e.rdb.XPending(ctx, rediskey.OrderStream, "g1").Result()
		return err == nil && p.Count == 0
	})
}

// 队列中还有订单时重新预热，Redis 库存会比数据库多出一件；
// 落库失败后 Redis 库存必须归零，后续买家直接被拒绝。
func TestSeckill_StockDriftDoesNotReopenAdmission(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.addVoucher(t, 1, 1)

	first, err := e.svc.Seckill(ctx, 1, 1)
	if err != nil {
		t.Fatalf("first buyer: %v", err)
	}
	if _, err := e.svc.PreloadStock(ctx, 1); err != nil {
		t.Fatalf("preload: %v", err)
	}
	e.startConsumer(t)
	waitFor(t, 3*time.Second, func() bool {
		st, err := e.svc.OrderStatus(ctx, first)
		return err == nil && st.Status == rediskey.OrderSuccess
	})

	var admitted, noStock int
	for uid := int64(2); uid <= 8; uid++ {
		id, err := e.svc.Seckill(ctx, 1, uid)
		switch {
		case err == nil:
			admitted++
			waitFor(t, 3*time.Second, func() bool {
				st, err := e.svc.OrderStatus(ctx, id)
				return err == nil && st.Status != rediskey.OrderPending
			})
		case errors.Is(err, ErrNoStock):
			noStock++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if admitted > 1 || noStock < 6 {
		t.Fatalf("expected at most 1 admitted after drift, got admitted=%d noStock=%d", admitted, noStock)
	}
	if n, _ := e.store.CountVoucherOrders(ctx, 1); n != 1 {
		t.Fatalf("expected 1 order in db, got %d", n)
	}
	if left, _ := e.svc.Stock(ctx, 1); left != 0 {
		t.Fatalf("expected redis stock 0, got %d", left)
	}
}

func TestOrderStatus_FallsBackToDB(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	now := time.Now()
	if err := e.store.CreateSeckillVoucher(ctx, &model.SeckillVoucher{
		VoucherID: 1, Title: "t", PayValue: 1, Stock: 1,
		BeginTime: now.Add(-time.Hour), EndTime: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("create voucher: %v", err)
	}
	if err := e.store.CreateVoucherOrder(ctx, &model.VoucherOrder{ID: 77, UserID: 1, VoucherID: 1}); err != nil {
		t.Fatalf("create order: %v", err)
	}

	st, err := e.svc.OrderStatus(ctx, 77)
	if err != nil || st.Status != rediskey.OrderSuccess {
		t.Fatalf("expected success from DB, got %+v err=%v", st, err)
	}
	if _, err := e.svc.OrderStatus(ctx, 78); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}
