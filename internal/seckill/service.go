// Package seckill 实现秒杀准入：资格校验与扣减在 Redis 内原子完成，
// 订单异步落库由 queue.OrderConsumer 负责。
package seckill

import (
	"context"
	"errors"
	"fmt"
	"time"

	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"shop_review/internal/cache"
	"shop_review/internal/metrics"
	"shop_review/internal/model"
	rediskey "shop_review/pkg/redis"
)

var (
	ErrNoStock          = errors.New("seckill stock exhausted")
	ErrDuplicateOrder   = errors.New("user already ordered this voucher")
	ErrNotStarted       = errors.New("seckill has not started")
	ErrEnded            = errors.New("seckill has ended")
	ErrVoucherNotFound  = errors.New("seckill voucher not found")
	ErrOrderNotFound    = errors.New("order not found")
	ErrInvalidVoucher   = errors.New("invalid seckill voucher")
	errUnexpectedResult = errors.New("unexpected admission result")
)

// orderIDKey IDWorker 的业务 key
const orderIDKey = "order"

// luaSeckill 准入脚本：一人一单校验 -> 库存校验 -> 扣库存、记录用户、写订单状态、入队。
// KEYS[1]=库存 KEYS[2]=已购用户集合 KEYS[3]=订单队列 KEYS[4]=订单状态
// ARGV[1]=voucherId ARGV[2]=userId ARGV[3]=orderId ARGV[4]=状态 TTL（秒）
// 返回 0 成功，1 库存不足（含未预热），2 重复下单
var luaSeckill = rd.NewScript(`
if redis.call('SISMEMBER', KEYS[2], ARGV[2]) == 1 then
  return 2
end
local stock = redis.call('GET', KEYS[1])
if (not stock) or tonumber(stock) <= 0 then
  return 1
end
redis.call('DECR', KEYS[1])
redis.call('SADD', KEYS[2], ARGV[2])
redis.call('HSET', KEYS[4], 'order_id', ARGV[3], 'voucher_id', ARGV[1], 'user_id', ARGV[2], 'status', 'pending', 'reason', '')
redis.call('EXPIRE', KEYS[4], ARGV[4])
redis.call('XADD', KEYS[3], '*', 'order_id', ARGV[3], 'user_id', ARGV[2], 'voucher_id', ARGV[1])
return 0
`)

// VoucherStore 秒杀券与订单的持久化读写。
type VoucherStore interface {
	GetSeckillVoucher(ctx context.Context, voucherID int64) (*model.SeckillVoucher, error)
	CreateSeckillVoucher(ctx context.Context, v *model.SeckillVoucher) error
	GetVoucherOrder(ctx context.Context, orderID int64) (*model.VoucherOrder, error)
}

type Config struct {
	// Stream 下单队列，需与消费者一致
	Stream string
	// StockTTL 预热库存 key 的过期时间，0 表示不过期
	StockTTL time.Duration
	// StateTTL 订单状态 hash 的过期时间
	StateTTL time.Duration
	// VoucherCacheTTL 秒杀券时间窗缓存时间
	VoucherCacheTTL time.Duration
}

type Service struct {
	rdb     *rd.Client
	ids     *rediskey.IDWorker
	cache   *cache.Client
	store   VoucherStore
	log     *zap.Logger
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time
}

func NewService(rdb *rd.Client, ids *rediskey.IDWorker, cc *cache.Client, st VoucherStore,
	log *zap.Logger, m *metrics.Metrics, cfg Config) *Service {
	if cfg.Stream == "" {
		cfg.Stream = rediskey.OrderStream
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 24 * time.Hour
	}
	if cfg.VoucherCacheTTL <= 0 {
		cfg.VoucherCacheTTL = rediskey.CacheShopTTL
	}
	return &Service{
		rdb:     rdb,
		ids:     ids,
		cache:   cc,
		store:   st,
		log:     log,
		metrics: m,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Seckill 秒杀下单：校验时间窗后执行准入脚本，成功立即返回订单号，订单异步落库。
func (s *Service) Seckill(ctx context.Context, voucherID, userID int64) (int64, error) {
	if err := s.checkWindow(ctx, voucherID); err != nil {
		return 0, err
	}

	orderID, err := s.ids.NextID(ctx, orderIDKey)
	if err != nil {
		s.metrics.Seckill("error")
		return 0, fmt.Errorf("next order id: %w", err)
	}

	keys := []string{
		rediskey.SeckillStockKey(voucherID),
		rediskey.SeckillOrderKey(voucherID),
		s.cfg.Stream,
		rediskey.OrderStatusKey(orderID),
	}
	stateTTL := int64(s.cfg.StateTTL / time.Second)
	res, err := luaSeckill.Run(ctx, s.rdb, keys, voucherID, userID, orderID, stateTTL).Int()
	if err != nil {
		s.metrics.Seckill("error")
		return 0, fmt.Errorf("run seckill script: %w", err)
	}

	switch res {
	case 0:
		s.metrics.Seckill("admitted")
		return orderID, nil
	case 1:
		s.metrics.Seckill("no_stock")
		return 0, ErrNoStock
	case 2:
		s.metrics.Seckill("duplicate")
		return 0, ErrDuplicateOrder
	default:
		s.metrics.Seckill("error")
		return 0, fmt.Errorf("%w: %d", errUnexpectedResult, res)
	}
}

// checkWindow 秒杀券经缓存空值策略读取，不存在的券不会反复打到库。
func (s *Service) checkWindow(ctx context.Context, voucherID int64) error {
	v, err := cache.QueryWithPassThrough[int64, model.SeckillVoucher](ctx, s.cache,
		rediskey.CacheSeckillVoucherKey, voucherID, s.store.GetSeckillVoucher, s.cfg.VoucherCacheTTL)
	if err != nil {
		s.metrics.Seckill("error")
		return fmt.Errorf("query voucher %d: %w", voucherID, err)
	}
	now := s.now()
	switch {
	case v == nil:
		s.metrics.Seckill("not_found")
		return ErrVoucherNotFound
	case v.Active(now):
		return nil
	case now.Before(v.BeginTime):
		s.metrics.Seckill("not_started")
		return ErrNotStarted
	default:
		s.metrics.Seckill("ended")
		return ErrEnded
	}
}

// AddSeckillVoucher 新增秒杀券并把库存预热到 Redis。
func (s *Service) AddSeckillVoucher(ctx context.Context, v *model.SeckillVoucher) error {
	if v.VoucherID <= 0 || v.Stock <= 0 || !v.EndTime.After(v.BeginTime) {
		return ErrInvalidVoucher
	}
	if err := s.store.CreateSeckillVoucher(ctx, v); err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, rediskey.SeckillStockKey(v.VoucherID), v.Stock, s.cfg.StockTTL).Err(); err != nil {
		return fmt.Errorf("seed stock %d: %w", v.VoucherID, err)
	}
	// 创建前可能已缓存了空值
	if err := s.cache.Delete(ctx, rediskey.CacheSeckillVoucherKey+fmt.Sprint(v.VoucherID)); err != nil {
		s.log.Warn("evict voucher cache failed", zap.Int64("voucher_id", v.VoucherID), zap.Error(err))
	}
	s.log.Info("seckill voucher added", zap.Int64("voucher_id", v.VoucherID), zap.Int64("stock", v.Stock))
	return nil
}

// PreloadStock 用库中的持久化库存覆盖 Redis 库存计数，返回写入的库存。
// 只应在活动开始前或对账后调用。
func (s *Service) PreloadStock(ctx context.Context, voucherID int64) (int64, error) {
	v, err := s.store.GetSeckillVoucher(ctx, voucherID)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, ErrVoucherNotFound
	}
	if err := s.rdb.Set(ctx, rediskey.SeckillStockKey(voucherID), v.Stock, s.cfg.StockTTL).Err(); err != nil {
		return 0, fmt.Errorf("preload stock %d: %w", voucherID, err)
	}
	return v.Stock, nil
}

// Stock 查询 Redis 中的实时库存，未预热时为 0。
func (s *Service) Stock(ctx context.Context, voucherID int64) (int64, error) {
	n, err := s.rdb.Get(ctx, rediskey.SeckillStockKey(voucherID)).Int64()
	if errors.Is(err, rd.Nil) {
		return 0, nil
	}
	return n, err
}

// OrderStatus 先查 Redis 中的异步状态；状态过期后回落到订单表。
func (s *Service) OrderStatus(ctx context.Context, orderID int64) (rediskey.OrderState, error) {
	st, found, err := rediskey.GetOrderState(ctx, s.rdb, orderID)
	if err != nil {
		return rediskey.OrderState{}, fmt.Errorf("get order state %d: %w", orderID, err)
	}
	if found {
		return st, nil
	}

	o, err := s.store.GetVoucherOrder(ctx, orderID)
	if err != nil {
		return rediskey.OrderState{}, err
	}
	if o == nil {
		return rediskey.OrderState{}, ErrOrderNotFound
	}
	return rediskey.OrderState{
		OrderID:   o.ID,
		VoucherID: o.VoucherID,
		UserID:    o.UserID,
		Status:    rediskey.OrderSuccess,
	}, nil
}
