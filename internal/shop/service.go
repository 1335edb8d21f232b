// Package shop 商铺详情查询与更新，查询按配置选择缓存策略。
package shop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"shop_review/internal/cache"
	"shop_review/internal/config"
	"shop_review/internal/model"
	rediskey "shop_review/pkg/redis"
)

var (
	ErrNotFound  = errors.New("shop not found")
	ErrInvalidID = errors.New("shop id is required")
)

type Store interface {
	GetShop(ctx context.Context, id int64) (*model.Shop, error)
	UpdateShop(ctx context.Context, shop *model.Shop) error
}

type Service struct {
	cache    *cache.Client
	store    Store
	log      *zap.Logger
	strategy string
	ttl      time.Duration
}

func NewService(cc *cache.Client, st Store, log *zap.Logger, strategy string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = rediskey.CacheShopTTL
	}
	return &Service{cache: cc, store: st, log: log, strategy: strategy, ttl: ttl}
}

// QueryByID 返回 ErrNotFound 表示商铺不存在（逻辑过期策略下也可能是尚未预热）。
func (s *Service) QueryByID(ctx context.Context, id int64) (*model.Shop, error) {
	var (
		shop *model.Shop
		err  error
	)
	switch s.strategy {
	case config.StrategyPassThrough:
		shop, err = cache.QueryWithPassThrough[int64, model.Shop](ctx, s.cache, rediskey.CacheShopKey, id, s.store.GetShop, s.ttl)
	case config.StrategyLogical:
		shop, err = cache.QueryWithLogicalExpire[int64, model.Shop](ctx, s.cache, rediskey.CacheShopKey, id, s.store.GetShop, s.ttl)
	default:
		shop, err = cache.QueryWithMutex[int64, model.Shop](ctx, s.cache, rediskey.CacheShopKey, id, s.store.GetShop, s.ttl)
	}
	if err != nil {
		return nil, err
	}
	if shop == nil {
		return nil, ErrNotFound
	}
	return shop, nil
}

// Update 先写库再删缓存。
func (s *Service) Update(ctx context.Context, shop *model.Shop) error {
	if shop.ID <= 0 {
		return ErrInvalidID
	}
	if err := s.store.UpdateShop(ctx, shop); err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, cacheKey(shop.ID)); err != nil {
		return fmt.Errorf("evict shop cache %d: %w", shop.ID, err)
	}
	return nil
}

// Warm 从库中加载并写入逻辑过期缓存，逻辑过期策略上线前需要先预热。
func (s *Service) Warm(ctx context.Context, id int64, ttl time.Duration) error {
	shop, err := s.store.GetShop(ctx, id)
	if err != nil {
		return err
	}
	if shop == nil {
		return ErrNotFound
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	if err := s.cache.SetWithLogicalExpire(ctx, cacheKey(id), shop, ttl); err != nil {
		return err
	}
	s.log.Info("shop cache warmed", zap.Int64("shop_id", id), zap.Duration("ttl", ttl))
	return nil
}

func cacheKey(id int64) string {
	return fmt.Sprintf("%s%d", rediskey.CacheShopKey, id)
}
