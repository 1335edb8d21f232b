package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"shop_review/internal/cache"
	"shop_review/internal/config"
	"shop_review/internal/logging"
	"shop_review/internal/metrics"
	"shop_review/internal/queue"
	"shop_review/internal/router"
	"shop_review/internal/seckill"
	"shop_review/internal/shop"
	"shop_review/internal/store"
	rediskey "shop_review/pkg/redis"
)

func main() {
	// .env 不存在时忽略，以环境变量为准
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.UsesDefaultAdminToken() {
		logger.Warn("ADMIN_TOKEN not set, admin endpoints use the development token")
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.AppConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. 连接 SQLite，自动建表
	db, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{})
	if err != nil {
		return err
	}
	st := store.New(db)
	if err := st.AutoMigrate(); err != nil {
		return err
	}

	// 2. Redis
	rdb := rd.NewClient(&rd.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mt := metrics.New(reg)

	locker := rediskey.NewLocker(rdb)
	cc := cache.New(rdb, locker, logger.Named("cache"), mt, cache.Options{
		NullTTL:        cfg.CacheNullTTL,
		LockTTL:        cfg.CacheLockTTL,
		RebuildWorkers: cfg.CacheRebuildWorkers,
		MutexAttempts:  cfg.MutexRetryAttempts,
		MutexBackoff:   cfg.MutexRetryBackoff,
	})
	defer func() {
		if err := cc.Close(); err != nil {
			logger.Warn("close cache", zap.Error(err))
		}
	}()

	// 3. 订单事件：配置了 Kafka 才发布
	var publisher queue.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		publisher = producer
	}

	consumer := queue.NewOrderConsumer(rdb, locker, st, publisher, logger.Named("order-consumer"), mt, queue.ConsumerConfig{
		Stream:        cfg.OrderStream,
		Group:         cfg.OrderGroup,
		Consumer:      cfg.OrderConsumer,
		Block:         cfg.OrderReadBlock,
		RetryInterval: cfg.OrderRetryInterval,
		StateTTL:      cfg.OrderStateTTL,
	})
	if err := consumer.Start(ctx); err != nil {
		return err
	}
	defer consumer.Stop()

	seckillSvc := seckill.NewService(rdb, rediskey.NewIDWorker(rdb), cc, st, logger.Named("seckill"), mt, seckill.Config{
		Stream:          cfg.OrderStream,
		StockTTL:        cfg.StockCacheTTL,
		StateTTL:        cfg.OrderStateTTL,
		VoucherCacheTTL: cfg.ShopCacheTTL,
	})
	shopSvc := shop.NewService(cc, st, logger.Named("shop"), cfg.ShopCacheStrategy, cfg.ShopCacheTTL)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	router.Setup(r, router.Deps{
		Shops:    shopSvc,
		Seckill:  seckillSvc,
		RDB:      rdb,
		Log:      logger.Named("http"),
		Gatherer: reg,
		Config:   cfg,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr), zap.String("shop_cache_strategy", cfg.ShopCacheStrategy))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
