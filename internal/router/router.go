package router

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"shop_review/internal/cache"
	"shop_review/internal/config"
	"shop_review/internal/middleware"
	"shop_review/internal/model"
	"shop_review/internal/seckill"
	"shop_review/internal/shop"
	"shop_review/internal/store"
)

// Deps 路由依赖，由 main 组装。
type Deps struct {
	Shops    *shop.Service
	Seckill  *seckill.Service
	RDB      *rd.Client
	Log      *zap.Logger
	Gatherer prometheus.Gatherer
	Config   config.AppConfig
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	r.Use(middleware.RequestID(), middleware.Logger(d.Log))

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	admin := adminOnly(d.Config.AdminToken)

	// shops
	r.GET("/api/shop/:id", getShop(d.Shops))
	r.PUT("/api/shop", admin, updateShop(d.Shops))
	r.POST("/api/shop/:id/warm", admin, warmShop(d.Shops))

	// seckill vouchers
	r.POST("/api/voucher/seckill", admin, addSeckillVoucher(d.Seckill))
	r.POST("/api/voucher/seckill/:id/preload", admin, preloadStock(d.Seckill))
	r.GET("/api/voucher/seckill/:id/stock", getStock(d.Seckill))

	// orders
	r.POST("/api/voucher-order/seckill/:id",
		middleware.RedisRateLimit(d.RDB, d.Log, d.Config.BuyRateLimit, d.Config.BuyRateWindow),
		seckillVoucher(d.Seckill))
	r.GET("/api/voucher-order/:order_id", getOrderStatus(d.Seckill))
}

// adminOnly 预热、上架等接口要求简单管理员 token。
func adminOnly(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Admin-Token") != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "admin token 无效"})
			return
		}
		c.Next()
	}
}

func parseID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": name + " 无效"})
		return 0, false
	}
	return id, true
}

func internalError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
}

// getShop 按配置的缓存策略查询商铺。
func getShop(svc *shop.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c, "id")
		if !ok {
			return
		}
		s, err := svc.QueryByID(c.Request.Context(), id)
		switch {
		case errors.Is(err, shop.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "店铺不存在"})
		case errors.Is(err, cache.ErrRebuildBusy):
			c.JSON(http.StatusServiceUnavailable, gin.H{"code": 503, "msg": "系统繁忙，请稍后再试"})
		case err != nil:
			internalError(c, err)
		default:
			c.JSON(http.StatusOK, gin.H{"code": 0, "data": s})
		}
	}
}

func updateShop(svc *shop.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var s model.Shop
		if err := c.ShouldBindJSON(&s); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		err := svc.Update(c.Request.Context(), &s)
		switch {
		case errors.Is(err, shop.ErrInvalidID):
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "店铺id不能为空"})
		case errors.Is(err, store.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "店铺不存在"})
		case err != nil:
			internalError(c, err)
		default:
			c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "ok"})
		}
	}
}

// warmShop 写入逻辑过期缓存，query 参数 ttl 形如 30m。
func warmShop(svc *shop.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c, "id")
		if !ok {
			return
		}
		var ttl time.Duration
		if v := c.Query("ttl"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "ttl 格式错误"})
				return
			}
			ttl = d
		}
		err := svc.Warm(c.Request.Context(), id, ttl)
		switch {
		case errors.Is(err, shop.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "店铺不存在"})
		case err != nil:
			internalError(c, err)
		default:
			c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "预热成功"})
		}
	}
}

// addSeckillVoucher 新增秒杀券（含时间窗校验）并预热库存。
func addSeckillVoucher(svc *seckill.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			VoucherID int64     `json:"voucher_id" binding:"required,min=1"`
			ShopID    int64     `json:"shop_id" binding:"required,min=1"`
			Title     string    `json:"title" binding:"required"`
			PayValue  int64     `json:"pay_value" binding:"required,min=1"`
			Stock     int64     `json:"stock" binding:"required,min=1"`
			BeginTime time.Time `json:"begin_time" binding:"required"`
			EndTime   time.Time `json:"end_time" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		v := &model.SeckillVoucher{
			VoucherID: req.VoucherID,
			ShopID:    req.ShopID,
			Title:     req.Title,
			PayValue:  req.PayValue,
			Stock:     req.Stock,
			BeginTime: req.BeginTime,
			EndTime:   req.EndTime,
		}
		err := svc.AddSeckillVoucher(c.Request.Context(), v)
		switch {
		case errors.Is(err, seckill.ErrInvalidVoucher):
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "end_time 必须晚于 begin_time"})
		case err != nil:
			internalError(c, err)
		default:
			c.JSON(http.StatusOK, gin.H{"code": 0, "data": v})
		}
	}
}

// preloadStock 将 DB 库存覆盖到 Redis。
func preloadStock(svc *seckill.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c, "id")
		if !ok {
			return
		}
		n, err := svc.PreloadStock(c.Request.Context(), id)
		switch {
		case errors.Is(err, seckill.ErrVoucherNotFound):
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "秒杀券不存在"})
		case err != nil:
			internalError(c, err)
		default:
			c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"stock": n}})
		}
	}
}

// getStock 查询 Redis 中的实时库存。
func getStock(svc *seckill.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c, "id")
		if !ok {
			return
		}
		n, err := svc.Stock(c.Request.Context(), id)
		if err != nil {
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"stock": n}})
	}
}

// seckillVoucher 秒杀下单入口，成功只代表抢到资格，订单异步落库。
func seckillVoucher(svc *seckill.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		voucherID, ok := parseID(c, "id")
		if !ok {
			return
		}
		var req struct {
			UserID int64 `json:"user_id" binding:"required,min=1"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}

		orderID, err := svc.Seckill(c.Request.Context(), voucherID, req.UserID)
		switch {
		case errors.Is(err, seckill.ErrNoStock):
			c.JSON(http.StatusOK, gin.H{"code": 1, "msg": "库存不足"})
		case errors.Is(err, seckill.ErrDuplicateOrder):
			c.JSON(http.StatusOK, gin.H{"code": 2, "msg": "不能重复下单"})
		case errors.Is(err, seckill.ErrNotStarted):
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "秒杀尚未开始"})
		case errors.Is(err, seckill.ErrEnded):
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "秒杀已经结束"})
		case errors.Is(err, seckill.ErrVoucherNotFound):
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "秒杀券不存在"})
		case err != nil:
			internalError(c, err)
		default:
			// order_id 以字符串返回，避免前端 JS 精度丢失
			c.JSON(http.StatusOK, gin.H{
				"code": 0,
				"data": gin.H{
					"order_id": strconv.FormatInt(orderID, 10),
					"status":   "pending",
				},
			})
		}
	}
}

// getOrderStatus 查询订单异步处理状态。
func getOrderStatus(svc *seckill.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, ok := parseID(c, "order_id")
		if !ok {
			return
		}
		st, err := svc.OrderStatus(c.Request.Context(), orderID)
		switch {
		case errors.Is(err, seckill.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "订单不存在"})
		case err != nil:
			internalError(c, err)
		default:
			data := gin.H{
				"order_id":   strconv.FormatInt(st.OrderID, 10),
				"voucher_id": st.VoucherID,
				"user_id":    st.UserID,
				"status":     st.Status,
			}
			if st.Reason != "" {
				data["reason"] = st.Reason
			}
			c.JSON(http.StatusOK, gin.H{"code": 0, "data": data})
		}
	}
}
