package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"shop_review/internal/metrics"
	"shop_review/internal/model"
	"shop_review/internal/store"
	rediskey "shop_review/pkg/redis"
)

// ErrUserLocked 同一用户的另一条消息正在落单，本条留在 pending 稍后重放。
var ErrUserLocked = errors.New("user order lock held")

// 落单结果，用于指标与日志
const (
	OutcomeCommitted = "committed"
	OutcomeDuplicate = "duplicate"
	OutcomeSoldOut   = "sold_out"
	OutcomeInvalid   = "invalid"
	OutcomeRetry     = "retry"
)

// OrderStore 落单所需的持久化操作。
type OrderStore interface {
	CreateVoucherOrder(ctx context.Context, order *model.VoucherOrder) error
	GetVoucherOrder(ctx context.Context, orderID int64) (*model.VoucherOrder, error)
}

// Publisher 订单落库后的事件通知，可为 nil。
type Publisher interface {
	Publish(ctx context.Context, msg OrderMessage) error
}

type ConsumerConfig struct {
	Stream   string
	Group    string
	Consumer string
	// Block 读取新消息的最长阻塞时间
	Block time.Duration
	// RetryInterval 出错后的退避间隔
	RetryInterval time.Duration
	// StateTTL 订单状态 hash 的过期时间
	StateTTL time.Duration
}

// OrderConsumer 单消费者顺序消费下单队列。
// 语义：订单落库（或确认无法落库并回补）之后才 ACK；
// 其余失败一律不 ACK，留在 pending 列表由恢复流程重放。
type OrderConsumer struct {
	rdb       *rd.Client
	locker    *rediskey.Locker
	store     OrderStore
	publisher Publisher
	log       *zap.Logger
	metrics   *metrics.Metrics
	cfg       ConsumerConfig

	cancel context.CancelFunc
	done   chan struct{}
}

func NewOrderConsumer(rdb *rd.Client, locker *rediskey.Locker, st OrderStore, publisher Publisher,
	log *zap.Logger, m *metrics.Metrics, cfg ConsumerConfig) *OrderConsumer {
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 200 * time.Millisecond
	}
	return &OrderConsumer{
		rdb:       rdb,
		locker:    locker,
		store:     st,
		publisher: publisher,
		log:       log.With(zap.String("stream", cfg.Stream), zap.String("group", cfg.Group), zap.String("consumer", cfg.Consumer)),
		metrics:   m,
		cfg:       cfg,
	}
}

// Start 确保消费组存在后在后台运行消费循环，Stop 停止并等待退出。
func (c *OrderConsumer) Start(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return fmt.Errorf("ensure group: %w", err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		c.Run(runCtx)
	}()
	return nil
}

func (c *OrderConsumer) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

// Run 阻塞运行直到 ctx 取消。
// 启动时以及每次出错后，先从 "0" 把本消费者的 pending 列表处理干净，再读新消息。
func (c *OrderConsumer) Run(ctx context.Context) {
	if err := c.ensureGroup(ctx); err != nil {
		c.log.Error("ensure group failed", zap.Error(err))
		return
	}

	needRecovery := true
	for ctx.Err() == nil {
		if needRecovery {
			if err := c.drainPending(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Warn("pending recovery failed", zap.Error(err))
				c.sleep(ctx)
				continue
			}
			needRecovery = false
		}

		msgs, err := c.readGroup(ctx, ">", c.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("read new orders failed", zap.Error(err))
			needRecovery = true
			c.sleep(ctx)
			continue
		}

		for _, xm := range msgs {
			if err := c.handle(ctx, xm); err != nil {
				c.log.Warn("handle order failed, left pending", zap.String("id", xm.ID), zap.Error(err))
				needRecovery = true
				c.sleep(ctx)
				break
			}
		}
	}
}

// drainPending 重放已投递但未 ACK 的消息，直到 pending 列表为空。
func (c *OrderConsumer) drainPending(ctx context.Context) error {
	for {
		msgs, err := c.readGroup(ctx, "0", -1)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		for _, xm := range msgs {
			c.metrics.PendingReplayed()
			if err := c.handle(ctx, xm); err != nil {
				return fmt.Errorf("replay %s: %w", xm.ID, err)
			}
		}
	}
}

func (c *OrderConsumer) ensureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

// readGroup block < 0 时不带 BLOCK 参数。
func (c *OrderConsumer) readGroup(ctx context.Context, streamID string, block time.Duration) ([]rd.XMessage, error) {
	streams, err := c.rdb.XReadGroup(ctx, &rd.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, streamID},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var out []rd.XMessage
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

// handle 处理单条消息；返回 nil 表示已 ACK。
func (c *OrderConsumer) handle(ctx context.Context, xm rd.XMessage) error {
	msg, err := ParseOrderMessage(xm.Values)
	if err != nil {
		// 脏消息直接 ACK 丢弃，避免阻塞队列。
		c.log.Error("drop malformed order message", zap.String("id", xm.ID), zap.Error(err))
		c.metrics.OrderHandled(OutcomeInvalid)
		return c.ack(ctx, xm.ID)
	}

	outcome, err := c.materialize(ctx, msg)
	if err != nil {
		c.metrics.OrderHandled(OutcomeRetry)
		return err
	}
	if err := c.ack(ctx, xm.ID); err != nil {
		return err
	}
	c.metrics.OrderHandled(outcome)
	return nil
}

func (c *OrderConsumer) materialize(ctx context.Context, msg OrderMessage) (string, error) {
	lk, ok, err := c.locker.TryLock(ctx, rediskey.OrderLockName(msg.UserID), rediskey.LockOrderTTL)
	if err != nil {
		return "", fmt.Errorf("lock user %d: %w", msg.UserID, err)
	}
	if !ok {
		return "", fmt.Errorf("%w: user %d", ErrUserLocked, msg.UserID)
	}
	defer func() {
		if err := lk.Unlock(context.WithoutCancel(ctx)); err != nil {
			c.log.Warn("release order lock failed", zap.Int64("user_id", msg.UserID), zap.Error(err))
		}
	}()

	order := &model.VoucherOrder{
		ID:        msg.OrderID,
		UserID:    msg.UserID,
		VoucherID: msg.VoucherID,
		Status:    model.OrderStatusUnpaid,
	}
	err = c.store.CreateVoucherOrder(ctx, order)
	switch {
	case err == nil:
		c.putState(ctx, msg, rediskey.OrderSuccess, "")
		c.notify(ctx, msg)
		return OutcomeCommitted, nil

	case errors.Is(err, store.ErrAlreadyOrdered):
		// 重复投递：订单已经落库，视为成功
		existing, gerr := c.store.GetVoucherOrder(ctx, msg.OrderID)
		if gerr != nil {
			return "", gerr
		}
		if existing != nil {
			c.putState(ctx, msg, rediskey.OrderSuccess, "")
		} else {
			c.putState(ctx, msg, rediskey.OrderFailed, "duplicate")
		}
		return OutcomeDuplicate, nil

	case errors.Is(err, store.ErrSoldOut):
		// Redis 放行但库里已无库存：订单失败，Redis 库存压到 0，只归还用户名额
		if _, err := rediskey.MarkSoldOutOnce(ctx, c.rdb, msg.OrderID, msg.VoucherID, msg.UserID); err != nil {
			return "", fmt.Errorf("mark sold out for order %d: %w", msg.OrderID, err)
		}
		c.putState(ctx, msg, rediskey.OrderFailed, "sold_out")
		return OutcomeSoldOut, nil

	default:
		return "", fmt.Errorf("create order %d: %w", msg.OrderID, err)
	}
}

func (c *OrderConsumer) putState(ctx context.Context, msg OrderMessage, status, reason string) {
	st := rediskey.OrderState{
		OrderID:   msg.OrderID,
		VoucherID: msg.VoucherID,
		UserID:    msg.UserID,
		Status:    status,
		Reason:    reason,
	}
	if err := rediskey.PutOrderState(ctx, c.rdb, st, c.cfg.StateTTL); err != nil {
		c.log.Warn("update order state failed", zap.Int64("order_id", msg.OrderID), zap.Error(err))
	}
}

func (c *OrderConsumer) notify(ctx context.Context, msg OrderMessage) {
	if c.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.publisher.Publish(pubCtx, msg); err != nil {
		c.log.Warn("publish order event failed", zap.Int64("order_id", msg.OrderID), zap.Error(err))
	}
}

func (c *OrderConsumer) ack(ctx context.Context, id string) error {
	return c.rdb.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err()
}

func (c *OrderConsumer) sleep(ctx context.Context) {
	t := time.NewTimer(c.cfg.RetryInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
