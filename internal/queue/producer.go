package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// EventOrderCreated 订单落库事件的类型头。
const EventOrderCreated = "voucher_order.created"

var _ Publisher = (*Producer)(nil)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer 把已落库的订单事件写入 Kafka，供下游（通知、对账）订阅。
type Producer struct {
	w   messageWriter
	now func() time.Time
}

// NewProducer 同一用户的订单事件按 key 落到同一分区，等待全部 ISR 确认。
func NewProducer(brokers []string, topic string) *Producer {
	return newProducer(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  5,
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  5 * time.Second,
		BatchTimeout: 50 * time.Millisecond,
	})
}

func newProducer(w messageWriter) *Producer {
	return &Producer{w: w, now: time.Now}
}

// Close 刷出缓冲中的事件并关闭连接，需在消费者 Stop 之后调用。
func (p *Producer) Close() error { return p.w.Close() }

// Publish 同步写入一条订单创建事件。
func (p *Producer) Publish(ctx context.Context, msg OrderMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("publish order event: %w", err)
	}
	km, err := p.orderEvent(msg)
	if err != nil {
		return err
	}
	if err := p.w.WriteMessages(ctx, km); err != nil {
		return fmt.Errorf("publish order %d: %w", msg.OrderID, err)
	}
	return nil
}

func (p *Producer) orderEvent(msg OrderMessage) (kafka.Message, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal order %d: %w", msg.OrderID, err)
	}
	return kafka.Message{
		Key:   []byte(strconv.FormatInt(msg.UserID, 10)),
		Value: b,
		Time:  p.now(),
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(EventOrderCreated)},
			{Key: FieldOrderID, Value: []byte(strconv.FormatInt(msg.OrderID, 10))},
		},
	}, nil
}
