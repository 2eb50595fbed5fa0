package queue

import (
	"context"
	"encoding/json"
	"time"

	"flashsale/internal/model"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Archiver 持久化订单终态，必须幂等（同一 order_id 重复写入视为成功）。
type Archiver interface {
	Archive(ctx context.Context, order model.Order) error
}

// Consumer 从 Kafka 读取订单事件写入归档库。
// 归档成功后才提交 offset，保证至少一次。
type Consumer struct {
	r       *kafka.Reader
	archive Archiver
	log     zerolog.Logger
	backoff time.Duration
}

func NewConsumer(brokers []string, topic, groupID string, archive Archiver, log zerolog.Logger) *Consumer {
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		archive: archive,
		log:     log,
		backoff: 500 * time.Millisecond,
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error().Err(err).Msg("consumer fetch")
			sleepCtx(ctx, c.backoff)
			continue
		}

		if err := c.handle(ctx, m.Value); err != nil {
			return // 只有 ctx 取消才会返回错误，未提交的消息由下次启动重放
		}
		if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.log.Error().Err(err).Int64("offset", m.Offset).Msg("consumer commit")
		}
	}
}

// handle 解析并归档一条消息；归档失败时原地退避重试，直到成功或 ctx 取消。
func (c *Consumer) handle(ctx context.Context, value []byte) error {
	var order model.Order
	if err := json.Unmarshal(value, &order); err != nil || order.OrderID == "" || !order.Status.Terminal() {
		c.log.Warn().Err(err).Bytes("value", value).Msg("consumer drop malformed event")
		return nil
	}
	for {
		err := c.archive.Archive(ctx, order)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Error().Err(err).Str("order_id", order.OrderID).Msg("consumer archive")
		sleepCtx(ctx, c.backoff)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
