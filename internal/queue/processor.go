package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flashsale/internal/metrics"
	"flashsale/internal/model"
	rediskey "flashsale/pkg/redis"

	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ProductLookup 提供商品售价；商品在活动期间不可变。
type ProductLookup interface {
	Product(id uint) (model.Product, bool)
}

// ProcessorConfig 消费循环参数。
type ProcessorConfig struct {
	QueueKey     string
	EventStream  string        // 为空则不写订单事件
	EventMaxLen  int64         // 事件流近似长度上限，0 表示不裁剪
	PopTimeout   time.Duration // BLPOP 超时，保证循环能及时响应关停
	ErrorBackoff time.Duration // 存储故障后的退避

	// MaxAttempts 单条消息的处理次数上限，超过后落 failed 或进入死信队列，不阻塞后续消息
	MaxAttempts   int
	DeadLetterKey string // 默认 QueueKey + ":dead"
}

// Processor 是异步队列的唯一消费者。
//
// 扣减走 WATCH/MULTI 乐观锁而不是 Lua 脚本：阻塞出队循环无法跨迭代持有脚本会话。
// 冲突时无限重试，竞争会自行收敛：库存归零后所有竞争者都走缺货分支，不再重试。
type Processor struct {
	rdb      rd.UniversalClient
	products ProductLookup
	cfg      ProcessorConfig
	log      zerolog.Logger
	now      func() time.Time
}

func NewProcessor(rdb rd.UniversalClient, products ProductLookup, cfg ProcessorConfig, log zerolog.Logger) *Processor {
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 500 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.DeadLetterKey == "" {
		cfg.DeadLetterKey = cfg.QueueKey + ":dead"
	}
	return &Processor{rdb: rdb, products: products, cfg: cfg, log: log, now: time.Now}
}

// Run 阻塞直到 ctx 取消。任何存储错误都只记录并退避，循环不会因瞬时故障退出。
func (p *Processor) Run(ctx context.Context) {
	p.log.Info().Str("queue", p.cfg.QueueKey).Msg("order queue processor started")
	defer p.log.Info().Msg("order queue processor stopped")

	for {
		if ctx.Err() != nil {
			return
		}

		res, err := p.rdb.BLPop(ctx, p.cfg.PopTimeout, p.cfg.QueueKey).Result()
		if err != nil {
			if errors.Is(err, rd.Nil) {
				continue // 超时，回到循环顶部检查关停信号
			}
			if ctx.Err() != nil {
				return
			}
			metrics.QueueErrors.Inc()
			p.log.Error().Err(err).Msg("dequeue failed")
			p.sleep(ctx)
			continue
		}
		if len(res) != 2 {
			continue
		}

		entry, err := DecodeEntry([]byte(res[1]))
		if err != nil {
			p.dropMalformed(ctx, res[1], err)
			continue
		}
		p.handle(ctx, entry)
	}
}

// handle 处理已出队的消息，失败时在内存中有限次重试；关停时放回队首，不丢单。
func (p *Processor) handle(ctx context.Context, entry Entry) {
	var err error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if _, err = p.Process(ctx, entry); err == nil {
			return
		}
		if ctx.Err() != nil {
			p.requeue(entry)
			return
		}
		metrics.QueueErrors.Inc()
		p.log.Error().Err(err).Str("order_id", entry.OrderID).Int("attempt", attempt).
			Msg("process queue entry failed")
		if attempt < p.cfg.MaxAttempts {
			p.sleep(ctx)
		}
	}
	// 存储整体不可用时两条出路都写不进去，只能等它恢复
	for !p.abandon(ctx, entry, model.ReasonProcessingError, err) {
		if ctx.Err() != nil {
			p.requeue(entry)
			return
		}
		p.sleep(ctx)
	}
}

// abandon 放弃一条消息：尽量把订单落为 failed，写不进去就转入死信队列。
// 两者都失败时返回 false。
func (p *Processor) abandon(ctx context.Context, entry Entry, reason string, cause error) bool {
	err := p.finalizeFailed(ctx, entry, reason, false)
	if err == nil {
		metrics.QueueAbandoned.Inc()
		p.log.Warn().Err(cause).Str("order_id", entry.OrderID).Str("reason", reason).
			Msg("queue entry abandoned, order marked failed")
		return true
	}
	b, _ := json.Marshal(entry)
	if dlErr := p.rdb.RPush(ctx, p.cfg.DeadLetterKey, b).Err(); dlErr != nil {
		p.log.Error().Err(dlErr).Str("order_id", entry.OrderID).Msg("dead letter push failed")
		return false
	}
	metrics.QueueAbandoned.Inc()
	p.log.Error().Err(err).Str("order_id", entry.OrderID).Str("dead_letter", p.cfg.DeadLetterKey).
		Msg("queue entry moved to dead letter list")
	return true
}

// dropMalformed 丢弃无法解析的消息；若还能取出 order_id，把预登记的 pending 订单落为 failed。
func (p *Processor) dropMalformed(ctx context.Context, payload string, cause error) {
	var partial Entry
	if json.Unmarshal([]byte(payload), &partial) != nil || partial.OrderID == "" {
		p.log.Warn().Err(cause).Str("payload", payload).Msg("drop malformed queue entry")
		return
	}
	if err := p.finalizeFailed(ctx, partial, model.ReasonInvalidEntry, true); err != nil {
		p.log.Error().Err(err).Str("order_id", partial.OrderID).Msg("finalize malformed queue entry")
		return
	}
	p.log.Warn().Err(cause).Str("order_id", partial.OrderID).Msg("malformed queue entry marked failed")
}

// finalizeFailed 把订单落为 failed（不扣库存）。已是终态则不动；
// onlyExisting=true 时订单记录不存在也不创建。
func (p *Processor) finalizeFailed(ctx context.Context, entry Entry, reason string, onlyExisting bool) error {
	orderKey := rediskey.OrderKey(entry.OrderID)
	txf := func(tx *rd.Tx) error {
		existing, found, err := rediskey.GetOrder(ctx, tx, entry.OrderID)
		if err != nil {
			return err
		}
		if (found && existing.Status.Terminal()) || (!found && onlyExisting) {
			return nil
		}

		order := model.Order{
			OrderID:   entry.OrderID,
			ProductID: entry.ProductID,
			UserID:    entry.UserID,
			Status:    model.OrderFailed,
			Reason:    reason,
			Timestamp: p.now().UnixMilli(),
			Source:    model.SourceQueue,
		}
		if found {
			order.Price = existing.Price
			if order.ProductID == 0 {
				order.ProductID = existing.ProductID
			}
			if order.UserID == "" {
				order.UserID = existing.UserID
			}
		}
		fields := rediskey.OrderFields(order)
		_, err = tx.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
			pipe.HSet(ctx, orderKey, fields...)
			if p.cfg.EventStream != "" {
				pipe.XAdd(ctx, p.eventArgs(fields))
			}
			return nil
		})
		return err
	}
	for {
		err := p.rdb.Watch(ctx, txf, orderKey)
		if errors.Is(err, rd.TxFailedErr) {
			continue
		}
		return err
	}
}

func (p *Processor) eventArgs(fields []any) *rd.XAddArgs {
	args := &rd.XAddArgs{Stream: p.cfg.EventStream, Values: fields}
	if p.cfg.EventMaxLen > 0 {
		args.MaxLen = p.cfg.EventMaxLen
		args.Approx = true
	}
	return args
}

// Process 用乐观锁为一条队列消息扣减库存并落终态，返回最终状态。
// 已是终态的订单（重复投递）直接返回已有状态，不会二次扣减。
func (p *Processor) Process(ctx context.Context, entry Entry) (model.OrderStatus, error) {
	stockKey := rediskey.StockKey(entry.ProductID)
	orderKey := rediskey.OrderKey(entry.OrderID)
	product, known := p.products.Product(entry.ProductID)

	start := time.Now()
	defer func() {
		metrics.ReservationLatency.WithLabelValues(model.SourceQueue).Observe(time.Since(start).Seconds())
	}()

	for {
		var final model.Order
		txf := func(tx *rd.Tx) error {
			existing, found, err := rediskey.GetOrder(ctx, tx, entry.OrderID)
			if err != nil {
				return err
			}
			if found && existing.Status.Terminal() {
				final = existing
				return nil
			}

			order := model.Order{
				OrderID:   entry.OrderID,
				ProductID: entry.ProductID,
				UserID:    entry.UserID,
				Status:    model.OrderSuccess,
				Price:     product.SalePrice,
				Timestamp: p.now().UnixMilli(),
				Source:    model.SourceQueue,
			}
			if !known {
				order.Status, order.Reason = model.OrderFailed, model.ReasonUnknownProduct
			} else {
				stock, err := tx.Get(ctx, stockKey).Int64()
				if err != nil && !errors.Is(err, rd.Nil) {
					return err
				}
				// 库存耗尽后不可能再恢复，缺货结果不存在竞争
				if stock <= 0 {
					order.Status, order.Reason = model.OrderFailed, model.ReasonOutOfStock
				}
			}

			fields := rediskey.OrderFields(order)
			_, err = tx.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
				if order.Status == model.OrderSuccess {
					pipe.Decr(ctx, stockKey)
				}
				pipe.HSet(ctx, orderKey, fields...)
				if p.cfg.EventStream != "" {
					pipe.XAdd(ctx, p.eventArgs(fields))
				}
				return nil
			})
			if err == nil {
				final = order
			}
			return err
		}

		err := p.rdb.Watch(ctx, txf, stockKey, orderKey)
		if errors.Is(err, rd.TxFailedErr) {
			metrics.QueueRetries.Inc()
			continue
		}
		if err != nil {
			metrics.Reservations.WithLabelValues(model.SourceQueue, "error").Inc()
			return "", fmt.Errorf("process order %s: %w", entry.OrderID, err)
		}

		metrics.Reservations.WithLabelValues(model.SourceQueue, string(final.Status)).Inc()
		p.log.Debug().Str("order_id", entry.OrderID).Str("status", string(final.Status)).
			Str("reason", final.Reason).Msg("queue order finalized")
		return final.Status, nil
	}
}

func (p *Processor) requeue(entry Entry) {
	b, err := entry.Encode()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.rdb.LPush(ctx, p.cfg.QueueKey, b).Err(); err != nil {
		p.log.Error().Err(err).Str("order_id", entry.OrderID).Msg("requeue on shutdown failed")
	}
}

func (p *Processor) sleep(ctx context.Context) {
	t := time.NewTimer(p.cfg.ErrorBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
