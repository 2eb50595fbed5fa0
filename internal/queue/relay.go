package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"flashsale/internal/metrics"
	"flashsale/internal/model"
	rediskey "flashsale/pkg/redis"

	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Relay 将 Redis Stream 中的订单终态事件异步转发到 Kafka。
// 语义：发布成功后才 ACK + XDEL，失败则保留消息等待重试。
type Relay struct {
	rdb       rd.Cmdable
	publisher Publisher
	log       zerolog.Logger

	stream   string
	group    string
	consumer string
	block    time.Duration
	backoff  time.Duration
}

func NewRelay(rdb rd.Cmdable, publisher Publisher, stream, group, consumer string, log zerolog.Logger) *Relay {
	return &Relay{
		rdb:       rdb,
		publisher: publisher,
		log:       log,
		stream:    stream,
		group:     group,
		consumer:  consumer,
		block:     2 * time.Second,
		backoff:   300 * time.Millisecond,
	}
}

func (r *Relay) Run(ctx context.Context) {
	for {
		err := r.ensureGroup(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		r.log.Error().Err(err).Msg("relay ensure group")
		r.sleep(ctx, r.backoff)
	}
	r.log.Info().Str("stream", r.stream).Msg("order event relay started")

	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.poll(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			r.log.Error().Err(err).Msg("relay poll")
			r.sleep(ctx, r.backoff)
		}
	}
}

// poll 先处理本消费者历史 pending，再阻塞读新消息；返回成功转发的条数。
func (r *Relay) poll(ctx context.Context) (int, error) {
	msgs, err := r.readGroup(ctx, "0", 0)
	if err != nil {
		return 0, fmt.Errorf("read pending: %w", err)
	}
	if len(msgs) == 0 {
		msgs, err = r.readGroup(ctx, ">", r.block)
		if err != nil {
			return 0, fmt.Errorf("read new: %w", err)
		}
	}

	done := 0
	for _, xm := range msgs {
		if err := r.processOne(ctx, xm); err != nil {
			// 发布失败不 ACK，消息会继续保留用于重试。
			return done, fmt.Errorf("process message id=%s: %w", xm.ID, err)
		}
		done++
	}
	return done, nil
}

func (r *Relay) ensureGroup(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (r *Relay) readGroup(ctx context.Context, streamID string, block time.Duration) ([]rd.XMessage, error) {
	args := &rd.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, streamID},
		Count:    16,
		Block:    block,
	}
	// 读 pending 不能阻塞；Block=0 在 go-redis 中表示永久阻塞，用 -1 关闭 BLOCK 参数
	if block == 0 {
		args.Block = -1
	}
	streams, err := r.rdb.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]rd.XMessage, 0, 16)
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (r *Relay) processOne(ctx context.Context, xm rd.XMessage) error {
	order, err := parseOrderEvent(xm.Values)
	if err != nil {
		r.log.Warn().Err(err).Str("id", xm.ID).Msg("drop malformed order event")
		// 脏消息直接 ACK 丢弃，避免阻塞队列。
		if ackErr := r.ackAndDelete(ctx, xm.ID); ackErr != nil {
			return fmt.Errorf("parse failed: %v, ack failed: %w", err, ackErr)
		}
		return nil
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.publisher.Publish(pubCtx, order); err != nil {
		return err
	}
	metrics.RelayPublished.Inc()
	return r.ackAndDelete(ctx, xm.ID)
}

func (r *Relay) ackAndDelete(ctx context.Context, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.XAck(ctx, r.stream, r.group, id)
	pipe.XDel(ctx, r.stream, id)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Relay) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// parseOrderEvent 解析事件流字段，只接受终态订单。
func parseOrderEvent(values map[string]interface{}) (model.Order, error) {
	flat := make(map[string]string, len(values))
	for _, key := range []string{"order_id", "product_id", "user_id", "status", "reason", "price", "timestamp", "source"} {
		v, err := getStreamString(values, key)
		if err != nil {
			if key == "reason" || key == "source" {
				continue
			}
			return model.Order{}, err
		}
		flat[key] = v
	}
	order, err := rediskey.ParseOrder(flat)
	if err != nil {
		return model.Order{}, err
	}
	if order.OrderID == "" {
		return model.Order{}, fmt.Errorf("order_id is required")
	}
	if !order.Status.Terminal() {
		return model.Order{}, fmt.Errorf("unexpected status %q", order.Status)
	}
	return order, nil
}

func getStreamString(values map[string]interface{}, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float64:
		return strconv.FormatInt(int64(x), 10), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}
