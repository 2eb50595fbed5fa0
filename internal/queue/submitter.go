package queue

import (
	"context"
	"fmt"
	"time"

	"flashsale/internal/model"
	rediskey "flashsale/pkg/redis"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
)

// Submitter 异步下单入口：先登记 pending 订单，再入队。
// 两步在同一个 MULTI/EXEC 中完成，查询方不会看到"已入队但查不到"的订单。
type Submitter struct {
	rdb      rd.Cmdable
	queueKey string
	newID    func() string
}

func NewSubmitter(rdb rd.Cmdable, queueKey string) *Submitter {
	return &Submitter{
		rdb:      rdb,
		queueKey: queueKey,
		newID:    func() string { return uuid.New().String() },
	}
}

// Submit 返回新生成的 order_id；最终结果由 Processor 异步写入。
func (s *Submitter) Submit(ctx context.Context, productID uint, userID string, price int64, now time.Time) (string, error) {
	orderID := s.newID()
	b, err := Entry{OrderID: orderID, ProductID: productID, UserID: userID}.Encode()
	if err != nil {
		return "", err
	}

	pending := model.Order{
		OrderID:   orderID,
		ProductID: productID,
		UserID:    userID,
		Status:    model.OrderPending,
		Price:     price,
		Timestamp: now.UnixMilli(),
		Source:    model.SourceQueue,
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, rediskey.OrderKey(orderID), rediskey.OrderFields(pending)...)
	pipe.RPush(ctx, s.queueKey, b)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("%w: submit: %v", model.ErrStoreUnavailable, err)
	}
	return orderID, nil
}
