// Package orderstatus 查询订单结果：先读 Redis 实时记录，缺失时回落到持久归档。
package orderstatus

import (
	"context"
	"errors"
	"fmt"

	"flashsale/internal/model"
	rediskey "flashsale/pkg/redis"

	rd "github.com/redis/go-redis/v9"
)

// ErrNotFound 订单从未创建（或尚未登记）。
var ErrNotFound = errors.New("order not found")

// Archive 是持久归档的只读视图，可为 nil。
type Archive interface {
	Get(ctx context.Context, orderID string) (model.Order, bool, error)
}

type Store struct {
	rdb     rd.Cmdable
	archive Archive
}

func New(rdb rd.Cmdable, archive Archive) *Store {
	return &Store{rdb: rdb, archive: archive}
}

// Get 返回订单当前记录。队列提交时预登记的 pending 记录原样返回。
func (s *Store) Get(ctx context.Context, orderID string) (model.Order, error) {
	if orderID == "" {
		return model.Order{}, ErrNotFound
	}
	o, found, err := rediskey.GetOrder(ctx, s.rdb, orderID)
	if err != nil {
		return model.Order{}, fmt.Errorf("get order %s: %w", orderID, err)
	}
	if found {
		return o, nil
	}
	if s.archive == nil {
		return model.Order{}, ErrNotFound
	}
	o, found, err = s.archive.Get(ctx, orderID)
	if err != nil {
		return model.Order{}, fmt.Errorf("get archived order %s: %w", orderID, err)
	}
	if !found {
		return model.Order{}, ErrNotFound
	}
	return o, nil
}
