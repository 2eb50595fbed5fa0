package redis

import (
	"context"
	"fmt"
	"strconv"

	"flashsale/internal/model"

	rd "github.com/redis/go-redis/v9"
)

// OrderFields 把订单展开成 HSET 的 field/value 列表，Lua 脚本与事务共用同一份字段约定。
func OrderFields(o model.Order) []any {
	return []any{
		"order_id", o.OrderID,
		"product_id", strconv.FormatUint(uint64(o.ProductID), 10),
		"user_id", o.UserID,
		"status", string(o.Status),
		"reason", o.Reason,
		"price", strconv.FormatInt(o.Price, 10),
		"timestamp", strconv.FormatInt(o.Timestamp, 10),
		"source", o.Source,
	}
}

// GetOrder 查询订单记录。found=false 表示 key 不存在。
func GetOrder(ctx context.Context, c rd.Cmdable, orderID string) (model.Order, bool, error) {
	m, err := c.HGetAll(ctx, OrderKey(orderID)).Result()
	if err != nil {
		return model.Order{}, false, err
	}
	if len(m) == 0 {
		return model.Order{}, false, nil
	}
	o, err := ParseOrder(m)
	if err != nil {
		return model.Order{}, false, err
	}
	if o.OrderID == "" {
		o.OrderID = orderID
	}
	return o, true, nil
}

// PutOrder 写入订单 hash（不设置 TTL，核心从不删除订单）。
func PutOrder(ctx context.Context, c rd.Cmdable, o model.Order) error {
	return c.HSet(ctx, OrderKey(o.OrderID), OrderFields(o)...).Err()
}

// ParseOrder 解析 HGETALL / 事件流中的扁平字段。
func ParseOrder(m map[string]string) (model.Order, error) {
	o := model.Order{
		OrderID: m["order_id"],
		UserID:  m["user_id"],
		Status:  model.OrderStatus(m["status"]),
		Reason:  m["reason"],
		Source:  m["source"],
	}
	if o.Status == "" {
		o.Status = model.OrderPending
	}
	if v := m["product_id"]; v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return model.Order{}, fmt.Errorf("invalid product_id %q", v)
		}
		o.ProductID = uint(id)
	}
	if v := m["price"]; v != "" {
		price, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return model.Order{}, fmt.Errorf("invalid price %q", v)
		}
		o.Price = price
	}
	if v := m["timestamp"]; v != "" {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return model.Order{}, fmt.Errorf("invalid timestamp %q", v)
		}
		o.Timestamp = ts
	}
	return o, nil
}
