// Package inventory 负责库存的原子扣减与订单结果落地。
package inventory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"flashsale/internal/metrics"
	"flashsale/internal/model"
	rediskey "flashsale/pkg/redis"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	// ErrSaleNotActive 不在秒杀时间窗内（由调用方在扣减前检查）。
	ErrSaleNotActive = errors.New("sale not active")
	// ErrOutOfStock 库存耗尽，是正常的终态结果而非系统故障。
	ErrOutOfStock = errors.New("out of stock")
	// ErrStoreUnavailable 存储故障；扣减路径必须 fail-closed。
	ErrStoreUnavailable = model.ErrStoreUnavailable
)

// luaReserve：Redis 内原子「读库存 → 判断 > 0 → DECR → 写订单 → 写事件」
// KEYS[1]=库存key，KEYS[2]=订单key，KEYS[3]=订单事件流（可选）
// ARGV[1..6]=order_id, product_id, user_id, price, timestamp, source
// ARGV[7]=事件流近似长度上限，0 表示不裁剪
// 返回 1 表示扣减成功，0 表示库存不足（订单同样落为 failed/out_of_stock）
const luaReserve = `
local stock = tonumber(redis.call('GET', KEYS[1]) or '0')
local status = 'failed'
local reason = 'out_of_stock'
local result = 0
if stock > 0 then
  redis.call('DECR', KEYS[1])
  status = 'success'
  reason = ''
  result = 1
end

local fields = {
  'order_id', ARGV[1],
  'product_id', ARGV[2],
  'user_id', ARGV[3],
  'status', status,
  'reason', reason,
  'price', ARGV[4],
  'timestamp', ARGV[5],
  'source', ARGV[6],
}
redis.call('HSET', KEYS[2], unpack(fields))
if KEYS[3] then
  local maxlen = tonumber(ARGV[7]) or 0
  if maxlen > 0 then
    redis.call('XADD', KEYS[3], 'MAXLEN', '~', maxlen, '*', unpack(fields))
  else
    redis.call('XADD', KEYS[3], '*', unpack(fields))
  end
end
return result
`

var reserveScript = rd.NewScript(luaReserve)

// ReserveRequest 一次购买尝试。Price 单位为分。
type ReserveRequest struct {
	ProductID uint
	UserID    string
	Price     int64
	Now       time.Time
}

// Reservation 扣减结果。Status 为 success 或 failed（Reason=out_of_stock）。
type Reservation struct {
	OrderID string
	Status  model.OrderStatus
	Reason  string
}

// Err 将失败结果映射为哨兵错误，便于调用方 errors.Is 判断。
func (r Reservation) Err() error {
	if r.Status == model.OrderFailed {
		return ErrOutOfStock
	}
	return nil
}

// EventConfig 订单事件流配置。Stream 为空时不写事件；
// MaxLen > 0 时按近似长度裁剪，没有消费者时流也不会无限增长。
type EventConfig struct {
	Stream string
	MaxLen int64
}

// Engine 库存扣减引擎。库存计数只允许由它修改。
type Engine struct {
	rdb    rd.Cmdable
	events EventConfig
	log    zerolog.Logger
	newID  func() string
}

func NewEngine(rdb rd.Cmdable, events EventConfig, log zerolog.Logger) *Engine {
	return &Engine{
		rdb:    rdb,
		events: events,
		log:    log,
		newID:  func() string { return uuid.New().String() },
	}
}

// Reserve 原子地检查并扣减一件库存，同时落订单结果。
// 每次调用生成新的 order_id，不幂等：调用方不要重试结果未知的请求，应去查订单状态。
func (e *Engine) Reserve(ctx context.Context, req ReserveRequest) (Reservation, error) {
	orderID := e.newID()
	keys := []string{rediskey.StockKey(req.ProductID), rediskey.OrderKey(orderID)}
	if e.events.Stream != "" {
		keys = append(keys, e.events.Stream)
	}

	start := time.Now()
	n, err := reserveScript.Run(ctx, e.rdb, keys,
		orderID,
		strconv.FormatUint(uint64(req.ProductID), 10),
		req.UserID,
		strconv.FormatInt(req.Price, 10),
		strconv.FormatInt(req.Now.UnixMilli(), 10),
		model.SourceDirect,
		e.events.MaxLen,
	).Int()
	metrics.ReservationLatency.WithLabelValues(model.SourceDirect).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Reservations.WithLabelValues(model.SourceDirect, "error").Inc()
		e.log.Error().Err(err).Uint("product_id", req.ProductID).Str("order_id", orderID).
			Msg("reserve script failed")
		return Reservation{OrderID: orderID}, fmt.Errorf("%w: reserve: %v", ErrStoreUnavailable, err)
	}

	if n == 1 {
		metrics.Reservations.WithLabelValues(model.SourceDirect, string(model.OrderSuccess)).Inc()
		return Reservation{OrderID: orderID, Status: model.OrderSuccess}, nil
	}
	metrics.Reservations.WithLabelValues(model.SourceDirect, string(model.OrderFailed)).Inc()
	e.log.Debug().Uint("product_id", req.ProductID).Str("order_id", orderID).Msg("out of stock")
	return Reservation{OrderID: orderID, Status: model.OrderFailed, Reason: model.ReasonOutOfStock}, nil
}

// Preload 将初始库存写入 Redis。force=false 时仅在 key 不存在时写入，
// 进程重启不会把进行中的活动库存重置回初始值。返回是否实际写入。
func (e *Engine) Preload(ctx context.Context, productID uint, quantity int64, force bool) (bool, error) {
	key := rediskey.StockKey(productID)
	if force {
		if err := e.rdb.Set(ctx, key, quantity, 0).Err(); err != nil {
			return false, err
		}
		return true, nil
	}
	return e.rdb.SetNX(ctx, key, quantity, 0).Result()
}

// Stock 查询 Redis 中的实时库存；key 不存在视为 0。
func (e *Engine) Stock(ctx context.Context, productID uint) (int64, error) {
	val, err := e.rdb.Get(ctx, rediskey.StockKey(productID)).Int64()
	if errors.Is(err, rd.Nil) {
		return 0, nil
	}
	return val, err
}
