package model

import (
	"errors"
	"fmt"
	"time"
)

// OrderStatus 描述订单状态机：pending -> success | failed，终态不可再变。
type OrderStatus string

const (
	OrderPending OrderStatus = "pending"
	OrderSuccess OrderStatus = "success"
	OrderFailed  OrderStatus = "failed"
)

// Terminal 表示是否已是终态。
func (s OrderStatus) Terminal() bool {
	return s == OrderSuccess || s == OrderFailed
}

// 失败原因。
const (
	ReasonOutOfStock      = "out_of_stock"
	ReasonUnknownProduct  = "unknown_product"
	ReasonInvalidEntry    = "invalid_entry"
	ReasonProcessingError = "processing_error"
)

// 订单来源：同步直连扣减或异步队列。
const (
	SourceDirect = "direct"
	SourceQueue  = "queue"
)

// Order 秒杀订单结果。Redis hash 是实时记录，orders 表是持久归档。
type Order struct {
	ID        uint      `gorm:"primarykey" json:"-"`
	CreatedAt time.Time `json:"-"`

	OrderID   string      `gorm:"size:64;uniqueIndex;not null" json:"order_id"`
	ProductID uint        `gorm:"not null;index" json:"product_id"`
	UserID    string      `gorm:"size:128;not null;index" json:"user_id"`
	Status    OrderStatus `gorm:"size:16;not null;index" json:"status"`
	Reason    string      `gorm:"size:64" json:"reason,omitempty"`
	Price     int64       `gorm:"not null" json:"price"` // 单位：分
	Timestamp int64       `gorm:"not null" json:"timestamp"` // unix 毫秒
	Source    string      `gorm:"size:16" json:"source,omitempty"`
}

func (Order) TableName() string { return "orders" }

var ErrInvalid = errors.New("invalid model")

// ErrStoreUnavailable 计数存储（Redis）故障。扣减与入队路径必须 fail-closed。
var ErrStoreUnavailable = errors.New("store unavailable")

func errInvalid(msg string) error { return fmt.Errorf("%w: %s", ErrInvalid, msg) }
