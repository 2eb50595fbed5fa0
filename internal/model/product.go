package model

import (
	"time"

	"gorm.io/gorm"
)

// Product 秒杀商品：启动时写入一次，活动开始后不可变。
type Product struct {
	ID        uint           `gorm:"primarykey" json:"id" yaml:"id"`
	CreatedAt time.Time      `json:"created_at" yaml:"-"`
	UpdatedAt time.Time      `json:"updated_at" yaml:"-"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-" yaml:"-"`

	Name        string `gorm:"size:128;not null" json:"name" yaml:"name"`
	Description string `gorm:"size:512" json:"description" yaml:"description"`
	// 价格单位：分
	OriginalPrice int64 `gorm:"not null" json:"original_price" yaml:"original_price"`
	SalePrice     int64 `gorm:"not null" json:"sale_price" yaml:"sale_price"`
	// InitialQuantity 只用于预热 Redis 库存；实时扣减只发生在 Redis。
	InitialQuantity int64     `gorm:"not null;default:0" json:"initial_quantity" yaml:"initial_quantity"`
	StartTime       time.Time `gorm:"not null" json:"start_time" yaml:"start_time"`
	EndTime         time.Time `gorm:"not null" json:"end_time" yaml:"end_time"`
}

func (Product) TableName() string { return "products" }

// Active 判断 now 是否落在秒杀时间窗内（两端闭区间）。
func (p Product) Active(now time.Time) bool {
	return !now.Before(p.StartTime) && !now.After(p.EndTime)
}

// Validate 做种子数据的最小校验。
func (p Product) Validate() error {
	switch {
	case p.ID == 0:
		return errInvalid("id is required")
	case p.Name == "":
		return errInvalid("name is required")
	case p.SalePrice <= 0:
		return errInvalid("sale_price must be > 0")
	case p.InitialQuantity < 0:
		return errInvalid("initial_quantity must be >= 0")
	case !p.EndTime.After(p.StartTime):
		return errInvalid("end_time must be after start_time")
	}
	return nil
}
